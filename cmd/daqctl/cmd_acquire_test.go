package main

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"daq-plugin/internal/acquisition"
	"daq-plugin/pkg/driver"
)

func TestBuildRequest(t *testing.T) {
	req, err := buildRequest("req-1", "survey/start",
		[]string{"gps:samples=3, timeout=2s", "pano"},
		map[string]string{"operator": "alice"}, time.Minute)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	want := acquisition.Request{
		ID:     "req-1",
		Action: driver.Action{Group: "survey", Name: "start"},
		Captures: []acquisition.CaptureRequest{
			{Capability: "gps", Parameters: map[string]any{"samples": "3", "timeout": "2s"}},
			{Capability: "pano"},
		},
		Timeout:  time.Minute,
		Metadata: map[string]string{"operator": "alice"},
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Fatalf("unexpected request (-want +got):\n%s", diff)
	}
}

func TestBuildRequestErrors(t *testing.T) {
	cases := []struct {
		name     string
		action   string
		captures []string
	}{
		{"no captures", "", nil},
		{"bad action", "survey", []string{"gps"}},
		{"empty capability", "", []string{":samples=1"}},
		{"bad parameter", "", []string{"gps:samples"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := buildRequest("", tc.action, tc.captures, nil, 0); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
