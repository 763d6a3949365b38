package capability

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	xerrors "daq-plugin/internal/errors"
	"daq-plugin/pkg/driver"
)

func TestRegisterRejectsNameCollision(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Capability{Name: "gps", Description: "GPS fix"}); err != nil {
		t.Fatalf("register gps: %v", err)
	}
	err := r.Register(Capability{Name: "gps"})
	if xerrors.CodeOf(err) != xerrors.CodeConfigError {
		t.Fatalf("expected CONFIG_ERROR, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("collision must not add an entry, len=%d", r.Len())
	}
}

func TestRegisterRejectsInvalidDeclarations(t *testing.T) {
	cases := map[string]Capability{
		"empty name":     {Name: ""},
		"bad characters": {Name: "gps/raw"},
		"bad param type": {Name: "gps", Parameters: map[string]Parameter{"n": {Type: "complex"}}},
		"bad default":    {Name: "gps", Parameters: map[string]Parameter{"n": {Type: TypeInt, Default: "many"}}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			if err := NewRegistry().Register(c); xerrors.CodeOf(err) != xerrors.CodeConfigError {
				t.Fatalf("expected CONFIG_ERROR, got %v", err)
			}
		})
	}
}

func TestSealedRegistryIsReadOnly(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Capability{Name: "gps"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Seal()
	if err := r.Register(Capability{Name: "pano"}); xerrors.CodeOf(err) != xerrors.CodeConfigError {
		t.Fatalf("expected CONFIG_ERROR after seal, got %v", err)
	}
	if !r.Sealed() {
		t.Fatalf("expected sealed registry")
	}
}

func TestListPreservesOrderAndIsolation(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"gps", "battery", "pano"} {
		if err := r.Register(Capability{Name: name, Parameters: map[string]Parameter{"n": {Type: TypeInt}}}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	list := r.List()
	got := []string{list[0].Name, list[1].Name, list[2].Name}
	if diff := cmp.Diff([]string{"gps", "battery", "pano"}, got); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
	list[0].Parameters["n"] = Parameter{Type: TypeString}
	again, _ := r.Lookup("gps")
	if again.Parameters["n"].Type != TypeInt {
		t.Fatalf("List must return copies")
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := NewRegistry().Lookup("pano")
	if xerrors.CodeOf(err) != CodeCapabilityNotFound {
		t.Fatalf("expected CAPABILITY_NOT_FOUND, got %v", err)
	}
}

func TestNormalizeAppliesDefaultsAndTypes(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Capability{
		Name: "gps",
		Parameters: map[string]Parameter{
			"samples": {Type: TypeInt, Default: 1},
			"timeout": {Type: TypeDuration, Default: "2s"},
			"label":   {Type: TypeString, Required: true},
			"ratio":   {Type: TypeFloat},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := r.Normalize("gps", map[string]any{"label": "dock", "samples": float64(3)})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := map[string]any{"label": "dock", "samples": int64(3), "timeout": 2 * time.Second}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected params (-want +got):\n%s", diff)
	}

	if _, err := r.Normalize("gps", map[string]any{"samples": 1.5, "label": "x"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for fractional int, got %v", err)
	}
	if _, err := r.Normalize("gps", map[string]any{"unknown": 1, "label": "x"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for unknown param, got %v", err)
	}
	if _, err := r.Normalize("gps", nil); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for missing required param, got %v", err)
	}
}

func TestNormalizePassesThroughUndeclared(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Capability{Name: "free"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := r.Normalize("free", map[string]any{"anything": true})
	if err != nil || got["anything"] != true {
		t.Fatalf("unexpected result %v, %v", got, err)
	}
}

func TestFromSpecDefaultsChannel(t *testing.T) {
	c := FromSpec(driver.CapabilitySpec{
		Name:       "gps",
		Parameters: map[string]driver.ParameterSpec{"samples": {Type: "int", Default: 1}},
	})
	if c.Channel != "gps" {
		t.Fatalf("channel should default to name, got %q", c.Channel)
	}
	if c.Parameters["samples"].Type != TypeInt {
		t.Fatalf("unexpected parameter: %+v", c.Parameters["samples"])
	}
}
