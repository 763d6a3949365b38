package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"daq-plugin/internal/acquisition"
	"daq-plugin/internal/api"
	"daq-plugin/internal/capability"
	"daq-plugin/internal/driver/static"
	"daq-plugin/internal/store"
	"daq-plugin/pkg/driver"
	"daq-plugin/sdk/go/daq"
)

// main starts an in-process plugin serving a synthetic "gps" capability and
// drives it through the REST client.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry := capability.NewRegistry()
	manager, err := driver.NewManager(driver.ManagerConfig{Drivers: map[string]driver.DriverConfig{
		"demo": {
			Enabled: true,
			Kind:    static.Kind,
			Config:  map[string]any{"payload": map[string]any{"lat": 48.137, "lon": 11.575}, "delay": "20ms"},
			Capabilities: []driver.CapabilitySpec{{
				Name:       "gps",
				Parameters: map[string]driver.ParameterSpec{"samples": {Type: "int", Default: 1}},
			}},
		},
	}},
		driver.WithFactory(static.Kind, static.Factory()),
		driver.WithCapabilityHook(func(_ string, spec driver.CapabilitySpec) error {
			return registry.Register(capability.FromSpec(spec))
		}),
	)
	if err != nil {
		panic(err)
	}
	if err := manager.OpenAll(ctx); err != nil {
		panic(err)
	}
	defer manager.CloseAll(context.Background())

	queue := acquisition.NewMemoryQueue(16)
	svc := acquisition.NewService(registry, manager, store.NewMemoryStore(), queue,
		acquisition.WithPluginName("demo-plugin", "0.1.0"))
	defer svc.Close()
	go func() { _ = acquisition.NewProcessor(svc, queue).Start(ctx) }()

	srv := httptest.NewServer(api.NewServer("", svc).Handler())
	defer srv.Close()

	client, err := daq.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	info, err := client.Info(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("plugin %s serves %d capabilities\n", info.Plugin, len(info.Capabilities))

	id, err := client.Acquire(ctx, daq.AcquireRequest{
		Action:   daq.Action{Group: "demo", Name: "snapshot"},
		Captures: []daq.Capture{{Capability: "gps", Parameters: map[string]any{"samples": 2}}},
		Timeout:  "5s",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted request %s\n", id)

	st, err := client.Wait(ctx, id, 50*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("request %s finished with state %s\n", st.RequestID, st.State)

	records, err := client.Records(ctx, id)
	if err != nil {
		panic(err)
	}
	for _, rec := range records {
		fmt.Printf("record %s (%s): %s\n", rec.ID, rec.ContentType, rec.Payload)
	}
}
