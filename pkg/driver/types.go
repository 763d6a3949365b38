package driver

import "time"

// Info contains descriptive metadata for a capture driver implementation.
type Info struct {
	ID          string
	Kind        string
	Name        string
	Description string
	Version     string
}

// State represents the lifecycle position of a driver instance.
type State string

const (
	StateRegistered State = "registered"
	StateOpened     State = "opened"
	StateClosed     State = "closed"
)

// Action identifies the operator-facing acquisition a capture belongs to.
type Action struct {
	Group string `json:"group,omitempty"`
	Name  string `json:"name,omitempty"`
}

// CaptureRequest carries everything a driver needs to perform one capture.
type CaptureRequest struct {
	RequestID  string
	Capability string
	Channel    string
	Action     Action
	Attempt    int
	Parameters map[string]any
}

// Payload is the raw result of a capture handed to the store.
type Payload struct {
	ContentType string
	Data        []byte
	Metadata    map[string]string
	CapturedAt  time.Time
}

// CapabilitySpec describes a capability served by a driver in the manifest.
type CapabilitySpec struct {
	Name        string                   `yaml:"name"`
	Description string                   `yaml:"description"`
	Channel     string                   `yaml:"channel"`
	Parameters  map[string]ParameterSpec `yaml:"parameters"`
}

// ParameterSpec describes one acquisition parameter accepted by a capability.
type ParameterSpec struct {
	Type        string `yaml:"type"`
	Default     any    `yaml:"default"`
	Required    bool   `yaml:"required"`
	Description string `yaml:"description"`
}
