package daq

import "time"

// Aggregate request states reported by the plugin.
const (
	StateProcessing       = "STILL_PROCESSING"
	StateCancelInProgress = "CANCEL_IN_PROGRESS"
	StateError            = "ERROR"
	StateCanceled         = "CANCELED"
	StateComplete         = "COMPLETE"
)

// Terminal reports whether an aggregate state is final.
func Terminal(state string) bool {
	switch state {
	case StateError, StateCanceled, StateComplete:
		return true
	default:
		return false
	}
}

// Parameter describes one acquisition parameter a capability accepts.
type Parameter struct {
	Type        string `json:"type"`
	Default     any    `json:"default,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

// Capability is a data source advertised by the plugin.
type Capability struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Channel     string               `json:"channel,omitempty"`
	Parameters  map[string]Parameter `json:"parameters,omitempty"`
}

// ServiceInfo is returned by GET /api/v1/info.
type ServiceInfo struct {
	Plugin       string       `json:"plugin"`
	Version      string       `json:"version,omitempty"`
	Capabilities []Capability `json:"capabilities"`
}

// Action identifies what triggered an acquisition.
type Action struct {
	Group string `json:"group,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Capture requests data from a single capability.
type Capture struct {
	Capability string         `json:"capability"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// AcquireRequest is the body of POST /api/v1/acquisitions.
type AcquireRequest struct {
	RequestID string            `json:"request_id,omitempty"`
	Action    Action            `json:"action"`
	Captures  []Capture         `json:"captures"`
	Timeout   string            `json:"timeout,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// JobError explains why a job ended in ERROR or CANCELED.
type JobError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is the per-capability part of a request.
type Job struct {
	RequestID       string         `json:"request_id"`
	Capability      string         `json:"capability"`
	State           string         `json:"state"`
	Attempts        int            `json:"attempts"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	Error           *JobError      `json:"error,omitempty"`
	RecordID        string         `json:"record_id,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Status is a point-in-time view of a request.
type Status struct {
	RequestID  string            `json:"request_id"`
	State      string            `json:"state"`
	Action     Action            `json:"action"`
	Jobs       []Job             `json:"jobs"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Deadline   time.Time         `json:"deadline,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
}

// Job returns the job for the given capability, or nil.
func (s Status) Job(capability string) *Job {
	for i := range s.Jobs {
		if s.Jobs[i].Capability == capability {
			return &s.Jobs[i]
		}
	}
	return nil
}

// Record is a stored capture result.
type Record struct {
	ID          string            `json:"id"`
	RequestID   string            `json:"request_id"`
	Capability  string            `json:"capability"`
	Channel     string            `json:"channel,omitempty"`
	ActionGroup string            `json:"action_group,omitempty"`
	ActionName  string            `json:"action_name,omitempty"`
	Plugin      string            `json:"plugin,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CapturedAt  time.Time         `json:"captured_at"`
	StoredAt    time.Time         `json:"stored_at"`
}

// Stats summarises the requests the plugin currently tracks.
type Stats struct {
	Total           int            `json:"total"`
	Processing      int            `json:"processing"`
	Complete        int            `json:"complete"`
	Failed          int            `json:"failed"`
	Canceled        int            `json:"canceled"`
	Jobs            map[string]int `json:"jobs"`
	OldestUpdatedAt time.Time      `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt time.Time      `json:"newest_updated_at,omitempty"`
}

// ListOptions filters GET /api/v1/acquisitions.
type ListOptions struct {
	Limit        int
	Offset       int
	States       []string
	Capabilities []string
	Since        time.Time
	Until        time.Time
	Ascending    bool
}
