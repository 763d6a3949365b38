package acquisition

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing requests.
type SortOrder int

const (
	// SortByUpdatedDesc orders requests by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders requests by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls which tracked requests List returns.
type ListOptions struct {
	Limit        int
	Offset       int
	States       []AggregateState
	Capabilities []string
	UpdatedGTE   time.Time
	UpdatedLTE   time.Time
	Order        SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.States != nil {
		opts.States = normalizeStates(opts.States)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	caps := opts.Capabilities[:0]
	for _, c := range opts.Capabilities {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}
	opts.Capabilities = caps
}

func (opts ListOptions) matches(st *Status) bool {
	if len(opts.States) > 0 {
		found := false
		for _, s := range opts.States {
			if s == st.State {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !opts.UpdatedGTE.IsZero() && st.UpdatedAt.Before(opts.UpdatedGTE) {
		return false
	}
	if !opts.UpdatedLTE.IsZero() && st.UpdatedAt.After(opts.UpdatedLTE) {
		return false
	}
	if len(opts.Capabilities) > 0 {
		for _, want := range opts.Capabilities {
			if st.Job(want) != nil {
				return true
			}
		}
		return false
	}
	return true
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of requests returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching requests before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStates filters requests by aggregate state.
func WithStates(states ...AggregateState) ListOption {
	return func(opts *ListOptions) {
		opts.States = append(opts.States[:0], states...)
	}
}

// WithCapabilities keeps requests that include at least one of the capabilities.
func WithCapabilities(names ...string) ListOption {
	return func(opts *ListOptions) {
		opts.Capabilities = append(opts.Capabilities[:0], names...)
	}
}

// WithUpdatedSince filters requests updated at or after ts.
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedGTE = ts
	}
}

// WithUpdatedUntil filters requests updated at or before ts.
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedLTE = ts
	}
}

// WithSortOrder changes the returned order of requests.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStates(input []AggregateState) []AggregateState {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[AggregateState]struct{}, len(input))
	result := make([]AggregateState, 0, len(input))
	for _, s := range input {
		if !IsValidAggregateState(s) {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		result = append(result, s)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
