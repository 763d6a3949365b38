package driver

import (
	"context"
	"errors"
	"fmt"
)

// Driver defines the lifecycle hooks and capture entry point that every
// sensor driver must satisfy.
type Driver interface {
	// Info returns the static metadata for the driver.
	Info() Info
	// Configure allows the driver to inspect its configuration block before Open.
	// Implementations may mutate the configuration map to inject defaults.
	Configure(cfg map[string]any) error
	// Open acquires the underlying device or connection.
	Open(ctx context.Context) error
	// Capture performs one acquisition. It may block on device I/O and should
	// return promptly once ctx is done when the device allows it.
	Capture(ctx context.Context, req CaptureRequest) (*Payload, error)
	// Close releases the device.
	Close(ctx context.Context) error
}

// Aborter is implemented by drivers that can interrupt an in-flight capture.
type Aborter interface {
	Abort(requestID string)
}

// Factory builds a driver for a builtin kind.
type Factory func() Driver

// ErrTransient marks a capture failure that may succeed on a second attempt,
// typically a device I/O timeout.
var ErrTransient = errors.New("transient capture failure")

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() []error { return []error{e.err, ErrTransient} }

// Transient wraps err so that errors.Is(err, ErrTransient) reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf formats a transient capture failure.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// IsTransient reports whether err was marked as transient by the driver.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Option modifies the behaviour of a driver manager instance.
type Option func(*Manager)

// WithLoader overrides the default binary loader implementation.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithFactory registers a builtin driver kind that manifests can reference.
func WithFactory(kind string, factory Factory) Option {
	return func(m *Manager) {
		if kind == "" || factory == nil {
			return
		}
		if m.factories == nil {
			m.factories = make(map[string]Factory)
		}
		m.factories[kind] = factory
	}
}

// WithCapabilityHook registers a callback invoked for every capability bound
// to a driver, typically used to fill the capability registry.
func WithCapabilityHook(hook func(driverID string, spec CapabilitySpec) error) Option {
	return func(m *Manager) {
		m.onCapability = hook
	}
}
