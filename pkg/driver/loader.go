package driver

import (
	"errors"
	goplugin "plugin"
)

// Loader resolves driver binaries into Driver implementations.
type Loader interface {
	Load(path string) (Driver, error)
}

// GoPluginLoader uses the Go standard library plugin mechanism to load
// out-of-tree drivers built with -buildmode=plugin.
type GoPluginLoader struct{}

// Load opens the shared object and searches for a `Driver` symbol implementing the Driver interface.
func (GoPluginLoader) Load(path string) (Driver, error) {
	if path == "" {
		return nil, errors.New("driver path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Driver")
	if err != nil {
		return nil, err
	}
	switch d := symbol.(type) {
	case Driver:
		return d, nil
	case *Driver:
		if d == nil || *d == nil {
			return nil, errors.New("driver symbol is nil")
		}
		return *d, nil
	case func() Driver:
		return d(), nil
	default:
		return nil, errors.New("driver symbol must implement driver.Driver")
	}
}
