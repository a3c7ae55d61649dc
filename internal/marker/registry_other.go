//go:build !windows

package marker

import "context"

// RegistrySink is only functional on Windows.
type RegistrySink struct {
	key string
}

// NewRegistrySink returns a sink that always fails with ErrUnsupported.
func NewRegistrySink(key string) *RegistrySink {
	return &RegistrySink{key: key}
}

func (r *RegistrySink) Name() string { return "registry" }

func (r *RegistrySink) Report(context.Context, Marker) error {
	return ErrUnsupported
}
