//go:build windows

package marker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/windows/registry"
)

// RegistrySink writes HKLM\<key>\<label> with Version, CompletedAt and RunId
// string values. Intune proactive remediations and detection rules read
// these directly.
type RegistrySink struct {
	key string
}

// NewRegistrySink returns a sink writing below HKLM\key.
func NewRegistrySink(key string) *RegistrySink {
	return &RegistrySink{key: strings.Trim(key, `\`)}
}

func (r *RegistrySink) Name() string { return "registry" }

// Report creates or overwrites the label key.
func (r *RegistrySink) Report(_ context.Context, m Marker) error {
	path := r.key + `\` + m.Label
	k, _, err := registry.CreateKey(registry.LOCAL_MACHINE, path, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("create HKLM\\%s: %w", path, err)
	}
	defer k.Close()

	values := []struct{ name, value string }{
		{"Version", m.Version},
		{"CompletedAt", m.CompletedAt.UTC().Format(time.RFC3339)},
		{"RunId", m.RunID},
		{"Hostname", m.Hostname},
	}
	for _, v := range values {
		if err := k.SetStringValue(v.name, v.value); err != nil {
			return fmt.Errorf("set HKLM\\%s\\%s: %w", path, v.name, err)
		}
	}
	if err := k.SetDWordValue("UpdatesApplied", uint32(len(m.Applied))); err != nil {
		return fmt.Errorf("set HKLM\\%s\\UpdatesApplied: %w", path, err)
	}
	return nil
}
