//go:build windows

package marker

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

func TestRegistrySinkWritesLabelKey(t *testing.T) {
	const base = `SOFTWARE\BreezeProvisionTest`
	sink := NewRegistrySink(`\` + base + `\`)

	err := sink.Report(context.Background(), testMarker())
	if errors.Is(err, windows.ERROR_ACCESS_DENIED) {
		t.Skip("writing HKLM requires an elevated test run")
	}
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	t.Cleanup(func() {
		registry.DeleteKey(registry.LOCAL_MACHINE, base+`\WingetUpdates`)
		registry.DeleteKey(registry.LOCAL_MACHINE, base)
	})

	k, err := registry.OpenKey(registry.LOCAL_MACHINE, base+`\WingetUpdates`, registry.QUERY_VALUE)
	if err != nil {
		t.Fatalf("OpenKey: %v", err)
	}
	defer k.Close()

	for name, want := range map[string]string{
		"Version":     "20261019",
		"CompletedAt": "2026-10-19T08:30:00Z",
		"RunId":       "run-1",
		"Hostname":    "PC-0042",
	} {
		if got, _, err := k.GetStringValue(name); err != nil || got != want {
			t.Errorf("%s = %q, %v; want %q", name, got, err, want)
		}
	}
	if n, _, err := k.GetIntegerValue("UpdatesApplied"); err != nil || n != 1 {
		t.Errorf("UpdatesApplied = %d, %v", n, err)
	}
}
