//go:build windows

package preflight

import (
	"fmt"

	"golang.org/x/sys/windows/svc/mgr"
)

// serviceStartType asks the Service Control Manager how name is started.
func serviceStartType(name string) (string, error) {
	m, err := mgr.Connect()
	if err != nil {
		return "", fmt.Errorf("connect to SCM: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return "", fmt.Errorf("open service %s: %w", name, err)
	}
	defer s.Close()

	cfg, err := s.Config()
	if err != nil {
		return "", fmt.Errorf("query service %s: %w", name, err)
	}

	switch cfg.StartType {
	case mgr.StartAutomatic:
		return startAutomatic, nil
	case mgr.StartManual:
		return startManual, nil
	case mgr.StartDisabled:
		return startDisabled, nil
	default:
		return fmt.Sprintf("type_%d", cfg.StartType), nil
	}
}
