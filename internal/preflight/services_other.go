//go:build !windows

package preflight

// serviceStartType has no service manager to ask off Windows.
func serviceStartType(string) (string, error) {
	return "", errNoServiceManager
}
