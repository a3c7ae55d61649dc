//go:build !windows

package preflight

// DetectPendingReboot always reports no pending reboot off Windows.
func DetectPendingReboot() (bool, []string) {
	return false, nil
}
