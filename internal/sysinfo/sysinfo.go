// Package sysinfo describes the host a provisioning run happens on.
package sysinfo

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
)

// SystemInfo is stamped into completion markers and the run history.
type SystemInfo struct {
	Hostname     string `json:"hostname" yaml:"hostname"`
	OSType       string `json:"osType" yaml:"osType"`
	OSVersion    string `json:"osVersion" yaml:"osVersion"`
	OSBuild      string `json:"osBuild,omitempty" yaml:"osBuild,omitempty"`
	Architecture string `json:"architecture" yaml:"architecture"`
}

// Collect gathers host details. It never fails: fields gopsutil cannot read
// fall back to the Go runtime and os.Hostname.
func Collect(ctx context.Context) SystemInfo {
	info := SystemInfo{
		OSType:       normalizeOSType(runtime.GOOS),
		Architecture: runtime.GOARCH,
	}

	if hostInfo, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = hostInfo.Hostname
		info.OSType = normalizeOSType(hostInfo.OS)
		info.OSVersion = hostInfo.Platform + " " + hostInfo.PlatformVersion
		info.OSBuild = hostInfo.KernelVersion
	}
	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}
	if info.Hostname == "" {
		info.Hostname = "unknown"
	}
	return info
}

// Platform is the short "<os> <version>" form used in markers.
func (s SystemInfo) Platform() string {
	if s.OSVersion == "" {
		return s.OSType
	}
	return s.OSType + " " + s.OSVersion
}

func normalizeOSType(os string) string {
	if os == "darwin" {
		return "macos"
	}
	return os
}
