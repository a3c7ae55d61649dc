package sysinfo

import (
	"context"
	"runtime"
	"testing"
)

func TestCollectAlwaysHasHostname(t *testing.T) {
	info := Collect(context.Background())
	if info.Hostname == "" {
		t.Fatal("Hostname should never be empty")
	}
	if info.Architecture != runtime.GOARCH {
		t.Fatalf("Architecture = %q, want %q", info.Architecture, runtime.GOARCH)
	}
}

func TestPlatform(t *testing.T) {
	tests := []struct {
		info SystemInfo
		want string
	}{
		{SystemInfo{OSType: "windows", OSVersion: "Microsoft Windows 11 Pro 10.0.22631"}, "windows Microsoft Windows 11 Pro 10.0.22631"},
		{SystemInfo{OSType: "linux"}, "linux"},
	}
	for _, tt := range tests {
		if got := tt.info.Platform(); got != tt.want {
			t.Errorf("Platform() = %q, want %q", got, tt.want)
		}
	}
}

func TestNormalizeOSType(t *testing.T) {
	if got := normalizeOSType("darwin"); got != "macos" {
		t.Fatalf("normalizeOSType(darwin) = %q", got)
	}
	if got := normalizeOSType("windows"); got != "windows" {
		t.Fatalf("normalizeOSType(windows) = %q", got)
	}
}
