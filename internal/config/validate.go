package config

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"
)

// Package manager providers accepted in provider.
const (
	ProviderWinget        = "winget"
	ProviderWindowsUpdate = "windows-update"
)

// Sink names accepted in marker.sinks.
const (
	SinkRegistry = "registry"
	SinkFile     = "file"
	SinkS3       = "s3"
	SinkAzure    = "azblob"
	SinkGCS      = "gcs"
	SinkB2       = "b2"
)

var knownSinks = map[string]bool{
	SinkRegistry: true,
	SinkFile:     true,
	SinkS3:       true,
	SinkAzure:    true,
	SinkGCS:      true,
	SinkB2:       true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"success": true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates problems that must stop the run from ones that
// were corrected or can be ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal problem was found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// ValidateTiered checks the config. Out-of-range numbers are clamped in place
// and reported as warnings; values that would make the run meaningless are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	switch c.Provider {
	case "":
		c.Provider = ProviderWinget
	case ProviderWinget, ProviderWindowsUpdate:
	default:
		r.Fatals = append(r.Fatals, fmt.Errorf("provider %q is not valid (use %s or %s)", c.Provider, ProviderWinget, ProviderWindowsUpdate))
	}
	if c.Provider == ProviderWinget && strings.TrimSpace(c.WingetPath) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("winget_path must not be empty"))
	}

	c.MaxAttempts = clamp(&r, "max_attempts", c.MaxAttempts, 1, 10)
	c.RetryDelaySeconds = clamp(&r, "retry_delay_seconds", c.RetryDelaySeconds, 0, 600)
	c.ScanTimeoutSeconds = clamp(&r, "scan_timeout_seconds", c.ScanTimeoutSeconds, 30, 3600)
	// 0 leaves installs unbounded, matching winget's own behaviour.
	if c.InstallTimeoutSeconds != 0 {
		c.InstallTimeoutSeconds = clamp(&r, "install_timeout_seconds", c.InstallTimeoutSeconds, 60, 4*3600)
	}

	if c.MinDiskSpaceGB < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("min_disk_space_gb %.1f is negative, disabling check", c.MinDiskSpaceGB))
		c.MinDiskSpaceGB = 0
	}

	for _, arg := range c.ExtraUpgradeArgs {
		if !strings.HasPrefix(arg, "--") {
			r.Fatals = append(r.Fatals, fmt.Errorf("extra_upgrade_args entry %q is not a long flag", arg))
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, success, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	c.validateMarker(&r)
	return r
}

func (c *Config) validateMarker(r *ValidationResult) {
	m := &c.Marker

	if strings.TrimSpace(m.Label) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("marker.label must not be empty"))
	}
	for _, ch := range m.Label {
		if ch == '\\' || ch == '/' || unicode.IsControl(ch) {
			r.Fatals = append(r.Fatals, fmt.Errorf("marker.label %q contains path separators or control characters", m.Label))
			break
		}
	}

	sinks := m.Sinks[:0]
	for _, s := range m.Sinks {
		name := strings.ToLower(strings.TrimSpace(s))
		if !knownSinks[name] {
			r.Warnings = append(r.Warnings, fmt.Errorf("unknown marker sink %q ignored", s))
			continue
		}
		sinks = append(sinks, name)
	}
	m.Sinks = sinks

	for _, s := range m.Sinks {
		switch s {
		case SinkRegistry:
			if m.RegistryKey == "" {
				r.Fatals = append(r.Fatals, fmt.Errorf("marker.registry_key is required for the registry sink"))
			}
		case SinkFile:
			if m.Dir == "" {
				r.Fatals = append(r.Fatals, fmt.Errorf("marker.dir is required for the file sink"))
			}
		case SinkS3:
			if m.S3Bucket == "" || m.S3Region == "" {
				r.Fatals = append(r.Fatals, fmt.Errorf("marker.s3_bucket and marker.s3_region are required for the s3 sink"))
			}
		case SinkAzure:
			if m.AzureConnectionString == "" || m.AzureContainer == "" {
				r.Fatals = append(r.Fatals, fmt.Errorf("marker.azure_connection_string and marker.azure_container are required for the azblob sink"))
			}
		case SinkGCS:
			if m.GCSBucket == "" {
				r.Fatals = append(r.Fatals, fmt.Errorf("marker.gcs_bucket is required for the gcs sink"))
			}
		case SinkB2:
			if m.B2Bucket == "" || m.B2AccountID == "" || m.B2AppKey == "" {
				r.Fatals = append(r.Fatals, fmt.Errorf("marker.b2_bucket, marker.b2_account_id and marker.b2_app_key are required for the b2 sink"))
			}
		}
	}
}

func clamp(r *ValidationResult, key string, val, lo, hi int) int {
	if val < lo {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, val, lo))
		return lo
	}
	if val > hi {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, val, hi))
		return hi
	}
	return val
}

// LogResult writes every validation problem at the matching level.
func (r ValidationResult) LogResult(logger *slog.Logger) {
	for _, err := range r.Fatals {
		logger.Error("config validation", "error", err)
	}
	for _, err := range r.Warnings {
		logger.Warn("config validation", "error", err)
	}
}
