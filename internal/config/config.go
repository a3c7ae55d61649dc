package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Provider              string   `mapstructure:"provider"`
	WingetPath            string   `mapstructure:"winget_path"`
	ScanTimeoutSeconds    int      `mapstructure:"scan_timeout_seconds"`
	InstallTimeoutSeconds int      `mapstructure:"install_timeout_seconds"`
	MaxAttempts           int      `mapstructure:"max_attempts"`
	RetryDelaySeconds     int      `mapstructure:"retry_delay_seconds"`
	ExtraUpgradeArgs      []string `mapstructure:"extra_upgrade_args"`

	WUExcludeDrivers        bool `mapstructure:"wu_exclude_drivers"`
	WUExcludeFeatureUpdates bool `mapstructure:"wu_exclude_feature_updates"`
	WUAcceptEula            bool `mapstructure:"wu_accept_eula"`

	MinDiskSpaceGB   float64 `mapstructure:"min_disk_space_gb"`
	RequireElevation bool    `mapstructure:"require_elevation"`
	HistoryFile      string  `mapstructure:"history_file"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	Marker MarkerConfig `mapstructure:"marker"`
}

// MarkerConfig selects where the completion marker is written. Every sink
// listed in Sinks receives the same marker.
type MarkerConfig struct {
	Label       string   `mapstructure:"label"`
	Version     string   `mapstructure:"version"`
	Sinks       []string `mapstructure:"sinks"`
	RegistryKey string   `mapstructure:"registry_key"`
	Dir         string   `mapstructure:"dir"`
	Prefix      string   `mapstructure:"prefix"`

	S3Bucket          string `mapstructure:"s3_bucket"`
	S3Region          string `mapstructure:"s3_region"`
	S3AccessKeyID     string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string `mapstructure:"s3_secret_access_key"`
	S3Endpoint        string `mapstructure:"s3_endpoint"`

	AzureConnectionString string `mapstructure:"azure_connection_string"`
	AzureContainer        string `mapstructure:"azure_container"`

	GCSBucket          string `mapstructure:"gcs_bucket"`
	GCSCredentialsFile string `mapstructure:"gcs_credentials_file"`

	B2Bucket    string `mapstructure:"b2_bucket"`
	B2AccountID string `mapstructure:"b2_account_id"`
	B2AppKey    string `mapstructure:"b2_app_key"`
}

func Default() *Config {
	return &Config{
		Provider:              ProviderWinget,
		WingetPath:            "winget",
		ScanTimeoutSeconds:    300,
		InstallTimeoutSeconds: 1800,
		MaxAttempts:           3,
		RetryDelaySeconds:     10,
		WUAcceptEula:          true,
		HistoryFile:           filepath.Join(GetDataDir(), "provision-history.jsonl"),
		LogLevel:              "info",
		LogFormat:             "text",
		LogMaxSizeMB:          10,
		LogMaxBackups:         3,
		Marker: MarkerConfig{
			Label:       "WingetUpdates",
			Sinks:       []string{defaultSink()},
			RegistryKey: `SOFTWARE\Breeze\Provisioning`,
			Dir:         filepath.Join(GetDataDir(), "markers"),
			Prefix:      "provisioning",
		},
	}
}

// Load reads provision.yaml from the config directory (or cfgFile when set)
// and overlays BREEZE_PROVISION_* environment variables. A missing file is
// not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("provision")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BREEZE_PROVISION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// registerDefaults makes every key known to viper so AutomaticEnv can
// override keys that are absent from the file.
func registerDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("provider", cfg.Provider)
	v.SetDefault("winget_path", cfg.WingetPath)
	v.SetDefault("scan_timeout_seconds", cfg.ScanTimeoutSeconds)
	v.SetDefault("install_timeout_seconds", cfg.InstallTimeoutSeconds)
	v.SetDefault("max_attempts", cfg.MaxAttempts)
	v.SetDefault("retry_delay_seconds", cfg.RetryDelaySeconds)
	v.SetDefault("extra_upgrade_args", cfg.ExtraUpgradeArgs)
	v.SetDefault("wu_exclude_drivers", cfg.WUExcludeDrivers)
	v.SetDefault("wu_exclude_feature_updates", cfg.WUExcludeFeatureUpdates)
	v.SetDefault("wu_accept_eula", cfg.WUAcceptEula)
	v.SetDefault("min_disk_space_gb", cfg.MinDiskSpaceGB)
	v.SetDefault("require_elevation", cfg.RequireElevation)
	v.SetDefault("history_file", cfg.HistoryFile)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)

	m := cfg.Marker
	v.SetDefault("marker.label", m.Label)
	v.SetDefault("marker.version", m.Version)
	v.SetDefault("marker.sinks", m.Sinks)
	v.SetDefault("marker.registry_key", m.RegistryKey)
	v.SetDefault("marker.dir", m.Dir)
	v.SetDefault("marker.prefix", m.Prefix)
	for _, key := range []string{
		"s3_bucket", "s3_region", "s3_access_key_id", "s3_secret_access_key", "s3_endpoint",
		"azure_connection_string", "azure_container",
		"gcs_bucket", "gcs_credentials_file",
		"b2_bucket", "b2_account_id", "b2_app_key",
	} {
		v.SetDefault("marker."+key, "")
	}
}

// ScanTimeout returns the wall-clock bound for one enumeration call.
func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutSeconds) * time.Second
}

// InstallTimeout returns the wall-clock bound for one apply/install call.
// Zero means unbounded.
func (c *Config) InstallTimeout() time.Duration {
	return time.Duration(c.InstallTimeoutSeconds) * time.Second
}

// RetryDelay returns the fixed pause between attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// GetDataDir returns the platform directory for markers, history and logs.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(programData(), "Breeze", "data")
	case "darwin":
		return "/Library/Application Support/Breeze/data"
	default:
		return "/var/lib/breeze"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(programData(), "Breeze")
	case "darwin":
		return "/Library/Application Support/Breeze"
	default:
		return "/etc/breeze"
	}
}

func programData() string {
	if dir := os.Getenv("ProgramData"); dir != "" {
		return dir
	}
	return `C:\ProgramData`
}

func defaultSink() string {
	if runtime.GOOS == "windows" {
		return "registry"
	}
	return "file"
}
