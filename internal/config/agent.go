package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces agent environment overrides, e.g. DASHPRO_SERVER_AUTH_TOKEN.
const EnvPrefix = "DASHPRO"

// Agent is the agent's config.json
type Agent struct {
	Server   ServerConfig   `mapstructure:"server"`
	Settings SettingsConfig `mapstructure:"settings"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
	Identity IdentityConfig `mapstructure:"identity"`

	// Created is true when the file did not exist and defaults were written.
	Created bool `mapstructure:"-"`
	path    string
}

type ServerConfig struct {
	URL string `mapstructure:"url"`
	// APIURL is the full heartbeat URL older config files carry.
	APIURL    string `mapstructure:"api_url"`
	AuthToken string `mapstructure:"auth_token"`
}

type SettingsConfig struct {
	IntervalSeconds int           `mapstructure:"interval_seconds"`
	LogLevel        string        `mapstructure:"log_level"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

type WatcherConfig struct {
	Directory      string        `mapstructure:"directory"`
	ScanTimeout    time.Duration `mapstructure:"scan_timeout"`
	SettleInterval time.Duration `mapstructure:"settle_interval"`
	QueueSize      int           `mapstructure:"queue_size"`
}

type ScannerConfig struct {
	// Kind is one of defender, clamav, command, virustotal, yara.
	Kind                string   `mapstructure:"kind"`
	Command             string   `mapstructure:"command"`
	Args                []string `mapstructure:"args"`
	VTAPIKey            string   `mapstructure:"vt_api_key"`
	VTBaseURL           string   `mapstructure:"vt_base_url"`
	VTRequestsPerMinute int      `mapstructure:"vt_requests_per_minute"`
	YaraRulesDir        string   `mapstructure:"yara_rules_dir"`
}

type IdentityConfig struct {
	File string `mapstructure:"file"`
}

// DefaultScannerKind is the platform's built-in engine.
func DefaultScannerKind() string {
	if runtime.GOOS == "windows" {
		return "defender"
	}
	return "clamav"
}

func setAgentDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "http://127.0.0.1:8000")
	v.SetDefault("server.api_url", "")
	v.SetDefault("server.auth_token", "")
	v.SetDefault("settings.interval_seconds", 60)
	v.SetDefault("settings.log_level", "info")
	v.SetDefault("settings.delivery_timeout", "5s")
	v.SetDefault("watcher.directory", "~/Downloads")
	v.SetDefault("watcher.scan_timeout", "30s")
	v.SetDefault("watcher.settle_interval", "500ms")
	v.SetDefault("watcher.queue_size", 256)
	v.SetDefault("scanner.kind", DefaultScannerKind())
	v.SetDefault("scanner.command", "")
	v.SetDefault("scanner.args", []string{})
	v.SetDefault("scanner.vt_api_key", "")
	v.SetDefault("scanner.vt_base_url", "https://www.virustotal.com/api/v3")
	v.SetDefault("scanner.vt_requests_per_minute", 4)
	v.SetDefault("scanner.yara_rules_dir", "")
	v.SetDefault("identity.file", "")
}

// LoadAgent reads the agent config at path. A missing file is created with
// defaults first. A .env next to the config is loaded into the environment,
// and DASHPRO_* variables override file values.
func LoadAgent(path string) (*Agent, error) {
	if path == "" {
		path = "config.json"
	}
	dir := filepath.Dir(path)

	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := WriteDefaultAgent(path); err != nil {
			return nil, err
		}
		created = true
	}

	v := viper.New()
	setAgentDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := &Agent{Created: created, path: path}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return cfg, nil
}

// WriteDefaultAgent writes a config file holding only defaults.
func WriteDefaultAgent(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	v := viper.New()
	setAgentDefaults(v)
	v.SetConfigType("json")
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return os.Chmod(path, 0o600)
}

// Validate reports every setting the agent cannot run with
func (a *Agent) Validate() error {
	var errs []error
	base := a.BaseURL()
	if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.url %q is not an absolute URL", base))
	}
	if a.Server.AuthToken == "" {
		errs = append(errs, fmt.Errorf("server.auth_token is required (edit %s or set %s_SERVER_AUTH_TOKEN)", a.path, EnvPrefix))
	}
	if a.Settings.IntervalSeconds <= 0 {
		errs = append(errs, errors.New("settings.interval_seconds must be positive"))
	}
	if a.Settings.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("settings.delivery_timeout must be positive"))
	}
	if a.Watcher.ScanTimeout <= 0 {
		errs = append(errs, errors.New("watcher.scan_timeout must be positive"))
	}
	switch a.Scanner.Kind {
	case "defender", "clamav", "virustotal", "yara":
	case "command":
		if a.Scanner.Command == "" {
			errs = append(errs, errors.New("scanner.command is required when scanner.kind is command"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown scanner.kind %q", a.Scanner.Kind))
	}
	return errors.Join(errs...)
}

// BaseURL is the collector root. A legacy api_url pointing at the heartbeat
// endpoint is accepted and trimmed back to its prefix.
func (a *Agent) BaseURL() string {
	if a.Server.APIURL != "" {
		return strings.TrimRight(strings.TrimSuffix(a.Server.APIURL, "/heartbeat"), "/")
	}
	return strings.TrimRight(a.Server.URL, "/")
}

// Interval is the heartbeat period
func (a *Agent) Interval() time.Duration {
	return time.Duration(a.Settings.IntervalSeconds) * time.Second
}

// Path returns the file the config was read from
func (a *Agent) Path() string {
	return a.path
}

// IdentityPath is where the device identity is persisted; by default
// device_id.txt next to the config file.
func (a *Agent) IdentityPath() string {
	if a.Identity.File != "" {
		return expandHome(a.Identity.File)
	}
	return filepath.Join(filepath.Dir(a.path), "device_id.txt")
}

// WatchDirectory is the watcher directory with ~ expanded
func (a *Agent) WatchDirectory() string {
	return expandHome(a.Watcher.Directory)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, `~\`) {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimLeft(p[1:], `/\`))
}
