package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Config is the root configuration for promptrelay.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Hub       HubConfig       `json:"hub"`
	Channels  ChannelsConfig  `json:"channels"`
	Injection InjectionConfig `json:"injection"`
	Browser   BrowserConfig   `json:"browser"`
	Sites     SitesConfig     `json:"sites"`
	Health    HealthConfig    `json:"health"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	// LogFile adds a rotated JSON log sink when set.
	LogFile       string `json:"logFile"`
	LogMaxSizeMB  int    `json:"logMaxSizeMB"`
	LogMaxBackups int    `json:"logMaxBackups"`
	DataDir       string `json:"dataDir"`
	DBPath        string `json:"dbPath"`
}

type HubConfig struct {
	Enabled            bool    `json:"enabled"`
	Listen             string  `json:"listen"`
	SweepIntervalSec   int     `json:"sweepIntervalSec"`
	IdleTimeoutSec     int     `json:"idleTimeoutSec"`
	RateLimitPerSecond float64 `json:"rateLimitPerSecond"`
	Burst              int     `json:"burst"`
}

func (h HubConfig) SweepInterval() time.Duration {
	return time.Duration(h.SweepIntervalSec) * time.Second
}

func (h HubConfig) IdleTimeout() time.Duration {
	return time.Duration(h.IdleTimeoutSec) * time.Second
}

// URL is the WebSocket endpoint clients dial for this hub.
func (h HubConfig) URL() string {
	host, port, err := net.SplitHostPort(h.Listen)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port) + "/ws"
}

type ChannelsConfig struct {
	Broadcast ToggleConfig  `json:"broadcast"`
	Storage   StorageConfig `json:"storage"`
	Worker    WorkerConfig  `json:"worker"`
	Peer      PeerConfig    `json:"peer"`
	Window    WindowConfig  `json:"window"`
	QueueSize int           `json:"queueSize"`
	DedupSize int           `json:"dedupSize"`
}

type ToggleConfig struct {
	Enabled bool `json:"enabled"`
}

type StorageConfig struct {
	Enabled        bool `json:"enabled"`
	PollIntervalMs int  `json:"pollIntervalMs"`
}

func (s StorageConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

type WorkerConfig struct {
	Enabled bool `json:"enabled"`
	// URL defaults to the local hub endpoint.
	URL string `json:"url"`
}

type PeerConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

type WindowConfig struct {
	Enabled        bool     `json:"enabled"`
	TrustedOrigins []string `json:"trustedOrigins"`
}

type InjectionConfig struct {
	VerifyDelayMs    int      `json:"verifyDelayMs"`
	TypingMinMs      int      `json:"typingMinMs"`
	TypingJitterMs   int      `json:"typingJitterMs"`
	AppearTimeoutMs  int      `json:"appearTimeoutMs"`
	Disabled         []string `json:"disabled"`
	RetryAttempts    int      `json:"retryAttempts"`
	RetryBackoffMs   int      `json:"retryBackoffMs"`
	ResultTimeoutSec int      `json:"resultTimeoutSec"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (i InjectionConfig) VerifyDelay() time.Duration   { return ms(i.VerifyDelayMs) }
func (i InjectionConfig) AppearTimeout() time.Duration { return ms(i.AppearTimeoutMs) }
func (i InjectionConfig) RetryBackoff() time.Duration  { return ms(i.RetryBackoffMs) }
func (i InjectionConfig) TypingMin() time.Duration     { return ms(i.TypingMinMs) }
func (i InjectionConfig) TypingJitter() time.Duration  { return ms(i.TypingJitterMs) }

// ResultTimeout bounds how long a remote inject waits for its outcome.
func (i InjectionConfig) ResultTimeout() time.Duration {
	return time.Duration(i.ResultTimeoutSec) * time.Second
}

type BrowserConfig struct {
	ProfileDir string `json:"profileDir"`
	Headless   bool   `json:"headless"`
	// RemoteURL attaches to a running Chrome's DevTools endpoint instead of
	// launching one.
	RemoteURL      string `json:"remoteURL,omitempty"`
	LoadTimeoutSec int    `json:"loadTimeoutSec"`
}

type SitesConfig struct {
	File  string `json:"file"`
	Watch bool   `json:"watch"`
}

type HealthConfig struct {
	TimeoutSec  int `json:"timeoutSec"`
	CacheTTLSec int `json:"cacheTTLSec"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DefaultConfigDir returns the default config directory (~/.promptrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".promptrelay"
	}
	return filepath.Join(home, ".promptrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.DBPath = ExpandPath(cfg.General.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Browser.ProfileDir = ExpandPath(cfg.Browser.ProfileDir)
	cfg.Sites.File = ExpandPath(cfg.Sites.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to Defaults when the file does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); os.IsNotExist(err) {
		cfg := Defaults()
		cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
		cfg.General.DBPath = ExpandPath(cfg.General.DBPath)
		cfg.Browser.ProfileDir = ExpandPath(cfg.Browser.ProfileDir)
		return cfg, nil
	}
	return Load(path)
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment value. ${VAR:-default}
// uses default when VAR is unset or empty; an unset VAR without a default
// is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		def, hasDefault := "", len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			def = groups[2]
		}
		if val, ok := os.LookupEnv(groups[1]); ok && val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

var strategyIDs = []string{"dom", "clipboard", "react", "events", "execCommand", "frameworks", "nativeSetter", "mutationObserver"}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.DBPath == "" {
		errs = append(errs, "general.dbPath is required")
	}

	if cfg.Hub.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Hub.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("hub.listen %q is not host:port", cfg.Hub.Listen))
		}
	}
	if cfg.Hub.SweepIntervalSec < 1 {
		errs = append(errs, "hub.sweepIntervalSec must be >= 1")
	}
	if cfg.Hub.IdleTimeoutSec < cfg.Hub.SweepIntervalSec {
		errs = append(errs, "hub.idleTimeoutSec must be >= hub.sweepIntervalSec")
	}
	if cfg.Hub.RateLimitPerSecond < 0 {
		errs = append(errs, "hub.rateLimitPerSecond must be >= 0")
	}

	if cfg.Channels.Storage.PollIntervalMs < 10 {
		errs = append(errs, "channels.storage.pollIntervalMs must be >= 10")
	}
	if cfg.Channels.QueueSize < 1 {
		errs = append(errs, "channels.queueSize must be >= 1")
	}
	if cfg.Channels.DedupSize < 0 {
		errs = append(errs, "channels.dedupSize must be >= 0")
	}

	if cfg.Injection.VerifyDelayMs < 0 || cfg.Injection.TypingMinMs < 0 || cfg.Injection.TypingJitterMs < 0 {
		errs = append(errs, "injection delays must be >= 0")
	}
	if cfg.Injection.RetryAttempts < 1 || cfg.Injection.RetryAttempts > 10 {
		errs = append(errs, "injection.retryAttempts must be between 1 and 10")
	}
	for _, id := range cfg.Injection.Disabled {
		if !slices.Contains(strategyIDs, id) {
			errs = append(errs, fmt.Sprintf("injection.disabled references unknown strategy: %s", id))
		}
	}
	if len(cfg.Injection.Disabled) >= len(strategyIDs) {
		errs = append(errs, "injection.disabled leaves no strategy")
	}

	if cfg.Health.TimeoutSec < 1 {
		errs = append(errs, "health.timeoutSec must be >= 1")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
