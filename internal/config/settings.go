package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "10s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err == nil {
		parsed, err := time.ParseDuration(strings.TrimSpace(text))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if err := node.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Settings is the operator-facing configuration of the bus. Zero or
// missing values fall back to the compiled defaults.
type Settings struct {
	Server      ServerSettings      `yaml:"server"`
	Heartbeat   HeartbeatSettings   `yaml:"heartbeat"`
	Persistence PersistenceSettings `yaml:"persistence"`
	Router      RouterSettings      `yaml:"router"`
	Log         LogSettings         `yaml:"log"`
	Metrics     MetricsSettings     `yaml:"metrics"`
}

type ServerSettings struct {
	Port         int `yaml:"port"`
	PortAttempts int `yaml:"port-attempts"`
}

type HeartbeatSettings struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

type PersistenceSettings struct {
	Dir             string   `yaml:"dir"`
	MaxSegmentBytes int64    `yaml:"max-segment-bytes"`
	RetainSegments  int      `yaml:"retain-segments"`
	TailCacheSize   int      `yaml:"tail-cache-size"`
	LockTimeout     Duration `yaml:"lock-timeout"`
	LockRetries     int      `yaml:"lock-retries"`
	LockRetryDelay  Duration `yaml:"lock-retry-delay"`
}

type RouterSettings struct {
	MaxRetries       int      `yaml:"max-retries"`
	RetryBase        Duration `yaml:"retry-base"`
	RetryInterval    Duration `yaml:"retry-interval"`
	FallbackCapacity int      `yaml:"fallback-capacity"`
	FlushInterval    Duration `yaml:"flush-interval"`
	ReplayWindow     Duration `yaml:"replay-window"`
	ReplayLimit      int      `yaml:"replay-limit"`
	RegistrationWait Duration `yaml:"registration-wait"`
}

type LogSettings struct {
	Level string `yaml:"level"`
}

type MetricsSettings struct {
	SnapshotInterval Duration `yaml:"snapshot-interval"`
}

// Defaults returns the compiled configuration the bus runs with when
// no file or overrides are present.
func Defaults() Settings {
	return Settings{
		Server: ServerSettings{
			Port:         8420,
			PortAttempts: 10,
		},
		Heartbeat: HeartbeatSettings{
			Interval: Duration(10 * time.Second),
			Timeout:  Duration(30 * time.Second),
		},
		Persistence: PersistenceSettings{
			Dir:             defaultPersistenceDir(),
			MaxSegmentBytes: 10 << 20,
			RetainSegments:  5,
			TailCacheSize:   100,
			LockTimeout:     Duration(30 * time.Second),
			LockRetries:     5,
			LockRetryDelay:  Duration(100 * time.Millisecond),
		},
		Router: RouterSettings{
			MaxRetries:       3,
			RetryBase:        Duration(time.Second),
			RetryInterval:    Duration(time.Second),
			FallbackCapacity: 1000,
			FlushInterval:    Duration(30 * time.Second),
			ReplayWindow:     Duration(10 * time.Minute),
			ReplayLimit:      100,
			RegistrationWait: Duration(30 * time.Second),
		},
		Log: LogSettings{
			Level: "info",
		},
		Metrics: MetricsSettings{
			SnapshotInterval: Duration(30 * time.Second),
		},
	}
}

// Load reads settings from a YAML file, merges them over the
// defaults, and applies MAESTRO_* environment overrides. A missing
// file is not an error.
func Load(path string) (Settings, error) {
	settings := Defaults()

	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Settings{}, fmt.Errorf("read settings file: %w", err)
			}
		} else if err := yaml.Unmarshal(payload, &settings); err != nil {
			return Settings{}, fmt.Errorf("parse settings file: %w", err)
		}
	}

	applyEnv(&settings)
	return normalize(settings), nil
}

func applyEnv(settings *Settings) {
	if value, ok := envInt("MAESTRO_PORT"); ok {
		settings.Server.Port = value
	}
	if value := os.Getenv("MAESTRO_PERSIST_DIR"); strings.TrimSpace(value) != "" {
		settings.Persistence.Dir = value
	}
	if value := os.Getenv("MAESTRO_LOG_LEVEL"); strings.TrimSpace(value) != "" {
		settings.Log.Level = value
	}
	if value, ok := envDuration("MAESTRO_HEARTBEAT_INTERVAL"); ok {
		settings.Heartbeat.Interval = value
	}
	if value, ok := envDuration("MAESTRO_HEARTBEAT_TIMEOUT"); ok {
		settings.Heartbeat.Timeout = value
	}
}

func envInt(name string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

func envDuration(name string) (Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return Duration(value), true
}

func normalize(settings Settings) Settings {
	defaults := Defaults()
	if settings.Server.Port < 0 || settings.Server.Port > 65535 {
		settings.Server.Port = defaults.Server.Port
	}
	if settings.Server.PortAttempts <= 0 {
		settings.Server.PortAttempts = defaults.Server.PortAttempts
	}
	if settings.Heartbeat.Interval <= 0 {
		settings.Heartbeat.Interval = defaults.Heartbeat.Interval
	}
	if settings.Heartbeat.Timeout <= 0 {
		settings.Heartbeat.Timeout = defaults.Heartbeat.Timeout
	}
	if strings.TrimSpace(settings.Persistence.Dir) == "" {
		settings.Persistence.Dir = defaults.Persistence.Dir
	}
	if settings.Persistence.MaxSegmentBytes <= 0 {
		settings.Persistence.MaxSegmentBytes = defaults.Persistence.MaxSegmentBytes
	}
	if settings.Persistence.RetainSegments <= 0 {
		settings.Persistence.RetainSegments = defaults.Persistence.RetainSegments
	}
	if settings.Persistence.TailCacheSize <= 0 {
		settings.Persistence.TailCacheSize = defaults.Persistence.TailCacheSize
	}
	if settings.Persistence.LockTimeout <= 0 {
		settings.Persistence.LockTimeout = defaults.Persistence.LockTimeout
	}
	if settings.Persistence.LockRetries <= 0 {
		settings.Persistence.LockRetries = defaults.Persistence.LockRetries
	}
	if settings.Persistence.LockRetryDelay <= 0 {
		settings.Persistence.LockRetryDelay = defaults.Persistence.LockRetryDelay
	}
	if settings.Router.MaxRetries <= 0 {
		settings.Router.MaxRetries = defaults.Router.MaxRetries
	}
	if settings.Router.RetryBase <= 0 {
		settings.Router.RetryBase = defaults.Router.RetryBase
	}
	if settings.Router.RetryInterval <= 0 {
		settings.Router.RetryInterval = defaults.Router.RetryInterval
	}
	if settings.Router.FallbackCapacity <= 0 {
		settings.Router.FallbackCapacity = defaults.Router.FallbackCapacity
	}
	if settings.Router.FlushInterval <= 0 {
		settings.Router.FlushInterval = defaults.Router.FlushInterval
	}
	if settings.Router.ReplayWindow <= 0 {
		settings.Router.ReplayWindow = defaults.Router.ReplayWindow
	}
	if settings.Router.ReplayLimit <= 0 {
		settings.Router.ReplayLimit = defaults.Router.ReplayLimit
	}
	if settings.Router.RegistrationWait <= 0 {
		settings.Router.RegistrationWait = defaults.Router.RegistrationWait
	}
	if _, ok := parseLogLevel(settings.Log.Level); !ok {
		settings.Log.Level = defaults.Log.Level
	}
	if settings.Metrics.SnapshotInterval <= 0 {
		settings.Metrics.SnapshotInterval = defaults.Metrics.SnapshotInterval
	}
	return settings
}

func parseLogLevel(value string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug", "info", "warning", "warn", "error":
		return strings.ToLower(strings.TrimSpace(value)), true
	default:
		return "", false
	}
}

func defaultPersistenceDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".maestro/messages"
	}
	return home + "/.maestro/messages"
}
