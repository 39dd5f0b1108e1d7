package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalpoll/bridge"
)

const (
	projectConfigName = "petalpoll.yaml"
	homeConfigName    = "config.yaml"
	homeConfigDir     = ".petalpoll"

	envPrefix = "PETALPOLL_"
)

// Journal drivers.
const (
	JournalNone   = "none"
	JournalMemory = "memory"
	JournalSQLite = "sqlite"
)

// Config is the petalpoll.yaml daemon configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Poll      PollConfig      `yaml:"poll"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// ListenConfig controls the HTTP listener.
type ListenConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	CORSOrigin   string   `yaml:"cors_origin"`
	MaxBody      int64    `yaml:"max_body"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	TLSCert      string   `yaml:"tls_cert,omitempty"`
	TLSKey       string   `yaml:"tls_key,omitempty"`
}

// PollConfig bounds long-poll requests.
type PollConfig struct {
	Timeout   Duration `yaml:"timeout"`
	MaxWait   Duration `yaml:"max_wait"`
	Heartbeat Duration `yaml:"heartbeat"`
}

// SessionConfig controls idle binding reaping. An IdleTTL of zero disables
// the reaper.
type SessionConfig struct {
	IdleTTL      Duration `yaml:"idle_ttl"`
	ReapSchedule string   `yaml:"reap_schedule"`
}

// JournalConfig selects the publish journal backend.
type JournalConfig struct {
	Driver         string   `yaml:"driver"`
	DSN            string   `yaml:"dsn,omitempty"`
	RetentionAge   Duration `yaml:"retention_age,omitempty"`
	RetentionCount int      `yaml:"retention_count,omitempty"`
	PruneInterval  Duration `yaml:"prune_interval,omitempty"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint,omitempty"`
	Insecure     bool    `yaml:"insecure,omitempty"`
	SampleRatio  float64 `yaml:"sample_ratio,omitempty"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a time.Duration that reads from YAML as "30s" or as a bare
// number of seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(clean, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(clean)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

// Defaults returns the configuration used when no file is found.
func Defaults() Config {
	return Config{
		Listen: ListenConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			CORSOrigin:   "*",
			MaxBody:      1 << 20,
			ReadTimeout:  Duration(30 * time.Second),
			// Zero: long polls and streams must outlive any write deadline.
			WriteTimeout: 0,
		},
		Poll: PollConfig{
			Timeout:   Duration(30 * time.Second),
			MaxWait:   Duration(5 * time.Minute),
			Heartbeat: Duration(15 * time.Second),
		},
		Sessions: SessionConfig{
			IdleTTL:      Duration(bridge.DefaultIdleTTL),
			ReapSchedule: bridge.DefaultReapSchedule,
		},
		Journal: JournalConfig{
			Driver:        JournalMemory,
			PruneInterval: Duration(time.Minute),
		},
		Telemetry: TelemetryConfig{
			ServiceName: "petalpoll",
			SampleRatio: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DiscoverConfigPath resolves the config location with first-match semantics.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)

	var candidates []string
	if explicit != "" {
		candidates = []string{filepath.Clean(explicit)}
	} else {
		candidates = []string{
			filepath.Join(cwd, projectConfigName),
			filepath.Join(homeDir, homeConfigDir, homeConfigName),
		}
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfig reads path over the defaults. An empty path yields the defaults.
// Environment references in string values are expanded.
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()
	clean := strings.TrimSpace(path)
	if clean == "" {
		return cfg, nil
	}

	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(clean)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", clean, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", clean, err)
	}
	if cfg.Journal.Driver == JournalSQLite && cfg.Journal.DSN != "" {
		cfg.Journal.DSN = resolveConfigRelative(filepath.Dir(clean), cfg.Journal.DSN)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from PETALPOLL_* variables.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string) (string, bool) {
		v, ok := lookup(envPrefix + name)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	if v, ok := get("HOST"); ok {
		cfg.Listen.Host = v
	}
	if v, ok := get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPORT: %w", envPrefix, err)
		}
		cfg.Listen.Port = port
	}
	if v, ok := get("CORS_ORIGIN"); ok {
		cfg.Listen.CORSOrigin = v
	}
	for name, dst := range map[string]*Duration{
		"LONG_POLL_TIMEOUT": &cfg.Poll.Timeout,
		"MAX_WAIT":          &cfg.Poll.MaxWait,
		"HEARTBEAT":         &cfg.Poll.Heartbeat,
		"IDLE_TTL":          &cfg.Sessions.IdleTTL,
	} {
		v, ok := get(name)
		if !ok {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = Duration(d)
	}
	if v, ok := get("REAP_SCHEDULE"); ok {
		cfg.Sessions.ReapSchedule = v
	}
	if v, ok := get("JOURNAL"); ok {
		cfg.Journal.Driver = v
	}
	if v, ok := get("SQLITE_PATH"); ok {
		cfg.Journal.DSN = v
	}
	if v, ok := get("OTLP_ENDPOINT"); ok {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		cfg.Log.Format = v
	}
	return nil
}

// Validate reports every problem in cfg at once.
func (c Config) Validate() error {
	var errs []error
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if (c.Listen.TLSCert == "") != (c.Listen.TLSKey == "") {
		errs = append(errs, errors.New("listen.tls_cert and listen.tls_key must be set together"))
	}
	if c.Poll.Timeout < 0 || c.Poll.MaxWait < 0 || c.Poll.Heartbeat < 0 {
		errs = append(errs, errors.New("poll durations must not be negative"))
	}
	if c.Sessions.IdleTTL < 0 {
		errs = append(errs, errors.New("sessions.idle_ttl must not be negative"))
	}
	if c.Sessions.IdleTTL > 0 {
		if _, err := bridge.ParseSchedule(c.Sessions.ReapSchedule); err != nil {
			errs = append(errs, fmt.Errorf("sessions.reap_schedule: %w", err))
		}
	}
	switch c.Journal.Driver {
	case JournalNone, JournalMemory:
	case JournalSQLite:
		if strings.TrimSpace(c.Journal.DSN) == "" {
			errs = append(errs, errors.New("journal.dsn is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("journal.driver %q must be one of none, memory, sqlite", c.Journal.Driver))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %v must be within [0, 1]", c.Telemetry.SampleRatio))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Host, c.Listen.Port)
}

func resolveConfigRelative(baseDir, p string) string {
	if strings.HasPrefix(strings.ToLower(p), "file:") || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
