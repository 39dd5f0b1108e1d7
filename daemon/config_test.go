package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDiscoverConfigPathFrom_FirstMatchWins(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()

	projectConfig := filepath.Join(cwd, "petalpoll.yaml")
	if err := os.WriteFile(projectConfig, []byte("listen: {}"), 0o600); err != nil {
		t.Fatalf("WriteFile(project config) error = %v", err)
	}

	homeDir := filepath.Join(home, ".petalpoll")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("MkdirAll(home config dir) error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(homeDir, "config.yaml"), []byte("listen: {}"), 0o600); err != nil {
		t.Fatalf("WriteFile(home config) error = %v", err)
	}

	got, found, err := DiscoverConfigPathFrom("", cwd, home)
	if err != nil {
		t.Fatalf("DiscoverConfigPathFrom() error = %v", err)
	}
	if !found {
		t.Fatal("found = false, want true")
	}
	if got != projectConfig {
		t.Fatalf("path = %q, want %q", got, projectConfig)
	}
}

func TestDiscoverConfigPathFrom_FallsBackToHome(t *testing.T) {
	home := t.TempDir()
	homeConfig := filepath.Join(home, ".petalpoll", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(homeConfig), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(homeConfig, []byte(""), 0o600); err != nil {
		t.Fatal(err)
	}

	got, found, err := DiscoverConfigPathFrom("", t.TempDir(), home)
	if err != nil || !found || got != homeConfig {
		t.Fatalf("got (%q, %v, %v), want (%q, true, nil)", got, found, err, homeConfig)
	}
}

func TestDiscoverConfigPathFrom_NothingFound(t *testing.T) {
	got, found, err := DiscoverConfigPathFrom("", t.TempDir(), t.TempDir())
	if err != nil || found || got != "" {
		t.Fatalf("got (%q, %v, %v), want empty result", got, found, err)
	}
}

func TestDiscoverConfigPathFrom_ExplicitNotFound(t *testing.T) {
	_, found, err := DiscoverConfigPathFrom("/tmp/does-not-exist.yaml", t.TempDir(), t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
	if found {
		t.Fatal("found = true, want false")
	}
}

func TestLoadConfig_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg != Defaults() {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestLoadConfig_OverlaysFile(t *testing.T) {
	t.Setenv("PETALPOLL_TEST_ORIGIN", "https://app.example.com")

	dir := t.TempDir()
	path := filepath.Join(dir, "petalpoll.yaml")
	content := `
listen:
  port: 9090
  cors_origin: ${PETALPOLL_TEST_ORIGIN}
poll:
  timeout: 45s
  max_wait: 120
sessions:
  idle_ttl: 0
journal:
  driver: sqlite
  dsn: data/journal.db
  retention_count: 50
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Listen.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Listen.Port)
	}
	if cfg.Listen.Host != "0.0.0.0" {
		t.Errorf("host = %q, want default preserved", cfg.Listen.Host)
	}
	if cfg.Listen.CORSOrigin != "https://app.example.com" {
		t.Errorf("cors_origin = %q, want expanded env value", cfg.Listen.CORSOrigin)
	}
	if cfg.Poll.Timeout.Std() != 45*time.Second {
		t.Errorf("timeout = %v, want 45s", cfg.Poll.Timeout.Std())
	}
	if cfg.Poll.MaxWait.Std() != 2*time.Minute {
		t.Errorf("max_wait = %v, want 2m", cfg.Poll.MaxWait.Std())
	}
	if cfg.Sessions.IdleTTL != 0 {
		t.Errorf("idle_ttl = %v, want 0", cfg.Sessions.IdleTTL.Std())
	}
	if want := filepath.Join(dir, "data", "journal.db"); cfg.Journal.DSN != want {
		t.Errorf("dsn = %q, want %q", cfg.Journal.DSN, want)
	}
	if cfg.Journal.RetentionCount != 50 {
		t.Errorf("retention_count = %d, want 50", cfg.Journal.RetentionCount)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "petalpoll.yaml")
	if err := os.WriteFile(path, []byte("poll:\n  timeout: soon\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("LoadConfig() error = %v, want invalid duration", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PETALPOLL_PORT":          "7070",
		"PETALPOLL_IDLE_TTL":      "90s",
		"PETALPOLL_JOURNAL":       "sqlite",
		"PETALPOLL_SQLITE_PATH":   "/var/lib/petalpoll.db",
		"PETALPOLL_LOG_LEVEL":     "warn",
		"PETALPOLL_OTLP_ENDPOINT": "collector:4318",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Defaults()
	if err := ApplyEnv(&cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Listen.Port != 7070 {
		t.Errorf("port = %d", cfg.Listen.Port)
	}
	if cfg.Sessions.IdleTTL.Std() != 90*time.Second {
		t.Errorf("idle_ttl = %v", cfg.Sessions.IdleTTL.Std())
	}
	if cfg.Journal.Driver != JournalSQLite || cfg.Journal.DSN != "/var/lib/petalpoll.db" {
		t.Errorf("journal = %+v", cfg.Journal)
	}
	if cfg.Log.Level != "warn" || cfg.Telemetry.OTLPEndpoint != "collector:4318" {
		t.Errorf("log/telemetry = %+v %+v", cfg.Log, cfg.Telemetry)
	}
}

func TestApplyEnv_InvalidPort(t *testing.T) {
	cfg := Defaults()
	err := ApplyEnv(&cfg, func(k string) (string, bool) {
		if k == "PETALPOLL_PORT" {
			return "eighty", true
		}
		return "", false
	})
	if err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Listen.Port = 70000
	cfg.Journal.Driver = "postgres"
	cfg.Sessions.ReapSchedule = "every minute"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"listen.port", "journal.driver", "reap_schedule", "log.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_SQLiteNeedsDSN(t *testing.T) {
	cfg := Defaults()
	cfg.Journal.Driver = JournalSQLite
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for sqlite journal without dsn")
	}
}

func TestValidate_ScheduleIgnoredWhenReaperDisabled(t *testing.T) {
	cfg := Defaults()
	cfg.Sessions.IdleTTL = 0
	cfg.Sessions.ReapSchedule = "not a schedule"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf strings.Builder
	logger, err := NewLogger(LogConfig{Level: "debug", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Debug("hello", "subject", "alerts")
	if !strings.Contains(buf.String(), `"subject":"alerts"`) {
		t.Fatalf("log output = %q, want JSON record", buf.String())
	}

	if _, err := NewLogger(LogConfig{Format: "xml"}, &buf); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
