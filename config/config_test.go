package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTempConfig writes content to a temporary YAML file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

const minimalConfig = `depthflow:
  name: "TestApp"
  version: "1.0"
storage:
  influx:
    url: "http://localhost:8086"
    org: "org"
    bucket: "bucket"
`

func clearInfluxEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{"INFLUX_URL", "INFLUX_USERNAME", "INFLUX_PASSWORD", "INFLUX_TOKEN", "INFLUX_ORG", "INFLUX_BUCKET"} {
		t.Setenv(env, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearInfluxEnv(t)
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Depthflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Depthflow.Name)
	}
	if cfg.Source.Binance.Connection != ConnectionWebsocket {
		t.Errorf("unexpected connection: %s", cfg.Source.Binance.Connection)
	}
	if len(cfg.Source.Binance.Symbols) != len(DefaultSymbols) {
		t.Errorf("expected default symbols, got %v", cfg.Source.Binance.Symbols)
	}
	if cfg.Storage.Influx.Measurement != DefaultMeasurement {
		t.Errorf("unexpected measurement: %s", cfg.Storage.Influx.Measurement)
	}
	if cfg.Storage.Influx.WriteTimeout != 10*time.Second {
		t.Errorf("unexpected write timeout: %s", cfg.Storage.Influx.WriteTimeout)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearInfluxEnv(t)
	t.Setenv("INFLUX_URL", "http://influx:8086")
	t.Setenv("INFLUX_BUCKET", " depth ")

	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.Influx.URL != "http://influx:8086" {
		t.Errorf("INFLUX_URL not applied: %s", cfg.Storage.Influx.URL)
	}
	if cfg.Storage.Influx.Bucket != "depth" {
		t.Errorf("INFLUX_BUCKET not trimmed: %q", cfg.Storage.Influx.Bucket)
	}
}

func TestLoadConfigRejectsMissingInflux(t *testing.T) {
	clearInfluxEnv(t)
	content := `depthflow:
  name: "TestApp"
  version: "1.0"
`
	if _, err := LoadConfig(writeTempConfig(t, content)); err == nil {
		t.Fatal("expected validation error for missing influx settings")
	}
}

func TestLoadConfigRejectsUnknownConnection(t *testing.T) {
	clearInfluxEnv(t)
	content := minimalConfig + `source:
  binance:
    connection: "rest"
`
	if _, err := LoadConfig(writeTempConfig(t, content)); err == nil {
		t.Fatal("expected validation error for unknown connection")
	}
}

func TestAuthToken(t *testing.T) {
	cases := []struct {
		cfg  InfluxConfig
		want string
	}{
		{InfluxConfig{Token: "tok", Username: "u", Password: "p"}, "tok"},
		{InfluxConfig{Username: "u", Password: "p"}, "u:p"},
		{InfluxConfig{}, ""},
	}
	for _, c := range cases {
		if got := c.cfg.AuthToken(); got != c.want {
			t.Errorf("AuthToken(%+v) = %q, want %q", c.cfg, got, c.want)
		}
	}
}

func TestResolvePathKeepsExplicitPath(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	if got := ResolvePath("/etc/depthflow.yml"); got != "/etc/depthflow.yml" {
		t.Errorf("explicit path rewritten: %s", got)
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if env := AppEnvironment(); env != EnvironmentProduction {
		t.Errorf("unexpected environment: %s", env)
	}
	if !IsProductionLike(AppEnvironment()) {
		t.Error("production should be production-like")
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestShippedConfigLeavesSupervisorOff(t *testing.T) {
	clearInfluxEnv(t)
	cfg, err := LoadConfig("config.yml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Supervisor.Enabled {
		t.Error("shipped config must not enable in-process restarts")
	}

	defaults, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if defaults.Supervisor.Enabled {
		t.Error("supervisor must be opt-in")
	}
}
