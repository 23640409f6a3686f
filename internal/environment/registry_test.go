package environment

import (
	"strings"
	"testing"

	"github.com/manifolddb/manifold/internal/config"
	"github.com/manifolddb/manifold/internal/srverr"
)

func validEnv(name string) config.EnvironmentConfig {
	return config.EnvironmentConfig{
		Name:   name,
		Driver: config.DriverMySQL,
		Database: config.DatabaseConfig{
			Host:     name + "-db.internal",
			Port:     3306,
			Username: "reader",
			Password: "secret",
			Database: "app",
		},
		Pool: config.PoolConfig{MaxConnections: 10, MinConnections: 2},
	}
}

func boolPtr(b bool) *bool { return &b }

func TestNewRegistry(t *testing.T) {
	cfg := &config.Config{
		DefaultEnvironment: "staging",
		Environments: []config.EnvironmentConfig{
			validEnv("staging"),
			validEnv("prod"),
		},
	}
	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if reg.Default() != "staging" {
		t.Errorf("Default = %q", reg.Default())
	}
	if reg.LegacyMode() {
		t.Error("LegacyMode = true for configured environments")
	}
	total, enabled := reg.Counts()
	if total != 2 || enabled != 2 {
		t.Errorf("Counts = (%d, %d), want (2, 2)", total, enabled)
	}
	if got := reg.List(); len(got) != 2 || got[0] != "staging" || got[1] != "prod" {
		t.Errorf("List = %v", got)
	}
}

func TestNewRegistryDefaultFallsBackToFirstEnabled(t *testing.T) {
	disabled := validEnv("first")
	disabled.Enabled = boolPtr(false)
	cfg := &config.Config{
		Environments: []config.EnvironmentConfig{disabled, validEnv("second")},
	}
	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if reg.Default() != "second" {
		t.Errorf("Default = %q, want second", reg.Default())
	}
}

func TestNewRegistryErrors(t *testing.T) {
	t.Run("duplicate name", func(t *testing.T) {
		cfg := &config.Config{
			Environments: []config.EnvironmentConfig{validEnv("dup"), validEnv("dup")},
		}
		if _, err := NewRegistry(cfg); err == nil {
			t.Fatal("expected error for duplicate name")
		}
	})

	t.Run("unknown default", func(t *testing.T) {
		cfg := &config.Config{
			DefaultEnvironment: "missing",
			Environments:       []config.EnvironmentConfig{validEnv("staging")},
		}
		if _, err := NewRegistry(cfg); err == nil {
			t.Fatal("expected error for unknown default")
		}
	})

	t.Run("disabled default", func(t *testing.T) {
		off := validEnv("off")
		off.Enabled = boolPtr(false)
		cfg := &config.Config{
			DefaultEnvironment: "off",
			Environments:       []config.EnvironmentConfig{off, validEnv("on")},
		}
		if _, err := NewRegistry(cfg); err == nil {
			t.Fatal("expected error for disabled default")
		}
	})

	t.Run("legacy database block alongside environments", func(t *testing.T) {
		cfg := &config.Config{
			Database: &config.DatabaseConfig{
				Host: "localhost", Port: 3306, Username: "root", Database: "app",
			},
			Environments: []config.EnvironmentConfig{validEnv("staging")},
		}
		_, err := NewRegistry(cfg)
		if err == nil {
			t.Fatal("expected error when both configuration styles are present")
		}
		if e := srverr.From(err); e.Kind != srverr.KindConfiguration {
			t.Errorf("Kind = %v", e.Kind)
		}
		if !strings.Contains(err.Error(), "mutually exclusive") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("nothing enabled", func(t *testing.T) {
		off := validEnv("off")
		off.Enabled = boolPtr(false)
		cfg := &config.Config{Environments: []config.EnvironmentConfig{off}}
		if _, err := NewRegistry(cfg); err == nil {
			t.Fatal("expected error when no environment is enabled")
		}
	})
}

func TestNewRegistryLegacyMode(t *testing.T) {
	cfg := &config.Config{
		Database: &config.DatabaseConfig{
			Host: "localhost", Port: 3306, Username: "root", Database: "app",
		},
	}
	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if !reg.LegacyMode() {
		t.Error("LegacyMode = false")
	}
	if reg.Default() != LegacyEnvironmentName {
		t.Errorf("Default = %q, want %q", reg.Default(), LegacyEnvironmentName)
	}
	if _, err := reg.Get(LegacyEnvironmentName); err != nil {
		t.Errorf("Get(default): %v", err)
	}
}

func TestNewRegistryNothingConfigured(t *testing.T) {
	t.Setenv("MANIFOLD_DB_HOST", "")
	if _, err := NewRegistry(&config.Config{}); err == nil {
		t.Fatal("expected error with no environments and no env vars")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.EnvironmentConfig)
		wantErr string
	}{
		{"valid", func(e *config.EnvironmentConfig) {}, ""},
		{"empty name", func(e *config.EnvironmentConfig) { e.Name = "" }, "name is empty"},
		{"bad name rune", func(e *config.EnvironmentConfig) { e.Name = "pro d" }, "only letters"},
		{"bad driver", func(e *config.EnvironmentConfig) { e.Driver = "dbase" }, "unsupported driver"},
		{"no host", func(e *config.EnvironmentConfig) { e.Database.Host = "" }, "no host"},
		{"bad port", func(e *config.EnvironmentConfig) { e.Database.Port = 70000 }, "invalid port"},
		{"no username", func(e *config.EnvironmentConfig) { e.Database.Username = "" }, "no username"},
		{"no database", func(e *config.EnvironmentConfig) { e.Database.Database = "" }, "no database"},
		{"zero max conns", func(e *config.EnvironmentConfig) { e.Pool.MaxConnections = 0 }, "max_connections"},
		{"min above max", func(e *config.EnvironmentConfig) { e.Pool.MinConnections = 20 }, "min_connections"},
		{"negative min conns", func(e *config.EnvironmentConfig) { e.Pool.MinConnections = -1 }, "negative min_connections"},
		{"malformed acquire timeout", func(e *config.EnvironmentConfig) { e.Pool.AcquireTimeout = "soon" }, "malformed acquire_timeout"},
		{"zero idle timeout", func(e *config.EnvironmentConfig) { e.Pool.IdleTimeout = "0s" }, "non-positive idle_timeout"},
		{"negative max lifetime", func(e *config.EnvironmentConfig) { e.Pool.MaxLifetime = "-1m" }, "non-positive max_lifetime"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validEnv("staging")
			tt.mutate(&env)
			err := Validate(&env)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want substring %q", err, tt.wantErr)
			}
		})
	}

	t.Run("sqlite requires path", func(t *testing.T) {
		env := config.EnvironmentConfig{
			Name:   "local",
			Driver: config.DriverSQLite,
			Pool:   config.PoolConfig{MaxConnections: 2},
		}
		if err := Validate(&env); err == nil {
			t.Error("expected error for sqlite without path")
		}
		env.Database.Path = ":memory:"
		if err := Validate(&env); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})
}

func TestGet(t *testing.T) {
	invalid := validEnv("broken")
	invalid.Database.Host = ""
	disabled := validEnv("paused")
	disabled.Enabled = boolPtr(false)
	cfg := &config.Config{
		DefaultEnvironment: "staging",
		Environments:       []config.EnvironmentConfig{validEnv("staging"), invalid, disabled},
	}
	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	t.Run("enabled", func(t *testing.T) {
		env, err := reg.Get("staging")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if env.Name != "staging" {
			t.Errorf("Name = %q", env.Name)
		}
	})

	t.Run("unknown lists alternatives", func(t *testing.T) {
		_, err := reg.Get("nowhere")
		if err == nil {
			t.Fatal("expected error")
		}
		e := srverr.From(err)
		if e.Kind != srverr.KindEnvironment || e.Category != srverr.CategoryConfiguration {
			t.Errorf("kind/category = %v/%v", e.Kind, e.Category)
		}
		if !strings.Contains(e.Message, "staging") {
			t.Errorf("message does not list alternatives: %q", e.Message)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		_, err := reg.Get("paused")
		if e := srverr.From(err); e == nil || e.Category != srverr.CategoryUnavailable {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("invalid carries reason", func(t *testing.T) {
		_, err := reg.Get("broken")
		if err == nil || !strings.Contains(err.Error(), "no host") {
			t.Errorf("err = %v", err)
		}
	})
}

func TestStatusReportNeverCarriesPassword(t *testing.T) {
	cfg := &config.Config{
		DefaultEnvironment: "staging",
		Environments:       []config.EnvironmentConfig{validEnv("staging"), validEnv("prod")},
	}
	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	report := reg.StatusReport()
	if len(report) != 2 {
		t.Fatalf("report size = %d", len(report))
	}
	if report[0].Name != "prod" || report[1].Name != "staging" {
		t.Errorf("report not sorted by name: %v, %v", report[0].Name, report[1].Name)
	}
	for _, info := range report {
		if strings.Contains(info.URL, "secret") {
			t.Errorf("report URL leaked password: %q", info.URL)
		}
		if !strings.Contains(info.URL, ":****@") {
			t.Errorf("URL not masked: %q", info.URL)
		}
		if !info.PasswordConfigured {
			t.Errorf("PasswordConfigured = false for %s", info.Name)
		}
	}
}
