// Package environment validates configured database environments and answers
// which of them queries may target.
package environment

import (
	"fmt"
	"sort"
	"time"

	"github.com/manifolddb/manifold/internal/config"
	"github.com/manifolddb/manifold/internal/srverr"
)

// Status classifies an environment after validation.
type Status int

const (
	// StatusEnabled means the environment validated and accepts queries.
	StatusEnabled Status = iota
	// StatusDisabled means the configuration turned the environment off.
	StatusDisabled
	// StatusInvalid means validation rejected the configuration.
	StatusInvalid
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusEnabled:
		return "enabled"
	case StatusDisabled:
		return "disabled"
	default:
		return "invalid"
	}
}

// Entry is one registered environment with its validation outcome.
type Entry struct {
	Config config.EnvironmentConfig
	Status Status
	// Reason explains StatusInvalid. Empty otherwise.
	Reason string
}

// StatusInfo is the reportable state of one environment. It never carries
// the password itself, only whether one is configured.
type StatusInfo struct {
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	Status             string `json:"status"`
	Reason             string `json:"reason,omitempty"`
	Driver             string `json:"driver"`
	URL                string `json:"url"`
	PasswordConfigured bool   `json:"password_configured"`
	MaxConnections     int    `json:"max_connections"`
}

// LegacyEnvironmentName is the synthetic environment created when the
// process runs from MANIFOLD_DB_* variables instead of a config file.
const LegacyEnvironmentName = "default"

// Registry holds the validated environment set. Validation happens once at
// construction; the registry is read-only afterwards and safe for
// concurrent use.
type Registry struct {
	entries    map[string]*Entry
	order      []string
	defaultEnv string
	legacy     bool
}

// NewRegistry validates every configured environment and builds the
// registry. Environments that fail validation are kept with StatusInvalid
// rather than dropped, so status reports can explain them. Construction
// fails only when no environment is usable or the default does not resolve.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{entries: make(map[string]*Entry)}

	if len(cfg.Environments) > 0 && cfg.Database != nil {
		return nil, srverr.Configuration("database",
			"legacy 'database' block and 'environments' list are mutually exclusive")
	}

	if len(cfg.Environments) == 0 {
		db := cfg.Database
		if db == nil {
			db = config.FromEnv()
		}
		if db == nil {
			return nil, srverr.Configuration("environments",
				"no environments configured and MANIFOLD_DB_HOST is unset")
		}
		legacy := config.EnvironmentConfig{
			Name:        LegacyEnvironmentName,
			Description: "Single-database fallback from process environment",
			Driver:      config.DriverMySQL,
			Database:    *db,
			Pool:        config.PoolConfig{MaxConnections: 10, MinConnections: 2},
		}
		r.legacy = true
		r.add(legacy)
		r.defaultEnv = LegacyEnvironmentName
	} else {
		for _, env := range cfg.Environments {
			if _, dup := r.entries[env.Name]; dup {
				return nil, srverr.Configuration("environments",
					fmt.Sprintf("duplicate environment name %q", env.Name))
			}
			r.add(env)
		}
		r.defaultEnv = cfg.DefaultEnvironment
		if r.defaultEnv == "" {
			if enabled := r.ListEnabled(); len(enabled) > 0 {
				r.defaultEnv = enabled[0]
			}
		}
	}

	if len(r.ListEnabled()) == 0 {
		return nil, srverr.Configuration("environments", "no enabled environment validated")
	}
	if entry, ok := r.entries[r.defaultEnv]; !ok {
		return nil, srverr.Configuration("default_environment",
			fmt.Sprintf("environment %q is not configured", r.defaultEnv))
	} else if entry.Status != StatusEnabled {
		return nil, srverr.Configuration("default_environment",
			fmt.Sprintf("environment %q is %s", r.defaultEnv, entry.Status))
	}
	return r, nil
}

func (r *Registry) add(env config.EnvironmentConfig) {
	entry := &Entry{Config: env}
	switch {
	case !env.IsEnabled():
		entry.Status = StatusDisabled
	default:
		if err := Validate(&env); err != nil {
			entry.Status = StatusInvalid
			entry.Reason = err.Error()
		} else {
			entry.Status = StatusEnabled
		}
	}
	r.entries[env.Name] = entry
	r.order = append(r.order, env.Name)
}

// Validate checks one environment configuration against the structural
// rules shared by every driver.
func Validate(env *config.EnvironmentConfig) error {
	if env.Name == "" {
		return fmt.Errorf("environment name is empty")
	}
	for _, c := range env.Name {
		if !isNameRune(c) {
			return fmt.Errorf("environment name %q contains %q; only letters, digits, '_' and '-' are allowed", env.Name, c)
		}
	}
	if _, err := config.SQLDriverName(env.Driver); err != nil {
		return err
	}
	if env.Driver == config.DriverSQLite {
		if env.Database.Path == "" {
			return fmt.Errorf("sqlite environment %q has no path", env.Name)
		}
	} else {
		if env.Database.Host == "" {
			return fmt.Errorf("environment %q has no host", env.Name)
		}
		if env.Database.Port <= 0 || env.Database.Port > 65535 {
			return fmt.Errorf("environment %q has invalid port %d", env.Name, env.Database.Port)
		}
		if env.Database.Username == "" {
			return fmt.Errorf("environment %q has no username", env.Name)
		}
		if env.Database.Database == "" {
			return fmt.Errorf("environment %q has no database", env.Name)
		}
	}
	if env.Pool.MaxConnections <= 0 {
		return fmt.Errorf("environment %q has max_connections %d; must be positive", env.Name, env.Pool.MaxConnections)
	}
	if env.Pool.MinConnections < 0 {
		return fmt.Errorf("environment %q has negative min_connections %d", env.Name, env.Pool.MinConnections)
	}
	if env.Pool.MinConnections > env.Pool.MaxConnections {
		return fmt.Errorf("environment %q has min_connections %d above max_connections %d",
			env.Name, env.Pool.MinConnections, env.Pool.MaxConnections)
	}
	for _, tm := range []struct{ name, value string }{
		{"acquire_timeout", env.Pool.AcquireTimeout},
		{"idle_timeout", env.Pool.IdleTimeout},
		{"max_lifetime", env.Pool.MaxLifetime},
	} {
		if tm.value == "" {
			continue
		}
		d, err := time.ParseDuration(tm.value)
		if err != nil {
			return fmt.Errorf("environment %q has malformed %s %q", env.Name, tm.name, tm.value)
		}
		if d <= 0 {
			return fmt.Errorf("environment %q has non-positive %s %q", env.Name, tm.name, tm.value)
		}
	}
	return nil
}

func isNameRune(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-':
		return true
	}
	return false
}

// Get returns the configuration of an enabled environment. Disabled,
// invalid, and unknown names are rejected with a categorized error that
// names the alternatives.
func (r *Registry) Get(name string) (*config.EnvironmentConfig, error) {
	entry, ok := r.entries[name]
	if !ok {
		return nil, srverr.Environment(name,
			fmt.Sprintf("unknown environment %q; available: %v", name, r.ListEnabled()),
			srverr.CategoryConfiguration)
	}
	switch entry.Status {
	case StatusDisabled:
		return nil, srverr.Environment(name,
			fmt.Sprintf("environment %q is disabled", name), srverr.CategoryUnavailable)
	case StatusInvalid:
		return nil, srverr.Environment(name,
			fmt.Sprintf("environment %q is invalid: %s", name, entry.Reason),
			srverr.CategoryConfiguration)
	}
	cfg := entry.Config
	return &cfg, nil
}

// Has reports whether an environment with this name is configured,
// regardless of status.
func (r *Registry) Has(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// Default returns the name of the default environment.
func (r *Registry) Default() string {
	return r.defaultEnv
}

// LegacyMode reports whether the registry was synthesized from MANIFOLD_DB_*
// variables rather than a configured environment list.
func (r *Registry) LegacyMode() bool {
	return r.legacy
}

// List returns all configured environment names in file order.
func (r *Registry) List() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ListEnabled returns the names of environments that accept queries, in
// file order.
func (r *Registry) ListEnabled() []string {
	var out []string
	for _, name := range r.order {
		if r.entries[name].Status == StatusEnabled {
			out = append(out, name)
		}
	}
	return out
}

// Counts returns the number of configured and enabled environments.
func (r *Registry) Counts() (total, enabled int) {
	return len(r.order), len(r.ListEnabled())
}

// StatusReport describes every configured environment, sorted by name.
func (r *Registry) StatusReport() []StatusInfo {
	out := make([]StatusInfo, 0, len(r.entries))
	for _, name := range r.order {
		entry := r.entries[name]
		out = append(out, StatusInfo{
			Name:               name,
			Description:        entry.Config.Description,
			Status:             entry.Status.String(),
			Reason:             entry.Reason,
			Driver:             entry.Config.Driver,
			URL:                config.MaskedURL(entry.Config.Driver, entry.Config.Database),
			PasswordConfigured: entry.Config.Database.Password != "",
			MaxConnections:     entry.Config.Pool.MaxConnections,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
