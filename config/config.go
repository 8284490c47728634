// Package config loads the server configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory    = "memory"
	DriverSQLite    = "sqlite"
	DriverFirestore = "firestore"
)

// Config is the top-level configuration file.
type Config struct {
	Addr        string       `yaml:"addr"`
	Store       Store        `yaml:"store"`
	Backend     Backend      `yaml:"backend"`
	Projections []Projection `yaml:"projections"`
}

// Store selects and configures the storage adapter. CacheTTL wraps it in an
// op log cache; zero disables the cache.
type Store struct {
	Driver           string        `yaml:"driver"`
	SQLitePath       string        `yaml:"sqlite_path"`
	FirestoreProject string        `yaml:"firestore_project"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// Backend holds submission and query tuning. MaxSubmitRetries of zero
// means unlimited.
type Backend struct {
	MaxSubmitRetries int           `yaml:"max_submit_retries"`
	SuppressPublish  bool          `yaml:"suppress_publish"`
	DoNotCommitNoOps bool          `yaml:"do_not_commit_no_ops"`
	PollDebounce     time.Duration `yaml:"poll_debounce"`
}

// Projection exposes a subset of a collection's top-level fields under
// another name.
type Projection struct {
	Name       string   `yaml:"name"`
	Collection string   `yaml:"collection"`
	Fields     []string `yaml:"fields"`
}

// FieldMap returns the whitelist in the form the backend expects.
func (p Projection) FieldMap() map[string]any {
	m := make(map[string]any, len(p.Fields))
	for _, f := range p.Fields {
		m[f] = true
	}
	return m
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Addr: ":8080",
		Store: Store{
			Driver:   DriverMemory,
			CacheTTL: 5 * time.Minute,
		},
	}
}

// Load reads a YAML file on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var problems []error
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf("config: "+format, args...))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			bad("store.sqlite_path is required for the sqlite driver")
		}
	case DriverFirestore:
		if c.Store.FirestoreProject == "" {
			bad("store.firestore_project is required for the firestore driver")
		}
	default:
		bad("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.CacheTTL < 0 {
		bad("store.cache_ttl must not be negative")
	}
	if c.Backend.MaxSubmitRetries < 0 {
		bad("backend.max_submit_retries must not be negative")
	}
	if c.Backend.PollDebounce < 0 {
		bad("backend.poll_debounce must not be negative")
	}

	names := make(map[string]bool)
	for i, p := range c.Projections {
		switch {
		case p.Name == "" || p.Collection == "":
			bad("projections[%d]: name and collection are required", i)
		case len(p.Fields) == 0:
			bad("projection %q has no fields", p.Name)
		case names[p.Name]:
			bad("projection %q is defined twice", p.Name)
		}
		names[p.Name] = true
	}
	return errors.Join(problems...)
}
