// Package config loads pluginhost configuration.
//
// Sources, lowest to highest precedence: built-in defaults, a TOML file
// (pluginhost.toml), then PLUGINHOST_* environment variables. Environment keys
// use a double underscore between sections, so PLUGINHOST_MANAGER__MAX_CONCURRENCY
// sets manager.max_concurrency.
package config

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/codepal-dev/pluginhost/capability"
	"github.com/codepal-dev/pluginhost/crypto/keystore"
	"github.com/codepal-dev/pluginhost/sandbox"
	"github.com/codepal-dev/pluginhost/scanner"
	"github.com/codepal-dev/pluginhost/store"
)

// Config is the full pluginhost configuration.
type Config struct {
	Logging  Logging         `koanf:"logging"`
	Sandbox  Sandbox         `koanf:"sandbox"`
	Scanner  Scanner         `koanf:"scanner"`
	Store    store.Config    `koanf:"store"`
	Manager  Manager         `koanf:"manager"`
	Keystore keystore.Config `koanf:"keystore"`
	API      API             `koanf:"api"`
}

// Logging selects log level, format and destination.
type Logging struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
	Output string `koanf:"output" validate:"oneof=stdout stderr file"`
	// File is the log file path when Output is "file".
	File string `koanf:"file" validate:"required_if=Output file"`
}

// Sandbox holds the default policy given to newly installed plugins.
type Sandbox struct {
	Timeout       string   `koanf:"timeout" validate:"duration"`
	MemoryLimitMB uint32   `koanf:"memory_limit_mb" validate:"gt=0"`
	Root          string   `koanf:"root"`
	Grace         string   `koanf:"grace" validate:"duration"`
	Capabilities  []string `koanf:"capabilities" validate:"dive,capability"`
	AllowedHosts  []string `koanf:"allowed_hosts"`
}

// Scanner configures pre-activation scanning.
type Scanner struct {
	RequireSignatures bool   `koanf:"require_signatures"`
	DryRunTimeout     string `koanf:"dry_run_timeout" validate:"duration"`
	// TrustedKeysDir holds "<key id>.pem" public keys of trusted publishers.
	TrustedKeysDir string `koanf:"trusted_keys_dir"`
	// Cache is "memory" or "redis". The redis cache shares store.redis.
	Cache     string `koanf:"cache" validate:"oneof=memory redis"`
	CacheSize int    `koanf:"cache_size" validate:"gte=0"`
	CacheTTL  string `koanf:"cache_ttl" validate:"omitempty,duration"`
}

// Manager configures lifecycle and dispatch.
type Manager struct {
	MaxConcurrency  int    `koanf:"max_concurrency" validate:"gt=0"`
	DispatchTimeout string `koanf:"dispatch_timeout" validate:"omitempty,duration"`
	AuditSize       int    `koanf:"audit_size" validate:"gt=0"`
}

// API configures the HTTP server.
type API struct {
	Addr string `koanf:"addr" validate:"required"`
	// Mode is the gin mode.
	Mode string `koanf:"mode" validate:"oneof=debug release test"`
}

// Policy builds the default sandbox policy.
func (s Sandbox) Policy() (sandbox.Policy, error) {
	p := sandbox.DefaultPolicy()
	timeout, err := parseDuration("sandbox.timeout", s.Timeout)
	if err != nil {
		return p, err
	}
	caps, err := capability.ParseSet(s.Capabilities)
	if err != nil {
		return p, errors.Wrap(err, "invalid sandbox.capabilities")
	}
	p.Timeout = timeout
	p.MemoryLimitMB = s.MemoryLimitMB
	p.SandboxRoot = s.Root
	p.AllowedCapabilities = caps
	p.AllowedHosts = append([]string(nil), s.AllowedHosts...)
	if err := p.Validate(); err != nil {
		return p, errors.Wrap(err, "invalid sandbox policy")
	}
	return p, nil
}

// GraceDuration returns the parsed abort grace period.
func (s Sandbox) GraceDuration() (time.Duration, error) {
	return parseDuration("sandbox.grace", s.Grace)
}

// ScannerConfig builds the scanner configuration.
func (c *Config) ScannerConfig() (scanner.Config, error) {
	dry, err := parseDuration("scanner.dry_run_timeout", c.Scanner.DryRunTimeout)
	if err != nil {
		return scanner.Config{}, err
	}
	return scanner.Config{
		RequireSignatures: c.Scanner.RequireSignatures,
		DryRunTimeout:     dry,
		SandboxRoot:       c.Sandbox.Root,
		MemoryLimitMB:     c.Sandbox.MemoryLimitMB,
	}, nil
}

// CacheTTLDuration returns the parsed scan cache TTL; zero keeps entries forever.
func (s Scanner) CacheTTLDuration() (time.Duration, error) {
	return parseDuration("scanner.cache_ttl", s.CacheTTL)
}

// DispatchTimeoutDuration returns the parsed dispatch timeout; zero means none.
func (m Manager) DispatchTimeoutDuration() (time.Duration, error) {
	return parseDuration("manager.dispatch_timeout", m.DispatchTimeout)
}

// NewLogger builds a logrus logger. The returned func closes the log file, if any.
func (l Logging) NewLogger() (*logrus.Logger, func(), error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid logging.level")
	}
	log.SetLevel(level)

	switch l.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	cleanup := func() {}
	var out io.Writer = os.Stderr
	switch l.Output {
	case "stdout":
		out = os.Stdout
	case "file":
		if err := os.MkdirAll(filepath.Dir(l.File), 0o755); err != nil {
			return nil, nil, errors.Wrap(err, "failed to create log directory")
		}
		f, err := os.OpenFile(l.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to open log file")
		}
		out = f
		cleanup = func() { _ = f.Close() }
	}
	log.SetOutput(out)
	return log, cleanup, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", field)
	}
	return d, nil
}
