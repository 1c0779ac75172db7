package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	tomlparser "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// DefaultFile is looked up in the working directory when no path is given.
	DefaultFile = "pluginhost.toml"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "PLUGINHOST_"
)

// ErrInvalidPermissions is returned when the config file is world-writable.
var ErrInvalidPermissions = errors.New("config file has insecure permissions")

func defaults() map[string]any {
	return map[string]any{
		"logging.level":  "info",
		"logging.format": "text",
		"logging.output": "stderr",

		"sandbox.timeout":         "5s",
		"sandbox.memory_limit_mb": 64,
		"sandbox.grace":           "100ms",
		"sandbox.capabilities":    []string{},

		"scanner.require_signatures": false,
		"scanner.dry_run_timeout":    "1s",
		"scanner.cache":              "memory",
		"scanner.cache_size":         256,

		"store.backend": "memory",
		"store.breaker": true,

		"manager.max_concurrency":  8,
		"manager.dispatch_timeout": "30s",
		"manager.audit_size":       256,

		"keystore.backend":      "keyring",
		"keystore.service_name": "pluginhost",

		"api.addr": ":8080",
		"api.mode": "release",
	}
}

// Loader reads configuration with koanf.
type Loader struct {
	k    *koanf.Koanf
	path string
	// explicit makes a missing file an error.
	explicit bool
}

// NewLoader creates a loader for path. An empty path looks for DefaultFile in
// the working directory and tolerates its absence.
func NewLoader(path string) *Loader {
	l := &Loader{path: path, explicit: path != ""}
	if path == "" {
		l.path = DefaultFile
	}
	return l
}

// Load reads and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.LoadWithoutValidation()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// LoadWithoutValidation reads the configuration without validating it.
func (l *Loader) LoadWithoutValidation() (*Config, error) {
	l.k = koanf.New(".")

	if err := l.k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load defaults")
	}

	if err := l.loadTOMLFile(l.path); err != nil {
		if !errors.Is(err, os.ErrNotExist) || l.explicit {
			return nil, errors.Wrapf(err, "failed to load %s", l.path)
		}
	}

	envOpt := env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envTransform,
	}
	if err := l.k.Load(env.Provider(".", envOpt), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load env vars")
	}

	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

// Path returns the file the loader reads.
func (l *Loader) Path() string {
	return l.path
}

func (l *Loader) loadTOMLFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0o002 != 0 {
		return errors.Wrapf(ErrInvalidPermissions, "%s is world-writable (mode: %s)", path, info.Mode().Perm())
	}
	return l.k.Load(file.Provider(path), tomlparser.Parser())
}

// envTransform maps PLUGINHOST_SECTION__SOME_KEY to section.some_key.
// Comma separated values become lists.
func envTransform(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if strings.Contains(value, ",") {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return key, parts
	}
	return key, value
}
