package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/codepal-dev/pluginhost/config"
	"github.com/codepal-dev/pluginhost/crypto"
	"github.com/codepal-dev/pluginhost/crypto/keystore"
	"github.com/codepal-dev/pluginhost/hook"
	"github.com/codepal-dev/pluginhost/manager"
	"github.com/codepal-dev/pluginhost/plugin"
	"github.com/codepal-dev/pluginhost/sandbox"
	"github.com/codepal-dev/pluginhost/scanner"
	"github.com/codepal-dev/pluginhost/store"
)

// app holds the collaborators built from configuration.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	store    store.Store
	registry *hook.Registry
	loaders  *plugin.Loaders
	executor *sandbox.Executor
	scanner  *scanner.Scanner
	verifier *crypto.Verifier
	manager  *manager.Manager

	closers []func()
}

// loadConfig reads configuration and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newApp wires every collaborator. When restore is set, stored plugins are
// reloaded into the manager.
func newApp(ctx context.Context, restore bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, closeLog, err := cfg.Logging.NewLogger()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, closers: []func(){closeLog}}

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if restore {
		if err := a.manager.Restore(ctx); err != nil {
			// Unrestorable records are skipped; the rest keep serving.
			log.WithError(err).Warn("Some plugins could not be restored")
		}
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	policy, err := cfg.Sandbox.Policy()
	if err != nil {
		return err
	}
	grace, err := cfg.Sandbox.GraceDuration()
	if err != nil {
		return err
	}
	dispatchTimeout, err := cfg.Manager.DispatchTimeoutDuration()
	if err != nil {
		return err
	}
	scanCfg, err := cfg.ScannerConfig()
	if err != nil {
		return err
	}

	a.store, err = store.Open(ctx, cfg.Store, a.log)
	if err != nil {
		return errors.Wrap(err, "failed to open store")
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })

	a.verifier = crypto.NewVerifier()
	if cfg.Scanner.TrustedKeysDir != "" {
		if err := a.verifier.TrustDir(cfg.Scanner.TrustedKeysDir); err != nil {
			return err
		}
	}

	cache, err := a.scanCache(ctx)
	if err != nil {
		return err
	}

	a.registry = hook.NewRegistry()
	a.loaders = plugin.NewLoaders(nil)
	a.log.WithField("runtimes", a.loaders.Runtimes()).Debug("Plugin loaders ready")
	a.executor = sandbox.New(
		sandbox.WithGrace(grace),
		sandbox.WithLogger(a.log),
	)
	a.scanner = scanner.New(
		scanner.WithConfig(scanCfg),
		scanner.WithLoaders(a.loaders),
		scanner.WithSpecs(a.registry),
		scanner.WithVerifier(a.verifier),
		scanner.WithCache(cache),
		scanner.WithLogger(a.log),
	)
	a.manager = manager.New(
		manager.WithConfig(manager.Config{
			MaxConcurrency:  cfg.Manager.MaxConcurrency,
			DispatchTimeout: dispatchTimeout,
			AuditSize:       cfg.Manager.AuditSize,
			DefaultPolicy:   policy,
		}),
		manager.WithStore(a.store),
		manager.WithScanner(a.scanner),
		manager.WithExecutor(a.executor),
		manager.WithRegistry(a.registry),
		manager.WithLoaders(a.loaders),
		manager.WithLogger(a.log),
	)
	return nil
}

func (a *app) scanCache(ctx context.Context) (scanner.Cache, error) {
	cfg := a.cfg
	if cfg.Scanner.Cache != "redis" {
		return scanner.NewMemoryCache(cfg.Scanner.CacheSize), nil
	}
	ttl, err := cfg.Scanner.CacheTTLDuration()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.Redis.Addr,
		Username: cfg.Store.Redis.Username,
		Password: cfg.Store.Redis.Password,
		DB:       cfg.Store.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to reach redis scan cache")
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	prefix := cfg.Store.Redis.Prefix
	if prefix == "" {
		prefix = store.DefaultRedisPrefix
	}
	return scanner.NewRedisCache(client, prefix+"scan:", ttl), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// openKeystore opens the configured keystore without wiring the rest.
func openKeystore() (keystore.Keystore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return keystore.NewKeystore(cfg.Keystore)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "failed to encode output")
	}
	return nil
}

func printInfo(info manager.Info) error {
	if outputJSON {
		return printJSON(info)
	}
	fmt.Printf("%s %s: %s (trust %s)\n",
		info.Descriptor.ID, info.Descriptor.Version, info.State, info.Descriptor.Trust)
	return nil
}
