package config

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"

	"github.com/codepal-dev/pluginhost/capability"
	"github.com/codepal-dev/pluginhost/store"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		d, err := time.ParseDuration(s)
		return err == nil && d >= 0
	})
	_ = validate.RegisterValidation("capability", func(fl validator.FieldLevel) bool {
		return capability.Capability(fl.Field().String()).Valid()
	})
}

// Validate checks cfg against its struct rules and the cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if cfg.Store.Backend == store.BackendRedis && cfg.Store.Redis.Addr == "" {
		return errors.New("store.redis.addr is required for the redis backend")
	}
	if cfg.Scanner.Cache == "redis" && cfg.Store.Redis.Addr == "" {
		return errors.New("store.redis.addr is required for the redis scan cache")
	}
	if _, err := cfg.Sandbox.Policy(); err != nil {
		return err
	}
	return nil
}
