package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "GUARD_"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(backendRequirements, Config{})
	return v
}

// backendRequirements checks the connection settings the selected backend and bus need.
func backendRequirements(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	if (cfg.Backend == "redis" || cfg.Bus == "redis") && len(cfg.Redis.Addrs) == 0 {
		sl.ReportError(cfg.Redis.Addrs, "Redis.Addrs", "addrs", "required_for_backend", cfg.Backend)
	}
	if cfg.Backend == "etcd" && len(cfg.Etcd.Endpoints) == 0 {
		sl.ReportError(cfg.Etcd.Endpoints, "Etcd.Endpoints", "endpoints", "required_for_backend", cfg.Backend)
	}
	if cfg.Bus == "nats" && cfg.NATS.URL == "" {
		sl.ReportError(cfg.NATS.URL, "NATS.URL", "url", "required_for_bus", cfg.Bus)
	}
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// GUARD_REDIS_KEY_PREFIX becomes redis.key_prefix: only the first
	// underscore separates the section.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg and reports every invalid field at once.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config validation: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed on '%s'", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("config validation: %s", strings.Join(msgs, "; "))
}

func parserFor(path string) koanf.Parser {
	if strings.HasSuffix(path, ".json") {
		return json.Parser()
	}
	return yaml.Parser()
}
