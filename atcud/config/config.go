// Package config loads the operator configuration from an optional file and
// ATCUD_* environment variables and builds the runtime components from it.
//
// Priority, highest first:
//  1. environment variables with the ATCUD_ prefix (ATCUD_RETRY_ATTEMPTS)
//  2. the config file (YAML, TOML or JSON)
//  3. built-in defaults
package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/alapierre/go-atcud/atcud"
)

const EnvPrefix = "ATCUD"

type Config struct {
	Environment         atcud.Environment
	Endpoint            string
	SoftwareCertificate string
	AuthorityPublicKey  string

	TLS         TLSConfig
	Credentials CredentialsConfig
	Retry       RetryConfig
	Batch       BatchConfig
	Lock        LockConfig
	Store       StoreConfig
	Log         LogConfig
}

// TLSConfig locates the client certificate. A PKCS#12 bundle wins over the
// PEM pair.
type TLSConfig struct {
	CertFile       string
	KeyFile        string
	KeyPassword    string
	PKCS12File     string
	PKCS12Password string
	CAFile         string
}

type CredentialsConfig struct {
	Default  atcud.Credentials
	Entities atcud.EntityCredentials
}

type RetryConfig struct {
	Attempts int
	Delay    time.Duration
	Timeout  time.Duration
}

type BatchConfig struct {
	Delay time.Duration
}

// LockConfig selects the allocation lock: "local" or "redis".
type LockConfig struct {
	Backend   string
	RedisAddr string
	Lease     time.Duration
	Wait      time.Duration
}

// StoreConfig selects the series registry: "memory", "file" or "postgres".
type StoreConfig struct {
	Backend string
	DSN     string
	Path    string
}

type LogConfig struct {
	Level  string
	Format string // text, json
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "test")
	v.SetDefault("software_certificate", "0")
	v.SetDefault("retry.attempts", atcud.DefaultAttempts)
	v.SetDefault("retry.delay", atcud.DefaultRetryDelay)
	v.SetDefault("retry.timeout", atcud.DefaultAttemptTimeout)
	v.SetDefault("batch.delay", atcud.DefaultBatchDelay)
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("lock.lease", 30*time.Second)
	v.SetDefault("lock.wait", 10*time.Second)
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.path", "atcud-series.json")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are ignored; variables already set are kept.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "load %s", p)
		}
	}
	return nil
}

// Load reads path, or atcud.{yaml,toml,json} from the working directory when
// path is empty, and overlays the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName("atcud")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var env atcud.Environment
	if err := env.UnmarshalText([]byte(v.GetString("environment"))); err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment:         env,
		Endpoint:            v.GetString("endpoint"),
		SoftwareCertificate: v.GetString("software_certificate"),
		AuthorityPublicKey:  v.GetString("authority_public_key"),
		TLS: TLSConfig{
			CertFile:       v.GetString("tls.cert_file"),
			KeyFile:        v.GetString("tls.key_file"),
			KeyPassword:    v.GetString("tls.key_password"),
			PKCS12File:     v.GetString("tls.pkcs12_file"),
			PKCS12Password: v.GetString("tls.pkcs12_password"),
			CAFile:         v.GetString("tls.ca_file"),
		},
		Credentials: CredentialsConfig{
			Default: atcud.Credentials{
				Username: v.GetString("credentials.default.username"),
				Password: v.GetString("credentials.default.password"),
			},
			Entities: entityCredentials(v),
		},
		Retry: RetryConfig{
			Attempts: v.GetInt("retry.attempts"),
			Delay:    v.GetDuration("retry.delay"),
			Timeout:  v.GetDuration("retry.timeout"),
		},
		Batch: BatchConfig{
			Delay: v.GetDuration("batch.delay"),
		},
		Lock: LockConfig{
			Backend:   strings.ToLower(v.GetString("lock.backend")),
			RedisAddr: v.GetString("lock.redis_addr"),
			Lease:     v.GetDuration("lock.lease"),
			Wait:      v.GetDuration("lock.wait"),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(v.GetString("store.backend")),
			DSN:     v.GetString("store.dsn"),
			Path:    v.GetString("store.path"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: strings.ToLower(v.GetString("log.format")),
		},
	}
	return cfg, cfg.Validate()
}

func entityCredentials(v *viper.Viper) atcud.EntityCredentials {
	out := atcud.EntityCredentials{}
	for entity := range v.GetStringMap("credentials.entities") {
		key := "credentials.entities." + entity
		out[strings.ToUpper(entity)] = atcud.Credentials{
			Username: v.GetString(key + ".username"),
			Password: v.GetString(key + ".password"),
		}
	}
	return out
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Retry.Attempts < 1 {
		return errors.Errorf("retry.attempts must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.Delay < 0 || c.Retry.Timeout <= 0 || c.Batch.Delay < 0 {
		return errors.New("retry and batch durations must not be negative")
	}
	if c.Lock.Lease <= 0 || c.Lock.Wait <= 0 {
		return errors.New("lock.lease and lock.wait must be positive")
	}
	switch c.Lock.Backend {
	case "local", "redis":
	default:
		return errors.Errorf("unknown lock.backend %q (allowed: local, redis)", c.Lock.Backend)
	}
	switch c.Store.Backend {
	case "memory", "file", "postgres":
	default:
		return errors.Errorf("unknown store.backend %q (allowed: memory, file, postgres)", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return errors.New("store.dsn is required for the postgres backend")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("unknown log.format %q (allowed: text, json)", c.Log.Format)
	}
	return nil
}
