package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/go-atcud/atcud"
	"github.com/alapierre/go-atcud/atcud/keys"
	"github.com/alapierre/go-atcud/atcud/lock"
	"github.com/alapierre/go-atcud/atcud/metrics"
	"github.com/alapierre/go-atcud/atcud/rsa"
	"github.com/alapierre/go-atcud/atcud/sequence"
	"github.com/alapierre/go-atcud/atcud/series"
	"github.com/alapierre/go-atcud/atcud/store/file"
	"github.com/alapierre/go-atcud/atcud/store/postgres"
	"github.com/alapierre/go-atcud/atcud/util"
)

var logger = logrus.WithField("component", "atcud.config")

// ConfigureLogging applies log.level and log.format to the standard logrus
// logger. ATCUD_DEBUG forces the debug level.
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return errors.Wrap(err, "log.level")
	}
	if util.DebugEnabled() && level < logrus.DebugLevel {
		level = logrus.DebugLevel
	}
	if util.HttpTraceEnabled() {
		level = logrus.TraceLevel
	}
	logrus.SetLevel(level)
	if c.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// ClientTLS loads the client certificate and returns the pinned TLS 1.2
// configuration. Without tls.ca_file the system roots are used.
func (c *Config) ClientTLS() (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case c.TLS.PKCS12File != "":
		cert, err = keys.LoadPKCS12FromFile(c.TLS.PKCS12File, c.TLS.PKCS12Password)
	case c.TLS.CertFile != "" && c.TLS.KeyFile != "":
		var password []byte
		if c.TLS.KeyPassword != "" {
			password = []byte(c.TLS.KeyPassword)
		}
		cert, err = keys.LoadKeyPairFromFiles(c.TLS.CertFile, c.TLS.KeyFile, password)
	default:
		return nil, errors.Wrap(atcud.ErrCertificatesNotConfigured, "tls.pkcs12_file or tls.cert_file and tls.key_file")
	}
	if err != nil {
		return nil, err
	}

	var roots *x509.CertPool
	if c.TLS.CAFile != "" {
		if roots, err = keys.LoadCAPoolFromFile(c.TLS.CAFile); err != nil {
			return nil, err
		}
	}
	return keys.PinnedTLSConfig(cert, roots)
}

// PublicKey loads the authority encryption key.
func (c *Config) PublicKey() (*rsa.PublicKey, error) {
	if c.AuthorityPublicKey == "" {
		return nil, errors.Wrap(atcud.ErrCertificatesNotConfigured, "authority_public_key")
	}
	return rsa.LoadPublicKeyFromFile(c.AuthorityPublicKey)
}

// CredentialsChain resolves per-entity config, then ATCUD_AT_* variables,
// then the configured default.
func (c *Config) CredentialsChain() atcud.CredentialsChain {
	return atcud.CredentialsChain{
		c.Credentials.Entities,
		atcud.EnvCredentials{},
		atcud.StaticCredentials(c.Credentials.Default),
	}
}

// OpenStore opens the configured series registry. The returned func releases
// its resources.
func (c *Config) OpenStore(ctx context.Context) (series.Store, func(), error) {
	switch c.Store.Backend {
	case "memory":
		return series.NewMemoryStore(), func() {}, nil
	case "file":
		s, err := file.Open(c.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "postgres":
		pool, err := postgres.Connect(ctx, c.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		s := postgres.New(pool)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil
	}
	return nil, nil, errors.Errorf("unknown store.backend %q", c.Store.Backend)
}

// Locker builds the allocation lock. The same Locker must be shared by the
// allocator and the client so finalisation excludes allocation.
func (c *Config) Locker(ctx context.Context) (lock.Locker, func(), error) {
	switch c.Lock.Backend {
	case "local":
		return lock.NewLocal(), func() {}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: c.Lock.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, errors.Wrapf(err, "ping redis %s", c.Lock.RedisAddr)
		}
		logger.WithField("addr", c.Lock.RedisAddr).Debug("using redis lock")
		return lock.NewRedis(rdb, 0), func() { _ = rdb.Close() }, nil
	}
	return nil, nil, errors.Errorf("unknown lock.backend %q", c.Lock.Backend)
}

func (c *Config) AllocatorOptions(m *metrics.Metrics) []sequence.Option {
	return []sequence.Option{
		sequence.WithLease(c.Lock.Lease),
		sequence.WithWait(c.Lock.Wait),
		sequence.WithMetrics(m),
	}
}

// ClientConfig assembles the client settings, loading certificates and keys
// from disk.
func (c *Config) ClientConfig(store series.Store) (atcud.ClientConfig, error) {
	tlsCfg, err := c.ClientTLS()
	if err != nil {
		return atcud.ClientConfig{}, err
	}
	pub, err := c.PublicKey()
	if err != nil {
		return atcud.ClientConfig{}, err
	}
	return atcud.ClientConfig{
		Environment:         c.Environment,
		Endpoint:            c.Endpoint,
		TLS:                 tlsCfg,
		PublicKey:           pub,
		SoftwareCertificate: util.FirstNonEmpty(c.SoftwareCertificate, "0"),
		Credentials:         c.CredentialsChain(),
		Store:               store,
	}, nil
}

func (c *Config) ClientOptions(m *metrics.Metrics, locker lock.Locker) []atcud.ClientOption {
	return []atcud.ClientOption{
		atcud.WithRetry(c.Retry.Attempts, c.Retry.Delay),
		atcud.WithAttemptTimeout(c.Retry.Timeout),
		atcud.WithBatchDelay(c.Batch.Delay),
		atcud.WithMetrics(m),
		atcud.WithLocker(locker, c.Lock.Lease, c.Lock.Wait),
	}
}
