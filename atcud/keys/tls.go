package keys

import (
	"crypto/tls"
	"crypto/x509"
	"slices"

	"github.com/go-faster/errors"
)

// CipherSuites accepted by the authority series service.
var CipherSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
}

var ErrNotPinned = errors.New("TLS configuration is not pinned to TLS 1.2 with client certificate and CA bundle")

// PinnedTLSConfig returns a TLS 1.2 only configuration with the restricted
// cipher list, the client certificate and roots as the only trusted CAs.
func PinnedTLSConfig(cert tls.Certificate, roots *x509.CertPool) (*tls.Config, error) {
	if len(cert.Certificate) == 0 || cert.PrivateKey == nil {
		return nil, errors.Wrap(ErrNotPinned, "client certificate missing")
	}
	if roots == nil {
		return nil, errors.Wrap(ErrNotPinned, "CA bundle missing")
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
		CipherSuites: slices.Clone(CipherSuites),
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
	}, nil
}

// CheckPinned verifies that cfg satisfies the same constraints as
// PinnedTLSConfig.
func CheckPinned(cfg *tls.Config) error {
	switch {
	case cfg == nil:
		return errors.Wrap(ErrNotPinned, "no TLS configuration")
	case cfg.InsecureSkipVerify:
		return errors.Wrap(ErrNotPinned, "certificate verification disabled")
	case cfg.MinVersion != tls.VersionTLS12 || cfg.MaxVersion != tls.VersionTLS12:
		return errors.Wrap(ErrNotPinned, "protocol version not pinned to TLS 1.2")
	case len(cfg.CipherSuites) == 0:
		return errors.Wrap(ErrNotPinned, "cipher list not restricted")
	case len(cfg.Certificates) == 0 && cfg.GetClientCertificate == nil:
		return errors.Wrap(ErrNotPinned, "client certificate missing")
	case cfg.RootCAs == nil:
		return errors.Wrap(ErrNotPinned, "CA bundle missing")
	}
	for _, c := range cfg.CipherSuites {
		if !slices.Contains(CipherSuites, c) {
			return errors.Wrapf(ErrNotPinned, "cipher suite %s not allowed", tls.CipherSuiteName(c))
		}
	}
	return nil
}
