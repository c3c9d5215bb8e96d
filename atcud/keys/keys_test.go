package keys

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"

	"github.com/alapierre/go-atcud/atcud/keys/keystest"
)

func TestLoadKeyPairFromPEM_Plain(t *testing.T) {
	ca := keystest.NewCA(t)
	leaf := ca.Client(t, "software")

	pair, err := LoadKeyPairFromPEM(leaf.CertPEM, leaf.KeyPEM, nil)
	require.NoError(t, err)
	assert.Equal(t, "software", pair.Leaf.Subject.CommonName)
	assert.NotNil(t, pair.PrivateKey)
}

func TestLoadKeyPairFromFiles_EncryptedPKCS8(t *testing.T) {
	ca := keystest.NewCA(t)
	leaf := ca.Client(t, "software")

	der, err := pkcs8.MarshalPrivateKey(leaf.Key, []byte("s3cret"), nil)
	require.NoError(t, err)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "client.crt")
	keyPath := filepath.Join(dir, "client.key")
	require.NoError(t, os.WriteFile(certPath, leaf.CertPEM, 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der}), 0o600))

	pair, err := LoadKeyPairFromFiles(certPath, keyPath, []byte("s3cret"))
	require.NoError(t, err)
	assert.True(t, leaf.Key.Equal(pair.PrivateKey))

	_, err = LoadKeyPairFromFiles(certPath, keyPath, nil)
	assert.Error(t, err)
	_, err = LoadKeyPairFromFiles(certPath, keyPath, []byte("wrong"))
	assert.Error(t, err)
}

func TestLoadKeyPairFromPEM_Missing(t *testing.T) {
	ca := keystest.NewCA(t)
	leaf := ca.Client(t, "software")

	_, err := LoadKeyPairFromPEM(leaf.KeyPEM, leaf.KeyPEM, nil)
	assert.ErrorIs(t, err, ErrNoCertificate)
	_, err = LoadKeyPairFromPEM(leaf.CertPEM, leaf.CertPEM, nil)
	assert.ErrorIs(t, err, ErrNoPrivateKey)
}

func TestLoadPKCS12_Invalid(t *testing.T) {
	_, err := LoadPKCS12([]byte("not a pfx"), "x")
	assert.Error(t, err)
}

func TestLoadCAPoolFromFile(t *testing.T) {
	ca := keystest.NewCA(t)
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, ca.PEM, 0o600))

	pool, err := LoadCAPoolFromFile(path)
	require.NoError(t, err)
	assert.True(t, pool.Equal(ca.Pool()))

	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("nothing"), 0o600))
	_, err = LoadCAPoolFromFile(empty)
	assert.Error(t, err)
}

func TestPinnedTLSConfig(t *testing.T) {
	ca := keystest.NewCA(t)
	leaf := ca.Client(t, "software")

	cfg, err := PinnedTLSConfig(leaf.TLS, ca.Pool())
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MaxVersion)
	assert.Equal(t, CipherSuites, cfg.CipherSuites)
	require.NoError(t, CheckPinned(cfg))

	_, err = PinnedTLSConfig(tls.Certificate{}, ca.Pool())
	assert.ErrorIs(t, err, ErrNotPinned)
	_, err = PinnedTLSConfig(leaf.TLS, nil)
	assert.ErrorIs(t, err, ErrNotPinned)
}

func TestCheckPinned_Rejects(t *testing.T) {
	ca := keystest.NewCA(t)
	leaf := ca.Client(t, "software")
	good, err := PinnedTLSConfig(leaf.TLS, ca.Pool())
	require.NoError(t, err)

	cases := map[string]func(c *tls.Config){
		"tls13 allowed":   func(c *tls.Config) { c.MaxVersion = tls.VersionTLS13 },
		"default ciphers": func(c *tls.Config) { c.CipherSuites = nil },
		"weak cipher":     func(c *tls.Config) { c.CipherSuites = []uint16{tls.TLS_RSA_WITH_AES_128_CBC_SHA} },
		"no client cert":  func(c *tls.Config) { c.Certificates = nil },
		"system roots":    func(c *tls.Config) { c.RootCAs = nil },
		"skip verify":     func(c *tls.Config) { c.InsecureSkipVerify = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := good.Clone()
			mutate(c)
			assert.ErrorIs(t, CheckPinned(c), ErrNotPinned)
		})
	}
	assert.ErrorIs(t, CheckPinned(nil), ErrNotPinned)
	assert.ErrorIs(t, CheckPinned(&tls.Config{RootCAs: x509.NewCertPool()}), ErrNotPinned)
}
