package rsa

import (
	"crypto/rand"
	rsa2 "crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *rsa2.PrivateKey {
	t.Helper()
	k, err := rsa2.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return k
}

func selfSigned(t *testing.T, k *rsa2.PrivateKey, notAfter time.Time) []byte {
	t.Helper()
	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "authority"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &k.PublicKey, k)
	require.NoError(t, err)
	return der
}

func TestParsePublicKey_Forms(t *testing.T) {
	k := newKey(t)
	notAfter := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	certDER := selfSigned(t, k, notAfter)
	pkixDER, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	require.NoError(t, err)

	inputs := map[string][]byte{
		"pem cert":  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		"pem pkix":  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkixDER}),
		"pem pkcs1": pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&k.PublicKey)}),
		"der cert":  certDER,
		"der pkix":  pkixDER,
		"b64 cert":  []byte(base64.StdEncoding.EncodeToString(certDER)),
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			pk, err := ParsePublicKey(in)
			require.NoError(t, err)
			assert.True(t, pk.Key.Equal(&k.PublicKey))
		})
	}

	pk, err := ParsePublicKey(inputs["pem cert"])
	require.NoError(t, err)
	assert.True(t, pk.NotAfter.Equal(notAfter))
	assert.False(t, pk.Expired(time.Now()))
	assert.True(t, pk.Expired(notAfter.Add(time.Second)))
}

func TestParsePublicKey_Invalid(t *testing.T) {
	_, err := ParsePublicKey([]byte("not a key"))
	assert.Error(t, err)

	_, err = ParsePublicKey(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1}}))
	assert.Error(t, err)
}

func TestEncryptPKCS1v15_Decryptable(t *testing.T) {
	k := newKey(t)
	path := filepath.Join(t.TempDir(), "at.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: selfSigned(t, k, time.Now().Add(time.Hour))}), 0o600))

	pk, err := LoadPublicKeyFromFile(path)
	require.NoError(t, err)

	sessionKey := []byte("0123456789abcdef")
	out, err := pk.EncryptPKCS1v15(nil, sessionKey)
	require.NoError(t, err)
	assert.Len(t, out, 256)

	back, err := rsa2.DecryptPKCS1v15(nil, k, out)
	require.NoError(t, err)
	assert.Equal(t, sessionKey, back)
}

func TestEncrypt_NoKey(t *testing.T) {
	var pk *PublicKey
	_, err := pk.EncryptPKCS1v15(nil, []byte("x"))
	assert.Error(t, err)
}
