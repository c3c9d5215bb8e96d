// Package rsa loads the authority's public key and encrypts the credential
// session key with it (RSA PKCS#1 v1.5).
package rsa

import (
	"crypto/rand"
	rsa2 "crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// PublicKey is the authority encryption key and, when it came from a
// certificate, its expiry.
type PublicKey struct {
	Key      *rsa2.PublicKey
	NotAfter time.Time
}

// LoadPublicKeyFromFile reads a PEM or DER certificate or PKIX public key.
func LoadPublicKeyFromFile(path string) (*PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read public key file")
	}
	return ParsePublicKey(b)
}

// ParsePublicKey accepts PEM ("CERTIFICATE", "PUBLIC KEY", "RSA PUBLIC KEY"),
// raw DER, or base64 DER as published by the authority.
func ParsePublicKey(data []byte) (*PublicKey, error) {
	if block, _ := pem.Decode(data); block != nil {
		switch block.Type {
		case "CERTIFICATE":
			return parseCert(block.Bytes)
		case "PUBLIC KEY":
			return parsePKIX(block.Bytes)
		case "RSA PUBLIC KEY":
			k, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, errors.Wrap(err, "parse PKCS#1 public key")
			}
			return &PublicKey{Key: k}, nil
		default:
			return nil, errors.Errorf("unsupported PEM block %q", block.Type)
		}
	}
	if der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data))); err == nil {
		data = der
	}
	if pk, err := parseCert(data); err == nil {
		return pk, nil
	}
	return parsePKIX(data)
}

func parseCert(der []byte) (*PublicKey, error) {
	xc, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parse x509")
	}
	k, ok := xc.PublicKey.(*rsa2.PublicKey)
	if !ok {
		return nil, errors.Errorf("certificate does not hold an RSA key (type: %T)", xc.PublicKey)
	}
	return &PublicKey{Key: k, NotAfter: xc.NotAfter}, nil
}

func parsePKIX(der []byte) (*PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "parse public key")
	}
	k, ok := parsed.(*rsa2.PublicKey)
	if !ok {
		return nil, errors.Errorf("public key is not RSA (type: %T)", parsed)
	}
	return &PublicKey{Key: k}, nil
}

// EncryptPKCS1v15 encrypts msg with the authority key. random defaults to
// crypto/rand.
func (p *PublicKey) EncryptPKCS1v15(random io.Reader, msg []byte) ([]byte, error) {
	if p == nil || p.Key == nil {
		return nil, errors.New("authority public key not loaded")
	}
	if random == nil {
		random = rand.Reader
	}
	out, err := rsa2.EncryptPKCS1v15(random, p.Key, msg)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt with authority public key")
	}
	return out, nil
}

// Expired reports whether a certificate-backed key is past its validity.
func (p *PublicKey) Expired(now time.Time) bool {
	return !p.NotAfter.IsZero() && now.After(p.NotAfter)
}
