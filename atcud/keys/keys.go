// Package keys loads the client certificate used for mutual TLS with the
// authority and builds the pinned TLS configuration the authority requires.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/go-faster/errors"
	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/pkcs12"
)

var (
	ErrNoCertificate = errors.New("no CERTIFICATE block found in PEM")
	ErrNoPrivateKey  = errors.New("no private key block found in PEM")
)

// LoadKeyPairFromFiles loads a PEM certificate chain and its private key. The
// key may be plain PKCS#1/PKCS#8/EC or an ENCRYPTED PRIVATE KEY, in which case
// password is required.
func LoadKeyPairFromFiles(certPath, keyPath string, password []byte) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "read certificate file")
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "read key file")
	}
	return LoadKeyPairFromPEM(certPEM, keyPEM, password)
}

func LoadKeyPairFromPEM(certPEM, keyPEM, password []byte) (tls.Certificate, error) {
	var out tls.Certificate
	for len(certPEM) > 0 {
		var block *pem.Block
		block, certPEM = pem.Decode(certPEM)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			out.Certificate = append(out.Certificate, block.Bytes)
		}
	}
	if len(out.Certificate) == 0 {
		return tls.Certificate{}, ErrNoCertificate
	}
	leaf, err := x509.ParseCertificate(out.Certificate[0])
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "parse client certificate")
	}
	out.Leaf = leaf

	signer, err := LoadSignerFromPEM(keyPEM, password)
	if err != nil {
		return tls.Certificate{}, err
	}
	out.PrivateKey = signer
	return out, nil
}

// LoadSignerFromPEM returns the first private key found in pemBytes.
func LoadSignerFromPEM(pemBytes, password []byte) (crypto.Signer, error) {
	for len(pemBytes) > 0 {
		var block *pem.Block
		block, pemBytes = pem.Decode(pemBytes)
		if block == nil {
			break
		}
		var (
			keyAny any
			err    error
		)
		switch block.Type {
		case "ENCRYPTED PRIVATE KEY":
			if len(password) == 0 {
				return nil, errors.New("password is required for ENCRYPTED PRIVATE KEY")
			}
			keyAny, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, password)
			if err != nil {
				return nil, errors.Wrap(err, "decrypt PKCS#8 encrypted private key")
			}
		case "PRIVATE KEY":
			keyAny, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			keyAny, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			keyAny, err = x509.ParseECPrivateKey(block.Bytes)
		default:
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", block.Type)
		}
		return asSigner(keyAny)
	}
	return nil, ErrNoPrivateKey
}

// LoadPKCS12FromFile loads a .pfx/.p12 bundle holding one certificate and
// its key.
func LoadPKCS12FromFile(path string, password string) (tls.Certificate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "read PKCS#12 file")
	}
	return LoadPKCS12(b, password)
}

func LoadPKCS12(data []byte, password string) (tls.Certificate, error) {
	keyAny, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "decode PKCS#12")
	}
	signer, err := asSigner(keyAny)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  signer,
		Leaf:        cert,
	}, nil
}

func asSigner(keyAny any) (crypto.Signer, error) {
	switch k := keyAny.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, errors.Errorf("unsupported key type: %T (expected RSA or ECDSA)", keyAny)
	}
}

// LoadCAPoolFromFile reads a PEM bundle of trusted authority CAs.
func LoadCAPoolFromFile(path string) (*x509.CertPool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read CA bundle")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, errors.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
