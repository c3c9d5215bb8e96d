package atcud

import (
	"encoding/base64"
	"io"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"

	"github.com/alapierre/go-atcud/atcud/aes"
	"github.com/alapierre/go-atcud/atcud/model"
	"github.com/alapierre/go-atcud/atcud/rsa"
)

// CreatedLayout is the millisecond UTC timestamp encrypted into Created.
const CreatedLayout = "2006-01-02T15:04:05.000Z"

// Encryptor builds the WS-Security token: a fresh session key encrypts the
// password and the timestamp (AES-ECB, PKCS#5), the authority public key
// encrypts the session key (RSA PKCS#1 v1.5).
type Encryptor struct {
	pub    *rsa.PublicKey
	random io.Reader
	clock  clockwork.Clock
}

// NewEncryptor uses crypto/rand when random is nil and the real clock when
// clock is nil.
func NewEncryptor(pub *rsa.PublicKey, random io.Reader, clock clockwork.Clock) *Encryptor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Encryptor{pub: pub, random: random, clock: clock}
}

func (e *Encryptor) Encrypt(c Credentials) (model.SecurityToken, error) {
	if e.pub == nil || e.pub.Key == nil {
		return model.SecurityToken{}, ErrCertificatesNotConfigured
	}
	key, err := aes.GenerateRandom128BitsKey(e.random)
	if err != nil {
		return model.SecurityToken{}, err
	}

	password, err := aes.EncryptECBPKCS7([]byte(c.Password), key)
	if err != nil {
		return model.SecurityToken{}, errors.Wrap(err, "encrypt password")
	}
	created, err := aes.EncryptECBPKCS7([]byte(e.clock.Now().UTC().Format(CreatedLayout)), key)
	if err != nil {
		return model.SecurityToken{}, errors.Wrap(err, "encrypt timestamp")
	}
	nonce, err := e.pub.EncryptPKCS1v15(e.random, key)
	if err != nil {
		return model.SecurityToken{}, errors.Wrap(err, "encrypt nonce")
	}

	enc := base64.StdEncoding
	return model.SecurityToken{
		Username: c.Username,
		Password: enc.EncodeToString(password),
		Nonce:    enc.EncodeToString(nonce),
		Created:  enc.EncodeToString(created),
	}, nil
}
