// Package aes implements the symmetric half of the authority credential
// scheme: AES in ECB mode with PKCS#7 (PKCS#5) padding under a random
// 128-bit session key.
package aes

import (
	"bytes"
	aes2 "crypto/aes"
	"crypto/rand"
	"io"

	"github.com/go-faster/errors"
)

// KeySize is the session key length used by the authority protocol.
const KeySize = 16

var ErrInvalidPadding = errors.New("invalid PKCS#7 padding")

// GenerateRandom128BitsKey returns a fresh session key read from r, or from
// crypto/rand when r is nil.
func GenerateRandom128BitsKey(r io.Reader) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "generate session key")
	}
	return key, nil
}

// EncryptECBPKCS7 pads content and encrypts every block independently.
func EncryptECBPKCS7(content, key []byte) ([]byte, error) {
	block, err := aes2.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "NewCipher")
	}
	padded := pkcs7Pad(content, aes2.BlockSize)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes2.BlockSize {
		block.Encrypt(out[i:i+aes2.BlockSize], padded[i:i+aes2.BlockSize])
	}
	return out, nil
}

// DecryptECBPKCS7 reverses EncryptECBPKCS7.
func DecryptECBPKCS7(ciphertext, key []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes2.BlockSize != 0 {
		return nil, errors.Errorf("ciphertext length %d is not a multiple of %d", len(ciphertext), aes2.BlockSize)
	}
	block, err := aes2.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "NewCipher")
	}
	plain := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += aes2.BlockSize {
		block.Decrypt(plain[i:i+aes2.BlockSize], ciphertext[i:i+aes2.BlockSize])
	}
	return pkcs7Unpad(plain, aes2.BlockSize)
}

func pkcs7Pad(src []byte, blockSize int) []byte {
	padLen := blockSize - (len(src) % blockSize)
	out := make([]byte, len(src), len(src)+padLen)
	copy(out, src)
	return append(out, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func pkcs7Unpad(plain []byte, blockSize int) ([]byte, error) {
	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > blockSize || pad > len(plain) {
		return nil, ErrInvalidPadding
	}
	for i := 0; i < pad; i++ {
		if plain[len(plain)-1-i] != byte(pad) {
			return nil, ErrInvalidPadding
		}
	}
	return plain[:len(plain)-pad], nil
}
