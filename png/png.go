// Package png renders QR payloads as PNG images.
package png

import (
	"github.com/go-faster/errors"
	"github.com/skip2/go-qrcode"
)

// DefaultSize is the image side in pixels.
const DefaultSize = 300

// Qr renders content at DefaultSize with error correction level M.
func Qr(content string) ([]byte, error) {
	return Render(content, DefaultSize)
}

// Render renders content as a size x size PNG with error correction level M.
func Render(content string, size int) ([]byte, error) {
	if content == "" {
		return nil, errors.New("empty QR content")
	}
	if size <= 0 {
		size = DefaultSize
	}
	b, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return nil, errors.Wrap(err, "encode QR")
	}
	return b, nil
}

// WriteFile renders content and writes it to path.
func WriteFile(content string, size int, path string) error {
	if content == "" {
		return errors.New("empty QR content")
	}
	if size <= 0 {
		size = DefaultSize
	}
	if err := qrcode.WriteFile(content, qrcode.Medium, size, path); err != nil {
		return errors.Wrap(err, "write QR")
	}
	return nil
}
