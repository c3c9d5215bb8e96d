// Package atcud issues ATCUD codes for Portuguese fiscal documents and
// registers numbering series with the tax authority (AT) series web service.
package atcud

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "atcud")

var (
	ErrCredentialsNotConfigured  = errors.New("authority credentials not configured")
	ErrCertificatesNotConfigured = errors.New("client certificate or authority public key not configured")
	ErrTLSNotPinned              = errors.New("http client is not using the pinned TLS 1.2 configuration")
	ErrInsecureEndpoint          = errors.New("authority endpoint must use https")
	ErrSeriesNotCommunicated     = errors.New("series has no validation code")
	ErrInvalidCode               = errors.New("invalid ATCUD code")
	ErrTemporaryCode             = errors.New("temporary ATCUD code is not fiscally valid")
	ErrSeriesNotRegistrable      = errors.New("document type has no authority series class")
	ErrUnexpectedResponse        = errors.New("unrecognized authority response")
)

// AuthorityError is an application level rejection. Code and Message are the
// authority values, verbatim.
type AuthorityError struct {
	Operation string
	Code      string
	Message   string
}

func (e *AuthorityError) Error() string {
	return fmt.Sprintf("authority rejected %s: %s: %s", e.Operation, e.Code, e.Message)
}

// TransportError is returned after every attempt failed on the network.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("authority unreachable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Environment int

const (
	Test Environment = iota
	Prod
)

// BaseURL is the SeriesWSService endpoint of the environment.
func (e Environment) BaseURL() string {
	switch e {
	case Prod:
		return "https://servicos.portaldasfinancas.gov.pt:422/SeriesWSService"
	case Test:
		return "https://servicos.portaldasfinancas.gov.pt:722/SeriesWSService"
	}
	panic("Invalid environment")
}

func (e Environment) Name() string {
	switch e {
	case Prod:
		return "prod"
	case Test:
		return "test"
	}
	panic("Invalid environment")
}

func (e *Environment) UnmarshalText(text []byte) error {
	val := strings.ToLower(strings.TrimSpace(string(text)))

	switch val {
	case "prod":
		*e = Prod
	case "test", "":
		*e = Test
	default:
		return errors.Errorf("invalid environment: %q (allowed: prod, test)", val)
	}
	return nil
}
