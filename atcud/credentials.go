package atcud

import (
	"context"
	"os"
	"strings"
)

// Credentials are the authority portal username ("NIF/sub-user") and
// password. They are only held for the duration of one registration.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) complete() bool {
	return c.Username != "" && c.Password != ""
}

// CredentialsProvider resolves the credentials of a legal entity. ok is false
// when the provider has nothing for it.
type CredentialsProvider interface {
	Credentials(ctx context.Context, legalEntity string) (creds Credentials, ok bool, err error)
}

// EntityCredentials maps legal entity identifiers to their own credentials.
type EntityCredentials map[string]Credentials

func (m EntityCredentials) Credentials(_ context.Context, legalEntity string) (Credentials, bool, error) {
	c, ok := m[legalEntity]
	return c, ok && c.complete(), nil
}

// StaticCredentials are used for every legal entity.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials(context.Context, string) (Credentials, bool, error) {
	c := Credentials(s)
	return c, c.complete(), nil
}

// EnvCredentials reads <Prefix>_USERNAME and <Prefix>_PASSWORD, first with
// the legal entity appended (<Prefix>_<ENTITY>_USERNAME) and then without.
type EnvCredentials struct {
	Prefix string
}

func (e EnvCredentials) Credentials(_ context.Context, legalEntity string) (Credentials, bool, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "ATCUD_AT"
	}
	if legalEntity != "" {
		c := Credentials{
			Username: os.Getenv(prefix + "_" + strings.ToUpper(legalEntity) + "_USERNAME"),
			Password: os.Getenv(prefix + "_" + strings.ToUpper(legalEntity) + "_PASSWORD"),
		}
		if c.complete() {
			return c, true, nil
		}
	}
	c := Credentials{Username: os.Getenv(prefix + "_USERNAME"), Password: os.Getenv(prefix + "_PASSWORD")}
	return c, c.complete(), nil
}

// CredentialsChain queries providers in order; the first match wins.
type CredentialsChain []CredentialsProvider

func (c CredentialsChain) Credentials(ctx context.Context, legalEntity string) (Credentials, bool, error) {
	for _, p := range c {
		if p == nil {
			continue
		}
		creds, ok, err := p.Credentials(ctx, legalEntity)
		if err != nil {
			return Credentials{}, false, err
		}
		if ok {
			return creds, true, nil
		}
	}
	return Credentials{}, false, nil
}

func resolveCredentials(ctx context.Context, override *Credentials, chain CredentialsChain, legalEntity string) (Credentials, error) {
	if override != nil && override.complete() {
		return *override, nil
	}
	creds, ok, err := chain.Credentials(ctx, legalEntity)
	if err != nil {
		return Credentials{}, err
	}
	if !ok {
		return Credentials{}, ErrCredentialsNotConfigured
	}
	return creds, nil
}
