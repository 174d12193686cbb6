package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/calderaops/caldera/internal/idp/kratos"
)

var errInvalidCredentials = errors.New("server: invalid credentials")

// IdentityProvider verifies credentials and yields the external auth
// subject. It never yields tenant or role; those come from derivation.
type IdentityProvider interface {
	Authenticate(ctx context.Context, identifier string, password string) (subject string, err error)
}

type kratosIdentityProvider struct {
	client *kratos.Client
}

func newKratosIdentityProvider(publicBaseURL string) (IdentityProvider, error) {
	c, err := kratos.New(publicBaseURL)
	if err != nil {
		return nil, err
	}
	return &kratosIdentityProvider{client: c}, nil
}

func (p *kratosIdentityProvider) Authenticate(ctx context.Context, identifier string, password string) (string, error) {
	ident, err := p.client.LoginPassword(ctx, identifier, password)
	if err != nil {
		var httpErr *kratos.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < http.StatusInternalServerError {
			return "", errInvalidCredentials
		}
		return "", err
	}
	return ident.ID, nil
}

// memoryIdentityProvider backs tests and store-less runs.
type memoryIdentityProvider struct {
	// identifier -> password, identifier -> subject
	passwords map[string]string
	subjects  map[string]string
}

func newMemoryIdentityProvider() *memoryIdentityProvider {
	return &memoryIdentityProvider{
		passwords: map[string]string{},
		subjects:  map[string]string{},
	}
}

func (p *memoryIdentityProvider) add(identifier string, password string, subject string) {
	p.passwords[identifier] = password
	p.subjects[identifier] = subject
}

func (p *memoryIdentityProvider) Authenticate(_ context.Context, identifier string, password string) (string, error) {
	want, ok := p.passwords[identifier]
	if !ok || want == "" || want != password {
		return "", errInvalidCredentials
	}
	return p.subjects[identifier], nil
}
