// Package auth gates the signaling endpoint behind AUTH_MODE=none|api_key.
//
// Credentials are read from the X-API-Key header (preferred) or the apiKey
// query parameter, since browsers cannot set headers on a WebSocket upgrade.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/config"
)

const (
	HeaderAPIKey = "X-API-Key"
	QueryAPIKey  = "apiKey"
)

var ErrMissingCredentials = errors.New("missing credentials")

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest extracts the caller's credential for mode. It returns
// an empty credential for AUTH_MODE=none.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if v := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); v != "" {
			return v, nil
		}
		if v := strings.TrimSpace(r.URL.Query().Get(QueryAPIKey)); v != "" {
			return v, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// Authorizer checks requests against the configured mode.
type Authorizer struct {
	mode     config.AuthMode
	verifier Verifier
}

func NewAuthorizer(cfg config.Config) (Authorizer, error) {
	if cfg.AuthMode == config.AuthModeNone {
		return Authorizer{mode: config.AuthModeNone}, nil
	}
	v, err := NewVerifier(cfg)
	if err != nil {
		return Authorizer{}, err
	}
	return Authorizer{mode: cfg.AuthMode, verifier: v}, nil
}

func (a Authorizer) Authorize(r *http.Request) error {
	if a.mode == "" || a.mode == config.AuthModeNone {
		return nil
	}
	if a.verifier == nil {
		return errors.New("auth verifier not configured")
	}
	cred, err := CredentialFromRequest(a.mode, r)
	if err != nil {
		return err
	}
	return a.verifier.Verify(cred)
}

// IsUnauthorized reports whether err is a credential failure rather than a
// server misconfiguration.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrInvalidCredentials)
}

// UnauthorizedMessage renders err for the client without leaking
// configuration details.
func UnauthorizedMessage(err error) string {
	if err == nil || IsUnauthorized(err) {
		return "unauthorized"
	}
	return "authorization failed"
}
