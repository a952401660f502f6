// Package turnrest issues short-lived TURN credentials that coturn accepts
// with use-auth-secret, so call parties never see a long-term TURN password.
//
//	username   = <expiry_unix>:<prefix>:<subject>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/call-relay/internal/config"
)

var ErrInvalidSubject = errors.New("turnrest: subject must be non-empty and must not contain ':'")

// Credentials is one issued username/credential pair.
type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

// Issuer signs TURN usernames with the shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewIssuer(cfg config.TURNRESTConfig, now func() time.Time) (*Issuer, error) {
	if !cfg.Enabled() {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("turnrest: ttl must be >= 1s")
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    now,
	}, nil
}

// Issue signs credentials for subject. An empty subject gets a random one.
func (i *Issuer) Issue(subject string) (Credentials, error) {
	if subject == "" {
		subject = uuid.NewString()
	}
	if strings.Contains(subject, ":") {
		return Credentials{}, ErrInvalidSubject
	}

	// coturn compares against its own clock in whole seconds.
	expires := i.now().UTC().Add(i.ttl).Truncate(time.Second)
	username := strconv.FormatInt(expires.Unix(), 10) + ":" + i.prefix + ":" + subject

	mac := hmac.New(sha1.New, i.secret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiresAt:  expires,
	}, nil
}

// Apply returns a copy of servers with creds set on every TURN entry.
// STUN-only entries pass through untouched.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for idx, s := range servers {
		s.URLs = append([]string(nil), s.URLs...)
		if config.IsTURN(s) {
			s.Username = creds.Username
			s.Credential = creds.Credential
			s.CredentialType = webrtc.ICECredentialTypePassword
		}
		out[idx] = s
	}
	return out
}
