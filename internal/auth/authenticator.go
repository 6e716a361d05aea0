// Package auth verifies user credentials and issues short-lived bearer tokens.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = 5 * time.Minute

// ErrInvalidCredentials is returned for an unknown user and for a wrong
// password alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Authenticator checks credentials and tracks issued tokens. Expired tokens
// are purged lazily on every Validate call instead of by a timer.
type Authenticator struct {
	users Credentials
	// Items never expire on their own; the value is the issue time and
	// Purge decides against the injected clock.
	tokens *cache.Cache
	ttl    time.Duration
	now    func() time.Time
	log    *zap.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithTokenTTL overrides DefaultTokenTTL.
func WithTokenTTL(ttl time.Duration) Option {
	return func(a *Authenticator) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.now = now
	}
}

// New creates an Authenticator over users. The map is copied.
func New(users Credentials, log *zap.Logger, opts ...Option) *Authenticator {
	copied := make(Credentials, len(users))
	for u, s := range users {
		copied[u] = s
	}
	a := &Authenticator{
		users:  copied,
		tokens: cache.New(cache.NoExpiration, 0),
		ttl:    DefaultTokenTTL,
		now:    time.Now,
		log:    log.Named("auth"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Verify reports whether proof matches the stored secret of username without
// issuing a token.
func (a *Authenticator) Verify(username, proof string) bool {
	if username == "" || proof == "" {
		return false
	}
	secret, ok := a.users[username]
	if !ok {
		return false
	}
	return checkPassword(secret, proof)
}

// Authenticate verifies the credentials and returns a fresh token.
func (a *Authenticator) Authenticate(username, proof string) (string, error) {
	if !a.Verify(username, proof) {
		a.log.Info("Authentication failed", zap.String("username", username))
		return "", ErrInvalidCredentials
	}
	token := uuid.New().String()
	a.tokens.Set(token, a.now(), cache.NoExpiration)
	a.log.Debug("Issued token", zap.String("username", username))
	return token, nil
}

// Validate reports whether token was issued and has not expired.
func (a *Authenticator) Validate(token string) bool {
	a.Purge()
	if token == "" {
		return false
	}
	_, ok := a.tokens.Get(token)
	return ok
}

// Revoke invalidates token immediately.
func (a *Authenticator) Revoke(token string) {
	a.tokens.Delete(token)
}

// Len returns the number of tokens currently held, expired or not.
func (a *Authenticator) Len() int {
	return a.tokens.ItemCount()
}

// Purge drops every expired token and returns how many were dropped.
// Validate purges on each call; the periodic purge bounds memory between
// validations.
func (a *Authenticator) Purge() int {
	now := a.now()
	n := 0
	for token, item := range a.tokens.Items() {
		issued, ok := item.Object.(time.Time)
		if !ok || now.Sub(issued) >= a.ttl {
			a.tokens.Delete(token)
			n++
		}
	}
	return n
}

// checkPassword compares a stored secret with a client proof. Transponders
// send a bcrypt hash of the password, which is checked against a clear stored
// secret. If the stored secret is itself a hash, the proof is the clear password.
func checkPassword(secret, proof string) bool {
	if isBcryptHash(secret) {
		return bcrypt.CompareHashAndPassword([]byte(secret), []byte(proof)) == nil
	}
	if !isBcryptHash(proof) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(proof), []byte(secret)) == nil
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}
