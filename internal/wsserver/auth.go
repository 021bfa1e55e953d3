package wsserver

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// AuthResult is the outcome of validating a bearer token or WS auth frame.
type AuthResult struct {
	OK     bool
	Reason string // one of timeout, invalid_token, rate_limited
}

// Authenticator validates the shared bearer token with constant-time
// comparison (spec §4.2, P7) and an optional additive JWT/JWKS layer, plus
// per-address rate limiting on consecutive failures (spec §4.2, P8).
type Authenticator struct {
	token  string
	noAuth bool

	jwks     *keyfunc.Keyfunc
	issuer   string
	audience string

	mu       sync.Mutex
	failures map[string]*failureRecord
}

type failureRecord struct {
	count      int
	blockUntil time.Time
	lastSeen   time.Time
}

const (
	rateLimitWindow    = 5 * time.Minute
	rateLimitThreshold = 5
	rateLimitMaxBlock  = 60 * time.Second
	pruneInterval      = time.Minute
)

// NewAuthenticator constructs an Authenticator. jwksURL may be empty to
// disable the additive JWT layer (spec SPEC_FULL.md §11 "Domain Stack").
func NewAuthenticator(ctx context.Context, token string, noAuth bool, jwksURL, issuer, audience string) (*Authenticator, error) {
	a := &Authenticator{
		token:    token,
		noAuth:   noAuth,
		issuer:   issuer,
		audience: audience,
		failures: make(map[string]*failureRecord),
	}
	if jwksURL != "" {
		k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
		if err != nil {
			return nil, fmt.Errorf("load JWKS from %s: %w", jwksURL, err)
		}
		a.jwks = k
	}
	go a.pruneLoop(ctx)
	return a, nil
}

func (a *Authenticator) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.prune()
		}
	}
}

func (a *Authenticator) prune() {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := time.Now().Add(-rateLimitWindow)
	for addr, rec := range a.failures {
		if rec.lastSeen.Before(cutoff) {
			delete(a.failures, addr)
		}
	}
}

// Blocked reports whether addr is currently within its rate-limit block
// window (spec §4.2 "Rate limiting", P8).
func (a *Authenticator) Blocked(addr string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.failures[addr]
	if !ok {
		return false
	}
	return time.Now().Before(rec.blockUntil)
}

// RecordFailure increments addr's consecutive-failure counter. From the
// rateLimitThreshold-th failure on, it sets a new block window of
// min(60s, 1s * 2^(n-1)).
func (a *Authenticator) RecordFailure(addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.failures[addr]
	if !ok {
		rec = &failureRecord{}
		a.failures[addr] = rec
	}
	rec.count++
	rec.lastSeen = time.Now()
	if rec.count < rateLimitThreshold {
		return
	}
	block := time.Duration(1) << uint(rec.count-1) * time.Second
	if block > rateLimitMaxBlock {
		block = rateLimitMaxBlock
	}
	rec.blockUntil = time.Now().Add(block)
}

// ClearFailures resets addr's counter on successful auth.
func (a *Authenticator) ClearFailures(addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.failures, addr)
}

// ValidateToken compares presented against the configured shared secret in
// constant time regardless of length or matching-prefix length (spec P7).
// A JWT bearer ("eyJ..." with two dots) is additionally accepted and
// validated against the JWKS endpoint when configured, as an additive
// authentication path alongside — never instead of — the shared secret.
func (a *Authenticator) ValidateToken(presented string) bool {
	if a.noAuth {
		return true
	}
	if constantTimeEqual(presented, a.token) {
		return true
	}
	if a.jwks != nil && looksLikeJWT(presented) {
		return a.validateJWT(presented) == nil
	}
	return false
}

func looksLikeJWT(s string) bool { return strings.Count(s, ".") == 2 }

func (a *Authenticator) validateJWT(raw string) error {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "ES256"})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	token, err := jwt.Parse(raw, a.jwks.Keyfunc, opts...)
	if err != nil {
		return fmt.Errorf("parse JWT: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid JWT")
	}
	return nil
}

// constantTimeEqual compares a and b without leaking length via timing
// (spec P7): both are padded to the longer of the two lengths before the
// subtle.ConstantTimeCompare call, and the result is AND-ed with an
// explicit length-equality check computed in constant time.
func constantTimeEqual(a, b string) bool {
	lenEq := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))

	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	paddedA := make([]byte, maxLen)
	paddedB := make([]byte, maxLen)
	copy(paddedA, a)
	copy(paddedB, b)

	cmp := subtle.ConstantTimeCompare(paddedA, paddedB)
	return lenEq&cmp == 1
}

// BearerTokenFromRequest extracts the token from an Authorization header
// for the bearer-authenticated HTTP endpoints (/version, /permission,
// /drain).
func BearerTokenFromRequest(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}
