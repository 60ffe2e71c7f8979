// Package credstore holds the access/refresh credential pair used by the API
// client. The Store interface is the narrow surface the client core consumes;
// Memory and File are the two implementations.
package credstore

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrHalfPair is returned by Set when exactly one token of the pair is empty.
var ErrHalfPair = errors.New("credstore: access and refresh tokens must both be present or both absent")

// expiryLeeway treats a token as expired slightly before its exp claim so a
// request does not leave with a credential that dies in transit.
const expiryLeeway = 10 * time.Second

// Pair is an access/refresh credential pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
}

// Empty reports whether the pair holds no credentials.
func (p Pair) Empty() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

func (p Pair) validate() error {
	if (p.AccessToken == "") != (p.RefreshToken == "") {
		return ErrHalfPair
	}

	return nil
}

// Store is consumed by the API client. Implementations must make Set and
// Clear atomic with respect to Get: a reader sees either the old pair or the
// new one, never a mix.
type Store interface {
	Get() (Pair, bool)
	Set(p Pair) error
	Clear() error
	IsExpired(token string) bool
}

// TokenExpired reports whether token is a JWT whose exp claim is at or before
// now (minus a small leeway). Opaque tokens and JWTs without exp are never
// considered expired; the server is the authority for those.
func TokenExpired(token string, now time.Time) bool {
	exp, ok := tokenExpiry(token)
	if !ok {
		return false
	}

	return !now.Add(expiryLeeway).Before(exp)
}

// tokenExpiry extracts the exp claim without verifying the signature. The
// client never holds the signing key; it only needs the advertised lifetime.
func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}

	return exp.Time, true
}

// Memory is an in-process Store. The zero value is empty and ready to use.
type Memory struct {
	mu   sync.RWMutex
	pair Pair

	// now is overridable for expiry tests.
	now func() time.Time
}

// NewMemory returns a Memory store seeded with p (which may be empty).
func NewMemory(p Pair) (*Memory, error) {
	m := &Memory{}
	if err := m.Set(p); err != nil {
		return nil, err
	}

	return m, nil
}

// Get returns the current pair and whether one is present.
func (m *Memory) Get() (Pair, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.pair, !m.pair.Empty()
}

// Set replaces the pair.
func (m *Memory) Set(p Pair) error {
	if err := p.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.pair = p
	m.mu.Unlock()

	return nil
}

// Clear removes the pair.
func (m *Memory) Clear() error {
	m.mu.Lock()
	m.pair = Pair{}
	m.mu.Unlock()

	return nil
}

// IsExpired reports whether token has passed its exp claim.
func (m *Memory) IsExpired(token string) bool {
	now := time.Now
	if m.now != nil {
		now = m.now
	}

	return TokenExpired(token, now())
}
