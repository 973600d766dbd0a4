// Package token defines App Check tokens and the closed set of errors
// returned while acquiring them.
//
// A Token is the federated output of an attestation exchange: an opaque
// credential plus the time at which the client must stop using it. The
// expiry is always stored with SkewMargin already subtracted from the
// server-reported value, so validity checks compare against it directly.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SkewMargin is subtracted from every server-reported expiry before a token
// is handed out, compensating for clock drift between client and backend.
const SkewMargin = 60 * time.Second

// skewMillis is SkewMargin in milliseconds.
const skewMillis = int64(SkewMargin / time.Millisecond)

// Common errors returned by the token helpers.
var (
	ErrEmptyToken = errors.New("empty token")
	ErrNoExpiry   = errors.New("token has no exp claim")
)

// Token is an immutable App Check token.
type Token struct {
	value        string
	expireMillis int64
}

// New creates a token from a successful exchange. serverExpireMillis is the
// expiry reported by the backend in milliseconds since the epoch; the stored
// expiry is exactly serverExpireMillis - 60000.
func New(value string, serverExpireMillis int64) Token {
	return Token{
		value:        value,
		expireMillis: serverExpireMillis - skewMillis,
	}
}

// NewWithTTL creates a token from an exchange response that reports a
// time-to-live instead of an absolute expiry.
func NewWithTTL(value string, issuedAt time.Time, ttl time.Duration) Token {
	return New(value, issuedAt.Add(ttl).UnixMilli())
}

// Restore rebuilds a token whose expiry was already skew-adjusted, e.g. one
// read back from a persistent store. The expiry is used unchanged.
func Restore(value string, expireMillis int64) Token {
	return Token{value: value, expireMillis: expireMillis}
}

// Value returns the opaque credential.
func (t Token) Value() string {
	return t.value
}

// ExpireTimeMillis returns the locally treated expiry in milliseconds since
// the epoch.
func (t Token) ExpireTimeMillis() int64 {
	return t.expireMillis
}

// ExpireTime returns the locally treated expiry.
func (t Token) ExpireTime() time.Time {
	return time.UnixMilli(t.expireMillis)
}

// IsZero reports whether t holds no credential.
func (t Token) IsZero() bool {
	return t.value == ""
}

// IsValidAt reports whether the token is present and nowMillis is strictly
// before its expiry.
func (t Token) IsValidAt(nowMillis int64) bool {
	return !t.IsZero() && nowMillis < t.expireMillis
}

// IsValid is IsValidAt for a wall-clock time.
func (t Token) IsValid(now time.Time) bool {
	return t.IsValidAt(now.UnixMilli())
}

// String returns a redacted form suitable for logs.
func (t Token) String() string {
	if t.IsZero() {
		return "Token(<empty>)"
	}
	return fmt.Sprintf("Token(%s…, exp=%s)", prefix(t.value, 8), t.ExpireTime().UTC().Format(time.RFC3339))
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ServerExpiryFromJWT returns the exp claim of an App Check token in
// milliseconds since the epoch. The signature is not verified; App Check
// tokens are verified by the backend that consumes them.
func ServerExpiryFromJWT(value string) (int64, error) {
	if value == "" {
		return 0, ErrEmptyToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err != nil {
		return 0, fmt.Errorf("failed to parse token claims: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return 0, fmt.Errorf("failed to read exp claim: %w", err)
	}
	if exp == nil {
		return 0, ErrNoExpiry
	}

	return exp.UnixMilli(), nil
}

// FromJWT creates a token whose server expiry is taken from its exp claim.
func FromJWT(value string) (Token, error) {
	exp, err := ServerExpiryFromJWT(value)
	if err != nil {
		return Token{}, err
	}
	return New(value, exp), nil
}
