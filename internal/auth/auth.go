// Package auth identifies API callers by wallet address.
//
// Authentication model:
//   - Callers present "Authorization: Bearer <jwt>" signed with HS256
//   - The token subject is the caller's wallet address
//   - In development without a secret, X-Wallet-Address is trusted instead
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/holdfast/internal/validation"
)

// Errors
var (
	ErrNoToken        = errors.New("bearer token required")
	ErrInvalidToken   = errors.New("invalid or expired token")
	ErrNoSecret       = errors.New("auth secret not configured")
	ErrInvalidSubject = errors.New("token subject is not a wallet address")
)

const (
	// DefaultIssuer is written to and checked against the iss claim.
	DefaultIssuer = "holdfast"

	defaultLeeway = 30 * time.Second
)

// Verifier issues and checks caller tokens.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier for the given HMAC secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(strings.TrimSpace(secret)),
		issuer: DefaultIssuer,
		leeway: defaultLeeway,
		now:    time.Now,
	}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Issue signs a token whose subject is addr.
func (v *Verifier) Issue(addr string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", ErrNoSecret
	}
	if !validation.IsValidAddress(addr) {
		return "", ErrInvalidSubject
	}
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   addr,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify checks the token signature and claims and returns the wallet
// address it names.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if !v.Enabled() {
		return "", ErrNoSecret
	}
	if tokenString == "" {
		return "", ErrNoToken
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithLeeway(v.leeway),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !validation.IsValidAddress(claims.Subject) {
		return "", ErrInvalidSubject
	}
	return claims.Subject, nil
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
