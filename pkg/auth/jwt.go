// Package auth verifies bearer tokens issued by the identity service and
// turns them into principals. Issuing tokens is not this service's job.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Role of the authenticated user.
type Role string

const (
	RoleRider  Role = "RIDER"
	RoleDriver Role = "DRIVER"
	RoleAdmin  Role = "ADMIN"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Principal is whoever is behind a request or socket.
type Principal struct {
	UserID   string
	Role     Role
	DriverID string
	// Verified is true when the identity came from a checked token rather
	// than from trusted development headers.
	Verified bool
}

// ID is the identity used for channel addressing: the driver profile id for
// drivers, the user id otherwise.
func (p Principal) ID() string {
	if p.Role == RoleDriver && p.DriverID != "" {
		return p.DriverID
	}
	return p.UserID
}

// IsDriver reports whether the principal acts as a driver.
func (p Principal) IsDriver() bool {
	return p.Role == RoleDriver && p.DriverID != ""
}

// Claims carried by access tokens.
type Claims struct {
	Role     Role   `json:"role"`
	DriverID string `json:"driver_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a verifier for tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses a raw token, with or without the "Bearer " prefix.
func (v *Verifier) Verify(raw string) (Principal, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return Principal{}, ErrMissingToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}

	return Principal{
		UserID:   claims.Subject,
		Role:     claims.Role,
		DriverID: claims.DriverID,
		Verified: true,
	}, nil
}
