// Package identity validates the bearer tokens issued by the auth service and
// turns them into the identity a realtime connection acts as.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthRejected is returned for a missing, malformed, expired or badly signed token.
var ErrAuthRejected = errors.New("auth rejected")

// UserType is the role carried in the token.
type UserType string

const (
	UserTypeClient UserType = "client"
	UserTypeDriver UserType = "driver"
	UserTypeBoth   UserType = "both"
)

// Valid reports whether t is one of the known user types.
func (t UserType) Valid() bool {
	switch t {
	case UserTypeClient, UserTypeDriver, UserTypeBoth:
		return true
	}
	return false
}

// CanDrive reports whether the user may act as a driver.
func (t UserType) CanDrive() bool {
	return t == UserTypeDriver || t == UserTypeBoth
}

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID      string
	UserType    UserType
	PhoneNumber string
	ExpiresAt   time.Time
}

// Claims is the JWT claim set shared with the REST API bearer tokens.
type Claims struct {
	UserID      string `json:"userId"`
	UserType    string `json:"userType"`
	PhoneNumber string `json:"phoneNumber"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed tokens against the shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a verifier for the given signing secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("identity: signing secret is empty")
	}
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{
				jwt.SigningMethodHS256.Alg(),
				jwt.SigningMethodHS384.Alg(),
				jwt.SigningMethodHS512.Alg(),
			}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify parses and validates a token string.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrAuthRejected)
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrAuthRejected, err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("%w: token is not valid", ErrAuthRejected)
	}

	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: userId claim is empty", ErrAuthRejected)
	}
	userType := UserType(claims.UserType)
	if !userType.Valid() {
		return Identity{}, fmt.Errorf("%w: unknown userType %q", ErrAuthRejected, claims.UserType)
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return Identity{
		UserID:      claims.UserID,
		UserType:    userType,
		PhoneNumber: claims.PhoneNumber,
		ExpiresAt:   expiresAt,
	}, nil
}
