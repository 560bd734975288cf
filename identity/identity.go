// Package identity validates inbound bearer tokens and derives the
// RequestContext the core's boundary consumes from the surrounding CRUD
// layer, per spec.md §6.
package identity

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"oss.nandlabs.io/hookforge/apperrors"
)

// ExpectedAudience is the single audience value accepted on inbound tokens.
const ExpectedAudience = "authenticated"

// ErrInvalidToken indicates a bearer token failed signature, expiry, or
// audience validation.
var ErrInvalidToken = errors.New("identity: invalid token")

// Claims is the subset of a validated JWT this core consumes.
type Claims struct {
	jwt.RegisteredClaims
	Email          string         `json:"email"`
	Role           string         `json:"role"`
	AppMetadata    map[string]any `json:"app_metadata"`
	UserMetadata   map[string]any `json:"user_metadata"`
}

// RequestContext is the identity boundary exposed to the rest of the
// core: an id, email, and a derived display name.
type RequestContext struct {
	RequestID string
	UserID    string
	Email     string
	Role      string
	Name      string
}

// Validator validates HS256 JWTs signed with a shared secret.
type Validator struct {
	secret []byte
}

// NewValidator constructs a Validator for the given HMAC secret.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// Validate parses and verifies tokenString, returning the derived
// RequestContext on success.
func (v *Validator) Validate(tokenString, requestID string) (*RequestContext, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.Wrap(apperrors.ClassValidation, "unexpected signing method", nil)
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperrors.Wrap(apperrors.ClassValidation, "token validation failed", ErrInvalidToken)
	}

	if !hasAudience(claims.Audience, ExpectedAudience) {
		return nil, apperrors.Wrap(apperrors.ClassValidation, "unexpected audience", ErrInvalidToken)
	}

	return &RequestContext{
		RequestID: requestID,
		UserID:    claims.Subject,
		Email:     claims.Email,
		Role:      claims.Role,
		Name:      deriveName(claims),
	}, nil
}

func hasAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

// deriveName implements the fallback chain from spec.md §6:
// user_metadata.name | full_name | display_name, then the email's local
// part, then the subject id.
func deriveName(c *Claims) string {
	for _, key := range []string{"name", "full_name", "display_name"} {
		if v, ok := c.UserMetadata[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	if c.Email != "" {
		if i := strings.IndexByte(c.Email, '@'); i > 0 {
			return c.Email[:i]
		}
	}
	return c.Subject
}
