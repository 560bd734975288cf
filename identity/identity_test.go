package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return signed
}

func baseClaims() *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{ExpectedAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Email: "jane.doe@example.com",
		Role:  "authenticated",
	}
}

func TestValidate_AcceptsWellFormedToken(t *testing.T) {
	secret := "shared-secret"
	claims := baseClaims()
	signed := signToken(t, secret, claims)

	v := NewValidator(secret)
	ctx, err := v.Validate(signed, "req-1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ctx.UserID != "user-1" {
		t.Errorf("UserID = %s, want user-1", ctx.UserID)
	}
	if ctx.RequestID != "req-1" {
		t.Errorf("RequestID = %s, want req-1", ctx.RequestID)
	}
	if ctx.Name != "jane.doe" {
		t.Errorf("Name = %s, want jane.doe (email-local-part fallback)", ctx.Name)
	}
}

func TestValidate_RejectsWrongSecret(t *testing.T) {
	claims := baseClaims()
	signed := signToken(t, "secret-a", claims)

	v := NewValidator("secret-b")
	if _, err := v.Validate(signed, "req-1"); err == nil {
		t.Fatal("expected validation error for mismatched signing secret")
	}
}

func TestValidate_RejectsWrongAudience(t *testing.T) {
	secret := "shared-secret"
	claims := baseClaims()
	claims.Audience = jwt.ClaimStrings{"some-other-audience"}
	signed := signToken(t, secret, claims)

	v := NewValidator(secret)
	if _, err := v.Validate(signed, "req-1"); err == nil {
		t.Fatal("expected validation error for wrong audience")
	}
}

func TestValidate_RejectsExpiredToken(t *testing.T) {
	secret := "shared-secret"
	claims := baseClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	signed := signToken(t, secret, claims)

	v := NewValidator(secret)
	if _, err := v.Validate(signed, "req-1"); err == nil {
		t.Fatal("expected validation error for expired token")
	}
}

func TestDeriveName_PrefersUserMetadataNameOverEmail(t *testing.T) {
	claims := baseClaims()
	claims.UserMetadata = map[string]any{"name": "Jane Doe"}
	if got := deriveName(claims); got != "Jane Doe" {
		t.Errorf("deriveName = %s, want Jane Doe", got)
	}
}

func TestDeriveName_FallsBackToFullNameThenDisplayName(t *testing.T) {
	claims := baseClaims()
	claims.UserMetadata = map[string]any{"full_name": "J. Doe"}
	if got := deriveName(claims); got != "J. Doe" {
		t.Errorf("deriveName = %s, want J. Doe", got)
	}

	claims.UserMetadata = map[string]any{"display_name": "jdoe"}
	if got := deriveName(claims); got != "jdoe" {
		t.Errorf("deriveName = %s, want jdoe", got)
	}
}

func TestDeriveName_FallsBackToSubjectWhenNoEmail(t *testing.T) {
	claims := baseClaims()
	claims.Email = ""
	claims.Subject = "user-42"
	if got := deriveName(claims); got != "user-42" {
		t.Errorf("deriveName = %s, want user-42", got)
	}
}
