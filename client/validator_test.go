package client

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "downstream-shared-secret"

func signSession(t *testing.T, secret string, claims sessionClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func validClaims(exp time.Time) sessionClaims {
	return sessionClaims{
		Email: "a@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-1",
			Issuer:    "idgate",
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(ValidatorConfig{Secret: testSecret, Issuer: "idgate"})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestValidatorAcceptsSessionToken(t *testing.T) {
	v := newTestValidator(t)
	tok := signSession(t, testSecret, validClaims(time.Now().Add(time.Hour)))

	claims, err := v.Validate(tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "a@example.com" || claims.TokenID != "jti-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestValidatorRejectsExpired(t *testing.T) {
	v := newTestValidator(t)
	tok := signSession(t, testSecret, validClaims(time.Now().Add(-time.Hour)))

	if _, err := v.Validate(tok); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestValidatorRejectsForeignSecret(t *testing.T) {
	v := newTestValidator(t)
	tok := signSession(t, "some-other-secret", validClaims(time.Now().Add(time.Hour)))

	if _, err := v.Validate(tok); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestValidatorRejectsMissingSubject(t *testing.T) {
	v := newTestValidator(t)
	c := validClaims(time.Now().Add(time.Hour))
	c.Subject = ""
	tok := signSession(t, testSecret, c)

	if _, err := v.Validate(tok); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestNewValidatorRejectsAsymmetricAlgorithm(t *testing.T) {
	if _, err := NewValidator(ValidatorConfig{Secret: testSecret, Algorithm: "RS256"}); err == nil {
		t.Fatalf("expected error for RS256")
	}
	if _, err := NewValidator(ValidatorConfig{}); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestRequireAuth(t *testing.T) {
	v := newTestValidator(t)
	var gotSubject string
	h := RequireAuth(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			t.Fatalf("claims missing from context")
		}
		gotSubject = claims.Subject
	}))

	tok := signSession(t, testSecret, validClaims(time.Now().Add(time.Hour)))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotSubject != "user-1" {
		t.Fatalf("subject = %q", gotSubject)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}
