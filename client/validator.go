// Package client talks to an idgate server and lets downstream Go services
// validate idgate session tokens without a network round trip.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validation errors.
var (
	ErrTokenRequired = errors.New("token required")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenInvalid  = errors.New("token invalid")
)

// ValidatorConfig configures the token validator. Secret and Algorithm must
// match the issuing server's session settings.
type ValidatorConfig struct {
	Secret    string
	Algorithm string
	Issuer    string
	Leeway    time.Duration
}

// Validator verifies idgate session tokens locally.
type Validator struct {
	secret []byte
	parser *jwt.Parser
}

// Claims is a simplified view of validated session claims.
type Claims struct {
	Subject   string
	Email     string
	TokenID   string
	Issuer    string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

type sessionClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// NewValidator creates a validator. It fails on an empty secret or a non HMAC
// algorithm.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("validator: secret required")
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	if _, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("validator: unsupported algorithm %q", alg)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Validator{secret: []byte(cfg.Secret), parser: jwt.NewParser(opts...)}, nil
}

// Validate checks signature and expiry of rawToken.
func (v *Validator) Validate(rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, ErrTokenRequired
	}

	parsed := &sessionClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, parsed, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if parsed.Subject == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	}

	c := &Claims{
		Subject: parsed.Subject,
		Email:   parsed.Email,
		TokenID: parsed.ID,
		Issuer:  parsed.Issuer,
	}
	if parsed.ExpiresAt != nil {
		c.ExpiresAt = parsed.ExpiresAt.Time
	}
	if parsed.IssuedAt != nil {
		c.IssuedAt = parsed.IssuedAt.Time
	}
	return c, nil
}

// RequireAuth middleware validates tokens and injects claims into context.
func RequireAuth(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				unauthorized(w, "Not authenticated")
				return
			}

			claims, err := v.Validate(strings.TrimSpace(token))
			switch {
			case errors.Is(err, ErrTokenExpired):
				unauthorized(w, "Token has expired")
				return
			case err != nil:
				unauthorized(w, "Invalid authentication credentials")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"message": message,
		"data":    nil,
	})
}
