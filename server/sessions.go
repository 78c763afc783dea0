package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var supportedSessionAlgs = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// SessionClaims is the JWT payload of a session token.
type SessionClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// SessionService issues and validates HMAC signed session tokens. The secret
// is process wide, so tokens are verifiable without any lookup.
type SessionService struct {
	secret     []byte
	method     jwt.SigningMethod
	issuer     string
	defaultTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// SessionOption customizes a SessionService.
type SessionOption func(*SessionService)

// WithClock replaces the time source used for issuance and expiry checks.
func WithClock(now func() time.Time) SessionOption {
	return func(s *SessionService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSessionService constructs a SessionService from session configuration.
func NewSessionService(cfg SessionConfig, logger *slog.Logger, opts ...SessionOption) (*SessionService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("session secret required")
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = DefaultSessionAlg
	}
	method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported session algorithm %q", alg)
	}
	ttl := time.Duration(cfg.TTLHours) * time.Hour
	if ttl <= 0 {
		ttl = DefaultSessionTTLHours * time.Hour
	}

	s := &SessionService{
		secret:     []byte(cfg.Secret),
		method:     method,
		issuer:     cfg.Issuer,
		defaultTTL: ttl,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue mints a session token for verified claims. A non-positive ttl uses the
// configured default.
func (s *SessionService) Issue(claims Claims, ttl time.Duration) (SessionToken, error) {
	if claims.SubjectID == "" {
		return SessionToken{}, errors.New("cannot issue session without subject")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	// JWT NumericDate has second precision; truncate so the returned times
	// match what a validator reads back.
	issuedAt := s.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)

	payload := SessionClaims{
		Email: claims.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   claims.SubjectID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(s.method, payload).SignedString(s.secret)
	if err != nil {
		return SessionToken{}, fmt.Errorf("sign session: %w", err)
	}

	return SessionToken{
		Token:     token,
		SubjectID: claims.SubjectID,
		Email:     claims.Email,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// Validate checks signature and expiry of a session token and returns the
// claims embedded at issuance.
func (s *SessionService) Validate(token string) Outcome[Claims] {
	if token == "" {
		return Invalid[Claims](ReasonInvalidSignature, "missing session token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	parsed := &SessionClaims{}
	_, err := jwt.ParseWithClaims(token, parsed, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		// The parser verifies the signature before the time claims, so an
		// expiry error implies the signature was good.
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Invalid[Claims](ReasonExpired, "Token has expired")
		}
		s.logger.Debug("session token rejected", "error", err)
		return Invalid[Claims](ReasonInvalidSignature, "Invalid authentication credentials")
	}

	if parsed.Subject == "" {
		return Invalid[Claims](ReasonMissingSubject, "Invalid authentication credentials")
	}

	return Valid(Claims{
		SubjectID: parsed.Subject,
		Email:     parsed.Email,
	})
}

// DefaultTTL returns the lifetime applied when Issue gets no explicit ttl.
func (s *SessionService) DefaultTTL() time.Duration {
	return s.defaultTTL
}
