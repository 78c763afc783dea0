package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	josejwt "github.com/go-jose/go-jose/v3/jwt"
)

// ClaimsVerifier validates identity tokens against an upstream provider and
// normalizes the resulting claims. It holds no mutable state, so one instance
// serves all requests concurrently.
type ClaimsVerifier struct {
	provider  IdentityProvider
	timeout   time.Duration
	minLength int
	logger    *slog.Logger
}

// NewClaimsVerifier wires a verifier around provider. A nil provider is
// allowed and makes every verification fail with ProviderUnavailable.
func NewClaimsVerifier(provider IdentityProvider, cfg IdentityConfig, logger *slog.Logger) *ClaimsVerifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	return &ClaimsVerifier{
		provider:  provider,
		timeout:   timeout,
		minLength: cfg.MinTokenLength,
		logger:    logger,
	}
}

type verifyResult struct {
	user ProviderUser
	err  error
}

// Verify checks an identity token and returns normalized claims.
func (v *ClaimsVerifier) Verify(ctx context.Context, identityToken string) Outcome[Claims] {
	if reason := v.precheck(identityToken); reason != "" {
		return Invalid[Claims](ReasonMalformedToken, reason)
	}

	if v.provider == nil {
		return Invalid[Claims](ReasonProviderUnavailable, "Identity provider is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	// Buffered so an abandoned call can still deliver and exit.
	done := make(chan verifyResult, 1)
	go func() {
		user, err := v.provider.VerifyIDToken(ctx, identityToken)
		done <- verifyResult{user: user, err: err}
	}()

	var res verifyResult
	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			v.logger.Warn("identity verification timed out", "provider", v.provider.Name(), "timeout", v.timeout)
			return Invalid[Claims](ReasonVerificationTimeout, "Identity verification timed out")
		}
		return Invalid[Claims](ReasonVerificationFailed, fmt.Sprintf("Invalid identity token: %v", ctx.Err()))
	}

	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) {
			return Invalid[Claims](ReasonVerificationTimeout, "Identity verification timed out")
		}
		v.logger.Info("identity token rejected", "provider", v.provider.Name(), "error", res.err)
		return Invalid[Claims](ReasonVerificationFailed, fmt.Sprintf("Invalid identity token: %v", res.err))
	}

	claims := mapProviderClaims(v.provider.Name(), res.user)
	if claims.SubjectID == "" {
		return Invalid[Claims](ReasonVerificationFailed, "Invalid identity token: subject missing")
	}
	return Valid(claims)
}

// precheck rejects tokens that cannot possibly verify. It returns an empty
// string for tokens worth sending upstream.
func (v *ClaimsVerifier) precheck(token string) string {
	if token == "" {
		return "Identity token is required"
	}
	if len(token) < v.minLength {
		return "Identity token is too short"
	}
	if strings.Count(token, ".") != 2 {
		return "Identity token must have three dot-separated segments"
	}
	if _, err := josejwt.ParseSigned(token); err != nil {
		return "Identity token is not a well-formed JWT"
	}
	return ""
}

// mapProviderClaims translates provider claim names into Claims. Absent
// optional claims become zero values.
func mapProviderClaims(provider string, user ProviderUser) Claims {
	claims := Claims{
		SubjectID: strings.TrimSpace(user.Subject),
		Provider:  provider,
	}
	if claims.SubjectID == "" {
		claims.SubjectID, _ = user.Claims["sub"].(string)
	}
	claims.Email, _ = user.Claims["email"].(string)
	claims.DisplayName, _ = user.Claims["name"].(string)
	claims.PictureURL, _ = user.Claims["picture"].(string)

	switch verified := user.Claims["email_verified"].(type) {
	case bool:
		claims.EmailVerified = verified
	case string:
		claims.EmailVerified = strings.EqualFold(verified, "true")
	}
	return claims
}
