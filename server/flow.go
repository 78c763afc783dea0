package server

import (
	"context"
	"errors"
	"log/slog"

	"idgate/store"
)

const internalErrorMessage = "Internal server error"

// AuthFlow sequences identity verification, session issuance and user
// recording for login, and session validation for authenticated requests.
type AuthFlow struct {
	verifier *ClaimsVerifier
	sessions *SessionService
	users    store.Users
	logger   *slog.Logger
}

// NewAuthFlow wires the flow. users may be nil, in which case logins are not
// recorded.
func NewAuthFlow(verifier *ClaimsVerifier, sessions *SessionService, users store.Users, logger *slog.Logger) *AuthFlow {
	return &AuthFlow{
		verifier: verifier,
		sessions: sessions,
		users:    users,
		logger:   logger,
	}
}

// Login exchanges an identity token for a session. A rejected identity token
// is returned with the verifier's reason and status unchanged.
func (f *AuthFlow) Login(ctx context.Context, identityToken string) Outcome[LoginResult] {
	verified := f.verifier.Verify(ctx, identityToken)
	if !verified.OK() {
		f.logger.Info("login rejected", "reason", verified.Reason, "status", verified.Status)
		return Reject[LoginResult](verified)
	}
	claims := verified.Value

	session, err := f.sessions.Issue(claims, 0)
	if err != nil {
		f.logger.Error("issue session failed", "subject_id", claims.SubjectID, "error", err)
		return Invalid[LoginResult](ReasonInternalError, internalErrorMessage)
	}

	f.recordLogin(ctx, claims)

	f.logger.Info("login succeeded", "subject_id", claims.SubjectID, "provider", claims.Provider, "expires_at", session.ExpiresAt)
	return Valid(LoginResult{Session: session, Claims: claims})
}

// recordLogin persists the user profile. Failures are logged and do not
// affect the login.
func (f *AuthFlow) recordLogin(ctx context.Context, claims Claims) {
	if f.users == nil {
		return
	}
	_, err := f.users.Upsert(ctx, store.Profile{
		SubjectID:     claims.SubjectID,
		Provider:      claims.Provider,
		Email:         claims.Email,
		DisplayName:   claims.DisplayName,
		PictureURL:    claims.PictureURL,
		EmailVerified: claims.EmailVerified,
	})
	if err != nil {
		f.logger.Error("record user failed", "subject_id", claims.SubjectID, "provider", claims.Provider, "error", err)
	}
}

// Authenticate validates a bearer session token.
func (f *AuthFlow) Authenticate(sessionToken string) Outcome[Claims] {
	return f.sessions.Validate(sessionToken)
}

// Profile returns the stored user for subjectID, or nil when there is no
// store or no record.
func (f *AuthFlow) Profile(ctx context.Context, subjectID string) (*store.User, error) {
	if f.users == nil {
		return nil, nil
	}
	u, err := f.users.FindBySubject(ctx, subjectID)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}
