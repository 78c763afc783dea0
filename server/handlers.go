package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"

	"idgate/store"
)

const maxLoginBodyBytes = 64 << 10

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Provider IdentityProvider
	Verifier *ClaimsVerifier
	Sessions *SessionService
	Flow     *AuthFlow
	Users    store.Users

	ownsUsers bool
}

// AppOption customizes NewApp.
type AppOption func(*appOptions)

type appOptions struct {
	provider    IdentityProvider
	providerSet bool
	users       store.Users
	httpClient  *http.Client
	sessionOpts []SessionOption
}

// WithIdentityProvider injects the identity provider instead of building one
// from configuration. A nil provider disables verification.
func WithIdentityProvider(p IdentityProvider) AppOption {
	return func(o *appOptions) {
		o.provider = p
		o.providerSet = true
	}
}

// WithUserStore injects the user store instead of opening the configured one.
// The caller keeps ownership of it.
func WithUserStore(users store.Users) AppOption {
	return func(o *appOptions) {
		o.users = users
	}
}

// WithHTTPClient sets the client used to fetch provider signing keys.
func WithHTTPClient(c *http.Client) AppOption {
	return func(o *appOptions) {
		o.httpClient = c
	}
}

// WithSessionOptions forwards options to the session service.
func WithSessionOptions(opts ...SessionOption) AppOption {
	return func(o *appOptions) {
		o.sessionOpts = append(o.sessionOpts, opts...)
	}
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...AppOption) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.Identity.Timeout}
	}

	sessions, err := NewSessionService(cfg.Session, logger, o.sessionOpts...)
	if err != nil {
		return nil, fmt.Errorf("init sessions: %w", err)
	}

	provider := o.provider
	if !o.providerSet {
		provider, err = BuildProvider(ctx, cfg.Identity, o.httpClient, logger)
		if err != nil {
			if !cfg.Server.DevMode {
				return nil, fmt.Errorf("init identity provider: %w", err)
			}
			logger.Warn("identity provider unavailable, verification disabled", "error", err)
			provider = nil
		}
	}

	users := o.users
	ownsUsers := false
	if users == nil {
		users, err = store.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("init user store: %w", err)
		}
		ownsUsers = true
	}

	verifier := NewClaimsVerifier(provider, cfg.Identity, logger)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Provider:  provider,
		Verifier:  verifier,
		Sessions:  sessions,
		Flow:      NewAuthFlow(verifier, sessions, users, logger),
		Users:     users,
		ownsUsers: ownsUsers,
	}, nil
}

// Close releases resources opened by NewApp.
func (a *App) Close() error {
	if closer, ok := a.Provider.(interface{ Close() }); ok {
		closer.Close()
	}
	if a.ownsUsers && a.Users != nil {
		return a.Users.Close()
	}
	return nil
}

type loginRequest struct {
	IdentityToken string `json:"identity_token"`
	// IDToken is the field name used by older clients.
	IDToken string `json:"id_token"`
}

func (r loginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.IdentityToken, validation.Required),
	)
}

type sessionResponse struct {
	SessionToken  string    `json:"session_token"`
	TokenType     string    `json:"token_type"`
	ExpiresAt     time.Time `json:"expires_at"`
	SubjectID     string    `json:"subject_id"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"display_name"`
	PictureURL    string    `json:"picture_url"`
	EmailVerified bool      `json:"email_verified"`
}

type profileResponse struct {
	SubjectID     string     `json:"subject_id"`
	Email         string     `json:"email"`
	DisplayName   string     `json:"display_name,omitempty"`
	PictureURL    string     `json:"picture_url,omitempty"`
	EmailVerified *bool      `json:"email_verified,omitempty"`
	Provider      string     `json:"provider,omitempty"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, "idgate is running", map[string]string{"status": "running"})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxLoginBodyBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Request body must be a JSON object")
		return
	}
	if req.IdentityToken == "" {
		req.IdentityToken = req.IDToken
	}
	req.IdentityToken = strings.TrimSpace(req.IdentityToken)

	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome := a.Flow.Login(r.Context(), req.IdentityToken)
	if !outcome.OK() {
		if outcome.Reason == ReasonInternalError {
			a.Logger.Error("login failed", "request_id", RequestIDFromContext(r.Context()), "reason", outcome.Reason)
		}
		writeRejection(w, outcome)
		return
	}

	res := outcome.Value
	writeSuccess(w, "Login successful", sessionResponse{
		SessionToken:  res.Session.Token,
		TokenType:     "bearer",
		ExpiresAt:     res.Session.ExpiresAt.UTC(),
		SubjectID:     res.Claims.SubjectID,
		Email:         res.Claims.Email,
		DisplayName:   res.Claims.DisplayName,
		PictureURL:    res.Claims.PictureURL,
		EmailVerified: res.Claims.EmailVerified,
	})
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	resp := profileResponse{SubjectID: claims.SubjectID, Email: claims.Email}

	user, err := a.Flow.Profile(r.Context(), claims.SubjectID)
	if err != nil {
		a.Logger.Warn("load user profile failed", "request_id", RequestIDFromContext(r.Context()), "subject_id", claims.SubjectID, "error", err)
	}
	if user != nil {
		resp.DisplayName = user.DisplayName
		resp.PictureURL = user.PictureURL
		resp.EmailVerified = &user.EmailVerified
		resp.Provider = user.Provider
		lastLogin := user.LastLoginAt.UTC()
		resp.LastLoginAt = &lastLogin
	}

	writeSuccess(w, "Current user", resp)
}

func (a *App) handleProtected(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	writeSuccess(w, fmt.Sprintf("Hello %s, this is a protected route!", claims.Email), map[string]string{
		"subject_id": claims.SubjectID,
	})
}

func (a *App) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "Not found")
}

func (a *App) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
}
