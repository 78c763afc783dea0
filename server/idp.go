package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2/google"
)

// Well-known Google endpoints.
const (
	firebaseIssuerPrefix = "https://securetoken.google.com/"
	firebaseJWKSURL      = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"
	googleJWKSURL        = "https://www.googleapis.com/oauth2/v3/certs"
)

var googleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// IdentityProvider verifies identity tokens issued by an upstream IdP.
type IdentityProvider interface {
	Name() string
	VerifyIDToken(ctx context.Context, rawIDToken string) (ProviderUser, error)
}

// FirebaseProvider verifies Firebase Authentication ID tokens against the
// public keys of the securetoken service account.
type FirebaseProvider struct {
	projectID string
	verifier  *oidc.IDTokenVerifier
	now       func() time.Time
	logger    *slog.Logger
}

// NewFirebaseProvider builds a verifier for the given Firebase project. Keys
// are fetched on first use and cached by the remote key set; ctx must outlive
// the provider because it carries the HTTP client for key fetches.
func NewFirebaseProvider(ctx context.Context, projectID, jwksURL string, httpClient *http.Client, logger *slog.Logger) (*FirebaseProvider, error) {
	if projectID == "" {
		return nil, errors.New("firebase: project id required")
	}
	if jwksURL == "" {
		jwksURL = firebaseJWKSURL
	}
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}

	keySet := oidc.NewRemoteKeySet(ctx, jwksURL)
	verifier := oidc.NewVerifier(firebaseIssuerPrefix+projectID, keySet, &oidc.Config{
		ClientID:             projectID,
		SupportedSigningAlgs: []string{oidc.RS256},
	})

	return &FirebaseProvider{
		projectID: projectID,
		verifier:  verifier,
		now:       time.Now,
		logger:    logger,
	}, nil
}

// Name identifies the provider.
func (p *FirebaseProvider) Name() string {
	return ProviderFirebase
}

// VerifyIDToken checks signature, issuer, audience and expiry of a Firebase ID token.
func (p *FirebaseProvider) VerifyIDToken(ctx context.Context, rawIDToken string) (ProviderUser, error) {
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return ProviderUser{}, fmt.Errorf("verify id_token: %w", err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return ProviderUser{}, fmt.Errorf("parse claims: %w", err)
	}

	if authTime, ok := claims["auth_time"].(float64); ok && time.Unix(int64(authTime), 0).After(p.now()) {
		return ProviderUser{}, errors.New("verify id_token: auth_time is in the future")
	}

	return ProviderUser{Subject: idToken.Subject, Claims: claims}, nil
}

// GoogleProvider verifies Google Sign-In ID tokens for one OAuth client.
type GoogleProvider struct {
	clientID string
	jwks     *keyfunc.JWKS
	logger   *slog.Logger
}

// NewGoogleProvider fetches Google's signing keys and keeps them refreshed in
// the background until Close is called.
func NewGoogleProvider(ctx context.Context, clientID, jwksURL string, httpClient *http.Client, logger *slog.Logger) (*GoogleProvider, error) {
	if clientID == "" {
		return nil, errors.New("google: client id required")
	}
	if jwksURL == "" {
		jwksURL = googleJWKSURL
	}

	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               ctx,
		Client:            httpClient,
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.Warn("google jwks refresh failed", "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("google: fetch jwks: %w", err)
	}

	return &GoogleProvider{clientID: clientID, jwks: jwks, logger: logger}, nil
}

// Name identifies the provider.
func (p *GoogleProvider) Name() string {
	return ProviderGoogle
}

// VerifyIDToken checks signature, issuer, audience and expiry of a Google ID token.
func (p *GoogleProvider) VerifyIDToken(ctx context.Context, rawIDToken string) (ProviderUser, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(rawIDToken, claims, p.jwks.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(p.clientID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return ProviderUser{}, fmt.Errorf("verify id_token: %w", err)
	}

	iss, _ := claims.GetIssuer()
	if !slices.Contains(googleIssuers, iss) {
		return ProviderUser{}, fmt.Errorf("verify id_token: unexpected issuer %q", iss)
	}
	sub, _ := claims.GetSubject()

	return ProviderUser{Subject: sub, Claims: claims}, nil
}

// Close stops the background key refresh.
func (p *GoogleProvider) Close() {
	p.jwks.EndBackground()
}

// KeysURL returns the JWKS endpoint the configured provider verifies against.
func (c IdentityConfig) KeysURL() string {
	if c.JWKSURL != "" {
		return c.JWKSURL
	}
	if c.Provider == ProviderGoogle {
		return googleJWKSURL
	}
	return firebaseJWKSURL
}

// BuildProvider prepares the configured identity provider. It returns a nil
// provider and no error when no credential material is configured, which
// leaves verification disabled.
func BuildProvider(ctx context.Context, cfg IdentityConfig, httpClient *http.Client, logger *slog.Logger) (IdentityProvider, error) {
	switch cfg.Provider {
	case ProviderGoogle:
		if cfg.GoogleClientID == "" {
			logger.Warn("identity provider not configured, verification disabled", "provider", ProviderGoogle, "missing", "GOOGLE_CLIENT_ID")
			return nil, nil
		}
		p, err := NewGoogleProvider(ctx, cfg.GoogleClientID, cfg.JWKSURL, httpClient, logger)
		if err != nil {
			return nil, err
		}
		return p, nil

	case ProviderFirebase, "":
		projectID := cfg.ProjectID
		if cfg.Credentials != "" {
			creds, err := loadCredentials(ctx, cfg.Credentials)
			if err != nil {
				return nil, err
			}
			if projectID == "" {
				projectID = creds.ProjectID
			}
		}
		if projectID == "" {
			logger.Warn("identity provider not configured, verification disabled", "provider", ProviderFirebase, "missing", "IDENTITY_PROVIDER_CREDENTIALS")
			return nil, nil
		}
		p, err := NewFirebaseProvider(ctx, projectID, cfg.JWKSURL, httpClient, logger)
		if err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown identity provider %q", cfg.Provider)
	}
}

// loadCredentials accepts a file path, inline JSON or base64 encoded JSON.
func loadCredentials(ctx context.Context, material string) (*google.Credentials, error) {
	data, err := credentialBytes(material)
	if err != nil {
		return nil, err
	}
	creds, err := google.CredentialsFromJSON(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("parse identity credentials: %w", err)
	}
	return creds, nil
}

func credentialBytes(material string) ([]byte, error) {
	trimmed := strings.TrimSpace(material)
	if strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed), nil
	}
	if _, err := os.Stat(trimmed); err == nil {
		b, err := os.ReadFile(trimmed)
		if err != nil {
			return nil, fmt.Errorf("read identity credentials: %w", err)
		}
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, errors.New("identity credentials are neither a readable file, JSON, nor base64 JSON")
	}
	return b, nil
}
