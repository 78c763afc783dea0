package server

import "time"

// Claims is the normalized identity derived from a verified token.
type Claims struct {
	SubjectID     string `json:"subject_id"`
	Email         string `json:"email"`
	DisplayName   string `json:"display_name"`
	PictureURL    string `json:"picture_url"`
	EmailVerified bool   `json:"email_verified"`
	// Provider names the identity provider that verified the token. Empty for
	// claims read back from a session token.
	Provider string `json:"-"`
}

// SessionToken is a locally signed session credential.
type SessionToken struct {
	Token     string
	SubjectID string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ProviderUser consolidates identity data returned by an upstream provider
// after it verified an identity token.
type ProviderUser struct {
	Subject string
	Claims  map[string]any
}

// LoginResult is what a successful login hands back to the transport layer.
type LoginResult struct {
	Session SessionToken
	Claims  Claims
}
