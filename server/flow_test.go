package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"idgate/store"
)

// failingUsers always fails, to check logins do not depend on the store.
type failingUsers struct{}

func (failingUsers) Upsert(context.Context, store.Profile) (*store.User, error) {
	return nil, errors.New("database unavailable")
}

func (failingUsers) FindBySubject(context.Context, string) (*store.User, error) {
	return nil, errors.New("database unavailable")
}

func (failingUsers) Close() error { return nil }

func newTestFlow(t *testing.T, p IdentityProvider, users store.Users) *AuthFlow {
	t.Helper()
	cfg := testConfig()
	sessions, err := NewSessionService(cfg.Session, testLogger())
	if err != nil {
		t.Fatalf("NewSessionService: %v", err)
	}
	return NewAuthFlow(NewClaimsVerifier(p, cfg.Identity, testLogger()), sessions, users, testLogger())
}

func TestLoginIssuesSessionAndRecordsUser(t *testing.T) {
	p := &fakeProvider{user: ProviderUser{
		Subject: "abc123",
		Claims:  map[string]any{"email": "a@example.com", "name": "Ada"},
	}}
	users := store.NewMemoryStore()
	flow := newTestFlow(t, p, users)

	out := flow.Login(context.Background(), identityToken(t))
	if !out.OK() {
		t.Fatalf("Login rejected: %s %s", out.Reason, out.Message)
	}
	session := out.Value.Session
	if session.SubjectID != "abc123" || session.Email != "a@example.com" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if d := session.ExpiresAt.Sub(session.IssuedAt); d != 24*time.Hour {
		t.Fatalf("session lifetime = %s", d)
	}

	auth := flow.Authenticate(session.Token)
	if !auth.OK() || auth.Value.SubjectID != "abc123" || auth.Value.Email != "a@example.com" {
		t.Fatalf("session did not round trip: %+v", auth)
	}

	u, err := flow.Profile(context.Background(), "abc123")
	if err != nil || u == nil {
		t.Fatalf("expected stored user, got %v, %v", u, err)
	}
	if u.DisplayName != "Ada" || u.Provider != ProviderFirebase {
		t.Fatalf("unexpected stored user: %+v", u)
	}
}

func TestLoginPassesVerifierRejectionThrough(t *testing.T) {
	cases := map[string]struct {
		provider IdentityProvider
		token    string
		reason   Reason
		status   int
	}{
		"malformed":   {&fakeProvider{}, "short", ReasonMalformedToken, http.StatusBadRequest},
		"rejected":    {&fakeProvider{err: errors.New("bad signature")}, "", ReasonVerificationFailed, http.StatusUnauthorized},
		"no provider": {nil, "", ReasonProviderUnavailable, http.StatusInternalServerError},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			users := store.NewMemoryStore()
			token := tc.token
			if token == "" {
				token = identityToken(t)
			}

			out := newTestFlow(t, tc.provider, users).Login(context.Background(), token)
			if out.OK() {
				t.Fatalf("expected rejection")
			}
			if out.Reason != tc.reason || out.Status != tc.status {
				t.Fatalf("got %s/%d, want %s/%d", out.Reason, out.Status, tc.reason, tc.status)
			}
			if out.Value.Session.Token != "" {
				t.Fatalf("rejected login carried a session token")
			}
		})
	}
}

func TestLoginSurvivesStoreFailure(t *testing.T) {
	p := &fakeProvider{user: ProviderUser{Subject: "abc123"}}
	flow := newTestFlow(t, p, failingUsers{})

	out := flow.Login(context.Background(), identityToken(t))
	if !out.OK() {
		t.Fatalf("store failure must not reject login: %s", out.Reason)
	}

	if _, err := flow.Profile(context.Background(), "abc123"); err == nil {
		t.Fatalf("expected profile lookup error")
	}
}

func TestProfileWithoutStore(t *testing.T) {
	flow := newTestFlow(t, &fakeProvider{}, nil)
	u, err := flow.Profile(context.Background(), "abc123")
	if u != nil || err != nil {
		t.Fatalf("expected nil profile, got %v, %v", u, err)
	}
}
