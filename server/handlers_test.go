package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"idgate/store"
)

type testEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestApp(t *testing.T, p IdentityProvider, opts ...AppOption) *App {
	t.Helper()
	opts = append([]AppOption{WithIdentityProvider(p), WithUserStore(store.NewMemoryStore())}, opts...)
	app, err := NewApp(context.Background(), testConfig(), testLogger(), opts...)
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func doRequest(t *testing.T, h http.Handler, method, path, bearer string, body any) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env testEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: response is not an envelope: %v (%s)", method, path, err, rec.Body.String())
	}
	return rec, env
}

func loginProvider() *fakeProvider {
	return &fakeProvider{user: ProviderUser{
		Subject: "abc123",
		Claims: map[string]any{
			"email":          "a@example.com",
			"name":           "Ada",
			"picture":        "https://example.com/a.png",
			"email_verified": true,
		},
	}}
}

func TestIndex(t *testing.T) {
	h := newTestApp(t, nil).Routes()
	rec, env := doRequest(t, h, http.MethodGet, "/", "", nil)
	if rec.Code != http.StatusOK || !env.Success {
		t.Fatalf("status = %d, success = %v", rec.Code, env.Success)
	}
	if !strings.Contains(string(env.Data), `"running"`) {
		t.Fatalf("data = %s", env.Data)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestLoginThenAccessProtectedRoutes(t *testing.T) {
	h := newTestApp(t, loginProvider()).Routes()

	rec, env := doRequest(t, h, http.MethodPost, "/auth/session", "", map[string]string{"identity_token": identityToken(t)})
	if rec.Code != http.StatusOK || !env.Success {
		t.Fatalf("login failed: %d %s", rec.Code, env.Message)
	}
	var session sessionResponse
	if err := json.Unmarshal(env.Data, &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.SessionToken == "" || session.TokenType != "bearer" || session.SubjectID != "abc123" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if session.DisplayName != "Ada" || !session.EmailVerified {
		t.Fatalf("profile claims missing: %+v", session)
	}
	if time.Until(session.ExpiresAt) < 23*time.Hour {
		t.Fatalf("expires_at too early: %s", session.ExpiresAt)
	}

	rec, env = doRequest(t, h, http.MethodGet, "/auth/me", session.SessionToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/auth/me status = %d: %s", rec.Code, env.Message)
	}
	var profile profileResponse
	if err := json.Unmarshal(env.Data, &profile); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if profile.SubjectID != "abc123" || profile.Email != "a@example.com" || profile.DisplayName != "Ada" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if profile.LastLoginAt == nil {
		t.Fatalf("expected stored last login time")
	}

	rec, env = doRequest(t, h, http.MethodGet, "/protected", session.SessionToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/protected status = %d", rec.Code)
	}
	if env.Message != "Hello a@example.com, this is a protected route!" {
		t.Fatalf("message = %q", env.Message)
	}
}

func TestLegacyGoogleRouteAcceptsIDToken(t *testing.T) {
	h := newTestApp(t, loginProvider()).Routes()
	rec, env := doRequest(t, h, http.MethodPost, "/auth/google", "", map[string]string{"id_token": identityToken(t)})
	if rec.Code != http.StatusOK || !env.Success {
		t.Fatalf("legacy login failed: %d %s", rec.Code, env.Message)
	}
}

func TestLoginRejections(t *testing.T) {
	cases := map[string]struct {
		provider IdentityProvider
		body     any
		status   int
	}{
		"missing token":      {loginProvider(), map[string]string{}, http.StatusBadRequest},
		"malformed token":    {loginProvider(), map[string]string{"identity_token": "abc"}, http.StatusBadRequest},
		"provider rejection": {&fakeProvider{err: errors.New("expired id token")}, nil, http.StatusUnauthorized},
		"no provider":        {nil, nil, http.StatusInternalServerError},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body := tc.body
			if body == nil {
				body = map[string]string{"identity_token": identityToken(t)}
			}
			h := newTestApp(t, tc.provider).Routes()
			rec, env := doRequest(t, h, http.MethodPost, "/auth/session", "", body)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.status, env.Message)
			}
			if env.Success || env.Message == "" || string(env.Data) != "null" {
				t.Fatalf("unexpected envelope: %+v", env)
			}
		})
	}
}

func TestLoginRejectsNonJSONBody(t *testing.T) {
	h := newTestApp(t, loginProvider()).Routes()
	req := httptest.NewRequest(http.MethodPost, "/auth/session", strings.NewReader("identity_token=abc"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSessionRoutesRequireBearer(t *testing.T) {
	app := newTestApp(t, loginProvider())
	h := app.Routes()

	rec, env := doRequest(t, h, http.MethodGet, "/auth/me", "", nil)
	if rec.Code != http.StatusUnauthorized || env.Success {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}

	rec, _ = doRequest(t, h, http.MethodGet, "/protected", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}

	// A token minted two hours ago with a one hour lifetime.
	past, err := NewSessionService(app.Config.Session, testLogger(), WithClock(func() time.Time {
		return time.Now().Add(-2 * time.Hour)
	}))
	if err != nil {
		t.Fatalf("NewSessionService: %v", err)
	}
	tok, err := past.Issue(Claims{SubjectID: "abc123", Email: "a@example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	rec, env = doRequest(t, h, http.MethodGet, "/auth/me", tok.Token, nil)
	if rec.Code != http.StatusUnauthorized || env.Message != "Token has expired" {
		t.Fatalf("got %d %q, want 401 expired", rec.Code, env.Message)
	}
}

func TestMeWithoutStoredUser(t *testing.T) {
	app := newTestApp(t, loginProvider())
	tok, err := app.Sessions.Issue(Claims{SubjectID: "ghost", Email: "g@example.com"}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	rec, env := doRequest(t, app.Routes(), http.MethodGet, "/auth/me", tok.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(string(env.Data), `"subject_id":"ghost"`) || strings.Contains(string(env.Data), "last_login_at") {
		t.Fatalf("data = %s", env.Data)
	}
}

func TestUnknownRouteAndMethodUseEnvelope(t *testing.T) {
	h := newTestApp(t, nil).Routes()

	rec, env := doRequest(t, h, http.MethodGet, "/nope", "", nil)
	if rec.Code != http.StatusNotFound || env.Success {
		t.Fatalf("404: got %d %+v", rec.Code, env)
	}

	rec, env = doRequest(t, h, http.MethodGet, "/auth/session", "", nil)
	if rec.Code != http.StatusMethodNotAllowed || env.Success {
		t.Fatalf("405: got %d %+v", rec.Code, env)
	}
}

func TestNewAppBuildsStoreAndDisabledProvider(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig(), testLogger())
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	defer app.Close()

	if app.Provider != nil {
		t.Fatalf("expected no provider without credentials, got %T", app.Provider)
	}
	if app.Users == nil {
		t.Fatalf("expected user store")
	}
}
