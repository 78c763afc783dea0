package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls the idgate HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Session is the result of a successful login.
type Session struct {
	SessionToken  string    `json:"session_token"`
	TokenType     string    `json:"token_type"`
	ExpiresAt     time.Time `json:"expires_at"`
	SubjectID     string    `json:"subject_id"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"display_name"`
	PictureURL    string    `json:"picture_url"`
	EmailVerified bool      `json:"email_verified"`
}

// Profile is the body of /auth/me.
type Profile struct {
	SubjectID     string     `json:"subject_id"`
	Email         string     `json:"email"`
	DisplayName   string     `json:"display_name"`
	PictureURL    string     `json:"picture_url"`
	EmailVerified *bool      `json:"email_verified"`
	Provider      string     `json:"provider"`
	LastLoginAt   *time.Time `json:"last_login_at"`
}

// APIError is a non 2xx reply from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("idgate: %d %s", e.Status, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// New creates a client for the server at baseURL. A nil httpClient uses a
// client with a 30 second timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient}
}

// Login exchanges an identity token for a session.
func (c *Client) Login(ctx context.Context, identityToken string) (*Session, error) {
	body, err := json.Marshal(map[string]string{"identity_token": identityToken})
	if err != nil {
		return nil, fmt.Errorf("encode login request: %w", err)
	}
	var s Session
	if _, err := c.do(ctx, http.MethodPost, "/auth/session", "", bytes.NewReader(body), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Me returns the profile of the session's subject.
func (c *Client) Me(ctx context.Context, sessionToken string) (*Profile, error) {
	var p Profile
	if _, err := c.do(ctx, http.MethodGet, "/auth/me", sessionToken, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Protected calls the protected resource and returns its greeting.
func (c *Client) Protected(ctx context.Context, sessionToken string) (string, error) {
	return c.do(ctx, http.MethodGet, "/protected", sessionToken, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body io.Reader, out any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return "", fmt.Errorf("decode %s response: %w", path, err)
	}
	if resp.StatusCode >= 400 || !env.Success {
		return "", &APIError{Status: resp.StatusCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return "", fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	return env.Message, nil
}
