package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	josejwt "github.com/go-jose/go-jose/v3/jwt"
)

const testKeyID = "test-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider counts calls and returns a canned result. When block is set
// the call waits on it, ignoring the context.
type fakeProvider struct {
	name  string
	user  ProviderUser
	err   error
	block chan struct{}
	calls atomic.Int32
}

func (f *fakeProvider) Name() string {
	if f.name == "" {
		return ProviderFirebase
	}
	return f.name
}

func (f *fakeProvider) VerifyIDToken(ctx context.Context, raw string) (ProviderUser, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	return f.user, f.err
}

type testKeys struct {
	key    *rsa.PrivateKey
	signer jose.Signer
}

var (
	sharedKeysOnce sync.Once
	sharedKeys     *testKeys
)

// newTestKeys returns an RSA signing key shared by the package tests; key
// generation is the slowest part of the suite.
func newTestKeys(t *testing.T) *testKeys {
	t.Helper()
	sharedKeysOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		signer, err := jose.NewSigner(
			jose.SigningKey{Algorithm: jose.RS256, Key: key},
			(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", testKeyID),
		)
		if err != nil {
			panic(err)
		}
		sharedKeys = &testKeys{key: key, signer: signer}
	})
	return sharedKeys
}

func (k *testKeys) jwks() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &k.key.PublicKey,
		KeyID:     testKeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
}

// sign serializes claims into a compact RS256 JWS.
func (k *testKeys) sign(t *testing.T, claims map[string]any) string {
	t.Helper()
	raw, err := josejwt.Signed(k.signer).Claims(claims).CompactSerialize()
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func newJWKSServer(t *testing.T, keys *testKeys) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keys.jwks())
	}))
	t.Cleanup(srv.Close)
	return srv
}

// identityToken returns a structurally valid identity token. Fake providers
// do not check its signature.
func identityToken(t *testing.T) string {
	t.Helper()
	now := time.Now()
	return newTestKeys(t).sign(t, map[string]any{
		"iss": "https://securetoken.google.com/test-project",
		"aud": "test-project",
		"sub": "user-1",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Session.Secret = "test-session-secret"
	cfg.Storage.Driver = StorageMemory
	return cfg
}
