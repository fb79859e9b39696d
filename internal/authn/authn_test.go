package authn

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey(t *testing.T) *SigningKey {
	t.Helper()
	key, err := LoadOrCreateSigningKey(filepath.Join(t.TempDir(), "signing.pem"))
	if err != nil {
		t.Fatalf("LoadOrCreateSigningKey: %v", err)
	}
	return key
}

func TestSigningKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.pem")
	first, err := LoadOrCreateSigningKey(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := LoadOrCreateSigningKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first.KeyID != second.KeyID {
		t.Errorf("key id changed across reload: %q != %q", first.KeyID, second.KeyID)
	}
	if first.Key.N.Cmp(second.Key.N) != 0 {
		t.Error("reload returned a different key")
	}
}

// jwksServer serves the anon server's key set the way a remote issuer would.
func jwksServer(t *testing.T, key *SigningKey) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/jwks", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(key.JWKS())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func signToken(t *testing.T, key *SigningKey, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.KeyID
	signed, err := token.SignedString(key.Key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	key := testKey(t)
	srv := jwksServer(t, key)
	v := NewVerifier(srv.URL, srv.Client(), testLogger())

	token := signToken(t, key, jwt.RegisteredClaims{
		Issuer:    srv.URL,
		Subject:   "anon_123",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	identity, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.Subject != "anon_123" {
		t.Errorf("subject = %q", identity.Subject)
	}
}

func TestVerifyRejections(t *testing.T) {
	key := testKey(t)
	srv := jwksServer(t, key)
	v := NewVerifier(srv.URL, srv.Client(), testLogger())
	valid := jwt.RegisteredClaims{
		Issuer:    srv.URL,
		Subject:   "anon_123",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	t.Run("empty token", func(t *testing.T) {
		if _, err := v.Verify(context.Background(), ""); !errors.Is(err, ErrMissingToken) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("wrong issuer", func(t *testing.T) {
		claims := valid
		claims.Issuer = "https://evil.example"
		if _, err := v.Verify(context.Background(), signToken(t, key, claims)); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("empty subject", func(t *testing.T) {
		claims := valid
		claims.Subject = ""
		if _, err := v.Verify(context.Background(), signToken(t, key, claims)); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("expired", func(t *testing.T) {
		claims := valid
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		if _, err := v.Verify(context.Background(), signToken(t, key, claims)); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("hmac token", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, valid)
		signed, err := token.SignedString([]byte("secret"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := v.Verify(context.Background(), signed); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("unknown signer", func(t *testing.T) {
		other := testKey(t)
		if _, err := v.Verify(context.Background(), signToken(t, other, valid)); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v", err)
		}
	})
}

func pkcePair() (verifier, challenge string) {
	verifier = "test-verifier-test-verifier-test-verifier-43chars"
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestAnonFlowIssuesVerifiableToken(t *testing.T) {
	key := testKey(t)
	srv := jwksServer(t, key)
	anon := NewAnonServer(srv.URL, key, testLogger())

	reg, err := anon.Register([]string{"http://localhost:3117/callback"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !strings.HasPrefix(reg.ClientID, "client_") {
		t.Errorf("client id = %q", reg.ClientID)
	}

	verifier, challenge := pkcePair()
	redirect, err := anon.Authorize(reg.ClientID, reg.RedirectURIs[0], "st8", challenge, "S256")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	parsed, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if parsed.Query().Get("state") != "st8" {
		t.Errorf("state not propagated: %s", redirect)
	}
	code := parsed.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect: %s", redirect)
	}

	tok, err := anon.ExchangeCode(code, verifier, reg.RedirectURIs[0])
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tok.TokenType != "Bearer" || tok.ExpiresIn != int(tokenTTL/time.Second) {
		t.Errorf("token response = %+v", tok)
	}

	v := NewVerifier(srv.URL, srv.Client(), testLogger())
	identity, err := v.Verify(context.Background(), tok.AccessToken)
	if err != nil {
		t.Fatalf("Verify issued token: %v", err)
	}
	if !strings.HasPrefix(identity.Subject, "anon_") {
		t.Errorf("subject = %q", identity.Subject)
	}
}

func TestExchangeCodeIsSingleUse(t *testing.T) {
	key := testKey(t)
	anon := NewAnonServer("http://localhost:3117", key, testLogger())
	verifier, challenge := pkcePair()
	redirect, err := anon.Authorize("client_1", "http://localhost:3117/cb", "", challenge, "S256")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	parsed, _ := url.Parse(redirect)
	code := parsed.Query().Get("code")

	if _, err := anon.ExchangeCode(code, verifier, "http://localhost:3117/cb"); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	if _, err := anon.ExchangeCode(code, verifier, "http://localhost:3117/cb"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("replay err = %v", err)
	}
}

func TestExchangeCodeRejectsBadVerifier(t *testing.T) {
	key := testKey(t)
	anon := NewAnonServer("http://localhost:3117", key, testLogger())
	_, challenge := pkcePair()
	redirect, err := anon.Authorize("client_1", "http://localhost:3117/cb", "", challenge, "S256")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	parsed, _ := url.Parse(redirect)

	_, err = anon.ExchangeCode(parsed.Query().Get("code"), "wrong-verifier", "http://localhost:3117/cb")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("err = %v", err)
	}
}

func TestAuthorizeRequiresS256(t *testing.T) {
	anon := NewAnonServer("http://localhost:3117", testKey(t), testLogger())
	if _, err := anon.Authorize("client_1", "http://localhost:3117/cb", "", "challenge", "plain"); err == nil {
		t.Error("plain PKCE method accepted")
	}
	if _, err := anon.Authorize("client_1", "http://localhost:3117/cb", "", "", "S256"); err == nil {
		t.Error("empty challenge accepted")
	}
}

func TestMetadataEndpoints(t *testing.T) {
	anon := NewAnonServer("http://localhost:3117/", testKey(t), testLogger())
	meta := anon.Metadata()
	if meta["issuer"] != "http://localhost:3117" {
		t.Errorf("issuer = %v", meta["issuer"])
	}
	if meta["token_endpoint"] != "http://localhost:3117/token" {
		t.Errorf("token_endpoint = %v", meta["token_endpoint"])
	}
}
