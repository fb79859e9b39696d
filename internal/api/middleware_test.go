package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/taskgate/taskgate/internal/authn"
)

func echoActor() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(actorFrom(r)))
	})
}

func testVerifier(t *testing.T) (*authn.Verifier, *authn.SigningKey) {
	t.Helper()
	key, err := authn.LoadOrCreateSigningKey(filepath.Join(t.TempDir(), "signing.pem"))
	if err != nil {
		t.Fatalf("LoadOrCreateSigningKey: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/jwks", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(key.JWKS())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return authn.NewVerifier(srv.URL, srv.Client(), slog.Default()), key
}

func TestBearerAuthAnonymousWhenDisabled(t *testing.T) {
	h := bearerAuth(nil, "http://localhost:8080", echoActor())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/workspaces/default/tasks", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != anonymousActor {
		t.Fatalf("expected anonymous actor, got %q", rr.Body.String())
	}
}

func TestBearerAuthRejectsMissingToken(t *testing.T) {
	verifier, _ := testVerifier(t)
	h := bearerAuth(verifier, "http://localhost:8080", echoActor())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/mcp", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	challenge := rr.Header().Get("WWW-Authenticate")
	if !strings.Contains(challenge, "/.well-known/oauth-protected-resource") {
		t.Fatalf("expected resource metadata challenge, got %q", challenge)
	}
}

func TestBearerAuthAcceptsSignedToken(t *testing.T) {
	verifier, key := testVerifier(t)
	h := bearerAuth(verifier, "http://localhost:8080", echoActor())

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    verifier.Issuer(),
		Subject:   "user_42",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	tok.Header["kid"] = key.KeyID
	signed, err := tok.SignedString(key.Key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "user_42" {
		t.Fatalf("expected actor user_42, got %q", rr.Body.String())
	}
}

func TestInternalAuth(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("accepts matching token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/internal/runs/t1/output", nil)
		req.Header.Set("Authorization", "Bearer secret")
		rr := httptest.NewRecorder()
		internalAuth("secret", next).ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rr.Code)
		}
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/internal/runs/t1/output", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rr := httptest.NewRecorder()
		internalAuth("secret", next).ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("rejects everything when no token configured", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/internal/runs/t1/output", nil)
		req.Header.Set("Authorization", "Bearer ")
		rr := httptest.NewRecorder()
		internalAuth("", next).ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})
}

func TestCORSMiddleware(t *testing.T) {
	h := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("local origin gets cors headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://localhost/api/v1/health", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
			t.Fatalf("unexpected allow-origin header: %q", got)
		}
	})

	t.Run("non-local origin gets no cors headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://localhost/api/v1/health", nil)
		req.Header.Set("Origin", "https://evil.example")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Fatalf("expected no allow-origin header, got %q", got)
		}
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "http://localhost/mcp", nil)
		req.Header.Set("Origin", "http://127.0.0.1:3000")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rr.Code)
		}
	})
}
