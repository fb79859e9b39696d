package authn

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Anonymous OAuth limits.
const (
	codeTTL  = 120 * time.Second
	tokenTTL = 24 * time.Hour
)

// ErrInvalidGrant covers expired, replayed, or PKCE-mismatched codes.
var ErrInvalidGrant = errors.New("invalid grant")

// AnonServer is a minimal self-issued OAuth authorization server for guest
// clients: dynamic registration, auto-approving authorize with PKCE S256,
// and an authorization_code token endpoint signing RS256 tokens with
// sub = anon_<uuid>.
type AnonServer struct {
	issuer string
	key    *SigningKey
	log    *slog.Logger

	mu    sync.Mutex
	codes map[string]*authCode
}

type authCode struct {
	clientID    string
	redirectURI string
	challenge   string
	expiresAt   time.Time
}

// NewAnonServer creates the anonymous OAuth surface. issuer is this gateway's
// own base URL.
func NewAnonServer(issuer string, key *SigningKey, logger *slog.Logger) *AnonServer {
	return &AnonServer{
		issuer: strings.TrimRight(issuer, "/"),
		key:    key,
		log:    logger,
		codes:  make(map[string]*authCode),
	}
}

// Issuer returns the self-issued token issuer URL.
func (s *AnonServer) Issuer() string {
	return s.issuer
}

// Metadata returns the RFC 8414 authorization server metadata document.
func (s *AnonServer) Metadata() map[string]any {
	return map[string]any{
		"issuer":                                s.issuer,
		"authorization_endpoint":                s.issuer + "/authorize",
		"token_endpoint":                        s.issuer + "/token",
		"registration_endpoint":                 s.issuer + "/register",
		"jwks_uri":                              s.issuer + "/oauth2/jwks",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
	}
}

// JWKS returns the public signing key set.
func (s *AnonServer) JWKS() map[string]any {
	return s.key.JWKS()
}

// ClientRegistration is the RFC 7591 response for a registered client.
type ClientRegistration struct {
	ClientID                string   `json:"client_id"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

// Register issues a client id for the given redirect URIs. Every client is
// public; there is no secret.
func (s *AnonServer) Register(redirectURIs []string) (*ClientRegistration, error) {
	if len(redirectURIs) == 0 {
		return nil, errors.New("redirect_uris required")
	}
	for _, u := range redirectURIs {
		if _, err := url.ParseRequestURI(u); err != nil {
			return nil, fmt.Errorf("invalid redirect uri %q", u)
		}
	}
	return &ClientRegistration{
		ClientID:                "client_" + uuid.NewString(),
		RedirectURIs:            redirectURIs,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
	}, nil
}

// Authorize auto-approves the request and returns the redirect URL carrying a
// one-time code bound to the PKCE challenge.
func (s *AnonServer) Authorize(clientID, redirectURI, state, codeChallenge, method string) (string, error) {
	if clientID == "" || redirectURI == "" {
		return "", errors.New("client_id and redirect_uri required")
	}
	if method != "S256" || codeChallenge == "" {
		return "", errors.New("PKCE S256 code_challenge required")
	}
	target, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect uri: %w", err)
	}

	code := "code_" + uuid.NewString()
	s.mu.Lock()
	s.pruneLocked()
	s.codes[code] = &authCode{
		clientID:    clientID,
		redirectURI: redirectURI,
		challenge:   codeChallenge,
		expiresAt:   time.Now().Add(codeTTL),
	}
	s.mu.Unlock()

	q := target.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	return target.String(), nil
}

// TokenResponse is the token endpoint response body.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// ExchangeCode redeems a one-time code. The PKCE verifier must hash to the
// challenge captured at authorize time.
func (s *AnonServer) ExchangeCode(code, verifier, redirectURI string) (*TokenResponse, error) {
	s.mu.Lock()
	granted, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()

	if !ok || time.Now().After(granted.expiresAt) {
		return nil, fmt.Errorf("%w: unknown or expired code", ErrInvalidGrant)
	}
	if redirectURI != "" && redirectURI != granted.redirectURI {
		return nil, fmt.Errorf("%w: redirect_uri mismatch", ErrInvalidGrant)
	}
	sum := sha256.Sum256([]byte(verifier))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != granted.challenge {
		return nil, fmt.Errorf("%w: PKCE verification failed", ErrInvalidGrant)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   "anon_" + uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.key.KeyID
	signed, err := token.SignedString(s.key.Key)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	s.log.Info("anonymous token issued", "client_id", granted.clientID, "sub", claims.Subject)
	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(tokenTTL / time.Second),
	}, nil
}

func (s *AnonServer) pruneLocked() {
	now := time.Now()
	for code, granted := range s.codes {
		if now.After(granted.expiresAt) {
			delete(s.codes, code)
		}
	}
}
