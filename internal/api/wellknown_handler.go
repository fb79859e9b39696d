package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/taskgate/taskgate/internal/authn"
)

// wellknownHandler serves OAuth discovery metadata. With a remote issuer the
// authorization-server document is proxied from upstream; with the anonymous
// server it is generated locally.
type wellknownHandler struct {
	baseURL  string
	verifier *authn.Verifier
	anon     *authn.AnonServer
	client   *http.Client
}

func (h *wellknownHandler) protectedResource(w http.ResponseWriter, r *http.Request) {
	servers := []string{}
	if h.anon != nil {
		servers = append(servers, h.anon.Issuer())
	} else if h.verifier != nil && h.verifier.Enabled() {
		servers = append(servers, h.verifier.Issuer())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":                 h.baseURL,
		"authorization_servers":    servers,
		"bearer_methods_supported": []string{"header"},
	})
}

func (h *wellknownHandler) authorizationServer(w http.ResponseWriter, r *http.Request) {
	if h.anon != nil {
		writeJSON(w, http.StatusOK, h.anon.Metadata())
		return
	}
	if h.verifier == nil || !h.verifier.Enabled() {
		writeError(w, http.StatusNotFound, "no authorization server configured")
		return
	}
	h.proxyUpstream(w, r)
}

// proxyUpstream fetches the upstream issuer's discovery document.
func (h *wellknownHandler) proxyUpstream(w http.ResponseWriter, r *http.Request) {
	client := h.client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	url := strings.TrimRight(h.verifier.Issuer(), "/") + "/.well-known/oauth-authorization-server"
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream discovery failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream discovery failed: "+err.Error())
		return
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		writeError(w, http.StatusBadGateway, "upstream discovery returned invalid JSON")
		return
	}
	writeJSON(w, resp.StatusCode, doc)
}
