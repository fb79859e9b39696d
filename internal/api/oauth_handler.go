package api

import (
	"errors"
	"net/http"

	"github.com/taskgate/taskgate/internal/authn"
)

// oauthHandler exposes the anonymous self-issued OAuth endpoints.
type oauthHandler struct {
	anon *authn.AnonServer
}

func (h *oauthHandler) jwks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.anon.JWKS())
}

type registerRequest struct {
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name,omitempty"`
}

func (h *oauthHandler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	reg, err := h.anon.Register(req.RedirectURIs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (h *oauthHandler) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirect, err := h.anon.Authorize(
		q.Get("client_id"),
		q.Get("redirect_uri"),
		q.Get("state"),
		q.Get("code_challenge"),
		q.Get("code_challenge_method"),
	)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (h *oauthHandler) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}
	if grant := r.PostFormValue("grant_type"); grant != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unsupported_grant_type",
		})
		return
	}

	tok, err := h.anon.ExchangeCode(
		r.PostFormValue("code"),
		r.PostFormValue("code_verifier"),
		r.PostFormValue("redirect_uri"),
	)
	if err != nil {
		status := http.StatusBadRequest
		code := "invalid_request"
		if errors.Is(err, authn.ErrInvalidGrant) {
			code = "invalid_grant"
		} else {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, map[string]string{
			"error":             code,
			"error_description": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, tok)
}
