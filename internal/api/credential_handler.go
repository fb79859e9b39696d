package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/taskgate/taskgate/internal/secrets"
	"github.com/taskgate/taskgate/internal/store"
)

type credentialHandler struct {
	store     store.CredentialStore
	encryptor *secrets.AgeEncryptor
}

type credentialRequest struct {
	SourceKey string `json:"sourceKey"`
	Scope     string `json:"scope,omitempty"` // default workspace
	ActorID   string `json:"actorId,omitempty"`
	Provider  string `json:"provider,omitempty"` // default managed
	Token     string `json:"token,omitempty"`
	Value     string `json:"value,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	ObjectID  string `json:"objectId,omitempty"` // workos-vault reference
}

// list returns credential metadata only; payloads never leave the store.
func (h *credentialHandler) list(w http.ResponseWriter, r *http.Request) {
	creds, err := h.store.ListCredentials(r.Context(), r.PathValue("ws"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": creds})
}

func (h *credentialHandler) put(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.SourceKey == "" {
		writeError(w, http.StatusBadRequest, "sourceKey is required")
		return
	}

	scope := req.Scope
	if scope == "" {
		scope = store.CredScopeWorkspace
	}
	if scope == store.CredScopeActor && req.ActorID == "" {
		writeError(w, http.StatusBadRequest, "actor scope requires actorId")
		return
	}
	provider := req.Provider
	if provider == "" {
		provider = store.CredProviderManaged
	}
	switch provider {
	case store.CredProviderManaged:
		if req.Token == "" && req.Value == "" && req.Username == "" {
			writeError(w, http.StatusBadRequest, "a token, value, or username is required")
			return
		}
	case store.CredProviderVault:
		if req.ObjectID == "" {
			writeError(w, http.StatusBadRequest, "vault credentials require objectId")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown provider")
		return
	}

	payload, err := json.Marshal(map[string]string{
		"token":    req.Token,
		"value":    req.Value,
		"username": req.Username,
		"password": req.Password,
		"objectId": req.ObjectID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sealed, err := h.encryptor.Encrypt(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encrypt credential: "+err.Error())
		return
	}

	cred := &store.Credential{
		ID:          "cred_" + uuid.NewString(),
		WorkspaceID: r.PathValue("ws"),
		SourceKey:   req.SourceKey,
		Scope:       scope,
		ActorID:     req.ActorID,
		Provider:    provider,
		Payload:     sealed,
	}
	if err := h.store.PutCredential(r.Context(), cred); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (h *credentialHandler) delete(w http.ResponseWriter, r *http.Request) {
	// Scope the delete to the workspace in the path.
	creds, err := h.store.ListCredentials(r.Context(), r.PathValue("ws"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	id := r.PathValue("id")
	for _, c := range creds {
		if c.ID == id {
			if err := h.store.DeleteCredential(r.Context(), id); err != nil {
				writeStoreError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not found")
}
