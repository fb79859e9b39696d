package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/taskgate/taskgate/internal/store"
	"github.com/taskgate/taskgate/internal/tools"
)

// Resolver materializes a tool's credential spec into request headers.
type Resolver struct {
	store     store.CredentialStore
	encryptor *AgeEncryptor
	vault     VaultReader
}

// NewResolver creates a credential Resolver. vault may be nil when no
// workos-vault credentials are provisioned.
func NewResolver(s store.CredentialStore, enc *AgeEncryptor, vault VaultReader) *Resolver {
	return &Resolver{store: s, encryptor: enc, vault: vault}
}

// secretPayload is the decrypted shape of a stored credential.
type secretPayload struct {
	Token    string `json:"token,omitempty"`
	Value    string `json:"value,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	ObjectID string `json:"objectId,omitempty"` // workos-vault reference
}

// Resolve returns the header bag for a tool call, or nil when the tool
// declares no credential spec. A spec with neither a stored row nor a static
// fallback is an error.
func (r *Resolver) Resolve(
	ctx context.Context, workspaceID, actorID string, spec *tools.CredentialSpec,
) (http.Header, error) {
	if spec == nil {
		return nil, nil
	}

	scope := spec.Scope
	if scope == "" {
		scope = store.CredScopeWorkspace
	}
	lookupActor := ""
	if scope == store.CredScopeActor {
		lookupActor = actorID
	}

	cred, err := r.store.GetCredential(ctx, workspaceID, spec.SourceKey, scope, lookupActor)
	if errors.Is(err, store.ErrNotFound) {
		if spec.Fallback != "" {
			return headersFor(spec, &secretPayload{Token: spec.Fallback, Value: spec.Fallback})
		}
		return nil, fmt.Errorf("no credential for source key %q (scope %s)", spec.SourceKey, scope)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %q: %w", spec.SourceKey, err)
	}

	payload, err := r.resolvePayload(ctx, cred)
	if err != nil {
		return nil, err
	}
	return headersFor(spec, payload)
}

// resolvePayload decrypts the stored payload and, for vault-backed
// credentials, dereferences the object id into the live secret.
func (r *Resolver) resolvePayload(ctx context.Context, cred *store.Credential) (*secretPayload, error) {
	plaintext, err := r.encryptor.Decrypt(cred.Payload)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential %s: %w", cred.ID, err)
	}

	var payload secretPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("decode credential %s: %w", cred.ID, err)
	}

	if cred.Provider == store.CredProviderVault {
		if r.vault == nil {
			return nil, fmt.Errorf("credential %s requires a vault reader", cred.ID)
		}
		if payload.ObjectID == "" {
			return nil, fmt.Errorf("credential %s has no vault object id", cred.ID)
		}
		value, err := readWithRetry(ctx, r.vault, payload.ObjectID)
		if err != nil {
			return nil, fmt.Errorf("credential %s: %w", cred.ID, err)
		}
		var resolved secretPayload
		if err := json.Unmarshal(value, &resolved); err != nil {
			// Vault may hold a bare string secret.
			var s string
			if err2 := json.Unmarshal(value, &s); err2 != nil {
				return nil, fmt.Errorf("credential %s: decode vault value: %w", cred.ID, err)
			}
			resolved = secretPayload{Token: s, Value: s}
		}
		return &resolved, nil
	}
	return &payload, nil
}

func headersFor(spec *tools.CredentialSpec, payload *secretPayload) (http.Header, error) {
	h := http.Header{}
	switch spec.Kind {
	case "bearer":
		if payload.Token == "" {
			return nil, fmt.Errorf("credential for %q has no token", spec.SourceKey)
		}
		h.Set("Authorization", "Bearer "+payload.Token)
	case "apiKey":
		name := spec.HeaderName
		if name == "" {
			name = "X-Api-Key"
		}
		value := payload.Value
		if value == "" {
			value = payload.Token
		}
		if value == "" {
			return nil, fmt.Errorf("credential for %q has no value", spec.SourceKey)
		}
		h.Set(name, value)
	case "basic":
		if payload.Username == "" {
			return nil, fmt.Errorf("credential for %q has no username", spec.SourceKey)
		}
		raw := payload.Username + ":" + payload.Password
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	default:
		return nil, fmt.Errorf("unknown credential kind %q for %q", spec.Kind, spec.SourceKey)
	}
	return h, nil
}
