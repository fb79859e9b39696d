package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskgate/taskgate/internal/secrets"
	"github.com/taskgate/taskgate/internal/store"
)

// Apply seeds tool sources, policies, and credentials from config into the
// store inside one transaction. Re-running with an unchanged file is a no-op:
// unchanged sources keep their updatedAt so the workspace tool cache
// signature is stable across restarts.
func Apply(ctx context.Context, s store.Store, enc *secrets.AgeEncryptor, cfg *FileConfig) error {
	return s.Tx(ctx, func(tx store.Store) error {
		if err := applyToolSources(ctx, tx, cfg.ToolSources); err != nil {
			return err
		}
		if err := applyPolicies(ctx, tx, cfg.Policies); err != nil {
			return err
		}
		return applyCredentials(ctx, tx, enc, cfg.Credentials)
	})
}

func applyToolSources(ctx context.Context, tx store.Store, items []toolSourceConfig) error {
	for _, item := range items {
		enabled := true
		if item.Enabled != nil {
			enabled = *item.Enabled
		}
		rawConfig, err := json.Marshal(item.Config)
		if err != nil {
			return fmt.Errorf("encode source %s config: %w", item.Name, err)
		}

		existing, err := tx.GetToolSourceByName(ctx, item.Workspace, item.Name)
		if err != nil {
			src := &store.ToolSource{
				ID:          "src_" + uuid.NewString(),
				WorkspaceID: item.Workspace,
				Name:        item.Name,
				Type:        item.Type,
				Enabled:     enabled,
				Config:      rawConfig,
			}
			if err := tx.CreateToolSource(ctx, src); err != nil {
				return fmt.Errorf("create source %s: %w", item.Name, err)
			}
			slog.Info("seeded tool source", "workspace", item.Workspace, "name", item.Name, "type", item.Type)
			continue
		}

		if existing.Type == item.Type && existing.Enabled == enabled &&
			string(existing.Config) == string(rawConfig) {
			continue
		}
		existing.Type = item.Type
		existing.Enabled = enabled
		existing.Config = rawConfig
		existing.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateToolSource(ctx, existing); err != nil {
			return fmt.Errorf("update source %s: %w", item.Name, err)
		}
		slog.Info("updated seeded tool source", "workspace", item.Workspace, "name", item.Name)
	}
	return nil
}

func applyPolicies(ctx context.Context, tx store.Store, items []policyConfig) error {
	byWorkspace := make(map[string][]store.AccessPolicy)
	for _, item := range items {
		existing, ok := byWorkspace[item.Workspace]
		if !ok {
			loaded, err := tx.ListAccessPolicies(ctx, item.Workspace)
			if err != nil {
				return fmt.Errorf("list policies for %s: %w", item.Workspace, err)
			}
			existing = loaded
			byWorkspace[item.Workspace] = loaded
		}
		if hasPolicy(existing, item) {
			continue
		}

		p := &store.AccessPolicy{
			ID:          "pol_" + uuid.NewString(),
			WorkspaceID: item.Workspace,
			ActorID:     item.Actor,
			ClientID:    item.Client,
			Pattern:     item.Pattern,
			Decision:    item.Decision,
			Priority:    item.Priority,
		}
		if err := tx.CreateAccessPolicy(ctx, p); err != nil {
			return fmt.Errorf("create policy %s: %w", item.Pattern, err)
		}
		byWorkspace[item.Workspace] = append(byWorkspace[item.Workspace], *p)
		slog.Info("seeded access policy",
			"workspace", item.Workspace, "pattern", item.Pattern, "decision", item.Decision)
	}
	return nil
}

func hasPolicy(existing []store.AccessPolicy, item policyConfig) bool {
	for _, p := range existing {
		if p.ActorID == item.Actor && p.ClientID == item.Client &&
			p.Pattern == item.Pattern && p.Decision == item.Decision &&
			p.Priority == item.Priority {
			return true
		}
	}
	return false
}

func applyCredentials(
	ctx context.Context, tx store.Store, enc *secrets.AgeEncryptor, items []credentialConfig,
) error {
	for _, item := range items {
		scope := item.Scope
		if scope == "" {
			scope = store.CredScopeWorkspace
		}
		payload, err := json.Marshal(map[string]string{
			"token":    item.Token,
			"value":    item.Value,
			"username": item.Username,
			"password": item.Password,
		})
		if err != nil {
			return fmt.Errorf("encode credential %s: %w", item.SourceKey, err)
		}
		sealed, err := enc.Encrypt(payload)
		if err != nil {
			return fmt.Errorf("encrypt credential %s: %w", item.SourceKey, err)
		}

		cred := &store.Credential{
			ID:          "cred_" + uuid.NewString(),
			WorkspaceID: item.Workspace,
			SourceKey:   item.SourceKey,
			Scope:       scope,
			ActorID:     item.Actor,
			Provider:    store.CredProviderManaged,
			Payload:     sealed,
		}
		if err := tx.PutCredential(ctx, cred); err != nil {
			return fmt.Errorf("put credential %s: %w", item.SourceKey, err)
		}
		slog.Info("seeded credential", "workspace", item.Workspace, "source_key", item.SourceKey, "scope", scope)
	}
	return nil
}
