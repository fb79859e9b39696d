// Package toolcache resolves a workspace's compiled tool surface through a
// two-layer cache: an in-memory snapshot keyed by workspace and a durable
// snapshot blob keyed by source-set signature. Cache failures degrade to a
// rebuild; the compiled surface is always served.
package toolcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/taskgate/taskgate/internal/cache"
	"github.com/taskgate/taskgate/internal/compiler"
	"github.com/taskgate/taskgate/internal/store"
	"github.com/taskgate/taskgate/internal/tools"
)

// maxCompileConcurrency bounds parallel source compilation per rebuild.
const maxCompileConcurrency = 4

type cacheStore interface {
	store.ToolSourceStore
	store.ToolCacheStore
	store.BlobStore
}

// Cache serves workspace tool snapshots.
type Cache struct {
	store      cacheStore
	compiler   *compiler.Compiler
	mem        *cache.Cache[string, *tools.Snapshot]
	log        *slog.Logger
	versionTag string
}

// New creates a workspace tool cache.
func New(s cacheStore, c *compiler.Compiler, log *slog.Logger) *Cache {
	return &Cache{
		store:      s,
		compiler:   c,
		mem:        cache.New[string, *tools.Snapshot](256, 10*time.Minute),
		log:        log,
		versionTag: VersionTag,
	}
}

// snapshotBlob is the durable snapshot format. Definitions serialize without
// their invokers; rehydration rebinds them from the bindings.
type snapshotBlob struct {
	Tools       []*tools.Definition `json:"tools"`
	PseudoPaths []string            `json:"pseudoPaths,omitempty"`
}

// Snapshot returns the compiled tool surface for a workspace, along with
// per-source compile warnings from a rebuild (empty on cache hits).
func (c *Cache) Snapshot(ctx context.Context, workspaceID string) (*tools.Snapshot, []string, error) {
	sources, err := c.store.ListEnabledToolSources(ctx, workspaceID)
	if err != nil {
		return nil, nil, fmt.Errorf("list tool sources: %w", err)
	}
	signature := Signature(c.versionTag, workspaceID, sources)

	if snap, ok := c.mem.Get(workspaceID); ok && snap.Signature == signature {
		return snap, nil, nil
	}

	if snap := c.loadStored(ctx, workspaceID, signature); snap != nil {
		c.mem.Set(workspaceID, snap)
		return snap, nil, nil
	}

	snap, warnings, err := c.rebuild(ctx, workspaceID, signature, sources)
	if err != nil {
		return nil, warnings, err
	}
	c.mem.Set(workspaceID, snap)
	return snap, warnings, nil
}

// Invalidate drops the in-memory snapshot for a workspace. The durable layer
// self-invalidates through the signature.
func (c *Cache) Invalidate(workspaceID string) {
	c.mem.Invalidate(workspaceID)
}

// Stats reports in-memory layer statistics.
func (c *Cache) Stats() cache.Stats {
	return c.mem.Stats()
}

// loadStored reads the durable snapshot when its signature still matches.
// Any failure is a miss; reads never block a rebuild.
func (c *Cache) loadStored(ctx context.Context, workspaceID, signature string) *tools.Snapshot {
	entry, err := c.store.GetToolCacheEntry(ctx, workspaceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn("tool cache read failed", "workspace_id", workspaceID, "error", err)
		}
		return nil
	}
	if entry.Signature != signature {
		return nil
	}

	raw, err := c.store.GetBlob(ctx, entry.SnapshotBlobID)
	if err != nil {
		c.log.Warn("tool cache snapshot blob read failed", "workspace_id", workspaceID, "error", err)
		return nil
	}
	var blob snapshotBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		c.log.Warn("tool cache snapshot blob is corrupt", "workspace_id", workspaceID, "error", err)
		return nil
	}

	snap := &tools.Snapshot{
		WorkspaceID: workspaceID,
		Signature:   signature,
		Tools:       make(map[string]*tools.Definition, len(blob.Tools)+1),
		PseudoPaths: blob.PseudoPaths,
		DTS:         make(map[string]string),
		BuiltAt:     entry.CreatedAt,
	}
	for _, def := range blob.Tools {
		if err := c.compiler.Rehydrate(def); err != nil {
			c.log.Warn("tool cache rehydrate failed", "tool", def.Path, "error", err)
			return nil
		}
		snap.Tools[def.Path] = def
	}

	for sourceName, blobID := range entry.DTSBlobIDs {
		dts, err := c.store.GetBlob(ctx, blobID)
		if err != nil {
			c.log.Warn("tool cache dts blob read failed", "source", sourceName, "error", err)
			continue
		}
		snap.DTS[sourceName] = string(dts)
	}

	discover := tools.NewDiscoverTool(snap)
	snap.Tools[discover.Path] = discover
	return snap
}

// rebuild normalizes and compiles every enabled source in parallel,
// accumulating per-source failures as warnings rather than failing the
// workspace, then writes the result back best-effort.
func (c *Cache) rebuild(
	ctx context.Context, workspaceID, signature string, sources []store.ToolSource,
) (*tools.Snapshot, []string, error) {
	var warnings []string
	configs := make([]*compiler.SourceConfig, 0, len(sources))
	for i := range sources {
		cfg, err := compiler.Normalize(&sources[i])
		if err != nil {
			warnings = append(warnings, loadWarning(sources[i].Type, sources[i].Name, err))
			continue
		}
		configs = append(configs, cfg)
	}

	artifacts := make([]*compiler.CompiledArtifact, len(configs))
	errs := make([]error, len(configs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxCompileConcurrency)
	for i, cfg := range configs {
		g.Go(func() error {
			artifacts[i], errs[i] = c.compiler.Compile(gctx, cfg)
			return nil
		})
	}
	_ = g.Wait()
	for i, err := range errs {
		if err != nil {
			warnings = append(warnings, loadWarning(configs[i].Type, configs[i].Name, err))
		}
	}

	snap := &tools.Snapshot{
		WorkspaceID: workspaceID,
		Signature:   signature,
		Tools:       make(map[string]*tools.Definition),
		DTS:         make(map[string]string),
		BuiltAt:     time.Now().UTC(),
	}
	// Later artifacts win on path conflicts; source order is id order.
	for _, artifact := range artifacts {
		if artifact == nil {
			continue
		}
		for _, def := range artifact.Tools {
			snap.Tools[def.Path] = def
		}
		snap.PseudoPaths = append(snap.PseudoPaths, artifact.PseudoPaths...)
		if artifact.DTS != "" {
			snap.DTS[artifact.SourceName] = artifact.DTS
		}
	}
	sort.Strings(snap.PseudoPaths)

	c.writeStored(ctx, snap)

	discover := tools.NewDiscoverTool(snap)
	snap.Tools[discover.Path] = discover
	return snap, warnings, nil
}

// loadWarning formats a per-source compile failure. Normalize errors already
// name the source; the redundant prefix is trimmed so the warning reads as a
// single sentence.
func loadWarning(sourceType, name string, err error) string {
	reason := strings.TrimPrefix(err.Error(), fmt.Sprintf("source %q: ", name))
	return fmt.Sprintf("Failed to load %s source '%s': %s", sourceType, name, reason)
}

// writeStored persists the stripped snapshot and per-source typedef blobs.
// A failed write logs a warning; the freshly built snapshot is served
// regardless.
func (c *Cache) writeStored(ctx context.Context, snap *tools.Snapshot) {
	blob := snapshotBlob{PseudoPaths: snap.PseudoPaths}
	for _, def := range snap.Tools {
		if def.Privileged {
			continue
		}
		blob.Tools = append(blob.Tools, def)
	}
	sort.Slice(blob.Tools, func(i, j int) bool { return blob.Tools[i].Path < blob.Tools[j].Path })

	raw, err := json.Marshal(blob)
	if err != nil {
		c.log.Warn("tool cache snapshot marshal failed", "workspace_id", snap.WorkspaceID, "error", err)
		return
	}

	snapshotBlobID := "blob_" + uuid.NewString()
	if err := c.store.PutBlob(ctx, snapshotBlobID, raw); err != nil {
		c.log.Warn("tool cache snapshot write failed", "workspace_id", snap.WorkspaceID, "error", err)
		return
	}

	dtsIDs := make(map[string]string, len(snap.DTS))
	for sourceName, dts := range snap.DTS {
		id := "blob_" + uuid.NewString()
		if err := c.store.PutBlob(ctx, id, []byte(dts)); err != nil {
			c.log.Warn("tool cache dts write failed", "source", sourceName, "error", err)
			continue
		}
		dtsIDs[sourceName] = id
	}

	displaced, err := c.store.PutToolCacheEntry(ctx, &store.ToolCacheEntry{
		WorkspaceID:    snap.WorkspaceID,
		Signature:      snap.Signature,
		SnapshotBlobID: snapshotBlobID,
		DTSBlobIDs:     dtsIDs,
		CreatedAt:      snap.BuiltAt,
	})
	if err != nil {
		c.log.Warn("tool cache entry write failed", "workspace_id", snap.WorkspaceID, "error", err)
		return
	}
	for _, id := range displaced {
		if err := c.store.DeleteBlob(ctx, id); err != nil {
			c.log.Warn("tool cache blob delete failed", "blob_id", id, "error", err)
		}
	}
}
