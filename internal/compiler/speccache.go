package compiler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/taskgate/taskgate/internal/cache"
	"github.com/taskgate/taskgate/internal/store"
)

// SpecSchemaVersion is bumped whenever the prepared-spec record shape
// changes. Entries written under another version are treated as misses.
const SpecSchemaVersion = "v1"

// DefaultSpecMaxAge bounds how long a prepared spec is served from cache.
const DefaultSpecMaxAge = 5 * time.Hour

const maxSpecBytes = 8 << 20

// SpecCache fetches, prepares, and caches OpenAPI documents by URL. Layer
// one is an in-memory LRU; layer two is a metadata row plus a blob in the
// store. Concurrent writers race freely and the last writer wins.
type SpecCache struct {
	store  specCacheStore
	client *http.Client
	maxAge time.Duration
	mem    *cache.Cache[string, *PreparedSpec]
	log    *slog.Logger
}

type specCacheStore interface {
	store.SpecCacheStore
	store.BlobStore
}

// NewSpecCache creates a SpecCache. client may be nil to use the default.
func NewSpecCache(s specCacheStore, client *http.Client, log *slog.Logger) *SpecCache {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SpecCache{
		store:  s,
		client: client,
		maxAge: DefaultSpecMaxAge,
		mem:    cache.New[string, *PreparedSpec](128, DefaultSpecMaxAge),
		log:    log,
	}
}

// Get returns the prepared form of the spec at specURL, fetching and
// preparing it on a miss. Singleflight collapses concurrent misses.
func (c *SpecCache) Get(ctx context.Context, specURL string) (*PreparedSpec, error) {
	return c.mem.GetOrLoad(specURL, func() (*PreparedSpec, error) {
		if prepared := c.loadStored(ctx, specURL); prepared != nil {
			return prepared, nil
		}
		prepared, raw, err := c.fetchAndPrepare(ctx, specURL)
		if err != nil {
			return nil, err
		}
		c.writeStored(ctx, specURL, raw)
		return prepared, nil
	})
}

// loadStored reads the durable layer. Any failure is a miss; cache errors
// never bubble past this layer.
func (c *SpecCache) loadStored(ctx context.Context, specURL string) *PreparedSpec {
	entry, err := c.store.GetSpecCacheEntry(ctx, specURL, SpecSchemaVersion)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn("spec cache read failed", "spec_url", specURL, "error", err)
		}
		return nil
	}
	if time.Since(entry.CreatedAt) > c.maxAge {
		return nil
	}

	blob, err := c.store.GetBlob(ctx, entry.BlobID)
	if err != nil {
		c.log.Warn("spec cache blob read failed", "spec_url", specURL, "error", err)
		return nil
	}
	prepared, err := UnmarshalPreparedSpec(blob)
	if err != nil {
		c.log.Warn("spec cache blob is corrupt", "spec_url", specURL, "error", err)
		return nil
	}
	return prepared
}

// writeStored persists the prepared spec best-effort and deletes whatever
// blob the write displaced.
func (c *SpecCache) writeStored(ctx context.Context, specURL string, serialized []byte) {
	blobID := "blob_" + uuid.NewString()
	if err := c.store.PutBlob(ctx, blobID, serialized); err != nil {
		c.log.Warn("spec cache blob write failed", "spec_url", specURL, "error", err)
		return
	}
	displaced, err := c.store.PutSpecCacheEntry(ctx, &store.SpecCacheEntry{
		SpecURL:       specURL,
		SchemaVersion: SpecSchemaVersion,
		BlobID:        blobID,
		SizeBytes:     int64(len(serialized)),
	})
	if err != nil {
		c.log.Warn("spec cache write failed", "spec_url", specURL, "error", err)
		return
	}
	if displaced != "" {
		if err := c.store.DeleteBlob(ctx, displaced); err != nil {
			c.log.Warn("spec cache blob delete failed", "blob_id", displaced, "error", err)
		}
	}
}

func (c *SpecCache) fetchAndPrepare(ctx context.Context, specURL string) (*PreparedSpec, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, specURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch spec %s: %w", specURL, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch spec %s: %w", specURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("fetch spec %s: status %d", specURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("fetch spec %s: %w", specURL, err)
	}

	prepared, err := PrepareOpenAPI(body)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare spec %s: %w", specURL, err)
	}
	serialized, err := prepared.Marshal()
	if err != nil {
		return nil, nil, fmt.Errorf("serialize spec %s: %w", specURL, err)
	}
	return prepared, serialized, nil
}

// Prune deletes durable entries older than the max age and their blobs.
// Intended to run periodically from the serve loop.
func (c *SpecCache) Prune(ctx context.Context, limit int) error {
	blobIDs, err := c.store.PruneSpecCache(ctx, time.Now().Add(-c.maxAge), limit)
	if err != nil {
		return fmt.Errorf("prune spec cache: %w", err)
	}
	for _, id := range blobIDs {
		if err := c.store.DeleteBlob(ctx, id); err != nil {
			c.log.Warn("spec cache blob delete failed", "blob_id", id, "error", err)
		}
	}
	return nil
}

// Stats reports in-memory layer statistics.
func (c *SpecCache) Stats() cache.Stats {
	return c.mem.Stats()
}
