package toolcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/taskgate/taskgate/internal/store"
)

// VersionTag invalidates every cached snapshot when the compiled artifact
// shape changes. Bump on incompatible changes to the snapshot blob format.
const VersionTag = "v1"

// Signature computes the stable cache key for a workspace's source set:
// a hash over the version tag, the workspace, and each source's
// id:updatedAt:enabled triple in sorted order. Any source edit, enable
// toggle, or version bump changes the signature.
func Signature(versionTag, workspaceID string, sources []store.ToolSource) string {
	parts := make([]string, 0, len(sources))
	for _, src := range sources {
		parts = append(parts, fmt.Sprintf("%s:%s:%t",
			src.ID, src.UpdatedAt.UTC().Format(time.RFC3339Nano), src.Enabled))
	}
	sort.Strings(parts)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", versionTag, workspaceID, strings.Join(parts, ","))
	return hex.EncodeToString(h.Sum(nil))
}
