package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/nuka-skills/internal/skill"
)

// VersionStore loads stored versions for checksum lookup.
type VersionStore interface {
	GetVersion(ctx context.Context, definitionID, version string) (*skill.Version, error)
}

// ChecksumResolver computes the per-skill checksum that feeds the desired hash.
type ChecksumResolver struct {
	versions VersionStore
}

func NewChecksumResolver(versions VersionStore) *ChecksumResolver {
	return &ChecksumResolver{versions: versions}
}

// Checksum returns the checksum for item. Built-in skills hash their own
// content; store-backed skills use the stored version checksum. The returned
// warning is non-empty when a store-backed checksum had to be derived.
func (c *ChecksumResolver) Checksum(ctx context.Context, tenantID string, item skill.CatalogItem) (string, string) {
	if item.Source == skill.SourceBuiltin || item.DefinitionID == "" {
		return builtinChecksum(tenantID, item), ""
	}

	fallback := skill.HashHex([]byte(tenantID + ":" + item.Key + ":" + item.Version))
	if c.versions == nil {
		return fallback, ""
	}
	v, err := c.versions.GetVersion(ctx, item.DefinitionID, item.Version)
	if err != nil {
		return fallback, fmt.Sprintf("Checksum lookup failed for %s@%s: %v", item.Key, item.Version, err)
	}
	if v.Checksum == "" {
		return fallback, ""
	}
	return v.Checksum, ""
}

func builtinChecksum(tenantID string, item skill.CatalogItem) string {
	data, _ := json.Marshal(struct {
		TenantID string         `json:"tenantId"`
		Key      string         `json:"key"`
		Version  string         `json:"version"`
		Actions  []skill.Action `json:"actions"`
	}{tenantID, item.Key, item.Version, item.Actions})
	return skill.HashHex(data)
}
