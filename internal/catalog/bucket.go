package catalog

import (
	"crypto/sha256"
	"encoding/binary"
)

// Bucket maps seed onto a stable value in [0, 100).
func Bucket(seed string) int {
	sum := sha256.Sum256([]byte(seed))
	return int(binary.BigEndian.Uint32(sum[:4]) % 100)
}

// ReleaseSeed is the bucket seed for a release rule decision.
func ReleaseSeed(tenantID, skillKey, version string) string {
	return tenantID + ":" + skillKey + ":" + version
}

// BindingSeed is the bucket seed for a binding rollout decision.
func BindingSeed(tenantID, skillKey, scopeType, scopeID string) string {
	return tenantID + ":" + skillKey + ":" + scopeType + ":" + scopeID
}

// InRollout reports whether a seed falls inside a rollout percentage.
func InRollout(seed string, percent int) bool {
	return Bucket(seed) < percent
}
