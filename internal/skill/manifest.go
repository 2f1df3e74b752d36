package skill

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
)

var keyRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidKey reports whether key is usable as a skill key.
func ValidKey(key string) bool {
	return keyRe.MatchString(key)
}

// Validate checks that a manifest is publishable under key.
func (m *Manifest) Validate(key string) error {
	if strings.TrimSpace(m.DisplayName) == "" {
		return Invalid("manifest.displayName is required")
	}
	if len(m.Operations) == 0 {
		return Invalid("manifest.operations must contain at least one operation")
	}
	for i, op := range m.Operations {
		if strings.TrimSpace(op.Name) == "" {
			return Invalid("manifest.operations[%d].name is required", i)
		}
		if op.Run == nil || strings.TrimSpace(op.Run.AgentID) == "" {
			return Invalid("manifest.operations[%d].run.agentId is required", i)
		}
		switch op.RiskLevel {
		case "", RiskLow, RiskMedium, RiskHigh:
		default:
			return Invalid("manifest.operations[%d].riskLevel %q is not one of low, medium, high", i, op.RiskLevel)
		}
	}
	if m.Key != "" && m.Key != key {
		return Invalid("manifest.key %q must match skill key %q", m.Key, key)
	}
	return nil
}

// Normalized fills the key and display name from the owning definition when
// the manifest leaves them empty.
func (m Manifest) Normalized(key, displayName string) Manifest {
	if m.Key == "" {
		m.Key = key
	}
	if m.DisplayName == "" {
		m.DisplayName = displayName
	}
	return m
}

// Checksum is the sha256 of the manifest's JSON encoding.
func (m *Manifest) Checksum() string {
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return HashHex(data)
}

// HashHex returns the hex sha256 of data.
func HashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
