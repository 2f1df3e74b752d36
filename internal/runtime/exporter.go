package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nidhogg/nuka-skills/internal/skill"
)

// Snapshot is the point-in-time manifest written for one skill version.
type Snapshot struct {
	TenantID    string          `json:"tenantId"`
	Key         string          `json:"key"`
	Version     string          `json:"version"`
	DisplayName string          `json:"displayName"`
	Description string          `json:"description,omitempty"`
	Source      skill.Source    `json:"source"`
	Actions     []skill.Action  `json:"actions"`
	Manifest    *skill.Manifest `json:"manifest,omitempty"`
	ExportedAt  time.Time       `json:"exportedAt"`
}

// SnapshotOf builds the snapshot for a resolved catalog item.
func SnapshotOf(tenantID string, item skill.CatalogItem) Snapshot {
	return Snapshot{
		TenantID:    tenantID,
		Key:         item.Key,
		Version:     item.Version,
		DisplayName: item.DisplayName,
		Description: item.Description,
		Source:      item.Source,
		Actions:     item.Actions,
	}
}

// Exporter writes snapshots under <root>/<tenant>/<key>/<version>.json. A
// zero-value root disables export.
type Exporter struct {
	root string
	now  func() time.Time
}

func NewExporter(root string) *Exporter {
	return &Exporter{root: root, now: time.Now}
}

// Enabled reports whether snapshots are written.
func (e *Exporter) Enabled() bool { return e != nil && e.root != "" }

// Path returns where the snapshot for (tenant, key, version) lives.
func (e *Exporter) Path(tenantID, key, version string) string {
	if !e.Enabled() {
		return ""
	}
	return filepath.Join(e.root, pathSegment(tenantID), pathSegment(key), pathSegment(version)+".json")
}

// Export writes snap atomically and returns its path.
func (e *Exporter) Export(snap Snapshot) (string, error) {
	if !e.Enabled() {
		return "", nil
	}
	if snap.ExportedAt.IsZero() {
		snap.ExportedAt = e.now().UTC()
	}
	path := e.Path(snap.TenantID, snap.Key, snap.Version)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return "", fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename snapshot: %w", err)
	}
	return path, nil
}

func pathSegment(s string) string {
	if s == "" {
		return "_"
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
	if s == "." || s == ".." {
		return "_"
	}
	return s
}
