package skill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFromDir scans a directory for built-in skill subdirectories.
// Each subdirectory should contain a skill.json or skill.yaml manifest and
// optionally a description.md that overrides the description field. The
// subdirectory name is used as the key when the manifest omits one. If dir
// doesn't exist, returns an empty slice without error.
func LoadFromDir(dir string) ([]Manifest, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading skill directory %s: %w", dir, err)
	}

	var manifests []Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		m, err := loadManifestFromSubdir(filepath.Join(dir, entry.Name()), entry.Name())
		if err != nil {
			return nil, fmt.Errorf("loading skill %s: %w", entry.Name(), err)
		}
		if m != nil {
			manifests = append(manifests, *m)
		}
	}

	return manifests, nil
}

func loadManifestFromSubdir(dir, name string) (*Manifest, error) {
	var m Manifest
	found := false
	for _, file := range []string{"skill.json", "skill.yaml", "skill.yml"} {
		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
		if strings.HasSuffix(file, ".json") {
			err = json.Unmarshal(data, &m)
		} else {
			err = yaml.Unmarshal(data, &m)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing %s in %s: %w", file, dir, err)
		}
		found = true
		break
	}
	if !found {
		return nil, nil
	}

	if m.Key == "" {
		m.Key = name
	}
	if descData, err := os.ReadFile(filepath.Join(dir, "description.md")); err == nil {
		m.Description = strings.TrimSpace(string(descData))
	}
	if err := m.Validate(m.Key); err != nil {
		return nil, err
	}
	return &m, nil
}
