package runtime

import (
	"encoding/json"
	"sort"

	"github.com/nidhogg/nuka-skills/internal/skill"
)

type hashEntry struct {
	Key      string `json:"key"`
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
}

// SortSkills orders plan entries by key, then version.
func SortSkills(skills []skill.PlanSkill) {
	sort.SliceStable(skills, func(i, j int) bool {
		if skills[i].Key != skills[j].Key {
			return skills[i].Key < skills[j].Key
		}
		return skills[i].Version < skills[j].Version
	})
}

// DesiredHash hashes the ordered (key, version, checksum) tuples. Export
// paths are not part of the hash.
func DesiredHash(skills []skill.PlanSkill) string {
	sorted := append([]skill.PlanSkill(nil), skills...)
	SortSkills(sorted)
	entries := make([]hashEntry, len(sorted))
	for i, s := range sorted {
		entries[i] = hashEntry{Key: s.Key, Version: s.Version, Checksum: s.Checksum}
	}
	data, _ := json.Marshal(entries)
	return skill.HashHex(data)
}

// BuildPlan computes the desired hash and the load/unload diff against the
// previously applied skills.
func BuildPlan(skills, previous []skill.PlanSkill) skill.Plan {
	current := append([]skill.PlanSkill(nil), skills...)
	SortSkills(current)

	prev := make(map[string]string, len(previous))
	for _, s := range previous {
		prev[ref(s)] = s.Checksum
	}
	seen := make(map[string]bool, len(current))

	plan := skill.Plan{
		DesiredHash:   DesiredHash(current),
		Skills:        current,
		LoadActions:   []string{},
		UnloadActions: []string{},
	}
	for _, s := range current {
		r := ref(s)
		seen[r] = true
		if sum, ok := prev[r]; !ok || sum != s.Checksum {
			plan.LoadActions = append(plan.LoadActions, "load:"+r)
		}
	}

	old := append([]skill.PlanSkill(nil), previous...)
	SortSkills(old)
	for _, s := range old {
		if !seen[ref(s)] {
			plan.UnloadActions = append(plan.UnloadActions, "unload:"+ref(s))
		}
	}
	return plan
}

func ref(s skill.PlanSkill) string { return s.Key + "@" + s.Version }
