package skill

import (
	"sort"
	"sync"
)

// Registry holds the built-in catalog. All operations are thread-safe.
type Registry struct {
	mu    sync.RWMutex
	items map[string]CatalogItem
}

// NewRegistry creates a Registry preloaded with the compiled-in manifests.
func NewRegistry() *Registry {
	r := &Registry{items: make(map[string]CatalogItem)}
	for _, m := range DefaultBuiltinManifests() {
		r.Add(m)
	}
	return r
}

// Add registers a manifest, replacing any built-in with the same key.
func (r *Registry) Add(m Manifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[m.Key] = BuiltinItem(m)
}

// Get returns the built-in item for key.
func (r *Registry) Get(key string) (CatalogItem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[key]
	return item, ok
}

// Catalog returns a copy of every built-in item sorted by display name.
func (r *Registry) Catalog() []CatalogItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CatalogItem, 0, len(r.items))
	for _, item := range r.items {
		item.Actions = append([]Action(nil), item.Actions...)
		out = append(out, item)
	}
	SortByDisplayName(out)
	return out
}

// SortByDisplayName orders items by display name, then key.
func SortByDisplayName(items []CatalogItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].DisplayName != items[j].DisplayName {
			return items[i].DisplayName < items[j].DisplayName
		}
		return items[i].Key < items[j].Key
	})
}
