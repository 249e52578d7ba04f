package collab

import "sync"

// FieldVersions holds the highest version applied or originated locally for
// each field of one dossier.
type FieldVersions struct {
	mu       sync.Mutex
	versions map[string]int
}

// NewFieldVersions creates an empty table; unknown fields are at version 0.
func NewFieldVersions() *FieldVersions {
	return &FieldVersions{versions: make(map[string]int)}
}

// Next increments the field's version and returns the new value.
func (f *FieldVersions) Next(field string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[field]++
	return f.versions[field]
}

// Current returns the field's version.
func (f *FieldVersions) Current(field string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[field]
}

// Observe raises the field's version to v when v is strictly greater and
// reports whether it did, along with the version held before the call.
func (f *FieldVersions) Observe(field string, v int) (raised bool, prev int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev = f.versions[field]
	if v <= prev {
		return false, prev
	}
	f.versions[field] = v
	return true, prev
}

// Snapshot returns a copy of all versions.
func (f *FieldVersions) Snapshot() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.versions))
	for k, v := range f.versions {
		out[k] = v
	}
	return out
}
