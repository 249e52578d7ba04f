package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldVersions_NextIsMonotonic(t *testing.T) {
	fv := NewFieldVersions()
	for want := 1; want <= 5; want++ {
		assert.Equal(t, want, fv.Next("notes"))
	}
	assert.Equal(t, 1, fv.Next("price"), "fields are versioned independently")
	assert.Equal(t, 5, fv.Current("notes"))
}

func TestFieldVersions_Observe(t *testing.T) {
	fv := NewFieldVersions()
	fv.Next("notes")
	fv.Next("notes")

	raised, prev := fv.Observe("notes", 2)
	assert.False(t, raised)
	assert.Equal(t, 2, prev)

	raised, _ = fv.Observe("notes", 1)
	assert.False(t, raised)
	assert.Equal(t, 2, fv.Current("notes"))

	raised, prev = fv.Observe("notes", 7)
	assert.True(t, raised)
	assert.Equal(t, 2, prev)
	assert.Equal(t, 8, fv.Next("notes"))

	assert.Equal(t, map[string]int{"notes": 8}, fv.Snapshot())
}
