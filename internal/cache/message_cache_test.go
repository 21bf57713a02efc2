package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageCacheStartEntryInsertionOrder(t *testing.T) {
	c := New()
	spawn := c.StartEntry(KindSpawn, "ping")
	tellA := c.StartEntry(KindTell, "A")
	tellB := c.StartEntry(KindTell, "B")

	entries := c.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, spawn.ID, entries[0].ID)
	assert.Equal(t, tellA.ID, entries[1].ID)
	assert.Equal(t, tellB.ID, entries[2].ID)
	assert.Less(t, entries[0].ID, entries[1].ID)
	assert.Less(t, entries[1].ID, entries[2].ID)
}

func TestMessageCacheByID(t *testing.T) {
	c := New()
	entry := c.StartEntry(KindTell, "hi")

	got, ok := c.ByID(entry.ID)
	assert.True(t, ok)
	assert.Same(t, entry, got)

	_, ok = c.ByID(entry.ID + 999)
	assert.False(t, ok)
}

func TestMessageCacheStats(t *testing.T) {
	c := New()
	spawn := c.StartEntry(KindSpawn, "ping")
	tell := c.StartEntry(KindTell, "hi")

	spawn.Complete()

	stats := c.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Spawn)
	assert.Equal(t, 1, stats.Tell)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Completed)

	tell.Complete()
	stats = c.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 2, stats.Completed)
}
