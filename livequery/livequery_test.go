package livequery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddpkit/ddp/collection"
)

func newTestCollection(t *testing.T, name string) *collection.Collection {
	t.Helper()
	store := collection.NewStore(t.TempDir() + "/test.db")
	c, err := collection.New(name, collection.WithStore(store))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLiveQuery_AddOnMatch(t *testing.T) {
	c := newTestCollection(t, "widgets")
	lq := New(collection.Document{"kind": "a"}, c, nil)
	defer lq.Close()

	var addedCount, updatedCount int
	lq.OnAdded(func(AddedEvent) { addedCount++ })
	lq.OnUpdated(func() { updatedCount++ })

	_, err := c.Insert(collection.Document{"kind": "b"})
	require.NoError(t, err)
	assert.Empty(t, lq.Data())
	assert.Equal(t, 0, addedCount)

	_, err = c.Insert(collection.Document{"kind": "a", "v": 1})
	require.NoError(t, err)
	assert.Len(t, lq.Data(), 1)
	assert.Equal(t, 1, addedCount)
	assert.Equal(t, 1, updatedCount)
}

func TestLiveQuery_CrossBoundaryUpdate(t *testing.T) {
	c := newTestCollection(t, "widgets")
	id, err := c.Insert(collection.Document{"kind": "a"})
	require.NoError(t, err)

	lq := New(collection.Document{"kind": "a"}, c, nil)
	defer lq.Close()
	require.Len(t, lq.Data(), 1)

	var removed []RemovedEvent
	var changedEvents int
	var added int
	lq.OnRemoved(func(e RemovedEvent) { removed = append(removed, e) })
	lq.OnChanged(func(ChangedEvent) { changedEvents++ })
	lq.OnAdded(func(AddedEvent) { added++ })

	_, err = c.Update(collection.Document{"_id": id}, collection.Document{"$set": collection.Document{"kind": "b"}})
	require.NoError(t, err)

	assert.Empty(t, lq.Data())
	require.Len(t, removed, 1)
	assert.Equal(t, id, removed[0].ID)
	assert.Equal(t, 0, changedEvents)
	assert.Equal(t, 0, added)
}

func TestLiveQuery_WithinBoundaryUpdateFiresChanged(t *testing.T) {
	c := newTestCollection(t, "widgets")
	id, err := c.Insert(collection.Document{"kind": "a", "v": 1})
	require.NoError(t, err)

	lq := New(collection.Document{"kind": "a"}, c, nil)
	defer lq.Close()

	var changed []ChangedEvent
	lq.OnChanged(func(e ChangedEvent) { changed = append(changed, e) })

	_, err = c.Update(collection.Document{"_id": id}, collection.Document{"$set": collection.Document{"v": 2}})
	require.NoError(t, err)

	require.Len(t, changed, 1)
	assert.Equal(t, 2, changed[0].Changed["v"])
}

func TestLiveQuery_RemoveOutsideSelectorIsNoop(t *testing.T) {
	c := newTestCollection(t, "widgets")
	_, err := c.Insert(collection.Document{"kind": "b"})
	require.NoError(t, err)

	lq := New(collection.Document{"kind": "a"}, c, nil)
	defer lq.Close()

	var removed int
	lq.OnRemoved(func(RemovedEvent) { removed++ })

	_, err = c.Remove(collection.Document{"kind": "b"})
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
