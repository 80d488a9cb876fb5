package collection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddpkit/ddp/ddperr"
)

func newTestCollection(t *testing.T, name string) *Collection {
	t.Helper()
	store := NewStore(t.TempDir() + "/test.db")
	c, err := New(name, WithStore(store))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNew_RejectsEmptyName(t *testing.T) {
	_, err := New("", WithStore(NewStore(t.TempDir()+"/test.db")))
	require.Error(t, err)
	assert.True(t, ddperr.Is(err, ddperr.InvalidCollectionName))
}

func TestNew_SharesInstanceByName(t *testing.T) {
	store := NewStore(t.TempDir() + "/test.db")
	a, err := New("widgets", WithStore(store))
	require.NoError(t, err)
	b, err := New("widgets", WithStore(store))
	require.NoError(t, err)
	assert.Same(t, a, b)

	id, err := a.Insert(Document{"name": "gear"})
	require.NoError(t, err)
	assert.Equal(t, "gear", b.FindOne(Document{"_id": id})["name"])
}

func TestInsertFindCount(t *testing.T) {
	c := newTestCollection(t, "widgets")

	id, err := c.Insert(Document{"name": "gear", "qty": 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got := c.FindOne(Document{"_id": id})
	assert.Equal(t, "gear", got["name"])
	assert.Equal(t, 1, c.Count(Document{"name": "gear"}))
	assert.Len(t, c.Find(nil), 1)
}

func TestInsert_RejectsInvalidID(t *testing.T) {
	c := newTestCollection(t, "widgets")
	_, err := c.Insert(Document{"_id": "not-an-oid"})
	require.Error(t, err)
}

func TestUpdate_MatchesMultipleAndIsIdempotent(t *testing.T) {
	c := newTestCollection(t, "widgets")
	_, _ = c.Insert(Document{"kind": "gear", "qty": 1})
	_, _ = c.Insert(Document{"kind": "gear", "qty": 2})
	_, _ = c.Insert(Document{"kind": "bolt", "qty": 9})

	n, err := c.Update(Document{"kind": "gear"}, Document{"$set": Document{"qty": 5}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, d := range c.Find(Document{"kind": "gear"}) {
		assert.Equal(t, 5, d["qty"])
	}

	n2, err := c.Update(Document{"kind": "gear"}, Document{"$set": Document{"qty": 5}})
	require.NoError(t, err)
	assert.Equal(t, 2, n2)
}

func TestUpsert_InsertsWhenNoMatch(t *testing.T) {
	c := newTestCollection(t, "widgets")
	n, err := c.Upsert(Document{"kind": "gear"}, Document{"$set": Document{"kind": "gear", "qty": 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, c.Count(Document{"kind": "gear"}))
}

func TestRemove_SelectiveDeletion(t *testing.T) {
	c := newTestCollection(t, "widgets")
	_, _ = c.Insert(Document{"kind": "gear"})
	_, _ = c.Insert(Document{"kind": "bolt"})

	n, err := c.Remove(Document{"kind": "gear"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, c.Count(Document{"kind": "gear"}))
	assert.Equal(t, 1, c.Count(nil))
}

func TestSignals_FireOnMutation(t *testing.T) {
	c := newTestCollection(t, "widgets")

	var added []AddedEvent
	var changed []ChangedEvent
	var removed []RemovedEvent
	c.OnDocumentAdded(func(e AddedEvent) { added = append(added, e) })
	c.OnDocumentChanged(func(e ChangedEvent) { changed = append(changed, e) })
	c.OnDocumentRemoved(func(e RemovedEvent) { removed = append(removed, e) })

	id, err := c.Insert(Document{"kind": "gear"})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, id, added[0].ID)

	_, err = c.Update(Document{"_id": id}, Document{"$set": Document{"kind": "bolt"}})
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "bolt", changed[0].Changed["kind"])

	_, err = c.Remove(Document{"_id": id})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, id, removed[0].ID)
}

func TestApplyAdded_MergesExistingRatherThanDuplicating(t *testing.T) {
	c := newTestCollection(t, "widgets")
	id, err := c.Insert(Document{"kind": "gear", "qty": 1})
	require.NoError(t, err)

	c.ApplyAdded(id, Document{"kind": "gear", "qty": 7})
	assert.Equal(t, 1, c.Count(nil))
	assert.Equal(t, 7, c.FindOne(Document{"_id": id})["qty"])
}

func TestApplyChanged_DropsUnknownID(t *testing.T) {
	c := newTestCollection(t, "widgets")
	c.ApplyChanged("000000000000000000000000", Document{"a": 1}, nil)
	assert.Equal(t, 0, c.Count(nil))
}

func TestApplyRemoved_DropsUnknownID(t *testing.T) {
	c := newTestCollection(t, "widgets")
	c.ApplyRemoved("000000000000000000000000")
	assert.Equal(t, 0, c.Count(nil))
}

func TestDiff(t *testing.T) {
	before := Document{"_id": "x", "a": 1, "b": 2}
	after := Document{"_id": "x", "a": 1, "c": 3}

	changed, cleared := Diff(before, after)
	assert.Equal(t, Document{"c": 3}, changed)
	assert.Equal(t, []string{"b"}, cleared)
}
