package ddpcollection

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddpkit/ddp/collection"
	"github.com/ddpkit/ddp/ddp"
	"github.com/ddpkit/ddp/ddperr"
)

// fakeTransport is the same in-memory Transport double ddp's own tests
// use, duplicated here (unexported, package-local) since ddp's is
// test-only and not exported across package boundaries.
type fakeTransport struct {
	mu       sync.Mutex
	incoming chan []byte
	sent     [][]byte
}

func newFakeTransport() *fakeTransport { return &fakeTransport{incoming: make(chan []byte, 64)} }

func (f *fakeTransport) Connect(ctx context.Context) (<-chan []byte, error) { return f.incoming, nil }

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Err() error  { return nil }
func (f *fakeTransport) Close() error {
	return nil
}

func (f *fakeTransport) deliver(frame string) { f.incoming <- []byte(frame) }

func (f *fakeTransport) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) last() map[string]interface{} {
	sent := f.Sent()
	var m map[string]interface{}
	_ = json.Unmarshal(sent[len(sent)-1], &m)
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newReadyBridge(t *testing.T) (*DDPCollection, *collection.Collection, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	session := ddp.New(ft, ddp.Options{})
	require.NoError(t, session.Connect(context.Background(), ""))
	ft.deliver(`{"msg":"connected","session":"s1"}`)
	waitFor(t, func() bool { return session.State() == ddp.Connected })

	store := collection.NewStore(t.TempDir() + "/test.db")
	coll, err := collection.New("widgets", collection.WithStore(store))
	require.NoError(t, err)
	t.Cleanup(func() { _ = coll.Close() })

	dc, err := New(session, coll, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dc.Close() })

	subID := subIDFromSent(t, ft)
	ft.deliver(`{"msg":"ready","subs":["` + subID + `"]}`)
	waitFor(t, dc.Ready)

	return dc, coll, ft
}

func subIDFromSent(t *testing.T, ft *fakeTransport) string {
	t.Helper()
	for _, raw := range ft.Sent() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &m))
		if m["msg"] == "sub" {
			return m["id"].(string)
		}
	}
	t.Fatal("no sub frame sent")
	return ""
}

func TestNotReady_MutationsFailBeforeSubscriptionReady(t *testing.T) {
	ft := newFakeTransport()
	session := ddp.New(ft, ddp.Options{})
	require.NoError(t, session.Connect(context.Background(), ""))
	ft.deliver(`{"msg":"connected","session":"s1"}`)
	waitFor(t, func() bool { return session.State() == ddp.Connected })

	store := collection.NewStore(t.TempDir() + "/test.db")
	coll, err := collection.New("widgets", collection.WithStore(store))
	require.NoError(t, err)
	defer coll.Close()

	dc, err := New(session, coll, nil, nil, nil)
	require.NoError(t, err)
	defer dc.Close()

	_, err = dc.Insert(collection.Document{"foo": 1})
	require.Error(t, err)
	assert.True(t, ddperr.Is(err, ddperr.NotReady))
}

func TestForwardInsert_SendsInsertMethodWithOidWrapper(t *testing.T) {
	dc, _, ft := newReadyBridge(t)

	id, err := dc.Insert(collection.Document{"foo": 1})
	require.NoError(t, err)

	waitFor(t, func() bool {
		m := ft.last()
		return m["msg"] == "method"
	})
	m := ft.last()
	assert.Equal(t, "/widgets/insert", m["method"])
	params := m["params"].([]interface{})
	require.Len(t, params, 1)
	payload := params[0].(map[string]interface{})
	oidVal := payload["_id"].(map[string]interface{})
	assert.Equal(t, "oid", oidVal["$type"])
	assert.Equal(t, id, oidVal["$value"])
	assert.Equal(t, float64(1), payload["foo"])
}

// TestEchoSuppression is spec.md §8 end-to-end scenario 6: a locally
// originated insert is forwarded exactly once; the server's replayed
// `added` for the same document id is applied locally without
// duplicating the document or sending a second method frame, and
// `updated` for the original method id clears the pending entry.
func TestEchoSuppression(t *testing.T) {
	dc, coll, ft := newReadyBridge(t)

	id, err := dc.Insert(collection.Document{"foo": float64(1)})
	require.NoError(t, err)

	waitFor(t, func() bool { return len(ft.Sent()) >= 3 }) // connect + sub + method
	methodFrame := ft.last()
	methodID := methodFrame["id"].(string)

	assert.Len(t, coll.Find(nil), 1, "the local insert already created the document")

	ft.deliver(`{"msg":"added","collection":"widgets","id":"` + id + `","fields":{"foo":1}}`)
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, coll.Find(nil), 1, "the echoed added must not duplicate the document")
	assert.Len(t, ft.Sent(), 3, "applying the echo must not re-forward a mutation")

	dc.mu.Lock()
	_, stillPending := dc.pendingD2[id]
	dc.mu.Unlock()
	assert.True(t, stillPending, "pending entry survives until `updated` arrives")

	ft.deliver(`{"msg":"updated","methods":["` + methodID + `"]}`)
	waitFor(t, func() bool {
		dc.mu.Lock()
		defer dc.mu.Unlock()
		_, ok := dc.pendingD2[id]
		return !ok
	})
}

// TestServerEvents_NeverForwardedWhenNotLocallyMutated covers spec.md §8
// invariant 3 the other direction from TestEchoSuppression: a document
// this bridge never mutated itself still must not generate an outbound
// method call when the server adds, changes or removes it. This is the
// ordinary reactive case (another client or the server changed the
// document), not an echo, and the only frames ever sent across all three
// applies are the session's connect frame and the initial subscription.
func TestServerEvents_NeverForwardedWhenNotLocallyMutated(t *testing.T) {
	dc, coll, ft := newReadyBridge(t)
	_ = dc

	ft.deliver(`{"msg":"added","collection":"widgets","id":"serverdoc1","fields":{"foo":1}}`)
	waitFor(t, func() bool { return len(coll.Find(nil)) == 1 })

	ft.deliver(`{"msg":"changed","collection":"widgets","id":"serverdoc1","fields":{"foo":2}}`)
	waitFor(t, func() bool {
		doc := coll.FindOne(collection.Document{"_id": "serverdoc1"})
		v, _ := doc["foo"].(float64)
		return v == 2
	})

	sent := ft.Sent()
	require.Len(t, sent, 2, "no method frame should have been sent for either apply")
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(sent[1], &m))
	assert.Equal(t, "sub", m["msg"])

	ft.deliver(`{"msg":"removed","collection":"widgets","id":"serverdoc1"}`)
	waitFor(t, func() bool { return len(coll.Find(nil)) == 0 })
	assert.Len(t, ft.Sent(), 2, "the removed apply must not forward a method either")
}

func TestForwardUpdate_UsesSetAndUnset(t *testing.T) {
	dc, coll, ft := newReadyBridge(t)

	id, err := dc.Insert(collection.Document{"foo": 1, "bar": 2})
	require.NoError(t, err)
	waitFor(t, func() bool { return len(ft.Sent()) >= 3 })

	_, err = dc.Update(collection.Document{"_id": id}, collection.Document{
		"$set":   collection.Document{"foo": 9},
		"$unset": collection.Document{"bar": ""},
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return len(ft.Sent()) >= 4 })
	m := ft.last()
	assert.Equal(t, "/widgets/update", m["method"])
	params := m["params"].([]interface{})
	require.Len(t, params, 2)
	modifier := params[1].(map[string]interface{})
	set := modifier["$set"].(map[string]interface{})
	assert.Equal(t, float64(9), set["foo"])
	unset := modifier["$unset"].(map[string]interface{})
	assert.Equal(t, true, unset["bar"])
}

func TestClose_Unsubscribes(t *testing.T) {
	dc, _, ft := newReadyBridge(t)
	require.NoError(t, dc.Close())
	waitFor(t, func() bool {
		m := ft.last()
		return m["msg"] == "unsub"
	})
}
