package ddp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnectedSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	s := New(ft, Options{})
	require.NoError(t, s.Connect(context.Background(), ""))
	ft.deliver(`{"msg":"connected","session":"sess1"}`)
	waitFor(t, func() bool { return s.State() == Connected })
	return s, ft
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

func TestConnect_SendsConnectFrameAndFiresConnectedOnce(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Options{Version: "1"})

	var fired int
	s.OnConnected(func(sessionID string) { fired++ })

	require.NoError(t, s.Connect(context.Background(), ""))
	ft.deliver(`{"msg":"connected","session":"abc"}`)
	waitFor(t, func() bool { return s.State() == Connected })

	assert.Equal(t, "abc", s.SessionID())
	assert.Equal(t, 1, fired)

	sent := ft.Sent()
	require.Len(t, sent, 1)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(sent[0], &m))
	assert.Equal(t, "connect", m["msg"])
	assert.Equal(t, "1", m["version"])
	assert.Equal(t, []interface{}{"1"}, m["support"])
}

func TestConnect_FailedTransitionsToFailedAndFires(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Options{})

	var failed int
	s.OnFailed(func(struct{}) { failed++ })

	require.NoError(t, s.Connect(context.Background(), ""))
	ft.deliver(`{"msg":"failed","version":"2"}`)
	waitFor(t, func() bool { return s.State() == Failed })
	assert.Equal(t, 1, failed)
}

func TestPing_AnswersWithPongEchoingID(t *testing.T) {
	s, ft := newConnectedSession(t)
	_ = s

	ft.deliver(`{"msg":"ping","id":"42"}`)
	waitFor(t, func() bool { return len(ft.Sent()) >= 2 })

	sent := ft.Sent()
	var last map[string]interface{}
	require.NoError(t, json.Unmarshal(sent[len(sent)-1], &last))
	assert.Equal(t, "pong", last["msg"])
	assert.Equal(t, "42", last["id"])
}

func TestCallMethod_ResultListenerFiresOnceWithErrorAndResult(t *testing.T) {
	s, ft := newConnectedSession(t)

	var got ResultEvent
	var calls int
	id, err := s.CallMethod("widgets/insert", []interface{}{map[string]interface{}{"a": 1}}, func(r ResultEvent) {
		calls++
		got = r
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sent := ft.Sent()
	var last map[string]interface{}
	require.NoError(t, json.Unmarshal(sent[len(sent)-1], &last))
	assert.Equal(t, "method", last["msg"])
	assert.Equal(t, id, last["id"])

	ft.deliver(`{"msg":"result","id":"` + id + `","result":{"ok":true}}`)
	waitFor(t, func() bool { return calls == 1 })
	assert.NoError(t, got.Err)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))

	// Delivering a second result for the same id must not re-invoke the
	// listener: it was unregistered on first delivery (spec.md §4.1).
	ft.deliver(`{"msg":"result","id":"` + id + `","result":{"ok":false}}`)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, calls)
}

func TestCallMethod_ResultErrorSurfacesAsErr(t *testing.T) {
	s, ft := newConnectedSession(t)

	done := make(chan ResultEvent, 1)
	id, err := s.CallMethod("widgets/remove", nil, func(r ResultEvent) { done <- r })
	require.NoError(t, err)

	ft.deliver(`{"msg":"result","id":"` + id + `","error":{"error":500,"reason":"boom"}}`)
	select {
	case r := <-done:
		require.Error(t, r.Err)
	case <-time.After(time.Second):
		t.Fatal("result listener never fired")
	}
}

func TestSubscribe_ReadyAndNosub(t *testing.T) {
	s, ft := newConnectedSession(t)

	var readyCount int
	id, err := s.Subscribe("widgets", nil, func() { readyCount++ }, nil)
	require.NoError(t, err)

	ft.deliver(`{"msg":"ready","subs":["` + id + `"]}`)
	waitFor(t, func() bool { return readyCount == 1 })

	var failCount int
	var failErr error
	id2, err := s.Subscribe("gadgets", nil, nil, func(e error) {
		failCount++
		failErr = e
	})
	require.NoError(t, err)
	ft.deliver(`{"msg":"nosub","id":"` + id2 + `","error":{"reason":"no such publication"}}`)
	waitFor(t, func() bool { return failCount == 1 })
	require.Error(t, failErr)
}

func TestDocumentFanOut_NullFieldsNormalizedToEmpty(t *testing.T) {
	s, ft := newConnectedSession(t)

	var added AddedEvent
	s.OnAdded(func(e AddedEvent) { added = e })
	ft.deliver(`{"msg":"added","collection":"widgets","id":"x1"}`)
	waitFor(t, func() bool { return added.ID == "x1" })
	assert.NotNil(t, added.Fields)
	assert.Empty(t, added.Fields)

	var changed ChangedEvent
	s.OnChanged(func(e ChangedEvent) { changed = e })
	ft.deliver(`{"msg":"changed","collection":"widgets","id":"x1"}`)
	waitFor(t, func() bool { return changed.ID == "x1" })
	assert.NotNil(t, changed.Fields)
	assert.Empty(t, changed.Fields)
	assert.Empty(t, changed.Cleared)
}

func TestUpdated_FiresSynchronizedPerMethodID(t *testing.T) {
	s, ft := newConnectedSession(t)

	var got []string
	s.OnSynchronized(func(id string) { got = append(got, id) })

	ft.deliver(`{"msg":"updated","methods":["1","2"]}`)
	waitFor(t, func() bool { return len(got) == 2 })
	assert.Equal(t, []string{"1", "2"}, got)
}

func TestDispatch_MalformedFrameIsDroppedNotFatal(t *testing.T) {
	s, ft := newConnectedSession(t)

	var added int
	s.OnAdded(func(AddedEvent) { added++ })

	ft.deliver(`not json`)
	ft.deliver(`{"msg":"added","collection":"widgets","id":"ok"}`)
	waitFor(t, func() bool { return added == 1 })
}

func TestErrorFrame_SurfacesGlobally(t *testing.T) {
	s, ft := newConnectedSession(t)

	var got ErrorEvent
	s.OnError(func(e ErrorEvent) { got = e })
	ft.deliver(`{"msg":"error","reason":"bad frame","offendingMessage":"{}"}`)
	waitFor(t, func() bool { return got.Reason != "" })
	assert.Equal(t, "bad frame", got.Reason)
}
