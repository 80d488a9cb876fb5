package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, path string, p ReconnectPolicy) {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestReconnectPolicyWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	initial := ReconnectPolicy{HeartbeatInterval: time.Second, HeartbeatTimeout: 3 * time.Second}
	writePolicy(t, path, initial)

	w, err := NewReconnectPolicyWatcher(path, initial, nil)
	require.NoError(t, err)
	defer w.Stop()

	changed := make(chan ReconnectPolicy, 1)
	w.OnChange(func(p ReconnectPolicy) { changed <- p })

	updated := ReconnectPolicy{HeartbeatInterval: 2 * time.Second, HeartbeatTimeout: 6 * time.Second}
	writePolicy(t, path, updated)

	select {
	case got := <-changed:
		assert.Equal(t, updated, got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reconnect policy reload")
	}
	assert.Equal(t, updated, w.Policy())
}

func TestReconnectPolicy_Validate(t *testing.T) {
	bad := ReconnectPolicy{HeartbeatInterval: 5 * time.Second, HeartbeatTimeout: time.Second}
	assert.Error(t, bad.validate())
}
