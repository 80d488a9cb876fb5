package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_RejectsNonWebSocketURL(t *testing.T) {
	o := Options{URL: "http://localhost:3000", Version: "1", DatabasePath: "./x.db"}
	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws://")
}

func TestValidate_RejectsMissingFields(t *testing.T) {
	o := Options{}
	require.Error(t, o.Validate())
}

func TestValidate_AcceptsWellFormedOptions(t *testing.T) {
	o := Options{
		URL:          "wss://example.com/websocket",
		Version:      "1",
		DatabasePath: "./ddpkit.db",
	}
	assert.NoError(t, o.Validate())
}

func TestValidate_RejectsTimeoutWithoutInterval(t *testing.T) {
	o := Options{
		URL:              "ws://localhost:3000",
		Version:          "1",
		DatabasePath:     "./ddpkit.db",
		HeartbeatTimeout: 5 * time.Second,
	}
	require.Error(t, o.Validate())
}

func TestValidate_RejectsTimeoutNotGreaterThanInterval(t *testing.T) {
	o := Options{
		URL:               "ws://localhost:3000",
		Version:           "1",
		DatabasePath:      "./ddpkit.db",
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
	}
	require.Error(t, o.Validate())
}

func TestLoad_AppliesDefaults(t *testing.T) {
	o := Load()
	assert.Equal(t, "1", o.Version)
	assert.NotEmpty(t, o.URL)
	assert.NotEmpty(t, o.DatabasePath)
}
