package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeer(t *testing.T) {
	d, err := parsePeer("192.168.1.20:8294")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", d.IP)
	assert.Equal(t, 8294, d.ServerPort)
	assert.Equal(t, "manual-192.168.1.20-8294", d.ID)
	assert.True(t, d.IsManual)

	for _, bad := range []string{"192.168.1.20", "host:0", "host:70000", "host:http"} {
		_, err := parsePeer(bad)
		assert.Error(t, err, bad)
	}
}

func TestRejectedConfigExitsBeforeStarting(t *testing.T) {
	t.Setenv("LANBRIDGE_DISCOVERY_PORT", "abc")
	assert.Equal(t, 2, run(nil))
	assert.Equal(t, 2, runSend([]string{"-to", "127.0.0.1:8294", "a.txt"}))
}
