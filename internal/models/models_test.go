package models

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnouncementDecodeDefaults(t *testing.T) {
	var a Announcement
	err := json.Unmarshal([]byte(`{"id":"x","name":"Laptop","platform":"beos","serverPort":8294,"extra":true}`), &a)
	require.NoError(t, err)

	assert.Equal(t, "x", a.ID)
	assert.Equal(t, PlatformUnknown, a.Platform)
	assert.Equal(t, 8294, a.ServerPort)
	assert.Equal(t, ProtocolVersion, a.Version)
}

func TestAnnouncementRoundTripKeepsPlatform(t *testing.T) {
	in := Announcement{ID: "id-1", Name: "Phone", Platform: PlatformAndroid, ServerPort: 9000, Version: 2}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"id-1","name":"Phone","platform":"ANDROID","serverPort":9000,"version":2}`, string(data))

	var out Announcement
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestAnnouncementDecodeRejectsGarbage(t *testing.T) {
	var a Announcement
	assert.Error(t, json.Unmarshal([]byte("not json"), &a))
}

func TestClampProgress(t *testing.T) {
	cases := map[float64]float64{
		-0.5: 0,
		0:    0,
		0.42: 0.42,
		1:    1,
		7:    1,
	}
	for in, want := range cases {
		assert.Equal(t, want, ClampProgress(in), "input %v", in)
	}
	assert.Equal(t, 0.0, ClampProgress(math.NaN()))
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusQueued.CanTransition(StatusInProgress))
	assert.True(t, StatusQueued.CanTransition(StatusCancelled))
	assert.False(t, StatusQueued.CanTransition(StatusCompleted))
	assert.True(t, StatusInProgress.CanTransition(StatusCompleted))
	assert.True(t, StatusInProgress.CanTransition(StatusFailed))
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.Terminal())
		assert.False(t, s.CanTransition(StatusInProgress))
		assert.False(t, s.CanTransition(StatusQueued))
	}
}
