package notify

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2026, 2, 2, 22, 18, 12, 0, time.UTC)

func TestFormatTransition(t *testing.T) {
	payload, err := FormatTransition(Transition{
		Timestamp: ts, Zone: 2, On: true,
		Source: "auto", Reason: "moisture 38%", RunID: "abc",
	})
	require.NoError(t, err)

	var parsed map[string]map[string]any
	require.NoError(t, json.Unmarshal(payload, &parsed))
	v := parsed["valve"]
	assert.Equal(t, "2026-02-02T22:18:12Z", v["timestamp"])
	assert.Equal(t, 3.0, v["zone"], "zones are numbered from 1")
	assert.Equal(t, "ON", v["state"])
	assert.Equal(t, "auto", v["source"])
	assert.Equal(t, "abc", v["run_id"])
}

func TestFormatTransitionOmitsEmpty(t *testing.T) {
	payload, err := FormatTransition(Transition{Timestamp: ts, Source: "manual"})
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "reason")
	assert.Contains(t, string(payload), `"state":"OFF"`)
}

func TestFormatTrip(t *testing.T) {
	payload, err := FormatTrip(Trip{Timestamp: ts, Zone: 0, Trip: "max_duration", Elapsed: 61 * time.Minute})
	require.NoError(t, err)
	assert.JSONEq(t, `{"safety":{"timestamp":"2026-02-02T22:18:12Z","zone":1,"trip":"max_duration","elapsed_sec":3660}}`, string(payload))
}

func TestFormatSystem(t *testing.T) {
	payload, err := FormatSystem(SystemEvent{Timestamp: ts, Event: "SHUTDOWN", Reason: "SIGTERM"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"system":{"timestamp":"2026-02-02T22:18:12Z","event":"SHUTDOWN","reason":"SIGTERM"}}`, string(payload))
}

func TestValveTopic(t *testing.T) {
	assert.Equal(t, "irrigation/site1/zone/1/valve", ValveTopic("irrigation/site1", 0))
}

func TestFakeRecords(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.PublishTransition(Transition{Zone: 1, On: true}))
	require.NoError(t, f.PublishTrip(Trip{Zone: 1, Trip: "freeze"}))
	require.NoError(t, f.PublishSystem(SystemEvent{Event: "STARTUP"}))
	assert.Len(t, f.TransitionsSnapshot(), 1)
	assert.Len(t, f.TripsSnapshot(), 1)
	assert.Len(t, f.System, 1)

	f.SetError(errors.New("broker down"))
	assert.Error(t, f.PublishTransition(Transition{}))
	assert.Len(t, f.TransitionsSnapshot(), 1)

	require.NoError(t, f.Close())
	assert.True(t, f.Closed)
}
