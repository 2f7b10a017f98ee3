package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

func TestHubBroadcastSurvivesSinkFailure(t *testing.T) {
	obs := newStubObs()
	sink := &recordingSink{fail: errors.New("database unavailable")}
	reg := NewRegistry(obs)
	sub := newFakeSubscriber("a")
	reg.Add(sub)

	h := NewHub(sink, reg, obs, HubConfig{})
	h.Start()
	h.OnReading(testReading("accel", 1))
	require.NoError(t, h.Shutdown(context.Background()))

	assert.Len(t, sub.received(), 1)
	assert.Equal(t, float64(1), obs.counter(ports.MetricPersistFailures))
	assert.True(t, obs.logged("sink_append_failed"))
}

func TestHubPersistsWithoutSubscribers(t *testing.T) {
	obs := newStubObs()
	sink := &recordingSink{}
	h := NewHub(sink, NewRegistry(obs), obs, HubConfig{})
	h.Start()
	h.OnReading(testReading("accel", 1))
	require.NoError(t, h.Shutdown(context.Background()))

	assert.Len(t, sink.appended(), 1)
}

func TestHubPreservesOrderOnBothLanes(t *testing.T) {
	obs := newStubObs()
	sink := &recordingSink{}
	reg := NewRegistry(obs)
	sub := newFakeSubscriber("a")
	reg.Add(sub)

	h := NewHub(sink, reg, obs, HubConfig{})
	h.Start()
	for i := 1; i <= 3; i++ {
		h.OnReading(testReading("accel", float64(i)))
	}
	require.NoError(t, h.Shutdown(context.Background()))

	persisted := sink.appended()
	require.Len(t, persisted, 3)
	got := sub.received()
	require.Len(t, got, 3)
	for i := 0; i < 3; i++ {
		assert.Equal(t, float64(i+1), persisted[i].Values[0])

		var r domain.Reading
		require.NoError(t, json.Unmarshal(got[i], &r))
		assert.Equal(t, float64(i+1), r.Values[0])
	}
}

func TestHubSlowSinkDoesNotDelayBroadcast(t *testing.T) {
	obs := newStubObs()
	gate := make(chan struct{})
	sink := &recordingSink{gate: gate}
	reg := NewRegistry(obs)
	sub := newFakeSubscriber("a")
	reg.Add(sub)

	h := NewHub(sink, reg, obs, HubConfig{PersistTimeout: 5 * time.Second})
	h.Start()
	for i := 0; i < 3; i++ {
		h.OnReading(testReading("accel", float64(i)))
	}

	require.Eventually(t, func() bool { return len(sub.received()) == 3 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, sink.appended())

	close(gate)
	require.NoError(t, h.Shutdown(context.Background()))
	assert.Len(t, sink.appended(), 3)
}

func TestHubDropsWhenLaneIsFull(t *testing.T) {
	obs := newStubObs()
	gate := make(chan struct{})
	sink := &recordingSink{gate: gate}
	h := NewHub(sink, NewRegistry(obs), obs, HubConfig{LaneBuffer: 1})
	h.Start()

	// first reading parks in the sink, second fills the lane
	h.OnReading(testReading("accel", 1))
	require.Eventually(t, func() bool {
		h.OnReading(testReading("accel", 2))
		return obs.counter(ports.MetricLaneDropped) > 0
	}, waitFor, 5*time.Millisecond)

	close(gate)
	require.NoError(t, h.Shutdown(context.Background()))
	assert.True(t, obs.logged("lane_full"))
}

func TestHubIgnoresReadingsAfterShutdown(t *testing.T) {
	obs := newStubObs()
	sink := &recordingSink{}
	h := NewHub(sink, NewRegistry(obs), obs, HubConfig{})
	require.NoError(t, h.Shutdown(context.Background()))
	require.NoError(t, h.Shutdown(context.Background()))

	h.OnReading(testReading("accel", 1))
	assert.Empty(t, sink.appended())
}

func TestHubConnectionEventsAreNotBroadcast(t *testing.T) {
	obs := newStubObs()
	reg := NewRegistry(obs)
	sub := newFakeSubscriber("a")
	reg.Add(sub)
	h := NewHub(nil, reg, obs, HubConfig{})

	events := make(chan domain.Event, 4)
	events <- domain.Event{Conn: &domain.ConnectionEvent{Kind: domain.ConnOpened, ConnectionID: 1}}
	events <- domain.Event{Conn: &domain.ConnectionEvent{Kind: domain.ConnErrored, Frame: true, Message: "bad json"}}
	events <- domain.Event{Conn: &domain.ConnectionEvent{Kind: domain.ConnClosed, Code: domain.CloseNormal}}
	close(events)

	h.Run(context.Background(), events)
	require.NoError(t, h.Shutdown(context.Background()))

	assert.Empty(t, sub.received())
	assert.True(t, obs.logged("frame_malformed"))
}
