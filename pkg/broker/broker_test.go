package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/pkg/events"
	"github.com/docpipe/docpipe/pkg/types"
)

func newTestBroker(t *testing.T) (*Broker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewWithClient(client)
	t.Cleanup(func() { b.Close() })
	return b, client
}

func TestEnqueueDequeue(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	task := Task{
		ID:         "t-1",
		JobID:      "j-1",
		DocumentID: "d-1",
		Plugin:     "transcribe",
		Settings:   map[string]any{"language": "en"},
	}
	require.NoError(t, b.Enqueue(ctx, task))

	depth, err := b.QueueDepth(ctx, "transcribe")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	got, err := b.Dequeue(ctx, "transcribe", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "j-1", got.JobID)
	assert.Equal(t, "en", got.Settings["language"])

	depth, err = b.QueueDepth(ctx, "transcribe")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestDequeueEmptyQueue(t *testing.T) {
	b, _ := newTestBroker(t)

	_, err := b.Dequeue(context.Background(), "transcribe", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoTask)
}

func TestQueuesAreIsolatedPerPlugin(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Task{ID: "t-1", Plugin: "transcribe"}))

	_, err := b.Dequeue(ctx, "summarize", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoTask)

	got, err := b.Dequeue(ctx, "transcribe", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "t-1", got.ID)
}

func TestDequeueOrderIsFIFO(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	for _, id := range []string{"t-1", "t-2", "t-3"} {
		require.NoError(t, b.Enqueue(ctx, Task{ID: id, Plugin: "transcribe"}))
	}
	for _, want := range []string{"t-1", "t-2", "t-3"} {
		got, err := b.Dequeue(ctx, "transcribe", time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got.ID)
	}
}

func TestRevokeMark(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	revoked, err := b.IsRevoked(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, b.Revoke(ctx, "t-1"))

	revoked, err = b.IsRevoked(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestBridgeRelaysEnvelopes(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(nil)
	bridge := NewBridge(b, bus)
	bridge.Start(ctx)
	defer bridge.Stop(time.Second)

	var delivered *types.Event
	var once sync.Once
	done := make(chan struct{})
	bus.Subscribe("job.completed", func(ctx context.Context, e *types.Event) error {
		delivered = e
		once.Do(func() { close(done) })
		return nil
	})

	// Give the subscribe loop a moment to attach before publishing.
	require.Eventually(t, func() bool {
		err := b.PublishEvent(ctx, Envelope{
			Type:     "job.completed",
			Origin:   "task:transcribe",
			Severity: string(types.SeveritySuccess),
			UserID:   "u-1",
			Payload:  map[string]any{"job_id": "j-1"},
		})
		if err != nil {
			return false
		}
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	require.NotNil(t, delivered)
	assert.Equal(t, "task:transcribe", delivered.Origin)
	assert.Equal(t, types.SeveritySuccess, delivered.Severity)
	assert.Equal(t, "u-1", delivered.UserID)
	assert.Equal(t, "j-1", delivered.Payload["job_id"])
}

func TestBridgeSkipsMalformedFrames(t *testing.T) {
	b, client := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(nil)
	bridge := NewBridge(b, bus)
	bridge.Start(ctx)
	defer bridge.Stop(time.Second)

	var once sync.Once
	done := make(chan struct{})
	bus.Subscribe("job.queued", func(ctx context.Context, e *types.Event) error {
		once.Do(func() { close(done) })
		return nil
	})

	require.Eventually(t, func() bool {
		// Garbage and a typeless frame precede a valid one; only the
		// valid frame may reach the bus.
		client.Publish(ctx, EventsChannel, "not json at all")
		client.Publish(ctx, EventsChannel, `{"origin":"task:x","payload":{}}`)
		if err := b.PublishEvent(ctx, Envelope{Type: "job.queued", Origin: "core:test"}); err != nil {
			return false
		}
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	// Only job.queued frames made it through.
	for _, e := range bus.Recent(time.Minute, nil, "") {
		assert.Equal(t, "job.queued", e.Type)
	}
}

func TestBridgeDefaultsUnknownSeverity(t *testing.T) {
	bus := events.NewBus(nil)
	bridge := NewBridge(nil, bus)

	bridge.handle(context.Background(), []byte(`{"type":"job.started","origin":"task:x","severity":"shouting"}`))

	recent := bus.Recent(time.Minute, []string{"job.started"}, "")
	require.Len(t, recent, 1)
	assert.Equal(t, types.SeverityInfo, recent[0].Severity)
}
