package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// EventsChannel carries cross-process event envelopes.
	EventsChannel = "events"

	queuePrefix  = "queue:"
	revokePrefix = "revoke:"

	// Revoke marks outlive any reasonable task runtime.
	revokeTTL = time.Hour
)

// ErrNoTask is returned by Dequeue when the wait times out empty.
var ErrNoTask = errors.New("no task available")

// Envelope is the JSON event frame published on the events channel.
// Workers do not share the bus's memory; this is how their events reach it.
type Envelope struct {
	Type      string         `json:"type"`
	Origin    string         `json:"origin"`
	Payload   map[string]any `json:"payload"`
	Severity  string         `json:"severity,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Task is one unit of plugin work on a per-plugin queue.
type Task struct {
	ID         string         `json:"id"`
	JobID      string         `json:"job_id"`
	DocumentID string         `json:"document_id"`
	Plugin     string         `json:"plugin"`
	Settings   map[string]any `json:"settings,omitempty"`
}

// Broker wraps the Redis connection shared by the orchestrator and the
// worker runtime: event pub/sub, per-plugin task queues and revoke marks.
type Broker struct {
	client *redis.Client
}

// New connects to Redis using a redis:// URL.
func New(redisURL string) (*Broker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Broker{client: redis.NewClient(opts)}, nil
}

// NewWithClient wraps a pre-built client. Intended for tests.
func NewWithClient(client *redis.Client) *Broker {
	return &Broker{client: client}
}

// Ping verifies the connection.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// PublishEvent serializes the envelope onto the events channel.
func (b *Broker) PublishEvent(ctx context.Context, env Envelope) error {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}
	return b.client.Publish(ctx, EventsChannel, data).Err()
}

// Subscribe returns a pub/sub subscription on the events channel.
// The caller owns the subscription and must close it.
func (b *Broker) Subscribe(ctx context.Context) *redis.PubSub {
	return b.client.Subscribe(ctx, EventsChannel)
}

// Enqueue pushes a task onto its plugin's queue.
func (b *Broker) Enqueue(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return b.client.LPush(ctx, queuePrefix+task.Plugin, data).Err()
}

// Dequeue blocks up to timeout waiting for a task on the plugin's queue.
// Returns ErrNoTask when the wait expires empty.
func (b *Broker) Dequeue(ctx context.Context, plugin string, timeout time.Duration) (*Task, error) {
	res, err := b.client.BRPop(ctx, timeout, queuePrefix+plugin).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoTask
		}
		return nil, err
	}
	// BRPOP returns [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply length %d", len(res))
	}
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("malformed task frame: %w", err)
	}
	return &task, nil
}

// QueueDepth returns the number of pending tasks for a plugin.
func (b *Broker) QueueDepth(ctx context.Context, plugin string) (int64, error) {
	return b.client.LLen(ctx, queuePrefix+plugin).Result()
}

// Revoke marks a task id as cancelled. Workers poll the mark inside
// their cancellation checks.
func (b *Broker) Revoke(ctx context.Context, taskID string) error {
	return b.client.Set(ctx, revokePrefix+taskID, "1", revokeTTL).Err()
}

// IsRevoked reports whether a task id carries a revoke mark.
func (b *Broker) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	n, err := b.client.Exists(ctx, revokePrefix+taskID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
