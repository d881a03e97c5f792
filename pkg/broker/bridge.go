package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/docpipe/docpipe/pkg/events"
	"github.com/docpipe/docpipe/pkg/log"
	"github.com/docpipe/docpipe/pkg/types"
)

// Bridge relays envelopes from the broker's events channel into the
// in-process bus. Workers publish through the broker; without the bridge
// their events would never reach handlers or streaming clients.
//
// Re-emits use persist=false: the emitting side already persisted.
type Bridge struct {
	broker *Broker
	bus    *events.Bus

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewBridge creates a bridge between the broker and the bus.
func NewBridge(b *Broker, bus *events.Bus) *Bridge {
	return &Bridge{
		broker: b,
		bus:    bus,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the subscribe loop in the background.
func (br *Bridge) Start(ctx context.Context) {
	go br.run(ctx)
}

func (br *Bridge) run(ctx context.Context) {
	defer close(br.doneCh)
	logger := log.WithComponent("bridge")

	for {
		select {
		case <-br.stopCh:
			return
		default:
		}

		pubsub := br.broker.Subscribe(ctx)
		ch := pubsub.Channel()
		logger.Info().Str("channel", EventsChannel).Msg("bridge listening")

	recv:
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				br.handle(ctx, []byte(msg.Payload))
			case <-br.stopCh:
				pubsub.Close()
				return
			case <-ctx.Done():
				pubsub.Close()
				return
			}
		}

		pubsub.Close()

		// Connection dropped; retry after a short pause
		logger.Warn().Msg("bridge subscription lost, reconnecting")
		select {
		case <-time.After(time.Second):
		case <-br.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (br *Bridge) handle(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.WithComponent("bridge").Error().Err(err).Msg("malformed event frame, skipping")
		return
	}
	if env.Type == "" {
		log.WithComponent("bridge").Error().Msg("event frame missing type, skipping")
		return
	}

	severity := types.EventSeverity(env.Severity)
	switch severity {
	case types.SeverityDebug, types.SeverityInfo, types.SeverityWarning,
		types.SeverityError, types.SeveritySuccess:
	default:
		severity = types.SeverityInfo
	}

	opts := []events.Option{events.WithSeverity(severity), events.WithoutPersist()}
	if env.UserID != "" {
		opts = append(opts, events.WithUser(env.UserID))
	}
	br.bus.Emit(ctx, env.Type, env.Origin, env.Payload, opts...)
}

// Stop ends the loop and waits for it to drain, up to the given timeout.
func (br *Bridge) Stop(timeout time.Duration) {
	br.stopOnce.Do(func() { close(br.stopCh) })
	select {
	case <-br.doneCh:
	case <-time.After(timeout):
		log.WithComponent("bridge").Warn().Msg("bridge did not drain before timeout")
	}
}
