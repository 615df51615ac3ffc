package eventbus

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/go-go-golems/chatline/pkg/metrics"
)

// Coordinator owns one subscription, decodes every message with the topic's
// decoder and hands the event to a single handler, one message at a time.
type Coordinator struct {
	topic      string
	subscriber message.Subscriber
	decode     events.Decoder
	handle     func(events.Event)
	metrics    *metrics.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

type CoordinatorOption func(*Coordinator)

func WithCoordinatorMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(
	topic string,
	subscriber message.Subscriber,
	decode events.Decoder,
	handle func(events.Event),
	opts ...CoordinatorOption,
) *Coordinator {
	c := &Coordinator{
		topic:      topic,
		subscriber: subscriber,
		decode:     decode,
		handle:     handle,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start subscribes synchronously so nothing published after it returns is
// missed, then consumes on its own goroutine.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.subscriber == nil || c.decode == nil {
		return errors.New("coordinator needs a subscriber and a decoder")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := c.subscriber.Subscribe(runCtx, c.topic)
	if err != nil {
		cancel()
		return errors.Wrapf(err, "subscribe %s", c.topic)
	}
	c.cancel = cancel
	c.running = true
	c.done = make(chan struct{})
	go c.consume(ch, c.done)
	return nil
}

func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (c *Coordinator) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Done is closed once the consumer goroutine has exited.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Coordinator) consume(ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	log.Debug().Str("component", "eventbus").Str("topic", c.topic).Msg("coordinator started")
	for msg := range ch {
		c.dispatch(msg)
		msg.Ack()
	}
	log.Debug().Str("component", "eventbus").Str("topic", c.topic).Msg("coordinator stopped")
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Coordinator) dispatch(msg *message.Message) {
	ev, err := c.decode(msg.Payload)
	if err != nil {
		var de *events.DecodeError
		switch {
		case stderrors.Is(err, events.ErrIgnored):
			c.metrics.Event(c.topic, "ignored")
			log.Debug().Str("component", "eventbus").Str("topic", c.topic).Msg("ignoring untyped payload")
		case stderrors.As(err, &de):
			c.metrics.Event(c.topic, "malformed")
			log.Warn().Err(err).Str("component", "eventbus").Str("topic", c.topic).Msg("dropping malformed payload")
		default:
			c.metrics.Event(c.topic, "malformed")
			log.Warn().Err(err).Str("component", "eventbus").Str("topic", c.topic).Msg("decode failed")
		}
		return
	}
	c.metrics.Event(c.topic, "ok")
	if c.handle != nil {
		c.handle(ev)
	}
}
