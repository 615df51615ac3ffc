package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatline/pkg/chatbot"
	"github.com/go-go-golems/chatline/pkg/eventbus"
	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/go-go-golems/chatline/pkg/messenger"
	"github.com/go-go-golems/chatline/pkg/notify"
	"github.com/go-go-golems/chatline/pkg/realtime"
)

var topicDecoders = map[string]events.Decoder{
	eventbus.TopicChat:          events.DecodeChat,
	eventbus.TopicChatbot:       events.DecodeBot,
	eventbus.TopicNotifications: events.DecodeNotification,
	eventbus.TopicGroup:         events.DecodeGroup,
}

// eventPrinter writes one JSON line per decoded event.
type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{enc: json.NewEncoder(w)}
}

func (p *eventPrinter) handler(topic string) func(events.Event) {
	return func(ev events.Event) {
		p.mu.Lock()
		defer p.mu.Unlock()
		line := struct {
			Topic string       `json:"topic"`
			Kind  events.Kind  `json:"kind"`
			Event events.Event `json:"event"`
		}{topic, ev.Kind(), ev}
		if err := p.enc.Encode(line); err != nil {
			log.Warn().Err(err).Str("component", "tail").Msg("could not print event")
		}
	}
}

func newTailCommand(env *Env) *cobra.Command {
	var fromRedis bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print every decoded real-time event as JSON lines",
		Long: "Print every decoded real-time event as JSON lines. With --from-redis the events\n" +
			"are read back from the Redis streams another chatline process mirrors to.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			printer := newEventPrinter(os.Stdout)
			if fromRedis {
				return ignoreCanceled(env.tailRedis(ctx, printer))
			}
			return ignoreCanceled(env.tailLive(ctx, printer))
		},
	}
	cmd.Flags().BoolVar(&fromRedis, "from-redis", false, "read mirrored events from Redis instead of connecting")
	return cmd
}

func (e *Env) tailLive(ctx context.Context, printer *eventPrinter) error {
	viewer, err := e.Username()
	if err != nil {
		return err
	}
	client, err := e.Client()
	if err != nil {
		return err
	}
	bus, err := e.Bus()
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	opts := []realtime.Option{
		realtime.WithSubscription(messenger.QueueDestination, bus.Forward(eventbus.TopicChat)),
		realtime.WithSubscription(notify.NotificationDestination(viewer), bus.Forward(eventbus.TopicNotifications)),
	}
	if gid := e.Config.GroupID; gid != "" {
		opts = append(opts, realtime.WithSubscription(notify.GroupDestination(gid), bus.Forward(eventbus.TopicGroup)))
	}
	if sid, err := e.botSessionID(ctx); err == nil {
		opts = append(opts, realtime.WithSubscription(chatbot.Destination(sid), bus.Forward(eventbus.TopicChatbot)))
	}
	sess, err := e.FeedSession(client, opts...)
	if err != nil {
		return err
	}

	stop, err := e.startCoordinators(ctx, bus.Subscriber(), func(topic string) string { return topic }, printer)
	if err != nil {
		return err
	}
	defer stop()

	g, gctx := e.Group(ctx)
	g.Go(func() error { return sess.Run(gctx) })
	return g.Wait()
}

func (e *Env) tailRedis(ctx context.Context, printer *eventPrinter) error {
	settings := e.Config.Redis
	client := redis.NewClient(&redis.Options{Addr: settings.Addr})
	defer func() { _ = client.Close() }()

	for topic := range topicDecoders {
		if err := eventbus.EnsureGroupAtTail(ctx, client, settings.Stream(topic), settings.Group); err != nil {
			return err
		}
	}
	sub, err := eventbus.NewRedisSubscriber(settings, client)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	stop, err := e.startCoordinators(ctx, sub, settings.Stream, printer)
	if err != nil {
		return err
	}
	defer stop()

	fmt.Fprintf(os.Stderr, "reading %s* from %s as %s/%s\n", settings.StreamPrefix, settings.Addr, settings.Group, settings.Consumer)
	g, gctx := e.Group(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})
	return g.Wait()
}

// startCoordinators runs one coordinator per topic on sub. name maps a bus
// topic to the name sub knows it by.
func (e *Env) startCoordinators(ctx context.Context, sub message.Subscriber, name func(string) string, printer *eventPrinter) (func(), error) {
	var coords []*eventbus.Coordinator
	stop := func() {
		for _, c := range coords {
			c.Stop()
		}
	}
	for topic, decode := range topicDecoders {
		c := eventbus.NewCoordinator(name(topic), sub, decode, printer.handler(topic),
			eventbus.WithCoordinatorMetrics(e.Metrics()))
		if err := c.Start(ctx); err != nil {
			stop()
			return nil, err
		}
		coords = append(coords, c)
	}
	return stop, nil
}
