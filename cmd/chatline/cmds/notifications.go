package cmds

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatline/pkg/eventbus"
	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/go-go-golems/chatline/pkg/model"
	"github.com/go-go-golems/chatline/pkg/notify"
	"github.com/go-go-golems/chatline/pkg/realtime"
)

// feedPrinter prints group posts and member changes as the center reports them.
type feedPrinter struct {
	mu      sync.Mutex
	posts   int
	members int
}

func (p *feedPrinter) changed(s notify.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// the feed is newest first
	for i := len(s.Feed) - p.posts - 1; i >= 0; i-- {
		printPost(s.Feed[i])
	}
	p.posts = len(s.Feed)
	if len(s.Members) != p.members {
		fmt.Printf("[group] %d members\n", len(s.Members))
		p.members = len(s.Members)
	}
}

func printPost(post model.GroupPost) {
	fmt.Printf("[group] %s: %s\n", post.Author, post.Title)
}

func newNotificationsCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "notifications",
		Short: "Follow your notifications and the configured group topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			viewer, err := env.Username()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			client, err := env.Client()
			if err != nil {
				return err
			}
			bus, err := env.Bus()
			if err != nil {
				return err
			}
			defer func() { _ = bus.Close() }()

			printer := &feedPrinter{}
			opts := []notify.CenterOption{notify.WithOnChange(printer.changed)}
			if env.Config.GroupID != "" {
				opts = append(opts, notify.WithGroup(env.Config.GroupID))
			}
			center := notify.NewCenter(viewer, stderrToaster, opts...)

			sessOpts := []realtime.Option{
				realtime.WithSubscription(notify.NotificationDestination(viewer), bus.Forward(eventbus.TopicNotifications)),
			}
			if gid := center.GroupID(); gid != "" {
				sessOpts = append(sessOpts, realtime.WithSubscription(notify.GroupDestination(gid), bus.Forward(eventbus.TopicGroup)))
			}
			sess, err := env.FeedSession(client, sessOpts...)
			if err != nil {
				return err
			}

			coords := []*eventbus.Coordinator{
				eventbus.NewCoordinator(eventbus.TopicNotifications, bus.Subscriber(), events.DecodeNotification, center.Handle,
					eventbus.WithCoordinatorMetrics(env.Metrics())),
				eventbus.NewCoordinator(eventbus.TopicGroup, bus.Subscriber(), events.DecodeGroup, center.Handle,
					eventbus.WithCoordinatorMetrics(env.Metrics())),
			}
			for _, c := range coords {
				if err := c.Start(ctx); err != nil {
					return err
				}
				defer c.Stop()
			}

			g, gctx := env.Group(ctx)
			g.Go(func() error { return sess.Run(gctx) })
			return ignoreCanceled(g.Wait())
		},
	}
}
