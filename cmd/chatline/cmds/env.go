package cmds

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatline/pkg/api"
	"github.com/go-go-golems/chatline/pkg/config"
	"github.com/go-go-golems/chatline/pkg/eventbus"
	"github.com/go-go-golems/chatline/pkg/i18n"
	"github.com/go-go-golems/chatline/pkg/kvstore"
	"github.com/go-go-golems/chatline/pkg/metrics"
	"github.com/go-go-golems/chatline/pkg/realtime"
	"github.com/go-go-golems/chatline/pkg/stompws"
)

// Env is the per-invocation wiring shared by all commands.
type Env struct {
	ConfigFile string
	Config     config.Config

	once    sync.Once
	metrics *metrics.Metrics
}

func (e *Env) Metrics() *metrics.Metrics {
	e.once.Do(func() { e.metrics = metrics.New() })
	return e.metrics
}

func (e *Env) Localizer() *i18n.Localizer {
	return i18n.NewLocalizer(e.Config.Lang)
}

func (e *Env) Username() (string, error) {
	if e.Config.Username == "" {
		return "", errors.New("no username configured, set --username or CHATLINE_USERNAME")
	}
	return e.Config.Username, nil
}

func (e *Env) Client() (*api.Client, error) {
	return api.New(e.Config.Server.BaseURL,
		api.WithCookie(e.Config.Server.Cookie),
		api.WithTimeout(e.Config.HTTP.Timeout),
		api.WithMetrics(e.Metrics()),
	)
}

func (e *Env) dialer(c *api.Client) realtime.STOMPDialer {
	return realtime.STOMPDialer{
		URL: c.WebSocketURL(),
		Options: stompws.Options{
			Header:           c.HandshakeHeader(),
			HeartBeat:        e.Config.Realtime.HeartBeat,
			HandshakeTimeout: e.Config.Realtime.HandshakeTimeout,
		},
	}
}

// ChatSession is the primary chat connection: one attempt, no outbox.
func (e *Env) ChatSession(c *api.Client, opts ...realtime.Option) (*realtime.Session, error) {
	base := []realtime.Option{
		realtime.WithName("chat"),
		realtime.WithPolicy(realtime.NoRetry()),
		realtime.WithOutbox(realtime.OutboxDisabled),
		realtime.WithMetrics(e.Metrics()),
	}
	return realtime.NewSession(e.dialer(c), append(base, opts...)...)
}

// BotSession retries forever at a fixed delay and queues sends while offline.
func (e *Env) BotSession(c *api.Client, opts ...realtime.Option) (*realtime.Session, error) {
	base := []realtime.Option{
		realtime.WithName("chatbot"),
		realtime.WithPolicy(realtime.Fixed(e.Config.Chatbot.RetryDelay)),
		realtime.WithOutbox(realtime.OutboxUnbounded),
		realtime.WithMetrics(e.Metrics()),
	}
	return realtime.NewSession(e.dialer(c), append(base, opts...)...)
}

// FeedSession carries notifications and group topics; it backs off
// exponentially and never queues sends.
func (e *Env) FeedSession(c *api.Client, opts ...realtime.Option) (*realtime.Session, error) {
	base := []realtime.Option{
		realtime.WithName("feed"),
		realtime.WithPolicy(realtime.Exponential(e.Config.Realtime.RetryBase, e.Config.Realtime.RetryMax)),
		realtime.WithOutbox(realtime.OutboxDisabled),
		realtime.WithMetrics(e.Metrics()),
	}
	return realtime.NewSession(e.dialer(c), append(base, opts...)...)
}

func (e *Env) Bus() (*eventbus.Bus, error) {
	var opts []eventbus.Option
	if e.Config.Redis.Enabled {
		opts = append(opts, eventbus.WithRedisMirror(e.Config.Redis))
	}
	return eventbus.New(opts...)
}

func (e *Env) Store() (kvstore.Store, error) {
	path := e.Config.State.Path
	if path == "" {
		p, err := kvstore.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return kvstore.OpenFile(path)
}

// Group returns an errgroup that also serves metrics when an address is set.
func (e *Env) Group(ctx context.Context) (*errgroup.Group, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	if addr := e.Config.Metrics.Addr; addr != "" {
		m := e.Metrics()
		g.Go(func() error { return m.Serve(ctx, addr) })
	}
	return g, ctx
}

// stateWatcher feeds session state changes into a channel.
type stateWatcher struct {
	ch chan realtime.State
}

func newStateWatcher() *stateWatcher {
	return &stateWatcher{ch: make(chan realtime.State, 16)}
}

func (w *stateWatcher) hook(st realtime.State) {
	select {
	case w.ch <- st:
	default:
	}
}

// waitConnected blocks until the session connects, fails or ctx ends.
func (w *stateWatcher) waitConnected(ctx context.Context, s *realtime.Session) error {
	if s.Connected() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-w.ch:
			switch st {
			case realtime.StateConnected:
				return nil
			case realtime.StateFailed:
				if err := s.LastError(); err != nil {
					return errors.Wrap(err, "connect")
				}
				return realtime.ErrNotConnected
			}
		}
	}
}
