// Package realtime owns one logical STOMP connection: dialing, subscription
// registration, retry policy and the outbound queue used while offline.
package realtime

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatline/pkg/metrics"
	"github.com/go-go-golems/chatline/pkg/stompws"
)

var (
	ErrNotConnected   = stderrors.New("real-time connection is not established")
	ErrConnectionLost = stderrors.New("real-time connection lost")
)

// Conn is the slice of *stompws.Conn a Session depends on.
type Conn interface {
	Subscribe(destination string, h stompws.Handler) (string, error)
	Unsubscribe(id string) error
	Send(destination, contentType string, body []byte) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// STOMPDialer dials a stompws connection.
type STOMPDialer struct {
	URL     string
	Options stompws.Options
}

func (d STOMPDialer) Dial(ctx context.Context) (Conn, error) {
	c, err := stompws.Dial(ctx, d.URL, d.Options)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Delivery int

const (
	Sent Delivery = iota
	Queued
)

type OutboxMode int

const (
	// OutboxDisabled rejects sends while offline with ErrNotConnected.
	OutboxDisabled OutboxMode = iota
	// OutboxUnbounded queues sends while offline and flushes them after the next connect.
	OutboxUnbounded
)

type outboxItem struct {
	destination string
	body        []byte
}

type Session struct {
	name    string
	dialer  Dialer
	policy  Policy
	outbox  OutboxMode
	metrics *metrics.Metrics
	onState func(State)

	mu       sync.Mutex
	running  bool
	state    State
	conn     Conn
	flushing bool
	queue    []outboxItem
	subs     []string
	handlers map[string]stompws.Handler
	liveIDs  map[string]string
	lastErr  error
}

type Option func(*Session) error

func WithName(name string) Option {
	return func(s *Session) error {
		if name == "" {
			return errors.New("empty session name")
		}
		s.name = name
		return nil
	}
}

func WithPolicy(p Policy) Option {
	return func(s *Session) error {
		s.policy = p
		return nil
	}
}

func WithOutbox(mode OutboxMode) Option {
	return func(s *Session) error {
		s.outbox = mode
		return nil
	}
}

func WithSubscription(destination string, h stompws.Handler) Option {
	return func(s *Session) error {
		return s.addSubscriptionLocked(destination, h)
	}
}

// WithStateHook registers fn for state transitions. fn runs on the Run
// goroutine and must not block.
func WithStateHook(fn func(State)) Option {
	return func(s *Session) error {
		s.onState = fn
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) error {
		s.metrics = m
		return nil
	}
}

func NewSession(dialer Dialer, opts ...Option) (*Session, error) {
	if dialer == nil {
		return nil, errors.New("realtime: nil dialer")
	}
	s := &Session{
		name:     "realtime",
		dialer:   dialer,
		policy:   NoRetry(),
		handlers: map[string]stompws.Handler{},
		liveIDs:  map[string]string{},
	}
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) addSubscriptionLocked(destination string, h stompws.Handler) error {
	if destination == "" || h == nil {
		return errors.New("realtime: subscription needs a destination and a handler")
	}
	if _, ok := s.handlers[destination]; !ok {
		s.subs = append(s.subs, destination)
	}
	s.handlers[destination] = h
	return nil
}

// Subscribe adds a subscription. It is registered on the live connection
// right away and on every later connection.
func (s *Session) Subscribe(destination string, h stompws.Handler) error {
	s.mu.Lock()
	if err := s.addSubscriptionLocked(destination, h); err != nil {
		s.mu.Unlock()
		return err
	}
	conn := s.conn
	_, live := s.liveIDs[destination]
	s.mu.Unlock()
	if conn == nil || live {
		return nil
	}
	id, err := conn.Subscribe(destination, h)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", destination)
	}
	s.mu.Lock()
	if s.conn == conn {
		s.liveIDs[destination] = id
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) Unsubscribe(destination string) error {
	s.mu.Lock()
	delete(s.handlers, destination)
	for i, d := range s.subs {
		if d == destination {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	id, live := s.liveIDs[destination]
	delete(s.liveIDs, destination)
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || !live {
		return nil
	}
	return conn.Unsubscribe(id)
}

func (s *Session) Name() string { return s.name }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Connected() bool { return s.State() == StateConnected }

// LastError is the most recent dial or transport error.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Pending reports how many sends wait in the outbox.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run keeps the connection up according to the policy. It returns nil when
// ctx ends and the last error once the policy gives up.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("realtime: session already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	b := s.policy.NewBackOff()
	for {
		s.setState(StateConnecting)
		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(StateDisconnected)
				return nil
			}
			s.recordErr(err)
			log.Warn().Err(err).Str("component", "realtime").Str("session", s.name).Msg("connect failed")
			if !s.wait(ctx, b) {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "connect")
			}
			continue
		}
		b.Reset()

		lost := s.serve(ctx, conn)
		if lost == nil {
			return nil
		}
		s.recordErr(lost)
		log.Warn().Err(lost).Str("component", "realtime").Str("session", s.name).Msg("connection lost")
		if !s.wait(ctx, b) {
			if ctx.Err() != nil {
				return nil
			}
			return lost
		}
	}
}

// wait sleeps for the next backoff delay. It reports false when the policy
// gives up or ctx ends.
func (s *Session) wait(ctx context.Context, b backoff.BackOff) bool {
	next := b.NextBackOff()
	if next == backoff.Stop {
		s.setState(StateFailed)
		return false
	}
	s.setState(StateDisconnected)
	log.Debug().Str("component", "realtime").Str("session", s.name).Dur("delay", next).Msg("redial scheduled")
	t := time.NewTimer(next)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Session) connect(ctx context.Context) (Conn, error) {
	s.metrics.DialAttempt(s.name)
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	dests := append([]string(nil), s.subs...)
	handlers := make(map[string]stompws.Handler, len(s.handlers))
	for k, v := range s.handlers {
		handlers[k] = v
	}
	s.mu.Unlock()

	ids := make(map[string]string, len(dests))
	for _, d := range dests {
		id, err := conn.Subscribe(d, handlers[d])
		if err != nil {
			_ = conn.Close()
			return nil, errors.Wrapf(err, "subscribe %s", d)
		}
		ids[d] = id
	}

	s.mu.Lock()
	s.conn = conn
	s.liveIDs = ids
	s.flushing = s.outbox == OutboxUnbounded
	s.lastErr = nil
	s.mu.Unlock()
	s.metrics.Connected(s.name)
	log.Info().Str("component", "realtime").Str("session", s.name).Int("subscriptions", len(ids)).Msg("connected")
	return conn, nil
}

// serve flushes the outbox and blocks until the connection ends. It returns
// nil when ctx ended and the cause otherwise.
func (s *Session) serve(ctx context.Context, conn Conn) error {
	s.setState(StateConnected)
	if s.outbox == OutboxUnbounded {
		s.flush(conn)
	}

	var cause error
	select {
	case <-ctx.Done():
		_ = conn.Close()
	case <-conn.Done():
		cause = conn.Err()
		if cause == nil {
			cause = ErrConnectionLost
		}
		s.metrics.Dropped(s.name)
	}

	s.mu.Lock()
	s.conn = nil
	s.flushing = false
	s.liveIDs = map[string]string{}
	s.mu.Unlock()
	s.setState(StateDisconnected)
	return cause
}

// flush sends queued items in order. An item leaves the queue only once its
// send succeeded, so a mid-flush drop keeps the remainder for the next connect.
func (s *Session) flush(conn Conn) {
	sent := 0
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.flushing = false
			s.mu.Unlock()
			break
		}
		item := s.queue[0]
		s.mu.Unlock()

		if err := conn.Send(item.destination, stompws.JSONContentType, item.body); err != nil {
			log.Warn().Err(err).Str("component", "realtime").Str("session", s.name).Int("remaining", s.Pending()).Msg("flush interrupted")
			s.mu.Lock()
			s.flushing = false
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.metrics.Flushed(s.name)
		sent++
	}
	if sent > 0 {
		log.Info().Str("component", "realtime").Str("session", s.name).Int("sent", sent).Msg("outbox flushed")
	}
}

// Send JSON-encodes payload and publishes it to destination. While offline it
// either queues the payload or fails with ErrNotConnected, depending on the
// outbox mode.
func (s *Session) Send(_ context.Context, destination string, payload any) (Delivery, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Sent, errors.Wrap(err, "encode payload")
	}

	s.mu.Lock()
	conn := s.conn
	if conn == nil || s.flushing {
		if s.outbox == OutboxUnbounded {
			s.queue = append(s.queue, outboxItem{destination: destination, body: body})
			s.mu.Unlock()
			s.metrics.Queued(s.name)
			return Queued, nil
		}
		s.mu.Unlock()
		return Sent, ErrNotConnected
	}
	s.mu.Unlock()

	if err := conn.Send(destination, stompws.JSONContentType, body); err != nil {
		if s.outbox == OutboxUnbounded {
			s.mu.Lock()
			s.queue = append(s.queue, outboxItem{destination: destination, body: body})
			s.mu.Unlock()
			s.metrics.Queued(s.name)
			return Queued, nil
		}
		return Sent, errors.Wrapf(err, "publish %s", destination)
	}
	return Sent, nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	hook := s.onState
	s.mu.Unlock()
	if changed {
		log.Debug().Str("component", "realtime").Str("session", s.name).Str("state", st.String()).Msg("state")
		if hook != nil {
			hook(st)
		}
	}
}

func (s *Session) recordErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}
