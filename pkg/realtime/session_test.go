package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatline/pkg/stompws"
	"github.com/go-go-golems/chatline/pkg/stompws/stomptest"
)

func runSession(t *testing.T, s *Session) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
	return cancel, done
}

func bodies(b *stomptest.Broker) []string {
	var out []string
	for _, s := range b.Sent() {
		out = append(out, string(s.Body))
	}
	return out
}

func TestSession_ConnectSubscribeSend(t *testing.T) {
	b := stomptest.NewBroker()
	defer b.Close()

	got := make(chan string, 1)
	var states []State
	var mu sync.Mutex
	s, err := NewSession(STOMPDialer{URL: b.URL()},
		WithName("chat"),
		WithSubscription("/user/queue/messages", func(m stompws.Message) { got <- string(m.Body) }),
		WithStateHook(func(st State) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)
	runSession(t, s)

	require.Eventually(t, s.Connected, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return b.Subscribed("/user/queue/messages") }, 2*time.Second, 10*time.Millisecond)

	b.Publish("/user/queue/messages", []byte(`{"type":"CHAT"}`))
	select {
	case body := <-got:
		require.Equal(t, `{"type":"CHAT"}`, body)
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}

	d, err := s.Send(context.Background(), "/app/chat.send", map[string]any{"content": "hello"})
	require.NoError(t, err)
	require.Equal(t, Sent, d)
	require.Eventually(t, func() bool { return len(b.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, []State{StateConnecting, StateConnected}, states)
	mu.Unlock()
}

func TestSession_NoRetryGivesUp(t *testing.T) {
	b := stomptest.NewBroker()
	defer b.Close()
	b.Reject(10)

	s, err := NewSession(STOMPDialer{URL: b.URL()})
	require.NoError(t, err)
	err = s.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, StateFailed, s.State())
	require.Error(t, s.LastError())

	_, err = s.Send(context.Background(), "/app/chat.send", map[string]string{"content": "x"})
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, 0, s.Pending())
}

func TestSession_QueuesUntilConnected(t *testing.T) {
	b := stomptest.NewBroker()
	defer b.Close()
	b.Reject(2)

	s, err := NewSession(STOMPDialer{URL: b.URL()},
		WithPolicy(Fixed(20*time.Millisecond)),
		WithOutbox(OutboxUnbounded),
	)
	require.NoError(t, err)

	d, err := s.Send(context.Background(), "/app/chatbot/send", map[string]string{"message": "one"})
	require.NoError(t, err)
	require.Equal(t, Queued, d)
	_, _ = s.Send(context.Background(), "/app/chatbot/send", map[string]string{"message": "two"})
	require.Equal(t, 2, s.Pending())

	runSession(t, s)
	require.Eventually(t, func() bool { return len(b.Sent()) == 2 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{`{"message":"one"}`, `{"message":"two"}`}, bodies(b))
	require.Equal(t, 0, s.Pending())
	require.Equal(t, 1, b.Accepts())
}

func TestSession_ReconnectResubscribesAndFlushesOnce(t *testing.T) {
	b := stomptest.NewBroker()
	defer b.Close()

	s, err := NewSession(STOMPDialer{URL: b.URL()},
		WithPolicy(Fixed(50*time.Millisecond)),
		WithOutbox(OutboxUnbounded),
		WithSubscription("/topic/chatbot/s1", func(stompws.Message) {}),
	)
	require.NoError(t, err)
	runSession(t, s)
	require.Eventually(t, s.Connected, 2*time.Second, 10*time.Millisecond)

	b.Reject(1)
	b.DropAll()
	require.Eventually(t, func() bool { return !s.Connected() }, 2*time.Second, 5*time.Millisecond)

	d, err := s.Send(context.Background(), "/app/chatbot/send", map[string]string{"message": "while offline"})
	require.NoError(t, err)
	require.Equal(t, Queued, d)

	require.Eventually(t, func() bool { return b.Accepts() == 2 && s.Connected() }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return b.Subscribed("/topic/chatbot/s1") }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(b.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, []string{`{"message":"while offline"}`}, bodies(b))
	require.Equal(t, 0, s.Pending())
}

func TestSession_SubscribeAfterConnect(t *testing.T) {
	b := stomptest.NewBroker()
	defer b.Close()
	s, err := NewSession(STOMPDialer{URL: b.URL()})
	require.NoError(t, err)
	runSession(t, s)
	require.Eventually(t, s.Connected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Subscribe("/topic/group.7", func(stompws.Message) {}))
	require.Eventually(t, func() bool { return b.Subscribed("/topic/group.7") }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Unsubscribe("/topic/group.7"))
	require.Eventually(t, func() bool { return !b.Subscribed("/topic/group.7") }, 2*time.Second, 10*time.Millisecond)
}

// flakyConn accepts a fixed number of sends, then fails and drops.
type flakyConn struct {
	mu      sync.Mutex
	allowed int
	sent    []string
	done    chan struct{}
	once    sync.Once
}

func newFlakyConn(allowed int) *flakyConn {
	return &flakyConn{allowed: allowed, done: make(chan struct{})}
}

func (c *flakyConn) Subscribe(string, stompws.Handler) (string, error) { return "sub-0", nil }
func (c *flakyConn) Unsubscribe(string) error { return nil }
func (c *flakyConn) Done() <-chan struct{} { return c.done }
func (c *flakyConn) Err() error { return errors.New("dropped") }

func (c *flakyConn) Send(_ string, _ string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allowed == 0 {
		c.once.Do(func() { close(c.done) })
		return errors.New("broken pipe")
	}
	c.allowed--
	var m map[string]string
	_ = json.Unmarshal(body, &m)
	c.sent = append(c.sent, m["message"])
	return nil
}

func (c *flakyConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *flakyConn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func TestSession_MidFlushDropKeepsRemainderInOrder(t *testing.T) {
	first := newFlakyConn(1)
	second := newFlakyConn(10)
	conns := []*flakyConn{first, second}
	var mu sync.Mutex
	dialer := DialerFunc(func(context.Context) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(conns) == 0 {
			return nil, errors.New("no more")
		}
		c := conns[0]
		conns = conns[1:]
		return c, nil
	})

	s, err := NewSession(dialer, WithPolicy(Fixed(10*time.Millisecond)), WithOutbox(OutboxUnbounded))
	require.NoError(t, err)
	for _, m := range []string{"a", "b", "c"} {
		_, err := s.Send(context.Background(), "/app/chatbot/send", map[string]string{"message": m})
		require.NoError(t, err)
	}
	runSession(t, s)

	require.Eventually(t, func() bool { return len(second.Sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a"}, first.Sent())
	require.Equal(t, []string{"b", "c"}, second.Sent())
	require.Equal(t, 0, s.Pending())
}

func TestNewSession_Validation(t *testing.T) {
	_, err := NewSession(nil)
	require.Error(t, err)
	_, err = NewSession(DialerFunc(func(context.Context) (Conn, error) { return nil, nil }), WithName(""))
	require.Error(t, err)
	_, err = NewSession(DialerFunc(func(context.Context) (Conn, error) { return nil, nil }), WithSubscription("", nil))
	require.Error(t, err)
}
