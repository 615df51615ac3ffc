// Package stomptest runs an in-process STOMP-over-WebSocket broker for tests.
package stomptest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/go-go-golems/chatline/pkg/stompws"
)

// Sent is a SEND frame received by the broker.
type Sent struct {
	Destination string
	ContentType string
	Body        []byte
}

type Broker struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	// OnSend, when set, is called for every SEND frame after it is recorded.
	OnSend func(b *Broker, s Sent)

	mu      sync.Mutex
	conns   map[*brokerConn]struct{}
	sent    []Sent
	reject  int
	accepts atomic.Int64
}

type brokerConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string]string // subscription id -> destination
}

func NewBroker() *Broker {
	b := &Broker{
		conns:    map[*brokerConn]struct{}{},
		upgrader: websocket.Upgrader{Subprotocols: stompws.Subprotocols, CheckOrigin: func(*http.Request) bool { return true }},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.serveWS)
	b.srv = httptest.NewServer(mux)
	return b
}

// URL is the ws:// address of the STOMP endpoint.
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
}

func (b *Broker) Close() {
	b.DropAll()
	b.srv.Close()
}

// Reject makes the next n handshakes fail with 503.
func (b *Broker) Reject(n int) {
	b.mu.Lock()
	b.reject = n
	b.mu.Unlock()
}

// Accepts counts the sockets accepted so far.
func (b *Broker) Accepts() int { return int(b.accepts.Load()) }

// DropAll closes every live connection without an ERROR frame.
func (b *Broker) DropAll() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = map[*brokerConn]struct{}{}
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (b *Broker) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.sent...)
}

// Subscribed reports whether some connection subscribes to destination.
func (b *Broker) Subscribed(destination string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		c.mu.Lock()
		for _, d := range c.subs {
			if d == destination {
				c.mu.Unlock()
				return true
			}
		}
		c.mu.Unlock()
	}
	return false
}

// Publish delivers body as a MESSAGE to every subscriber of destination.
func (b *Broker) Publish(destination string, body []byte) {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.mu.Lock()
		var ids []string
		for id, d := range c.subs {
			if d == destination {
				ids = append(ids, id)
			}
		}
		c.mu.Unlock()
		for _, id := range ids {
			f := frame.New(frame.MESSAGE,
				"destination", destination,
				"subscription", id,
				"message-id", "m-"+id,
				"content-type", stompws.JSONContentType,
			)
			f.Body = body
			_ = c.write(f)
		}
	}
}

// SendError sends an ERROR frame to every connection.
func (b *Broker) SendError(message string) {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.write(frame.New(frame.ERROR, "message", message))
	}
}

func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	if b.reject > 0 {
		b.reject--
		b.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	b.mu.Unlock()

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.accepts.Add(1)
	c := &brokerConn{ws: ws, subs: map[string]string{}}
	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frames, err := stompws.DecodeFrames(data)
		if err != nil {
			return
		}
		for _, f := range frames {
			switch f.Command {
			case frame.CONNECT, frame.STOMP:
				if err := c.write(frame.New(frame.CONNECTED, "version", "1.2", "heart-beat", "0,0")); err != nil {
					return
				}
				b.mu.Lock()
				b.conns[c] = struct{}{}
				b.mu.Unlock()
			case frame.SUBSCRIBE:
				c.mu.Lock()
				c.subs[f.Header.Get("id")] = f.Header.Get("destination")
				c.mu.Unlock()
			case frame.UNSUBSCRIBE:
				c.mu.Lock()
				delete(c.subs, f.Header.Get("id"))
				c.mu.Unlock()
			case frame.SEND:
				s := Sent{
					Destination: f.Header.Get("destination"),
					ContentType: f.Header.Get("content-type"),
					Body:        append([]byte(nil), f.Body...),
				}
				b.mu.Lock()
				b.sent = append(b.sent, s)
				onSend := b.OnSend
				b.mu.Unlock()
				if onSend != nil {
					onSend(b, s)
				}
			case frame.DISCONNECT:
				return
			}
		}
	}
}

func (c *brokerConn) write(f *frame.Frame) error {
	data, err := stompws.EncodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
