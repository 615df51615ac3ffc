// Package stompws is a minimal STOMP 1.2 client running over a plain
// WebSocket, one frame per text message, as spoken by Spring's simple broker
// endpoint. It covers what a browser page needs: connect, subscribe, send,
// heart-beats and disconnect.
package stompws

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	hdrAcceptVersion = "accept-version"
	hdrHost          = "host"
	hdrHeartBeat     = "heart-beat"
	hdrVersion       = "version"
	hdrDestination   = "destination"
	hdrID            = "id"
	hdrAck           = "ack"
	hdrSubscription  = "subscription"
	hdrMessageID     = "message-id"
	hdrContentType   = "content-type"
	hdrContentLength = "content-length"
	hdrMessage       = "message"
	hdrLogin         = "login"
	hdrPasscode      = "passcode"

	JSONContentType = "application/json;charset=UTF-8"

	writeWait = 10 * time.Second
)

// Subprotocols offered during the WebSocket handshake.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

var ErrClosed = stderrors.New("stomp connection closed")

// ServerError is an ERROR frame sent by the broker.
type ServerError struct {
	Message string
	Body    string
}

func (e *ServerError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("stomp server error: %s: %s", e.Message, e.Body)
	}
	return "stomp server error: " + e.Message
}

// Message is a MESSAGE frame delivered to a subscription.
type Message struct {
	Destination  string
	Subscription string
	MessageID    string
	ContentType  string
	Body         []byte
}

type Handler func(Message)

type Options struct {
	// Host is sent in the CONNECT frame. Defaults to the URL host.
	Host string
	// Header is added to the WebSocket handshake request, e.g. a session cookie.
	Header           http.Header
	Login            string
	Passcode         string
	HeartBeat        time.Duration
	HandshakeTimeout time.Duration
}

type Conn struct {
	ws      *websocket.Conn
	version string

	sendHeartBeat time.Duration
	readHeartBeat time.Duration

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]Handler
	nextID atomic.Uint64

	done      chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
	err       error
}

// Dial opens the socket and performs the STOMP CONNECT handshake.
func Dial(ctx context.Context, rawURL string, opts Options) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse stomp url")
	}
	host := opts.Host
	if host == "" {
		host = u.Hostname()
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
		Subprotocols:     Subprotocols,
	}
	ws, resp, err := dialer.DialContext(ctx, rawURL, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "websocket handshake (%s)", resp.Status)
		}
		return nil, errors.Wrap(err, "websocket handshake")
	}

	c := &Conn{
		ws:   ws,
		subs: map[string]Handler{},
		done: make(chan struct{}),
	}
	if err := c.handshake(ctx, host, opts); err != nil {
		_ = ws.Close()
		return nil, err
	}
	go c.readLoop()
	if c.sendHeartBeat > 0 {
		go c.heartBeatLoop()
	}
	log.Debug().Str("component", "stompws").Str("url", rawURL).Str("version", c.version).Msg("stomp connected")
	return c, nil
}

func (c *Conn) handshake(ctx context.Context, host string, opts Options) error {
	hb := durationMillis(opts.HeartBeat)
	f := frame.New(frame.CONNECT,
		hdrAcceptVersion, "1.2,1.1,1.0",
		hdrHost, host,
		hdrHeartBeat, hb+","+hb,
	)
	if opts.Login != "" {
		f.Header.Add(hdrLogin, opts.Login)
		f.Header.Add(hdrPasscode, opts.Passcode)
	}
	if err := c.writeFrame(f); err != nil {
		return errors.Wrap(err, "send CONNECT")
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if opts.HandshakeTimeout > 0 {
		if t := time.Now().Add(opts.HandshakeTimeout); deadline.IsZero() || t.Before(deadline) {
			deadline = t
		}
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "await CONNECTED")
		}
		frames, err := DecodeFrames(data)
		if err != nil {
			return errors.Wrap(err, "decode CONNECTED")
		}
		for _, rf := range frames {
			switch rf.Command {
			case frame.CONNECTED:
				c.version = rf.Header.Get(hdrVersion)
				c.sendHeartBeat, c.readHeartBeat = negotiateHeartBeat(opts.HeartBeat, rf.Header.Get(hdrHeartBeat))
				return nil
			case frame.ERROR:
				return &ServerError{Message: rf.Header.Get(hdrMessage), Body: string(rf.Body)}
			}
		}
	}
}

// negotiateHeartBeat applies the STOMP rule: each direction uses the larger of
// what one side can do and the other side wants, 0 meaning disabled.
func negotiateHeartBeat(local time.Duration, serverHeader string) (send, read time.Duration) {
	if local <= 0 || serverHeader == "" {
		return 0, 0
	}
	parts := strings.Split(serverHeader, ",")
	if len(parts) != 2 {
		return 0, 0
	}
	sx, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	sy, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	serverSends := time.Duration(sx) * time.Millisecond
	serverWants := time.Duration(sy) * time.Millisecond
	if serverWants > 0 {
		send = max(local, serverWants)
	}
	if serverSends > 0 {
		read = max(local, serverSends)
	}
	return send, read
}

func durationMillis(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// Version is the protocol version agreed with the broker.
func (c *Conn) Version() string { return c.version }

// Subscribe registers h for destination. Handlers run on the read goroutine
// and must not block.
func (c *Conn) Subscribe(destination string, h Handler) (string, error) {
	if h == nil {
		return "", errors.New("stomp subscribe: nil handler")
	}
	id := "sub-" + strconv.FormatUint(c.nextID.Add(1)-1, 10)
	c.mu.Lock()
	c.subs[id] = h
	c.mu.Unlock()

	f := frame.New(frame.SUBSCRIBE, hdrID, id, hdrDestination, destination, hdrAck, "auto")
	if err := c.writeFrame(f); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return "", errors.Wrapf(err, "subscribe %s", destination)
	}
	return id, nil
}

func (c *Conn) Unsubscribe(id string) error {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.writeFrame(frame.New(frame.UNSUBSCRIBE, hdrID, id))
}

// Send publishes body to destination.
func (c *Conn) Send(destination, contentType string, body []byte) error {
	if contentType == "" {
		contentType = JSONContentType
	}
	f := frame.New(frame.SEND,
		hdrDestination, destination,
		hdrContentType, contentType,
		hdrContentLength, strconv.Itoa(len(body)),
	)
	f.Body = body
	if err := c.writeFrame(f); err != nil {
		return errors.Wrapf(err, "send %s", destination)
	}
	return nil
}

// Done is closed when the connection ends for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended: nil after Close, the transport or
// broker error otherwise.
func (c *Conn) Err() error {
	select {
	case <-c.done:
	default:
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends DISCONNECT and closes the socket.
func (c *Conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	c.closing.Store(true)
	_ = c.writeFrame(frame.New(frame.DISCONNECT))
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
		close(c.done)
	})
}

func (c *Conn) writeFrame(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	return c.writeRaw(buf.Bytes())
}

func (c *Conn) writeRaw(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) readLoop() {
	for {
		if c.readHeartBeat > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(3 * c.readHeartBeat))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				c.shutdown(nil)
				return
			}
			log.Debug().Err(err).Str("component", "stompws").Msg("read loop ended")
			c.shutdown(errors.Wrap(err, "stomp read"))
			return
		}
		frames, err := DecodeFrames(data)
		if err != nil {
			log.Warn().Err(err).Str("component", "stompws").Msg("dropping undecodable frame")
			continue
		}
		for _, f := range frames {
			switch f.Command {
			case frame.MESSAGE:
				c.deliver(f)
			case frame.ERROR:
				serr := &ServerError{Message: f.Header.Get(hdrMessage), Body: string(f.Body)}
				log.Warn().Err(serr).Str("component", "stompws").Msg("broker sent ERROR")
				c.shutdown(serr)
				return
			case frame.RECEIPT:
			default:
				log.Debug().Str("component", "stompws").Str("command", f.Command).Msg("ignoring frame")
			}
		}
	}
}

func (c *Conn) deliver(f *frame.Frame) {
	subID := f.Header.Get(hdrSubscription)
	c.mu.Lock()
	h := c.subs[subID]
	c.mu.Unlock()
	if h == nil {
		log.Debug().Str("component", "stompws").Str("subscription", subID).Msg("message for unknown subscription")
		return
	}
	h(Message{
		Destination:  f.Header.Get(hdrDestination),
		Subscription: subID,
		MessageID:    f.Header.Get(hdrMessageID),
		ContentType:  f.Header.Get(hdrContentType),
		Body:         f.Body,
	})
}

func (c *Conn) heartBeatLoop() {
	t := time.NewTicker(c.sendHeartBeat)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.writeRaw([]byte("\n")); err != nil {
				return
			}
		}
	}
}

// DecodeFrames parses every frame in one WebSocket message. Heart-beats are skipped.
func DecodeFrames(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))
	var out []*frame.Frame
	for {
		f, err := r.Read()
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		if f == nil {
			continue
		}
		out = append(out, f)
	}
}

// EncodeFrame serializes f the way Conn writes it.
func EncodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
