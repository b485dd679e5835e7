// Package transport implements Twilio Media Streams, the WebSocket leg that
// carries call audio between Twilio and the bridge.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventType identifies a connection event.
type EventType int

const (
	EventConnected EventType = iota + 1
	// EventStreamStarted fires once the "start" message identified the call.
	EventStreamStarted
	EventStreamStopped
	EventDTMF
	EventMark
	// EventError is an unexpected loss of the WebSocket.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventStreamStarted:
		return "stream-started"
	case EventStreamStopped:
		return "stream-stopped"
	case EventDTMF:
		return "dtmf"
	case EventMark:
		return "mark"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted on Connection.Events.
type Event struct {
	Type  EventType
	Data  string
	Error error
}

// Provider accepts Twilio Media Streams connections.
type Provider struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*Connection
	listeners   map[string]chan *Connection
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	log         zerolog.Logger
	checkOrigin func(r *http.Request) bool
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithCheckOrigin overrides the WebSocket origin check. Twilio does not send an
// Origin header, so every origin is accepted by default.
func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(o *options) {
		o.checkOrigin = f
	}
}

// New creates a Media Streams provider.
func New(opts ...Option) *Provider {
	cfg := &options{
		log:         zerolog.Nop(),
		checkOrigin: func(r *http.Request) bool { return true },
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Provider{
		log:         cfg.log.With().Str("caller", "transport").Logger(),
		upgrader:    websocket.Upgrader{CheckOrigin: cfg.checkOrigin},
		connections: make(map[string]*Connection),
		listeners:   make(map[string]chan *Connection),
	}
}

// Listen registers a listener for connections accepted on path.
func (p *Provider) Listen(ctx context.Context, path string) (<-chan *Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.listeners[path]; exists {
		return nil, fmt.Errorf("listener for %s already registered", path)
	}
	connCh := make(chan *Connection, 10)
	p.listeners[path] = connCh
	return connCh, nil
}

// Handler returns an http.Handler serving Media Streams on path.
func (p *Provider) Handler(path string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := p.HandleWebSocket(w, r, path); err != nil {
			p.log.Error().Err(err).Msg("Media stream upgrade failed")
		}
	})
}

// HandleWebSocket upgrades an incoming Twilio Media Streams request.
func (p *Provider) HandleWebSocket(w http.ResponseWriter, r *http.Request, listenerPath string) error {
	wsConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	conn := &Connection{
		wsConn:     wsConn,
		provider:   p,
		events:     make(chan Event, 100),
		audioIn:    newAudioWriter(),
		audioOut:   newAudioReader(),
		done:       make(chan struct{}),
		started:    make(chan struct{}),
		remoteAddr: wsConn.RemoteAddr(),
	}

	go conn.readLoop()
	go conn.writeLoop()

	// The send happens under the read lock so Close cannot close the channel
	// underneath it.
	p.mu.RLock()
	listener, ok := p.listeners[listenerPath]
	delivered := false
	if ok {
		select {
		case listener <- conn:
			delivered = true
		default:
		}
	}
	p.mu.RUnlock()

	if !delivered {
		p.log.Warn().Str("path", listenerPath).Msg("No listener for media stream, dropping connection")
		_ = conn.Close()
	}
	return nil
}

// Close shuts down the transport.
func (p *Provider) Close() error {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.connections))
	for _, conn := range p.connections {
		conns = append(conns, conn)
	}
	for _, ch := range p.listeners {
		close(ch)
	}
	p.connections = make(map[string]*Connection)
	p.listeners = make(map[string]chan *Connection)
	p.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}

// Connection is one Twilio Media Stream.
type Connection struct {
	wsConn     *websocket.Conn
	provider   *Provider
	events     chan Event
	audioIn    *audioWriter
	audioOut   *audioReader
	done       chan struct{}
	started    chan struct{}
	remoteAddr net.Addr

	mu           sync.RWMutex
	streamSID    string
	callSID      string
	customParams map[string]string
	muted        bool
	closed       bool
	closeOnce    sync.Once
	startOnce    sync.Once
	writeMu      sync.Mutex
}

// ID returns the stream SID.
func (c *Connection) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamSID
}

// CallSID returns the associated call SID.
func (c *Connection) CallSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callSID
}

// Param returns a custom parameter from the stream's TwiML.
func (c *Connection) Param(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.customParams[name]
}

// Started is closed when the "start" message has been received.
func (c *Connection) Started() <-chan struct{} {
	return c.started
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// AudioIn returns a writer for sending μ-law audio to Twilio. Writes are
// accepted and discarded while the connection is muted.
func (c *Connection) AudioIn() io.WriteCloser {
	return c.audioIn
}

// AudioOut returns a reader for μ-law audio received from Twilio. Reads return
// io.EOF once the stream has ended.
func (c *Connection) AudioOut() io.Reader {
	return c.audioOut
}

// Events returns the connection event channel. It is closed with the connection.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// SetMuted stops or resumes sending outbound audio.
func (c *Connection) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	c.audioIn.setMuted(muted)
}

// Muted reports whether outbound audio is suppressed.
func (c *Connection) Muted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.muted
}

// RemoteAddr returns the remote address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		streamSID := c.streamSID
		c.mu.Unlock()

		close(c.done)
		_ = c.audioIn.Close()
		_ = c.wsConn.Close()

		c.provider.mu.Lock()
		if c.provider.connections[streamSID] == c {
			delete(c.provider.connections, streamSID)
		}
		c.provider.mu.Unlock()
	})
	return nil
}

// Twilio Media Streams message types.
type mediaMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startMessage `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markMessage  `json:"mark,omitempty"`
	Stop      *stopMessage  `json:"stop,omitempty"`
	DTMF      *dtmfMessage  `json:"dtmf,omitempty"`
}

type startMessage struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // Base64 encoded audio
}

type markMessage struct {
	Name string `json:"name"`
}

type stopMessage struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type dtmfMessage struct {
	Digit string `json:"digit"`
}

func (c *Connection) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// readLoop reads messages until the stream stops or the socket fails. It owns
// the events channel and the inbound audio queue and closes both on exit.
func (c *Connection) readLoop() {
	defer close(c.events)
	defer c.audioOut.close()
	defer func() { _ = c.Close() }()

	for {
		_, data, err := c.wsConn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(Event{Type: EventError, Error: err})
			} else {
				c.emit(Event{Type: EventError, Error: errors.New("media stream closed before stop")})
			}
			return
		}

		var msg mediaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.provider.log.Debug().Err(err).Msg("Ignoring malformed media message")
			continue
		}

		switch msg.Event {
		case "connected":
			c.emit(Event{Type: EventConnected})

		case "start":
			if msg.Start == nil {
				continue
			}
			c.mu.Lock()
			c.streamSID = msg.Start.StreamSID
			c.callSID = msg.Start.CallSID
			c.customParams = msg.Start.CustomParams
			c.mu.Unlock()

			c.provider.mu.Lock()
			c.provider.connections[msg.Start.StreamSID] = c
			c.provider.mu.Unlock()

			c.startOnce.Do(func() { close(c.started) })
			c.provider.log.Debug().
				Str("stream_sid", msg.Start.StreamSID).
				Str("call_sid", msg.Start.CallSID).
				Msg("Media stream started")
			c.emit(Event{Type: EventStreamStarted, Data: msg.Start.CallSID})

		case "media":
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			c.audioOut.write(audio)

		case "dtmf":
			if msg.DTMF == nil {
				continue
			}
			c.emit(Event{Type: EventDTMF, Data: msg.DTMF.Digit})

		case "mark":
			if msg.Mark != nil {
				c.emit(Event{Type: EventMark, Data: msg.Mark.Name})
			}

		case "stop":
			c.emit(Event{Type: EventStreamStopped})
			return
		}
	}
}

// writeLoop sends queued audio to Twilio.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case audio, ok := <-c.audioIn.ch:
			if !ok {
				return
			}
			msg := mediaMessage{
				Event:     "media",
				StreamSID: c.ID(),
				Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
			}
			if err := c.writeJSON(msg); err != nil {
				return
			}
		}
	}
}

func (c *Connection) writeJSON(v any) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return io.ErrClosedPipe
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.wsConn.WriteJSON(v)
}

// Clear drops audio Twilio has buffered but not yet played to the callee.
func (c *Connection) Clear() error {
	return c.writeJSON(mediaMessage{Event: "clear", StreamSID: c.ID()})
}

// audioWriter implements io.WriteCloser for sending audio.
type audioWriter struct {
	ch     chan []byte
	closed bool
	muted  bool
	mu     sync.Mutex
}

func newAudioWriter() *audioWriter {
	return &audioWriter{
		ch: make(chan []byte, 100),
	}
}

func (w *audioWriter) setMuted(muted bool) {
	w.mu.Lock()
	w.muted = muted
	w.mu.Unlock()
}

func (w *audioWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if w.muted {
		return len(p), nil
	}

	data := make([]byte, len(p))
	copy(data, p)

	select {
	case w.ch <- data:
	default:
		// Buffer full, drop oldest
		select {
		case <-w.ch:
		default:
		}
		w.ch <- data
	}
	return len(p), nil
}

func (w *audioWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	return nil
}

// audioReader implements io.Reader for receiving audio.
type audioReader struct {
	ch        chan []byte
	buffer    []byte
	mu        sync.Mutex
	closeOnce sync.Once
}

func newAudioReader() *audioReader {
	return &audioReader{
		ch: make(chan []byte, 100),
	}
}

func (r *audioReader) Read(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buffer) > 0 {
		n = copy(p, r.buffer)
		r.buffer = r.buffer[n:]
		return n, nil
	}

	data, ok := <-r.ch
	if !ok {
		return 0, io.EOF
	}

	n = copy(p, data)
	if n < len(data) {
		r.buffer = data[n:]
	}
	return n, nil
}

// write and close are only called from readLoop.
func (r *audioReader) write(data []byte) {
	select {
	case r.ch <- data:
	default:
		// Buffer full, drop
	}
}

func (r *audioReader) close() {
	r.closeOnce.Do(func() { close(r.ch) })
}
