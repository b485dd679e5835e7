package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Request is a method invocation from the shell.
type Request struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Response answers the Request with the same ID. Error carries the reject
// message.
type Response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// EventFrame is an uncorrelated event.
type EventFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// Server is the shell-facing WebSocket endpoint.
type Server struct {
	plugin   *Plugin
	hub      *Hub
	upgrader websocket.Upgrader
	mic      io.Writer
	log      zerolog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(log zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// WithAllowedOrigins restricts the Origin of shell connections. Any origin is
// accepted when none are given.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
}

// WithMicrophone receives the μ-law frames shells send as binary messages.
// Binary messages are discarded when no microphone is set.
func WithMicrophone(w io.Writer) ServerOption {
	return func(s *Server) {
		s.mic = w
	}
}

// NewServer creates the endpoint.
func NewServer(plugin *Plugin, hub *Hub, opts ...ServerOption) *Server {
	s := &Server{
		plugin: plugin,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request and serves the shell until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Shell upgrade failed")
		return
	}

	c := &shellConn{
		ws:   ws,
		send: make(chan outFrame, sendBuffer),
		done: make(chan struct{}),
		log:  s.log.With().Str("remote", ws.RemoteAddr().String()).Logger(),
	}
	s.hub.add(c)
	c.log.Info().Msg("Shell connected")

	go c.writePump()
	s.readLoop(context.WithoutCancel(r.Context()), c)

	s.hub.remove(c)
	c.close()
	c.log.Info().Msg("Shell disconnected")
}

func (s *Server) readLoop(ctx context.Context, c *shellConn) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("Shell read failed")
			}
			return
		}
		if msgType == websocket.BinaryMessage {
			if s.mic != nil {
				if _, err := s.mic.Write(data); err != nil {
					c.log.Warn().Err(err).Msg("Microphone write failed")
				}
			}
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendJSON(Response{Error: "malformed request"})
			continue
		}

		resp := Response{ID: req.ID}
		result, err := s.plugin.Invoke(ctx, req.Method, req.Options)
		if err != nil {
			c.log.Debug().Err(err).Str("method", req.Method).Msg("Rejected")
			resp.Error = err.Error()
		} else {
			resp.Result = result
		}
		c.sendJSON(resp)
	}
}

type outFrame struct {
	binary bool
	data   []byte
}

// shellConn is one connected shell. Frames are queued and written by a single
// goroutine; a shell that falls behind loses frames.
type shellConn struct {
	ws   *websocket.Conn
	send chan outFrame
	log  zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func (c *shellConn) sendEvent(ev EventFrame) {
	c.sendJSON(ev)
}

func (c *shellConn) sendAudio(frame []byte) {
	c.enqueue(outFrame{binary: true, data: frame})
}

func (c *shellConn) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to encode frame")
		return
	}
	c.enqueue(outFrame{data: data})
}

func (c *shellConn) enqueue(f outFrame) {
	select {
	case <-c.done:
	case c.send <- f:
	default:
		c.log.Warn().Bool("binary", f.binary).Msg("Shell send buffer full, dropping frame")
	}
}

func (c *shellConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *shellConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			msgType := websocket.TextMessage
			if f.binary {
				msgType = websocket.BinaryMessage
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(msgType, f.data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
