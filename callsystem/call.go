package callsystem

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/agentplexus/twiliovoice/callsession"
	"github.com/agentplexus/twiliovoice/internal/client"
	"github.com/agentplexus/twiliovoice/transport"
)

var _ callsession.Call = (*Call)(nil)

const hangupTimeout = 10 * time.Second

// Call is a Twilio call handle.
type Call struct {
	id       string
	to       string
	provider *Provider
	listener callsession.Listener
	cancel   context.CancelFunc

	// deliverMu serializes listener callbacks. Disconnect and Mute take only mu.
	deliverMu sync.Mutex

	mu              sync.Mutex
	sid             string
	twiml           string
	ringing         bool
	connected       bool
	reconnecting    bool
	hangupRequested bool
	ended           bool
	muted           bool
	conn            *transport.Connection
}

// ID returns the local call identifier.
func (c *Call) ID() string {
	return c.id
}

// SID returns the Twilio call SID, empty until the call has been created.
func (c *Call) SID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// Disconnect hangs up the call, or cancels it when it has not been answered.
func (c *Call) Disconnect() {
	c.mu.Lock()
	if c.ended || c.hangupRequested {
		c.mu.Unlock()
		return
	}
	c.hangupRequested = true
	sid := c.sid
	c.mu.Unlock()

	// Without a SID the dial goroutine cancels once MakeCall returns.
	if sid != "" {
		go c.hangup()
	}
}

// Mute stops or resumes sending local audio. Muting also drops audio Twilio
// has queued for the callee.
func (c *Call) Mute(muted bool) {
	c.mu.Lock()
	c.muted = muted
	conn := c.conn
	if conn != nil {
		conn.SetMuted(muted)
	}
	c.mu.Unlock()

	if muted && conn != nil {
		if err := conn.Clear(); err != nil {
			c.provider.log.Debug().Err(err).Str("call_id", c.id).Msg("Failed to clear queued audio")
		}
	}
}

// IsMuted reports whether local audio is muted.
func (c *Call) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Connection returns the current Media Stream, nil while none is attached.
func (c *Call) Connection() *transport.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// setSID records the Twilio SID and reports whether a hangup was requested
// before it was known.
func (c *Call) setSID(sid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sid == "" {
		c.sid = sid
	}
	return c.hangupRequested
}

func (c *Call) setTwiML(doc string) {
	c.mu.Lock()
	c.twiml = doc
	c.mu.Unlock()
}

func (c *Call) hangup() {
	c.mu.Lock()
	sid, connected := c.sid, c.connected
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()

	log := c.provider.log.With().Str("call_id", c.id).Str("call_sid", sid).Logger()
	api := c.provider.client
	if !connected {
		if _, err := api.CancelCall(ctx, sid); err == nil {
			return
		}
	}
	if _, err := api.HangupCall(ctx, sid); err != nil {
		log.Error().Err(err).Msg("Failed to hang up call")
	}
}

// onStatus applies a Twilio call status.
func (c *Call) onStatus(status string) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}

	var (
		ev       callsession.Event
		emit     bool
		terminal bool
	)
	switch {
	case status == client.StatusRinging:
		if !c.ringing && !c.connected {
			c.ringing = true
			ev, emit = callsession.Ringing(c), true
		}
	case status == client.StatusInProgress:
		if !c.connected {
			c.connected = true
			ev, emit = callsession.Connected(c), true
		}
	case client.IsTerminalStatus(status):
		ev, emit, terminal = c.outcome(status), true, true
		c.ended = true
	}
	c.mu.Unlock()

	if terminal {
		c.teardown()
	}
	if emit {
		c.listener.OnEvent(ev)
	}
}

// outcome builds the final event for a terminal status. Must hold c.mu.
func (c *Call) outcome(status string) callsession.Event {
	if c.hangupRequested {
		return callsession.Disconnected(c, nil)
	}
	if c.connected {
		if status == client.StatusCompleted {
			return callsession.Disconnected(c, nil)
		}
		return callsession.Disconnected(c, statusError(status))
	}
	return callsession.ConnectFailure(c, statusError(status))
}

// fail ends a call that never got going.
func (c *Call) fail(err *callsession.CallError) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()

	c.teardown()
	c.listener.OnEvent(callsession.ConnectFailure(c, err))
}

func (c *Call) teardown() {
	c.cancel()
	c.provider.remove(c)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// attach binds a Media Stream to the call and watches it.
func (c *Call) attach(conn *transport.Connection) {
	c.deliverMu.Lock()
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		c.deliverMu.Unlock()
		_ = conn.Close()
		return
	}
	prev := c.conn
	c.conn = conn
	conn.SetMuted(c.muted)
	resumed := c.reconnecting
	c.reconnecting = false
	c.mu.Unlock()

	if prev != nil && prev != conn {
		_ = prev.Close()
	}
	c.provider.log.Debug().
		Str("call_id", c.id).
		Str("stream_sid", conn.ID()).
		Str("remote", conn.RemoteAddr().String()).
		Msg("Media stream attached")
	if resumed {
		c.listener.OnEvent(callsession.Reconnected(c))
	}
	c.deliverMu.Unlock()

	go c.watch(conn)
	if sink := c.provider.sink; sink != nil {
		go c.forward(conn, sink)
	}
}

func (c *Call) watch(conn *transport.Connection) {
	for ev := range conn.Events() {
		switch ev.Type {
		case transport.EventDTMF:
			c.provider.log.Debug().Str("call_id", c.id).Str("digit", ev.Data).Msg("DTMF received")
		case transport.EventError:
			c.streamLost(conn, ev.Error)
		}
	}
}

// forward copies the callee's audio to sink until the stream ends.
func (c *Call) forward(conn *transport.Connection, sink io.Writer) {
	if _, err := io.Copy(sink, conn.AudioOut()); err != nil {
		c.provider.log.Warn().Err(err).Str("call_id", c.id).Msg("Audio sink failed")
	}
}

// streamLost reports a dropped Media Stream and asks Twilio to open a new one.
func (c *Call) streamLost(conn *transport.Connection, cause error) {
	c.deliverMu.Lock()
	c.mu.Lock()
	if c.ended || !c.connected || c.conn != conn {
		c.mu.Unlock()
		c.deliverMu.Unlock()
		return
	}
	c.conn = nil
	c.reconnecting = true
	sid, doc := c.sid, c.twiml
	c.mu.Unlock()

	log := c.provider.log.With().Str("call_id", c.id).Str("call_sid", sid).Logger()
	log.Warn().Err(cause).Msg("Media stream lost, reconnecting")
	c.listener.OnEvent(callsession.Reconnecting(c,
		callsession.NewCallError(callsession.CodeMediaConnectionError, "Media connection failed")))
	c.deliverMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	if _, err := c.provider.client.UpdateCall(ctx, sid, client.UpdateCallParams{Twiml: doc}); err != nil {
		log.Error().Err(err).Msg("Failed to restart media stream")
		c.Disconnect()
	}
}

// statusError maps an unsuccessful Twilio call status to the SDK error.
func statusError(status string) *callsession.CallError {
	switch status {
	case client.StatusBusy:
		return callsession.NewCallError(callsession.CodeBusyHere, "Busy Here")
	case client.StatusNoAnswer:
		return callsession.NewCallError(callsession.CodeTemporarilyUnavail, "Temporarily Unavailable")
	case client.StatusCanceled:
		return callsession.NewCallError(callsession.CodeRequestTerminated, "Request Terminated")
	case client.StatusCompleted:
		return callsession.NewCallError(callsession.CodeConnectionError, "Call ended before it was answered")
	default:
		return callsession.NewCallError(callsession.CodeConnectionError, "Connection error")
	}
}
