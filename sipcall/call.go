package sipcall

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo"

	"github.com/agentplexus/twiliovoice/callsession"
)

var _ callsession.Call = (*Call)(nil)

const byeTimeout = 5 * time.Second

// Call is a SIP call handle.
type Call struct {
	id       string
	provider *Provider
	listener callsession.Listener
	cancel   context.CancelFunc

	deliverMu sync.Mutex

	mu              sync.Mutex
	sess            *sipgo.DialogClientSession
	ringing         bool
	connected       bool
	hangupRequested bool
	ended           bool
	muted           bool
}

// ID returns the local call identifier.
func (c *Call) ID() string {
	return c.id
}

// Disconnect sends BYE on an established call, or CANCEL while it rings.
func (c *Call) Disconnect() {
	c.mu.Lock()
	if c.ended || c.hangupRequested {
		c.mu.Unlock()
		return
	}
	c.hangupRequested = true
	sess, connected := c.sess, c.connected
	c.mu.Unlock()

	if !connected {
		// WaitAnswer sends CANCEL when its context ends.
		c.cancel()
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
		defer cancel()
		if err := sess.Bye(ctx); err != nil {
			c.provider.log.Warn().Err(err).Str("call_id", c.id).Msg("BYE failed")
		}
		c.finish(callsession.Disconnected(c, nil))
	}()
}

// Mute marks local audio as muted.
func (c *Call) Mute(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
}

// IsMuted reports whether local audio is muted.
func (c *Call) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Call) session() *sipgo.DialogClientSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Call) setSession(sess *sipgo.DialogClientSession) {
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
}

func (c *Call) hangupWasRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangupRequested
}

func (c *Call) onRinging() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	first := !c.ringing && !c.connected && !c.ended
	c.ringing = true
	c.mu.Unlock()

	if first {
		c.listener.OnEvent(callsession.Ringing(c))
	}
}

func (c *Call) onConnected() {
	c.deliverMu.Lock()
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		c.deliverMu.Unlock()
		return
	}
	c.connected = true
	hangup := c.hangupRequested
	c.mu.Unlock()

	c.listener.OnEvent(callsession.Connected(c))
	c.deliverMu.Unlock()

	// Disconnect raced the answer; hang up now that a dialog exists.
	if hangup {
		c.mu.Lock()
		c.hangupRequested = false
		c.mu.Unlock()
		c.Disconnect()
	}
}

// fail ends a call that never connected.
func (c *Call) fail(err *callsession.CallError) {
	c.finish(callsession.ConnectFailure(c, err))
}

// finish delivers the final event once.
func (c *Call) finish(ev callsession.Event) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	sess := c.sess
	c.mu.Unlock()

	c.cancel()
	if sess != nil {
		c.provider.dialogs.Delete(sess.ID)
		_ = sess.Close()
	}
	c.listener.OnEvent(ev)
}
