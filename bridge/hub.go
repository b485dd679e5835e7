package bridge

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentplexus/twiliovoice/audio"
	"github.com/agentplexus/twiliovoice/callsession"
)

// Compile-time checks for the ports the hub serves.
var (
	_ callsession.Notifier              = (*Hub)(nil)
	_ callsession.Surface               = (*Hub)(nil)
	_ callsession.MicrophonePermissions = (*Hub)(nil)
)

// Events pushed to shells besides the call notifications.
const (
	EventNotice            = "notice"
	EventPermissionRequest = "permissionRequest"
	EventAudio             = "audio"
)

// ErrUnknownNotice is returned for an action on a notice that does not exist or
// was already acted on.
var ErrUnknownNotice = errors.New("unknown notice")

// NoticeFrame is the payload of a notice event.
type NoticeFrame struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	ActionLabel string `json:"actionLabel,omitempty"`
}

// peer is a connected shell.
type peer interface {
	sendEvent(ev EventFrame)
	sendAudio(frame []byte)
}

// Hub fans notifications, notices and ringback audio out to connected shells.
// It also holds the microphone permission state the shells report.
type Hub struct {
	log zerolog.Logger

	mu                  sync.RWMutex
	peers               map[peer]struct{}
	notices             map[string]callsession.Notice
	microphoneGranted   bool
	shouldShowRationale bool
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("caller", "hub").Logger(),
		peers:   make(map[peer]struct{}),
		notices: make(map[string]callsession.Notice),
	}
}

func (h *Hub) add(p peer) {
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(p peer) {
	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
}

// Peers returns the number of connected shells.
func (h *Hub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func (h *Hub) broadcast(ev EventFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.peers {
		p.sendEvent(ev)
	}
}

// Notify pushes a call notification.
func (h *Hub) Notify(n callsession.Notification) {
	h.log.Debug().Str("event", n.Name).Msg("Notify")
	ev := EventFrame{Event: n.Name}
	if n.Error != nil {
		ev.Data = n.Error
	}
	h.broadcast(ev)
}

// ShowNotice pushes a notice. Its action runs when a shell reports it with
// RunNoticeAction.
func (h *Hub) ShowNotice(n callsession.Notice) {
	id := uuid.NewString()
	if n.Action != nil {
		h.mu.Lock()
		h.notices[id] = n
		h.mu.Unlock()
	}
	h.broadcast(EventFrame{Event: EventNotice, Data: NoticeFrame{
		ID:          id,
		Message:     n.Message,
		ActionLabel: n.ActionLabel,
	}})
}

// RunNoticeAction runs the action of notice id once.
func (h *Hub) RunNoticeAction(id string) error {
	h.mu.Lock()
	n, ok := h.notices[id]
	delete(h.notices, id)
	h.mu.Unlock()

	if !ok {
		return ErrUnknownNotice
	}
	n.Action()
	return nil
}

// SetPermissionState records the microphone permission state of the shell.
func (h *Hub) SetPermissionState(granted, shouldShowRationale bool) {
	h.mu.Lock()
	h.microphoneGranted = granted
	h.shouldShowRationale = shouldShowRationale
	h.mu.Unlock()
}

// MicrophoneGranted reports the last permission state a shell sent.
func (h *Hub) MicrophoneGranted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.microphoneGranted
}

// ShouldShowRationale reports whether the shell wants a rationale first.
func (h *Hub) ShouldShowRationale() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.shouldShowRationale
}

// RequestMicrophone asks the shells to show the system permission prompt.
func (h *Hub) RequestMicrophone() {
	h.broadcast(EventFrame{Event: EventPermissionRequest})
}

// AudioChanged pushes the device state. Subscribe it to audio.Device.
func (h *Hub) AudioChanged(state audio.State) {
	h.broadcast(EventFrame{Event: EventAudio, Data: state})
}

// Write sends μ-law audio, the ringback tone or the callee, to every shell as
// a binary frame.
func (h *Hub) Write(p []byte) (int, error) {
	frame := make([]byte, len(p))
	copy(frame, p)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for peer := range h.peers {
		peer.sendAudio(frame)
	}
	return len(p), nil
}
