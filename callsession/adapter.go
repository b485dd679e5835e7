// Package callsession adapts a voice calling SDK to the method/notification
// surface of a hybrid application shell.
//
// The Adapter holds at most one call session. Method invocations (place, end,
// mute, speaker) are answered synchronously; the outcome of a dispatched call
// arrives later as lifecycle events, which a pure Transition function turns into
// state changes and ordered effects: audio focus, ringback and notifications.
package callsession

import (
	"context"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// CallRequest is the "call" method payload.
type CallRequest struct {
	To         string
	ProviderID int
	Token      string
	// From is optional caller identification.
	From string
	// Params are extra connect parameters passed through to the backend.
	Params map[string]string
}

// Snapshot is a read-only view of the adapter.
type Snapshot struct {
	Phase       string `json:"phase"`
	CallID      string `json:"callId,omitempty"`
	Muted       bool   `json:"muted"`
	Speaker     bool   `json:"speaker"`
	FocusHeld   bool   `json:"focusHeld"`
	Initialized bool   `json:"initialized"`
}

// Adapter is the call session adapter.
type Adapter struct {
	sdk      VoiceSDK
	audio    AudioManager
	focus    *FocusManager
	perms    *PermissionGate
	notifier Notifier
	ringback Ringback
	log      zerolog.Logger

	mu          sync.Mutex
	state       State
	initialized bool
	dispatches  uint64
}

// Option configures the Adapter.
type Option func(*options)

type options struct {
	log      zerolog.Logger
	ringback Ringback
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithRingback plays a custom ringback while the callee is alerted.
func WithRingback(r Ringback) Option {
	return func(o *options) {
		o.ringback = r
	}
}

// New creates an Adapter.
func New(sdk VoiceSDK, audio AudioManager, perms MicrophonePermissions, notifier Notifier, opts ...Option) *Adapter {
	cfg := &options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(cfg)
	}

	log := cfg.log.With().Str("caller", "callsession").Logger()
	return &Adapter{
		sdk:      sdk,
		audio:    audio,
		focus:    NewFocusManager(audio, log),
		perms:    NewPermissionGate(perms, log),
		notifier: notifier,
		ringback: cfg.ringback,
		log:      log,
	}
}

// Initialize prepares the device for calls: speakerphone off, volume keys bound
// to the voice call stream, microphone permission requested when missing. The
// permission outcome is asynchronous, so Initialize cannot fail.
func (a *Adapter) Initialize(surface Surface) {
	a.log.Debug().Msg("initPlugin")

	a.perms.SetSurface(surface)
	a.audio.SetSpeakerphoneOn(false)
	a.audio.SetVolumeControlStream(StreamVoiceCall)

	a.mu.Lock()
	a.initialized = true
	a.mu.Unlock()

	if !a.perms.Check() {
		a.perms.Request()
	}
}

// PlaceCall dispatches a connection attempt. It returns once the attempt is
// dispatched; the outcome arrives as lifecycle events.
func (a *Adapter) PlaceCall(ctx context.Context, req CallRequest) error {
	a.log.Debug().Str("to", req.To).Int("providerId", req.ProviderID).Msg("call")

	if !a.perms.Check() {
		a.perms.Request()
		return ErrPermissionDenied
	}

	a.mu.Lock()
	if a.state.Phase != PhaseIdle {
		a.mu.Unlock()
		return ErrCallInProgress
	}
	if req.Token == "" {
		a.mu.Unlock()
		return ErrMissingToken
	}
	if req.To == "" {
		a.mu.Unlock()
		return ErrMissingDestination
	}
	// Reserve the slot before dispatching; the SDK may call back synchronously.
	a.state = State{Phase: PhaseDialing, FocusCallID: a.state.FocusCallID}
	a.dispatches++
	dispatch := a.dispatches
	a.mu.Unlock()

	opts := ConnectOptions{
		AccessToken: req.Token,
		Params:      connectParams(req),
	}
	call := a.sdk.Connect(ctx, opts, ListenerFunc(a.OnEvent))
	if call == nil {
		return nil
	}

	a.mu.Lock()
	if a.dispatches == dispatch && a.state.Phase != PhaseIdle && a.state.CallID == "" {
		a.state.CallID = call.ID()
	}
	a.mu.Unlock()
	a.log.Info().Str("call_id", call.ID()).Str("to", req.To).Msg("Call dispatched")
	return nil
}

func connectParams(req CallRequest) map[string]string {
	params := make(map[string]string, len(req.Params)+3)
	for k, v := range req.Params {
		params[k] = v
	}
	params[ParamTo] = req.To
	params[ParamProviderID] = strconv.Itoa(req.ProviderID)
	if req.From != "" {
		params[ParamFrom] = req.From
	}
	return params
}

// UpdateCall is not implemented by the backend and always succeeds.
func (a *Adapter) UpdateCall() error {
	a.log.Debug().Msg("updateCall")
	return nil
}

// EndCall disconnects the active call.
func (a *Adapter) EndCall() error {
	a.log.Debug().Msg("endCall")

	a.mu.Lock()
	call := a.state.Call
	if call == nil {
		a.mu.Unlock()
		return ErrNoActiveCall
	}
	// Focus stays with the call until the SDK confirms the hangup.
	a.state = State{Phase: PhaseIdle, FocusCallID: a.state.FocusCallID}
	a.mu.Unlock()

	call.Disconnect()
	a.notifier.Notify(Notification{Name: NotifyDisconnect})
	return nil
}

// ToggleMute flips the mute flag of the active call.
func (a *Adapter) ToggleMute() error {
	a.log.Debug().Msg("toggleMute")

	a.mu.Lock()
	call := a.state.Call
	a.mu.Unlock()

	if call == nil {
		return ErrNoActiveCall
	}
	call.Mute(!call.IsMuted())
	return nil
}

// ToggleSpeaker flips speakerphone routing regardless of call state.
func (a *Adapter) ToggleSpeaker() error {
	a.log.Debug().Msg("toggleSpeaker")
	a.audio.SetSpeakerphoneOn(!a.audio.IsSpeakerphoneOn())
	return nil
}

// OnPermissionResult delivers the outcome of a microphone permission prompt.
func (a *Adapter) OnPermissionResult(granted bool) {
	a.perms.OnResult(granted)
}

// OnEvent consumes a lifecycle event from the voice SDK.
func (a *Adapter) OnEvent(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	logEvent := a.log.Debug()
	if ev.Err != nil {
		logEvent = a.log.Error().Int("code", ev.Err.Code).Str("message", ev.Err.Message)
	}
	if ev.Call != nil {
		logEvent = logEvent.Str("call_id", ev.Call.ID())
	}
	logEvent.Str("event", ev.Kind.String()).Str("phase", a.state.Phase.String()).Bool("stale", !a.state.owns(ev)).Msg("Call event")

	next, effects := Transition(a.state, ev)
	a.state = next
	for _, e := range effects {
		a.apply(e)
	}
}

func (a *Adapter) apply(e Effect) {
	switch e.Kind {
	case EffectAcquireFocus:
		a.focus.Acquire()
	case EffectReleaseFocus:
		a.focus.Release()
	case EffectStartRingback:
		if a.ringback != nil {
			a.ringback.Start()
		}
	case EffectStopRingback:
		if a.ringback != nil {
			a.ringback.Stop()
		}
	case EffectNotify:
		a.notifier.Notify(e.Notification)
	}
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Snapshot returns a view of the adapter for the shell.
func (a *Adapter) Snapshot() Snapshot {
	a.mu.Lock()
	st := a.state
	initialized := a.initialized
	a.mu.Unlock()

	s := Snapshot{
		Phase:       st.Phase.String(),
		Speaker:     a.audio.IsSpeakerphoneOn(),
		FocusHeld:   a.focus.Held(),
		Initialized: initialized,
	}
	if st.Call != nil {
		s.CallID = st.Call.ID()
		s.Muted = st.Call.IsMuted()
	}
	return s
}
