package callsession

// Phase is the lifecycle position of the adapter.
type Phase int

const (
	PhaseIdle Phase = iota
	// PhaseDialing: connect dispatched, no callback yet.
	PhaseDialing
	PhaseRinging
	PhaseConnected
	PhaseReconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDialing:
		return "dialing"
	case PhaseRinging:
		return "ringing"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// State is the adapter-owned call state. Call is the active session and is only
// set in PhaseConnected and PhaseReconnecting.
type State struct {
	Phase Phase
	Call  Call
	// CallID identifies the dispatched or active call. Empty while a dispatch
	// has not reported back yet.
	CallID string
	// FocusCallID is the call whose connection acquired audio focus. It outlives
	// the session when endCall clears it before the SDK confirms the hangup.
	FocusCallID string
}

// Active reports whether a call session exists.
func (s State) Active() bool {
	return s.Call != nil
}

func (s State) trackedID() string {
	if s.CallID != "" {
		return s.CallID
	}
	if s.Call != nil {
		return s.Call.ID()
	}
	return ""
}

// owns reports whether ev belongs to the tracked call. A pending dispatch
// adopts the first call that reports, unless it is the ended call still
// holding focus.
func (s State) owns(ev Event) bool {
	if ev.Call == nil {
		return true
	}
	id := s.trackedID()
	if id == "" {
		return s.Phase != PhaseIdle && ev.Call.ID() != s.FocusCallID
	}
	return ev.Call.ID() == id
}

// EffectKind tags a side effect produced by Transition.
type EffectKind int

const (
	EffectAcquireFocus EffectKind = iota + 1
	EffectReleaseFocus
	EffectStartRingback
	EffectStopRingback
	EffectNotify
)

// Effect is a side effect the adapter executes, in order, after a transition.
type Effect struct {
	Kind         EffectKind
	Notification Notification
}

func notify(name string, err *CallError) Effect {
	return Effect{Kind: EffectNotify, Notification: Notification{Name: name, Error: err}}
}

// Transition applies a lifecycle event to the state. It performs no I/O.
// Events from a call other than the tracked one never change the session.
func Transition(st State, ev Event) (State, []Effect) {
	if !st.owns(ev) {
		return staleTransition(st, ev)
	}
	if ev.Call != nil && st.CallID == "" {
		st.CallID = ev.Call.ID()
	}

	switch ev.Kind {
	case EventRinging:
		if st.Phase == PhaseIdle || st.Phase == PhaseDialing {
			st.Phase = PhaseRinging
		}
		return st, []Effect{{Kind: EffectStartRingback}}

	case EventConnectFailure:
		effects := []Effect{
			{Kind: EffectStopRingback},
			{Kind: EffectReleaseFocus},
		}
		if ev.Err != nil {
			effects = append(effects, notify(NotifyError, ev.Err))
		}
		effects = append(effects, notify(NotifyDisconnect, nil))
		return State{Phase: PhaseIdle}, effects

	case EventConnected:
		return State{Phase: PhaseConnected, Call: ev.Call, CallID: st.CallID, FocusCallID: st.CallID}, []Effect{
			{Kind: EffectStopRingback},
			{Kind: EffectAcquireFocus},
			notify(NotifyAccept, nil),
		}

	case EventReconnecting:
		if st.Phase == PhaseConnected {
			st.Phase = PhaseReconnecting
		}
		if ev.Err == nil {
			return st, nil
		}
		return st, []Effect{notify(NotifyError, ev.Err)}

	case EventReconnected:
		if st.Phase == PhaseReconnecting {
			st.Phase = PhaseConnected
		}
		return st, nil

	case EventDisconnected:
		effects := []Effect{
			{Kind: EffectStopRingback},
			{Kind: EffectReleaseFocus},
		}
		if ev.Err != nil {
			effects = append(effects, notify(NotifyError, ev.Err))
		}
		effects = append(effects, notify(NotifyDisconnect, nil))
		return State{Phase: PhaseIdle}, effects
	}
	return st, nil
}

// staleTransition handles an event from a call that is no longer tracked, such
// as the late Disconnected of a call ended with endCall. Only its end is
// reported; focus is released when that call still holds it.
func staleTransition(st State, ev Event) (State, []Effect) {
	if ev.Kind != EventDisconnected && ev.Kind != EventConnectFailure {
		return st, nil
	}

	var effects []Effect
	if st.FocusCallID == "" || st.FocusCallID == ev.Call.ID() {
		effects = append(effects, Effect{Kind: EffectReleaseFocus})
		st.FocusCallID = ""
	}
	if ev.Err != nil {
		effects = append(effects, notify(NotifyError, ev.Err))
	}
	effects = append(effects, notify(NotifyDisconnect, nil))
	return st, effects
}
