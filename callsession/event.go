package callsession

// EventKind tags a lifecycle event.
type EventKind int

const (
	EventRinging EventKind = iota + 1
	EventConnectFailure
	EventConnected
	EventReconnecting
	EventReconnected
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventRinging:
		return "ringing"
	case EventConnectFailure:
		return "connect-failure"
	case EventConnected:
		return "connected"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnected:
		return "reconnected"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a lifecycle callback from the voice SDK.
type Event struct {
	Kind EventKind
	Call Call
	// Err is set for ConnectFailure and Reconnecting, and optionally for
	// Disconnected.
	Err *CallError
}

func Ringing(c Call) Event { return Event{Kind: EventRinging, Call: c} }

func ConnectFailure(c Call, err *CallError) Event {
	return Event{Kind: EventConnectFailure, Call: c, Err: err}
}

func Connected(c Call) Event { return Event{Kind: EventConnected, Call: c} }

func Reconnecting(c Call, err *CallError) Event {
	return Event{Kind: EventReconnecting, Call: c, Err: err}
}

func Reconnected(c Call) Event { return Event{Kind: EventReconnected, Call: c} }

// Disconnected builds a Disconnected event; err may be nil.
func Disconnected(c Call, err *CallError) Event {
	return Event{Kind: EventDisconnected, Call: c, Err: err}
}

// Notification names pushed to the hybrid shell.
const (
	NotifyAccept     = "accept"
	NotifyDisconnect = "disconnect"
	NotifyError      = "error"
)

// Notification is an outbound event with no request correlation.
type Notification struct {
	Name string
	// Error is the payload of an "error" notification.
	Error *CallError
}

// Notifier pushes notifications to listeners.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) { f(n) }
