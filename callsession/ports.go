package callsession

import "context"

// ConnectOptions is the connection request handed to the voice SDK.
type ConnectOptions struct {
	// AccessToken authenticates the client against the voice backend.
	AccessToken string
	// Params are forwarded to the backend application ("To", "providerId", ...).
	Params map[string]string
}

// To returns the destination parameter.
func (o ConnectOptions) To() string {
	return o.Params[ParamTo]
}

// Connect parameter names.
const (
	ParamTo         = "To"
	ParamFrom       = "From"
	ParamProviderID = "providerId"
)

// Call is the opaque handle of a call owned by the voice SDK.
type Call interface {
	// ID returns the SDK-local identifier of the call.
	ID() string
	Disconnect()
	Mute(muted bool)
	IsMuted() bool
}

// Listener receives lifecycle events for a dispatched call. Drivers may invoke it
// from any goroutine.
type Listener interface {
	OnEvent(ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev Event)

// OnEvent calls f(ev).
func (f ListenerFunc) OnEvent(ev Event) { f(ev) }

// VoiceSDK dispatches outbound calls. Connect must return without waiting for the
// call outcome; every outcome, failures included, arrives through the listener.
type VoiceSDK interface {
	Connect(ctx context.Context, opts ConnectOptions, listener Listener) Call
}

// AudioMode mirrors the device audio modes.
type AudioMode int

// Audio modes, numbered like the Android AudioManager constants.
const (
	ModeInvalid         AudioMode = -2
	ModeCurrent         AudioMode = -1
	ModeNormal          AudioMode = 0
	ModeRingtone        AudioMode = 1
	ModeInCall          AudioMode = 2
	ModeInCommunication AudioMode = 3
)

func (m AudioMode) String() string {
	switch m {
	case ModeInvalid:
		return "invalid"
	case ModeCurrent:
		return "current"
	case ModeNormal:
		return "normal"
	case ModeRingtone:
		return "ringtone"
	case ModeInCall:
		return "in-call"
	case ModeInCommunication:
		return "in-communication"
	default:
		return "unknown"
	}
}

// AudioStream identifies the stream hardware volume keys control.
type AudioStream int

const (
	StreamVoiceCall AudioStream = 0
	StreamRing      AudioStream = 2
	StreamMusic     AudioStream = 3
)

// FocusGain is the kind of audio focus requested.
type FocusGain int

const (
	FocusGainFull      FocusGain = 1
	FocusGainTransient FocusGain = 2
)

// FocusRequest describes an audio focus claim.
type FocusRequest struct {
	Gain               FocusGain
	Stream             AudioStream
	Usage              string
	ContentType        string
	AcceptsDelayedGain bool
}

// Focus request attribute values.
const (
	UsageVoiceCommunication = "voice-communication"
	ContentTypeSpeech       = "speech"
)

// AudioManager is the device audio subsystem.
type AudioManager interface {
	Mode() AudioMode
	SetMode(mode AudioMode)
	// RequestFocus reports whether focus was granted (or will be, when delayed).
	RequestFocus(req FocusRequest) bool
	AbandonFocus()
	IsSpeakerphoneOn() bool
	SetSpeakerphoneOn(on bool)
	SetVolumeControlStream(stream AudioStream)
}

// MicrophonePermissions is the OS permission subsystem for audio recording.
type MicrophonePermissions interface {
	MicrophoneGranted() bool
	ShouldShowRationale() bool
	// RequestMicrophone shows the system prompt. The outcome is delivered later
	// through Adapter.OnPermissionResult.
	RequestMicrophone()
}

// Notice is a dismissible user-facing message with an optional action.
type Notice struct {
	Message     string
	ActionLabel string
	Action      func()
}

// Surface renders notices for the user.
type Surface interface {
	ShowNotice(n Notice)
}

// Ringback plays a custom ringback tone between Ringing and the call outcome.
type Ringback interface {
	Start()
	Stop()
}
