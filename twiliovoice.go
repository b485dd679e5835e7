// Package twiliovoice bridges a hybrid application shell to outbound voice
// calls.
//
// The module is split by concern:
//   - callsession: the call session adapter, its lifecycle state machine, audio
//     focus and microphone permission handling
//   - callsystem: a voice SDK driver placing calls through the Twilio REST API,
//     with status callbacks and Media Streams
//   - sipcall: a voice SDK driver placing calls over a SIP trunk
//   - audio: the audio device model and the custom ringback player
//   - bridge: the WebSocket method and event surface the shell talks to
//
// # Environment Variables
//
//	TWILIO_ACCOUNT_SID - Your Twilio Account SID
//	TWILIO_AUTH_TOKEN  - Your Twilio Auth Token
//
// # Quick Start
//
//	sdk, _ := callsystem.New(
//	    callsystem.WithAccountSID(os.Getenv("TWILIO_ACCOUNT_SID")),
//	    callsystem.WithAuthToken(os.Getenv("TWILIO_AUTH_TOKEN")),
//	    callsystem.WithPhoneNumber("+15550100000"),
//	)
//	device := audio.NewDevice()
//	hub := bridge.NewHub(log)
//	adapter := callsession.New(sdk, device, hub, hub)
//	http.Handle("/bridge", bridge.NewServer(bridge.NewPlugin(adapter, hub), hub))
package twiliovoice

// Version is the module version.
const Version = "0.1.0"

// PluginName is the name the shell registers the plugin under.
const PluginName = "TwilioVoicePlugin"
