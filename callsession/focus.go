package callsession

import (
	"sync"

	"github.com/rs/zerolog"
)

// FocusManager pairs audio focus acquisition with the restore of the audio mode
// that was current before the call.
type FocusManager struct {
	audio AudioManager
	log   zerolog.Logger

	mu       sync.Mutex
	saved    AudioMode
	snapshot bool
	held     bool
}

// NewFocusManager creates a FocusManager over the device audio.
func NewFocusManager(audio AudioManager, log zerolog.Logger) *FocusManager {
	return &FocusManager{audio: audio, log: log, saved: ModeInvalid}
}

// Acquire snapshots the audio mode, requests transient focus for voice
// communication and switches the device to in-communication mode. A snapshot
// taken by an earlier unreleased Acquire is kept. A refused focus request only
// degrades the call and is not reported.
func (f *FocusManager) Acquire() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.snapshot {
		f.saved = f.audio.Mode()
		f.snapshot = true
	}
	f.held = f.audio.RequestFocus(FocusRequest{
		Gain:               FocusGainTransient,
		Stream:             StreamVoiceCall,
		Usage:              UsageVoiceCommunication,
		ContentType:        ContentTypeSpeech,
		AcceptsDelayedGain: true,
	})
	if !f.held {
		f.log.Warn().Msg("Audio focus request refused")
	}
	f.audio.SetMode(ModeInCommunication)
}

// Release restores the mode captured by the last Acquire and abandons focus.
// Abandoning is unconditional; restoring only happens once per Acquire.
func (f *FocusManager) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.snapshot {
		f.audio.SetMode(f.saved)
		f.snapshot = false
	} else {
		f.log.Debug().Msg("Audio focus release without acquire")
	}
	f.audio.AbandonFocus()
	f.held = false
}

// Held reports whether focus was granted by the last Acquire and not released.
func (f *FocusManager) Held() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held
}
