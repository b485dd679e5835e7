// Package audio provides the software audio device the bridge drives in place
// of a handset audio subsystem, and the ringback tone player.
package audio

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentplexus/twiliovoice/callsession"
)

var _ callsession.AudioManager = (*Device)(nil)

// State is a snapshot of the device, as reported to the shell.
type State struct {
	Mode         string `json:"mode"`
	FocusHeld    bool   `json:"focusHeld"`
	Speaker      bool   `json:"speaker"`
	VolumeStream int    `json:"volumeStream"`
}

// Device keeps audio routing state. Focus is granted unless another owner has
// been declared with SetFocusAvailable(false).
type Device struct {
	log zerolog.Logger

	mu             sync.Mutex
	mode           callsession.AudioMode
	focus          *callsession.FocusRequest
	focusAvailable bool
	speaker        bool
	volumeStream   callsession.AudioStream
	subs           map[int]func(State)
	nextSub        int
}

// DeviceOption configures a Device.
type DeviceOption func(*Device)

// WithDeviceLogger sets the logger.
func WithDeviceLogger(log zerolog.Logger) DeviceOption {
	return func(d *Device) {
		d.log = log
	}
}

// WithMode sets the initial audio mode.
func WithMode(mode callsession.AudioMode) DeviceOption {
	return func(d *Device) {
		d.mode = mode
	}
}

// NewDevice creates a device in normal mode with the music stream on the volume
// keys.
func NewDevice(opts ...DeviceOption) *Device {
	d := &Device{
		log:            zerolog.Nop(),
		mode:           callsession.ModeNormal,
		focusAvailable: true,
		volumeStream:   callsession.StreamMusic,
		subs:           make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Mode returns the current audio mode.
func (d *Device) Mode() callsession.AudioMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// SetMode switches the audio mode. ModeCurrent and ModeInvalid are not modes
// and are ignored.
func (d *Device) SetMode(mode callsession.AudioMode) {
	if mode == callsession.ModeCurrent || mode == callsession.ModeInvalid {
		d.log.Warn().Stringer("mode", mode).Msg("Ignoring pseudo audio mode")
		return
	}
	d.update(func() bool {
		changed := d.mode != mode
		d.mode = mode
		return changed
	})
}

// RequestFocus claims audio focus.
func (d *Device) RequestFocus(req callsession.FocusRequest) bool {
	granted := false
	d.update(func() bool {
		if !d.focusAvailable {
			return false
		}
		granted = true
		changed := d.focus == nil
		d.focus = &req
		return changed
	})
	if !granted {
		d.log.Debug().Msg("Audio focus held elsewhere")
	}
	return granted
}

// AbandonFocus gives up audio focus. It is a no-op when focus is not held.
func (d *Device) AbandonFocus() {
	d.update(func() bool {
		changed := d.focus != nil
		d.focus = nil
		return changed
	})
}

// Focus returns the active focus request, if any.
func (d *Device) Focus() (callsession.FocusRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.focus == nil {
		return callsession.FocusRequest{}, false
	}
	return *d.focus, true
}

// SetFocusAvailable declares whether another owner holds audio focus. Making
// focus unavailable revokes the current holder.
func (d *Device) SetFocusAvailable(available bool) {
	d.update(func() bool {
		d.focusAvailable = available
		if !available && d.focus != nil {
			d.focus = nil
			return true
		}
		return false
	})
}

// IsSpeakerphoneOn reports whether audio is routed to the loudspeaker.
func (d *Device) IsSpeakerphoneOn() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaker
}

// SetSpeakerphoneOn routes audio to the loudspeaker or the earpiece.
func (d *Device) SetSpeakerphoneOn(on bool) {
	d.update(func() bool {
		changed := d.speaker != on
		d.speaker = on
		return changed
	})
}

// SetVolumeControlStream binds the hardware volume keys.
func (d *Device) SetVolumeControlStream(stream callsession.AudioStream) {
	d.update(func() bool {
		changed := d.volumeStream != stream
		d.volumeStream = stream
		return changed
	})
}

// State returns a snapshot of the device.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked()
}

// Subscribe registers fn for state changes. The returned func unsubscribes.
func (d *Device) Subscribe(fn func(State)) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

func (d *Device) stateLocked() State {
	return State{
		Mode:         d.mode.String(),
		FocusHeld:    d.focus != nil,
		Speaker:      d.speaker,
		VolumeStream: int(d.volumeStream),
	}
}

// update applies mutate under the lock and notifies subscribers outside it
// when mutate reports a change.
func (d *Device) update(mutate func() bool) {
	d.mu.Lock()
	if !mutate() {
		d.mu.Unlock()
		return
	}
	state := d.stateLocked()
	subs := make([]func(State), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()

	d.log.Debug().
		Str("mode", state.Mode).
		Bool("focus", state.FocusHeld).
		Bool("speaker", state.Speaker).
		Msg("Audio device changed")
	for _, fn := range subs {
		fn(state)
	}
}
