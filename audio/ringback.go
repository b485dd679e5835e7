package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"
	"github.com/zaf/g711"

	"github.com/agentplexus/twiliovoice/callsession"
)

var _ callsession.Ringback = (*Ringback)(nil)

// Telephony audio format.
const (
	SampleRate = 8000
	// FrameSize is the number of μ-law bytes in a 20 ms frame.
	FrameSize     = 160
	FrameDuration = 20 * time.Millisecond
)

// North American ringback: 440 Hz + 480 Hz, 2 s on, 4 s off.
const (
	DefaultRingOn  = 2 * time.Second
	DefaultRingOff = 4 * time.Second
)

// ErrUnsupportedWAV is returned for WAV files that are not linear PCM.
var ErrUnsupportedWAV = errors.New("unsupported wav file")

// Ringback loops a μ-law pattern into a sink in real time, one frame per tick.
type Ringback struct {
	sink     io.Writer
	pattern  []byte
	interval time.Duration
	log      zerolog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// RingbackOption configures a Ringback.
type RingbackOption func(*ringbackOptions)

type ringbackOptions struct {
	samples  []int16
	on, off  time.Duration
	interval time.Duration
	log      zerolog.Logger
}

// WithSamples plays samples (8 kHz mono linear PCM) in a loop instead of the
// generated tone.
func WithSamples(samples []int16) RingbackOption {
	return func(o *ringbackOptions) {
		o.samples = samples
	}
}

// WithCadence sets the on and off periods of the generated tone.
func WithCadence(on, off time.Duration) RingbackOption {
	return func(o *ringbackOptions) {
		o.on = on
		o.off = off
	}
}

// WithFrameInterval sets the pacing between frames. It defaults to the frame
// duration.
func WithFrameInterval(d time.Duration) RingbackOption {
	return func(o *ringbackOptions) {
		o.interval = d
	}
}

// WithRingbackLogger sets the logger.
func WithRingbackLogger(log zerolog.Logger) RingbackOption {
	return func(o *ringbackOptions) {
		o.log = log
	}
}

// NewRingback creates a ringback player writing μ-law frames to sink.
func NewRingback(sink io.Writer, opts ...RingbackOption) *Ringback {
	cfg := &ringbackOptions{
		on:       DefaultRingOn,
		off:      DefaultRingOff,
		interval: FrameDuration,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	samples := cfg.samples
	if len(samples) == 0 {
		samples = append(Tone(cfg.on), make([]int16, samplesFor(cfg.off))...)
	}

	return &Ringback{
		sink:     sink,
		pattern:  EncodeUlaw(samples),
		interval: cfg.interval,
		log:      cfg.log,
	}
}

// Start begins playback. Calling Start while playing does nothing.
func (r *Ringback) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.play(r.stop, r.done)
}

// Stop ends playback and waits for the player to exit.
func (r *Ringback) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Playing reports whether playback is running.
func (r *Ringback) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop != nil
}

func (r *Ringback) play(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if len(r.pattern) == 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	frame := make([]byte, FrameSize)
	pos := 0
	for {
		for i := range frame {
			frame[i] = r.pattern[pos]
			pos = (pos + 1) % len(r.pattern)
		}
		if _, err := r.sink.Write(frame); err != nil {
			r.log.Warn().Err(err).Msg("Ringback sink failed, stopping")
			return
		}

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func samplesFor(d time.Duration) int {
	return int(d * SampleRate / time.Second)
}

// Tone generates the dual-frequency ringback tone.
func Tone(d time.Duration) []int16 {
	const amplitude = 0.25 * math.MaxInt16
	n := samplesFor(d)
	out := make([]int16, n)
	for i := range out {
		t := float64(i) / SampleRate
		v := math.Sin(2*math.Pi*440*t) + math.Sin(2*math.Pi*480*t)
		out[i] = int16(amplitude * v)
	}
	return out
}

// EncodeUlaw converts 16-bit linear PCM to G.711 μ-law.
func EncodeUlaw(samples []int16) []byte {
	lpcm := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(lpcm[2*i:], uint16(s))
	}
	return g711.EncodeUlaw(lpcm)
}

// LoadWAV reads a WAV file for use with WithSamples.
func LoadWAV(path string) ([]int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ringback: %w", err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// DecodeWAV decodes linear PCM WAV audio to 8 kHz mono 16-bit samples.
func DecodeWAV(r io.ReadSeeker) ([]int16, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a PCM wav file", ErrUnsupportedWAV)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}

	channels := int(dec.NumChans)
	if channels < 1 {
		return nil, fmt.Errorf("%w: no channels", ErrUnsupportedWAV)
	}
	shift := int(dec.BitDepth) - 16

	mono := make([]int16, len(buf.Data)/channels)
	for i := range mono {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buf.Data[i*channels+c]
		}
		v := sum / channels
		switch {
		case dec.BitDepth == 8:
			v = (v - 128) << 8
		case shift > 0:
			v >>= shift
		}
		mono[i] = int16(v)
	}

	return resample(mono, int(dec.SampleRate), SampleRate), nil
}

// resample converts between sample rates by linear interpolation.
func resample(in []int16, from, to int) []int16 {
	if from == to || from <= 0 || len(in) == 0 {
		return in
	}
	ratio := float64(from) / float64(to)
	n := int(float64(len(in)) / ratio)
	out := make([]int16, 0, n)
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx+1 >= len(in) {
			break
		}
		frac := pos - float64(idx)
		out = append(out, int16(float64(in[idx])*(1-frac)+float64(in[idx+1])*frac))
	}
	return out
}

// WriteWAV encodes 8 kHz mono 16-bit samples as a WAV file.
func WriteWAV(w io.WriteSeeker, samples []int16) error {
	enc := wav.NewEncoder(w, SampleRate, 16, 1, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish wav: %w", err)
	}
	return nil
}
