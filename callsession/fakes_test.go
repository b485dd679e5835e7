package callsession

import (
	"context"
	"fmt"
	"sync"
)

type fakeCall struct {
	id           string
	mu           sync.Mutex
	muted        bool
	disconnected int
}

func (c *fakeCall) ID() string { return c.id }

func (c *fakeCall) Disconnect() {
	c.mu.Lock()
	c.disconnected++
	c.mu.Unlock()
}

func (c *fakeCall) Mute(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
}

func (c *fakeCall) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

type fakeSDK struct {
	mu       sync.Mutex
	connects []ConnectOptions
	calls    []*fakeCall
	listener Listener
	// onConnect, when set, runs synchronously inside Connect.
	onConnect func(c *fakeCall, l Listener)
}

func (s *fakeSDK) Connect(_ context.Context, opts ConnectOptions, l Listener) Call {
	s.mu.Lock()
	c := &fakeCall{id: fmt.Sprintf("call-%d", len(s.calls)+1)}
	s.connects = append(s.connects, opts)
	s.calls = append(s.calls, c)
	s.listener = l
	hook := s.onConnect
	s.mu.Unlock()

	if hook != nil {
		hook(c, l)
	}
	return c
}

func (s *fakeSDK) lastCall() *fakeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func (s *fakeSDK) emit(ev Event) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	l.OnEvent(ev)
}

type fakeAudio struct {
	mu          sync.Mutex
	mode        AudioMode
	speaker     bool
	stream      AudioStream
	grant       bool
	requests    []FocusRequest
	abandoned   int
	modeHistory []AudioMode
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{mode: ModeNormal, grant: true, stream: StreamMusic}
}

func (a *fakeAudio) Mode() AudioMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *fakeAudio) SetMode(m AudioMode) {
	a.mu.Lock()
	a.mode = m
	a.modeHistory = append(a.modeHistory, m)
	a.mu.Unlock()
}

func (a *fakeAudio) RequestFocus(req FocusRequest) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	return a.grant
}

func (a *fakeAudio) AbandonFocus() {
	a.mu.Lock()
	a.abandoned++
	a.mu.Unlock()
}

func (a *fakeAudio) IsSpeakerphoneOn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speaker
}

func (a *fakeAudio) SetSpeakerphoneOn(on bool) {
	a.mu.Lock()
	a.speaker = on
	a.mu.Unlock()
}

func (a *fakeAudio) SetVolumeControlStream(s AudioStream) {
	a.mu.Lock()
	a.stream = s
	a.mu.Unlock()
}

type fakePerms struct {
	mu        sync.Mutex
	granted   bool
	rationale bool
	requests  int
}

func (p *fakePerms) MicrophoneGranted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted
}

func (p *fakePerms) ShouldShowRationale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rationale
}

func (p *fakePerms) RequestMicrophone() {
	p.mu.Lock()
	p.requests++
	p.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	r.events = append(r.events, n)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, n := range r.events {
		out = append(out, n.Name)
	}
	return out
}

func (r *recorder) count(name string) int {
	n := 0
	for _, got := range r.names() {
		if got == name {
			n++
		}
	}
	return n
}

type fakeSurface struct {
	mu      sync.Mutex
	notices []Notice
}

func (s *fakeSurface) ShowNotice(n Notice) {
	s.mu.Lock()
	s.notices = append(s.notices, n)
	s.mu.Unlock()
}

type fakeRingback struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (r *fakeRingback) Start() {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *fakeRingback) Stop() {
	r.mu.Lock()
	r.stopped++
	r.mu.Unlock()
}
