package callsession

import (
	"sync"

	"github.com/rs/zerolog"
)

const (
	permissionNoticeMessage = "Microphone permissions needed. Please allow in your application settings."
	permissionNoticeAction  = "Configure"
)

// PermissionGate mediates microphone permission. Nothing is cached: every Check
// asks the OS.
type PermissionGate struct {
	os  MicrophonePermissions
	log zerolog.Logger

	mu      sync.Mutex
	surface Surface
}

// NewPermissionGate creates a gate over the OS permission subsystem.
func NewPermissionGate(os MicrophonePermissions, log zerolog.Logger) *PermissionGate {
	return &PermissionGate{os: os, log: log}
}

// SetSurface sets where rationale notices are shown.
func (g *PermissionGate) SetSurface(s Surface) {
	g.mu.Lock()
	g.surface = s
	g.mu.Unlock()
}

// Check reports whether microphone access is granted.
func (g *PermissionGate) Check() bool {
	return g.os.MicrophoneGranted()
}

// Request asks for microphone access, through the rationale notice when the OS
// wants one shown first.
func (g *PermissionGate) Request() {
	if g.os.ShouldShowRationale() {
		g.showRationale()
		return
	}
	g.os.RequestMicrophone()
}

// OnResult handles the outcome of a system prompt. Denial re-shows the
// rationale; the original call attempt is not retried.
func (g *PermissionGate) OnResult(granted bool) {
	g.log.Debug().Bool("granted", granted).Msg("Microphone permission result")
	if !granted {
		g.showRationale()
	}
}

func (g *PermissionGate) showRationale() {
	g.mu.Lock()
	surface := g.surface
	g.mu.Unlock()

	if surface == nil {
		// No surface captured yet, prompt directly.
		g.os.RequestMicrophone()
		return
	}
	surface.ShowNotice(Notice{
		Message:     permissionNoticeMessage,
		ActionLabel: permissionNoticeAction,
		Action:      g.os.RequestMicrophone,
	})
}
