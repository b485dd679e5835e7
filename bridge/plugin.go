// Package bridge exposes the call session adapter to a hybrid application
// shell over a WebSocket: method invocations in, results and events out.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/agentplexus/twiliovoice/audio"
	"github.com/agentplexus/twiliovoice/callsession"
)

// Plugin method names.
const (
	MethodInitPlugin       = "initPlugin"
	MethodCall             = "call"
	MethodUpdateCall       = "updateCall"
	MethodEndCall          = "endCall"
	MethodToggleMute       = "toggleMute"
	MethodToggleSpeaker    = "toggleSpeaker"
	MethodPermissionResult = "permissionResult"
	MethodNoticeAction     = "noticeAction"
	MethodGetState         = "getState"
)

var (
	ErrUnknownMethod  = errors.New("unknown method")
	ErrInvalidOptions = errors.New("invalid options")
)

// Result is the payload of a successful method call.
type Result struct {
	Success bool `json:"success"`
}

var success = Result{Success: true}

// InitOptions are the initPlugin options. The shell reports its microphone
// permission state with them.
type InitOptions struct {
	MicrophoneGranted   bool `json:"microphoneGranted"`
	ShouldShowRationale bool `json:"shouldShowRationale"`
}

// CallOptions are the call options.
type CallOptions struct {
	To         string            `json:"To"`
	ProviderID FlexInt           `json:"providerId"`
	Token      string            `json:"token"`
	From       string            `json:"From,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// PermissionResultOptions report the outcome of a system permission prompt.
type PermissionResultOptions struct {
	Granted             bool `json:"granted"`
	ShouldShowRationale bool `json:"shouldShowRationale"`
}

// NoticeActionOptions identify the notice whose action was tapped.
type NoticeActionOptions struct {
	ID string `json:"id"`
}

// StateResult is returned by getState.
type StateResult struct {
	Session callsession.Snapshot `json:"session"`
	Audio   *audio.State         `json:"audio,omitempty"`
}

// FlexInt decodes a JSON number or numeric string. Shells do not agree on how
// to send providerId.
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		data = []byte(s)
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("providerId: %w", err)
	}
	*f = FlexInt(n)
	return nil
}

// Plugin dispatches shell method calls to the adapter.
type Plugin struct {
	adapter *callsession.Adapter
	hub     *Hub
	device  *audio.Device
	log     zerolog.Logger
}

// PluginOption configures a Plugin.
type PluginOption func(*Plugin)

// WithDevice includes the audio device state in getState.
func WithDevice(d *audio.Device) PluginOption {
	return func(p *Plugin) {
		p.device = d
	}
}

// WithPluginLogger sets the logger.
func WithPluginLogger(log zerolog.Logger) PluginOption {
	return func(p *Plugin) {
		p.log = log
	}
}

// NewPlugin creates a plugin. The hub must be the surface, notifier and
// permission source the adapter was built with.
func NewPlugin(adapter *callsession.Adapter, hub *Hub, opts ...PluginOption) *Plugin {
	p := &Plugin{adapter: adapter, hub: hub, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Invoke runs method with its JSON options.
func (p *Plugin) Invoke(ctx context.Context, method string, options json.RawMessage) (any, error) {
	p.log.Debug().Str("method", method).Msg("Invoke")

	switch method {
	case MethodInitPlugin:
		var opts InitOptions
		if err := decode(options, &opts); err != nil {
			return nil, err
		}
		p.hub.SetPermissionState(opts.MicrophoneGranted, opts.ShouldShowRationale)
		p.adapter.Initialize(p.hub)
		return success, nil

	case MethodCall:
		var opts CallOptions
		if err := decode(options, &opts); err != nil {
			return nil, err
		}
		err := p.adapter.PlaceCall(ctx, callsession.CallRequest{
			To:         opts.To,
			ProviderID: int(opts.ProviderID),
			Token:      opts.Token,
			From:       opts.From,
			Params:     opts.Params,
		})
		return resultOf(err)

	case MethodUpdateCall:
		return resultOf(p.adapter.UpdateCall())

	case MethodEndCall:
		return resultOf(p.adapter.EndCall())

	case MethodToggleMute:
		return resultOf(p.adapter.ToggleMute())

	case MethodToggleSpeaker:
		return resultOf(p.adapter.ToggleSpeaker())

	case MethodPermissionResult:
		var opts PermissionResultOptions
		if err := decode(options, &opts); err != nil {
			return nil, err
		}
		p.hub.SetPermissionState(opts.Granted, opts.ShouldShowRationale)
		p.adapter.OnPermissionResult(opts.Granted)
		return success, nil

	case MethodNoticeAction:
		var opts NoticeActionOptions
		if err := decode(options, &opts); err != nil {
			return nil, err
		}
		return resultOf(p.hub.RunNoticeAction(opts.ID))

	case MethodGetState:
		res := StateResult{Session: p.adapter.Snapshot()}
		if p.device != nil {
			st := p.device.State()
			res.Audio = &st
		}
		return res, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

func resultOf(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return success, nil
}

func decode(options json.RawMessage, v any) error {
	if len(bytes.TrimSpace(options)) == 0 {
		return nil
	}
	if err := json.Unmarshal(options, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}
