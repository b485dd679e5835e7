package callsession

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	sdk      *fakeSDK
	audio    *fakeAudio
	perms    *fakePerms
	rec      *recorder
	surface  *fakeSurface
	ringback *fakeRingback
	adapter  *Adapter
}

func newTestEnv(t *testing.T, granted bool) *testEnv {
	t.Helper()
	env := &testEnv{
		sdk:      &fakeSDK{},
		audio:    newFakeAudio(),
		perms:    &fakePerms{granted: granted},
		rec:      &recorder{},
		surface:  &fakeSurface{},
		ringback: &fakeRingback{},
	}
	env.adapter = New(env.sdk, env.audio, env.perms, env.rec, WithRingback(env.ringback))
	env.adapter.Initialize(env.surface)
	return env
}

var testRequest = CallRequest{To: "+15551234567", ProviderID: 5, Token: "abc"}

func TestAdapterInitialize(t *testing.T) {
	t.Run("PermissionGranted", func(t *testing.T) {
		env := newTestEnv(t, true)
		assert.False(t, env.audio.IsSpeakerphoneOn())
		assert.Equal(t, StreamVoiceCall, env.audio.stream)
		assert.Equal(t, 0, env.perms.requests)
		assert.True(t, env.adapter.Snapshot().Initialized)
	})

	t.Run("PermissionMissing", func(t *testing.T) {
		env := newTestEnv(t, false)
		assert.Equal(t, 1, env.perms.requests)
	})

	t.Run("PermissionMissingWithRationale", func(t *testing.T) {
		sdk, audio, rec := &fakeSDK{}, newFakeAudio(), &recorder{}
		perms := &fakePerms{rationale: true}
		surface := &fakeSurface{}
		a := New(sdk, audio, perms, rec)
		a.Initialize(surface)

		assert.Equal(t, 0, perms.requests)
		require.Len(t, surface.notices, 1)
		surface.notices[0].Action()
		assert.Equal(t, 1, perms.requests)
	})

	t.Run("SpeakerReset", func(t *testing.T) {
		sdk, audio, rec := &fakeSDK{}, newFakeAudio(), &recorder{}
		audio.speaker = true
		New(sdk, audio, &fakePerms{granted: true}, rec).Initialize(&fakeSurface{})
		assert.False(t, audio.IsSpeakerphoneOn())
	})
}

func TestAdapterPlaceCallPermissionDenied(t *testing.T) {
	env := newTestEnv(t, false)
	requestsAfterInit := env.perms.requests

	err := env.adapter.PlaceCall(context.Background(), testRequest)
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, "permissions", err.Error())
	assert.Empty(t, env.sdk.connects, "no connection attempt may be dispatched")
	assert.Equal(t, requestsAfterInit+1, env.perms.requests)
	assert.Equal(t, PhaseIdle, env.adapter.State().Phase)

	// Retry once the shell reports the grant.
	env.perms.granted = true
	env.adapter.OnPermissionResult(true)
	require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
	assert.Len(t, env.sdk.connects, 1)
}

func TestAdapterPlaceCall(t *testing.T) {
	env := newTestEnv(t, true)

	require.NoError(t, env.adapter.PlaceCall(context.Background(), CallRequest{
		To:         "+15551234567",
		ProviderID: 5,
		Token:      "abc",
		Params:     map[string]string{"to_name": "Bob"},
	}))

	require.Len(t, env.sdk.connects, 1)
	opts := env.sdk.connects[0]
	assert.Equal(t, "abc", opts.AccessToken)
	assert.Equal(t, "+15551234567", opts.To())
	assert.Equal(t, "5", opts.Params[ParamProviderID])
	assert.Equal(t, "Bob", opts.Params["to_name"])
	_, hasFrom := opts.Params[ParamFrom]
	assert.False(t, hasFrom)

	// Dispatch only: no notification and no session yet.
	assert.Empty(t, env.rec.names())
	assert.Equal(t, PhaseDialing, env.adapter.State().Phase)
	assert.False(t, env.adapter.State().Active())
}

func TestAdapterPlaceCallValidation(t *testing.T) {
	env := newTestEnv(t, true)

	err := env.adapter.PlaceCall(context.Background(), CallRequest{To: "+1555"})
	assert.ErrorIs(t, err, ErrMissingToken)

	err = env.adapter.PlaceCall(context.Background(), CallRequest{Token: "abc"})
	assert.ErrorIs(t, err, ErrMissingDestination)

	assert.Empty(t, env.sdk.connects)
	assert.Equal(t, PhaseIdle, env.adapter.State().Phase)
}

func TestAdapterPlaceCallBusy(t *testing.T) {
	env := newTestEnv(t, true)
	require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))

	err := env.adapter.PlaceCall(context.Background(), testRequest)
	assert.ErrorIs(t, err, ErrCallInProgress)

	env.sdk.emit(Connected(env.sdk.lastCall()))
	err = env.adapter.PlaceCall(context.Background(), testRequest)
	assert.ErrorIs(t, err, ErrCallInProgress)
	assert.Len(t, env.sdk.connects, 1)

	env.sdk.emit(Disconnected(env.sdk.lastCall(), nil))
	assert.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
}

func TestAdapterSynchronousConnectFailure(t *testing.T) {
	env := newTestEnv(t, true)
	env.sdk.onConnect = func(c *fakeCall, l Listener) {
		l.OnEvent(ConnectFailure(c, NewCallError(CodeInvalidAccessToken, "Invalid Access Token")))
	}

	require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
	assert.Equal(t, []string{NotifyError, NotifyDisconnect}, env.rec.names())
	assert.Equal(t, PhaseIdle, env.adapter.State().Phase)
}

func TestAdapterNoActiveCall(t *testing.T) {
	env := newTestEnv(t, true)

	err := env.adapter.EndCall()
	require.ErrorIs(t, err, ErrNoActiveCall)
	assert.Equal(t, "No active call", err.Error())
	assert.ErrorIs(t, env.adapter.ToggleMute(), ErrNoActiveCall)

	// Dispatched and ringing calls are not sessions yet.
	require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
	assert.ErrorIs(t, env.adapter.EndCall(), ErrNoActiveCall)
	env.sdk.emit(Ringing(env.sdk.lastCall()))
	assert.ErrorIs(t, env.adapter.ToggleMute(), ErrNoActiveCall)

	env.sdk.emit(Connected(env.sdk.lastCall()))
	assert.NoError(t, env.adapter.ToggleMute())

	env.sdk.emit(Reconnecting(env.sdk.lastCall(), NewCallError(CodeMediaConnectionError, "Media connection failed")))
	assert.NoError(t, env.adapter.ToggleMute(), "session survives reconnecting")

	assert.NoError(t, env.adapter.EndCall())
	assert.ErrorIs(t, env.adapter.EndCall(), ErrNoActiveCall)
	assert.ErrorIs(t, env.adapter.ToggleMute(), ErrNoActiveCall)
}

func TestAdapterToggleMute(t *testing.T) {
	env := newTestEnv(t, true)
	require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
	call := env.sdk.lastCall()
	env.sdk.emit(Connected(call))

	require.NoError(t, env.adapter.ToggleMute())
	assert.True(t, call.IsMuted())
	assert.True(t, env.adapter.Snapshot().Muted)

	require.NoError(t, env.adapter.ToggleMute())
	assert.False(t, call.IsMuted())
}

func TestAdapterToggleSpeaker(t *testing.T) {
	env := newTestEnv(t, true)

	require.NoError(t, env.adapter.ToggleSpeaker())
	assert.True(t, env.audio.IsSpeakerphoneOn())
	require.NoError(t, env.adapter.ToggleSpeaker())
	assert.False(t, env.audio.IsSpeakerphoneOn())

	require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
	env.sdk.emit(Connected(env.sdk.lastCall()))
	require.NoError(t, env.adapter.ToggleSpeaker())
	assert.True(t, env.audio.IsSpeakerphoneOn())
	assert.True(t, env.adapter.Snapshot().Speaker)
}

func TestAdapterUpdateCall(t *testing.T) {
	env := newTestEnv(t, true)
	assert.NoError(t, env.adapter.UpdateCall())
}

func TestAdapterDisconnectNotifications(t *testing.T) {
	callErr := NewCallError(31003, "Connection timeout")

	tests := []struct {
		name   string
		event  func(c Call) Event
		expect []string
	}{
		{"ConnectFailure", func(c Call) Event { return ConnectFailure(c, callErr) }, []string{NotifyError, NotifyDisconnect}},
		{"DisconnectedNoError", func(c Call) Event { return Disconnected(c, nil) }, []string{NotifyDisconnect}},
		{"DisconnectedWithError", func(c Call) Event { return Disconnected(c, callErr) }, []string{NotifyError, NotifyDisconnect}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, true)
			require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
			env.sdk.emit(tt.event(env.sdk.lastCall()))

			assert.Equal(t, tt.expect, env.rec.names())
			assert.Equal(t, 1, env.rec.count(NotifyDisconnect))
			if len(tt.expect) == 2 {
				assert.Equal(t, callErr, env.rec.events[0].Error)
			}
			assert.Equal(t, 1, env.audio.abandoned)
		})
	}
}

func TestAdapterReconnecting(t *testing.T) {
	env := newTestEnv(t, true)
	require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
	call := env.sdk.lastCall()
	env.sdk.emit(Connected(call))

	env.sdk.emit(Reconnecting(call, NewCallError(CodeMediaConnectionError, "Media connection failed")))
	assert.Equal(t, []string{NotifyAccept, NotifyError}, env.rec.names())
	assert.Equal(t, PhaseReconnecting, env.adapter.State().Phase)
	assert.True(t, env.adapter.State().Active())

	env.sdk.emit(Reconnected(call))
	assert.Equal(t, []string{NotifyAccept, NotifyError}, env.rec.names())
	assert.Equal(t, PhaseConnected, env.adapter.State().Phase)
	assert.Equal(t, 0, env.audio.abandoned)
}

func TestAdapterRingback(t *testing.T) {
	env := newTestEnv(t, true)
	require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
	call := env.sdk.lastCall()

	env.sdk.emit(Ringing(call))
	assert.Equal(t, 1, env.ringback.started)
	assert.Empty(t, env.rec.names(), "ringing is informational only")
	assert.Equal(t, PhaseRinging, env.adapter.State().Phase)

	env.sdk.emit(Connected(call))
	assert.Equal(t, 1, env.ringback.stopped)
}

func TestAdapterAudioFocus(t *testing.T) {
	env := newTestEnv(t, true)
	env.audio.SetMode(ModeRingtone)

	require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
	call := env.sdk.lastCall()
	env.sdk.emit(Connected(call))

	require.Len(t, env.audio.requests, 1)
	req := env.audio.requests[0]
	assert.Equal(t, FocusGainTransient, req.Gain)
	assert.Equal(t, UsageVoiceCommunication, req.Usage)
	assert.Equal(t, ContentTypeSpeech, req.ContentType)
	assert.True(t, req.AcceptsDelayedGain)
	assert.Equal(t, ModeInCommunication, env.audio.Mode())
	assert.True(t, env.adapter.Snapshot().FocusHeld)

	env.sdk.emit(Disconnected(call, nil))
	assert.Equal(t, ModeRingtone, env.audio.Mode())
	assert.Equal(t, 1, env.audio.abandoned)
	assert.False(t, env.adapter.Snapshot().FocusHeld)
}

func TestAdapterFocusRefused(t *testing.T) {
	env := newTestEnv(t, true)
	env.audio.grant = false

	require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
	env.sdk.emit(Connected(env.sdk.lastCall()))

	// Refusal is not an error; the call proceeds in communication mode.
	assert.Equal(t, []string{NotifyAccept}, env.rec.names())
	assert.Equal(t, ModeInCommunication, env.audio.Mode())
}

func TestAdapterDuplicateDisconnected(t *testing.T) {
	env := newTestEnv(t, true)
	env.audio.SetMode(ModeNormal)
	require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
	call := env.sdk.lastCall()
	env.sdk.emit(Connected(call))
	env.sdk.emit(Disconnected(call, nil))

	env.audio.SetMode(ModeRingtone)
	env.sdk.emit(Disconnected(call, nil))

	// The second release must not restore a stale snapshot.
	assert.Equal(t, ModeRingtone, env.audio.Mode())
	assert.Equal(t, 2, env.rec.count(NotifyDisconnect))
	assert.Equal(t, 2, env.audio.abandoned)
}

func TestAdapterEndCallThenDisconnected(t *testing.T) {
	env := newTestEnv(t, true)
	require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
	call := env.sdk.lastCall()
	env.sdk.emit(Connected(call))

	require.NoError(t, env.adapter.EndCall())
	assert.Equal(t, 1, call.disconnected)
	assert.Equal(t, []string{NotifyAccept, NotifyDisconnect}, env.rec.names())
	// Focus stays until the SDK confirms the disconnect.
	assert.Equal(t, ModeInCommunication, env.audio.Mode())

	env.sdk.emit(Disconnected(call, nil))
	assert.Equal(t, ModeNormal, env.audio.Mode())
	assert.Equal(t, []string{NotifyAccept, NotifyDisconnect, NotifyDisconnect}, env.rec.names())
}

func TestAdapterScenario(t *testing.T) {
	env := newTestEnv(t, true)
	env.audio.SetMode(ModeNormal)

	err := env.adapter.PlaceCall(context.Background(), CallRequest{To: "+15551234567", ProviderID: 5, Token: "abc"})
	require.NoError(t, err)

	call := env.sdk.lastCall()
	env.sdk.emit(Connected(call))
	assert.Equal(t, []string{NotifyAccept}, env.rec.names())
	assert.Equal(t, ModeInCommunication, env.audio.Mode())

	env.sdk.emit(Disconnected(call, nil))
	assert.Equal(t, []string{NotifyAccept, NotifyDisconnect}, env.rec.names())
	assert.Equal(t, ModeNormal, env.audio.Mode())
	assert.False(t, env.adapter.State().Active())
	assert.ErrorIs(t, env.adapter.EndCall(), ErrNoActiveCall)
}

func TestAdapterLateDisconnectOfEndedCall(t *testing.T) {
	env := newTestEnv(t, true)
	env.audio.SetMode(ModeRingtone)

	require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
	first := env.sdk.lastCall()
	env.sdk.emit(Connected(first))
	require.NoError(t, env.adapter.EndCall())

	require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
	second := env.sdk.lastCall()
	require.NotEqual(t, first.ID(), second.ID())
	env.sdk.emit(Connected(second))

	// The hangup of the first call is confirmed after the second connected.
	env.sdk.emit(Disconnected(first, nil))

	st := env.adapter.State()
	assert.Equal(t, PhaseConnected, st.Phase)
	assert.Equal(t, Call(second), st.Call)
	assert.Equal(t, ModeInCommunication, env.audio.Mode())
	assert.ErrorIs(t, env.adapter.PlaceCall(context.Background(), testRequest), ErrCallInProgress)

	require.NoError(t, env.adapter.EndCall())
	assert.Equal(t, 1, second.disconnected)
	env.sdk.emit(Disconnected(second, nil))

	assert.Equal(t, ModeRingtone, env.audio.Mode(), "mode from before the first call is restored")
	assert.Equal(t, []string{
		NotifyAccept, NotifyDisconnect,
		NotifyAccept, NotifyDisconnect,
		NotifyDisconnect, NotifyDisconnect,
	}, env.rec.names())
}

func TestAdapterLateDisconnectDuringDispatch(t *testing.T) {
	env := newTestEnv(t, true)

	require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
	first := env.sdk.lastCall()
	env.sdk.emit(Connected(first))
	require.NoError(t, env.adapter.EndCall())

	env.sdk.onConnect = func(_ *fakeCall, l Listener) {
		l.OnEvent(Disconnected(first, nil))
	}
	require.NoError(t, env.adapter.PlaceCall(context.Background(), testRequest))
	second := env.sdk.lastCall()

	st := env.adapter.State()
	assert.Equal(t, PhaseDialing, st.Phase)
	assert.Equal(t, second.ID(), st.CallID)
	assert.Equal(t, ModeNormal, env.audio.Mode())

	env.sdk.emit(Connected(second))
	assert.Equal(t, PhaseConnected, env.adapter.State().Phase)
	assert.NoError(t, env.adapter.ToggleMute())
	assert.True(t, second.IsMuted())
}
