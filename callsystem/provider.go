// Package callsystem provides a Twilio implementation of callsession.VoiceSDK.
//
// Calls are placed through the Twilio REST API with inline TwiML that bridges the
// call audio to a Media Stream served by this package. Call progress arrives
// through status callback webhooks, or by polling when the bridge has no public
// URL.
package callsystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentplexus/twiliovoice/callsession"
	"github.com/agentplexus/twiliovoice/internal/accesstoken"
	"github.com/agentplexus/twiliovoice/internal/client"
	"github.com/agentplexus/twiliovoice/transport"
	"github.com/agentplexus/twiliovoice/twiml"
)

// Verify interface compliance at compile time.
var (
	_ callsession.VoiceSDK = (*Provider)(nil)
	_ io.Writer            = (*Provider)(nil)
)

// Paths served under the public URL.
const (
	StatusPath = "/twilio/status"
	MediaPath  = "/twilio/media"
)

// ParamCallID is the stream parameter and status callback query key carrying the
// local call id.
const ParamCallID = "callId"

// Provider implements callsession.VoiceSDK using Twilio.
type Provider struct {
	client       *client.Client
	transport    *transport.Provider
	verifier     *accesstoken.Verifier
	log          zerolog.Logger
	defaultFrom  string
	publicURL    *url.URL
	pollInterval time.Duration
	ringTimeout  time.Duration
	announcement string
	sink         io.Writer

	mu    sync.RWMutex
	calls map[string]*Call
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	accountSID   string
	authToken    string
	baseURL      string
	httpClient   *http.Client
	phoneNumber  string
	publicURL    string
	verifier     *accesstoken.Verifier
	log          zerolog.Logger
	pollInterval time.Duration
	ringTimeout  time.Duration
	announcement string
	sink         io.Writer
}

// WithAccountSID sets the Twilio Account SID.
func WithAccountSID(sid string) Option {
	return func(o *options) {
		o.accountSID = sid
	}
}

// WithAuthToken sets the Twilio Auth Token.
func WithAuthToken(token string) Option {
	return func(o *options) {
		o.authToken = token
	}
}

// WithBaseURL overrides the REST API base URL.
func WithBaseURL(baseURL string) Option {
	return func(o *options) {
		o.baseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithPhoneNumber sets the default caller ID, used when the connect params carry
// no "From".
func WithPhoneNumber(number string) Option {
	return func(o *options) {
		o.phoneNumber = number
	}
}

// WithPublicURL sets the externally reachable base URL of the bridge. Status
// callbacks and Media Streams are served under it. Without it the provider polls
// call status and calls carry no media.
func WithPublicURL(u string) Option {
	return func(o *options) {
		o.publicURL = u
	}
}

// WithVerifier checks access tokens before dialing.
func WithVerifier(v accesstoken.Verifier) Option {
	return func(o *options) {
		o.verifier = &v
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithPollInterval sets how often call status is polled when no public URL is
// configured. Non-positive values keep the default.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithRingTimeout limits how long Twilio lets the callee ring.
func WithRingTimeout(d time.Duration) Option {
	return func(o *options) {
		o.ringTimeout = d
	}
}

// WithAnnouncement is spoken to the callee once the call is answered.
func WithAnnouncement(text string) Option {
	return func(o *options) {
		o.announcement = text
	}
}

// WithAudioSink receives the callee's μ-law audio from every attached Media
// Stream, one 20ms frame per write.
func WithAudioSink(w io.Writer) Option {
	return func(o *options) {
		o.sink = w
	}
}

// New creates a new Twilio voice provider.
func New(opts ...Option) (*Provider, error) {
	cfg := &options{
		log:          zerolog.Nop(),
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	twilioClient, err := client.New(client.Config{
		AccountSID: cfg.accountSID,
		AuthToken:  cfg.authToken,
		BaseURL:    cfg.baseURL,
		HTTPClient: cfg.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio client: %w", err)
	}

	var public *url.URL
	if cfg.publicURL != "" {
		public, err = url.Parse(strings.TrimRight(cfg.publicURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("invalid public URL: %w", err)
		}
		if public.Scheme != "http" && public.Scheme != "https" {
			return nil, fmt.Errorf("invalid public URL %q: scheme must be http or https", cfg.publicURL)
		}
	}

	log := cfg.log.With().Str("caller", "twilio").Logger()
	p := &Provider{
		client:       twilioClient,
		transport:    transport.New(transport.WithLogger(log)),
		verifier:     cfg.verifier,
		log:          log,
		defaultFrom:  cfg.phoneNumber,
		publicURL:    public,
		pollInterval: cfg.pollInterval,
		ringTimeout:  cfg.ringTimeout,
		announcement: cfg.announcement,
		sink:         cfg.sink,
		calls:        make(map[string]*Call),
	}

	streams, err := p.transport.Listen(context.Background(), MediaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	go p.acceptStreams(streams)

	return p, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "twilio"
}

// Write sends local μ-law audio to every call with an attached Media Stream.
// Muted calls discard it.
func (p *Provider) Write(frame []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, call := range p.calls {
		if conn := call.Connection(); conn != nil {
			_, _ = conn.AudioIn().Write(frame)
		}
	}
	return len(frame), nil
}

// MediaHandler serves Twilio Media Streams. Mount it at MediaPath.
func (p *Provider) MediaHandler() http.Handler {
	return p.transport.Handler(MediaPath)
}

// Connect dispatches an outbound call. It returns at once; the outcome is
// reported to listener.
func (p *Provider) Connect(ctx context.Context, opts callsession.ConnectOptions, listener callsession.Listener) callsession.Call {
	if listener == nil {
		listener = callsession.ListenerFunc(func(callsession.Event) {})
	}

	dialCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	call := &Call{
		id:       uuid.NewString(),
		provider: p,
		listener: listener,
		to:       opts.To(),
		cancel:   cancel,
	}

	p.mu.Lock()
	p.calls[call.id] = call
	p.mu.Unlock()

	go p.dial(dialCtx, call, opts)
	return call
}

func (p *Provider) dial(ctx context.Context, call *Call, opts callsession.ConnectOptions) {
	log := p.log.With().Str("call_id", call.id).Logger()

	if p.verifier != nil {
		claims, err := p.verifier.Verify(opts.AccessToken)
		if err != nil {
			log.Warn().Err(err).Msg("Rejecting access token")
			call.fail(tokenError(err))
			return
		}
		log.Debug().Str("identity", claims.Identity).Msg("Access token accepted")
	}

	from := opts.Params[callsession.ParamFrom]
	if from == "" {
		from = p.defaultFrom
	}
	if call.to == "" || from == "" {
		call.fail(callsession.NewCallError(callsession.CodeUnknown, "to and from numbers are required"))
		return
	}

	doc, err := p.buildTwiML(call.id, opts.Params)
	if err != nil {
		call.fail(callsession.NewCallError(callsession.CodeUnknown, "%v", err))
		return
	}
	call.setTwiML(doc)

	params := client.MakeCallParams{
		To:    call.to,
		From:  from,
		Twiml: doc,
	}
	if p.publicURL != nil {
		params.StatusCallback = p.statusCallbackURL(call.id)
		params.StatusCallbackEvent = client.StatusCallbackEvents
	}
	if p.ringTimeout > 0 {
		params.Timeout = int(p.ringTimeout.Seconds())
	}

	twilioCall, err := p.client.MakeCall(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("to", call.to).Msg("Failed to place call")
		call.fail(restError(err))
		return
	}
	log.Info().Str("call_sid", twilioCall.SID).Str("to", call.to).Msg("Call placed")

	if cancelNow := call.setSID(twilioCall.SID); cancelNow {
		go call.hangup()
	}
	call.onStatus(twilioCall.Status)

	if p.publicURL == nil {
		go p.poll(ctx, call)
	}
}

// poll follows a call's status until it ends.
func (p *Provider) poll(ctx context.Context, call *Call) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		twilioCall, err := p.client.GetCall(ctx, call.SID())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn().Err(err).Str("call_id", call.id).Msg("Failed to poll call status")
			continue
		}
		call.onStatus(twilioCall.Status)
		if client.IsTerminalStatus(twilioCall.Status) {
			return
		}
	}
}

func (p *Provider) buildTwiML(callID string, params map[string]string) (string, error) {
	if p.publicURL == nil {
		return twiml.Hold(p.announcement, 0).Render()
	}

	streamParams := make(map[string]string, len(params)+1)
	for k, v := range params {
		streamParams[k] = v
	}
	streamParams[ParamCallID] = callID

	return twiml.MediaStream(p.streamURL(), twiml.StreamOptions{
		Announcement: p.announcement,
		Name:         callID,
		Params:       streamParams,
	}).Render()
}

func (p *Provider) streamURL() string {
	u := *p.publicURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + MediaPath
	return u.String()
}

func (p *Provider) statusCallbackURL(callID string) string {
	u := *p.publicURL
	u.Path = strings.TrimRight(u.Path, "/") + StatusPath
	u.RawQuery = url.Values{ParamCallID: {callID}}.Encode()
	return u.String()
}

// StatusHandler serves Twilio status callback webhooks. Mount it at StatusPath.
func (p *Provider) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}

		callSID := r.PostForm.Get("CallSid")
		status := r.PostForm.Get("CallStatus")

		call, ok := p.lookup(r.URL.Query().Get(ParamCallID), callSID)
		if !ok {
			p.log.Debug().Str("call_sid", callSID).Str("status", status).Msg("Status callback for unknown call")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		p.log.Debug().Str("call_sid", callSID).Str("status", status).Msg("Status callback")
		if callSID != "" {
			call.setSID(callSID)
		}
		call.onStatus(status)
		w.WriteHeader(http.StatusNoContent)
	})
}

// acceptStreams pairs incoming Media Streams with their calls.
func (p *Provider) acceptStreams(conns <-chan *transport.Connection) {
	for conn := range conns {
		go func(conn *transport.Connection) {
			select {
			case <-conn.Started():
			case <-conn.Done():
				return
			}

			call, ok := p.lookup(conn.Param(ParamCallID), conn.CallSID())
			if !ok {
				p.log.Warn().Str("call_sid", conn.CallSID()).Msg("Media stream for unknown call")
				_ = conn.Close()
				return
			}
			call.attach(conn)
		}(conn)
	}
}

func (p *Provider) lookup(callID, callSID string) (*Call, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if call, ok := p.calls[callID]; ok {
		return call, true
	}
	if callSID == "" {
		return nil, false
	}
	for _, call := range p.calls {
		if call.SID() == callSID {
			return call, true
		}
	}
	return nil, false
}

func (p *Provider) remove(call *Call) {
	p.mu.Lock()
	if p.calls[call.id] == call {
		delete(p.calls, call.id)
	}
	p.mu.Unlock()
}

// Close hangs up every call and shuts down the transport.
func (p *Provider) Close() error {
	p.mu.Lock()
	calls := make([]*Call, 0, len(p.calls))
	for _, call := range p.calls {
		calls = append(calls, call)
	}
	p.mu.Unlock()

	for _, call := range calls {
		call.Disconnect()
	}
	return p.transport.Close()
}

// tokenError maps an access token failure to the Twilio error code.
func tokenError(err error) *callsession.CallError {
	switch {
	case errors.Is(err, accesstoken.ErrExpired):
		return callsession.NewCallError(callsession.CodeAccessTokenExpired, "Access Token expired or expiration date invalid")
	case errors.Is(err, accesstoken.ErrSubject):
		return callsession.NewCallError(callsession.CodeInvalidTokenIssuer, "Invalid Access Token issuer/subject")
	default:
		return callsession.NewCallError(callsession.CodeInvalidAccessToken, "Invalid Access Token")
	}
}

// restError maps a REST API failure to a CallError, keeping Twilio's code.
func restError(err error) *callsession.CallError {
	var apiErr *client.Error
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return callsession.NewCallError(apiErr.Code, "%s", apiErr.Message)
	}
	return callsession.NewCallError(callsession.CodeConnectionError, "Connection error: %v", err)
}
