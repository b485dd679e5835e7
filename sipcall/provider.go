// Package sipcall implements callsession.VoiceSDK over plain SIP, for
// deployments that route calls through a SIP trunk or a Twilio SIP domain
// instead of the REST API.
//
// Only signaling is handled. The SDP offer advertises a PCMU stream but no
// media is sent or received; mute is tracked on the call handle.
package sipcall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentplexus/twiliovoice/callsession"
)

var _ callsession.VoiceSDK = (*Provider)(nil)

// Provider places calls with a SIP user agent.
type Provider struct {
	ua       *sipgo.UserAgent
	client   *sipgo.Client
	server   *sipgo.Server
	dialogUA *sipgo.DialogUA
	log      zerolog.Logger

	host        string
	port        int
	transport   string
	domain      string
	mediaPort   int
	username    string
	password    string
	ringTimeout time.Duration

	// dialogs maps confirmed dialog IDs to calls, for routing BYE.
	dialogs sync.Map
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	host        string
	port        int
	transport   string
	domain      string
	user        string
	mediaPort   int
	username    string
	password    string
	ringTimeout time.Duration
	log         zerolog.Logger
}

// WithHost sets the address advertised in Contact and SDP. Defaults to the
// first non-loopback IPv4 interface address.
func WithHost(host string) Option {
	return func(o *options) {
		o.host = host
	}
}

// WithPort sets the local SIP port.
func WithPort(port int) Option {
	return func(o *options) {
		o.port = port
	}
}

// WithTransport sets the SIP transport: udp, tcp or ws.
func WithTransport(transport string) Option {
	return func(o *options) {
		o.transport = transport
	}
}

// WithDomain sets the SIP domain used for destinations given as bare numbers.
func WithDomain(domain string) Option {
	return func(o *options) {
		o.domain = domain
	}
}

// WithUser sets the user part of the Contact URI.
func WithUser(user string) Option {
	return func(o *options) {
		o.user = user
	}
}

// WithMediaPort sets the RTP port advertised in the SDP offer.
func WithMediaPort(port int) Option {
	return func(o *options) {
		o.mediaPort = port
	}
}

// WithCredentials enables digest authentication of the INVITE.
func WithCredentials(username, password string) Option {
	return func(o *options) {
		o.username = username
		o.password = password
	}
}

// WithRingTimeout limits how long the INVITE waits for an answer.
func WithRingTimeout(d time.Duration) Option {
	return func(o *options) {
		o.ringTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// New creates a SIP voice provider. Call Serve to receive in-dialog requests.
func New(opts ...Option) (*Provider, error) {
	cfg := &options{
		port:      5060,
		transport: "udp",
		user:      "twiliovoice",
		mediaPort: 10000,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.host == "" {
		ip, _, err := sip.ResolveInterfacesIP("ip4", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve local address: %w", err)
		}
		cfg.host = ip.String()
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("twiliovoice"))
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.host))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	p := &Provider{
		ua:     ua,
		client: client,
		server: server,
		dialogUA: &sipgo.DialogUA{
			Client: client,
			ContactHDR: sip.ContactHeader{
				Address: sip.Uri{
					Scheme: "sip",
					User:   cfg.user,
					Host:   cfg.host,
					Port:   cfg.port,
				},
			},
		},
		log:         cfg.log.With().Str("caller", "sip").Logger(),
		host:        cfg.host,
		port:        cfg.port,
		transport:   strings.ToLower(cfg.transport),
		domain:      cfg.domain,
		mediaPort:   cfg.mediaPort,
		username:    cfg.username,
		password:    cfg.password,
		ringTimeout: cfg.ringTimeout,
	}
	server.OnBye(p.handleBye)

	return p, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "sip"
}

// Serve listens for SIP requests until ctx is done.
func (p *Provider) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(p.host, strconv.Itoa(p.port))
	p.log.Info().Str("transport", p.transport).Str("addr", addr).Msg("SIP listening")
	if err := p.server.ListenAndServe(ctx, p.transport, addr); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sip listen: %w", err)
	}
	return nil
}

// Close hangs up every confirmed call and stops the user agent.
func (p *Provider) Close() error {
	p.dialogs.Range(func(_, v any) bool {
		v.(*Call).Disconnect()
		return true
	})
	return p.ua.Close()
}

// Connect sends an INVITE for opts.To(). It returns at once; the outcome is
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
		cancel:   cancel,
	}
	go p.dial(dialCtx, call, opts)
	return call
}

func (p *Provider) dial(ctx context.Context, call *Call, opts callsession.ConnectOptions) {
	log := p.log.With().Str("call_id", call.id).Logger()

	recipient, err := Recipient(opts.To(), p.domain)
	if err != nil {
		call.fail(callsession.NewCallError(callsession.CodeUnknown, "%v", err))
		return
	}

	offer, err := Offer(p.host, p.mediaPort, uint64(time.Now().UnixNano()), true)
	if err != nil {
		call.fail(callsession.NewCallError(callsession.CodeUnknown, "%v", err))
		return
	}

	headers := append([]sip.Header{sip.NewHeader("Content-Type", "application/sdp")}, paramHeaders(opts.Params)...)
	sess, err := p.dialogUA.Invite(ctx, recipient, offer, headers...)
	if err != nil {
		if call.hangupWasRequested() {
			call.finish(callsession.Disconnected(call, nil))
			return
		}
		log.Error().Err(err).Str("recipient", recipient.String()).Msg("Failed to send INVITE")
		call.fail(callsession.NewCallError(callsession.CodeConnectionError, "Connection error: %v", err))
		return
	}
	call.setSession(sess)
	log.Info().Str("recipient", recipient.String()).Msg("INVITE sent")

	answerCtx := ctx
	if p.ringTimeout > 0 {
		var cancel context.CancelFunc
		answerCtx, cancel = context.WithTimeout(ctx, p.ringTimeout)
		defer cancel()
	}

	var final *sip.Response
	err = sess.WaitAnswer(answerCtx, sipgo.AnswerOptions{
		Username: p.username,
		Password: p.password,
		OnResponse: func(res *sip.Response) error {
			switch {
			case res.StatusCode == sip.StatusRinging || res.StatusCode == sip.StatusSessionInProgress:
				call.onRinging()
			case !res.IsProvisional():
				final = res
			}
			return nil
		},
	})
	if err != nil {
		if call.hangupWasRequested() {
			call.finish(callsession.Disconnected(call, nil))
			return
		}
		log.Warn().Err(err).Msg("INVITE failed")
		call.fail(answerError(final, err))
		return
	}

	if remote, err := ParseAnswer(sess.InviteResponse.Body()); err != nil {
		log.Warn().Err(err).Msg("Unusable SDP answer")
	} else {
		log.Debug().Str("remote", remote.String()).Msg("Remote audio endpoint")
	}

	// The dial context may already be canceled by a racing Disconnect.
	ackCtx, ackCancel := context.WithTimeout(context.Background(), byeTimeout)
	defer ackCancel()
	if err := sess.Ack(ackCtx); err != nil {
		call.fail(callsession.NewCallError(callsession.CodeConnectionError, "Failed to acknowledge answer: %v", err))
		return
	}

	p.dialogs.Store(sess.ID, call)
	call.onConnected()

	select {
	case <-sess.Context().Done():
		call.finish(callsession.Disconnected(call, nil))
	case <-ctx.Done():
	}
}

// handleBye routes a remote hangup to its call.
func (p *Provider) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	id, err := sip.UACReadRequestDialogID(req)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, err.Error(), nil))
		return
	}
	v, ok := p.dialogs.Load(id)
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		return
	}

	call := v.(*Call)
	if sess := call.session(); sess != nil {
		if err := sess.ReadBye(req, tx); err != nil {
			p.log.Warn().Err(err).Str("call_id", call.id).Msg("Failed to answer BYE")
		}
	}
	p.log.Info().Str("call_id", call.id).Msg("Remote hangup")
	call.finish(callsession.Disconnected(call, nil))
}

// Recipient resolves a destination into a SIP URI. Bare numbers and user names
// are placed in domain.
func Recipient(to, domain string) (sip.Uri, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return sip.Uri{}, errors.New("empty destination")
	}

	raw := to
	lower := strings.ToLower(to)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		if !strings.Contains(to, "@") {
			if domain == "" {
				return sip.Uri{}, fmt.Errorf("destination %q has no host and no SIP domain is configured", to)
			}
			raw = to + "@" + domain
		}
		raw = "sip:" + raw
	}

	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("invalid destination %q: %w", to, err)
	}
	return uri, nil
}

// paramHeaders carries connect params other than the destination as X-
// headers.
func paramHeaders(params map[string]string) []sip.Header {
	names := make([]string, 0, len(params))
	for name := range params {
		if name == callsession.ParamTo {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	headers := make([]sip.Header, 0, len(names))
	for _, name := range names {
		headers = append(headers, sip.NewHeader("X-"+name, params[name]))
	}
	return headers
}

// answerError maps a failed INVITE to the SDK error. SIP failures keep their
// status code offset by 31000, as Twilio reports them.
func answerError(final *sip.Response, err error) *callsession.CallError {
	if final != nil && final.StatusCode >= 400 {
		reason := final.Reason
		if reason == "" {
			reason = "SIP " + strconv.Itoa(int(final.StatusCode))
		}
		return callsession.NewCallError(callsession.CodeUnknown+int(final.StatusCode), "%s", reason)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return callsession.NewCallError(callsession.CodeTemporarilyUnavail, "Temporarily Unavailable")
	}
	return callsession.NewCallError(callsession.CodeConnectionError, "Connection error: %v", err)
}
