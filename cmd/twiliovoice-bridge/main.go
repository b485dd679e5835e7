// Command twiliovoice-bridge serves the voice plugin to a hybrid application
// shell over a WebSocket and places its calls through Twilio or a SIP trunk.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentplexus/twiliovoice"
	"github.com/agentplexus/twiliovoice/audio"
	"github.com/agentplexus/twiliovoice/bridge"
	"github.com/agentplexus/twiliovoice/callsession"
	"github.com/agentplexus/twiliovoice/callsystem"
	"github.com/agentplexus/twiliovoice/internal/accesstoken"
	"github.com/agentplexus/twiliovoice/internal/config"
	"github.com/agentplexus/twiliovoice/sipcall"
)

const (
	bridgePath      = "/bridge"
	shutdownTimeout = 5 * time.Second
)

func main() {
	exportRingback := flag.String("export-ringback", "", "write the generated ringback tone to this WAV file and exit")
	flag.Parse()

	if *exportRingback != "" {
		if err := writeRingback(*exportRingback); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var log zerolog.Logger
	if cfg.LogJSON {
		log = zerolog.New(os.Stdout)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMicro})
	}
	log = log.With().Timestamp().Logger().Level(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Bridge finished with error")
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	log.Info().Str("version", twiliovoice.Version).Str("driver", cfg.Driver).Msg("Starting " + twiliovoice.PluginName)

	device := audio.NewDevice(audio.WithDeviceLogger(log))
	hub := bridge.NewHub(log)
	unsubscribe := device.Subscribe(hub.AudioChanged)
	defer unsubscribe()

	ringOpts := []audio.RingbackOption{audio.WithRingbackLogger(log)}
	if cfg.RingbackWAV != "" {
		samples, err := audio.LoadWAV(cfg.RingbackWAV)
		if err != nil {
			return err
		}
		ringOpts = append(ringOpts, audio.WithSamples(samples))
	}
	ringback := audio.NewRingback(hub, ringOpts...)
	defer ringback.Stop()

	mux := http.NewServeMux()

	var (
		sdk callsession.VoiceSDK
		mic io.Writer
	)
	switch cfg.Driver {
	case config.DriverSIP:
		provider, err := newSIP(cfg.SIP, log)
		if err != nil {
			return err
		}
		defer provider.Close()
		log.Info().Str("provider", provider.Name()).Msg("Voice driver ready")
		go func() {
			if err := provider.Serve(ctx); err != nil {
				log.Error().Err(err).Msg("SIP server stopped")
			}
		}()
		sdk = provider

	default:
		provider, err := newTwilio(cfg.Twilio, hub, log)
		if err != nil {
			return err
		}
		defer provider.Close()
		log.Info().Str("provider", provider.Name()).Msg("Voice driver ready")
		mux.Handle(callsystem.StatusPath, provider.StatusHandler())
		mux.Handle(callsystem.MediaPath, provider.MediaHandler())
		sdk, mic = provider, provider
	}

	adapter := callsession.New(sdk, device, hub, hub,
		callsession.WithLogger(log),
		callsession.WithRingback(ringback),
	)
	plugin := bridge.NewPlugin(adapter, hub,
		bridge.WithDevice(device),
		bridge.WithPluginLogger(log),
	)
	mux.Handle(bridgePath, bridge.NewServer(plugin, hub,
		bridge.WithServerLogger(log),
		bridge.WithAllowedOrigins(cfg.AllowedOrigins...),
		bridge.WithMicrophone(mic),
	))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("path", bridgePath).Msg("Serving shells")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newTwilio(cfg config.Twilio, speaker io.Writer, log zerolog.Logger) (*callsystem.Provider, error) {
	opts := []callsystem.Option{
		callsystem.WithAccountSID(cfg.AccountSID),
		callsystem.WithAuthToken(cfg.AuthToken),
		callsystem.WithPhoneNumber(cfg.PhoneNumber),
		callsystem.WithPublicURL(cfg.PublicURL),
		callsystem.WithPollInterval(cfg.PollInterval),
		callsystem.WithRingTimeout(cfg.RingTimeout),
		callsystem.WithAnnouncement(cfg.Announcement),
		callsystem.WithAudioSink(speaker),
		callsystem.WithLogger(log),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, callsystem.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKeySecret != "" {
		opts = append(opts, callsystem.WithVerifier(accesstoken.Verifier{
			AccountSID: cfg.AccountSID,
			Secret:     []byte(cfg.APIKeySecret),
		}))
	}
	return callsystem.New(opts...)
}

func newSIP(cfg config.SIP, log zerolog.Logger) (*sipcall.Provider, error) {
	opts := []sipcall.Option{
		sipcall.WithPort(cfg.Port),
		sipcall.WithTransport(cfg.Transport),
		sipcall.WithDomain(cfg.Domain),
		sipcall.WithUser(cfg.User),
		sipcall.WithMediaPort(cfg.MediaPort),
		sipcall.WithRingTimeout(cfg.RingTimeout),
		sipcall.WithLogger(log),
	}
	if cfg.Host != "" {
		opts = append(opts, sipcall.WithHost(cfg.Host))
	}
	if cfg.Username != "" {
		opts = append(opts, sipcall.WithCredentials(cfg.Username, cfg.Password))
	}
	return sipcall.New(opts...)
}

func writeRingback(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	samples := append(audio.Tone(audio.DefaultRingOn), make([]int16, int(audio.DefaultRingOff/audio.FrameDuration)*audio.FrameSize)...)
	if err := audio.WriteWAV(f, samples); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
