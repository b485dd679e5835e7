// Package config loads the bridge configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// Voice drivers.
const (
	DriverTwilio = "twilio"
	DriverSIP    = "sip"
)

// Config is the bridge configuration.
type Config struct {
	ListenAddr     string   `env:"TWILIOVOICE_LISTEN_ADDR" envDefault:":8080"`
	LogLevel       string   `env:"TWILIOVOICE_LOG_LEVEL" envDefault:"info"`
	LogJSON        bool     `env:"TWILIOVOICE_LOG_JSON"`
	AllowedOrigins []string `env:"TWILIOVOICE_ALLOWED_ORIGINS" envSeparator:","`
	Driver         string   `env:"TWILIOVOICE_DRIVER" envDefault:"twilio"`
	RingbackWAV    string   `env:"TWILIOVOICE_RINGBACK_WAV"`

	Twilio Twilio
	SIP    SIP
}

// Twilio configures the Twilio REST driver.
type Twilio struct {
	AccountSID   string        `env:"TWILIO_ACCOUNT_SID"`
	AuthToken    string        `env:"TWILIO_AUTH_TOKEN"`
	PhoneNumber  string        `env:"TWILIO_PHONE_NUMBER"`
	BaseURL      string        `env:"TWILIO_API_BASE_URL"`
	PublicURL    string        `env:"TWILIOVOICE_PUBLIC_URL"`
	APIKeySecret string        `env:"TWILIO_API_KEY_SECRET"`
	PollInterval time.Duration `env:"TWILIOVOICE_POLL_INTERVAL" envDefault:"2s"`
	RingTimeout  time.Duration `env:"TWILIOVOICE_RING_TIMEOUT"`
	Announcement string        `env:"TWILIOVOICE_ANNOUNCEMENT"`
}

// SIP configures the SIP driver.
type SIP struct {
	Host      string `env:"TWILIOVOICE_SIP_HOST"`
	Port      int    `env:"TWILIOVOICE_SIP_PORT" envDefault:"5060"`
	Transport string `env:"TWILIOVOICE_SIP_TRANSPORT" envDefault:"udp"`
	Domain    string `env:"TWILIOVOICE_SIP_DOMAIN"`
	User      string `env:"TWILIOVOICE_SIP_USER" envDefault:"twiliovoice"`
	Username  string `env:"TWILIOVOICE_SIP_USERNAME"`
	Password  string `env:"TWILIOVOICE_SIP_PASSWORD"`
	MediaPort int    `env:"TWILIOVOICE_SIP_MEDIA_PORT" envDefault:"10000"`

	RingTimeout time.Duration `env:"TWILIOVOICE_SIP_RING_TIMEOUT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings the selected driver needs.
func (c Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	switch c.Driver {
	case DriverTwilio:
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			return errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required")
		}
	case DriverSIP:
		if c.SIP.Port <= 0 || c.SIP.Port > 65535 {
			return fmt.Errorf("invalid SIP port %d", c.SIP.Port)
		}
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}
	return nil
}

// Level returns the configured log level.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
