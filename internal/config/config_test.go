package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, DriverTwilio, cfg.Driver)
	assert.Equal(t, 2*time.Second, cfg.Twilio.PollInterval)
	assert.Equal(t, 5060, cfg.SIP.Port)
	assert.Equal(t, "udp", cfg.SIP.Transport)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestLoadSIP(t *testing.T) {
	t.Setenv("TWILIOVOICE_DRIVER", "sip")
	t.Setenv("TWILIOVOICE_SIP_PORT", "5080")
	t.Setenv("TWILIOVOICE_SIP_DOMAIN", "pbx.example.com")
	t.Setenv("TWILIOVOICE_LOG_LEVEL", "debug")
	t.Setenv("TWILIOVOICE_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5080, cfg.SIP.Port)
	assert.Equal(t, "pbx.example.com", cfg.SIP.Domain)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing credentials",
			env:     map[string]string{"TWILIO_ACCOUNT_SID": "", "TWILIO_AUTH_TOKEN": ""},
			wantErr: "TWILIO_ACCOUNT_SID",
		},
		{
			name:    "bad duration",
			env:     map[string]string{"TWILIOVOICE_POLL_INTERVAL": "soon"},
			wantErr: "parse env:",
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"TWILIOVOICE_DRIVER": "webrtc"},
			wantErr: "unknown driver",
		},
		{
			name:    "bad level",
			env:     map[string]string{"TWILIOVOICE_LOG_LEVEL": "loud"},
			wantErr: "invalid log level",
		},
		{
			name:    "bad sip port",
			env:     map[string]string{"TWILIOVOICE_DRIVER": "sip", "TWILIOVOICE_SIP_PORT": "70000"},
			wantErr: "invalid SIP port",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
