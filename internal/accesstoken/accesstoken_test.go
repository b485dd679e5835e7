package accesstoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	issuedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	secret   = []byte("api-key-secret")
)

func issue(t *testing.T) string {
	t.Helper()
	tok, err := Issue(IssueParams{
		AccountSID:             "AC123",
		APIKeySID:              "SK456",
		Identity:               "alice",
		OutgoingApplicationSID: "AP789",
		TTL:                    time.Hour,
		Now:                    issuedAt,
	}, secret)
	require.NoError(t, err)
	return tok
}

func at(d time.Duration) func() time.Time {
	return func() time.Time { return issuedAt.Add(d) }
}

func TestVerifySigned(t *testing.T) {
	tok := issue(t)

	claims, err := Verifier{AccountSID: "AC123", Secret: secret, Now: at(time.Minute)}.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Identity)
	assert.Equal(t, "AC123", claims.AccountSID)
	assert.Equal(t, "SK456", claims.APIKeySID)
	assert.Equal(t, "AP789", claims.OutgoingApplicationSID)
	assert.True(t, claims.ExpiresAt.Equal(issuedAt.Add(time.Hour)))

	parsed, _, err := jwt.NewParser().ParseUnverified(tok, &jwt.RegisteredClaims{})
	require.NoError(t, err)
	assert.Equal(t, ContentType, parsed.Header["cty"])
}

func TestVerifyErrors(t *testing.T) {
	tok := issue(t)

	tests := []struct {
		name     string
		verifier Verifier
		token    string
		want     error
	}{
		{"Empty", Verifier{Secret: secret}, "  ", ErrInvalid},
		{"Garbage", Verifier{Secret: secret}, "not-a-jwt", ErrInvalid},
		{"WrongSecret", Verifier{Secret: []byte("other"), Now: at(time.Minute)}, tok, ErrInvalid},
		{"Expired", Verifier{Secret: secret, Now: at(2 * time.Hour)}, tok, ErrExpired},
		{"OtherAccount", Verifier{AccountSID: "AC999", Secret: secret, Now: at(time.Minute)}, tok, ErrSubject},
		{"UnverifiedExpired", Verifier{Now: at(2 * time.Hour)}, tok, ErrExpired},
		{"UnverifiedGarbage", Verifier{}, "a.b", ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.verifier.Verify(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifyUnsigned(t *testing.T) {
	claims, err := Verifier{AccountSID: "AC123", Now: at(time.Minute)}.Verify(issue(t))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Identity)
}
