// Package accesstoken verifies Twilio access tokens presented by the shell when
// it places a call.
package accesstoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ContentType is the "cty" header Twilio sets on access tokens.
const ContentType = "twilio-fpa;v=1"

var (
	ErrInvalid = errors.New("invalid access token")
	ErrSubject = errors.New("access token issued for another account")
	ErrExpired = errors.New("access token expired")
)

// Claims captures the parts of a voice access token the bridge uses.
type Claims struct {
	Identity               string
	AccountSID             string
	APIKeySID              string
	OutgoingApplicationSID string
	ExpiresAt              time.Time
}

type incomingGrant struct {
	Allow bool `json:"allow"`
}

type outgoingGrant struct {
	ApplicationSID string            `json:"application_sid"`
	Params         map[string]string `json:"params,omitempty"`
}

type voiceGrant struct {
	Incoming *incomingGrant `json:"incoming,omitempty"`
	Outgoing *outgoingGrant `json:"outgoing,omitempty"`
}

type grants struct {
	Identity string      `json:"identity,omitempty"`
	Voice    *voiceGrant `json:"voice,omitempty"`
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Grants grants `json:"grants"`
}

// Verifier checks access tokens. Without a secret only the claims are checked;
// the signature is then left to Twilio.
type Verifier struct {
	AccountSID string
	Secret     []byte
	Now        func() time.Time
}

// Verify parses and validates a token.
func (v Verifier) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalid
	}
	now := v.Now
	if now == nil {
		now = time.Now
	}

	var parsed tokenClaims
	if len(v.Secret) > 0 {
		_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
			return v.Secret, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(now),
			jwt.WithExpirationRequired(),
		)
		if err != nil {
			return nil, mapJWTError(err)
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, &parsed); err != nil {
			return nil, mapJWTError(err)
		}
		if parsed.ExpiresAt == nil || !now().Before(parsed.ExpiresAt.Time) {
			return nil, ErrExpired
		}
	}

	if v.AccountSID != "" && parsed.Subject != v.AccountSID {
		return nil, ErrSubject
	}

	claims := &Claims{
		Identity:   parsed.Grants.Identity,
		AccountSID: parsed.Subject,
		APIKeySID:  parsed.Issuer,
		ExpiresAt:  parsed.ExpiresAt.Time,
	}
	if g := parsed.Grants.Voice; g != nil && g.Outgoing != nil {
		claims.OutgoingApplicationSID = g.Outgoing.ApplicationSID
	}
	return claims, nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpired
	}
	return fmt.Errorf("%w: %v", ErrInvalid, err)
}

// IssueParams describes a voice access token.
type IssueParams struct {
	AccountSID             string
	APIKeySID              string
	Identity               string
	OutgoingApplicationSID string
	TTL                    time.Duration
	Now                    time.Time
}

// Issue signs a voice access token with the API key secret.
func Issue(p IssueParams, secret []byte) (string, error) {
	if p.Now.IsZero() {
		p.Now = time.Now()
	}
	if p.TTL <= 0 {
		p.TTL = time.Hour
	}

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("%s-%d", p.APIKeySID, p.Now.Unix()),
			Issuer:    p.APIKeySID,
			Subject:   p.AccountSID,
			IssuedAt:  jwt.NewNumericDate(p.Now),
			ExpiresAt: jwt.NewNumericDate(p.Now.Add(p.TTL)),
		},
		Grants: grants{
			Identity: p.Identity,
			Voice: &voiceGrant{
				Outgoing: &outgoingGrant{ApplicationSID: p.OutgoingApplicationSID},
			},
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["cty"] = ContentType
	return tok.SignedString(secret)
}
