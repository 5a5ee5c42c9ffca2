package emr

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ExpirySafetyMargin is subtracted from a token's expiry when judging
// validity so that a token is never used in its last seconds of life. For a
// token whose lifetime is known the margin is capped at half that lifetime.
const ExpirySafetyMargin = 30 * time.Second

// AccessToken is a bearer token obtained from a provider token endpoint.
type AccessToken struct {
	Token        string    `json:"-"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	IssuedAt     time.Time `json:"-"`
	Scope        string    `json:"scope,omitempty"`
	RefreshToken string    `json:"-"`
	PatientID    string    `json:"patient,omitempty"`
}

// ValidAt reports whether the token can still be used at now.
func (t *AccessToken) ValidAt(now time.Time) bool {
	if t == nil || t.Token == "" {
		return false
	}
	margin := ExpirySafetyMargin
	if !t.IssuedAt.IsZero() {
		if half := t.ExpiresAt.Sub(t.IssuedAt) / 2; half < margin {
			margin = half
		}
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}

// AuthorizationHeader renders the value for the Authorization header.
func (t *AccessToken) AuthorizationHeader() string {
	return "Bearer " + t.Token
}

// TokenResponse is the JSON body returned by an OAuth token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Patient      string `json:"patient,omitempty"`
	Encounter    string `json:"encounter,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// DefaultExpiresIn is assumed when a provider omits expires_in.
const DefaultExpiresIn = 300

// Validate checks the fields every usable token response must carry.
func (r *TokenResponse) Validate() error {
	if r.AccessToken == "" {
		return errMissingField("access_token")
	}
	if r.TokenType != "" && !strings.EqualFold(r.TokenType, "bearer") {
		return errUnexpected("token_type", r.TokenType)
	}
	if r.ExpiresIn < 0 {
		return errUnexpected("expires_in", r.ExpiresIn)
	}
	return nil
}

// ToAccessToken converts a validated response into an AccessToken issued at now.
func (r *TokenResponse) ToAccessToken(now time.Time) *AccessToken {
	expiresIn := r.ExpiresIn
	if expiresIn == 0 {
		expiresIn = DefaultExpiresIn
	}
	tokenType := r.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &AccessToken{
		Token:        r.AccessToken,
		TokenType:    tokenType,
		ExpiresAt:    now.Add(time.Duration(expiresIn) * time.Second),
		IssuedAt:     now,
		Scope:        r.Scope,
		RefreshToken: r.RefreshToken,
		PatientID:    r.Patient,
	}
}

// TokenSource supplies bearer tokens for clinical-data calls. The backend
// authenticator and stored interactive sessions both implement it.
type TokenSource interface {
	Token(ctx context.Context) (*AccessToken, error)
}

// TokenInvalidator is implemented by token sources that can drop a token the
// provider has rejected.
type TokenInvalidator interface {
	InvalidateToken()
}

// StaticToken is a TokenSource that always returns the same token, failing
// with AuthenticationRequired once it has expired.
type StaticToken struct {
	T   *AccessToken
	Now func() time.Time
}

func (s StaticToken) Token(context.Context) (*AccessToken, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if !s.T.ValidAt(now()) {
		return nil, NewError(KindAuthenticationRequired, "static token", "", errTokenExpired)
	}
	return s.T, nil
}

var errTokenExpired = errors.New("access token expired")
