package emrauth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/headachemd/emr/internal/platform/emr"
)

// DefaultStateTTL bounds how long an issued state remains acceptable.
const DefaultStateTTL = 10 * time.Minute

// maxClockSkew tolerates state timestamps slightly in the future.
const maxClockSkew = time.Minute

// FlowConfig tunes a FlowManager. Zero values select defaults.
type FlowConfig struct {
	// RedirectURI is used for providers whose config does not set one.
	RedirectURI string
	StateTTL    time.Duration
	Timeout     time.Duration
	HTTPClient  *http.Client
	Now         func() time.Time
}

// FlowManager runs the interactive authorization-code + PKCE flow. Besides
// the attempt ledger it keeps no per-flow server-side state; the verifier
// travels inside the encoded state.
type FlowManager struct {
	registry    *emr.Registry
	codec       *StateCodec
	ledger      *attemptLedger
	client      *http.Client
	timeout     time.Duration
	stateTTL    time.Duration
	redirectURI string
	now         func() time.Time
	logger      zerolog.Logger
}

// NewFlowManager creates a FlowManager. codec may be nil for an unsealed codec.
func NewFlowManager(registry *emr.Registry, codec *StateCodec, cfg FlowConfig, logger zerolog.Logger) *FlowManager {
	if codec == nil {
		codec = NewStateCodec()
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = emr.DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = emr.NewHTTPClient(cfg.Timeout)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &FlowManager{
		registry:    registry,
		codec:       codec,
		ledger:      newAttemptLedger(),
		client:      cfg.HTTPClient,
		timeout:     cfg.Timeout,
		stateTTL:    cfg.StateTTL,
		redirectURI: cfg.RedirectURI,
		now:         cfg.Now,
		logger:      logger.With().Str("component", "emr_auth_flow").Logger(),
	}
}

// AuthorizeURL builds the provider authorize URL for userID, embedding a
// fresh PKCE verifier and nonce in the state parameter.
func (m *FlowManager) AuthorizeURL(userID, system string) (string, error) {
	return m.authorizeURL(userID, system, "")
}

// AuthorizeURLWithLaunch is AuthorizeURL for an EHR launch. The launch token
// is only forwarded when the provider config enables include_launch.
func (m *FlowManager) AuthorizeURLWithLaunch(userID, system, launch string) (string, error) {
	return m.authorizeURL(userID, system, launch)
}

func (m *FlowManager) authorizeURL(userID, system, launch string) (string, error) {
	const op = "generate authorize url"

	cfg, err := m.registry.Get(system)
	if err != nil {
		return "", err
	}
	if cfg.AuthURL == "" {
		return "", emr.NewError(emr.KindConfigurationMissing, op, cfg.ID, fmt.Errorf("auth_url is not configured"))
	}
	redirectURI := m.redirectFor(cfg)
	if redirectURI == "" {
		return "", emr.NewError(emr.KindConfigurationMissing, op, cfg.ID, fmt.Errorf("redirect_uri is not configured"))
	}
	if userID == "" {
		return "", emr.NewError(emr.KindAuthenticationRequired, op, cfg.ID, fmt.Errorf("user id is required"))
	}

	pkce, err := GeneratePKCE()
	if err != nil {
		return "", err
	}
	nonce := uuid.NewString()
	now := m.now()

	state, err := m.codec.Encode(RequestState{
		UserID:       userID,
		System:       cfg.ID,
		TimestampMs:  now.UnixMilli(),
		Nonce:        nonce,
		CodeVerifier: pkce.Verifier,
	})
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(pkce.Verifier),
		oauth2.SetAuthURLParam("aud", cfg.FHIRBaseURL),
		oauth2.SetAuthURLParam("nonce", nonce),
	}
	if cfg.PracticeCode != "" {
		opts = append(opts, oauth2.SetAuthURLParam("practice_code", cfg.PracticeCode))
	}
	if cfg.IncludeLaunch && launch != "" {
		opts = append(opts, oauth2.SetAuthURLParam("launch", launch))
	}
	m.ledger.request(nonce, now.Add(m.stateTTL), now)

	m.logger.Info().
		Str("system", cfg.ID).
		Str("user_id", userID).
		Bool("sealed_state", m.codec.Sealed()).
		Msg("authorization requested")

	return oauthConfig(cfg, redirectURI).AuthCodeURL(state, opts...), nil
}

func (m *FlowManager) redirectFor(cfg emr.SystemConfig) string {
	if cfg.RedirectURI != "" {
		return cfg.RedirectURI
	}
	return m.redirectURI
}

// CallbackParams are the query parameters delivered to the redirect URI.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackResult is the outcome of a completed authorization.
type CallbackResult struct {
	UserID       string
	System       string
	Token        *emr.AccessToken
	PatientID    string
	RefreshToken string
	State        FlowState
}

// HandleCallback validates the returned state and exchanges the code for a
// token. Any failure is terminal for the attempt and is returned as an
// *AttemptError; the caller must restart from AuthorizeURL.
func (m *FlowManager) HandleCallback(ctx context.Context, p CallbackParams) (*CallbackResult, error) {
	res, err := m.handleCallback(ctx, p)
	if err != nil {
		return nil, &AttemptError{State: FlowFailed, Err: err}
	}
	return res, nil
}

func (m *FlowManager) handleCallback(ctx context.Context, p CallbackParams) (*CallbackResult, error) {
	const op = "handle callback"

	if p.Error != "" {
		kind := emr.KindProviderError
		if p.Error == "access_denied" {
			kind = emr.KindAuthorizationDenied
		}
		system := ""
		if s, err := m.codec.Decode(p.State); err == nil {
			system = s.System
			if m.ledger.begin(s.Nonce, time.UnixMilli(s.TimestampMs).Add(m.stateTTL), m.now()) == nil {
				m.ledger.advance(s.Nonce, FlowFailed)
			}
		}
		m.logger.Warn().
			Str("system", system).
			Str("error", p.Error).
			Msg("authorization callback returned an error")
		return nil, &emr.Error{Kind: kind, Op: op, System: system, Body: emr.Truncate(p.Error + ": " + p.ErrorDescription)}
	}

	state, err := m.codec.Decode(p.State)
	if err != nil {
		return nil, emr.NewError(emr.KindStateInvalid, op, "", err)
	}

	now := m.now()
	issued := time.UnixMilli(state.TimestampMs)
	if issued.After(now.Add(maxClockSkew)) {
		return nil, emr.NewError(emr.KindStateInvalid, op, state.System, fmt.Errorf("state timestamp is in the future"))
	}
	if now.Sub(issued) > m.stateTTL {
		return nil, emr.NewError(emr.KindStateExpired, op, state.System,
			fmt.Errorf("state issued %s ago exceeds %s", now.Sub(issued).Round(time.Second), m.stateTTL))
	}
	if err := m.ledger.begin(state.Nonce, issued.Add(m.stateTTL), now); err != nil {
		return nil, emr.NewError(emr.KindStateInvalid, op, state.System, err)
	}

	res, err := m.exchange(ctx, state, p.Code)
	if err != nil {
		m.ledger.advance(state.Nonce, FlowFailed)
		return nil, err
	}
	m.ledger.advance(state.Nonce, FlowTokenExchanged)
	res.State = m.ledger.advance(state.Nonce, FlowAuthenticated)
	return res, nil
}

func (m *FlowManager) exchange(ctx context.Context, state RequestState, code string) (*CallbackResult, error) {
	const op = "authorization code exchange"
	if code == "" {
		return nil, emr.NewError(emr.KindProviderError, "handle callback", state.System, fmt.Errorf("callback carried no authorization code"))
	}
	cfg, err := m.registry.Get(state.System)
	if err != nil {
		return nil, err
	}

	conf := oauthConfig(cfg, m.redirectFor(cfg))
	resp, err := tokenCall(ctx, m.client, m.timeout, cfg.ID, emr.KindTokenExchangeFailed, op, m.logger,
		func(ctx context.Context) (*oauth2.Token, error) {
			return conf.Exchange(ctx, code, oauth2.VerifierOption(state.CodeVerifier))
		})
	if err != nil {
		return nil, err
	}
	token := resp.ToAccessToken(m.now())

	m.logger.Info().
		Str("system", cfg.ID).
		Str("user_id", state.UserID).
		Bool("launch_patient", resp.Patient != "").
		Bool("refresh_token", resp.RefreshToken != "").
		Time("expires_at", token.ExpiresAt).
		Msg("authorization completed")

	return &CallbackResult{
		UserID:       state.UserID,
		System:       cfg.ID,
		Token:        token,
		PatientID:    resp.Patient,
		RefreshToken: resp.RefreshToken,
	}, nil
}

// Refresh trades a refresh token for a new access token. The previous refresh
// token is carried over when the provider does not rotate it.
func (m *FlowManager) Refresh(ctx context.Context, system, refreshToken string) (*emr.AccessToken, error) {
	const op = "refresh token"
	cfg, err := m.registry.Get(system)
	if err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, emr.NewError(emr.KindAuthenticationRequired, op, cfg.ID, fmt.Errorf("no refresh token available"))
	}

	conf := oauthConfig(cfg, m.redirectFor(cfg))
	resp, err := tokenCall(ctx, m.client, m.timeout, cfg.ID, emr.KindTokenExchangeFailed, op, m.logger,
		func(ctx context.Context) (*oauth2.Token, error) {
			return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		})
	if err != nil {
		return nil, err
	}
	token := resp.ToAccessToken(m.now())
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	m.logger.Info().Str("system", cfg.ID).Time("expires_at", token.ExpiresAt).Msg("access token refreshed")
	return token, nil
}
