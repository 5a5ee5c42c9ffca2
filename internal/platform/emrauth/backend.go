package emrauth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/headachemd/emr/internal/platform/emr"
)

// AssertionLifetime is the exp - iat window of a client assertion.
const AssertionLifetime = 300 * time.Second

// ClientAssertionType is the RFC 7523 assertion type for JWT bearer client auth.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// BackendConfig tunes a BackendAuthenticator. Zero values select defaults.
type BackendConfig struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	Now        func() time.Time
}

// BackendAuthenticator obtains system-level access tokens with the
// client-credentials grant, authenticating by a signed JWT assertion.
// Tokens are cached per scope set; concurrent misses for the same scope set
// share one token request.
type BackendAuthenticator struct {
	cfg     emr.SystemConfig
	key     crypto.PrivateKey
	method  jwt.SigningMethod
	client  *http.Client
	timeout time.Duration
	now     func() time.Time
	logger  zerolog.Logger

	mu     sync.Mutex
	caches map[string]*TokenCache
	group  singleflight.Group
}

// NewBackendAuthenticator parses the provider's private key and prepares an
// authenticator. A provider without a private key is a configuration error.
func NewBackendAuthenticator(cfg emr.SystemConfig, bc BackendConfig, logger zerolog.Logger) (*BackendAuthenticator, error) {
	const op = "backend authenticator"
	if strings.TrimSpace(cfg.PrivateKeyPEM) == "" {
		return nil, emr.NewError(emr.KindConfigurationMissing, op, cfg.ID, fmt.Errorf("private_key is not configured"))
	}
	key, method, err := parseSigningKey([]byte(cfg.PrivateKeyPEM), cfg.SigningAlg)
	if err != nil {
		return nil, emr.NewError(emr.KindConfigurationMissing, op, cfg.ID, err)
	}

	if bc.Timeout <= 0 {
		bc.Timeout = emr.DefaultTimeout
	}
	if bc.HTTPClient == nil {
		bc.HTTPClient = emr.NewHTTPClient(bc.Timeout)
	}
	if bc.Now == nil {
		bc.Now = time.Now
	}

	return &BackendAuthenticator{
		cfg:     cfg,
		key:     key,
		method:  method,
		client:  bc.HTTPClient,
		timeout: bc.Timeout,
		now:     bc.Now,
		logger:  logger.With().Str("component", "emr_backend_auth").Str("system", cfg.ID).Logger(),
		caches:  make(map[string]*TokenCache),
	}, nil
}

// parseSigningKey accepts an RSA or EC private key in PEM form. alg may be
// empty, in which case RS384 or ES384 is chosen from the key type.
func parseSigningKey(pemData []byte, alg string) (crypto.PrivateKey, jwt.SigningMethod, error) {
	var key crypto.PrivateKey
	if k, err := jwt.ParseRSAPrivateKeyFromPEM(pemData); err == nil {
		key = k
	} else if k, ecErr := jwt.ParseECPrivateKeyFromPEM(pemData); ecErr == nil {
		key = k
	} else {
		return nil, nil, fmt.Errorf("private_key is neither an RSA nor an EC PEM key")
	}

	if alg == "" {
		switch key.(type) {
		case *rsa.PrivateKey:
			alg = "RS384"
		case *ecdsa.PrivateKey:
			alg = "ES384"
		}
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, nil, fmt.Errorf("unsupported signing_alg %q", alg)
	}
	switch method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		if _, ok := key.(*rsa.PrivateKey); !ok {
			return nil, nil, fmt.Errorf("signing_alg %s requires an RSA key", alg)
		}
	case *jwt.SigningMethodECDSA:
		if _, ok := key.(*ecdsa.PrivateKey); !ok {
			return nil, nil, fmt.Errorf("signing_alg %s requires an EC key", alg)
		}
	default:
		return nil, nil, fmt.Errorf("signing_alg %s is not asymmetric", alg)
	}
	return key, method, nil
}

// System returns the provider id this authenticator serves.
func (a *BackendAuthenticator) System() string { return a.cfg.ID }

// Token implements emr.TokenSource using the provider's backend scopes.
func (a *BackendAuthenticator) Token(ctx context.Context) (*emr.AccessToken, error) {
	return a.AccessToken(ctx, a.cfg.BackendScopeList())
}

// AccessToken returns a cached token for scopes when one is still valid and
// otherwise requests a new one. Failures are returned as-is; there is no retry.
func (a *BackendAuthenticator) AccessToken(ctx context.Context, scopes []string) (*emr.AccessToken, error) {
	key := scopeKey(scopes)
	cache := a.cacheFor(key)
	if t, ok := cache.Get(); ok {
		return t, nil
	}

	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		if t, ok := cache.Get(); ok {
			return t, nil
		}
		// The shared request must not die because the first waiter went away.
		t, err := a.requestToken(context.WithoutCancel(ctx), scopes)
		if err != nil {
			return nil, err
		}
		cache.Set(t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*emr.AccessToken), nil
}

// Invalidate drops the cached token for scopes, e.g. after a 401.
func (a *BackendAuthenticator) Invalidate(scopes []string) {
	a.cacheFor(scopeKey(scopes)).Clear()
}

// InvalidateToken implements emr.TokenInvalidator for the default backend scopes.
func (a *BackendAuthenticator) InvalidateToken() {
	a.Invalidate(a.cfg.BackendScopeList())
}

func (a *BackendAuthenticator) cacheFor(key string) *TokenCache {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.caches[key]
	if !ok {
		c = NewTokenCache(a.now)
		a.caches[key] = c
	}
	return c
}

func (a *BackendAuthenticator) requestToken(ctx context.Context, scopes []string) (*emr.AccessToken, error) {
	const op = "client credentials request"

	assertion, err := a.signAssertion(a.now())
	if err != nil {
		return nil, emr.NewError(emr.KindTokenRequestFailed, op, a.cfg.ID, err)
	}

	params := url.Values{
		"client_assertion_type": {ClientAssertionType},
		"client_assertion":      {assertion},
	}
	if a.cfg.PracticeCode != "" {
		params.Set("practice_code", a.cfg.PracticeCode)
	}
	// The client authenticates with the assertion alone, so no client_id or
	// secret is sent.
	cc := &clientcredentials.Config{
		TokenURL:       a.cfg.TokenURL,
		Scopes:         scopes,
		EndpointParams: params,
		AuthStyle:      oauth2.AuthStyleInParams,
	}

	resp, err := tokenCall(ctx, a.client, a.timeout, a.cfg.ID, emr.KindTokenRequestFailed, op, a.logger, cc.Token)
	if err != nil {
		return nil, err
	}
	token := resp.ToAccessToken(a.now())
	a.logger.Info().
		Str("scope", token.Scope).
		Time("expires_at", token.ExpiresAt).
		Msg("backend access token issued")
	return token, nil
}

// signAssertion builds and signs the client assertion JWT.
func (a *BackendAuthenticator) signAssertion(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": a.cfg.ClientID,
		"sub": a.cfg.ClientID,
		"aud": a.cfg.TokenURL,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(AssertionLifetime).Unix(),
	}
	token := jwt.NewWithClaims(a.method, claims)
	if a.cfg.KeyID != "" {
		token.Header["kid"] = a.cfg.KeyID
	}
	signed, err := token.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}

// Do issues an authenticated clinical-data request. endpoint may be absolute
// or relative to the provider's FHIR base URL. The caller owns the response
// body. A 401 answer evicts the cached token so the next call re-authenticates.
func (a *BackendAuthenticator) Do(ctx context.Context, method, endpoint string, body io.Reader, scopes []string) (*http.Response, error) {
	const op = "authenticated request"
	if len(scopes) == 0 {
		scopes = a.cfg.BackendScopeList()
	}
	token, err := a.AccessToken(ctx, scopes)
	if err != nil {
		return nil, err
	}

	target := endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		target = a.cfg.FHIRURL(endpoint)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", token.AuthorizationHeader())
	req.Header.Set("Accept", emr.FHIRMediaType)
	if body != nil {
		req.Header.Set("Content-Type", emr.FHIRMediaType)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, emr.TransportError(op, a.cfg.ID, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		a.Invalidate(scopes)
	}
	return resp, nil
}

// ConnectionReport summarizes a TestConnection check.
type ConnectionReport struct {
	System         string        `json:"system"`
	Reachable      bool          `json:"reachable"`
	FHIRVersion    string        `json:"fhir_version,omitempty"`
	Software       string        `json:"software,omitempty"`
	TokenExpiresAt time.Time     `json:"token_expires_at"`
	Latency        time.Duration `json:"latency"`
}

type capabilitySummary struct {
	ResourceType string `json:"resourceType"`
	FHIRVersion  string `json:"fhirVersion"`
	Software     struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"software"`
}

// TestConnection obtains a token and reads the provider's metadata endpoint.
func (a *BackendAuthenticator) TestConnection(ctx context.Context) (*ConnectionReport, error) {
	const op = "test connection"
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	scopes := a.cfg.BackendScopeList()
	token, err := a.AccessToken(ctx, scopes)
	if err != nil {
		return nil, err
	}

	resp, err := a.Do(ctx, http.MethodGet, "metadata", nil, scopes)
	if err != nil {
		return nil, err
	}
	body, err := emr.ReadBody(resp)
	if err != nil {
		return nil, emr.TransportError(op, a.cfg.ID, err)
	}
	if !emr.IsSuccess(resp.StatusCode) {
		return nil, emr.ResponseError(emr.KindHTTPError, op, a.cfg.ID, resp.StatusCode, body)
	}

	var cs capabilitySummary
	if err := json.Unmarshal(body, &cs); err != nil {
		return nil, emr.NewError(emr.KindMalformedResponse, op, a.cfg.ID, err)
	}
	if cs.ResourceType != "CapabilityStatement" {
		return nil, emr.NewError(emr.KindMalformedResponse, op, a.cfg.ID,
			fmt.Errorf("metadata returned resourceType %q", cs.ResourceType))
	}

	report := &ConnectionReport{
		System:         a.cfg.ID,
		Reachable:      true,
		FHIRVersion:    cs.FHIRVersion,
		Software:       strings.TrimSpace(cs.Software.Name + " " + cs.Software.Version),
		TokenExpiresAt: token.ExpiresAt,
		Latency:        time.Since(start),
	}
	a.logger.Info().Str("fhir_version", report.FHIRVersion).Dur("latency", report.Latency).Msg("connection test succeeded")
	return report, nil
}

// scopeKey canonicalizes a scope list so ordering does not split the cache.
func scopeKey(scopes []string) string {
	s := append([]string(nil), scopes...)
	sort.Strings(s)
	return strings.Join(s, " ")
}
