package emrclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/headachemd/emr/internal/platform/emr"
	"github.com/headachemd/emr/internal/platform/fhir"
	"github.com/headachemd/emr/pkg/fhirmodels"
)

// MaxSearchPages bounds how many next links a search follows.
const MaxSearchPages = 10

// Config tunes a Client. Zero values select defaults; a zero RateLimit
// disables throttling.
type Config struct {
	Timeout    time.Duration
	RateLimit  float64
	Burst      int
	HTTPClient *http.Client
}

// Client reads clinical data from registered providers' FHIR endpoints. It
// is safe for concurrent use.
type Client struct {
	registry *emr.Registry
	client   *http.Client
	timeout  time.Duration
	limit    rate.Limit
	burst    int
	logger   zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Client over the given registry.
func New(registry *emr.Registry, cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = emr.DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = emr.NewHTTPClient(cfg.Timeout)
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		registry: registry,
		client:   cfg.HTTPClient,
		timeout:  cfg.Timeout,
		limit:    limit,
		burst:    cfg.Burst,
		logger:   logger.With().Str("component", "emr_client").Logger(),
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the outbound limiter for a provider, creating it on first use.
func (c *Client) limiterFor(system string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[system]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[system] = l
	}
	return l
}

// Criteria are the patient search parameters accepted by SearchPatients.
type Criteria struct {
	FirstName   string `json:"firstName" query:"firstName"`
	LastName    string `json:"lastName" query:"lastName"`
	DateOfBirth string `json:"dateOfBirth" query:"dateOfBirth"`
}

// Empty reports whether no criterion is set.
func (c Criteria) Empty() bool {
	return strings.TrimSpace(c.FirstName) == "" && strings.TrimSpace(c.LastName) == "" &&
		strings.TrimSpace(c.DateOfBirth) == ""
}

// Query renders the criteria as FHIR Patient search parameters.
func (c Criteria) Query() url.Values {
	q := url.Values{}
	if v := strings.TrimSpace(c.FirstName); v != "" {
		q.Set("given", v)
	}
	if v := strings.TrimSpace(c.LastName); v != "" {
		q.Set("family", v)
	}
	if v := strings.TrimSpace(c.DateOfBirth); v != "" {
		q.Set("birthdate", v)
	}
	return q
}

// SearchPatients runs a Patient search and converts each match. An empty
// result set is not an error.
func (c *Client) SearchPatients(ctx context.Context, system string, ts emr.TokenSource, crit Criteria) ([]emr.PatientData, error) {
	cfg, err := c.registry.Get(system)
	if err != nil {
		return nil, err
	}
	var out []emr.PatientData
	err = c.search(ctx, cfg, ts, fhirmodels.ResourcePatient, crit.Query(), func(raw json.RawMessage) error {
		var p fhir.Patient
		if err := decodeResource(raw, &p); err != nil {
			return err
		}
		out = append(out, patientFromFHIR(&p))
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("system", cfg.ID).Int("matches", len(out)).Msg("patient search completed")
	if out == nil {
		out = []emr.PatientData{}
	}
	return out, nil
}

// Read fetches a single resource and returns its raw JSON.
func (c *Client) Read(ctx context.Context, system string, ts emr.TokenSource, resourceType, id string) (json.RawMessage, error) {
	cfg, err := c.registry.Get(system)
	if err != nil {
		return nil, err
	}
	body, err := c.get(ctx, cfg, ts, cfg.FHIRURL(resourceType+"/"+url.PathEscape(id)), nil, "read "+resourceType)
	if err != nil {
		return nil, err
	}
	var head fhir.Resource
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, emr.NewError(emr.KindMalformedResponse, "read "+resourceType, cfg.ID, err)
	}
	if head.ResourceType != resourceType {
		return nil, emr.NewError(emr.KindMalformedResponse, "read "+resourceType, cfg.ID,
			fmt.Errorf("expected %s, got %q", resourceType, head.ResourceType))
	}
	return body, nil
}

// Metadata fetches the provider's CapabilityStatement.
func (c *Client) Metadata(ctx context.Context, system string, ts emr.TokenSource) (*fhir.CapabilityStatement, error) {
	const op = "read metadata"
	cfg, err := c.registry.Get(system)
	if err != nil {
		return nil, err
	}
	body, err := c.get(ctx, cfg, ts, cfg.FHIRURL("metadata"), nil, op)
	if err != nil {
		return nil, err
	}
	var cs fhir.CapabilityStatement
	if err := decodeResource(body, &cs); err != nil {
		return nil, emr.NewError(emr.KindMalformedResponse, op, cfg.ID, err)
	}
	return &cs, nil
}

// search runs a search for resourceType and calls fn for each matching
// resource, following next links up to MaxSearchPages.
func (c *Client) search(ctx context.Context, cfg emr.SystemConfig, ts emr.TokenSource, resourceType string,
	query url.Values, fn func(json.RawMessage) error) error {
	op := "search " + resourceType
	target := cfg.FHIRURL(resourceType)
	for page := 0; target != "" && page < MaxSearchPages; page++ {
		body, err := c.get(ctx, cfg, ts, target, query, op)
		if err != nil {
			return err
		}
		var b fhir.Bundle
		if err := json.Unmarshal(body, &b); err != nil {
			return emr.NewError(emr.KindMalformedResponse, op, cfg.ID, fmt.Errorf("decode bundle: %w", err))
		}
		if err := b.Validate(); err != nil {
			return emr.NewError(emr.KindMalformedResponse, op, cfg.ID, err)
		}
		if err := b.EachResource(resourceType, fn); err != nil {
			return emr.NewError(emr.KindMalformedResponse, op, cfg.ID, err)
		}
		target, query = b.NextLink(), nil
		if target != "" && !sameOrigin(target, cfg.FHIRBaseURL) {
			c.logger.Warn().Str("system", cfg.ID).Str("op", op).Msg("ignoring next link outside the provider base url")
			break
		}
	}
	return nil
}

// get performs an authenticated GET and returns the 2xx body. Every call is
// bounded by the client timeout, including the wait for the rate limiter.
func (c *Client) get(ctx context.Context, cfg emr.SystemConfig, ts emr.TokenSource, target string, query url.Values, op string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiterFor(cfg.ID).Wait(ctx); err != nil {
		return nil, emr.TransportError(op, cfg.ID, fmt.Errorf("rate limiter: %w", err))
	}

	token, err := ts.Token(ctx)
	if err != nil {
		return nil, err
	}

	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", token.AuthorizationHeader())
	req.Header.Set("Accept", emr.FHIRMediaType)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error().Str("system", cfg.ID).Str("op", op).Dur("latency", time.Since(start)).Msg("fhir request failed")
		return nil, emr.TransportError(op, cfg.ID, err)
	}
	body, err := emr.ReadBody(resp)
	if err != nil {
		return nil, emr.TransportError(op, cfg.ID, err)
	}

	ev := c.logger.Debug()
	if !emr.IsSuccess(resp.StatusCode) {
		ev = c.logger.Warn()
	}
	ev.Str("system", cfg.ID).
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("fhir request")

	if !emr.IsSuccess(resp.StatusCode) {
		if resp.StatusCode == http.StatusUnauthorized {
			if inv, ok := ts.(emr.TokenInvalidator); ok {
				inv.InvalidateToken()
			}
		}
		return nil, emr.ResponseError(emr.KindHTTPError, op, cfg.ID, resp.StatusCode, outcomeDiagnostics(body))
	}
	return body, nil
}

// outcomeDiagnostics condenses an OperationOutcome body into its issue
// messages; other bodies are returned unchanged.
func outcomeDiagnostics(body []byte) []byte {
	if !gjson.ValidBytes(body) || gjson.GetBytes(body, "resourceType").String() != fhirmodels.ResourceOperationOutcome {
		return body
	}
	var msgs []string
	gjson.GetBytes(body, "issue").ForEach(func(_, issue gjson.Result) bool {
		msg := issue.Get("diagnostics").String()
		if msg == "" {
			msg = issue.Get("details.text").String()
		}
		if msg == "" {
			msg = issue.Get("code").String()
		}
		if msg != "" {
			msgs = append(msgs, msg)
		}
		return true
	})
	if len(msgs) == 0 {
		return body
	}
	return []byte(strings.Join(msgs, "; "))
}

type validator interface {
	Validate() error
}

// decodeResource unmarshals raw into v and runs its schema validation.
func decodeResource(raw []byte, v validator) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return err
	}
	return v.Validate()
}

func sameOrigin(raw, base string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	b, err := url.Parse(base)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, b.Scheme) && strings.EqualFold(u.Host, b.Host)
}

// tolerable reports sub-resource failures that should not fail an aggregate
// read: the provider refusing or not supporting one resource type.
func tolerable(err error) bool {
	if !errors.Is(err, emr.ErrHTTPError) {
		return false
	}
	switch emr.StatusOf(err) {
	case http.StatusForbidden, http.StatusNotFound, http.StatusNotImplemented:
		return true
	}
	return false
}
