package emrauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/headachemd/emr/internal/platform/emr"
)

// oauthConfig describes a provider to x/oauth2. Client credentials always
// travel in the form body; an empty secret is omitted.
func oauthConfig(cfg emr.SystemConfig, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
		Scopes:      strings.Fields(cfg.InteractiveScope()),
	}
}

// withHTTPClient routes x/oauth2 token requests through client.
func withHTTPClient(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// tokenCall runs fetch against a provider token endpoint, bounded by
// timeout, and converts the outcome into a validated token response.
// Rejections become failKind errors carrying the upstream status and body.
func tokenCall(ctx context.Context, client *http.Client, timeout time.Duration, system string,
	failKind emr.Kind, op string, logger zerolog.Logger,
	fetch func(ctx context.Context) (*oauth2.Token, error)) (*emr.TokenResponse, error) {
	ctx, cancel := context.WithTimeout(withHTTPClient(ctx, client), timeout)
	defer cancel()

	start := time.Now()
	tok, err := fetch(ctx)
	if err != nil {
		return nil, tokenError(err, failKind, op, system, time.Since(start), logger)
	}
	tr, err := tokenResponseFrom(tok)
	if err != nil {
		return nil, emr.NewError(emr.KindMalformedResponse, op, system, err)
	}
	return tr, nil
}

// tokenError classifies an x/oauth2 failure.
func tokenError(err error, failKind emr.Kind, op, system string, latency time.Duration, logger zerolog.Logger) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		logger.Warn().
			Str("system", system).
			Str("op", op).
			Int("status", status).
			Str("error_code", rerr.ErrorCode).
			Dur("latency", latency).
			Msg("token endpoint rejected request")
		return emr.ResponseError(failKind, op, system, status, rerr.Body)
	}
	if isTransport(err) {
		logger.Error().Str("system", system).Str("op", op).Dur("latency", latency).Msg("token endpoint unreachable")
		return emr.TransportError(op, system, err)
	}
	return emr.NewError(emr.KindMalformedResponse, op, system, err)
}

func isTransport(err error) bool {
	var uerr *url.Error
	return errors.As(err, &uerr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// tokenResponseFrom rebuilds the provider's token response from an
// x/oauth2 token. expires_in is read from the raw response rather than
// Expiry so the caller's clock decides the expiry instant.
func tokenResponseFrom(tok *oauth2.Token) (*emr.TokenResponse, error) {
	expiresIn, err := extraInt(tok, "expires_in")
	if err != nil {
		return nil, err
	}
	tr := &emr.TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    expiresIn,
		Scope:        extraString(tok, "scope"),
		RefreshToken: tok.RefreshToken,
		Patient:      extraString(tok, "patient"),
		Encounter:    extraString(tok, "encounter"),
		IDToken:      extraString(tok, "id_token"),
	}
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	return tr, nil
}

// extraString reads a raw response field. Form-encoded responses surface
// numeric-looking values as numbers, so those are formatted back.
func extraString(tok *oauth2.Token, key string) string {
	switch v := tok.Extra(key).(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func extraInt(tok *oauth2.Token, key string) (int, error) {
	switch v := tok.Extra(key).(type) {
	case nil:
		return 0, nil
	case float64:
		return int(v), nil
	case int64:
		return int(v), nil
	case string:
		if v == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("field %q is not an integer: %q", key, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("field %q has unexpected type %T", key, v)
	}
}
