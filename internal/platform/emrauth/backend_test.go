package emrauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/headachemd/emr/internal/platform/emr"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func rsaPEM(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return string(pem.EncodeToMemory(block)), key
}

func ecPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("generate EC key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal EC key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

type backendServer struct {
	srv        *httptest.Server
	tokenCalls int32

	mu      sync.Mutex
	status  int
	expires int
	delay   time.Duration
}

func newBackendServer(t *testing.T) *backendServer {
	t.Helper()
	b := &backendServer{status: http.StatusOK, expires: 300}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.tokenCalls, 1)
		_ = r.ParseForm()
		b.mu.Lock()
		status, expires, delay := b.status, b.expires, b.delay
		b.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "backend-token",
			"token_type":   "bearer",
			"expires_in":   expires,
			"scope":        r.PostForm.Get("scope"),
		})
	})
	mux.HandleFunc("/fhir/metadata", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer backend-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", emr.FHIRMediaType)
		_, _ = w.Write([]byte(`{"resourceType":"CapabilityStatement","fhirVersion":"4.0.1","software":{"name":"ModMed","version":"2.1"}}`))
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backendServer) config(keyPEM string) emr.SystemConfig {
	return emr.SystemConfig{
		ID:            "modmed",
		ClientID:      "backend-client",
		PrivateKeyPEM: keyPEM,
		KeyID:         "kid-1",
		TokenURL:      b.srv.URL + "/token",
		FHIRBaseURL:   b.srv.URL + "/fhir",
		PracticeCode:  "practice-42",
	}
}

func newTestBackend(t *testing.T, cfg emr.SystemConfig, bc BackendConfig) *BackendAuthenticator {
	t.Helper()
	a, err := NewBackendAuthenticator(cfg, bc, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBackendAuthenticator: %v", err)
	}
	return a
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewBackendAuthenticator_MissingKey(t *testing.T) {
	_, err := NewBackendAuthenticator(emr.SystemConfig{ID: "modmed"}, BackendConfig{}, zerolog.Nop())
	if !errors.Is(err, emr.ErrConfigurationMissing) {
		t.Fatalf("expected ConfigurationMissing, got %v", err)
	}
}

func TestNewBackendAuthenticator_BadKey(t *testing.T) {
	_, err := NewBackendAuthenticator(emr.SystemConfig{ID: "modmed", PrivateKeyPEM: "not a key"}, BackendConfig{}, zerolog.Nop())
	if !errors.Is(err, emr.ErrConfigurationMissing) {
		t.Fatalf("expected ConfigurationMissing, got %v", err)
	}
}

func TestParseSigningKey_AlgorithmSelection(t *testing.T) {
	rsaKey, _ := rsaPEM(t)
	ecKey := ecPEM(t)

	_, m, err := parseSigningKey([]byte(rsaKey), "")
	if err != nil {
		t.Fatalf("RSA key: %v", err)
	}
	if m.Alg() != "RS384" {
		t.Errorf("RSA default: expected RS384, got %s", m.Alg())
	}
	_, m, err = parseSigningKey([]byte(ecKey), "")
	if err != nil {
		t.Fatalf("EC key: %v", err)
	}
	if m.Alg() != "ES384" {
		t.Errorf("EC default: expected ES384, got %s", m.Alg())
	}
	if _, _, err := parseSigningKey([]byte(rsaKey), "ES384"); err == nil {
		t.Error("expected mismatched algorithm to fail")
	}
	if _, _, err := parseSigningKey([]byte(rsaKey), "HS256"); err == nil {
		t.Error("expected symmetric algorithm to fail")
	}
}

// ---------------------------------------------------------------------------
// Client assertion
// ---------------------------------------------------------------------------

func TestSignAssertion_Claims(t *testing.T) {
	b := newBackendServer(t)
	keyPEM, key := rsaPEM(t)
	cfg := b.config(keyPEM)
	a := newTestBackend(t, cfg, BackendConfig{})

	signed, err := a.signAssertion(time.Now())
	if err != nil {
		t.Fatalf("signAssertion: %v", err)
	}

	tok, err := jwt.Parse(signed, func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil },
		jwt.WithValidMethods([]string{"RS384"}))
	if err != nil {
		t.Fatalf("verify assertion: %v", err)
	}
	if tok.Header["kid"] != "kid-1" {
		t.Errorf("expected kid header, got %v", tok.Header["kid"])
	}
	claims := tok.Claims.(jwt.MapClaims)
	if claims["iss"] != cfg.ClientID || claims["sub"] != cfg.ClientID {
		t.Errorf("iss/sub must both equal client id: %v / %v", claims["iss"], claims["sub"])
	}
	if claims["aud"] != cfg.TokenURL {
		t.Errorf("aud must equal token url, got %v", claims["aud"])
	}
	if jti, _ := claims["jti"].(string); jti == "" {
		t.Error("jti missing")
	}
	iat, _ := claims["iat"].(float64)
	exp, _ := claims["exp"].(float64)
	if exp-iat != AssertionLifetime.Seconds() {
		t.Errorf("expected exp-iat=%v, got %v", AssertionLifetime.Seconds(), exp-iat)
	}
}

func TestSignAssertion_UniqueJTI(t *testing.T) {
	b := newBackendServer(t)
	keyPEM, _ := rsaPEM(t)
	a := newTestBackend(t, b.config(keyPEM), BackendConfig{})

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		signed, _ := a.signAssertion(time.Now())
		tok, _, err := jwt.NewParser().ParseUnverified(signed, jwt.MapClaims{})
		if err != nil {
			t.Fatalf("ParseUnverified: %v", err)
		}
		jti := tok.Claims.(jwt.MapClaims)["jti"].(string)
		if seen[jti] {
			t.Fatalf("duplicate jti %s", jti)
		}
		seen[jti] = true
	}
}

// ---------------------------------------------------------------------------
// Token caching
// ---------------------------------------------------------------------------

func TestAccessToken_CachedUntilExpiry(t *testing.T) {
	b := newBackendServer(t)
	keyPEM, _ := rsaPEM(t)
	now := time.Now()
	a := newTestBackend(t, b.config(keyPEM), BackendConfig{Now: func() time.Time { return now }})
	ctx := context.Background()

	first, err := a.Token(ctx)
	if err != nil {
		t.Fatalf("first token: %v", err)
	}
	second, err := a.Token(ctx)
	if err != nil {
		t.Fatalf("second token: %v", err)
	}
	if first != second {
		t.Error("expected cached token on second call")
	}
	if n := atomic.LoadInt32(&b.tokenCalls); n != 1 {
		t.Fatalf("expected 1 token request, got %d", n)
	}

	// Inside the safety margin the cached token is no longer served.
	now = now.Add(300*time.Second - emr.ExpirySafetyMargin + time.Second)
	if _, err := a.Token(ctx); err != nil {
		t.Fatalf("third token: %v", err)
	}
	if n := atomic.LoadInt32(&b.tokenCalls); n != 2 {
		t.Fatalf("expected a new token request after expiry, got %d total", n)
	}
}

func TestAccessToken_ScopesCachedSeparately(t *testing.T) {
	b := newBackendServer(t)
	keyPEM, _ := rsaPEM(t)
	a := newTestBackend(t, b.config(keyPEM), BackendConfig{})
	ctx := context.Background()

	_, _ = a.AccessToken(ctx, []string{"system/Patient.read", "system/Condition.read"})
	_, _ = a.AccessToken(ctx, []string{"system/Condition.read", "system/Patient.read"})
	if n := atomic.LoadInt32(&b.tokenCalls); n != 1 {
		t.Errorf("scope order must not split the cache, got %d requests", n)
	}
	_, _ = a.AccessToken(ctx, []string{"system/Appointment.read"})
	if n := atomic.LoadInt32(&b.tokenCalls); n != 2 {
		t.Errorf("expected distinct scope set to request again, got %d requests", n)
	}
}

func TestAccessToken_ConcurrentCallsShareOneRequest(t *testing.T) {
	b := newBackendServer(t)
	b.delay = 100 * time.Millisecond
	keyPEM, _ := rsaPEM(t)
	a := newTestBackend(t, b.config(keyPEM), BackendConfig{})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Token(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent token: %v", err)
	}
	if n := atomic.LoadInt32(&b.tokenCalls); n != 1 {
		t.Errorf("expected concurrent callers to share 1 request, got %d", n)
	}
}

func TestAccessToken_RejectionPreservesStatus(t *testing.T) {
	b := newBackendServer(t)
	b.status = http.StatusUnauthorized
	keyPEM, _ := rsaPEM(t)
	a := newTestBackend(t, b.config(keyPEM), BackendConfig{})

	_, err := a.Token(context.Background())
	if !errors.Is(err, emr.ErrTokenRequestFailed) {
		t.Fatalf("expected TokenRequestFailed, got %v", err)
	}
	if emr.StatusOf(err) != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", emr.StatusOf(err))
	}

	// Failures are not cached.
	_, _ = a.Token(context.Background())
	if n := atomic.LoadInt32(&b.tokenCalls); n != 2 {
		t.Errorf("expected failed request not to be cached, got %d requests", n)
	}
}

func TestAccessToken_Timeout(t *testing.T) {
	b := newBackendServer(t)
	b.delay = 300 * time.Millisecond
	keyPEM, _ := rsaPEM(t)
	a := newTestBackend(t, b.config(keyPEM), BackendConfig{Timeout: 50 * time.Millisecond})

	_, err := a.Token(context.Background())
	if !errors.Is(err, emr.ErrUpstreamUnavailable) {
		t.Fatalf("expected UpstreamUnavailable, got %v", err)
	}
}

func TestAccessToken_FormFields(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"x","token_type":"Bearer","expires_in":60}`))
	}))
	defer srv.Close()

	keyPEM, _ := rsaPEM(t)
	a := newTestBackend(t, emr.SystemConfig{
		ID: "modmed", ClientID: "c", PrivateKeyPEM: keyPEM,
		TokenURL: srv.URL, FHIRBaseURL: srv.URL, PracticeCode: "p1",
	}, BackendConfig{})

	if _, err := a.AccessToken(context.Background(), []string{"system/Patient.read"}); err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	want := map[string]string{
		"grant_type":            "client_credentials",
		"client_assertion_type": ClientAssertionType,
		"scope":                 "system/Patient.read",
		"practice_code":         "p1",
	}
	for k, v := range want {
		if form[k] != v {
			t.Errorf("form %s: expected %q, got %q", k, v, form[k])
		}
	}
	if form["client_assertion"] == "" {
		t.Error("client_assertion missing")
	}
	if _, ok := form["client_id"]; ok {
		t.Error("client_id must not accompany the assertion")
	}
}

// ---------------------------------------------------------------------------
// Authenticated requests
// ---------------------------------------------------------------------------

func TestTestConnection(t *testing.T) {
	b := newBackendServer(t)
	keyPEM, _ := rsaPEM(t)
	a := newTestBackend(t, b.config(keyPEM), BackendConfig{})

	report, err := a.TestConnection(context.Background())
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if !report.Reachable || report.FHIRVersion != "4.0.1" || report.Software != "ModMed 2.1" {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestDo_401InvalidatesCache(t *testing.T) {
	var tokenCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			atomic.AddInt32(&tokenCalls, 1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"revoked","token_type":"Bearer","expires_in":3600}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	keyPEM, _ := rsaPEM(t)
	a := newTestBackend(t, emr.SystemConfig{
		ID: "modmed", ClientID: "c", PrivateKeyPEM: keyPEM,
		TokenURL: srv.URL + "/token", FHIRBaseURL: srv.URL + "/fhir",
	}, BackendConfig{})

	for i := 0; i < 2; i++ {
		resp, err := a.Do(context.Background(), http.MethodGet, "Patient/1", nil, nil)
		if err != nil {
			t.Fatalf("Do: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 passthrough, got %d", resp.StatusCode)
		}
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 2 {
		t.Errorf("expected token to be re-requested after 401, got %d requests", n)
	}
}
