package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/headachemd/emr/internal/domain/patient"
	"github.com/headachemd/emr/internal/platform/emr"
	"github.com/headachemd/emr/internal/platform/emrauth"
	"github.com/headachemd/emr/internal/platform/emrclient"
)

const testSystem = "modmed"

// fakeProvider is a token endpoint answering both the authorization-code and
// refresh-token grants.
type fakeProvider struct {
	mu            sync.Mutex
	refreshStatus int
	grants        []string
	srv           *httptest.Server
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{refreshStatus: http.StatusOK}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		grant := r.PostForm.Get("grant_type")

		p.mu.Lock()
		p.grants = append(p.grants, grant)
		refreshStatus := p.refreshStatus
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch grant {
		case "authorization_code":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "at-1", "token_type": "Bearer", "expires_in": 3600,
				"refresh_token": "rt-1", "patient": "pat-9",
			})
		case "refresh_token":
			if refreshStatus != http.StatusOK {
				w.WriteHeader(refreshStatus)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "at-2", "token_type": "Bearer", "expires_in": 3600,
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) rejectRefresh(status int) {
	p.mu.Lock()
	p.refreshStatus = status
	p.mu.Unlock()
}

func (p *fakeProvider) grantCount(grant string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, g := range p.grants {
		if g == grant {
			n++
		}
	}
	return n
}

// fakeClient records the token each call was authorized with.
type fakeClient struct {
	mu          sync.Mutex
	tokens      []string
	searchErr   error
	patientErr  error
	patientData *emr.PatientData
}

func (f *fakeClient) record(ctx context.Context, ts emr.TokenSource) error {
	tok, err := ts.Token(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.tokens = append(f.tokens, tok.Token)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) SearchPatients(ctx context.Context, _ string, ts emr.TokenSource, _ emrclient.Criteria) ([]emr.PatientData, error) {
	if err := f.record(ctx, ts); err != nil {
		return nil, err
	}
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return []emr.PatientData{*patient.MockPatient()}, nil
}

func (f *fakeClient) PatientData(ctx context.Context, _ string, ts emr.TokenSource, _ string) (*emr.PatientData, error) {
	if err := f.record(ctx, ts); err != nil {
		return nil, err
	}
	if f.patientErr != nil {
		return nil, f.patientErr
	}
	if f.patientData != nil {
		return f.patientData, nil
	}
	return patient.MockPatient(), nil
}

func (f *fakeClient) lastToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokens) == 0 {
		return ""
	}
	return f.tokens[len(f.tokens)-1]
}

type fakeBackend struct {
	report *emrauth.ConnectionReport
}

func (b *fakeBackend) Token(context.Context) (*emr.AccessToken, error) {
	return &emr.AccessToken{Token: "backend-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (b *fakeBackend) TestConnection(context.Context) (*emrauth.ConnectionReport, error) {
	return b.report, nil
}

type testEnv struct {
	svc      *Service
	provider *fakeProvider
	client   *fakeClient
	sessions *emrauth.InMemorySessionStore
	flow     *emrauth.FlowManager
}

func newTestEnv(t *testing.T, backends map[string]BackendAuth) *testEnv {
	t.Helper()
	provider := newFakeProvider(t)
	reg, err := emr.NewRegistry(emr.SystemConfig{
		ID:           testSystem,
		ClientID:     "client-1",
		AuthURL:      "https://emr.example.com/oauth/authorize",
		TokenURL:     provider.srv.URL + "/token",
		FHIRBaseURL:  "https://emr.example.com/fhir",
		RedirectURI:  "https://app.example.com/api/v1/emr/callback",
		PracticeCode: "p-1",
	})
	require.NoError(t, err)

	flow := emrauth.NewFlowManager(reg, nil, emrauth.FlowConfig{}, zerolog.Nop())
	sessions := emrauth.NewInMemorySessionStore(24 * time.Hour)
	client := &fakeClient{}
	svc := NewService(reg, flow, sessions, backends, client, nil, zerolog.Nop())
	return &testEnv{svc: svc, provider: provider, client: client, sessions: sessions, flow: flow}
}

func stateParam(t *testing.T, authorizeURL string) string {
	t.Helper()
	u, err := url.Parse(authorizeURL)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func (env *testEnv) connect(t *testing.T, userID string) {
	t.Helper()
	u, err := env.svc.AuthorizeURL(userID, testSystem, "")
	require.NoError(t, err)
	_, err = env.svc.CompleteAuthorization(context.Background(), emrauth.CallbackParams{Code: "code-1", State: stateParam(t, u)})
	require.NoError(t, err)
}

func TestService_SearchRequiresSession(t *testing.T) {
	env := newTestEnv(t, map[string]BackendAuth{testSystem: &fakeBackend{}})

	_, err := env.svc.SearchPatients(context.Background(), "u-1", testSystem, emrclient.Criteria{LastName: "Doe"})
	require.ErrorIs(t, err, emr.ErrAuthenticationRequired)
	require.Empty(t, env.client.lastToken(), "no provider call without a session")
}

func TestService_AuthorizeThenSearch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.connect(t, "u-1")

	results, err := env.svc.SearchPatients(context.Background(), "u-1", testSystem, emrclient.Criteria{LastName: "Doe"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "at-1", env.client.lastToken())

	st, err := env.svc.ConnectionStatus(context.Background(), "u-1", testSystem)
	require.NoError(t, err)
	require.True(t, st.Connected)
	require.True(t, st.CanRefresh)
	require.Equal(t, "pat-9", st.PatientID)

	// Another user has no session.
	_, err = env.svc.SearchPatients(context.Background(), "u-2", testSystem, emrclient.Criteria{LastName: "Doe"})
	require.ErrorIs(t, err, emr.ErrAuthenticationRequired)
}

func TestService_CallbackReplayRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	u, err := env.svc.AuthorizeURL("u-1", testSystem, "")
	require.NoError(t, err)
	params := emrauth.CallbackParams{Code: "code-1", State: stateParam(t, u)}

	_, err = env.svc.CompleteAuthorization(context.Background(), params)
	require.NoError(t, err)
	_, err = env.svc.CompleteAuthorization(context.Background(), params)
	require.ErrorIs(t, err, emr.ErrStateInvalid)
	require.Equal(t, 1, env.provider.grantCount("authorization_code"))
}

func TestService_AuthorizeRequiresUser(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.svc.AuthorizeURL("", testSystem, "")
	require.ErrorIs(t, err, emr.ErrAuthenticationRequired)

	_, err = env.svc.AuthorizeURL("u-1", "unknown", "")
	require.ErrorIs(t, err, emr.ErrConfigurationMissing)
}

func expiredSession(userID string) *emrauth.Session {
	return &emrauth.Session{
		UserID: userID,
		System: testSystem,
		Token: &emr.AccessToken{
			Token:        "at-old",
			ExpiresAt:    time.Now().Add(-time.Minute),
			RefreshToken: "rt-old",
			PatientID:    "pat-9",
		},
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
}

func TestService_RefreshesExpiredSession(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.sessions.Save(context.Background(), expiredSession("u-1")))

	_, err := env.svc.SearchPatients(context.Background(), "u-1", testSystem, emrclient.Criteria{LastName: "Doe"})
	require.NoError(t, err)
	require.Equal(t, "at-2", env.client.lastToken())
	require.Equal(t, 1, env.provider.grantCount("refresh_token"))

	sess, err := env.sessions.Get(context.Background(), "u-1", testSystem)
	require.NoError(t, err)
	require.Equal(t, "at-2", sess.Token.Token)
	require.Equal(t, "rt-old", sess.Token.RefreshToken, "non-rotated refresh token is kept")
	require.Equal(t, "pat-9", sess.Token.PatientID)

	// The refreshed token is now valid; no further refresh.
	_, err = env.svc.SearchPatients(context.Background(), "u-1", testSystem, emrclient.Criteria{LastName: "Doe"})
	require.NoError(t, err)
	require.Equal(t, 1, env.provider.grantCount("refresh_token"))
}

func TestService_RejectedRefreshDropsSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.rejectRefresh(http.StatusBadRequest)
	require.NoError(t, env.sessions.Save(context.Background(), expiredSession("u-1")))

	_, err := env.svc.SearchPatients(context.Background(), "u-1", testSystem, emrclient.Criteria{LastName: "Doe"})
	require.ErrorIs(t, err, emr.ErrAuthenticationRequired)

	sess, err := env.sessions.Get(context.Background(), "u-1", testSystem)
	require.NoError(t, err)
	require.Nil(t, sess)
}

func TestService_GetPatientDataFallsBackToBackend(t *testing.T) {
	env := newTestEnv(t, map[string]BackendAuth{testSystem: &fakeBackend{}})

	_, err := env.svc.GetPatientData(context.Background(), "u-1", testSystem, "pat-1")
	require.NoError(t, err)
	require.Equal(t, "backend-token", env.client.lastToken())

	env.connect(t, "u-1")
	_, err = env.svc.GetPatientData(context.Background(), "u-1", testSystem, "pat-1")
	require.NoError(t, err)
	require.Equal(t, "at-1", env.client.lastToken())
}

func TestService_GetPatientDataWithoutCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.svc.GetPatientData(context.Background(), "u-1", testSystem, "pat-1")
	require.ErrorIs(t, err, emr.ErrAuthenticationRequired)
}

func TestService_ImportPatient(t *testing.T) {
	env := newTestEnv(t, map[string]BackendAuth{testSystem: &fakeBackend{}})

	p, err := env.svc.ImportPatient(context.Background(), "u-1", "MODMED", "mock-0001")
	require.NoError(t, err)
	require.Equal(t, "emr_modmed_mock-0001", p.ID)
	require.Equal(t, "u-1", p.UserID)
	require.Equal(t, &patient.Source{System: testSystem, SourceID: "mock-0001", MRN: "MRN0001000"}, p.Source)
}

func TestService_ImportMapsSparseRecord(t *testing.T) {
	env := newTestEnv(t, map[string]BackendAuth{testSystem: &fakeBackend{}})
	env.client.patientData = &emr.PatientData{
		MedicalHistory: emr.MedicalHistory{
			Conditions:  []string{"Migraine with aura", "Hypertension"},
			Medications: []emr.Medication{{Name: "Sumatriptan 50mg", IsActive: true}},
		},
	}

	p, err := env.svc.ImportPatient(context.Background(), "u-1", testSystem, "pat-1")
	require.NoError(t, err)
	require.Equal(t, patient.PatientID(testSystem, "pat-1"), p.ID)
	require.Equal(t, []string{"Migraine with aura"}, p.MedicalHistory.HeadacheHistory.Diagnoses)
	require.Len(t, p.CurrentTreatments, 1)
	require.Empty(t, env.client.patientData.PatientID, "client record is not mutated")
}

func TestService_Disconnect(t *testing.T) {
	env := newTestEnv(t, nil)
	env.connect(t, "u-1")

	require.NoError(t, env.svc.Disconnect(context.Background(), "u-1", testSystem))
	st, err := env.svc.ConnectionStatus(context.Background(), "u-1", testSystem)
	require.NoError(t, err)
	require.False(t, st.Connected)
	require.Nil(t, st.ExpiresAt)
}

func TestService_TestConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.svc.TestConnection(context.Background(), testSystem)
	require.ErrorIs(t, err, emr.ErrConfigurationMissing)

	report := &emrauth.ConnectionReport{System: testSystem, Reachable: true, FHIRVersion: "4.0.1"}
	env = newTestEnv(t, map[string]BackendAuth{testSystem: &fakeBackend{report: report}})
	got, err := env.svc.TestConnection(context.Background(), testSystem)
	require.NoError(t, err)
	require.Equal(t, report, got)
}

func TestService_MockPreview(t *testing.T) {
	env := newTestEnv(t, nil)
	p, err := env.svc.MockPreview("u-1")
	require.NoError(t, err)
	require.Equal(t, "emr_mock-0001", p.ID)
	require.NotEmpty(t, p.MedicalHistory.HeadacheHistory.Diagnoses)
}
