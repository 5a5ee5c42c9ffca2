package integration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/headachemd/emr/internal/domain/patient"
	"github.com/headachemd/emr/internal/platform/emr"
	"github.com/headachemd/emr/internal/platform/emrauth"
	"github.com/headachemd/emr/internal/platform/emrclient"
)

// FHIRClient is the subset of emrclient.Client the service depends on.
type FHIRClient interface {
	SearchPatients(ctx context.Context, system string, ts emr.TokenSource, crit emrclient.Criteria) ([]emr.PatientData, error)
	PatientData(ctx context.Context, system string, ts emr.TokenSource, patientID string) (*emr.PatientData, error)
}

// BackendAuth is a system-level token source able to check its provider.
type BackendAuth interface {
	emr.TokenSource
	TestConnection(ctx context.Context) (*emrauth.ConnectionReport, error)
}

// ConnectionStatus describes what a user can currently do against a provider.
type ConnectionStatus struct {
	System            string     `json:"system"`
	Connected         bool       `json:"connected"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	CanRefresh        bool       `json:"can_refresh"`
	PatientID         string     `json:"patient_id,omitempty"`
	BackendConfigured bool       `json:"backend_configured"`
}

// Service ties the authorization flow, stored sessions, backend
// authenticators, the FHIR client and the patient mapper together.
type Service struct {
	registry *emr.Registry
	flow     *emrauth.FlowManager
	sessions emrauth.SessionStore
	backends map[string]BackendAuth
	client   FHIRClient
	mapper   *patient.Mapper
	now      func() time.Time
	logger   zerolog.Logger

	refreshes singleflight.Group
}

func NewService(
	registry *emr.Registry,
	flow *emrauth.FlowManager,
	sessions emrauth.SessionStore,
	backends map[string]BackendAuth,
	client FHIRClient,
	mapper *patient.Mapper,
	logger zerolog.Logger,
) *Service {
	if backends == nil {
		backends = map[string]BackendAuth{}
	}
	if mapper == nil {
		mapper = patient.NewMapper(nil)
	}
	return &Service{
		registry: registry,
		flow:     flow,
		sessions: sessions,
		backends: backends,
		client:   client,
		mapper:   mapper,
		now:      time.Now,
		logger:   logger.With().Str("component", "emr_integration").Logger(),
	}
}

// Systems lists the configured provider ids.
func (s *Service) Systems() []string { return s.registry.Systems() }

// AuthorizeURL starts an interactive authorization for userID. launch is
// forwarded only to providers configured to accept it.
func (s *Service) AuthorizeURL(userID, system, launch string) (string, error) {
	if userID == "" {
		return "", emr.NewError(emr.KindAuthenticationRequired, "authorize", system, fmt.Errorf("user id is required"))
	}
	if launch != "" {
		return s.flow.AuthorizeURLWithLaunch(userID, system, launch)
	}
	return s.flow.AuthorizeURL(userID, system)
}

// CompleteAuthorization handles the provider callback and stores the
// resulting session for the user named in the state.
func (s *Service) CompleteAuthorization(ctx context.Context, p emrauth.CallbackParams) (*emrauth.CallbackResult, error) {
	res, err := s.flow.HandleCallback(ctx, p)
	if err != nil {
		return nil, err
	}
	sess := &emrauth.Session{
		UserID:    res.UserID,
		System:    res.System,
		Token:     res.Token,
		PatientID: res.PatientID,
		CreatedAt: s.now(),
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save emr session: %w", err)
	}
	return res, nil
}

// ConnectionStatus reports the user's session state for system.
func (s *Service) ConnectionStatus(ctx context.Context, userID, system string) (*ConnectionStatus, error) {
	cfg, err := s.registry.Get(system)
	if err != nil {
		return nil, err
	}
	_, hasBackend := s.backends[cfg.ID]
	st := &ConnectionStatus{System: cfg.ID, BackendConfigured: hasBackend}

	sess, err := s.sessions.Get(ctx, userID, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("load emr session: %w", err)
	}
	if sess == nil || sess.Token == nil {
		return st, nil
	}
	exp := sess.Token.ExpiresAt
	st.ExpiresAt = &exp
	st.CanRefresh = sess.Token.RefreshToken != ""
	st.Connected = sess.Token.ValidAt(s.now()) || st.CanRefresh
	st.PatientID = sess.PatientID
	return st, nil
}

// Disconnect forgets the user's session for system.
func (s *Service) Disconnect(ctx context.Context, userID, system string) error {
	cfg, err := s.registry.Get(system)
	if err != nil {
		return err
	}
	if err := s.sessions.Delete(ctx, userID, cfg.ID); err != nil {
		return fmt.Errorf("delete emr session: %w", err)
	}
	s.logger.Info().Str("system", cfg.ID).Str("user_id", userID).Msg("emr session removed")
	return nil
}

// SearchPatients searches the provider on behalf of userID. Only an
// interactive session can authorize a search.
func (s *Service) SearchPatients(ctx context.Context, userID, system string, crit emrclient.Criteria) ([]emr.PatientData, error) {
	cfg, err := s.registry.Get(system)
	if err != nil {
		return nil, err
	}
	ts, err := s.sessionSource(ctx, userID, cfg.ID)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		return nil, emr.NewError(emr.KindAuthenticationRequired, "search patients", cfg.ID,
			fmt.Errorf("no active session for user"))
	}
	return s.client.SearchPatients(ctx, cfg.ID, ts, crit)
}

// GetPatientData fetches one patient with its related resources, using the
// user's session when there is one and the backend credentials otherwise.
func (s *Service) GetPatientData(ctx context.Context, userID, system, patientID string) (*emr.PatientData, error) {
	cfg, err := s.registry.Get(system)
	if err != nil {
		return nil, err
	}
	ts, err := s.tokenSource(ctx, userID, cfg.ID)
	if err != nil {
		return nil, err
	}
	return s.client.PatientData(ctx, cfg.ID, ts, patientID)
}

// ImportPatient fetches a patient and maps it into the internal model.
func (s *Service) ImportPatient(ctx context.Context, userID, system, patientID string) (*patient.Patient, error) {
	cfg, err := s.registry.Get(system)
	if err != nil {
		return nil, err
	}
	data, err := s.GetPatientData(ctx, userID, cfg.ID, patientID)
	if err != nil {
		return nil, err
	}
	if data.PatientID == "" {
		filled := *data
		filled.PatientID = patientID
		data = &filled
	}
	p, err := s.mapper.ToInternal(data, patient.ConvertOptions{UserID: userID, System: cfg.ID})
	if err != nil {
		return nil, emr.NewError(emr.KindMalformedResponse, "import patient", cfg.ID, err)
	}
	s.logger.Info().
		Str("system", cfg.ID).
		Str("user_id", userID).
		Str("patient_id", p.ID).
		Int("headache_diagnoses", len(p.MedicalHistory.HeadacheHistory.Diagnoses)).
		Int("headache_treatments", len(p.MedicalHistory.HeadacheHistory.PreviousTreatments)).
		Msg("patient imported")
	return p, nil
}

// MockPreview maps the synthetic mock patient for userID without any provider I/O.
func (s *Service) MockPreview(userID string) (*patient.Patient, error) {
	return s.mapper.ToInternal(patient.MockPatient(), patient.ConvertOptions{UserID: userID})
}

// TestConnection checks system with its backend credentials.
func (s *Service) TestConnection(ctx context.Context, system string) (*emrauth.ConnectionReport, error) {
	cfg, err := s.registry.Get(system)
	if err != nil {
		return nil, err
	}
	b, ok := s.backends[cfg.ID]
	if !ok {
		return nil, emr.NewError(emr.KindConfigurationMissing, "test connection", cfg.ID,
			fmt.Errorf("no backend-services credentials configured"))
	}
	return b.TestConnection(ctx)
}

func (s *Service) tokenSource(ctx context.Context, userID, system string) (emr.TokenSource, error) {
	ts, err := s.sessionSource(ctx, userID, system)
	if err != nil || ts != nil {
		return ts, err
	}
	if b, ok := s.backends[system]; ok {
		return b, nil
	}
	return nil, emr.NewError(emr.KindAuthenticationRequired, "token source", system,
		fmt.Errorf("no active session and no backend-services credentials"))
}

// sessionSource returns a token source over the user's stored session, or
// nil when the user has none.
func (s *Service) sessionSource(ctx context.Context, userID, system string) (emr.TokenSource, error) {
	if userID == "" {
		return nil, nil
	}
	sess, err := s.sessions.Get(ctx, userID, system)
	if err != nil {
		return nil, fmt.Errorf("load emr session: %w", err)
	}
	if sess == nil || sess.Token == nil {
		return nil, nil
	}
	return &sessionToken{svc: s, sess: sess}, nil
}

// sessionToken serves a stored session's access token, refreshing and
// re-saving it once it is no longer valid. It is shared by the concurrent
// searches of one request.
type sessionToken struct {
	svc *Service

	mu   sync.Mutex
	sess *emrauth.Session
}

func (t *sessionToken) Token(ctx context.Context) (*emr.AccessToken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.svc
	if t.sess.Token.ValidAt(s.now()) {
		return t.sess.Token, nil
	}
	userID, system := t.sess.UserID, t.sess.System
	v, err, _ := s.refreshes.Do(sessionKey(userID, system), func() (interface{}, error) {
		return s.refreshSession(context.WithoutCancel(ctx), userID, system)
	})
	if err != nil {
		return nil, err
	}
	t.sess = v.(*emrauth.Session)
	return t.sess.Token, nil
}

func sessionKey(userID, system string) string {
	return system + "\x00" + userID
}

// refreshSession renews the stored session for (userID, system). Refreshes
// for one key are collapsed by the caller, and the stored copy is re-read
// first so a session another request already renewed is reused instead of
// spending its rotated refresh token a second time.
func (s *Service) refreshSession(ctx context.Context, userID, system string) (*emrauth.Session, error) {
	sess, err := s.sessions.Get(ctx, userID, system)
	if err != nil {
		return nil, fmt.Errorf("load emr session: %w", err)
	}
	if sess == nil || sess.Token == nil {
		return nil, emr.NewError(emr.KindAuthenticationRequired, "session token", system,
			fmt.Errorf("session no longer exists"))
	}
	if sess.Token.ValidAt(s.now()) {
		return sess, nil
	}
	if sess.Token.RefreshToken == "" {
		return nil, emr.NewError(emr.KindAuthenticationRequired, "session token", system,
			fmt.Errorf("session expired"))
	}

	tok, err := s.flow.Refresh(ctx, system, sess.Token.RefreshToken)
	if err != nil {
		if emr.KindOf(err) == emr.KindTokenExchangeFailed {
			if derr := s.sessions.Delete(ctx, userID, system); derr != nil {
				s.logger.Error().Err(derr).Str("system", system).Msg("failed to drop rejected emr session")
			}
			return nil, emr.NewError(emr.KindAuthenticationRequired, "session token", system, err)
		}
		return nil, err
	}
	if tok.PatientID == "" {
		tok.PatientID = sess.Token.PatientID
	}
	next := *sess
	next.Token = tok
	if err := s.sessions.Save(ctx, &next); err != nil {
		return nil, fmt.Errorf("save refreshed emr session: %w", err)
	}
	s.logger.Debug().Str("system", system).Str("user_id", userID).Msg("emr session refreshed")
	return &next, nil
}
