package emr

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// SystemConfig is the static configuration of one EMR provider. Values are
// immutable once loaded; Registry hands out copies.
type SystemConfig struct {
	ID            string   `mapstructure:"-"`
	Name          string   `mapstructure:"name"`
	ClientID      string   `mapstructure:"client_id"`
	ClientSecret  string   `mapstructure:"client_secret"`
	PrivateKeyPEM string   `mapstructure:"private_key"`
	KeyID         string   `mapstructure:"key_id"`
	SigningAlg    string   `mapstructure:"signing_alg"`
	AuthURL       string   `mapstructure:"auth_url"`
	TokenURL      string   `mapstructure:"token_url"`
	FHIRBaseURL   string   `mapstructure:"fhir_base_url"`
	RedirectURI   string   `mapstructure:"redirect_uri"`
	Scopes        []string `mapstructure:"scopes"`
	BackendScopes []string `mapstructure:"backend_scopes"`
	PracticeCode  string   `mapstructure:"practice_code"`
	IncludeLaunch bool     `mapstructure:"include_launch"`
}

// DefaultInteractiveScopes are requested when a provider config lists none.
var DefaultInteractiveScopes = []string{
	"launch/patient", "openid", "fhirUser", "profile", "offline_access",
	"patient/Patient.read", "patient/Condition.read", "patient/MedicationRequest.read",
	"patient/AllergyIntolerance.read", "patient/Appointment.read",
}

// DefaultBackendScopes are requested by the backend-services path when a
// provider config lists none.
var DefaultBackendScopes = []string{
	"system/Patient.read", "system/Condition.read", "system/MedicationRequest.read",
	"system/AllergyIntolerance.read", "system/Appointment.read",
}

// Validate checks the fields shared by both authentication paths.
func (c *SystemConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("provider %q: client_id is required", c.ID)
	}
	for name, raw := range map[string]string{"token_url": c.TokenURL, "fhir_base_url": c.FHIRBaseURL} {
		if raw == "" {
			return fmt.Errorf("provider %q: %s is required", c.ID, name)
		}
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("provider %q: %s is not a valid URL: %w", c.ID, name, err)
		}
	}
	if c.AuthURL != "" {
		if _, err := url.ParseRequestURI(c.AuthURL); err != nil {
			return fmt.Errorf("provider %q: auth_url is not a valid URL: %w", c.ID, err)
		}
	}
	return nil
}

// FHIRURL joins a relative resource path onto the provider's FHIR base URL.
func (c *SystemConfig) FHIRURL(path string) string {
	return strings.TrimRight(c.FHIRBaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// InteractiveScope is the space-delimited scope for the authorize request.
func (c *SystemConfig) InteractiveScope() string {
	if len(c.Scopes) == 0 {
		return strings.Join(DefaultInteractiveScopes, " ")
	}
	return strings.Join(c.Scopes, " ")
}

// BackendScopeList returns the scopes used for client-credentials requests.
func (c *SystemConfig) BackendScopeList() []string {
	if len(c.BackendScopes) == 0 {
		return append([]string(nil), DefaultBackendScopes...)
	}
	return append([]string(nil), c.BackendScopes...)
}

func (c SystemConfig) clone() SystemConfig {
	c.Scopes = append([]string(nil), c.Scopes...)
	c.BackendScopes = append([]string(nil), c.BackendScopes...)
	return c
}

// Registry holds the provider configurations loaded at startup. It is
// read-only after construction and safe for concurrent use.
type Registry struct {
	systems map[string]SystemConfig
}

// NewRegistry validates and indexes the given provider configurations.
func NewRegistry(configs ...SystemConfig) (*Registry, error) {
	r := &Registry{systems: make(map[string]SystemConfig, len(configs))}
	for _, c := range configs {
		c.ID = strings.ToLower(strings.TrimSpace(c.ID))
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.systems[c.ID]; dup {
			return nil, fmt.Errorf("provider %q configured twice", c.ID)
		}
		r.systems[c.ID] = c.clone()
	}
	return r, nil
}

// Get returns a copy of the configuration for system, or a
// ConfigurationMissing error when the provider is not registered.
func (r *Registry) Get(system string) (SystemConfig, error) {
	c, ok := r.systems[strings.ToLower(strings.TrimSpace(system))]
	if !ok {
		return SystemConfig{}, NewError(KindConfigurationMissing, "registry lookup", system,
			fmt.Errorf("provider %q is not registered", system))
	}
	return c.clone(), nil
}

// Systems lists the registered provider ids in sorted order.
func (r *Registry) Systems() []string {
	ids := make([]string, 0, len(r.systems))
	for id := range r.systems {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
