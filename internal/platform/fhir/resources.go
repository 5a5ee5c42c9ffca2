package fhir

import (
	"fmt"
	"strings"

	"github.com/headachemd/emr/pkg/fhirmodels"
)

// ValidationError reports a provider resource that is missing a field this
// service depends on.
type ValidationError struct {
	ResourceType string
	Field        string
	Reason       string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s %s", e.ResourceType, e.Field, e.Reason)
}

func checkHeader(r Resource, want string) error {
	if r.ResourceType != want {
		return &ValidationError{ResourceType: want, Field: "resourceType", Reason: fmt.Sprintf("is %q", r.ResourceType)}
	}
	if strings.TrimSpace(r.ID) == "" {
		return &ValidationError{ResourceType: want, Field: "id", Reason: "is missing"}
	}
	return nil
}

// Patient is the subset of the FHIR R4 Patient resource read from providers.
type Patient struct {
	Resource
	Identifier []Identifier     `json:"identifier,omitempty"`
	Active     *bool            `json:"active,omitempty"`
	Name       []HumanName      `json:"name,omitempty"`
	Telecom    []ContactPoint   `json:"telecom,omitempty"`
	Gender     string           `json:"gender,omitempty"`
	BirthDate  string           `json:"birthDate,omitempty"`
	Address    []Address        `json:"address,omitempty"`
	Contact    []PatientContact `json:"contact,omitempty"`
}

type PatientContact struct {
	Relationship []CodeableConcept `json:"relationship,omitempty"`
	Name         *HumanName        `json:"name,omitempty"`
	Telecom      []ContactPoint    `json:"telecom,omitempty"`
}

func (p *Patient) Validate() error {
	return checkHeader(p.Resource, fhirmodels.ResourcePatient)
}

// OfficialName returns the name with use "official", else "usual", else the first.
func (p *Patient) OfficialName() *HumanName {
	if len(p.Name) == 0 {
		return nil
	}
	for _, use := range []string{"official", "usual"} {
		for i := range p.Name {
			if p.Name[i].Use == use {
				return &p.Name[i]
			}
		}
	}
	return &p.Name[0]
}

// MRN returns the value of the medical-record-number identifier, falling back
// to the first identifier with a value.
func (p *Patient) MRN() string {
	for _, id := range p.Identifier {
		if id.Type.HasCode("", fhirmodels.IdentifierTypeMR) && id.Value != "" {
			return id.Value
		}
	}
	for _, id := range p.Identifier {
		if id.Value != "" {
			return id.Value
		}
	}
	return ""
}

// ContactValue returns the first telecom value of the given system, preferring
// home then mobile use.
func (p *Patient) ContactValue(system string) string {
	return pickTelecom(p.Telecom, system)
}

func pickTelecom(tc []ContactPoint, system string) string {
	var first string
	for _, c := range tc {
		if c.System != system || c.Value == "" {
			continue
		}
		if c.Use == "home" || c.Use == "mobile" {
			return c.Value
		}
		if first == "" {
			first = c.Value
		}
	}
	return first
}

// TelecomValue is pickTelecom for a contact entry.
func (c *PatientContact) TelecomValue(system string) string {
	return pickTelecom(c.Telecom, system)
}

// Condition is the subset of the FHIR R4 Condition resource.
type Condition struct {
	Resource
	ClinicalStatus     *CodeableConcept  `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept  `json:"verificationStatus,omitempty"`
	Category           []CodeableConcept `json:"category,omitempty"`
	Code               *CodeableConcept  `json:"code,omitempty"`
	Subject            *Reference        `json:"subject,omitempty"`
	OnsetDateTime      string            `json:"onsetDateTime,omitempty"`
	RecordedDate       string            `json:"recordedDate,omitempty"`
}

func (c *Condition) Validate() error {
	return checkHeader(c.Resource, fhirmodels.ResourceCondition)
}

// EnteredInError reports conditions the provider has retracted.
func (c *Condition) EnteredInError() bool {
	return c.VerificationStatus.HasCode("", fhirmodels.ConditionEnteredInError) ||
		c.VerificationStatus.HasCode("", fhirmodels.ConditionRefuted)
}

// MedicationRequest is the subset of the FHIR R4 MedicationRequest resource.
type MedicationRequest struct {
	Resource
	Status                    string           `json:"status,omitempty"`
	Intent                    string           `json:"intent,omitempty"`
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	MedicationReference       *Reference       `json:"medicationReference,omitempty"`
	Subject                   *Reference       `json:"subject,omitempty"`
	AuthoredOn                string           `json:"authoredOn,omitempty"`
	Requester                 *Reference       `json:"requester,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest           *DispenseRequest `json:"dispenseRequest,omitempty"`
}

type Dosage struct {
	Text   string  `json:"text,omitempty"`
	Timing *Timing `json:"timing,omitempty"`
}

type Timing struct {
	Code *CodeableConcept `json:"code,omitempty"`
}

type DispenseRequest struct {
	ValidityPeriod *Period `json:"validityPeriod,omitempty"`
}

func (m *MedicationRequest) Validate() error {
	if err := checkHeader(m.Resource, fhirmodels.ResourceMedicationRequest); err != nil {
		return err
	}
	if m.MedicationName() == "" {
		return &ValidationError{ResourceType: fhirmodels.ResourceMedicationRequest, Field: "medication[x]", Reason: "is missing"}
	}
	return nil
}

// MedicationName returns the medication label from either medication[x] form.
func (m *MedicationRequest) MedicationName() string {
	if n := m.MedicationCodeableConcept.Label(); n != "" {
		return n
	}
	if m.MedicationReference != nil {
		return m.MedicationReference.Display
	}
	return ""
}

// IsActive reports whether the prescription is current.
func (m *MedicationRequest) IsActive() bool {
	return m.Status == fhirmodels.MedRequestActive || m.Status == fhirmodels.MedRequestOnHold
}

// AllergyIntolerance is the subset of the FHIR R4 AllergyIntolerance resource.
type AllergyIntolerance struct {
	Resource
	ClinicalStatus *CodeableConcept  `json:"clinicalStatus,omitempty"`
	Criticality    string            `json:"criticality,omitempty"`
	Code           *CodeableConcept  `json:"code,omitempty"`
	Patient        *Reference        `json:"patient,omitempty"`
	Reaction       []AllergyReaction `json:"reaction,omitempty"`
}

type AllergyReaction struct {
	Substance     *CodeableConcept  `json:"substance,omitempty"`
	Manifestation []CodeableConcept `json:"manifestation,omitempty"`
	Description   string            `json:"description,omitempty"`
	Severity      string            `json:"severity,omitempty"`
}

func (a *AllergyIntolerance) Validate() error {
	return checkHeader(a.Resource, fhirmodels.ResourceAllergyIntolerance)
}

// Allergen returns the allergy code label, falling back to the first
// reaction's substance.
func (a *AllergyIntolerance) Allergen() string {
	if n := a.Code.Label(); n != "" {
		return n
	}
	for _, r := range a.Reaction {
		if n := r.Substance.Label(); n != "" {
			return n
		}
	}
	return ""
}

// Appointment is the subset of the FHIR R4 Appointment resource.
type Appointment struct {
	Resource
	Status          string                   `json:"status,omitempty"`
	ServiceType     []CodeableConcept        `json:"serviceType,omitempty"`
	AppointmentType *CodeableConcept         `json:"appointmentType,omitempty"`
	ReasonCode      []CodeableConcept        `json:"reasonCode,omitempty"`
	Description     string                   `json:"description,omitempty"`
	Start           string                   `json:"start,omitempty"`
	End             string                   `json:"end,omitempty"`
	Comment         string                   `json:"comment,omitempty"`
	Participant     []AppointmentParticipant `json:"participant,omitempty"`
}

type AppointmentParticipant struct {
	Type   []CodeableConcept `json:"type,omitempty"`
	Actor  *Reference        `json:"actor,omitempty"`
	Status string            `json:"status,omitempty"`
}

func (a *Appointment) Validate() error {
	if err := checkHeader(a.Resource, fhirmodels.ResourceAppointment); err != nil {
		return err
	}
	if a.Status == "" {
		return &ValidationError{ResourceType: fhirmodels.ResourceAppointment, Field: "status", Reason: "is missing"}
	}
	return nil
}

// Practitioner returns the display of the first practitioner participant.
func (a *Appointment) Practitioner() string {
	for _, p := range a.Participant {
		if p.Actor != nil && strings.HasPrefix(p.Actor.Reference, "Practitioner/") {
			return p.Actor.Display
		}
	}
	return ""
}

// CapabilityStatement is the subset of the server metadata resource.
type CapabilityStatement struct {
	ResourceType string `json:"resourceType"`
	Status       string `json:"status,omitempty"`
	FHIRVersion  string `json:"fhirVersion,omitempty"`
	Software     *struct {
		Name    string `json:"name,omitempty"`
		Version string `json:"version,omitempty"`
	} `json:"software,omitempty"`
	Format []string `json:"format,omitempty"`
}

func (c *CapabilityStatement) Validate() error {
	if c.ResourceType != fhirmodels.ResourceCapabilityStatement {
		return &ValidationError{ResourceType: fhirmodels.ResourceCapabilityStatement, Field: "resourceType", Reason: fmt.Sprintf("is %q", c.ResourceType)}
	}
	return nil
}
