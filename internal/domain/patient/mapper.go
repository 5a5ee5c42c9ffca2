package patient

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/headachemd/emr/internal/platform/emr"
)

// DefaultCountry is used when the provider record has no address country.
const DefaultCountry = "US"

// IDPrefix namespaces imported patient ids away from natively created ones.
const IDPrefix = "emr_"

// placeholderEmergencyContact fills the required emergency contact when the
// provider has none.
var placeholderEmergencyContact = EmergencyContact{Name: "Not provided", Relationship: "Unknown", Phone: ""}

// ConvertOptions carries the context a conversion needs beyond the record.
type ConvertOptions struct {
	UserID string
	System string
	// Now stamps CreatedAt/UpdatedAt; nil uses time.Now.
	Now func() time.Time
}

// Mapper converts provider patient records into internal patients. It
// performs no I/O, never mutates its input and is safe for concurrent use.
type Mapper struct {
	classifier *Classifier
}

// NewMapper creates a Mapper. A nil classifier uses the default tables.
func NewMapper(c *Classifier) *Mapper {
	if c == nil {
		c = DefaultClassifier()
	}
	return &Mapper{classifier: c}
}

// Classifier returns the keyword tables the mapper uses.
func (m *Mapper) Classifier() *Classifier { return m.classifier }

// PatientID builds the namespaced internal id for a provider patient.
func PatientID(system, sourceID string) string {
	if system == "" {
		return IDPrefix + sourceID
	}
	return IDPrefix + system + "_" + sourceID
}

// MapGender normalizes a provider gender string.
func MapGender(g string) Gender {
	switch strings.ToLower(strings.TrimSpace(g)) {
	case "male":
		return GenderMale
	case "female":
		return GenderFemale
	default:
		return GenderPreferNotToSay
	}
}

// NormalizeSeverity maps a provider severity onto the internal scale,
// defaulting to MODERATE.
func NormalizeSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mild", "low":
		return SeverityMild
	case "severe", "high":
		return SeveritySevere
	default:
		return SeverityModerate
	}
}

// ToInternal converts a provider record into an internal patient. The result
// is fully determined by data and opts except for CreatedAt and UpdatedAt.
// Missing demographics are left empty or defaulted; only a nil record fails.
func (m *Mapper) ToInternal(data *emr.PatientData, opts ConvertOptions) (*Patient, error) {
	if data == nil {
		return nil, fmt.Errorf("convert patient: no data")
	}
	sourceID := data.PatientID
	if sourceID == "" {
		sourceID = contentID(data)
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	ts := now().UTC()

	medications := make([]Medication, 0, len(data.MedicalHistory.Medications))
	previous := []Treatment{}
	current := []Treatment{}
	for _, med := range data.MedicalHistory.Medications {
		medications = append(medications, Medication{
			Name:       med.Name,
			Dosage:     med.Dosage,
			Frequency:  med.Frequency,
			StartDate:  med.StartDate,
			EndDate:    med.EndDate,
			Prescriber: med.Prescriber,
			IsActive:   med.IsActive,
		})
		dc, ok := m.classifier.DrugClassOf(med.Name)
		if !ok {
			continue
		}
		t := Treatment{
			Medication: med.Name,
			DrugClass:  dc.Name,
			Role:       dc.Role,
			Dosage:     med.Dosage,
			Frequency:  med.Frequency,
			StartDate:  med.StartDate,
			EndDate:    med.EndDate,
			IsActive:   med.IsActive,
		}
		previous = append(previous, t)
		if med.IsActive {
			current = append(current, t)
		}
	}

	past := make([]string, 0, len(data.MedicalHistory.Conditions))
	diagnoses := []string{}
	for _, cond := range data.MedicalHistory.Conditions {
		past = append(past, cond)
		if m.classifier.IsHeadacheCondition(cond) {
			diagnoses = append(diagnoses, cond)
		}
	}

	allergies := make([]Allergy, 0, len(data.MedicalHistory.Allergies))
	for _, a := range data.MedicalHistory.Allergies {
		if strings.TrimSpace(a.Allergen) == "" {
			continue
		}
		allergies = append(allergies, Allergy{
			Allergen: a.Allergen,
			Reaction: a.Reaction,
			Severity: NormalizeSeverity(a.Severity),
		})
	}

	return &Patient{
		ID:      PatientID(opts.System, sourceID),
		UserID:  opts.UserID,
		MRN:     data.MRN,
		Profile: profileFrom(&data.Demographics),
		MedicalHistory: MedicalHistory{
			Allergies:          allergies,
			Medications:        medications,
			PastMedicalHistory: past,
			HeadacheHistory: HeadacheHistory{
				Diagnoses:          diagnoses,
				Frequency:          frequencyOf(diagnoses),
				PreviousTreatments: previous,
				Triggers:           []string{},
			},
		},
		CurrentTreatments: current,
		Appointments:      m.ConvertAppointments(data),
		DailyUpdates:      []DailyUpdate{},
		IsActive:          true,
		AssignedDoctors:   []string{},
		Source:            &Source{System: opts.System, SourceID: data.PatientID, MRN: data.MRN},
		CreatedAt:         ts,
		UpdatedAt:         ts,
	}, nil
}

// contentID derives a stable id for a record that arrives without a source
// id, so the same record always maps to the same internal id.
func contentID(data *emr.PatientData) string {
	raw, _ := json.Marshal(data)
	return "anon-" + uuid.NewSHA1(uuid.NameSpaceOID, raw).String()
}

// ConvertAppointments maps the provider appointments, flagging those whose
// type names a headache-related visit.
func (m *Mapper) ConvertAppointments(data *emr.PatientData) []Appointment {
	out := make([]Appointment, 0, len(data.Appointments))
	for _, a := range data.Appointments {
		out = append(out, Appointment{
			ID:              a.ID,
			Date:            a.Date,
			Time:            a.Time,
			Type:            a.Type,
			Provider:        a.Provider,
			Status:          a.Status,
			Notes:           a.Notes,
			HeadacheRelated: m.classifier.IsHeadacheAppointment(a.Type),
		})
	}
	return out
}

// IsHeadacheMedication reports whether the medication belongs to a headache drug class.
func (m *Mapper) IsHeadacheMedication(name string) bool {
	return m.classifier.IsHeadacheMedication(name)
}

// IsHeadacheCondition reports whether the condition is headache-related.
func (m *Mapper) IsHeadacheCondition(name string) bool {
	return m.classifier.IsHeadacheCondition(name)
}

func profileFrom(d *emr.Demographics) Profile {
	p := Profile{
		FirstName:        d.FirstName,
		LastName:         d.LastName,
		DateOfBirth:      d.DateOfBirth,
		Gender:           MapGender(d.Gender),
		Email:            d.Email,
		Phone:            d.Phone,
		Address:          Address{Country: DefaultCountry},
		EmergencyContact: placeholderEmergencyContact,
	}
	if a := d.Address; a != nil {
		p.Address = Address{
			Street:  a.Street,
			City:    a.City,
			State:   a.State,
			ZipCode: a.ZipCode,
			Country: a.Country,
		}
		if p.Address.Country == "" {
			p.Address.Country = DefaultCountry
		}
	}
	if ec := d.EmergencyContact; ec != nil && strings.TrimSpace(ec.Name) != "" {
		p.EmergencyContact = EmergencyContact{Name: ec.Name, Relationship: ec.Relationship, Phone: ec.Phone}
		if p.EmergencyContact.Relationship == "" {
			p.EmergencyContact.Relationship = placeholderEmergencyContact.Relationship
		}
	}
	return p
}

// frequencyOf applies the diagnosis heuristic: any chronic headache diagnosis
// means CHRONIC, any other headache diagnosis EPISODIC, none UNKNOWN.
func frequencyOf(diagnoses []string) HeadacheFrequency {
	if len(diagnoses) == 0 {
		return FrequencyUnknown
	}
	for _, d := range diagnoses {
		if strings.Contains(strings.ToLower(d), "chronic") {
			return FrequencyChronic
		}
	}
	return FrequencyEpisodic
}
