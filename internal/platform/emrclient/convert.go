package emrclient

import (
	"strings"
	"time"

	"github.com/headachemd/emr/internal/platform/emr"
	"github.com/headachemd/emr/internal/platform/fhir"
	"github.com/headachemd/emr/pkg/fhirmodels"
)

func patientFromFHIR(p *fhir.Patient) emr.PatientData {
	d := emr.PatientData{
		PatientID: p.ID,
		MRN:       p.MRN(),
		Demographics: emr.Demographics{
			DateOfBirth: p.BirthDate,
			Gender:      p.Gender,
			Email:       p.ContactValue(fhirmodels.ContactEmail),
			Phone:       p.ContactValue(fhirmodels.ContactPhone),
		},
		MedicalHistory: emr.MedicalHistory{
			Allergies:   []emr.Allergy{},
			Medications: []emr.Medication{},
			Conditions:  []string{},
		},
		Appointments: []emr.Appointment{},
	}
	if n := p.OfficialName(); n != nil {
		d.Demographics.FirstName = strings.Join(n.Given, " ")
		d.Demographics.LastName = n.Family
		if d.Demographics.FirstName == "" && d.Demographics.LastName == "" && n.Text != "" {
			first, last, _ := strings.Cut(n.Text, " ")
			d.Demographics.FirstName, d.Demographics.LastName = first, last
		}
	}
	if a := pickAddress(p.Address); a != nil {
		d.Demographics.Address = &emr.Address{
			Street:  strings.Join(a.Line, ", "),
			City:    a.City,
			State:   a.State,
			ZipCode: a.PostalCode,
			Country: a.Country,
		}
	}
	for _, ct := range p.Contact {
		if ct.Name == nil {
			continue
		}
		name := strings.TrimSpace(strings.Join(append(append([]string{}, ct.Name.Given...), ct.Name.Family), " "))
		if name == "" {
			name = ct.Name.Text
		}
		if name == "" {
			continue
		}
		var rel string
		if len(ct.Relationship) > 0 {
			rel = ct.Relationship[0].Label()
		}
		d.Demographics.EmergencyContact = &emr.EmergencyContact{
			Name:         name,
			Relationship: rel,
			Phone:        ct.TelecomValue(fhirmodels.ContactPhone),
		}
		break
	}
	return d
}

// pickAddress prefers the home address.
func pickAddress(addrs []fhir.Address) *fhir.Address {
	for i := range addrs {
		if addrs[i].Use == "home" {
			return &addrs[i]
		}
	}
	if len(addrs) > 0 {
		return &addrs[0]
	}
	return nil
}

// conditionFromFHIR returns the condition label, or "" for retracted entries.
func conditionFromFHIR(c *fhir.Condition) string {
	if c.EnteredInError() {
		return ""
	}
	return c.Code.Label()
}

func medicationFromFHIR(m *fhir.MedicationRequest) emr.Medication {
	med := emr.Medication{
		Name:     m.MedicationName(),
		IsActive: m.IsActive(),
	}
	if len(m.DosageInstruction) > 0 {
		di := m.DosageInstruction[0]
		med.Dosage = di.Text
		if di.Timing != nil {
			med.Frequency = di.Timing.Code.Label()
		}
	}
	if m.DispenseRequest != nil && m.DispenseRequest.ValidityPeriod != nil {
		med.StartDate = datePart(m.DispenseRequest.ValidityPeriod.Start)
		med.EndDate = datePart(m.DispenseRequest.ValidityPeriod.End)
	}
	if med.StartDate == "" {
		med.StartDate = datePart(m.AuthoredOn)
	}
	if m.Requester != nil {
		med.Prescriber = m.Requester.Display
	}
	return med
}

func allergyFromFHIR(a *fhir.AllergyIntolerance) emr.Allergy {
	out := emr.Allergy{Allergen: a.Allergen()}
	if len(a.Reaction) > 0 {
		r := a.Reaction[0]
		if len(r.Manifestation) > 0 {
			out.Reaction = r.Manifestation[0].Label()
		}
		if out.Reaction == "" {
			out.Reaction = r.Description
		}
		out.Severity = r.Severity
	}
	if out.Severity == "" && a.Criticality == fhirmodels.AllergyCriticalityHigh {
		out.Severity = fhirmodels.ReactionSeveritySevere
	}
	return out
}

func appointmentFromFHIR(a *fhir.Appointment) emr.Appointment {
	out := emr.Appointment{
		ID:       a.ID,
		Status:   a.Status,
		Provider: a.Practitioner(),
		Notes:    a.Comment,
	}
	out.Date, out.Time = splitDateTime(a.Start)
	out.Type = a.AppointmentType.Label()
	if out.Type == "" && len(a.ServiceType) > 0 {
		out.Type = a.ServiceType[0].Label()
	}
	if out.Type == "" {
		out.Type = a.Description
	}
	if out.Notes == "" && len(a.ReasonCode) > 0 {
		out.Notes = a.ReasonCode[0].Label()
	}
	return out
}

// splitDateTime turns a FHIR instant into a date and a local HH:MM time as
// written by the provider.
func splitDateTime(v string) (string, string) {
	if v == "" {
		return "", ""
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.Format("2006-01-02"), t.Format("15:04")
	}
	date, rest, ok := strings.Cut(v, "T")
	if !ok || len(rest) < 5 {
		return date, ""
	}
	return date, rest[:5]
}

func datePart(v string) string {
	d, _ := splitDateTime(v)
	return d
}
