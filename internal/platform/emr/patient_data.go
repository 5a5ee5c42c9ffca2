package emr

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PatientData is the provider-side view of a patient, aggregated from the
// Patient resource and its related clinical resources.
type PatientData struct {
	PatientID      string         `json:"patientId"`
	MRN            string         `json:"mrn"`
	Demographics   Demographics   `json:"demographics"`
	MedicalHistory MedicalHistory `json:"medicalHistory"`
	Appointments   []Appointment  `json:"appointments"`
}

type Demographics struct {
	FirstName        string            `json:"firstName"`
	LastName         string            `json:"lastName"`
	DateOfBirth      string            `json:"dateOfBirth,omitempty"`
	Gender           string            `json:"gender,omitempty"`
	Email            string            `json:"email,omitempty"`
	Phone            string            `json:"phone,omitempty"`
	Address          *Address          `json:"address,omitempty"`
	EmergencyContact *EmergencyContact `json:"emergencyContact,omitempty"`
}

type Address struct {
	Street  string `json:"street,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	ZipCode string `json:"zipCode,omitempty"`
	Country string `json:"country,omitempty"`
}

type EmergencyContact struct {
	Name         string `json:"name"`
	Relationship string `json:"relationship"`
	Phone        string `json:"phone"`
}

type MedicalHistory struct {
	Allergies   []Allergy    `json:"allergies"`
	Medications []Medication `json:"medications"`
	Conditions  []string     `json:"conditions"`
}

// Allergy is either a bare substance name or a structured entry. Providers
// send both forms, so UnmarshalJSON accepts either.
type Allergy struct {
	Allergen string `json:"allergen"`
	Reaction string `json:"reaction,omitempty"`
	Severity string `json:"severity,omitempty"`
}

func (a *Allergy) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Allergy{Allergen: s}
		return nil
	}
	type plain Allergy
	var p struct {
		plain
		Substance string `json:"substance"`
		Name      string `json:"name"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("allergy: %w", err)
	}
	*a = Allergy(p.plain)
	if a.Allergen == "" {
		a.Allergen = p.Substance
	}
	if a.Allergen == "" {
		a.Allergen = p.Name
	}
	return nil
}

type Medication struct {
	Name       string `json:"name"`
	Dosage     string `json:"dosage,omitempty"`
	Frequency  string `json:"frequency,omitempty"`
	StartDate  string `json:"startDate,omitempty"`
	EndDate    string `json:"endDate,omitempty"`
	Prescriber string `json:"prescriber,omitempty"`
	IsActive   bool   `json:"isActive"`
}

type Appointment struct {
	ID       string `json:"id"`
	Date     string `json:"date"`
	Time     string `json:"time,omitempty"`
	Type     string `json:"type,omitempty"`
	Provider string `json:"provider,omitempty"`
	Status   string `json:"status,omitempty"`
	Notes    string `json:"notes,omitempty"`
}
