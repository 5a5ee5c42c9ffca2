package patient

import "time"

// Gender values of the internal patient profile.
type Gender string

const (
	GenderMale           Gender = "MALE"
	GenderFemale         Gender = "FEMALE"
	GenderOther          Gender = "OTHER"
	GenderPreferNotToSay Gender = "PREFER_NOT_TO_SAY"
)

// Severity of an allergic reaction.
type Severity string

const (
	SeverityMild     Severity = "MILD"
	SeverityModerate Severity = "MODERATE"
	SeveritySevere   Severity = "SEVERE"
)

// HeadacheFrequency is a coarse classification derived from diagnoses.
type HeadacheFrequency string

const (
	FrequencyEpisodic HeadacheFrequency = "EPISODIC"
	FrequencyChronic  HeadacheFrequency = "CHRONIC"
	FrequencyUnknown  HeadacheFrequency = "UNKNOWN"
)

// TreatmentRole distinguishes abortive from prophylactic headache drugs.
type TreatmentRole string

const (
	RoleAcute      TreatmentRole = "ACUTE"
	RolePreventive TreatmentRole = "PREVENTIVE"
)

// Patient is the internal patient record. Imported patients are produced
// only by Mapper.
type Patient struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	MRN               string         `json:"mrn"`
	Profile           Profile        `json:"profile"`
	MedicalHistory    MedicalHistory `json:"medical_history"`
	CurrentTreatments []Treatment    `json:"current_treatments"`
	Appointments      []Appointment  `json:"appointments"`
	DailyUpdates      []DailyUpdate  `json:"daily_updates"`
	IsActive          bool           `json:"is_active"`
	AssignedDoctors   []string       `json:"assigned_doctors"`
	Source            *Source        `json:"source,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Source records where an imported patient came from.
type Source struct {
	System   string `json:"system,omitempty"`
	SourceID string `json:"source_id"`
	MRN      string `json:"mrn,omitempty"`
}

type Profile struct {
	FirstName        string           `json:"first_name"`
	LastName         string           `json:"last_name"`
	DateOfBirth      string           `json:"date_of_birth"`
	Gender           Gender           `json:"gender"`
	Email            string           `json:"email"`
	Phone            string           `json:"phone"`
	Address          Address          `json:"address"`
	EmergencyContact EmergencyContact `json:"emergency_contact"`
}

type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
	Country string `json:"country"`
}

type EmergencyContact struct {
	Name         string `json:"name"`
	Relationship string `json:"relationship"`
	Phone        string `json:"phone"`
}

type MedicalHistory struct {
	Allergies          []Allergy       `json:"allergies"`
	Medications        []Medication    `json:"medications"`
	PastMedicalHistory []string        `json:"past_medical_history"`
	HeadacheHistory    HeadacheHistory `json:"headache_history"`
}

type Allergy struct {
	Allergen string   `json:"allergen"`
	Reaction string   `json:"reaction"`
	Severity Severity `json:"severity"`
}

type Medication struct {
	Name       string `json:"name"`
	Dosage     string `json:"dosage,omitempty"`
	Frequency  string `json:"frequency,omitempty"`
	StartDate  string `json:"start_date,omitempty"`
	EndDate    string `json:"end_date,omitempty"`
	Prescriber string `json:"prescriber,omitempty"`
	IsActive   bool   `json:"is_active"`
}

// HeadacheHistory holds what can be inferred about the headache disorder.
// Unmeasured fields keep their zero value rather than guessed values.
type HeadacheHistory struct {
	Diagnoses          []string          `json:"diagnoses"`
	Frequency          HeadacheFrequency `json:"frequency"`
	PreviousTreatments []Treatment       `json:"previous_treatments"`
	Triggers           []string          `json:"triggers"`
	OnsetDate          string            `json:"onset_date,omitempty"`
}

// Treatment is a headache medication with its drug class.
type Treatment struct {
	Medication string        `json:"medication"`
	DrugClass  string        `json:"drug_class"`
	Role       TreatmentRole `json:"role,omitempty"`
	Dosage     string        `json:"dosage,omitempty"`
	Frequency  string        `json:"frequency,omitempty"`
	StartDate  string        `json:"start_date,omitempty"`
	EndDate    string        `json:"end_date,omitempty"`
	IsActive   bool          `json:"is_active"`
}

type Appointment struct {
	ID              string `json:"id"`
	Date            string `json:"date"`
	Time            string `json:"time,omitempty"`
	Type            string `json:"type,omitempty"`
	Provider        string `json:"provider,omitempty"`
	Status          string `json:"status,omitempty"`
	Notes           string `json:"notes,omitempty"`
	HeadacheRelated bool   `json:"headache_related"`
}

// DailyUpdate is a patient-reported diary entry. Imports start with none.
type DailyUpdate struct {
	Date      string `json:"date"`
	PainLevel int    `json:"pain_level"`
	Notes     string `json:"notes,omitempty"`
}
