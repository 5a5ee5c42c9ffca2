package patient

import (
	"fmt"
	"strings"

	"github.com/headachemd/emr/internal/platform/emr"
)

var (
	mockFirstNames = []string{"Jane", "Maria", "Alex", "Sam", "Priya", "Daniel", "Olivia", "Kenji"}
	mockLastNames  = []string{"Doe", "Garcia", "Morgan", "Patel", "Nguyen", "Okafor", "Schmidt", "Tanaka"}
	mockGenders    = []string{"female", "female", "male", "other", "female", "male", "female", "male"}
)

// MockPatient returns a synthetic provider record for demos and tests. It
// needs no live connection and always returns the same data.
func MockPatient() *emr.PatientData {
	return MockPatientN(0)
}

// MockPatientN returns the n-th synthetic record. Records share a shape and
// differ in identifiers, names and gender.
func MockPatientN(n int) *emr.PatientData {
	if n < 0 {
		n = -n
	}
	i := n % len(mockFirstNames)
	first, last := mockFirstNames[i], mockLastNames[(n/len(mockFirstNames)+i)%len(mockLastNames)]
	return &emr.PatientData{
		PatientID: fmt.Sprintf("mock-%04d", n+1),
		MRN:       fmt.Sprintf("MRN%07d", 1000+n),
		Demographics: emr.Demographics{
			FirstName:   first,
			LastName:    last,
			DateOfBirth: fmt.Sprintf("19%02d-%02d-%02d", 70+n%30, 1+n%12, 1+n%28),
			Gender:      mockGenders[i],
			Email:       fmt.Sprintf("%s.%s%d@example.com", strings.ToLower(first), strings.ToLower(last), n+1),
			Phone:       fmt.Sprintf("555-01%02d", n%100),
			Address: &emr.Address{
				Street:  fmt.Sprintf("%d Main Street", 100+n),
				City:    "Springfield",
				State:   "IL",
				ZipCode: "62701",
				Country: "US",
			},
			EmergencyContact: &emr.EmergencyContact{
				Name:         "Chris " + last,
				Relationship: "Spouse",
				Phone:        "555-0199",
			},
		},
		MedicalHistory: emr.MedicalHistory{
			Allergies: []emr.Allergy{
				{Allergen: "Penicillin", Reaction: "Hives", Severity: "moderate"},
				{Allergen: "Sulfa drugs"},
			},
			Medications: []emr.Medication{
				{Name: "Sumatriptan 50mg", Dosage: "50mg", Frequency: "as needed", StartDate: "2023-03-01", Prescriber: "Dr. Lee", IsActive: true},
				{Name: "Topiramate 25mg", Dosage: "25mg", Frequency: "twice daily", StartDate: "2022-01-15", EndDate: "2022-09-30", Prescriber: "Dr. Lee"},
				{Name: "Lisinopril 10mg", Dosage: "10mg", Frequency: "daily", StartDate: "2021-06-01", Prescriber: "Dr. Shah", IsActive: true},
			},
			Conditions: []string{"Chronic migraine without aura", "Hypertension"},
		},
		Appointments: []emr.Appointment{
			{ID: fmt.Sprintf("appt-%04d-1", n+1), Date: "2024-07-15", Time: "10:00", Type: "Headache follow-up", Provider: "Dr. Lee", Status: "booked"},
			{ID: fmt.Sprintf("appt-%04d-2", n+1), Date: "2024-05-02", Time: "14:30", Type: "Annual physical", Provider: "Dr. Shah", Status: "fulfilled"},
		},
	}
}
