package emrclient

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/headachemd/emr/internal/platform/emr"
)

func patientDataRoutes() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"Patient/pat-1": respond(patientJSON),
		"Condition": respond(bundle(
			`{"resourceType":"Condition","id":"c1","code":{"text":"Chronic migraine without aura"}}`,
			`{"resourceType":"Condition","id":"c2","code":{"coding":[{"display":"Hypertension"}]}}`,
			`{"resourceType":"Condition","id":"c3","code":{"text":"Typo"},"verificationStatus":{"coding":[{"code":"entered-in-error"}]}}`,
		)),
		"MedicationRequest": respond(bundle(
			`{"resourceType":"MedicationRequest","id":"m1","status":"active","authoredOn":"2024-01-10T08:00:00Z",
			  "medicationCodeableConcept":{"text":"Sumatriptan 50 MG Oral Tablet"},
			  "dosageInstruction":[{"text":"50mg at onset","timing":{"code":{"text":"PRN"}}}],
			  "requester":{"display":"Dr. Lee"}}`,
			`{"resourceType":"MedicationRequest","id":"m2","status":"stopped","medicationReference":{"display":"Topiramate"},
			  "dispenseRequest":{"validityPeriod":{"start":"2023-01-01","end":"2023-06-30"}}}`,
		)),
		"AllergyIntolerance": respond(bundle(
			`{"resourceType":"AllergyIntolerance","id":"a1","code":{"text":"Penicillin"},"reaction":[{"manifestation":[{"text":"Hives"}],"severity":"severe"}]}`,
		)),
		"Appointment": respond(bundle(
			`{"resourceType":"Appointment","id":"ap1","status":"booked","start":"2024-06-01T09:30:00-05:00",
			  "appointmentType":{"text":"Headache follow-up"},
			  "participant":[{"actor":{"reference":"Practitioner/2","display":"Dr. Lee"}}],"comment":"bring diary"}`,
		)),
	}
}

func TestPatientData_Aggregates(t *testing.T) {
	srv := fhirServer(t, patientDataRoutes())
	c := newTestClient(t, srv, Config{})

	d, err := c.PatientData(context.Background(), "modmed", &fakeToken{}, "pat-1")
	if err != nil {
		t.Fatalf("PatientData: %v", err)
	}
	if d.PatientID != "pat-1" || d.Demographics.LastName != "Doe" {
		t.Errorf("unexpected patient: %+v", d)
	}

	h := d.MedicalHistory
	if len(h.Conditions) != 2 || h.Conditions[0] != "Chronic migraine without aura" || h.Conditions[1] != "Hypertension" {
		t.Errorf("unexpected conditions: %v", h.Conditions)
	}

	if len(h.Medications) != 2 {
		t.Fatalf("expected 2 medications, got %d", len(h.Medications))
	}
	suma := h.Medications[0]
	if suma.Name != "Sumatriptan 50 MG Oral Tablet" || !suma.IsActive || suma.Dosage != "50mg at onset" ||
		suma.Frequency != "PRN" || suma.StartDate != "2024-01-10" || suma.Prescriber != "Dr. Lee" {
		t.Errorf("unexpected sumatriptan: %+v", suma)
	}
	topi := h.Medications[1]
	if topi.Name != "Topiramate" || topi.IsActive || topi.StartDate != "2023-01-01" || topi.EndDate != "2023-06-30" {
		t.Errorf("unexpected topiramate: %+v", topi)
	}

	if len(h.Allergies) != 1 || h.Allergies[0] != (emr.Allergy{Allergen: "Penicillin", Reaction: "Hives", Severity: "severe"}) {
		t.Errorf("unexpected allergies: %+v", h.Allergies)
	}

	if len(d.Appointments) != 1 {
		t.Fatalf("expected 1 appointment, got %d", len(d.Appointments))
	}
	ap := d.Appointments[0]
	if ap.Date != "2024-06-01" || ap.Time != "09:30" || ap.Type != "Headache follow-up" || ap.Provider != "Dr. Lee" || ap.Notes != "bring diary" {
		t.Errorf("unexpected appointment: %+v", ap)
	}
}

func TestPatientData_ToleratesRefusedResourceType(t *testing.T) {
	routes := patientDataRoutes()
	routes["AllergyIntolerance"] = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}
	srv := fhirServer(t, routes)
	c := newTestClient(t, srv, Config{})

	d, err := c.PatientData(context.Background(), "modmed", &fakeToken{}, "pat-1")
	if err != nil {
		t.Fatalf("PatientData: %v", err)
	}
	if d.MedicalHistory.Allergies == nil || len(d.MedicalHistory.Allergies) != 0 {
		t.Errorf("expected empty allergies, got %#v", d.MedicalHistory.Allergies)
	}
	if len(d.MedicalHistory.Conditions) != 2 {
		t.Errorf("expected other resources to be unaffected")
	}
}

func TestPatientData_ServerErrorFails(t *testing.T) {
	routes := patientDataRoutes()
	routes["Condition"] = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}
	srv := fhirServer(t, routes)
	c := newTestClient(t, srv, Config{})

	_, err := c.PatientData(context.Background(), "modmed", &fakeToken{}, "pat-1")
	if !errors.Is(err, emr.ErrHTTPError) || emr.StatusOf(err) != http.StatusInternalServerError {
		t.Fatalf("expected HTTPError 500, got %v", err)
	}
}

func TestPatientData_NotFound(t *testing.T) {
	srv := fhirServer(t, patientDataRoutes())
	c := newTestClient(t, srv, Config{})

	_, err := c.PatientData(context.Background(), "modmed", &fakeToken{}, "missing")
	if emr.StatusOf(err) != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestSplitDateTime(t *testing.T) {
	cases := map[string][2]string{
		"":                          {"", ""},
		"2024-06-01":                {"2024-06-01", ""},
		"2024-06-01T09:30:00Z":      {"2024-06-01", "09:30"},
		"2024-06-01T09:30:00+02:00": {"2024-06-01", "09:30"},
		"2024-06-01T14:05":          {"2024-06-01", "14:05"},
	}
	for in, want := range cases {
		d, tm := splitDateTime(in)
		if d != want[0] || tm != want[1] {
			t.Errorf("splitDateTime(%q) = %q, %q; want %q, %q", in, d, tm, want[0], want[1])
		}
	}
}
