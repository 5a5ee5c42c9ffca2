package emrclient

import (
	"context"
	"encoding/json"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/headachemd/emr/internal/platform/emr"
	"github.com/headachemd/emr/internal/platform/fhir"
	"github.com/headachemd/emr/pkg/fhirmodels"
)

// PatientData reads the Patient resource and its conditions, medication
// requests, allergies and appointments, and aggregates them. The related
// searches run concurrently. A provider refusing one related resource type
// (403, 404 or 501) yields an empty list for it rather than failing the read.
func (c *Client) PatientData(ctx context.Context, system string, ts emr.TokenSource, patientID string) (*emr.PatientData, error) {
	const op = "read patient"
	cfg, err := c.registry.Get(system)
	if err != nil {
		return nil, err
	}

	body, err := c.get(ctx, cfg, ts, cfg.FHIRURL(fhirmodels.ResourcePatient+"/"+url.PathEscape(patientID)), nil, op)
	if err != nil {
		return nil, err
	}
	var p fhir.Patient
	if err := decodeResource(body, &p); err != nil {
		return nil, emr.NewError(emr.KindMalformedResponse, op, cfg.ID, err)
	}
	data := patientFromFHIR(&p)

	var (
		conditions   []string
		medications  []emr.Medication
		allergies    []emr.Allergy
		appointments []emr.Appointment
	)
	byPatient := url.Values{"patient": {p.ID}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.related(gctx, cfg, ts, fhirmodels.ResourceCondition, byPatient, func(raw json.RawMessage) error {
			var r fhir.Condition
			if err := decodeResource(raw, &r); err != nil {
				return err
			}
			if label := conditionFromFHIR(&r); label != "" {
				conditions = append(conditions, label)
			}
			return nil
		})
	})
	g.Go(func() error {
		return c.related(gctx, cfg, ts, fhirmodels.ResourceMedicationRequest, byPatient, func(raw json.RawMessage) error {
			var r fhir.MedicationRequest
			if err := decodeResource(raw, &r); err != nil {
				return err
			}
			if r.Status != fhirmodels.MedRequestEnteredInError {
				medications = append(medications, medicationFromFHIR(&r))
			}
			return nil
		})
	})
	g.Go(func() error {
		return c.related(gctx, cfg, ts, fhirmodels.ResourceAllergyIntolerance, byPatient, func(raw json.RawMessage) error {
			var r fhir.AllergyIntolerance
			if err := decodeResource(raw, &r); err != nil {
				return err
			}
			if a := allergyFromFHIR(&r); a.Allergen != "" {
				allergies = append(allergies, a)
			}
			return nil
		})
	})
	g.Go(func() error {
		return c.related(gctx, cfg, ts, fhirmodels.ResourceAppointment, byPatient, func(raw json.RawMessage) error {
			var r fhir.Appointment
			if err := decodeResource(raw, &r); err != nil {
				return err
			}
			if r.Status != fhirmodels.AppointmentEnteredInError {
				appointments = append(appointments, appointmentFromFHIR(&r))
			}
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data.MedicalHistory = emr.MedicalHistory{
		Allergies:   nonNil(allergies),
		Medications: nonNil(medications),
		Conditions:  nonNil(conditions),
	}
	data.Appointments = nonNil(appointments)

	c.logger.Info().
		Str("system", cfg.ID).
		Int("conditions", len(conditions)).
		Int("medications", len(medications)).
		Int("allergies", len(allergies)).
		Int("appointments", len(appointments)).
		Msg("patient data aggregated")
	return &data, nil
}

// related runs a search for a patient's related resources, tolerating
// providers that refuse the resource type.
func (c *Client) related(ctx context.Context, cfg emr.SystemConfig, ts emr.TokenSource, resourceType string,
	query url.Values, fn func(json.RawMessage) error) error {
	err := c.search(ctx, cfg, ts, resourceType, query, fn)
	if err != nil && tolerable(err) {
		c.logger.Warn().
			Str("system", cfg.ID).
			Str("resource_type", resourceType).
			Int("status", emr.StatusOf(err)).
			Msg("related resource unavailable, continuing without it")
		return nil
	}
	return err
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
