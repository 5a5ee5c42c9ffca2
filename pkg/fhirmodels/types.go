package fhirmodels

// Common FHIR value set constants used across the application.

// Resource type names exchanged with EMR providers.
const (
	ResourcePatient             = "Patient"
	ResourceCondition           = "Condition"
	ResourceMedicationRequest   = "MedicationRequest"
	ResourceAllergyIntolerance  = "AllergyIntolerance"
	ResourceAppointment         = "Appointment"
	ResourceCapabilityStatement = "CapabilityStatement"
	ResourceOperationOutcome    = "OperationOutcome"
	ResourceBundle              = "Bundle"
)

// ConditionClinicalStatus codes.
const (
	ConditionActive     = "active"
	ConditionRecurrence = "recurrence"
	ConditionRelapse    = "relapse"
	ConditionInactive   = "inactive"
	ConditionRemission  = "remission"
	ConditionResolved   = "resolved"
)

// ConditionVerificationStatus codes.
const (
	ConditionEnteredInError = "entered-in-error"
	ConditionRefuted        = "refuted"
)

// MedicationRequestStatus codes.
const (
	MedRequestActive         = "active"
	MedRequestOnHold         = "on-hold"
	MedRequestCancelled      = "cancelled"
	MedRequestCompleted      = "completed"
	MedRequestEnteredInError = "entered-in-error"
	MedRequestStopped        = "stopped"
	MedRequestDraft          = "draft"
	MedRequestUnknown        = "unknown"
)

// AllergyIntoleranceCriticality and reaction severity codes.
const (
	AllergyCriticalityLow            = "low"
	AllergyCriticalityHigh           = "high"
	AllergyCriticalityUnableToAssess = "unable-to-assess"

	ReactionSeverityMild     = "mild"
	ReactionSeverityModerate = "moderate"
	ReactionSeveritySevere   = "severe"
)

// AppointmentStatus codes.
const (
	AppointmentProposed       = "proposed"
	AppointmentPending        = "pending"
	AppointmentBooked         = "booked"
	AppointmentArrived        = "arrived"
	AppointmentFulfilled      = "fulfilled"
	AppointmentCancelled      = "cancelled"
	AppointmentNoShow         = "noshow"
	AppointmentCheckedIn      = "checked-in"
	AppointmentWaitlist       = "waitlist"
	AppointmentEnteredInError = "entered-in-error"
)

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// ContactPoint systems.
const (
	ContactPhone = "phone"
	ContactEmail = "email"
)

// IdentifierTypeMR is the v2-0203 code for a medical record number.
const IdentifierTypeMR = "MR"
