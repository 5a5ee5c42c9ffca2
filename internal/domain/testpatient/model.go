package testpatient

import (
	"time"

	"github.com/headachemd/emr/internal/domain/patient"
	"github.com/headachemd/emr/internal/platform/emr"
)

// Record is a test patient kept in memory: the provider-side data it was
// built from and the internal patient the mapper produced for it.
type Record struct {
	ID             string           `json:"id"`
	EMRData        *emr.PatientData `json:"emr_data"`
	HeadacheMDData *patient.Patient `json:"headache_md_data"`
	CreatedAt      time.Time        `json:"created_at"`
	CreatedBy      string           `json:"created_by"`
}

const (
	ActionGenerateMock = "generate_mock"
	ActionCustom       = "custom"
)

// CreateRequest is the body of POST /test-patients.
type CreateRequest struct {
	Action string           `json:"action"`
	Data   *emr.PatientData `json:"data,omitempty"`
}
