package testpatient

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/headachemd/emr/internal/domain/patient"
	"github.com/headachemd/emr/internal/platform/emr"
	"github.com/headachemd/emr/pkg/pagination"
)

var ErrNotFound = errors.New("test patient not found")

const (
	generatedPrefix = "test-patient-"
	customPrefix    = "custom-patient-"
)

// Store is an ephemeral, ordered collection of test patients. Nothing
// survives a restart.
type Store struct {
	mu        sync.RWMutex
	records   []*Record
	mapper    *patient.Mapper
	now       func() time.Time
	lastMs    int64
	generated int
}

func NewStore(mapper *patient.Mapper) *Store {
	if mapper == nil {
		mapper = patient.NewMapper(nil)
	}
	return &Store{mapper: mapper, now: time.Now}
}

// Generate appends a record built from the next synthetic mock patient.
func (s *Store) Generate(createdBy string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := patient.MockPatientN(s.generated)
	rec, err := s.appendLocked(generatedPrefix, createdBy, data)
	if err != nil {
		return nil, err
	}
	s.generated++
	return rec, nil
}

// AddCustom appends a record built from caller-supplied provider data.
func (s *Store) AddCustom(createdBy string, data *emr.PatientData) (*Record, error) {
	if data == nil {
		return nil, fmt.Errorf("custom patient: data is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(customPrefix, createdBy, data)
}

func (s *Store) appendLocked(prefix, createdBy string, data *emr.PatientData) (*Record, error) {
	now := s.now()
	mapped, err := s.mapper.ToInternal(data, patient.ConvertOptions{UserID: createdBy, Now: func() time.Time { return now }})
	if err != nil {
		return nil, err
	}

	ms := now.UnixMilli()
	if ms <= s.lastMs {
		ms = s.lastMs + 1
	}
	s.lastMs = ms

	rec := &Record{
		ID:             fmt.Sprintf("%s%d", prefix, ms),
		EMRData:        data,
		HeadacheMDData: mapped,
		CreatedAt:      now.UTC(),
		CreatedBy:      createdBy,
	}
	s.records = append(s.records, rec)
	return rec, nil
}

// List returns all records in insertion order.
func (s *Store) List() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, len(s.records))
	copy(out, s.records)
	return out
}

// Page returns one window of records plus the total count.
func (s *Store) Page(limit, offset int) ([]*Record, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := len(s.records)
	start, end := pagination.Params{Limit: limit, Offset: offset}.Bounds(total)
	out := make([]*Record, end-start)
	copy(out, s.records[start:end])
	return out, total
}

func (s *Store) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if r.ID == id {
			s.records = append(s.records[:i:i], s.records[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// DeleteAll removes every record and reports how many were removed.
func (s *Store) DeleteAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	s.records = nil
	return n
}
