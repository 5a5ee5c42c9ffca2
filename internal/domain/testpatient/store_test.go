package testpatient

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/headachemd/emr/internal/platform/emr"
)

func newFrozenStore() *Store {
	s := NewStore(nil)
	at := time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }
	return s
}

func TestStore_GenerateTwiceGivesDistinctIDs(t *testing.T) {
	s := newFrozenStore()

	a, err := s.Generate("doc-1")
	require.NoError(t, err)
	b, err := s.Generate("doc-1")
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 2)
	require.NotEqual(t, list[0].ID, list[1].ID)
	require.Equal(t, a.ID, list[0].ID)
	require.Equal(t, b.ID, list[1].ID)
	require.True(t, strings.HasPrefix(a.ID, "test-patient-"))
	require.NotEqual(t, a.EMRData.PatientID, b.EMRData.PatientID)
	require.Equal(t, "doc-1", a.HeadacheMDData.UserID)
	require.Equal(t, "doc-1", a.CreatedBy)
}

func TestStore_GenerateThenDeleteAll(t *testing.T) {
	s := NewStore(nil)

	_, err := s.Generate("doc-1")
	require.NoError(t, err)
	require.Equal(t, 1, s.DeleteAll())
	require.Empty(t, s.List())
}

func TestStore_AddCustom(t *testing.T) {
	s := newFrozenStore()
	data := &emr.PatientData{
		PatientID:    "x-1",
		Demographics: emr.Demographics{FirstName: "Custom", LastName: "Patient"},
		MedicalHistory: emr.MedicalHistory{
			Conditions:  []string{"Migraine with aura", "Hypertension"},
			Medications: []emr.Medication{{Name: "Sumatriptan 50mg", IsActive: true}},
		},
	}

	rec, err := s.AddCustom("doc-2", data)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(rec.ID, "custom-patient-"))
	require.Equal(t, "emr_x-1", rec.HeadacheMDData.ID)
	require.Equal(t, []string{"Migraine with aura", "Hypertension"}, rec.HeadacheMDData.MedicalHistory.PastMedicalHistory)
	require.Len(t, rec.HeadacheMDData.MedicalHistory.HeadacheHistory.PreviousTreatments, 1)

	sparse, err := s.AddCustom("doc-2", &emr.PatientData{PatientID: "no-name"})
	require.NoError(t, err)
	require.Equal(t, "emr_no-name", sparse.HeadacheMDData.ID)
	require.Empty(t, sparse.HeadacheMDData.Profile.FirstName)

	_, err = s.AddCustom("doc-2", nil)
	require.Error(t, err)
	require.Len(t, s.List(), 2)
}

func TestStore_GetAndDelete(t *testing.T) {
	s := newFrozenStore()
	a, err := s.Generate("doc-1")
	require.NoError(t, err)
	b, err := s.Generate("doc-1")
	require.NoError(t, err)

	got, err := s.Get(b.ID)
	require.NoError(t, err)
	require.Equal(t, b, got)

	require.NoError(t, s.Delete(a.ID))
	require.ErrorIs(t, s.Delete(a.ID), ErrNotFound)
	_, err = s.Get(a.ID)
	require.ErrorIs(t, err, ErrNotFound)

	list := s.List()
	require.Len(t, list, 1)
	require.Equal(t, b.ID, list[0].ID)
}

func TestStore_Page(t *testing.T) {
	s := newFrozenStore()
	for i := 0; i < 5; i++ {
		_, err := s.Generate("doc-1")
		require.NoError(t, err)
	}
	all := s.List()

	page, total := s.Page(2, 1)
	require.Equal(t, 5, total)
	require.Equal(t, all[1:3], page)

	page, total = s.Page(10, 4)
	require.Equal(t, 5, total)
	require.Equal(t, all[4:], page)

	page, _ = s.Page(2, 10)
	require.Empty(t, page)
}

func TestStore_ConcurrentGenerate(t *testing.T) {
	s := NewStore(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Generate("doc-1")
			_ = s.List()
		}()
	}
	wg.Wait()

	list := s.List()
	require.Len(t, list, 20)
	seen := map[string]bool{}
	for _, r := range list {
		require.False(t, seen[r.ID], "duplicate id %s", r.ID)
		seen[r.ID] = true
	}
}
