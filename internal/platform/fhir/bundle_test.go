package fhir

import (
	"encoding/json"
	"errors"
	"testing"
)

const searchsetJSON = `{
  "resourceType": "Bundle",
  "type": "searchset",
  "total": 3,
  "link": [
    {"relation": "self", "url": "https://emr.example.com/fhir/Condition?patient=1"},
    {"relation": "next", "url": "https://emr.example.com/fhir/Condition?patient=1&page=2"}
  ],
  "entry": [
    {"resource": {"resourceType": "Condition", "id": "c1", "code": {"text": "Migraine"}}, "search": {"mode": "match"}},
    {"resource": {"resourceType": "Patient", "id": "p1"}, "search": {"mode": "include"}},
    {"resource": {"resourceType": "OperationOutcome", "issue": [{"severity": "warning", "code": "informational"}]}, "search": {"mode": "outcome"}},
    {"resource": {"resourceType": "Condition", "id": "c2", "code": {"coding": [{"display": "Hypertension"}]}}}
  ]
}`

func TestBundle_EachResource(t *testing.T) {
	var b Bundle
	if err := json.Unmarshal([]byte(searchsetJSON), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if b.NextLink() != "https://emr.example.com/fhir/Condition?patient=1&page=2" {
		t.Errorf("unexpected next link %q", b.NextLink())
	}

	var labels []string
	err := b.EachResource("Condition", func(raw json.RawMessage) error {
		var c Condition
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		labels = append(labels, c.Code.Label())
		return nil
	})
	if err != nil {
		t.Fatalf("EachResource: %v", err)
	}
	if len(labels) != 2 || labels[0] != "Migraine" || labels[1] != "Hypertension" {
		t.Errorf("unexpected conditions: %v", labels)
	}
}

func TestBundle_EachResourcePropagatesErrors(t *testing.T) {
	var b Bundle
	_ = json.Unmarshal([]byte(searchsetJSON), &b)
	boom := errors.New("boom")
	err := b.EachResource("Condition", func(json.RawMessage) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped callback error, got %v", err)
	}
}

func TestBundle_ValidateRejectsOtherResources(t *testing.T) {
	b := Bundle{ResourceType: "OperationOutcome"}
	var ve *ValidationError
	if err := b.Validate(); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestBundle_EmptySearchset(t *testing.T) {
	var b Bundle
	_ = json.Unmarshal([]byte(`{"resourceType":"Bundle","type":"searchset","total":0}`), &b)
	calls := 0
	if err := b.EachResource("Patient", func(json.RawMessage) error { calls++; return nil }); err != nil {
		t.Fatalf("EachResource: %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no callbacks, got %d", calls)
	}
}
