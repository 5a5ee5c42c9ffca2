package fhir

import (
	"encoding/json"
	"fmt"
)

// Bundle represents a FHIR Bundle resource as returned by a search.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// Validate checks the bundle envelope.
func (b *Bundle) Validate() error {
	if b.ResourceType != "Bundle" {
		return &ValidationError{ResourceType: "Bundle", Field: "resourceType", Reason: fmt.Sprintf("got %q", b.ResourceType)}
	}
	return nil
}

// NextLink returns the URL of the next page, if any.
func (b *Bundle) NextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// EachResource calls fn with the raw JSON of every entry whose resourceType
// equals resourceType and whose search mode is not "include" or "outcome".
// Entries of other types are skipped, which is how servers deliver _include
// results and OperationOutcome warnings inside a searchset.
func (b *Bundle) EachResource(resourceType string, fn func(raw json.RawMessage) error) error {
	for i, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		if e.Search != nil && (e.Search.Mode == "include" || e.Search.Mode == "outcome") {
			continue
		}
		var head Resource
		if err := json.Unmarshal(e.Resource, &head); err != nil {
			return fmt.Errorf("bundle entry %d: %w", i, err)
		}
		if head.ResourceType != resourceType {
			continue
		}
		if err := fn(e.Resource); err != nil {
			return fmt.Errorf("bundle entry %d (%s/%s): %w", i, head.ResourceType, head.ID, err)
		}
	}
	return nil
}
