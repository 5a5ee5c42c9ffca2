package patient

import (
	"fmt"
	"strings"
)

// DrugClass is one row of the headache-medication lookup table. A medication
// belongs to the class when its name contains any keyword, case-insensitively.
type DrugClass struct {
	Name     string
	Role     TreatmentRole
	Keywords []string
}

// DefaultDrugClasses covers triptans, topiramate, propranolol, NSAIDs, the
// CGRP class and botulinum toxin.
var DefaultDrugClasses = []DrugClass{
	{Name: "triptan", Role: RoleAcute, Keywords: []string{
		"triptan", "sumatriptan", "rizatriptan", "zolmitriptan", "eletriptan",
		"naratriptan", "almotriptan", "frovatriptan", "imitrex", "maxalt", "relpax",
	}},
	{Name: "topiramate", Role: RolePreventive, Keywords: []string{"topiramate", "topamax", "trokendi", "qudexy"}},
	{Name: "propranolol", Role: RolePreventive, Keywords: []string{"propranolol", "inderal"}},
	{Name: "nsaid", Role: RoleAcute, Keywords: []string{
		"ibuprofen", "naproxen", "diclofenac", "ketorolac", "celecoxib", "aspirin",
		"advil", "motrin", "aleve", "cambia",
	}},
	{Name: "cgrp", Role: RolePreventive, Keywords: []string{
		"erenumab", "fremanezumab", "galcanezumab", "eptinezumab", "atogepant",
		"aimovig", "ajovy", "emgality", "vyepti", "qulipta",
	}},
	{Name: "gepant", Role: RoleAcute, Keywords: []string{"ubrogepant", "rimegepant", "zavegepant", "ubrelvy", "nurtec", "zavzpret"}},
	{Name: "botulinum_toxin", Role: RolePreventive, Keywords: []string{"botulinum", "onabotulinumtoxina", "botox"}},
}

// DefaultConditionKeywords mark a condition as headache-related.
var DefaultConditionKeywords = []string{"headache", "migraine", "tension", "cluster"}

// DefaultAppointmentKeywords mark an appointment type as headache-related.
var DefaultAppointmentKeywords = []string{"headache", "migraine", "neurology", "botox"}

// Classifier holds the keyword tables used to recognise headache-related
// medications, conditions and appointments. It is immutable after
// construction and safe for concurrent use.
type Classifier struct {
	drugClasses         []DrugClass
	conditionKeywords   []string
	appointmentKeywords []string
}

// NewClassifier builds a classifier. Nil or empty tables fall back to the defaults.
func NewClassifier(drugClasses []DrugClass, conditionKeywords, appointmentKeywords []string) *Classifier {
	if len(drugClasses) == 0 {
		drugClasses = DefaultDrugClasses
	}
	if len(conditionKeywords) == 0 {
		conditionKeywords = DefaultConditionKeywords
	}
	if len(appointmentKeywords) == 0 {
		appointmentKeywords = DefaultAppointmentKeywords
	}
	c := &Classifier{
		conditionKeywords:   lowerAll(conditionKeywords),
		appointmentKeywords: lowerAll(appointmentKeywords),
	}
	for _, dc := range drugClasses {
		c.drugClasses = append(c.drugClasses, DrugClass{Name: dc.Name, Role: dc.Role, Keywords: lowerAll(dc.Keywords)})
	}
	return c
}

// DefaultClassifier returns a classifier over the default tables.
func DefaultClassifier() *Classifier {
	return NewClassifier(nil, nil, nil)
}

// DrugClassOf returns the class a medication name belongs to.
func (c *Classifier) DrugClassOf(medication string) (DrugClass, bool) {
	name := strings.ToLower(medication)
	for _, dc := range c.drugClasses {
		if containsAny(name, dc.Keywords) {
			return dc, true
		}
	}
	return DrugClass{}, false
}

// IsHeadacheMedication reports whether the medication is in any drug class.
func (c *Classifier) IsHeadacheMedication(medication string) bool {
	_, ok := c.DrugClassOf(medication)
	return ok
}

// IsHeadacheCondition reports whether a word of the condition text starts
// with a keyword, so "Tension-type headache" matches "tension" and
// "Hypertension" does not.
func (c *Classifier) IsHeadacheCondition(condition string) bool {
	return containsWordPrefix(strings.ToLower(condition), c.conditionKeywords)
}

// IsHeadacheAppointment reports whether the appointment type matches a keyword.
func (c *Classifier) IsHeadacheAppointment(appointmentType string) bool {
	return containsWordPrefix(strings.ToLower(appointmentType), c.appointmentKeywords)
}

// ParseDrugClasses parses a table of the form
//
//	name[/role]:keyword|keyword,name[/role]:keyword
//
// where role is "acute" or "preventive".
func ParseDrugClasses(table string) ([]DrugClass, error) {
	var out []DrugClass
	for _, entry := range strings.Split(table, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		head, kws, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("drug class %q: expected name:keywords", entry)
		}
		name, role, _ := strings.Cut(strings.TrimSpace(head), "/")
		dc := DrugClass{Name: strings.TrimSpace(name)}
		switch strings.ToLower(strings.TrimSpace(role)) {
		case "":
		case "acute":
			dc.Role = RoleAcute
		case "preventive":
			dc.Role = RolePreventive
		default:
			return nil, fmt.Errorf("drug class %q: unknown role %q", dc.Name, role)
		}
		for _, kw := range strings.Split(kws, "|") {
			if kw = strings.TrimSpace(kw); kw != "" {
				dc.Keywords = append(dc.Keywords, kw)
			}
		}
		if dc.Name == "" || len(dc.Keywords) == 0 {
			return nil, fmt.Errorf("drug class %q: name and at least one keyword are required", entry)
		}
		out = append(out, dc)
	}
	return out, nil
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func containsWordPrefix(s string, keywords []string) bool {
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		for i := 0; i+len(kw) <= len(s); {
			j := strings.Index(s[i:], kw)
			if j < 0 {
				break
			}
			at := i + j
			if at == 0 || !isLetter(s[at-1]) {
				return true
			}
			i = at + 1
		}
	}
	return false
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
