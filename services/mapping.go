package services

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SchemaVersion selects the registry document layout the converter reads.
type SchemaVersion string

const (
	// SchemaV1 is the historical layout with every study field under the description module.
	SchemaV1 SchemaVersion = "v1"
	// SchemaV2 is the classic full-studies layout.
	SchemaV2 SchemaVersion = "v2"
)

// path is a dotted location inside a decoded document.
type path []string

func p(dotted string) path {
	if dotted == "" {
		return nil
	}
	return strings.Split(dotted, ".")
}

// candidates lists alternative paths for one field; the first present value wins.
type candidates []path

func c(dotted ...string) candidates {
	out := make(candidates, len(dotted))
	for i, d := range dotted {
		out[i] = p(d)
	}
	return out
}

// studyMapping describes where every normalized field lives in one schema version. Study and
// section paths are relative to Root; child field paths are relative to the list item.
type studyMapping struct {
	Root       path
	Identifier candidates

	Title                     candidates
	OverallStatus             candidates
	Phase                     candidates
	StartDate                 candidates
	CompletionDate            candidates
	ResultsFirstSubmittedDate candidates
	LastUpdateSubmittedDate   candidates
	Enrollment                candidates

	Interventions           path
	InterventionType        candidates
	InterventionName        candidates
	InterventionDescription candidates

	Conditions path
	// ConditionName is empty when list items are plain strings.
	ConditionName candidates

	Eligibility       path
	Gender            candidates
	MinimumAge        candidates
	MaximumAge        candidates
	HealthyVolunteers candidates
	Criteria          candidates
}

var mappings = map[SchemaVersion]studyMapping{
	SchemaV1: {
		Root:       p("ProtocolSection"),
		Identifier: c("IdentificationModule.NCTId"),

		Title: c(
			"DescriptionModule.OfficialTitle",
			"DescriptionModule.BriefTitle",
			"DescriptionModule.BriefSummary",
		),
		OverallStatus:             c("DescriptionModule.OverallStatus"),
		Phase:                     c("DescriptionModule.Phase"),
		StartDate:                 c("DescriptionModule.StartDate"),
		CompletionDate:            c("DescriptionModule.CompletionDate"),
		ResultsFirstSubmittedDate: c("DescriptionModule.ResultsFirstSubmittedDate"),
		LastUpdateSubmittedDate:   c("DescriptionModule.LastUpdateSubmittedDate"),
		Enrollment:                c("DescriptionModule.Enrollment"),

		Interventions:           p("InterventionModule.InterventionList.Intervention"),
		InterventionType:        c("InterventionType"),
		InterventionName:        c("InterventionName"),
		InterventionDescription: c("Description"),

		Conditions:    p("ConditionModule.ConditionList.Condition"),
		ConditionName: c("Condition"),

		Eligibility:       p("EligibilityModule"),
		Gender:            c("Gender"),
		MinimumAge:        c("MinimumAge"),
		MaximumAge:        c("MaximumAge"),
		HealthyVolunteers: c("HealthyVolunteers"),
		Criteria:          c("EligibilityCriteria"),
	},
	SchemaV2: {
		Root:       p("ProtocolSection"),
		Identifier: c("IdentificationModule.NCTId"),

		Title: c(
			"IdentificationModule.OfficialTitle",
			"IdentificationModule.BriefTitle",
			"DescriptionModule.BriefSummary",
		),
		OverallStatus:             c("StatusModule.OverallStatus"),
		Phase:                     c("DesignModule.PhaseList.Phase"),
		StartDate:                 c("StatusModule.StartDateStruct.StartDate"),
		CompletionDate:            c("StatusModule.CompletionDateStruct.CompletionDate", "StatusModule.PrimaryCompletionDateStruct.PrimaryCompletionDate"),
		ResultsFirstSubmittedDate: c("StatusModule.ResultsFirstSubmitDate"),
		LastUpdateSubmittedDate:   c("StatusModule.LastUpdateSubmitDate"),
		Enrollment:                c("DesignModule.EnrollmentInfo.EnrollmentCount"),

		Interventions:           p("ArmsInterventionsModule.InterventionList.Intervention"),
		InterventionType:        c("InterventionType"),
		InterventionName:        c("InterventionName"),
		InterventionDescription: c("InterventionDescription"),

		Conditions: p("ConditionsModule.ConditionList.Condition"),

		Eligibility:       p("EligibilityModule"),
		Gender:            c("Gender"),
		MinimumAge:        c("MinimumAge"),
		MaximumAge:        c("MaximumAge"),
		HealthyVolunteers: c("HealthyVolunteers"),
		Criteria:          c("EligibilityCriteria"),
	},
}

func mappingFor(v SchemaVersion) (studyMapping, error) {
	m, ok := mappings[v]
	if !ok {
		return studyMapping{}, fmt.Errorf("unknown source schema %q", v)
	}
	return m, nil
}

// lookup walks doc along p. Missing keys and JSON nulls report false.
func lookup(doc any, p path) (any, bool) {
	cur := doc
	for _, key := range p {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func (cs candidates) first(doc any) (any, bool) {
	for _, p := range cs {
		if v, ok := lookup(doc, p); ok {
			return v, true
		}
	}
	return nil, false
}

// text returns the first candidate as a string. Lists of scalars are joined with ", ".
func (cs candidates) text(doc any) *string {
	v, ok := cs.first(doc)
	if !ok {
		return nil
	}
	s, ok := scalarText(v)
	if ok {
		return &s
	}
	list, isList := v.([]any)
	if !isList {
		return nil
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := scalarText(item); ok && s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	joined := strings.Join(parts, ", ")
	return &joined
}

func scalarText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

var dateLayouts = []string{"2006-01-02", "January 2, 2006", "January 2006", "2006-01", "2006"}

// date parses the first candidate with the registry's date layouts. Unparseable dates are null.
func (cs candidates) date(doc any) *time.Time {
	s := cs.text(doc)
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return &t
		}
	}
	return nil
}

// integer reads a JSON number or a numeric string.
func (cs candidates) integer(doc any) *int {
	v, ok := cs.first(doc)
	if !ok {
		return nil
	}
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	default:
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return nil
		}
		n = int(f)
	}
	return &n
}

// items returns the list at p. A single object stands for a list of one.
func items(doc any, p path) []any {
	v, ok := lookup(doc, p)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []any:
		return t
	case map[string]any, string:
		return []any{t}
	}
	return nil
}
