package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"trial-sync/models"
)

// Converter maps raw registry documents onto study drafts using one schema version.
type Converter struct {
	mapping studyMapping
}

// NewConverter creates a converter for schema.
func NewConverter(schema SchemaVersion) (*Converter, error) {
	m, err := mappingFor(schema)
	if err != nil {
		return nil, err
	}
	return &Converter{mapping: m}, nil
}

// decode parses exactly one JSON value; anything but whitespace after it is an error.
func decode(payload []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after the document")
	}
	return doc, nil
}

// Identifier extracts the external identifier of a raw document.
func (c *Converter) Identifier(payload []byte) (string, error) {
	doc, err := decode(payload)
	if err != nil {
		return "", &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return c.identifier(doc)
}

func (c *Converter) identifier(doc any) (string, error) {
	root, _ := lookup(doc, c.mapping.Root)
	id := c.mapping.Identifier.text(root)
	if id == nil || strings.TrimSpace(*id) == "" {
		return "", &ValidationError{Field: "nct_id", Reason: "is missing"}
	}
	return strings.TrimSpace(*id), nil
}

// Convert builds the draft of payload. Children are matched against the children of existing
// (may be nil) so an unchanged document keeps its row identities; each existing row is matched
// at most once.
func (c *Converter) Convert(payload []byte, existing *models.Study) (*models.StudyDraft, error) {
	doc, err := decode(payload)
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	nctID, err := c.identifier(doc)
	if err != nil {
		return nil, err
	}
	root, _ := lookup(doc, c.mapping.Root)
	m := c.mapping

	draft := &models.StudyDraft{
		NCTID: nctID,
		Fields: models.StudyFields{
			Title:                     m.Title.text(root),
			OverallStatus:             m.OverallStatus.text(root),
			Phase:                     m.Phase.text(root),
			StartDate:                 m.StartDate.date(root),
			CompletionDate:            m.CompletionDate.date(root),
			ResultsFirstSubmittedDate: m.ResultsFirstSubmittedDate.date(root),
			LastUpdateSubmittedDate:   m.LastUpdateSubmittedDate.date(root),
			Enrollment:                m.Enrollment.integer(root),
		},
	}

	var prev models.Study
	if existing != nil {
		prev = *existing
	}

	usedIv := make(map[uint]bool)
	for _, item := range items(root, m.Interventions) {
		iv := models.Intervention{
			InterventionType: m.InterventionType.text(item),
			Name:             m.InterventionName.text(item),
			Description:      m.InterventionDescription.text(item),
		}
		for _, old := range prev.Interventions {
			if !usedIv[old.ID] && old.SameContent(&iv) {
				usedIv[old.ID] = true
				iv = old
				break
			}
		}
		draft.Interventions = append(draft.Interventions, iv)
	}

	seen := make(map[string]bool)
	for _, item := range items(root, m.Conditions) {
		name := conditionName(m, item)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		cond := models.Condition{Name: name}
		for _, old := range prev.Conditions {
			if old.Name == name {
				cond = old
				break
			}
		}
		draft.Conditions = append(draft.Conditions, cond)
	}

	if section, ok := lookup(root, m.Eligibility); ok {
		el := models.Eligibility{
			Gender:            m.Gender.text(section),
			MinimumAge:        m.MinimumAge.text(section),
			MaximumAge:        m.MaximumAge.text(section),
			HealthyVolunteers: m.HealthyVolunteers.text(section),
			Criteria:          m.Criteria.text(section),
		}
		for _, old := range prev.Eligibilities {
			if old.SameContent(&el) {
				el = old
				break
			}
		}
		draft.Eligibilities = append(draft.Eligibilities, el)
	}
	return draft, nil
}

func conditionName(m studyMapping, item any) string {
	var v *string
	if len(m.ConditionName) == 0 {
		if s, ok := scalarText(item); ok {
			v = &s
		}
	} else {
		v = m.ConditionName.text(item)
	}
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}

