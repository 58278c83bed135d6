package models

import (
	"errors"
	"fmt"
)

// Status is the processing state of a study.
type Status int

const (
	// StatusRaw: payload stored, not yet converted (CONVERT_READY).
	StatusRaw Status = 20
	// StatusNormalized: converted, translation owed (TRANSLATE_READY).
	StatusNormalized Status = 50
	// StatusFinalized: translation produced (COMPLETED).
	StatusFinalized Status = 100
)

func (s Status) String() string {
	switch s {
	case StatusRaw:
		return "RAW"
	case StatusNormalized:
		return "NORMALIZED"
	case StatusFinalized:
		return "FINALIZED"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ErrInvalidTransition is returned when a state transition's precondition does not hold.
var ErrInvalidTransition = errors.New("invalid status transition")

// MarkNormalized moves a source study from RAW to NORMALIZED.
//
// Precondition: source study in RAW. Postcondition: NORMALIZED, LastError cleared.
func (s *Study) MarkNormalized() error {
	if s.IsTranslation() || s.Status != StatusRaw {
		return fmt.Errorf("%w: %s -> %s (study %d)", ErrInvalidTransition, s.Status, StatusNormalized, s.ID)
	}
	s.Status = StatusNormalized
	s.LastError = ""
	return nil
}

// MarkFinalized moves a source study from NORMALIZED to FINALIZED.
//
// Precondition: source study in NORMALIZED. Postcondition: FINALIZED, LastError cleared. The
// supersedes link is not touched here; clone finalization clears it together with the merge.
func (s *Study) MarkFinalized() error {
	if s.IsTranslation() || s.Status != StatusNormalized {
		return fmt.Errorf("%w: %s -> %s (study %d)", ErrInvalidTransition, s.Status, StatusFinalized, s.ID)
	}
	s.Status = StatusFinalized
	s.LastError = ""
	return nil
}

// MarkStale flags a translatable field of a translated study for retranslation.
//
// Precondition: the study is a translation and field is one of TranslatableFields.
// Postcondition: IsStale(field) is true. Marking twice is a no-op.
func (s *Study) MarkStale(field string) error {
	if !s.IsTranslation() {
		return fmt.Errorf("%w: mark %q stale on source study %d", ErrInvalidTransition, field, s.ID)
	}
	if !isTranslatable(field) {
		return fmt.Errorf("%w: %q is not a translatable field", ErrInvalidTransition, field)
	}
	if !s.IsStale(field) {
		s.StaleFields = append(s.StaleFields, field)
	}
	return nil
}

// ClearStale drops every stale marker, after a fresh translation has been produced.
func (s *Study) ClearStale() {
	s.StaleFields = nil
}

func isTranslatable(field string) bool {
	for _, f := range TranslatableFields {
		if f == field {
			return true
		}
	}
	return false
}
