package models

import (
	"time"

	"gorm.io/datatypes"
)

// Translatable study fields, by column name.
const (
	FieldTitle         = "title"
	FieldOverallStatus = "overall_status"
	FieldPhase         = "phase"
)

// TranslatableFields lists the natural-language study fields in a fixed order.
var TranslatableFields = []string{FieldTitle, FieldOverallStatus, FieldPhase}

// StudyFields are the normalized values produced by conversion.
type StudyFields struct {
	Title         *string `json:"title" gorm:"type:text"`
	OverallStatus *string `json:"overall_status" gorm:"size:100"`
	Phase         *string `json:"phase" gorm:"size:100"`

	ResultsFirstSubmittedDate *time.Time `json:"results_first_submitted_date"`
	LastUpdateSubmittedDate   *time.Time `json:"last_update_submitted_date"`
	StartDate                 *time.Time `json:"start_date"`
	CompletionDate            *time.Time `json:"completion_date"`
	Enrollment                *int       `json:"enrollment"`
}

// Text returns the value of a translatable field.
func (f *StudyFields) Text(field string) *string {
	switch field {
	case FieldTitle:
		return f.Title
	case FieldOverallStatus:
		return f.OverallStatus
	case FieldPhase:
		return f.Phase
	}
	return nil
}

// SetText assigns a translatable field. Unknown names are ignored.
func (f *StudyFields) SetText(field string, value *string) {
	switch field {
	case FieldTitle:
		f.Title = value
	case FieldOverallStatus:
		f.OverallStatus = value
	case FieldPhase:
		f.Phase = value
	}
}

// Study is one clinical-trial record, either in the source locale or a translation of one.
//
// A source study has TranslationOfID == nil. While a content change is being applied, the new
// version exists as a second source study whose SupersedesID points at the settled one.
type Study struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	NCTID           string `json:"nct_id" gorm:"column:nct_id;size:50;not null;index;uniqueIndex:idx_studies_settled_nct_id,where:translation_of_id IS NULL AND supersedes_id IS NULL"`
	TranslationOfID *uint  `json:"translation_of_id,omitempty" gorm:"uniqueIndex:idx_studies_translation_locale"`
	Locale          string `json:"locale" gorm:"size:8;not null;uniqueIndex:idx_studies_translation_locale"`
	SupersedesID    *uint  `json:"supersedes_id,omitempty" gorm:"uniqueIndex"`

	Status        Status `json:"status" gorm:"not null;index"`
	Fingerprint   string `json:"fingerprint,omitempty" gorm:"size:16"`
	RawPayload    []byte `json:"-"`
	RawArchiveURL string `json:"raw_archive_url,omitempty"`

	StudyFields `gorm:"embedded"`

	// StaleFields names the translatable fields whose source value changed since this
	// translation was produced. Only set on translated studies.
	StaleFields datatypes.JSONSlice[string] `json:"stale_fields,omitempty"`
	LastError   string                      `json:"last_error,omitempty" gorm:"type:text"`

	Interventions []Intervention `json:"interventions,omitempty" gorm:"constraint:OnDelete:CASCADE"`
	Eligibilities []Eligibility  `json:"eligibilities,omitempty" gorm:"constraint:OnDelete:CASCADE"`
	Conditions    []Condition    `json:"conditions,omitempty" gorm:"many2many:study_conditions"`
}

// TableName returns the explicit table name.
func (Study) TableName() string {
	return "studies"
}

// IsTranslation reports whether the study is a derived-locale copy.
func (s *Study) IsTranslation() bool {
	return s.TranslationOfID != nil
}

// IsPendingClone reports whether the study is a new version waiting to replace another.
func (s *Study) IsPendingClone() bool {
	return s.SupersedesID != nil
}

// IsStale reports whether field has been marked for retranslation.
func (s *Study) IsStale(field string) bool {
	for _, f := range s.StaleFields {
		if f == field {
			return true
		}
	}
	return false
}
