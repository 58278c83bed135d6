package models

import "time"

// Eligibility holds the participant criteria of one study.
type Eligibility struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	StudyID         uint   `json:"study_id" gorm:"not null;index"`
	Locale          string `json:"locale" gorm:"size:8;not null"`
	TranslationOfID *uint  `json:"translation_of_id,omitempty" gorm:"index"`
	SupersedesID    *uint  `json:"supersedes_id,omitempty"`

	Gender            *string `json:"gender" gorm:"size:100"`
	MinimumAge        *string `json:"minimum_age" gorm:"size:30"`
	MaximumAge        *string `json:"maximum_age" gorm:"size:30"`
	HealthyVolunteers *string `json:"healthy_volunteers" gorm:"size:100"`
	Criteria          *string `json:"criteria" gorm:"type:text"`
}

// TableName returns the explicit table name.
func (Eligibility) TableName() string {
	return "eligibilities"
}

// SameContent compares every criteria field.
func (e *Eligibility) SameContent(o *Eligibility) bool {
	return SameText(e.Gender, o.Gender) &&
		SameText(e.MinimumAge, o.MinimumAge) &&
		SameText(e.MaximumAge, o.MaximumAge) &&
		SameText(e.HealthyVolunteers, o.HealthyVolunteers) &&
		SameText(e.Criteria, o.Criteria)
}
