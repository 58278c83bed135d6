package models

import "time"

// Intervention is a treatment arm entry owned by one study.
type Intervention struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	StudyID         uint   `json:"study_id" gorm:"not null;index"`
	Locale          string `json:"locale" gorm:"size:8;not null"`
	TranslationOfID *uint  `json:"translation_of_id,omitempty" gorm:"index"`
	SupersedesID    *uint  `json:"supersedes_id,omitempty"`

	InterventionType *string `json:"intervention_type" gorm:"size:100"`
	Name             *string `json:"name" gorm:"type:text"`
	Description      *string `json:"description" gorm:"type:text"`
}

// TableName returns the explicit table name.
func (Intervention) TableName() string {
	return "interventions"
}

// SameContent compares the conversion key (name, type, description).
func (i *Intervention) SameContent(o *Intervention) bool {
	return SameText(i.Name, o.Name) &&
		SameText(i.InterventionType, o.InterventionType) &&
		SameText(i.Description, o.Description)
}
