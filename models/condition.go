package models

import "time"

// Condition is a deduplicated disease/condition name, shared across studies.
type Condition struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name            string `json:"name" gorm:"size:300;not null;uniqueIndex:idx_conditions_name_locale"`
	Locale          string `json:"locale" gorm:"size:8;not null;uniqueIndex:idx_conditions_name_locale"`
	TranslationOfID *uint  `json:"translation_of_id,omitempty" gorm:"index"`
}

// TableName returns the explicit table name.
func (Condition) TableName() string {
	return "conditions"
}

// ConditionTranslation links a source condition to its counterpart in a locale. Several source
// conditions may share one translated row when their translations coincide.
type ConditionTranslation struct {
	ID           uint   `json:"id" gorm:"primaryKey"`
	SourceID     uint   `json:"source_id" gorm:"not null;uniqueIndex:idx_condition_translations_source_locale"`
	Locale       string `json:"locale" gorm:"size:8;not null;uniqueIndex:idx_condition_translations_source_locale"`
	TranslatedID uint   `json:"translated_id" gorm:"not null;index"`
}

// TableName returns the explicit table name.
func (ConditionTranslation) TableName() string {
	return "condition_translations"
}

// SameText compares two nullable strings.
func SameText(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
