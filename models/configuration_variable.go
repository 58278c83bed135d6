package models

import "time"

// Cursor names used by the paged sync stages.
const (
	CursorLoaded    = "loaded_count"
	CursorLoadedNew = "loaded_new_count"
	CursorUpdated   = "updated_count"
)

// ConfigurationVariable is a generic persisted name/value pair.
type ConfigurationVariable struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UpdatedAt time.Time `json:"updated_at"`

	Name  string `json:"name" gorm:"size:100;not null;uniqueIndex"`
	Value string `json:"value" gorm:"size:255;not null"`
}

// TableName returns the explicit table name.
func (ConfigurationVariable) TableName() string {
	return "configuration_variables"
}
