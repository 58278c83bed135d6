package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trial-sync/models"
)

// CursorStore persists the 1-based resume positions of the paged stages.
type CursorStore struct {
	DB *gorm.DB
}

// NewCursorStore creates a cursor store.
func NewCursorStore(db *gorm.DB) *CursorStore {
	return &CursorStore{DB: db}
}

// Get returns the cursor, creating it at 1 on first use.
func (c *CursorStore) Get(ctx context.Context, name string) (int, error) {
	var v models.ConfigurationVariable
	err := c.DB.WithContext(ctx).Where("name = ?", name).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 1, c.Set(ctx, name, 1)
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor %s: %w", name, err)
	}
	n, err := strconv.Atoi(v.Value)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("cursor %s holds invalid value %q", name, v.Value)
	}
	return n, nil
}

// Set stores the cursor value.
func (c *CursorStore) Set(ctx context.Context, name string, value int) error {
	v := models.ConfigurationVariable{Name: name, Value: strconv.Itoa(value)}
	err := c.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&v).Error
	if err != nil {
		return fmt.Errorf("write cursor %s: %w", name, err)
	}
	return nil
}

// Reset moves the cursor back to the first rank.
func (c *CursorStore) Reset(ctx context.Context, name string) error {
	return c.Set(ctx, name, 1)
}

// All returns every stored configuration variable by name.
func (c *CursorStore) All(ctx context.Context) (map[string]string, error) {
	var vars []models.ConfigurationVariable
	if err := c.DB.WithContext(ctx).Order("name").Find(&vars).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(vars))
	for _, v := range vars {
		out[v.Name] = v.Value
	}
	return out, nil
}
