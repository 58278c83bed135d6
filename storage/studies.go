package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trial-sync/models"
)

// StudyStore is the record store: studies, their owned children and lineage links.
// Every multi-row mutation runs in a single transaction.
type StudyStore struct {
	DB           *gorm.DB
	Logger       *zap.Logger
	SourceLocale string
}

// NewStudyStore creates a store writing source studies in sourceLocale.
func NewStudyStore(db *gorm.DB, logger *zap.Logger, sourceLocale string) *StudyStore {
	return &StudyStore{
		DB:           db,
		Logger:       logger.With(zap.String("store", "studies")),
		SourceLocale: sourceLocale,
	}
}

func withChildren(tx *gorm.DB) *gorm.DB {
	byID := func(db *gorm.DB) *gorm.DB { return db.Order("id") }
	return tx.
		Preload("Interventions", byID).
		Preload("Eligibilities", byID).
		Preload("Conditions", byID)
}

// first runs q and maps "not found" onto a nil result.
func first(q *gorm.DB, dest *models.Study) (*models.Study, error) {
	err := q.First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return dest, nil
}

// FindSettled returns the settled source study for nctID, or nil.
func (s *StudyStore) FindSettled(ctx context.Context, nctID string) (*models.Study, error) {
	var st models.Study
	return first(s.DB.WithContext(ctx).
		Where("nct_id = ? AND translation_of_id IS NULL AND supersedes_id IS NULL", nctID), &st)
}

// FindPendingClone returns the clone waiting to replace originalID, or nil.
func (s *StudyStore) FindPendingClone(ctx context.Context, originalID uint) (*models.Study, error) {
	var st models.Study
	return first(s.DB.WithContext(ctx).Where("supersedes_id = ?", originalID), &st)
}

// ErrGone is returned by Load when the study was deleted, typically merged away by a finalized clone.
var ErrGone = errors.New("study no longer exists")

// Load returns a study with its children, ordered by id.
func (s *StudyStore) Load(ctx context.Context, id uint) (*models.Study, error) {
	var st models.Study
	err := withChildren(s.DB.WithContext(ctx)).First(&st, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load study %d: %w", id, ErrGone)
	}
	if err != nil {
		return nil, fmt.Errorf("load study %d: %w", id, err)
	}
	return &st, nil
}

// FindTranslation returns the translated counterpart of sourceID in locale, with children, or nil.
func (s *StudyStore) FindTranslation(ctx context.Context, sourceID uint, locale string) (*models.Study, error) {
	var st models.Study
	return first(withChildren(s.DB.WithContext(ctx)).
		Where("translation_of_id = ? AND locale = ?", sourceID, locale), &st)
}

// ListByStatus returns up to limit source studies in status, least recently touched first.
func (s *StudyStore) ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.Study, error) {
	var out []models.Study
	err := s.DB.WithContext(ctx).
		Where("status = ? AND translation_of_id IS NULL", status).
		Order("updated_at, id").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountByStatus returns the number of source studies per status.
func (s *StudyStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status models.Status
		N      int64
	}
	err := s.DB.WithContext(ctx).Model(&models.Study{}).
		Select("status, count(*) AS n").
		Where("translation_of_id IS NULL").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status.String()] = r.N
	}
	return out, nil
}

// CreateRaw inserts a new source study in RAW status.
// A concurrent insert of the same identifier yields ErrDuplicate.
func (s *StudyStore) CreateRaw(ctx context.Context, study *models.Study) error {
	study.Status = models.StatusRaw
	if study.Locale == "" {
		study.Locale = s.SourceLocale
	}
	if err := s.DB.WithContext(ctx).Omit(clause.Associations).Create(study).Error; err != nil {
		return fmt.Errorf("create study %s: %w", study.NCTID, translateErr(err))
	}
	return nil
}

// RecordFailure stores the last per-record error for operator visibility; status is unchanged.
func (s *StudyStore) RecordFailure(ctx context.Context, id uint, cause error) error {
	return s.DB.WithContext(ctx).Model(&models.Study{}).
		Where("id = ?", id).
		Update("last_error", cause.Error()).Error
}

// FindInterventionTranslation returns the first translated counterpart of a source intervention.
func (s *StudyStore) FindInterventionTranslation(ctx context.Context, sourceID uint, locale string) (*models.Intervention, error) {
	var iv models.Intervention
	err := s.DB.WithContext(ctx).
		Where("translation_of_id = ? AND locale = ?", sourceID, locale).
		Order("id").First(&iv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &iv, nil
}

// FindEligibilityTranslation returns the first translated counterpart of a source eligibility.
func (s *StudyStore) FindEligibilityTranslation(ctx context.Context, sourceID uint, locale string) (*models.Eligibility, error) {
	var el models.Eligibility
	err := s.DB.WithContext(ctx).
		Where("translation_of_id = ? AND locale = ?", sourceID, locale).
		Order("id").First(&el).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &el, nil
}

// FindConditionTranslation returns the translated counterpart of a source condition, following
// the link table before the row's own translation_of_id.
func (s *StudyStore) FindConditionTranslation(ctx context.Context, sourceID uint, locale string) (*models.Condition, error) {
	var c models.Condition
	err := s.DB.WithContext(ctx).
		Joins("JOIN condition_translations ct ON ct.translated_id = conditions.id").
		Where("ct.source_id = ? AND ct.locale = ?", sourceID, locale).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = s.DB.WithContext(ctx).
			Where("translation_of_id = ? AND locale = ?", sourceID, locale).
			Order("id").First(&c).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// MarkTranslationsStale flags fields on every translated counterpart of sourceID.
func (s *StudyStore) MarkTranslationsStale(ctx context.Context, sourceID uint, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return markStale(tx, sourceID, fields)
	})
}

// SaveNormalized persists the converted draft of study, reconciles its children, flags stale
// translated fields and moves the study to NORMALIZED, all in one transaction. On success study
// reflects the stored state.
func (s *StudyStore) SaveNormalized(ctx context.Context, study *models.Study, draft *models.StudyDraft, stale []string) error {
	next := *study
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next.StudyFields = draft.Fields
		if err := next.MarkNormalized(); err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Save(&next).Error; err != nil {
			return fmt.Errorf("save study %d: %w", next.ID, err)
		}

		var err error
		if next.Interventions, err = replaceOwned[models.Intervention](tx, next.ID, next.Locale, draft.Interventions); err != nil {
			return fmt.Errorf("interventions of study %d: %w", next.ID, err)
		}
		if next.Eligibilities, err = replaceOwned[models.Eligibility](tx, next.ID, next.Locale, draft.Eligibilities); err != nil {
			return fmt.Errorf("eligibilities of study %d: %w", next.ID, err)
		}
		if next.Conditions, err = attachConditions(tx, next.ID, next.Locale, draft.Conditions); err != nil {
			return fmt.Errorf("conditions of study %d: %w", next.ID, err)
		}
		return markStale(tx, next.ID, stale)
	})
	if err != nil {
		return translateErr(err)
	}
	*study = next
	return nil
}

// SaveTranslation upserts the translated counterpart of source with its children, finalizes
// source and, when source is a pending clone, merges away the study it supersedes. One
// transaction covers all of it.
func (s *StudyStore) SaveTranslation(ctx context.Context, source *models.Study, translated *models.Study) error {
	src := *source
	t := *translated
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t.ClearStale()
		t.Status = models.StatusFinalized
		q := tx.Omit(clause.Associations)
		if t.ID == 0 {
			if err := q.Create(&t).Error; err != nil {
				return fmt.Errorf("create translation of study %d: %w", src.ID, err)
			}
		} else if err := q.Save(&t).Error; err != nil {
			return fmt.Errorf("save translation %d: %w", t.ID, err)
		}

		var err error
		if t.Interventions, err = replaceOwned[models.Intervention](tx, t.ID, t.Locale, translated.Interventions); err != nil {
			return fmt.Errorf("interventions of translation %d: %w", t.ID, err)
		}
		if t.Eligibilities, err = replaceOwned[models.Eligibility](tx, t.ID, t.Locale, translated.Eligibilities); err != nil {
			return fmt.Errorf("eligibilities of translation %d: %w", t.ID, err)
		}
		if t.Conditions, err = attachConditions(tx, t.ID, t.Locale, translated.Conditions); err != nil {
			return fmt.Errorf("conditions of translation %d: %w", t.ID, err)
		}

		if err := src.MarkFinalized(); err != nil {
			return err
		}
		if err := tx.Model(&models.Study{}).Where("id = ?", src.ID).
			Updates(map[string]any{"status": src.Status, "last_error": ""}).Error; err != nil {
			return fmt.Errorf("finalize study %d: %w", src.ID, err)
		}
		if src.IsPendingClone() {
			if err := finalizeClone(tx, &src); err != nil {
				return err
			}
			t.SupersedesID = nil
		}
		return nil
	})
	if err != nil {
		return translateErr(err)
	}
	*source = src
	*translated = t
	return nil
}

// ownedRow is a child row that belongs to exactly one study.
type ownedRow[T any] interface {
	*T
	PK() uint
	AttachTo(studyID uint, locale string)
}

// replaceOwned makes rows the complete child set of studyID. Rows with an ID are kept (and
// re-parented if needed), rows without one are inserted, every other child of the study is
// deleted together with the translated rows that point at it.
func replaceOwned[T any, P ownedRow[T]](tx *gorm.DB, studyID uint, locale string, rows []T) ([]T, error) {
	var existing []T
	if err := tx.Where("study_id = ?", studyID).Find(&existing).Error; err != nil {
		return nil, err
	}

	out := make([]T, len(rows))
	copy(out, rows)
	keep := make(map[uint]bool, len(out))
	for i := range out {
		row := P(&out[i])
		row.AttachTo(studyID, locale)
		if row.PK() == 0 {
			if err := tx.Create(row).Error; err != nil {
				return nil, err
			}
		} else if err := tx.Save(row).Error; err != nil {
			return nil, err
		}
		keep[row.PK()] = true
	}

	var removed []uint
	for i := range existing {
		if id := P(&existing[i]).PK(); !keep[id] {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return out, nil
	}
	var zero T
	if err := tx.Where("translation_of_id IN ?", removed).Delete(&zero).Error; err != nil {
		return nil, err
	}
	if err := tx.Delete(&zero, removed).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// attachConditions replaces the condition links of studyID. Conditions without an ID are
// resolved by (name, locale) and created when missing.
func attachConditions(tx *gorm.DB, studyID uint, locale string, rows []models.Condition) ([]models.Condition, error) {
	out := make([]models.Condition, 0, len(rows))
	seen := make(map[uint]bool, len(rows))
	for _, c := range rows {
		if c.ID == 0 {
			found, err := findOrCreateCondition(tx, c.Name, locale, c.TranslationOfID)
			if err != nil {
				return nil, err
			}
			if c.TranslationOfID != nil {
				if err := linkCondition(tx, *c.TranslationOfID, locale, found.ID); err != nil {
					return nil, err
				}
			}
			c = *found
		}
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}

	if err := tx.Exec("DELETE FROM study_conditions WHERE study_id = ?", studyID).Error; err != nil {
		return nil, err
	}
	for _, c := range out {
		if err := tx.Exec("INSERT INTO study_conditions (study_id, condition_id) VALUES (?, ?)", studyID, c.ID).Error; err != nil {
			return nil, err
		}
	}
	return out, nil
}

func findOrCreateCondition(tx *gorm.DB, name, locale string, translationOf *uint) (*models.Condition, error) {
	var c models.Condition
	err := tx.Where("name = ? AND locale = ?", name, locale).First(&c).Error
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	c = models.Condition{Name: name, Locale: locale, TranslationOfID: translationOf}
	if err := tx.Create(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func linkCondition(tx *gorm.DB, sourceID uint, locale string, translatedID uint) error {
	link := models.ConditionTranslation{SourceID: sourceID, Locale: locale, TranslatedID: translatedID}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_id"}, {Name: "locale"}},
		DoUpdates: clause.AssignmentColumns([]string{"translated_id"}),
	}).Create(&link).Error
}

func markStale(tx *gorm.DB, sourceID uint, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	var translations []models.Study
	if err := tx.Where("translation_of_id = ?", sourceID).Find(&translations).Error; err != nil {
		return err
	}
	for i := range translations {
		t := &translations[i]
		for _, f := range fields {
			if err := t.MarkStale(f); err != nil {
				return err
			}
		}
		if err := tx.Model(t).Update("stale_fields", t.StaleFields).Error; err != nil {
			return fmt.Errorf("mark translation %d stale: %w", t.ID, err)
		}
	}
	return nil
}
