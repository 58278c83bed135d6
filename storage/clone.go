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

// ErrNotSettled is returned when a clone is requested for a study that is not a settled source.
var ErrNotSettled = errors.New("study is not a settled source")

// Revision is a newly fetched raw document that differs from the stored one.
type Revision struct {
	Payload     []byte
	Fingerprint string
	ArchiveURL  string
}

// Clone copies original, its children and every translation of it into a new aggregate that
// supersedes the old one. The clone starts in RAW with rev as its payload; the translations keep
// their stale flags. The original stays untouched until the clone is finalized.
func (s *StudyStore) Clone(ctx context.Context, original *models.Study, rev Revision) (*models.Study, error) {
	var clone models.Study
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orig models.Study
		if err := withChildren(tx).First(&orig, original.ID).Error; err != nil {
			return fmt.Errorf("reload study %d: %w", original.ID, err)
		}
		if orig.IsTranslation() || orig.IsPendingClone() {
			return fmt.Errorf("clone study %d: %w", orig.ID, ErrNotSettled)
		}

		origID := orig.ID
		clone = models.Study{
			NCTID:         orig.NCTID,
			Locale:        orig.Locale,
			SupersedesID:  &origID,
			Status:        models.StatusRaw,
			Fingerprint:   rev.Fingerprint,
			RawPayload:    rev.Payload,
			RawArchiveURL: rev.ArchiveURL,
			StudyFields:   orig.StudyFields,
		}
		if err := tx.Omit(clause.Associations).Create(&clone).Error; err != nil {
			return fmt.Errorf("create clone of study %d: %w", origID, err)
		}
		ivMap, elMap, err := cloneChildren(tx, &orig, &clone, nil, nil)
		if err != nil {
			return err
		}

		var translations []models.Study
		if err := withChildren(tx).Where("translation_of_id = ?", origID).Order("id").Find(&translations).Error; err != nil {
			return fmt.Errorf("load translations of study %d: %w", origID, err)
		}
		for i := range translations {
			old := &translations[i]
			oldID := old.ID
			cloneID := clone.ID
			t := models.Study{
				NCTID:           old.NCTID,
				Locale:          old.Locale,
				TranslationOfID: &cloneID,
				SupersedesID:    &oldID,
				Status:          old.Status,
				StudyFields:     old.StudyFields,
				StaleFields:     old.StaleFields,
			}
			if err := tx.Omit(clause.Associations).Create(&t).Error; err != nil {
				return fmt.Errorf("clone translation %d: %w", oldID, err)
			}
			if _, _, err := cloneChildren(tx, old, &t, ivMap, elMap); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, translateErr(err)
	}
	s.Logger.Debug("Cloned study for content change",
		zap.String("nct_id", clone.NCTID), zap.Uint("original_id", original.ID), zap.Uint("clone_id", clone.ID))
	return &clone, nil
}

// cloneChildren copies the children and condition links of from onto to. Every copy supersedes
// the row it was copied from. When the maps are given, translated children are re-pointed at the
// cloned source children; otherwise the maps of old to new ids are returned.
func cloneChildren(tx *gorm.DB, from, to *models.Study, ivMap, elMap map[uint]uint) (map[uint]uint, map[uint]uint, error) {
	rewire := func(m map[uint]uint, id *uint) *uint {
		if m == nil || id == nil {
			return id
		}
		if next, ok := m[*id]; ok {
			return &next
		}
		return nil
	}

	ivOut := make(map[uint]uint, len(from.Interventions))
	for _, iv := range from.Interventions {
		oldID := iv.ID
		c := iv
		c.ID = 0
		c.StudyID = to.ID
		c.SupersedesID = &oldID
		c.TranslationOfID = rewire(ivMap, iv.TranslationOfID)
		if err := tx.Create(&c).Error; err != nil {
			return nil, nil, fmt.Errorf("clone intervention %d: %w", oldID, err)
		}
		ivOut[oldID] = c.ID
		to.Interventions = append(to.Interventions, c)
	}

	elOut := make(map[uint]uint, len(from.Eligibilities))
	for _, el := range from.Eligibilities {
		oldID := el.ID
		c := el
		c.ID = 0
		c.StudyID = to.ID
		c.SupersedesID = &oldID
		c.TranslationOfID = rewire(elMap, el.TranslationOfID)
		if err := tx.Create(&c).Error; err != nil {
			return nil, nil, fmt.Errorf("clone eligibility %d: %w", oldID, err)
		}
		elOut[oldID] = c.ID
		to.Eligibilities = append(to.Eligibilities, c)
	}

	for _, c := range from.Conditions {
		if err := tx.Exec("INSERT INTO study_conditions (study_id, condition_id) VALUES (?, ?)", to.ID, c.ID).Error; err != nil {
			return nil, nil, fmt.Errorf("link condition %d: %w", c.ID, err)
		}
		to.Conditions = append(to.Conditions, c)
	}
	return ivOut, elOut, nil
}

// finalizeClone removes the aggregate that clone supersedes and turns the clone, its translations
// and all their children into settled rows.
func finalizeClone(tx *gorm.DB, clone *models.Study) error {
	if err := deleteAggregate(tx, *clone.SupersedesID); err != nil {
		return err
	}

	var ids []uint
	if err := tx.Model(&models.Study{}).
		Where("id = ? OR translation_of_id = ?", clone.ID, clone.ID).
		Pluck("id", &ids).Error; err != nil {
		return err
	}
	for _, m := range []any{&models.Intervention{}, &models.Eligibility{}} {
		if err := tx.Model(m).Where("study_id IN ?", ids).Update("supersedes_id", nil).Error; err != nil {
			return fmt.Errorf("settle children of study %d: %w", clone.ID, err)
		}
	}
	if err := tx.Model(&models.Study{}).Where("id IN ?", ids).Update("supersedes_id", nil).Error; err != nil {
		return fmt.Errorf("settle study %d: %w", clone.ID, err)
	}
	clone.SupersedesID = nil
	return nil
}

// deleteAggregate deletes a source study, its translations and everything they own.
func deleteAggregate(tx *gorm.DB, sourceID uint) error {
	var ids []uint
	if err := tx.Model(&models.Study{}).
		Where("id = ? OR translation_of_id = ?", sourceID, sourceID).
		Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := tx.Where("study_id IN ?", ids).Delete(&models.Intervention{}).Error; err != nil {
		return fmt.Errorf("delete interventions of study %d: %w", sourceID, err)
	}
	if err := tx.Where("study_id IN ?", ids).Delete(&models.Eligibility{}).Error; err != nil {
		return fmt.Errorf("delete eligibilities of study %d: %w", sourceID, err)
	}
	if err := tx.Exec("DELETE FROM study_conditions WHERE study_id IN ?", ids).Error; err != nil {
		return fmt.Errorf("unlink conditions of study %d: %w", sourceID, err)
	}
	// translations first: they reference the source row
	if err := tx.Where("translation_of_id = ?", sourceID).Delete(&models.Study{}).Error; err != nil {
		return fmt.Errorf("delete translations of study %d: %w", sourceID, err)
	}
	if err := tx.Delete(&models.Study{}, sourceID).Error; err != nil {
		return fmt.Errorf("delete study %d: %w", sourceID, err)
	}
	return nil
}
