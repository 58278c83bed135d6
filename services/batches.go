package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trial-sync/models"
)

// SyncAll pages through the whole catalog, saving, converting and translating every new or
// changed study, then drains one bounded batch of pending records left by earlier runs.
func (s *SyncService) SyncAll(ctx context.Context) (*Stats, error) {
	st, err := s.runPaged(ctx, models.CursorLoaded, modeAll, true)
	if err != nil {
		return st, err
	}
	return st, s.drain(ctx, st)
}

// SaveAll pages through the whole catalog and only stores raw documents (first phase of a
// two-phase sync).
func (s *SyncService) SaveAll(ctx context.Context) (*Stats, error) {
	return s.runPaged(ctx, models.CursorLoaded, modeAll, false)
}

// SyncNew runs the full pipeline for identifiers that have no study yet.
func (s *SyncService) SyncNew(ctx context.Context) (*Stats, error) {
	return s.runPaged(ctx, models.CursorLoadedNew, modeNew, true)
}

// SaveNew stores raw documents for identifiers that have no study yet.
func (s *SyncService) SaveNew(ctx context.Context) (*Stats, error) {
	return s.runPaged(ctx, models.CursorLoadedNew, modeNew, false)
}

// UpdateSweep detects changed documents of known studies, clones them and marks the affected
// translated fields stale. The clones stay RAW for the convert pass.
func (s *SyncService) UpdateSweep(ctx context.Context) (*Stats, error) {
	return s.runPaged(ctx, models.CursorUpdated, modeUpdate, false)
}

// ConvertPending converts up to one page of RAW studies, least recently touched first.
func (s *SyncService) ConvertPending(ctx context.Context) (*Stats, error) {
	return s.runPending(ctx, models.StatusRaw, "convert", s.Normalize)
}

// TranslatePending translates up to one page of NORMALIZED studies, least recently touched first.
func (s *SyncService) TranslatePending(ctx context.Context) (*Stats, error) {
	return s.runPending(ctx, models.StatusNormalized, "translate", s.Translate)
}

func (s *SyncService) drain(ctx context.Context, st *Stats) error {
	converted, err := s.ConvertPending(ctx)
	if err != nil {
		return err
	}
	translated, err := s.TranslatePending(ctx)
	if err != nil {
		return err
	}
	st.Failed += converted.Failed + translated.Failed
	st.Finalized += translated.Finalized
	return nil
}

func (s *SyncService) runPending(ctx context.Context, status models.Status, stage string, step func(context.Context, *models.Study) error) (*Stats, error) {
	log := s.Logger.With(zap.String("run_id", uuid.NewString()), zap.String("stage", stage))
	st := newStats()

	studies, err := s.Studies.ListByStatus(ctx, status, s.Config.PageSize)
	if err != nil {
		return st, fmt.Errorf("list %s studies: %w", status, err)
	}
	st.Total = len(studies)
	log.Info("Processing pending studies", zap.Int("count", len(studies)))

	for i := range studies {
		study := &studies[i]
		if err := s.skipRecordError(step(ctx, study), st); err != nil {
			return st, err
		}
		st.Processed++
		if study.Status == models.StatusFinalized {
			st.Finalized++
		}
	}
	log.Info("Pending studies processed", st.fields()...)
	return st, nil
}

// runPaged walks the catalog in ascending rank order from the stored cursor. The cursor is
// advanced after every document and reset to 1 once the catalog end is reached.
func (s *SyncService) runPaged(ctx context.Context, cursor string, mode syncMode, full bool) (*Stats, error) {
	log := s.Logger.With(zap.String("run_id", uuid.NewString()), zap.String("cursor", cursor))
	st := newStats()

	total, err := s.Source.Count(ctx)
	if err != nil {
		return st, err
	}
	st.Total = total
	start, err := s.Cursors.Get(ctx, cursor)
	if err != nil {
		return st, err
	}
	log.Info("Starting sync stage", zap.String("source", s.Source.Name()), zap.Int("total", total), zap.Int("from", start))

	pageSize := s.Config.PageSize
	for pages := 0; start <= total; pages++ {
		if s.Config.MaxPagesPerRun > 0 && pages >= s.Config.MaxPagesPerRun {
			log.Info("Page budget spent, resuming next run", zap.Int("next", start))
			return st, nil
		}
		end := start + pageSize - 1
		docs, err := s.Source.Page(ctx, start, end)
		if err != nil {
			return st, err
		}
		if len(docs) == 0 {
			break
		}

		for _, doc := range docs {
			if err := s.process(ctx, doc, mode, full, st); err != nil {
				return st, fmt.Errorf("rank %d: %w", doc.Rank, err)
			}
			if err := s.Cursors.Set(ctx, cursor, doc.Rank+1); err != nil {
				return st, err
			}
		}
		log.Info("Progress", zap.Int("processed", start+len(docs)-1), zap.Int("total", total))
		start = end + 1
	}

	if err := s.Cursors.Reset(ctx, cursor); err != nil {
		return st, err
	}
	log.Info("Sync stage completed", st.fields()...)
	return st, nil
}
