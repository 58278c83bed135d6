package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"trial-sync/config"
	"trial-sync/models"
	"trial-sync/providers"
	"trial-sync/storage"
)

// Outcome is how one fetched document was resolved against the store.
type Outcome string

const (
	OutcomeCreated      Outcome = "created"
	OutcomeCloned       Outcome = "cloned"
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomePendingClone Outcome = "pending_clone"
	OutcomeKnown        Outcome = "known"
	OutcomeUntracked    Outcome = "untracked"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeInvalid      Outcome = "invalid"
)

// syncMode restricts which documents a paged stage acts on.
type syncMode int

const (
	modeAll syncMode = iota
	// modeNew skips identifiers that already have a source study.
	modeNew
	// modeUpdate only detects changes on identifiers that already have a source study.
	modeUpdate
)

// RawArchive stores raw documents outside the database.
type RawArchive interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// SyncService is the version resolver and pipeline driver.
type SyncService struct {
	Config       *config.Config
	Source       providers.Source
	Studies      *storage.StudyStore
	Cursors      *storage.CursorStore
	Converter    *Converter
	Translations *TranslationService
	// Archive is nil when raw archiving is disabled.
	Archive RawArchive
	Logger  *zap.Logger
}

// NewSyncService wires the orchestrator.
func NewSyncService(cfg *config.Config, source providers.Source, studies *storage.StudyStore, cursors *storage.CursorStore,
	converter *Converter, translations *TranslationService, archive RawArchive, logger *zap.Logger) *SyncService {
	return &SyncService{
		Config:       cfg,
		Source:       source,
		Studies:      studies,
		Cursors:      cursors,
		Converter:    converter,
		Translations: translations,
		Archive:      archive,
		Logger:       logger,
	}
}

// Stats summarizes one stage run.
type Stats struct {
	Total     int
	Processed int
	Outcomes  map[Outcome]int
	Failed    int
	Finalized int
}

func newStats() *Stats {
	return &Stats{Outcomes: make(map[Outcome]int)}
}

func (st *Stats) fields() []zap.Field {
	out := []zap.Field{
		zap.Int("total", st.Total),
		zap.Int("processed", st.Processed),
		zap.Int("failed", st.Failed),
		zap.Int("finalized", st.Finalized),
	}
	for k, v := range st.Outcomes {
		out = append(out, zap.Int(string(k), v))
	}
	return out
}

// resolve runs the fingerprint, lookup and branch steps for one document. The returned study is
// non-nil for OutcomeCreated and OutcomeCloned and is the record that still needs conversion.
func (s *SyncService) resolve(ctx context.Context, doc providers.Document, mode syncMode) (Outcome, *models.Study, error) {
	canonical, err := Canonicalize(doc.Payload)
	if err != nil {
		s.Logger.Warn("Skipping undecodable document", zap.Int("rank", doc.Rank), zap.Error(err))
		return OutcomeInvalid, nil, nil
	}
	nctID, err := s.Converter.Identifier(canonical)
	if err != nil {
		s.Logger.Warn("Skipping document without identifier", zap.Int("rank", doc.Rank), zap.Error(err))
		return OutcomeInvalid, nil, nil
	}
	fp := Fingerprint(canonical)
	log := s.Logger.With(zap.String("nct_id", nctID), zap.Int("rank", doc.Rank))

	settled, err := s.Studies.FindSettled(ctx, nctID)
	if err != nil {
		return "", nil, fmt.Errorf("lookup %s: %w", nctID, err)
	}

	if settled == nil {
		if mode == modeUpdate {
			return OutcomeUntracked, nil, nil
		}
		study := &models.Study{
			NCTID:         nctID,
			Fingerprint:   fp,
			RawPayload:    canonical,
			RawArchiveURL: s.archive(ctx, log, nctID, fp, canonical),
		}
		if err := s.Studies.CreateRaw(ctx, study); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				log.Info("Study created concurrently, skipping")
				return OutcomeDuplicate, nil, nil
			}
			return "", nil, err
		}
		log.Debug("Created study", zap.Uint("study_id", study.ID))
		return OutcomeCreated, study, nil
	}

	if mode == modeNew {
		return OutcomeKnown, nil, nil
	}
	if settled.Fingerprint == fp {
		return OutcomeUnchanged, nil, nil
	}

	pending, err := s.Studies.FindPendingClone(ctx, settled.ID)
	if err != nil {
		return "", nil, fmt.Errorf("lookup clone of %s: %w", nctID, err)
	}
	if pending != nil {
		log.Info("Change already pending, leaving it to the convert pass", zap.Uint("clone_id", pending.ID))
		return OutcomePendingClone, nil, nil
	}

	clone, err := s.Studies.Clone(ctx, settled, storage.Revision{
		Payload:     canonical,
		Fingerprint: fp,
		ArchiveURL:  s.archive(ctx, log, nctID, fp, canonical),
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			log.Info("Study cloned concurrently, skipping")
			return OutcomeDuplicate, nil, nil
		}
		return "", nil, err
	}
	log.Info("Content changed, cloned study", zap.Uint("original_id", settled.ID), zap.Uint("clone_id", clone.ID))
	return OutcomeCloned, clone, nil
}

func (s *SyncService) archive(ctx context.Context, log *zap.Logger, nctID, fp string, data []byte) string {
	if s.Archive == nil {
		return ""
	}
	link, err := s.Archive.Put(ctx, storage.RawDocumentKey(nctID, fp), data)
	if err != nil {
		log.Warn("Raw archive upload failed", zap.Error(err))
		return ""
	}
	return link
}

// Normalize converts a RAW study, reconciles its children and flags the translated fields whose
// source value changed.
func (s *SyncService) Normalize(ctx context.Context, study *models.Study) error {
	loaded, err := s.load(ctx, study, models.StatusRaw)
	if loaded == nil || err != nil {
		return err
	}
	draft, err := s.Converter.Convert(loaded.RawPayload, loaded)
	if err != nil {
		return s.fail(ctx, loaded, "convert", err)
	}
	stale := models.ChangedTextFields(&loaded.StudyFields, &draft.Fields)
	if err := s.Studies.SaveNormalized(ctx, loaded, draft, stale); err != nil {
		return s.fail(ctx, loaded, "convert", err)
	}
	*study = *loaded
	return nil
}

// Translate produces or refreshes the translated counterpart of a NORMALIZED study and finalizes
// it. A finalized clone replaces the study it supersedes.
func (s *SyncService) Translate(ctx context.Context, study *models.Study) error {
	loaded, err := s.load(ctx, study, models.StatusNormalized)
	if loaded == nil || err != nil {
		return err
	}
	existing, err := s.Studies.FindTranslation(ctx, loaded.ID, s.Translations.Locale)
	if err != nil {
		return err
	}
	translated, requests, err := s.Translations.Build(ctx, loaded, existing)
	translationRequestsCounter.Add(float64(requests))
	if err != nil {
		return s.fail(ctx, loaded, "translate", err)
	}

	clone := loaded.IsPendingClone()
	if err := s.Studies.SaveTranslation(ctx, loaded, translated); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			s.Logger.Info("Translation stored concurrently, skipping", zap.String("nct_id", loaded.NCTID))
			return nil
		}
		return s.fail(ctx, loaded, "translate", err)
	}
	finalizedCounter.Inc()
	if clone {
		s.Logger.Info("Clone finalized and merged", zap.String("nct_id", loaded.NCTID), zap.Uint("study_id", loaded.ID))
	}
	*study = *loaded
	return nil
}

// load reloads study for a pipeline step. It returns nil when another run already deleted the
// study or moved it past want.
func (s *SyncService) load(ctx context.Context, study *models.Study, want models.Status) (*models.Study, error) {
	loaded, err := s.Studies.Load(ctx, study.ID)
	if errors.Is(err, storage.ErrGone) {
		s.Logger.Info("Study no longer exists, skipping", zap.String("nct_id", study.NCTID), zap.Uint("study_id", study.ID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if loaded.Status != want {
		s.Logger.Info("Study already advanced by another run, skipping",
			zap.String("nct_id", loaded.NCTID), zap.Stringer("status", loaded.Status))
		return nil, nil
	}
	return loaded, nil
}

// fail stores a per-record failure on the study and returns it as a *RecordError. Errors the
// batch cannot continue after are returned unchanged.
func (s *SyncService) fail(ctx context.Context, study *models.Study, stage string, err error) error {
	var verr *ValidationError
	var terr *TranslationError
	recordLevel := errors.As(err, &verr) ||
		errors.Is(err, models.ErrInvalidTransition) ||
		errors.Is(err, storage.ErrDuplicate) ||
		(errors.As(err, &terr) && !isFatal(err))
	if !recordLevel {
		return err
	}

	failuresCounter.WithLabelValues(stage).Inc()
	if rerr := s.Studies.RecordFailure(ctx, study.ID, err); rerr != nil {
		return fmt.Errorf("record failure of study %d: %w", study.ID, rerr)
	}
	return &RecordError{StudyID: study.ID, NCTID: study.NCTID, Stage: stage, Err: err}
}

// process resolves one document and, when full is set, drives a new or cloned study through
// conversion and translation.
func (s *SyncService) process(ctx context.Context, doc providers.Document, mode syncMode, full bool, st *Stats) error {
	outcome, study, err := s.resolve(ctx, doc, mode)
	if err != nil {
		return err
	}
	st.Processed++
	st.Outcomes[outcome]++
	documentsCounter.WithLabelValues(string(outcome)).Inc()

	if study == nil {
		return nil
	}
	if mode == modeUpdate {
		return s.propagateStaleness(ctx, study, st)
	}
	if !full {
		return nil
	}
	return s.drive(ctx, study, st)
}

// drive runs conversion and translation on a study; per-record failures are counted and skipped.
func (s *SyncService) drive(ctx context.Context, study *models.Study, st *Stats) error {
	if study.Status == models.StatusRaw {
		if err := s.skipRecordError(s.Normalize(ctx, study), st); err != nil || study.Status != models.StatusNormalized {
			return err
		}
	}
	if study.Status == models.StatusNormalized {
		if err := s.skipRecordError(s.Translate(ctx, study), st); err != nil {
			return err
		}
		if study.Status == models.StatusFinalized {
			st.Finalized++
		}
	}
	return nil
}

func (s *SyncService) skipRecordError(err error, st *Stats) error {
	var rerr *RecordError
	if errors.As(err, &rerr) {
		st.Failed++
		s.Logger.Warn("Record failed, left for the next pass",
			zap.String("nct_id", rerr.NCTID), zap.String("stage", rerr.Stage), zap.Error(rerr.Err))
		return nil
	}
	return err
}

// propagateStaleness marks the translated fields a freshly cloned study will change, without
// converting the clone itself.
func (s *SyncService) propagateStaleness(ctx context.Context, clone *models.Study, st *Stats) error {
	draft, err := s.Converter.Convert(clone.RawPayload, nil)
	if err != nil {
		return s.skipRecordError(s.fail(ctx, clone, "update", err), st)
	}
	stale := models.ChangedTextFields(&clone.StudyFields, &draft.Fields)
	if len(stale) == 0 {
		return nil
	}
	s.Logger.Debug("Marking translated fields stale", zap.String("nct_id", clone.NCTID), zap.Strings("fields", stale))
	return s.Studies.MarkTranslationsStale(ctx, clone.ID, stale)
}
