package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trial-sync/models"
	"trial-sync/providers"
	"trial-sync/storage"
)

// TranslationError is a failed translation of one field.
type TranslationError struct {
	Field string
	Err   error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translate %s: %v", e.Field, e.Err)
}

func (e *TranslationError) Unwrap() error {
	return e.Err
}

// TranslationService builds translated studies, reusing every prior translation that is still
// valid and requesting fresh text only where none exists or the source changed.
type TranslationService struct {
	Store      *storage.StudyStore
	Translator providers.Translator
	Locale     string
	Logger     *zap.Logger
}

// NewTranslationService creates a translation service for the target locale.
func NewTranslationService(store *storage.StudyStore, translator providers.Translator, locale string, logger *zap.Logger) *TranslationService {
	return &TranslationService{
		Store:      store,
		Translator: translator,
		Locale:     locale,
		Logger:     logger.With(zap.String("locale", locale)),
	}
}

// translator counts provider calls for one build.
type translator struct {
	ctx      context.Context
	t        providers.Translator
	requests int
}

func (tr *translator) text(field string, v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	tr.requests++
	out, err := tr.t.Translate(tr.ctx, v)
	if err != nil {
		return nil, &TranslationError{Field: field, Err: err}
	}
	return out, nil
}

// Build returns the complete translated draft of source (loaded with children). existing is the
// current translated counterpart or nil. The second result is the number of provider requests.
func (ts *TranslationService) Build(ctx context.Context, source *models.Study, existing *models.Study) (*models.Study, int, error) {
	tr := &translator{ctx: ctx, t: ts.Translator}
	sourceID := source.ID

	var out models.Study
	if existing != nil {
		out = *existing
	} else {
		out = models.Study{Locale: ts.Locale, TranslationOfID: &sourceID}
	}
	out.NCTID = source.NCTID
	out.Interventions, out.Eligibilities, out.Conditions = nil, nil, nil

	fields := source.StudyFields
	for _, f := range models.TranslatableFields {
		if existing != nil && !existing.IsStale(f) {
			fields.SetText(f, existing.Text(f))
			continue
		}
		v, err := tr.text(f, source.Text(f))
		if err != nil {
			return nil, tr.requests, err
		}
		fields.SetText(f, v)
	}
	out.StudyFields = fields

	for _, iv := range source.Interventions {
		found, err := ts.Store.FindInterventionTranslation(ctx, iv.ID, ts.Locale)
		if err != nil {
			return nil, tr.requests, err
		}
		if found != nil {
			out.Interventions = append(out.Interventions, *found)
			continue
		}
		ivID := iv.ID
		t := models.Intervention{TranslationOfID: &ivID}
		if t.InterventionType, err = tr.text("intervention_type", iv.InterventionType); err != nil {
			return nil, tr.requests, err
		}
		if t.Name, err = tr.text("intervention_name", iv.Name); err != nil {
			return nil, tr.requests, err
		}
		if t.Description, err = tr.text("intervention_description", iv.Description); err != nil {
			return nil, tr.requests, err
		}
		out.Interventions = append(out.Interventions, t)
	}

	for _, el := range source.Eligibilities {
		found, err := ts.Store.FindEligibilityTranslation(ctx, el.ID, ts.Locale)
		if err != nil {
			return nil, tr.requests, err
		}
		if found != nil {
			out.Eligibilities = append(out.Eligibilities, *found)
			continue
		}
		elID := el.ID
		t := models.Eligibility{
			TranslationOfID: &elID,
			MinimumAge:      el.MinimumAge,
			MaximumAge:      el.MaximumAge,
		}
		if t.Gender, err = tr.text("gender", el.Gender); err != nil {
			return nil, tr.requests, err
		}
		if t.HealthyVolunteers, err = tr.text("healthy_volunteers", el.HealthyVolunteers); err != nil {
			return nil, tr.requests, err
		}
		if t.Criteria, err = tr.text("criteria", el.Criteria); err != nil {
			return nil, tr.requests, err
		}
		out.Eligibilities = append(out.Eligibilities, t)
	}

	for _, cond := range source.Conditions {
		found, err := ts.Store.FindConditionTranslation(ctx, cond.ID, ts.Locale)
		if err != nil {
			return nil, tr.requests, err
		}
		if found != nil {
			out.Conditions = append(out.Conditions, *found)
			continue
		}
		name := cond.Name
		v, err := tr.text("condition", &name)
		if err != nil {
			return nil, tr.requests, err
		}
		if v == nil || *v == "" {
			continue
		}
		condID := cond.ID
		out.Conditions = append(out.Conditions, models.Condition{Name: *v, Locale: ts.Locale, TranslationOfID: &condID})
	}

	ts.Logger.Debug("Built translation",
		zap.String("nct_id", source.NCTID),
		zap.Bool("existing", existing != nil),
		zap.Int("requests", tr.requests))
	return &out, tr.requests, nil
}
