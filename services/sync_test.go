package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trial-sync/config"
	"trial-sync/models"
	"trial-sync/providers"
	"trial-sync/providers/translation"
)

func TestSyncAll_EndToEnd(t *testing.T) {
	docs := make([][]byte, 100)
	for i := range docs {
		docs[i] = doc(t, fmt.Sprintf("NCT%08d", i+1), fmt.Sprintf("Study %d", i+1), "Phase 2")
	}
	h := newHarness(t, docs...)

	st, err := h.sync.SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 100, st.Outcomes[OutcomeCreated])
	assert.Equal(t, 100, st.Finalized)
	assert.Zero(t, st.Failed)
	assert.EqualValues(t, 100, h.count(t, "translation_of_id IS NULL AND status = ?", models.StatusFinalized))
	assert.EqualValues(t, 100, h.count(t, "translation_of_id IS NOT NULL AND locale = ?", "ko"))
	assert.EqualValues(t, 0, h.count(t, "supersedes_id IS NOT NULL"))
	assert.Equal(t, 1, h.cursor(t, models.CursorLoaded))

	src := h.settled(t, "NCT00000042")
	tr := h.translation(t, src.ID)
	assert.Equal(t, "ko:Study 42", *tr.Title)
	assert.Equal(t, "ko:Recruiting", *tr.OverallStatus)
	assert.Equal(t, *src.Enrollment, *tr.Enrollment)
	assert.Equal(t, *src.StartDate, *tr.StartDate)
	require.Len(t, tr.Eligibilities, 1)
	assert.Equal(t, "18 Years", *tr.Eligibilities[0].MinimumAge, "ages are copied verbatim")
	assert.Equal(t, "ko:Adults", *tr.Eligibilities[0].Criteria)
	require.Len(t, tr.Conditions, 1)
	assert.Equal(t, "ko:Asthma", tr.Conditions[0].Name)

	// the shared condition was translated once
	calls := h.translator.reset()
	asthma := 0
	for _, c := range calls {
		if c == "Asthma" {
			asthma++
		}
	}
	assert.Equal(t, 1, asthma)
}

func TestSyncAll_UnchangedRefetchIsNoop(t *testing.T) {
	h := newHarness(t,
		doc(t, "NCT00000001", "A", "Phase 1"),
		doc(t, "NCT00000002", "B", "Phase 1"),
	)
	ctx := context.Background()
	_, err := h.sync.SyncAll(ctx)
	require.NoError(t, err)
	before := h.settled(t, "NCT00000001")
	h.translator.reset()

	st, err := h.sync.SyncAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, st.Outcomes[OutcomeUnchanged])
	assert.Empty(t, h.translator.reset())
	assert.EqualValues(t, 4, h.count(t, "1 = 1"))
	after := h.settled(t, "NCT00000001")
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, models.StatusFinalized, after.Status)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt), "the settled row is not rewritten")
}

func TestSyncAll_ChangeRetranslatesOnlyChangedField(t *testing.T) {
	h := newHarness(t, doc(t, "NCT00000001", "A", "Phase 1"))
	ctx := context.Background()
	_, err := h.sync.SyncAll(ctx)
	require.NoError(t, err)
	original := h.settled(t, "NCT00000001")
	h.translator.reset()

	h.source.set(0, doc(t, "NCT00000001", "B", "Phase 1"))
	st, err := h.sync.SyncAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, st.Outcomes[OutcomeCloned])
	assert.Equal(t, []string{"B"}, h.translator.reset(), "only the title is retranslated")

	current := h.settled(t, "NCT00000001")
	assert.NotEqual(t, original.ID, current.ID)
	assert.Equal(t, "B", *current.Title)
	assert.Equal(t, models.StatusFinalized, current.Status)
	assert.Nil(t, current.SupersedesID)

	tr := h.translation(t, current.ID)
	assert.Equal(t, "ko:B", *tr.Title)
	assert.Equal(t, "ko:Phase 1", *tr.Phase)
	assert.Empty(t, tr.StaleFields)
	require.Len(t, tr.Interventions, 1)
	assert.Equal(t, "ko:Drug X", *tr.Interventions[0].Name)

	assert.EqualValues(t, 1, h.count(t, "nct_id = ? AND translation_of_id IS NULL", "NCT00000001"))
	assert.EqualValues(t, 2, h.count(t, "nct_id = ?", "NCT00000001"))
	assert.EqualValues(t, 0, h.count(t, "id = ?", original.ID))
}

func TestCrashAfterClone_RecoveredByPendingPasses(t *testing.T) {
	h := newHarness(t, doc(t, "NCT00000001", "A", "Phase 1"))
	ctx := context.Background()
	_, err := h.sync.SyncAll(ctx)
	require.NoError(t, err)
	original := h.settled(t, "NCT00000001")

	// save-only pass stops right after cloning
	h.source.set(0, doc(t, "NCT00000001", "B", "Phase 1"))
	st, err := h.sync.SaveAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Outcomes[OutcomeCloned])
	clone, err := h.sync.Studies.FindPendingClone(ctx, original.ID)
	require.NoError(t, err)
	require.NotNil(t, clone)
	assert.Equal(t, models.StatusRaw, clone.Status)

	// a re-run does not clone again
	st, err = h.sync.SaveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Outcomes[OutcomePendingClone])
	assert.EqualValues(t, 2, h.count(t, "translation_of_id IS NULL"))

	_, err = h.sync.ConvertPending(ctx)
	require.NoError(t, err)
	st, err = h.sync.TranslatePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Finalized)

	current := h.settled(t, "NCT00000001")
	assert.Equal(t, clone.ID, current.ID)
	assert.Equal(t, "B", *current.Title)
	assert.EqualValues(t, 1, h.count(t, "translation_of_id IS NULL"))
	assert.Equal(t, "ko:B", *h.translation(t, current.ID).Title)
}

func TestSyncAll_DrainsLeftoverClones(t *testing.T) {
	h := newHarness(t, doc(t, "NCT00000001", "A", "Phase 1"))
	ctx := context.Background()
	_, err := h.sync.SyncAll(ctx)
	require.NoError(t, err)

	h.source.set(0, doc(t, "NCT00000001", "B", "Phase 1"))
	_, err = h.sync.SaveAll(ctx)
	require.NoError(t, err)

	st, err := h.sync.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Outcomes[OutcomePendingClone])
	assert.Equal(t, 1, st.Finalized)
	assert.Equal(t, "B", *h.settled(t, "NCT00000001").Title)
}

func TestResolve_ConcurrentCreateIsSkipped(t *testing.T) {
	h := newHarness(t, doc(t, "NCT00000001", "A", "Phase 1"))
	archive := &mockArchive{}
	archive.On("Put", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			// another process inserts the same identifier first
			require.NoError(t, h.db.Omit("Interventions", "Eligibilities", "Conditions").
				Create(&models.Study{NCTID: "NCT00000001", Locale: "en", Status: models.StatusRaw}).Error)
		}).
		Return("https://s3.example/raw.json", nil).Once()
	h.sync.Archive = archive

	st, err := h.sync.SaveAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Outcomes[OutcomeDuplicate])
	assert.EqualValues(t, 1, h.count(t, "nct_id = ?", "NCT00000001"))
	archive.AssertExpectations(t)
}

func TestTranslate_ConcurrentTranslationIsSkipped(t *testing.T) {
	h := newHarness(t, doc(t, "NCT00000001", "A", "Phase 1"))
	ctx := context.Background()
	_, err := h.sync.SaveAll(ctx)
	require.NoError(t, err)
	_, err = h.sync.ConvertPending(ctx)
	require.NoError(t, err)
	src := h.settled(t, "NCT00000001")

	once := false
	h.translator.before = func(string) {
		if once {
			return
		}
		once = true
		srcID := src.ID
		require.NoError(t, h.db.Omit("Interventions", "Eligibilities", "Conditions").
			Create(&models.Study{NCTID: src.NCTID, Locale: "ko", TranslationOfID: &srcID, Status: models.StatusFinalized}).Error)
	}

	st, err := h.sync.TranslatePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Failed)
	assert.EqualValues(t, 1, h.count(t, "translation_of_id = ?", src.ID))
	assert.Equal(t, models.StatusNormalized, h.settled(t, "NCT00000001").Status)
}

func TestSyncAll_TranslationFailureIsRecorded(t *testing.T) {
	h := newHarness(t,
		doc(t, "NCT00000001", "Broken", "Phase 1"),
		doc(t, "NCT00000002", "Fine", "Phase 1"),
	)
	h.translator.failOn = map[string]error{"Broken": errors.New("unsupported characters")}

	st, err := h.sync.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Failed, "the drain retries the broken record once more")
	assert.Equal(t, 1, st.Finalized)

	broken := h.settled(t, "NCT00000001")
	assert.Equal(t, models.StatusNormalized, broken.Status)
	assert.Contains(t, broken.LastError, "unsupported characters")
	assert.Equal(t, models.StatusFinalized, h.settled(t, "NCT00000002").Status)
	assert.Equal(t, 1, h.cursor(t, models.CursorLoaded))
}

func TestSyncAll_ThrottledTranslatorAbortsAndKeepsCursor(t *testing.T) {
	h := newHarness(t,
		doc(t, "NCT00000001", "A", "Phase 1"),
		doc(t, "NCT00000002", "Throttled", "Phase 1"),
		doc(t, "NCT00000003", "C", "Phase 1"),
	)
	h.translator.failOn = map[string]error{"Throttled": fmt.Errorf("giving up: %w", providers.ErrRateLimited)}

	_, err := h.sync.SyncAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, providers.ErrRateLimited)
	assert.Equal(t, 2, h.cursor(t, models.CursorLoaded), "resumes at the record that failed")
	assert.EqualValues(t, 0, h.count(t, "nct_id = ?", "NCT00000003"))
}

func TestSource404Aborts(t *testing.T) {
	h := newHarness(t, doc(t, "NCT00000001", "A", "Phase 1"))
	h.source.err = fmt.Errorf("full studies 1-100: %w", providers.ErrNotFound)

	_, err := h.sync.SaveAll(context.Background())
	assert.ErrorIs(t, err, providers.ErrNotFound)
}

func TestInvalidDocumentIsSkipped(t *testing.T) {
	h := newHarness(t,
		v2Doc(t, map[string]any{"IdentificationModule": map[string]any{"OfficialTitle": "no id"}}),
		doc(t, "NCT00000002", "B", "Phase 1"),
	)

	st, err := h.sync.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Outcomes[OutcomeInvalid])
	assert.Equal(t, 1, st.Finalized)
	assert.EqualValues(t, 1, h.count(t, "translation_of_id IS NULL"))
}

func TestSaveAll_ResumesFromCursor(t *testing.T) {
	docs := make([][]byte, 5)
	for i := range docs {
		docs[i] = doc(t, fmt.Sprintf("NCT%08d", i+1), "T", "Phase 1")
	}
	h := newHarness(t, docs...)
	h.sync.Config.PageSize = 2
	h.sync.Config.MaxPagesPerRun = 1
	ctx := context.Background()

	_, err := h.sync.SaveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, h.cursor(t, models.CursorLoaded))
	assert.EqualValues(t, 2, h.count(t, "1 = 1"))

	_, err = h.sync.SaveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, h.cursor(t, models.CursorLoaded))

	_, err = h.sync.SaveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.cursor(t, models.CursorLoaded), "reset after the last page")
	assert.EqualValues(t, 5, h.count(t, "status = ?", models.StatusRaw))
	assert.Empty(t, h.translator.reset())
}

func TestSyncNew_SkipsKnownIdentifiers(t *testing.T) {
	h := newHarness(t, doc(t, "NCT00000001", "A", "Phase 1"))
	ctx := context.Background()
	_, err := h.sync.SyncAll(ctx)
	require.NoError(t, err)

	h.source.set(0, doc(t, "NCT00000001", "changed", "Phase 1"))
	h.source.docs = append(h.source.docs, doc(t, "NCT00000002", "new", "Phase 1"))
	st, err := h.sync.SyncNew(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, st.Outcomes[OutcomeKnown])
	assert.Equal(t, 1, st.Outcomes[OutcomeCreated])
	assert.Equal(t, "A", *h.settled(t, "NCT00000001").Title)
	assert.Equal(t, models.StatusFinalized, h.settled(t, "NCT00000002").Status)
	assert.Equal(t, 1, h.cursor(t, models.CursorLoadedNew))
}

func TestSaveNew_StoresRawOnly(t *testing.T) {
	h := newHarness(t, doc(t, "NCT00000001", "A", "Phase 1"))

	st, err := h.sync.SaveNew(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Outcomes[OutcomeCreated])
	assert.Equal(t, models.StatusRaw, h.settled(t, "NCT00000001").Status)
}

func TestUpdateSweep_ClonesAndMarksStale(t *testing.T) {
	h := newHarness(t, doc(t, "NCT00000001", "A", "Phase 1"))
	ctx := context.Background()
	_, err := h.sync.SyncAll(ctx)
	require.NoError(t, err)
	original := h.settled(t, "NCT00000001")
	h.translator.reset()

	h.source.set(0, doc(t, "NCT00000001", "A", "Phase 2"))
	h.source.docs = append(h.source.docs, doc(t, "NCT00000002", "untracked", "Phase 1"))
	st, err := h.sync.UpdateSweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, st.Outcomes[OutcomeCloned])
	assert.Equal(t, 1, st.Outcomes[OutcomeUntracked])
	assert.EqualValues(t, 0, h.count(t, "nct_id = ?", "NCT00000002"))
	assert.Empty(t, h.translator.reset())
	assert.Equal(t, 1, h.cursor(t, models.CursorUpdated))

	clone, err := h.sync.Studies.FindPendingClone(ctx, original.ID)
	require.NoError(t, err)
	require.NotNil(t, clone)
	assert.Equal(t, models.StatusRaw, clone.Status, "conversion is left to the convert pass")
	cloneTr := h.translation(t, clone.ID)
	assert.Equal(t, []string{models.FieldPhase}, []string(cloneTr.StaleFields))
	assert.Empty(t, h.translation(t, original.ID).StaleFields, "the settled translation is untouched")

	_, err = h.sync.ConvertPending(ctx)
	require.NoError(t, err)
	_, err = h.sync.TranslatePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Phase 2"}, h.translator.reset())
	assert.Equal(t, "ko:Phase 2", *h.translation(t, h.settled(t, "NCT00000001").ID).Phase)
}

func TestTranslatePending_SkipsOriginalMergedAwayEarlierInBatch(t *testing.T) {
	h := newHarness(t, doc(t, "NCT00000001", "Broken", "Phase 1"))
	h.translator.failOn = map[string]error{"Broken": errors.New("unsupported characters")}
	ctx := context.Background()
	_, err := h.sync.SyncAll(ctx)
	require.NoError(t, err)
	original := h.settled(t, "NCT00000001")
	require.Equal(t, models.StatusNormalized, original.Status)

	h.source.set(0, doc(t, "NCT00000001", "Fixed", "Phase 1"))
	_, err = h.sync.SaveAll(ctx)
	require.NoError(t, err)
	_, err = h.sync.ConvertPending(ctx)
	require.NoError(t, err)
	// the original is listed after its clone
	require.NoError(t, h.db.Model(&models.Study{}).Where("id = ?", original.ID).
		UpdateColumn("updated_at", time.Now().Add(time.Hour)).Error)
	h.translator.failOn = nil

	st, err := h.sync.TranslatePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Finalized)
	assert.Zero(t, st.Failed)

	current := h.settled(t, "NCT00000001")
	assert.NotEqual(t, original.ID, current.ID)
	assert.Equal(t, "Fixed", *current.Title)
	assert.Equal(t, models.StatusFinalized, current.Status)
	assert.EqualValues(t, 1, h.count(t, "translation_of_id IS NULL"))
}

func TestSyncAll_UnreachableTranslatorAborts(t *testing.T) {
	h := newHarness(t,
		doc(t, "NCT00000001", "A", "Phase 1"),
		doc(t, "NCT00000002", "B", "Phase 1"),
	)
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	h.sync.Translations.Translator = translation.NewFetcher(&config.Config{
		TranslatorURL:   srv.URL,
		SourceLocale:    "en",
		TargetLocale:    "ko",
		ThrottleBackoff: time.Millisecond,
		ServerBackoff:   time.Millisecond,
		MaxAttempts:     2,
		RequestTimeout:  time.Second,
	}, zap.NewNop())

	_, err := h.sync.SyncAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, providers.ErrUnavailable)
	assert.Equal(t, 1, h.cursor(t, models.CursorLoaded))

	first := h.settled(t, "NCT00000001")
	assert.Equal(t, models.StatusNormalized, first.Status)
	assert.Empty(t, first.LastError, "an outage is not a record failure")
	assert.EqualValues(t, 0, h.count(t, "nct_id = ?", "NCT00000002"))
}

func TestSyncAll_SharedTranslatedConditionIsReused(t *testing.T) {
	h := newHarness(t,
		docWithCondition(t, "NCT00000001", "A", "Phase 1", "ASTHMA"),
		docWithCondition(t, "NCT00000002", "A", "Phase 1", "Asthma"),
	)
	h.translator.outputs = map[string]string{"ASTHMA": "ko:asthma", "Asthma": "ko:asthma"}
	ctx := context.Background()
	_, err := h.sync.SyncAll(ctx)
	require.NoError(t, err)
	h.translator.reset()

	h.source.set(1, docWithCondition(t, "NCT00000002", "B", "Phase 1", "Asthma"))
	_, err = h.sync.SyncAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"B"}, h.translator.reset())
	tr := h.translation(t, h.settled(t, "NCT00000002").ID)
	require.Len(t, tr.Conditions, 1)
	assert.Equal(t, "ko:asthma", tr.Conditions[0].Name)
}

func TestSyncAll_TrailingDataIsInvalid(t *testing.T) {
	h := newHarness(t,
		append(doc(t, "NCT00000001", "A", "Phase 1"), []byte(`{"extra":true}`)...),
		doc(t, "NCT00000002", "B", "Phase 1"),
	)

	st, err := h.sync.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Outcomes[OutcomeInvalid])
	assert.EqualValues(t, 0, h.count(t, "nct_id = ?", "NCT00000001"))
}
