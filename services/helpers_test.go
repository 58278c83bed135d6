package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"trial-sync/config"
	"trial-sync/models"
	"trial-sync/providers"
	"trial-sync/storage"
)

func ptr(s string) *string { return &s }

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, storage.Migrate(db))
	return db
}

// fakeSource serves docs as a catalog ranked from 1.
type fakeSource struct {
	mu   sync.Mutex
	docs [][]byte
	err  error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Count(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs), nil
}

func (f *fakeSource) Page(_ context.Context, start, end int) ([]providers.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []providers.Document
	for r := start; r <= end && r <= len(f.docs); r++ {
		out = append(out, providers.Document{Rank: r, Payload: f.docs[r-1]})
	}
	return out, nil
}

func (f *fakeSource) set(i int, doc []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[i] = doc
}

// fakeTranslator prefixes every text with "ko:" unless outputs overrides it, and records what it
// was asked.
type fakeTranslator struct {
	mu      sync.Mutex
	calls   []string
	failOn  map[string]error
	outputs map[string]string
	before  func(text string)
}

func (f *fakeTranslator) Translate(_ context.Context, text *string) (*string, error) {
	if text == nil {
		return nil, nil
	}
	f.mu.Lock()
	f.calls = append(f.calls, *text)
	before := f.before
	err := f.failOn[*text]
	out, ok := f.outputs[*text]
	f.mu.Unlock()

	if before != nil {
		before(*text)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		out = "ko:" + *text
	}
	return &out, nil
}

func (f *fakeTranslator) reset() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := f.calls
	f.calls = nil
	return calls
}

type mockArchive struct {
	mock.Mock
}

func (m *mockArchive) Put(ctx context.Context, key string, data []byte) (string, error) {
	args := m.Called(ctx, key, data)
	return args.String(0), args.Error(1)
}

type harness struct {
	db         *gorm.DB
	source     *fakeSource
	translator *fakeTranslator
	sync       *SyncService
}

func newHarness(t *testing.T, docs ...[]byte) *harness {
	t.Helper()
	db := newTestDB(t)
	cfg := &config.Config{PageSize: 100, SourceLocale: "en", TargetLocale: "ko"}
	log := zap.NewNop()

	converter, err := NewConverter(SchemaV2)
	require.NoError(t, err)
	studies := storage.NewStudyStore(db, log, cfg.SourceLocale)
	source := &fakeSource{docs: docs}
	translator := &fakeTranslator{}
	svc := NewSyncService(cfg, source, studies, storage.NewCursorStore(db), converter,
		NewTranslationService(studies, translator, cfg.TargetLocale, log), nil, log)
	return &harness{db: db, source: source, translator: translator, sync: svc}
}

// doc builds a v2 registry document about asthma.
func doc(t *testing.T, nctID, title, phase string) []byte {
	t.Helper()
	return docWithCondition(t, nctID, title, phase, "Asthma")
}

func docWithCondition(t *testing.T, nctID, title, phase, condition string) []byte {
	t.Helper()
	return v2Doc(t, map[string]any{
		"IdentificationModule": map[string]any{"NCTId": nctID, "OfficialTitle": title},
		"StatusModule": map[string]any{
			"OverallStatus":   "Recruiting",
			"StartDateStruct": map[string]any{"StartDate": "January 2020"},
		},
		"DesignModule": map[string]any{
			"PhaseList":      map[string]any{"Phase": []string{phase}},
			"EnrollmentInfo": map[string]any{"EnrollmentCount": "120"},
		},
		"ConditionsModule": map[string]any{"ConditionList": map[string]any{"Condition": []string{condition}}},
		"ArmsInterventionsModule": map[string]any{"InterventionList": map[string]any{"Intervention": []map[string]any{
			{"InterventionType": "Drug", "InterventionName": "Drug X"},
		}}},
		"EligibilityModule": map[string]any{
			"Gender": "All", "MinimumAge": "18 Years", "HealthyVolunteers": "No", "EligibilityCriteria": "Adults",
		},
	})
}

func (h *harness) count(t *testing.T, where string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&models.Study{}).Where(where, args...).Count(&n).Error)
	return n
}

func (h *harness) settled(t *testing.T, nctID string) *models.Study {
	t.Helper()
	st, err := h.sync.Studies.FindSettled(context.Background(), nctID)
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func (h *harness) translation(t *testing.T, sourceID uint) *models.Study {
	t.Helper()
	tr, err := h.sync.Studies.FindTranslation(context.Background(), sourceID, "ko")
	require.NoError(t, err)
	require.NotNil(t, tr)
	return tr
}

func (h *harness) cursor(t *testing.T, name string) int {
	t.Helper()
	v, err := h.sync.Cursors.Get(context.Background(), name)
	require.NoError(t, err)
	return v
}
