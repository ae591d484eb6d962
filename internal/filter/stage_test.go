package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arxivdigest/internal/config"
	"arxivdigest/internal/domain"
	"arxivdigest/internal/infrastructure/cache"
	"arxivdigest/internal/ports"
)

// fakeOracle answers prompts by looking the paper title up in a score
// table. Calls are counted per shape so tests can assert which stages ran.
type fakeOracle struct {
	mu         sync.Mutex
	scores     map[string]float64
	failTitles map[string]bool
	calls      map[string]int
}

func newFakeOracle(scores map[string]float64) *fakeOracle {
	return &fakeOracle{
		scores:     scores,
		failTitles: map[string]bool{},
		calls:      map[string]int{},
	}
}

func (f *fakeOracle) callCount(shape string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[shape]
}

func (f *fakeOracle) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeOracle) findTitle(messages []domain.Message) string {
	for _, m := range messages {
		for title := range f.scores {
			if strings.Contains(m.Content, title) {
				return title
			}
		}
	}
	return ""
}

func (f *fakeOracle) Complete(_ context.Context, messages []domain.Message, shape ports.Shape, _ float32) (ports.Completion, error) {
	f.mu.Lock()
	f.calls[shape.Name]++
	f.mu.Unlock()

	title := f.findTitle(messages)
	if title == "" || f.failTitles[title] {
		return ports.Completion{}, fmt.Errorf("completion failed for %q", title)
	}

	score := f.scores[title]
	var raw string
	if shape.Name == "deep_analysis" {
		raw = fmt.Sprintf(`{"score":%g,"reasoning":"deep look","novelty_score":0.6,"impact_score":0.7,"quality_score":0.8,"custom_fields":{"main_method":"transformers"}}`, score)
	} else {
		raw = fmt.Sprintf(`{"score":%g,"reasoning":"quick look"}`, score)
	}

	return ports.Completion{
		Raw:   json.RawMessage(raw),
		Usage: domain.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
		Cost:  domain.Cost{Amount: 0.001, Currency: "CNY"},
	}, nil
}

func (f *fakeOracle) CompleteBatch(ctx context.Context, batches [][]domain.Message, shape ports.Shape, temperature float32) []ports.BatchItem {
	items := make([]ports.BatchItem, len(batches))
	for i, messages := range batches {
		completion, err := f.Complete(ctx, messages, shape, temperature)
		if err != nil {
			items[i] = ports.BatchItem{Err: err}
			continue
		}
		items[i] = ports.BatchItem{Completion: completion}
	}
	return items
}

// fakeFetcher serves paper pages from a map; a missing id is absent.
type fakeFetcher struct {
	pages map[string]string
}

func (f *fakeFetcher) Fetch(_ context.Context, id string) (string, bool) {
	page, ok := f.pages[id]
	return page, ok && page != ""
}

func (f *fakeFetcher) FetchBatch(ctx context.Context, ids []string) map[string]string {
	results := make(map[string]string, len(ids))
	for _, id := range ids {
		body, ok := f.Fetch(ctx, id)
		if !ok {
			body = ""
		}
		results[id] = body
	}
	return results
}

var _ ports.Oracle = (*fakeOracle)(nil)
var _ ports.PageFetcher = (*fakeFetcher)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.New(t.TempDir(), 1<<20, time.Hour, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testPaper(id, title string) domain.Paper {
	return domain.Paper{
		ID:         id,
		Title:      title,
		Authors:    []string{"Jane Doe"},
		Categories: []string{"cs.LG"},
		Abstract:   "We study " + title + " in depth.",
		URL:        "https://arxiv.org/abs/" + id,
	}
}

func stageDeps(t *testing.T, oracle ports.Oracle, fetcher ports.PageFetcher, fingerprint string) StageDeps {
	t.Helper()
	return StageDeps{
		Cache:       newTestCache(t),
		Oracle:      oracle,
		Fetcher:     fetcher,
		Fingerprint: fingerprint,
		Log:         testLogger(),
	}
}

func findScored(t *testing.T, results []domain.Scored, id string) domain.Scored {
	t.Helper()
	for _, r := range results {
		if r.Paper.ID == id {
			return r
		}
	}
	t.Fatalf("paper %s missing from results", id)
	return domain.Scored{}
}

func TestStageScoresAgainstThreshold(t *testing.T) {
	oracle := newFakeOracle(map[string]float64{
		"Relevant Work":  0.9,
		"Marginal Work":  0.5,
		"Unrelated Work": 0.2,
	})
	stage := NewStage1(config.StageConfig{Threshold: 0.5},
		stageDeps(t, oracle, nil, "fp1"))

	results := stage.FilterBatch(context.Background(), []domain.Paper{
		testPaper("2401.00001", "Relevant Work"),
		testPaper("2401.00002", "Marginal Work"),
		testPaper("2401.00003", "Unrelated Work"),
	}, "machine learning systems")

	require.Len(t, results, 3)

	relevant := findScored(t, results, "2401.00001")
	require.NotNil(t, relevant.Judgment)
	assert.Equal(t, 0.9, relevant.Judgment.Score)
	assert.True(t, relevant.Judgment.Pass)

	// Score equal to the threshold passes.
	marginal := findScored(t, results, "2401.00002")
	require.NotNil(t, marginal.Judgment)
	assert.True(t, marginal.Judgment.Pass)

	unrelated := findScored(t, results, "2401.00003")
	require.NotNil(t, unrelated.Judgment)
	assert.False(t, unrelated.Judgment.Pass)
}

func TestStageAttachesUsageCostAndTranscript(t *testing.T) {
	oracle := newFakeOracle(map[string]float64{"Relevant Work": 0.9})
	stage := NewStage1(config.StageConfig{Threshold: 0.5},
		stageDeps(t, oracle, nil, "fp1"))

	results := stage.FilterBatch(context.Background(),
		[]domain.Paper{testPaper("2401.00001", "Relevant Work")}, "ml")

	judgment := findScored(t, results, "2401.00001").Judgment
	require.NotNil(t, judgment)

	require.NotNil(t, judgment.Usage)
	assert.Equal(t, 120, judgment.Usage.TotalTokens)
	require.NotNil(t, judgment.Cost)
	assert.Equal(t, "CNY", judgment.Cost.Currency)

	// System, user, then the assistant's raw structured answer.
	require.Len(t, judgment.Messages, 3)
	assert.Equal(t, "system", judgment.Messages[0].Role)
	assert.Equal(t, "user", judgment.Messages[1].Role)
	assert.Contains(t, judgment.Messages[1].Content, "Relevant Work")
	assert.Equal(t, "assistant", judgment.Messages[2].Role)
	assert.Contains(t, judgment.Messages[2].Content, `"score":0.9`)
}

func TestStageCacheHitBypassesOracle(t *testing.T) {
	oracle := newFakeOracle(map[string]float64{"Relevant Work": 0.9})
	stage := NewStage1(config.StageConfig{Threshold: 0.5},
		stageDeps(t, oracle, nil, "fp1"))
	papers := []domain.Paper{testPaper("2401.00001", "Relevant Work")}

	first := stage.FilterBatch(context.Background(), papers, "ml")
	assert.Equal(t, 1, oracle.totalCalls())

	second := stage.FilterBatch(context.Background(), papers, "ml")
	// Served wholesale from cache, oracle untouched.
	assert.Equal(t, 1, oracle.totalCalls())

	require.NotNil(t, second[0].Judgment)
	assert.Equal(t, first[0].Judgment.Score, second[0].Judgment.Score)
	assert.Equal(t, first[0].Judgment.Reasoning, second[0].Judgment.Reasoning)
	assert.Equal(t, first[0].Judgment.Pass, second[0].Judgment.Pass)
}

func TestStageFingerprintChangeInvalidatesCache(t *testing.T) {
	oracle := newFakeOracle(map[string]float64{"Relevant Work": 0.9})
	deps := stageDeps(t, oracle, nil, "fp-old")
	papers := []domain.Paper{testPaper("2401.00001", "Relevant Work")}

	NewStage1(config.StageConfig{Threshold: 0.5}, deps).
		FilterBatch(context.Background(), papers, "ml")
	assert.Equal(t, 1, oracle.totalCalls())

	// Same cache, new scoring configuration: the entry no longer applies.
	deps.Fingerprint = "fp-new"
	NewStage1(config.StageConfig{Threshold: 0.5}, deps).
		FilterBatch(context.Background(), papers, "ml")
	assert.Equal(t, 2, oracle.totalCalls())
}

func TestStageOracleFailureNotCached(t *testing.T) {
	oracle := newFakeOracle(map[string]float64{
		"Relevant Work": 0.9,
		"Cursed Work":   0.9,
	})
	oracle.failTitles["Cursed Work"] = true

	stage := NewStage1(config.StageConfig{Threshold: 0.5},
		stageDeps(t, oracle, nil, "fp1"))
	papers := []domain.Paper{
		testPaper("2401.00001", "Relevant Work"),
		testPaper("2401.00002", "Cursed Work"),
	}

	results := stage.FilterBatch(context.Background(), papers, "ml")
	require.Len(t, results, 2)

	// The failed paper is reported, unscored; its sibling is unaffected.
	assert.Nil(t, findScored(t, results, "2401.00002").Judgment)
	assert.NotNil(t, findScored(t, results, "2401.00001").Judgment)

	// Failures are not cached: once the oracle recovers, the paper is
	// evaluated again while the sibling still hits the cache.
	oracle.failTitles["Cursed Work"] = false
	results = stage.FilterBatch(context.Background(), papers, "ml")
	assert.NotNil(t, findScored(t, results, "2401.00002").Judgment)
	assert.Equal(t, 3, oracle.totalCalls())
}

func TestStageRejectsOutOfRangeScore(t *testing.T) {
	oracle := newFakeOracle(map[string]float64{"Overconfident Work": 1.5})
	stage := NewStage1(config.StageConfig{Threshold: 0.5},
		stageDeps(t, oracle, nil, "fp1"))
	papers := []domain.Paper{testPaper("2401.00001", "Overconfident Work")}

	results := stage.FilterBatch(context.Background(), papers, "ml")
	require.Len(t, results, 1)
	assert.Nil(t, results[0].Judgment)

	// Rejected responses are not cached either.
	stage.FilterBatch(context.Background(), papers, "ml")
	assert.Equal(t, 2, oracle.totalCalls())
}

func TestStageCachedResultsComeFirst(t *testing.T) {
	oracle := newFakeOracle(map[string]float64{
		"Fresh Work":  0.9,
		"Cached Work": 0.9,
	})
	stage := NewStage1(config.StageConfig{Threshold: 0.5},
		stageDeps(t, oracle, nil, "fp1"))

	cached := testPaper("2401.00002", "Cached Work")
	stage.FilterBatch(context.Background(), []domain.Paper{cached}, "ml")

	results := stage.FilterBatch(context.Background(), []domain.Paper{
		testPaper("2401.00001", "Fresh Work"),
		cached,
	}, "ml")

	require.Len(t, results, 2)
	assert.Equal(t, "2401.00002", results[0].Paper.ID)
	assert.Equal(t, "2401.00001", results[1].Paper.ID)
}

func TestStage3RequiresFullText(t *testing.T) {
	oracle := newFakeOracle(map[string]float64{
		"Deep Work":     0.9,
		"Pageless Work": 0.9,
	})
	fetcher := &fakeFetcher{pages: map[string]string{
		"2401.00001": "<article><p>Deep Work in extended form.</p></article>",
	}}
	stage := NewStage3(config.Stage3Config{
		StageConfig:  config.StageConfig{Threshold: 0.8},
		MaxTextChars: 8000,
		CustomFields: []config.CustomField{{Name: "main_method", Description: "primary method"}},
	}, stageDeps(t, oracle, fetcher, "fp1"))

	results := stage.FilterBatch(context.Background(), []domain.Paper{
		testPaper("2401.00001", "Deep Work"),
		testPaper("2401.00002", "Pageless Work"),
	}, "ml")
	require.Len(t, results, 2)

	// No page means no judgment, and no oracle call for that paper.
	assert.Nil(t, findScored(t, results, "2401.00002").Judgment)
	assert.Equal(t, 1, oracle.callCount("deep_analysis"))

	deep := findScored(t, results, "2401.00001").Judgment
	require.NotNil(t, deep)
	assert.True(t, deep.Pass)
	require.NotNil(t, deep.Deep)
	assert.Equal(t, 0.6, deep.Deep.NoveltyScore)
	assert.Equal(t, 0.7, deep.Deep.ImpactScore)
	assert.Equal(t, 0.8, deep.Deep.QualityScore)
	assert.Equal(t, "transformers", deep.Deep.CustomFields["main_method"])
}

func TestStage3PromptCarriesFullText(t *testing.T) {
	messages := buildStage3Prompt(
		testPaper("2401.00001", "Deep Work"),
		"## 1 Introduction\nExtended body text.",
		"ml systems",
		[]config.CustomField{{Name: "datasets", Description: "datasets used"}},
	)

	require.Len(t, messages, 2)
	assert.Contains(t, messages[1].Content, "Extended body text.")
	assert.Contains(t, messages[1].Content, "datasets (datasets used)")
}

func TestParseDeepValidatesSubScores(t *testing.T) {
	_, err := parseDeep(json.RawMessage(
		`{"score":0.9,"novelty_score":1.2,"impact_score":0.5,"quality_score":0.5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "novelty_score")
}

func TestDeepSchemaDeclaresCustomFields(t *testing.T) {
	raw := deepSchema([]config.CustomField{{Name: "main_method", Description: "primary method"}})

	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))

	properties := schema["properties"].(map[string]any)
	custom := properties["custom_fields"].(map[string]any)
	fields := custom["properties"].(map[string]any)
	assert.Contains(t, fields, "main_method")
}
