package filter

import (
	"context"
	"encoding/json"
	"log/slog"

	"arxivdigest/internal/domain"
	"arxivdigest/internal/infrastructure/parser"
	"arxivdigest/internal/ports"
)

// promptBuilder renders one paper into a role-tagged exchange for the
// oracle. fullText is empty for stages that judge metadata only.
type promptBuilder func(paper domain.Paper, fullText, criteria string) []domain.Message

// resultParser decodes and validates the oracle's raw structured response.
type resultParser func(raw json.RawMessage) (domain.Judgment, error)

// Stage is the generic filter executor. The three pipeline stages share
// this one algorithm and differ only in prompt construction, result shape,
// threshold, temperature, and whether the full document text is required.
type Stage struct {
	name          string
	threshold     float64
	temperature   float32
	needsFullText bool

	shape       ports.Shape
	buildPrompt promptBuilder
	parse       resultParser

	cache       ports.JudgmentCache
	oracle      ports.Oracle
	fetcher     ports.PageFetcher
	extractor   *parser.Extractor
	fingerprint string
	log         *slog.Logger
}

// Name returns the stage identifier (also its cache partition).
func (s *Stage) Name() string { return s.name }

// Threshold returns the stage's pass bar.
func (s *Stage) Threshold() float64 { return s.threshold }

// FilterBatch judges the given papers against the criteria. Cached
// judgments are served unchanged without touching the oracle; only misses
// are dispatched, as a single concurrent batch. Papers that could not be
// scored (no full text, oracle failure, malformed response) are returned
// with a nil judgment. Output order is cached results first, then newly
// evaluated ones, not input order.
func (s *Stage) FilterBatch(ctx context.Context, papers []domain.Paper, criteria string) []domain.Scored {
	s.log.Info("stage filtering", "stage", s.name, "papers", len(papers))

	results := make([]domain.Scored, 0, len(papers))
	var misses []domain.Paper

	for _, paper := range papers {
		payload, ok, err := s.cache.Get(ctx, s.name, paper.ID, s.fingerprint)
		if err != nil {
			s.log.Warn("cache read failed", "stage", s.name, "id", paper.ID, "error", err)
			misses = append(misses, paper)
			continue
		}
		if !ok {
			misses = append(misses, paper)
			continue
		}

		var judgment domain.Judgment
		if err := json.Unmarshal(payload, &judgment); err != nil {
			s.log.Warn("cached judgment unreadable", "stage", s.name, "id", paper.ID, "error", err)
			misses = append(misses, paper)
			continue
		}
		results = append(results, domain.Scored{Paper: paper, Judgment: &judgment})
	}

	s.log.Info("stage cache partition",
		"stage", s.name, "cached", len(results), "pending", len(misses))

	if len(misses) == 0 {
		s.logOutcome(results)
		return results
	}

	pending := misses
	texts := map[string]string{}
	if s.needsFullText {
		pending, texts, results = s.resolveFullText(ctx, misses, results)
	}

	if len(pending) > 0 {
		results = s.evaluate(ctx, pending, texts, criteria, results)
	}

	s.logOutcome(results)
	return results
}

// resolveFullText fetches and extracts the document text for each pending
// paper. Papers whose page is absent pass through unevaluated (nil
// judgment) rather than failed.
func (s *Stage) resolveFullText(ctx context.Context, misses []domain.Paper, results []domain.Scored) ([]domain.Paper, map[string]string, []domain.Scored) {
	ids := make([]string, len(misses))
	for i, paper := range misses {
		ids[i] = paper.ID
	}
	pages := s.fetcher.FetchBatch(ctx, ids)

	var pending []domain.Paper
	texts := make(map[string]string, len(misses))
	for _, paper := range misses {
		page := pages[paper.ID]
		if page == "" {
			results = append(results, domain.Scored{Paper: paper})
			continue
		}
		text, err := s.extractor.Extract(page)
		if err != nil || text == "" {
			s.log.Warn("text extraction failed", "stage", s.name, "id", paper.ID, "error", err)
			results = append(results, domain.Scored{Paper: paper})
			continue
		}
		texts[paper.ID] = text
		pending = append(pending, paper)
	}

	s.log.Info("full text resolved",
		"stage", s.name, "extracted", len(pending), "requested", len(misses))
	return pending, texts, results
}

// evaluate dispatches one prompt per pending paper as a single batch,
// derives the pass decision against the stage threshold, and writes every
// successful judgment through to the cache.
func (s *Stage) evaluate(ctx context.Context, pending []domain.Paper, texts map[string]string, criteria string, results []domain.Scored) []domain.Scored {
	batches := make([][]domain.Message, len(pending))
	for i, paper := range pending {
		batches[i] = s.buildPrompt(paper, texts[paper.ID], criteria)
	}

	items := s.oracle.CompleteBatch(ctx, batches, s.shape, s.temperature)

	for i, item := range items {
		paper := pending[i]
		if item.Err != nil {
			results = append(results, domain.Scored{Paper: paper})
			continue
		}

		judgment, err := s.parse(item.Completion.Raw)
		if err != nil {
			s.log.Error("judgment rejected", "stage", s.name, "id", paper.ID, "error", err)
			results = append(results, domain.Scored{Paper: paper})
			continue
		}

		judgment.Pass = judgment.Score >= s.threshold
		usage := item.Completion.Usage
		cost := item.Completion.Cost
		judgment.Usage = &usage
		judgment.Cost = &cost
		judgment.Messages = append(append([]domain.Message{}, batches[i]...), domain.Message{
			Role:    "assistant",
			Content: string(item.Completion.Raw),
		})

		if payload, marshalErr := json.Marshal(judgment); marshalErr == nil {
			if err := s.cache.Set(ctx, s.name, paper.ID, s.fingerprint, payload); err != nil {
				s.log.Warn("cache write failed", "stage", s.name, "id", paper.ID, "error", err)
			}
		}

		results = append(results, domain.Scored{Paper: paper, Judgment: &judgment})
	}

	return results
}

func (s *Stage) logOutcome(results []domain.Scored) {
	passed, judged := 0, 0
	for _, r := range results {
		if r.Judgment == nil {
			continue
		}
		judged++
		if r.Judgment.Pass {
			passed++
		}
	}
	s.log.Info("stage complete",
		"stage", s.name, "judged", judged, "passed", passed, "total", len(results))
}
