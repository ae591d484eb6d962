package highlight

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"arxivdigest/internal/config"
	"arxivdigest/internal/domain"
	"arxivdigest/internal/ports"
)

// highlightResult is the oracle shape for the highlighting pass.
type highlightResult struct {
	HighlightedText string `json:"highlighted_text"`
}

var highlightSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"highlighted_text": {"type": "string",
			"description": "The abstract with key points emphasised using **markdown bold** and LaTeX math wrapped in $...$ / $$...$$ delimiters"}
	},
	"required": ["highlighted_text"]
}`)

const systemPrompt = `You are an expert at emphasising the key points of academic paper abstracts.
Rewrite the given abstract unchanged except for two things:
1. Wrap the most important technical terms, methods, results, and contributions in **markdown bold**.
2. Fix LaTeX math expressions to use proper delimiters: $...$ for inline math, $$...$$ for display math.
Do not add, remove, or reorder any other text.`

// Highlighter runs the auxiliary post-stage pass that bolds the key points
// of each selected paper's abstract. It has its own cache partition; a
// failed highlight falls back to the original abstract.
type Highlighter struct {
	oracle      ports.Oracle
	cache       ports.JudgmentCache
	temperature float32
	fingerprint string
	log         *slog.Logger
}

// New wires the highlighter.
func New(cfg config.HighlightConfig, oracle ports.Oracle, cache ports.JudgmentCache, fingerprint string, log *slog.Logger) *Highlighter {
	return &Highlighter{
		oracle:      oracle,
		cache:       cache,
		temperature: cfg.Temperature,
		fingerprint: fingerprint,
		log:         log,
	}
}

// HighlightBatch highlights every paper's abstract, serving cached results
// first and dispatching the misses as one concurrent batch. The returned
// map always has one entry per paper; failures carry the original abstract.
func (h *Highlighter) HighlightBatch(ctx context.Context, papers []domain.Paper, criteria string) map[string]domain.Highlight {
	highlights := make(map[string]domain.Highlight, len(papers))
	var misses []domain.Paper

	for _, paper := range papers {
		if paper.Abstract == "" {
			highlights[paper.ID] = domain.Highlight{Text: paper.Abstract}
			continue
		}

		payload, ok, err := h.cache.Get(ctx, domain.StageHighlight, paper.ID, h.fingerprint)
		if err != nil || !ok {
			misses = append(misses, paper)
			continue
		}
		var cached domain.Highlight
		if err := json.Unmarshal(payload, &cached); err != nil {
			misses = append(misses, paper)
			continue
		}
		highlights[paper.ID] = cached
	}

	h.log.Info("highlighting abstracts", "cached", len(highlights), "pending", len(misses))
	if len(misses) == 0 {
		return highlights
	}

	shape := ports.Shape{Name: "abstract_highlight", Schema: highlightSchema}
	batches := make([][]domain.Message, len(misses))
	for i, paper := range misses {
		batches[i] = buildPrompt(paper.Abstract, criteria)
	}

	items := h.oracle.CompleteBatch(ctx, batches, shape, h.temperature)
	for i, item := range items {
		paper := misses[i]
		if item.Err != nil {
			h.log.Warn("highlight failed, keeping original abstract", "id", paper.ID, "error", item.Err)
			highlights[paper.ID] = domain.Highlight{Text: paper.Abstract}
			continue
		}

		var result highlightResult
		if err := json.Unmarshal(item.Completion.Raw, &result); err != nil || result.HighlightedText == "" {
			h.log.Warn("highlight unreadable, keeping original abstract", "id", paper.ID, "error", err)
			highlights[paper.ID] = domain.Highlight{Text: paper.Abstract}
			continue
		}

		usage := item.Completion.Usage
		cost := item.Completion.Cost
		highlight := domain.Highlight{
			Text: result.HighlightedText,
			Messages: append(append([]domain.Message{}, batches[i]...), domain.Message{
				Role:    "assistant",
				Content: string(item.Completion.Raw),
			}),
			Usage: &usage,
			Cost:  &cost,
		}

		if payload, err := json.Marshal(highlight); err == nil {
			if err := h.cache.Set(ctx, domain.StageHighlight, paper.ID, h.fingerprint, payload); err != nil {
				h.log.Warn("highlight cache write failed", "id", paper.ID, "error", err)
			}
		}
		highlights[paper.ID] = highlight
	}

	return highlights
}

func buildPrompt(abstract, criteria string) []domain.Message {
	system := systemPrompt
	if criteria != "" {
		system += fmt.Sprintf("\n\nThe reader's research interests: %s\nPrefer emphasising points relevant to those interests.", criteria)
	}
	return []domain.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: fmt.Sprintf("Please highlight the key points in this abstract:\n\n%s", abstract)},
	}
}
