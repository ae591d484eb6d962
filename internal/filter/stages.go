package filter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"arxivdigest/internal/config"
	"arxivdigest/internal/domain"
	"arxivdigest/internal/infrastructure/parser"
	"arxivdigest/internal/ports"
)

// StageDeps wires the shared collaborators into a stage filter.
type StageDeps struct {
	Cache       ports.JudgmentCache
	Oracle      ports.Oracle
	Fetcher     ports.PageFetcher
	Fingerprint string
	Log         *slog.Logger
}

// screeningResult is the oracle shape shared by the first two stages.
type screeningResult struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// deepResult extends the screening shape with the full-text stage's
// sub-scores and user-declared extraction fields.
type deepResult struct {
	Score        float64           `json:"score"`
	Reasoning    string            `json:"reasoning"`
	NoveltyScore float64           `json:"novelty_score"`
	ImpactScore  float64           `json:"impact_score"`
	QualityScore float64           `json:"quality_score"`
	CustomFields map[string]string `json:"custom_fields"`
}

var screeningSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"score": {"type": "number", "minimum": 0, "maximum": 1,
			"description": "Overall relevance score (0-1)"},
		"reasoning": {"type": "string",
			"description": "Short reasoning for the decision"}
	},
	"required": ["score"]
}`)

// deepSchema builds the stage-3 shape, declaring each user custom field as
// a named string property so the oracle extracts it explicitly.
func deepSchema(customFields []config.CustomField) json.RawMessage {
	fields := map[string]any{}
	for _, f := range customFields {
		fields[f.Name] = map[string]any{"type": "string", "description": f.Description}
	}

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"score": map[string]any{"type": "number", "minimum": 0, "maximum": 1,
				"description": "Overall relevance score (0-1)"},
			"reasoning": map[string]any{"type": "string",
				"description": "Detailed reasoning for the assessment"},
			"novelty_score": map[string]any{"type": "number", "minimum": 0, "maximum": 1,
				"description": "Novelty of the work"},
			"impact_score": map[string]any{"type": "number", "minimum": 0, "maximum": 1,
				"description": "Potential impact"},
			"quality_score": map[string]any{"type": "number", "minimum": 0, "maximum": 1,
				"description": "Technical quality"},
			"custom_fields": map[string]any{"type": "object", "properties": fields,
				"description": "User-defined custom output fields"},
		},
		"required": []string{"score", "novelty_score", "impact_score", "quality_score"},
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		// Static structure plus string fields; cannot fail in practice.
		return screeningSchema
	}
	return raw
}

func checkScore(name string, value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("%s %v outside [0,1]", name, value)
	}
	return nil
}

func parseScreening(raw json.RawMessage) (domain.Judgment, error) {
	var result screeningResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.Judgment{}, fmt.Errorf("decode screening result: %w", err)
	}
	if err := checkScore("score", result.Score); err != nil {
		return domain.Judgment{}, err
	}
	return domain.Judgment{Score: result.Score, Reasoning: result.Reasoning}, nil
}

func parseDeep(raw json.RawMessage) (domain.Judgment, error) {
	var result deepResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.Judgment{}, fmt.Errorf("decode deep result: %w", err)
	}
	for name, value := range map[string]float64{
		"score":         result.Score,
		"novelty_score": result.NoveltyScore,
		"impact_score":  result.ImpactScore,
		"quality_score": result.QualityScore,
	} {
		if err := checkScore(name, value); err != nil {
			return domain.Judgment{}, err
		}
	}
	return domain.Judgment{
		Score:     result.Score,
		Reasoning: result.Reasoning,
		Deep: &domain.DeepAnalysis{
			NoveltyScore: result.NoveltyScore,
			ImpactScore:  result.ImpactScore,
			QualityScore: result.QualityScore,
			CustomFields: result.CustomFields,
		},
	}, nil
}

// NewStage1 builds the cheapest, most inclusive filter: title and
// categories only, with a deliberately low bar to avoid false negatives.
func NewStage1(cfg config.StageConfig, deps StageDeps) *Stage {
	return &Stage{
		name:        domain.StageOne,
		threshold:   cfg.Threshold,
		temperature: cfg.Temperature,
		shape:       ports.Shape{Name: "quick_screening", Schema: screeningSchema},
		buildPrompt: buildStage1Prompt,
		parse:       parseScreening,
		cache:       deps.Cache,
		oracle:      deps.Oracle,
		fingerprint: deps.Fingerprint,
		log:         deps.Log,
	}
}

// NewStage2 builds the medium filter: author list and abstract join the
// metadata.
func NewStage2(cfg config.StageConfig, deps StageDeps) *Stage {
	return &Stage{
		name:        domain.StageTwo,
		threshold:   cfg.Threshold,
		temperature: cfg.Temperature,
		shape:       ports.Shape{Name: "refined_screening", Schema: screeningSchema},
		buildPrompt: buildStage2Prompt,
		parse:       parseScreening,
		cache:       deps.Cache,
		oracle:      deps.Oracle,
		fingerprint: deps.Fingerprint,
		log:         deps.Log,
	}
}

// NewStage3 builds the deepest, most selective filter: it requires the
// fetched full text, scores three extra dimensions, and extracts the
// user-declared custom fields.
func NewStage3(cfg config.Stage3Config, deps StageDeps) *Stage {
	customFields := cfg.CustomFields
	return &Stage{
		name:          domain.StageThree,
		threshold:     cfg.Threshold,
		temperature:   cfg.Temperature,
		needsFullText: true,
		shape:         ports.Shape{Name: "deep_analysis", Schema: deepSchema(customFields)},
		buildPrompt: func(paper domain.Paper, fullText, criteria string) []domain.Message {
			return buildStage3Prompt(paper, fullText, criteria, customFields)
		},
		parse:       parseDeep,
		cache:       deps.Cache,
		oracle:      deps.Oracle,
		fetcher:     deps.Fetcher,
		extractor:   parser.NewExtractor(cfg.MaxTextChars, deps.Log),
		fingerprint: deps.Fingerprint,
		log:         deps.Log,
	}
}

const stage1System = `You are an expert at quickly screening academic papers for relevance.
Your task is to determine if a paper is potentially relevant based ONLY on its title and categories.
This is a fast preliminary filter - be generous in passing papers that might be relevant.
Respond with a relevance score (0-1) and brief reasoning.`

func buildStage1Prompt(paper domain.Paper, _ string, criteria string) []domain.Message {
	user := fmt.Sprintf(`User's interests: %s

Paper Information:
- Title: %s
- Categories: %s

Is this paper potentially relevant? Provide a quick assessment.`,
		criteria, paper.Title, strings.Join(paper.Categories, ", "))

	return []domain.Message{
		{Role: "system", Content: stage1System},
		{Role: "user", Content: user},
	}
}

const stage2System = `You are an expert at evaluating academic paper relevance.
Your task is to determine if a paper is relevant based on its metadata and abstract.
Provide a detailed assessment with a relevance score and your reasoning.`

func buildStage2Prompt(paper domain.Paper, _ string, criteria string) []domain.Message {
	user := fmt.Sprintf(`User's interests: %s

Paper Information:
- Title: %s
- Authors: %s
- Categories: %s
- Abstract: %s

Evaluate this paper's relevance to the user's interests.`,
		criteria, paper.Title, strings.Join(paper.Authors, ", "),
		strings.Join(paper.Categories, ", "), paper.Abstract)

	return []domain.Message{
		{Role: "system", Content: stage2System},
		{Role: "user", Content: user},
	}
}

const stage3System = `You are an expert at deeply analyzing academic papers.
Your task is to thoroughly evaluate the paper's relevance, novelty, impact, and quality.
Provide multi-dimensional scores and extract specific information as requested.`

func buildStage3Prompt(paper domain.Paper, fullText, criteria string, customFields []config.CustomField) []domain.Message {
	customPrompt := ""
	if len(customFields) > 0 {
		var described []string
		for _, f := range customFields {
			if f.Description != "" {
				described = append(described, fmt.Sprintf("%s (%s)", f.Name, f.Description))
			} else {
				described = append(described, f.Name)
			}
		}
		customPrompt = fmt.Sprintf("\n\nExtract the following custom fields: %s", strings.Join(described, ", "))
	}

	user := fmt.Sprintf(`User's interests: %s

Paper Information:
- Title: %s
- Authors: %s
- Categories: %s
- Abstract: %s

Full Paper Content (truncated):
%s

Provide a comprehensive analysis including:
1. Overall relevance score
2. Novelty score (how original is the work?)
3. Impact score (potential significance?)
4. Quality score (technical soundness?)
5. Detailed reasoning for your assessment%s`,
		criteria, paper.Title, strings.Join(paper.Authors, ", "),
		strings.Join(paper.Categories, ", "), paper.Abstract, fullText, customPrompt)

	return []domain.Message{
		{Role: "system", Content: stage3System},
		{Role: "user", Content: user},
	}
}
