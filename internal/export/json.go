package export

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"arxivdigest/internal/domain"
	"arxivdigest/internal/filter"
)

// Metadata describes one digest run.
type Metadata struct {
	Title       string `json:"title"`
	GeneratedAt string `json:"generated_at"`
	Criteria    string `json:"criteria"`
	Model       string `json:"model"`
	Stats       Stats  `json:"stats"`
}

// Stats counts papers surviving each stage.
type Stats struct {
	Total        int `json:"total"`
	Stage1Passed int `json:"stage1_passed"`
	Stage2Passed int `json:"stage2_passed"`
	Stage3Passed int `json:"stage3_passed"`
}

// PaperRecord is the consolidated per-paper artifact: every attempted
// stage's judgment plus the highest stage the paper reached.
type PaperRecord struct {
	ID           string                      `json:"id"`
	Title        string                      `json:"title"`
	Authors      []string                    `json:"authors,omitempty"`
	Categories   []string                    `json:"categories,omitempty"`
	Abstract     string                      `json:"abstract,omitempty"`
	URL          string                      `json:"url,omitempty"`
	HighestStage string                      `json:"highest_stage"`
	Stages       map[string]*domain.Judgment `json:"stages"`
	Highlight    *domain.Highlight           `json:"highlight,omitempty"`
}

// Digest is the complete exported artifact.
type Digest struct {
	Metadata Metadata      `json:"metadata"`
	Papers   []PaperRecord `json:"papers"`
}

// Exporter writes the consolidated digest JSON consumed by the renderer.
type Exporter struct {
	title string
	model string
	log   *slog.Logger
}

// NewExporter builds an exporter stamping the given digest title and model.
func NewExporter(title, model string, log *slog.Logger) *Exporter {
	return &Exporter{title: title, model: model, log: log}
}

// Build assembles the digest from the pipeline result and the highlight map.
func (e *Exporter) Build(result filter.Result, highlights map[string]domain.Highlight, criteria string) Digest {
	records := map[string]*PaperRecord{}
	var order []string

	collect := func(stage string, results []domain.Scored) {
		for _, scored := range results {
			record, ok := records[scored.Paper.ID]
			if !ok {
				record = &PaperRecord{
					ID:         scored.Paper.ID,
					Title:      scored.Paper.Title,
					Authors:    scored.Paper.Authors,
					Categories: scored.Paper.Categories,
					Abstract:   scored.Paper.Abstract,
					URL:        scored.Paper.URL,
					Stages:     map[string]*domain.Judgment{},
				}
				records[scored.Paper.ID] = record
				order = append(order, scored.Paper.ID)
			}
			record.Stages[stage] = scored.Judgment
			// Reaching a stage at all beats the previous marker; stages are
			// collected in pipeline order.
			record.HighestStage = stage
		}
	}

	collect(domain.StageOne, result.Stage1.Results)
	collect(domain.StageTwo, result.Stage2.Results)
	collect(domain.StageThree, result.Stage3.Results)

	papers := make([]PaperRecord, 0, len(order))
	for _, id := range order {
		record := records[id]
		if highlight, ok := highlights[id]; ok {
			h := highlight
			record.Highlight = &h
		}
		papers = append(papers, *record)
	}

	return Digest{
		Metadata: Metadata{
			Title:       e.title,
			GeneratedAt: time.Now().UTC().Format(time.RFC3339),
			Criteria:    criteria,
			Model:       e.model,
			Stats: Stats{
				Total:        len(result.Stage1.Results),
				Stage1Passed: len(result.Stage1.Passed),
				Stage2Passed: len(result.Stage2.Passed),
				Stage3Passed: len(result.Stage3.Passed),
			},
		},
		Papers: papers,
	}
}

// Write serialises the digest to the output path, creating parent
// directories as needed.
func (e *Exporter) Write(digest Digest, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir %s: %w", dir, err)
		}
	}

	raw, err := json.MarshalIndent(digest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal digest: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write digest %s: %w", path, err)
	}

	e.log.Info("digest exported",
		"path", path,
		"papers", len(digest.Papers),
		"stage3_passed", digest.Metadata.Stats.Stage3Passed)
	return nil
}
