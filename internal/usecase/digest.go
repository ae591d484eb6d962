package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"arxivdigest/internal/domain"
	"arxivdigest/internal/export"
	"arxivdigest/internal/filter"
	"arxivdigest/internal/highlight"
	"arxivdigest/internal/ports"
)

// DigestDeps wires all collaborators into the digest workflow.
type DigestDeps struct {
	Source      ports.PaperSource
	Pipeline    *filter.Pipeline
	Highlighter *highlight.Highlighter
	Exporter    *export.Exporter
	Criteria    string
	OutputPath  string
	Logger      *slog.Logger
}

// Digest implements the end-to-end run: scrape the listing, narrow it
// through the three-stage pipeline, highlight the final survivors'
// abstracts, and export the consolidated artifact. A run always completes
// and emits the artifact; papers that could not be evaluated are simply
// absent from the passed sets.
type Digest struct {
	source      ports.PaperSource
	pipeline    *filter.Pipeline
	highlighter *highlight.Highlighter
	exporter    *export.Exporter
	criteria    string
	outputPath  string
	log         *slog.Logger
}

// NewDigest constructs the workflow component.
func NewDigest(deps DigestDeps) *Digest {
	return &Digest{
		source:      deps.Source,
		pipeline:    deps.Pipeline,
		highlighter: deps.Highlighter,
		exporter:    deps.Exporter,
		criteria:    deps.Criteria,
		outputPath:  deps.OutputPath,
		log:         deps.Logger,
	}
}

// Run executes one digest cycle.
func (d *Digest) Run(ctx context.Context) error {
	papers, err := d.source.FetchNew(ctx)
	if err != nil {
		return fmt.Errorf("fetch listing: %w", err)
	}
	if len(papers) == 0 {
		return fmt.Errorf("listing returned no papers")
	}
	d.log.Info("papers fetched", "count", len(papers))

	result := d.pipeline.Run(ctx, papers, d.criteria)

	highlights := map[string]domain.Highlight{}
	if d.highlighter != nil && len(result.Stage3.Passed) > 0 {
		highlights = d.highlighter.HighlightBatch(ctx, result.Stage3.Passed, d.criteria)
	}

	digest := d.exporter.Build(result, highlights, d.criteria)
	if err := d.exporter.Write(digest, d.outputPath); err != nil {
		return fmt.Errorf("export digest: %w", err)
	}

	return nil
}
