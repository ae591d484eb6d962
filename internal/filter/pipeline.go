package filter

import (
	"context"
	"log/slog"

	"arxivdigest/internal/domain"
)

// runState sequences the pipeline: each stage state admits only the
// previous stage's survivors, and an empty survivor set jumps straight to
// done instead of invoking the remaining stages.
type runState int

const (
	stateStage1 runState = iota
	stateStage2
	stateStage3
	stateDone
)

// Outcome aggregates one stage's full judged set and its passed subset.
type Outcome struct {
	Results []domain.Scored
	Passed  []domain.Paper
}

// Result is the pipeline's terminal output, one outcome per stage. Stages
// that were short-circuited carry empty outcomes.
type Result struct {
	Stage1 Outcome
	Stage2 Outcome
	Stage3 Outcome
}

// Pipeline sequences the three progressively narrowing filter stages.
type Pipeline struct {
	stage1 *Stage
	stage2 *Stage
	stage3 *Stage
	log    *slog.Logger
}

// NewPipeline wires the three stage filters.
func NewPipeline(stage1, stage2, stage3 *Stage, log *slog.Logger) *Pipeline {
	return &Pipeline{stage1: stage1, stage2: stage2, stage3: stage3, log: log}
}

// Run drives the stage state machine over the input papers. Each stage
// sees only the papers whose previous-stage judgment passed; zero
// survivors short-circuit to done with empty outcomes for the rest.
func (p *Pipeline) Run(ctx context.Context, papers []domain.Paper, criteria string) Result {
	p.log.Info("pipeline starting", "papers", len(papers))

	var result Result
	survivors := papers

	for state := stateStage1; state != stateDone; state++ {
		if len(survivors) == 0 {
			p.log.Warn("no survivors remain, short-circuiting", "state", int(state))
			break
		}

		var stage *Stage
		var outcome *Outcome
		switch state {
		case stateStage1:
			stage, outcome = p.stage1, &result.Stage1
		case stateStage2:
			stage, outcome = p.stage2, &result.Stage2
		case stateStage3:
			stage, outcome = p.stage3, &result.Stage3
		}

		outcome.Results = stage.FilterBatch(ctx, survivors, criteria)
		outcome.Passed = passedPapers(outcome.Results)

		p.log.Info("stage passed",
			"stage", stage.Name(), "passed", len(outcome.Passed), "entered", len(survivors))

		survivors = outcome.Passed
	}

	p.log.Info("pipeline summary",
		"input", len(papers),
		"stage1_passed", len(result.Stage1.Passed),
		"stage2_passed", len(result.Stage2.Passed),
		"stage3_passed", len(result.Stage3.Passed))

	return result
}

func passedPapers(results []domain.Scored) []domain.Paper {
	var passed []domain.Paper
	for _, r := range results {
		if r.Judgment != nil && r.Judgment.Pass {
			passed = append(passed, r.Paper)
		}
	}
	return passed
}
