package ports

import (
	"context"
	"encoding/json"

	"arxivdigest/internal/domain"
)

// PaperSource pulls fresh papers from an upstream listing page.
type PaperSource interface {
	FetchNew(ctx context.Context) ([]domain.Paper, error)
}

// PageFetcher retrieves the full-content page for a paper. The boolean
// reports presence: a paper may legitimately have no HTML rendition, and
// absence is not an error. FetchBatch returns one entry per requested id,
// with the empty string marking absence; a single id exhausting its retries
// never blocks the others.
type PageFetcher interface {
	Fetch(ctx context.Context, id string) (string, bool)
	FetchBatch(ctx context.Context, ids []string) map[string]string
}

// Shape describes the structured result expected from the oracle.
type Shape struct {
	Name   string
	Schema json.RawMessage
}

// Completion is one successful oracle response: the raw JSON conforming to
// the requested shape plus usage accounting and its derived cost estimate.
type Completion struct {
	Raw   json.RawMessage
	Usage domain.Usage
	Cost  domain.Cost
}

// BatchItem carries one slot of a batch completion; Err is set when that
// item failed (transport or schema), leaving siblings untouched.
type BatchItem struct {
	Completion Completion
	Err        error
}

// Oracle is the structured-completion capability. CompleteBatch preserves
// request order by index and isolates per-item failures.
type Oracle interface {
	Complete(ctx context.Context, messages []domain.Message, shape Shape, temperature float32) (Completion, error)
	CompleteBatch(ctx context.Context, batches [][]domain.Message, shape Shape, temperature float32) []BatchItem
}

// PartitionStats reports one cache partition's footprint.
type PartitionStats struct {
	Entries   int
	Volume    int64
	SizeLimit int64
}

// JudgmentCache is the persistent per-stage key/value store. Get reports a
// miss via the boolean; a miss is the normal signal, not an error.
type JudgmentCache interface {
	Get(ctx context.Context, stage, paperID, fingerprint string) ([]byte, bool, error)
	Set(ctx context.Context, stage, paperID, fingerprint string, payload []byte) error
	ClearStage(ctx context.Context, stage string) error
	ClearAll(ctx context.Context) error
	Stats(ctx context.Context) (map[string]PartitionStats, error)
	Close() error
}
