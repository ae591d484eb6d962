package domain

// Stage identifiers double as cache partition names.
const (
	StageOne       = "stage1"
	StageTwo       = "stage2"
	StageThree     = "stage3"
	StageHighlight = "highlight"
)

// Paper is a core entity describing one submission pulled from a listing page.
// ID and Title are required; the rest is best-effort listing metadata.
type Paper struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Authors    []string `json:"authors"`
	Categories []string `json:"categories"`
	Abstract   string   `json:"abstract"`
	URL        string   `json:"url"`
}

// Message is one role-tagged turn of a prompt/response exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage carries token counters reported by the completion provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Cost is a monetary estimate derived from Usage via the configured rate table.
type Cost struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Judgment is the scored outcome of submitting one paper to one stage.
// Pass is always derived as Score >= the stage threshold at evaluation time;
// a cached judgment is never reinterpreted under a different threshold
// (threshold changes roll the configuration fingerprint instead).
type Judgment struct {
	Score     float64       `json:"score"`
	Reasoning string        `json:"reasoning,omitempty"`
	Pass      bool          `json:"pass"`
	Usage     *Usage        `json:"usage,omitempty"`
	Cost      *Cost         `json:"cost,omitempty"`
	Messages  []Message     `json:"messages,omitempty"`
	Deep      *DeepAnalysis `json:"deep,omitempty"`
}

// DeepAnalysis extends a Judgment with the full-text stage's sub-scores and
// user-declared extraction fields. Only stage 3 produces one.
type DeepAnalysis struct {
	NoveltyScore float64           `json:"novelty_score"`
	ImpactScore  float64           `json:"impact_score"`
	QualityScore float64           `json:"quality_score"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// Scored pairs a paper with its judgment for one stage. A nil Judgment is
// the uniform "could not be scored" signal: the paper reached the stage but
// no cached entry existed and no oracle response (or full text) was obtained.
type Scored struct {
	Paper    Paper
	Judgment *Judgment
}

// Highlight is the auxiliary post-processing result: the paper abstract with
// key points emphasised by the model, plus the audit exchange.
type Highlight struct {
	Text     string    `json:"text"`
	Messages []Message `json:"messages,omitempty"`
	Usage    *Usage    `json:"usage,omitempty"`
	Cost     *Cost     `json:"cost,omitempty"`
}
