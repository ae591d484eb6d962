package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv = "ARXIV_DIGEST_CONFIG"
	apiKeyEnv     = "API_KEY"
	modelEnv      = "LLM_MODEL"
	baseURLEnv    = "LLM_BASE_URL"
)

// Config holds all settings consumed across the application.
type Config struct {
	Criteria  string          `yaml:"criteria"`
	Arxiv     ArxivConfig     `yaml:"arxiv"`
	LLM       LLMConfig       `yaml:"llm"`
	Crawler   CrawlerConfig   `yaml:"crawler"`
	Cache     CacheConfig     `yaml:"cache"`
	Stage1    StageConfig     `yaml:"stage1"`
	Stage2    StageConfig     `yaml:"stage2"`
	Stage3    Stage3Config    `yaml:"stage3"`
	Highlight HighlightConfig `yaml:"highlight"`
	Output    OutputConfig    `yaml:"output"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ArxivConfig describes the listing page to scrape.
type ArxivConfig struct {
	Field      string   `yaml:"field"`
	Categories []string `yaml:"categories"`
	MaxResults int      `yaml:"maxResults"`
}

// LLMConfig defines how to contact the completion endpoint.
type LLMConfig struct {
	BaseURL           string        `yaml:"baseUrl"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"-"`
	TimeoutSeconds    int           `yaml:"timeoutSeconds"`
	MaxConcurrent     int           `yaml:"maxConcurrent"`
	MaxRetries        int           `yaml:"maxRetries"`
	RetryDelaySeconds float64       `yaml:"retryDelaySeconds"`
	Pricing           PricingConfig `yaml:"pricing"`
}

// PricingConfig is the per-million-token rate table used for cost estimates.
type PricingConfig struct {
	InputPerMillion  float64 `yaml:"inputPerMillion"`
	OutputPerMillion float64 `yaml:"outputPerMillion"`
	Currency         string  `yaml:"currency"`
}

// CrawlerConfig bounds the full-document fetcher. Its concurrency limit is
// deliberately separate from the LLM one: the two services have different
// rate characteristics.
type CrawlerConfig struct {
	BaseURL           string  `yaml:"baseUrl"`
	MaxConcurrent     int     `yaml:"maxConcurrent"`
	TimeoutSeconds    int     `yaml:"timeoutSeconds"`
	MaxRetries        int     `yaml:"maxRetries"`
	RetryDelaySeconds float64 `yaml:"retryDelaySeconds"`
}

// CacheConfig locates and bounds the judgment cache.
type CacheConfig struct {
	Dir         string `yaml:"dir"`
	SizeLimitMB int64  `yaml:"sizeLimitMb"`
	ExpireDays  int    `yaml:"expireDays"`
}

// StageConfig holds the pass bar and sampling temperature of one stage.
type StageConfig struct {
	Threshold   float64 `yaml:"threshold" json:"threshold"`
	Temperature float32 `yaml:"temperature" json:"temperature"`
}

// Stage3Config extends StageConfig with the full-text budget and the
// user-declared extraction fields.
type Stage3Config struct {
	StageConfig  `yaml:",inline"`
	MaxTextChars int           `yaml:"maxTextChars" json:"max_text_chars"`
	CustomFields []CustomField `yaml:"customFields" json:"custom_fields"`
}

// CustomField names one value the deepest stage should extract.
type CustomField struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

// HighlightConfig controls the abstract-highlighting pass.
type HighlightConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Temperature float32 `yaml:"temperature" json:"temperature"`
}

// OutputConfig locates the digest artifact.
type OutputConfig struct {
	Path  string `yaml:"path"`
	Title string `yaml:"title"`
}

// LoggingConfig selects verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LLMTimeout returns the request timeout as a duration.
func (c LLMConfig) LLMTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryDelay returns the fixed inter-attempt delay as a duration.
func (c LLMConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds * float64(time.Second))
}

// Timeout returns the per-request timeout as a duration.
func (c CrawlerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryDelay returns the fixed inter-attempt delay as a duration.
func (c CrawlerConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds * float64(time.Second))
}

// SizeLimit returns the configured total cache budget in bytes.
func (c CacheConfig) SizeLimit() int64 {
	return c.SizeLimitMB * 1024 * 1024
}

// TTL returns the entry lifetime as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.ExpireDays) * 24 * time.Hour
}

// Load reads YAML configuration (path argument, else the env-provided path,
// else defaults only) and applies environment overrides. A config file that
// was explicitly requested but cannot be read or parsed is a fatal error,
// as is a missing API key: no pipeline work may start on broken config.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		// Decoding straight over the defaults keeps absent keys untouched
		// while still honouring explicit zero values such as
		// highlight.enabled: false or temperature: 0, which a
		// field-by-field merge cannot tell apart from "not set".
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(apiKeyEnv); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv(modelEnv); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv(baseURLEnv); v != "" {
		c.LLM.BaseURL = v
	}
}

func (c Config) validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("missing %s environment variable", apiKeyEnv)
	}
	for name, threshold := range map[string]float64{
		"stage1": c.Stage1.Threshold,
		"stage2": c.Stage2.Threshold,
		"stage3": c.Stage3.Threshold,
	} {
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("%s threshold %v outside [0,1]", name, threshold)
		}
	}
	if c.Cache.ExpireDays <= 0 {
		return fmt.Errorf("cache expireDays must be positive, got %d", c.Cache.ExpireDays)
	}
	return nil
}

// fingerprintPayload gathers every value that shapes a judgment. Thresholds
// are included on purpose: a changed threshold flips Pass for an already
// cached score, so it must roll the fingerprint instead of being silently
// reinterpreted against stale entries.
type fingerprintPayload struct {
	Criteria  string          `json:"criteria"`
	Stage1    StageConfig     `json:"stage1"`
	Stage2    StageConfig     `json:"stage2"`
	Stage3    Stage3Config    `json:"stage3"`
	Highlight HighlightConfig `json:"highlight"`
	Model     string          `json:"model"`
}

// Fingerprint hashes all scoring-relevant configuration into a short cache
// version tag. Any change to prompts, thresholds, temperatures, the text
// budget, custom fields, or the model identity produces a new fingerprint
// and therefore invalidates all existing cache entries.
func (c Config) Fingerprint() string {
	payload := fingerprintPayload{
		Criteria:  c.Criteria,
		Stage1:    c.Stage1,
		Stage2:    c.Stage2,
		Stage3:    c.Stage3,
		Highlight: c.Highlight,
		Model:     c.LLM.Model,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		// Payload is plain data; marshalling cannot realistically fail.
		raw = []byte(fmt.Sprintf("%+v", payload))
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:8]
}

func defaultConfig() Config {
	return Config{
		Criteria: "",
		Arxiv: ArxivConfig{
			Field:      "cs",
			Categories: nil,
			MaxResults: 0,
		},
		LLM: LLMConfig{
			Model:             "deepseek-chat",
			TimeoutSeconds:    60,
			MaxConcurrent:     10,
			MaxRetries:        3,
			RetryDelaySeconds: 1.0,
			Pricing: PricingConfig{
				InputPerMillion:  2.0,
				OutputPerMillion: 3.0,
				Currency:         "CNY",
			},
		},
		Crawler: CrawlerConfig{
			BaseURL:           "https://arxiv.org",
			MaxConcurrent:     5,
			TimeoutSeconds:    30,
			MaxRetries:        3,
			RetryDelaySeconds: 1.0,
		},
		Cache: CacheConfig{
			Dir:         ".cache",
			SizeLimitMB: 1024,
			ExpireDays:  30,
		},
		Stage1: StageConfig{Threshold: 0.5, Temperature: 0.0},
		Stage2: StageConfig{Threshold: 0.7, Temperature: 0.1},
		Stage3: Stage3Config{
			StageConfig:  StageConfig{Threshold: 0.8, Temperature: 0.3},
			MaxTextChars: 8000,
		},
		Highlight: HighlightConfig{Enabled: true, Temperature: 0.0},
		Output: OutputConfig{
			Path:  "digest.json",
			Title: "ArXiv Digest",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
