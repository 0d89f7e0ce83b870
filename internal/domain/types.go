package domain

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ProviderID string

const (
	ProviderOpenAI    ProviderID = "openai"
	ProviderAnthropic ProviderID = "anthropic"
	ProviderBedrock   ProviderID = "bedrock"
	ProviderOllama    ProviderID = "ollama"
)

// MaxTokensLimit is the upper bound accepted for Request.MaxTokens.
const MaxTokensLimit = 128000

// DefaultTemperature is assumed when a request leaves temperature unset.
const DefaultTemperature = 0.7

type Message struct {
	Role    Role   `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

type Request struct {
	Messages    []Message `json:"messages" validate:"required,min=1,dive"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty" validate:"omitempty,min=1,max=128000"`
	Temperature *float64  `json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
	Stream      bool      `json:"stream,omitempty"`
}

// Clone returns a copy of the request whose message slice can be modified
// without affecting the caller's.
func (r Request) Clone() Request {
	out := r
	out.Messages = make([]Message, len(r.Messages))
	copy(out.Messages, r.Messages)
	return out
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Response struct {
	Content  string     `json:"content"`
	Model    string     `json:"model"`
	Usage    Usage      `json:"usage"`
	Provider ProviderID `json:"provider"`
	Cached   bool       `json:"cached"`
}

type StreamChunk struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// UsageMetrics is a point-in-time view of the orchestrator's counters.
type UsageMetrics struct {
	TotalRequests    int64   `json:"total_requests"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
	CacheHits        int64   `json:"cache_hits"`
	CacheMisses      int64   `json:"cache_misses"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}
