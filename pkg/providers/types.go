package providers

import "context"

// Message is one chat turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions carries per-call sampling parameters. Zero values fall back to
// provider defaults.
type ChatOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMResponse is the provider-agnostic chat result.
type LLMResponse struct {
	Content      string
	FinishReason string
	Usage        *UsageInfo
}

// ProviderInfo identifies the configured provider and model.
type ProviderInfo struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

// LLMProvider is the chat port consumed by the knowledge engine. Transport,
// auth and retry live behind it.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*LLMResponse, error)
	GetInfo() ProviderInfo
}

// Temp is a convenience for building ChatOptions literals.
func Temp(v float64) *float64 { return &v }
