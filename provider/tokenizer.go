// Token counting support. Different providers count tokens differently
// — OpenAI's BPE tokenizer is exact and freely available; the others
// don't ship a public Go tokenizer, so this module dispatches to a real
// tiktoken encoding for OpenAI-family models and falls back to a
// chars-per-token estimate (tuned per provider) everywhere else.
package provider

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter provides per-provider token counting strategies.
type TokenCounter struct {
	strategy TokenStrategy
	model    string
}

// TokenStrategy defines the counting algorithm for a provider.
type TokenStrategy int

const (
	// StrategyTiktoken counts exactly via the real BPE tokenizer OpenAI
	// publishes, used for openai/azure/groq (OpenAI-wire-compatible).
	StrategyTiktoken TokenStrategy = iota
	StrategyAnthropic
	StrategyGemini
	StrategyMistral
	StrategyDefault
)

// TokenCountResult holds the result of a token counting operation.
type TokenCountResult struct {
	PromptTokens    int    `json:"prompt_tokens"`
	EstimatedOutput int    `json:"estimated_output_tokens"`
	Strategy        string `json:"strategy"`
	IsEstimate      bool   `json:"is_estimate"`
}

var (
	encodingCache   = map[string]*tiktoken.Tiktoken{}
	encodingCacheMu sync.Mutex
)

// bpeEncoding returns the cl100k_base encoding (used by every current
// OpenAI chat/embedding model), cached across calls since constructing
// it loads a BPE rank table.
func bpeEncoding() (*tiktoken.Tiktoken, error) {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()
	if enc, ok := encodingCache["cl100k_base"]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	encodingCache["cl100k_base"] = enc
	return enc, nil
}

// NewTokenCounter creates a counter for the given provider/model pair.
func NewTokenCounter(providerName, model string) *TokenCounter {
	return &TokenCounter{strategy: resolveStrategy(providerName), model: model}
}

func resolveStrategy(name string) TokenStrategy {
	normalized := strings.ToLower(name)
	switch {
	case strings.Contains(normalized, "openai"), strings.Contains(normalized, "azure"), strings.Contains(normalized, "groq"):
		return StrategyTiktoken
	case strings.Contains(normalized, "anthropic"), strings.Contains(normalized, "claude"):
		return StrategyAnthropic
	case strings.Contains(normalized, "gemini"), strings.Contains(normalized, "google"):
		return StrategyGemini
	case strings.Contains(normalized, "mistral"):
		return StrategyMistral
	default:
		return StrategyDefault
	}
}

// CountMessages counts tokens for a slice of chat messages.
func (tc *TokenCounter) CountMessages(messages []ChatMessage) TokenCountResult {
	total := 0
	for _, msg := range messages {
		total += tc.countMessage(msg)
	}
	return TokenCountResult{
		PromptTokens: total,
		Strategy:     tc.strategyName(),
		IsEstimate:   tc.strategy != StrategyTiktoken,
	}
}

// CountText counts (or estimates) tokens for raw text.
func (tc *TokenCounter) CountText(text string) int {
	return tc.tokensFor(text)
}

func (tc *TokenCounter) countMessage(msg ChatMessage) int {
	tokens := tc.messageOverhead() + 1 // role token

	switch content := msg.Content.(type) {
	case string:
		tokens += tc.tokensFor(content)
	case []interface{}:
		for _, part := range content {
			m, ok := part.(map[string]interface{})
			if !ok {
				continue
			}
			if text, exists := m["text"]; exists {
				if s, ok := text.(string); ok {
					tokens += tc.tokensFor(s)
				}
			}
			if m["type"] == "image_url" {
				tokens += tc.imageTokenEstimate()
			}
		}
	}

	if msg.Name != "" {
		tokens += tc.tokensFor(msg.Name) + 1
	}

	for _, call := range msg.ToolCalls {
		tokens += tc.tokensFor(call.Function.Name)
		tokens += tc.tokensFor(call.Function.Arguments)
		tokens += 4
	}

	if msg.ToolCallID != "" {
		tokens += tc.tokensFor(msg.ToolCallID)
	}

	return tokens
}

// tokensFor counts (or estimates) the tokens in a string, exact for
// StrategyTiktoken, a tuned chars-per-token ratio otherwise.
func (tc *TokenCounter) tokensFor(text string) int {
	if text == "" {
		return 0
	}

	if tc.strategy == StrategyTiktoken {
		if enc, err := bpeEncoding(); err == nil {
			return len(enc.Encode(text, nil, nil))
		}
		// fall through to the estimate if the encoding table failed to load
	}

	charCount := utf8.RuneCountInString(text)
	ratio := 4.0
	switch tc.strategy {
	case StrategyTiktoken:
		ratio = 3.3
	case StrategyAnthropic:
		ratio = 3.5
	case StrategyGemini:
		ratio = 4.0
	case StrategyMistral:
		ratio = 3.8
	}
	tokens := int(float64(charCount) / ratio)
	if tokens == 0 && charCount > 0 {
		return 1
	}
	return tokens
}

func (tc *TokenCounter) messageOverhead() int {
	switch tc.strategy {
	case StrategyAnthropic, StrategyGemini:
		return 3
	default:
		return 4
	}
}

func (tc *TokenCounter) imageTokenEstimate() int {
	switch tc.strategy {
	case StrategyTiktoken:
		return 85
	case StrategyAnthropic:
		return 1024
	case StrategyGemini:
		return 258
	default:
		return 512
	}
}

func (tc *TokenCounter) strategyName() string {
	switch tc.strategy {
	case StrategyTiktoken:
		return "tiktoken"
	case StrategyAnthropic:
		return "anthropic"
	case StrategyGemini:
		return "gemini"
	case StrategyMistral:
		return "mistral"
	default:
		return "default"
	}
}

// CountToolDefinitions counts tokens contributed by tool/function
// definitions, which providers fold into the prompt token budget.
func (tc *TokenCounter) CountToolDefinitions(tools []Tool) int {
	if len(tools) == 0 {
		return 0
	}
	tokens := 12
	for _, tool := range tools {
		tokens += tc.tokensFor(tool.Function.Name)
		tokens += tc.tokensFor(tool.Function.Description)
		if tool.Function.Parameters != nil {
			tokens += tc.tokensFor(string(tool.Function.Parameters))
		}
		tokens += 8
	}
	return tokens
}

// EstimateChatRequest provides a complete token estimate for a chat
// request, used by ratelimit and pricing to pre-charge a TPM/TPD budget
// before the real usage is known.
func (tc *TokenCounter) EstimateChatRequest(req *ChatRequest) TokenCountResult {
	result := tc.CountMessages(req.Messages)

	if len(req.Tools) > 0 {
		result.PromptTokens += tc.CountToolDefinitions(req.Tools)
	}
	result.PromptTokens += 3 // assistant-reply priming

	if req.MaxTokens != nil {
		result.EstimatedOutput = *req.MaxTokens
	} else {
		result.EstimatedOutput = 1024
	}

	return result
}
