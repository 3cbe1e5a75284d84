package provider

import "testing"

func TestNewTokenCounterResolvesStrategyByProvider(t *testing.T) {
	cases := map[string]TokenStrategy{
		"openai":    StrategyTiktoken,
		"azure":     StrategyTiktoken,
		"groq":      StrategyTiktoken,
		"anthropic": StrategyAnthropic,
		"gemini":    StrategyGemini,
		"mistral":   StrategyMistral,
		"cohere":    StrategyDefault,
	}
	for name, want := range cases {
		tc := NewTokenCounter(name, "some-model")
		if tc.strategy != want {
			t.Errorf("NewTokenCounter(%q) strategy = %v, want %v", name, tc.strategy, want)
		}
	}
}

func TestCountTextEmptyStringIsZero(t *testing.T) {
	tc := NewTokenCounter("openai", "gpt-4o")
	if got := tc.CountText(""); got != 0 {
		t.Fatalf("expected 0 tokens for empty string, got %d", got)
	}
}

func TestCountTextNonEmptyStringIsPositive(t *testing.T) {
	tc := NewTokenCounter("openai", "gpt-4o")
	if got := tc.CountText("The quick brown fox jumps over the lazy dog."); got <= 0 {
		t.Fatalf("expected a positive token count, got %d", got)
	}
}

func TestCountTextEstimateStrategyNeverReturnsZeroForNonEmptyInput(t *testing.T) {
	tc := NewTokenCounter("anthropic", "claude-3-5-sonnet-20241022")
	if got := tc.CountText("hi"); got == 0 {
		t.Fatal("expected at least 1 token for a short non-empty string under the estimate path")
	}
}

func TestCountMessagesSumsAcrossMessagesAndMarksEstimateFlag(t *testing.T) {
	tc := NewTokenCounter("openai", "gpt-4o")
	result := tc.CountMessages([]ChatMessage{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "What is the capital of France?"},
	})
	if result.PromptTokens <= 0 {
		t.Fatalf("expected positive prompt tokens, got %d", result.PromptTokens)
	}
	if result.IsEstimate {
		t.Fatal("expected tiktoken strategy to report an exact count, not an estimate")
	}

	estimateTC := NewTokenCounter("mistral", "mistral-large-latest")
	estimateResult := estimateTC.CountMessages([]ChatMessage{{Role: "user", Content: "hello there"}})
	if !estimateResult.IsEstimate {
		t.Fatal("expected the mistral strategy to report an estimated count")
	}
}

func TestCountMessagesAccountsForToolCallsAndNames(t *testing.T) {
	tc := NewTokenCounter("openai", "gpt-4o")
	bare := tc.CountMessages([]ChatMessage{{Role: "user", Content: "hello"}})
	withName := tc.CountMessages([]ChatMessage{{Role: "user", Content: "hello", Name: "alice"}})
	if withName.PromptTokens <= bare.PromptTokens {
		t.Fatalf("expected a named message to cost more tokens: bare=%d withName=%d", bare.PromptTokens, withName.PromptTokens)
	}

	withToolCall := tc.CountMessages([]ChatMessage{{
		Role:    "assistant",
		Content: "",
		ToolCalls: []ToolCall{{
			ID:   "call-1",
			Type: "function",
			Function: FunctionCall{
				Name:      "get_weather",
				Arguments: `{"location":"Paris"}`,
			},
		}},
	}})
	if withToolCall.PromptTokens <= 0 {
		t.Fatalf("expected tool call content to contribute tokens, got %d", withToolCall.PromptTokens)
	}
}

func TestCountToolDefinitionsEmptyIsZero(t *testing.T) {
	tc := NewTokenCounter("openai", "gpt-4o")
	if got := tc.CountToolDefinitions(nil); got != 0 {
		t.Fatalf("expected 0 for no tool definitions, got %d", got)
	}
}

func TestEstimateChatRequestUsesMaxTokensWhenSet(t *testing.T) {
	tc := NewTokenCounter("openai", "gpt-4o")
	max := 256
	req := &ChatRequest{
		Model:     "gpt-4o",
		Messages:  []ChatMessage{{Role: "user", Content: "hello"}},
		MaxTokens: &max,
	}
	result := tc.EstimateChatRequest(req)
	if result.EstimatedOutput != 256 {
		t.Fatalf("expected estimated output to follow MaxTokens, got %d", result.EstimatedOutput)
	}
}

func TestEstimateChatRequestDefaultsOutputWhenMaxTokensUnset(t *testing.T) {
	tc := NewTokenCounter("openai", "gpt-4o")
	req := &ChatRequest{
		Model:    "gpt-4o",
		Messages: []ChatMessage{{Role: "user", Content: "hello"}},
	}
	result := tc.EstimateChatRequest(req)
	if result.EstimatedOutput != 1024 {
		t.Fatalf("expected the default 1024-token output estimate, got %d", result.EstimatedOutput)
	}
}
