package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/alfred-dev/gatekeep/gatewayerr"
)

// compatDescriptor pins the handful of things that actually differ
// across OpenAI-wire-compatible providers: base URL, default model
// list, and the auth header shape. Everything else — request/response
// JSON, SSE framing, error classification — is identical to OpenAI's
// own API, which is why these providers don't get their own adapter
// file the way anthropic/gemini/cohere/bedrock do.
type compatDescriptor struct {
	name          string
	defaultBase   string
	defaultModels []string
	authHeader    func(apiKey string) (key, value string)
}

func bearerAuth(apiKey string) (string, string) {
	return "Authorization", "Bearer " + apiKey
}

var compatDescriptors = map[string]compatDescriptor{
	"azure": {
		name:        "azure",
		defaultBase: "", // Azure deployments always carry an explicit endpoint
		authHeader:  func(apiKey string) (string, string) { return "api-key", apiKey },
	},
	"mistral": {
		name:          "mistral",
		defaultBase:   "https://api.mistral.ai/v1",
		defaultModels: []string{"mistral-large-latest", "mistral-small-latest", "codestral-latest", "mistral-embed"},
		authHeader:    bearerAuth,
	},
	"groq": {
		name:          "groq",
		defaultBase:   "https://api.groq.com/openai/v1",
		defaultModels: []string{"llama-3.1-70b-versatile", "llama-3.1-8b-instant", "mixtral-8x7b-32768"},
		authHeader:    bearerAuth,
	},
	"together": {
		name:          "together",
		defaultBase:   "https://api.together.xyz/v1",
		defaultModels: []string{"meta-llama/Meta-Llama-3.1-70B-Instruct-Turbo"},
		authHeader:    bearerAuth,
	},
	"vllm": {
		name:          "vllm",
		defaultBase:   "http://localhost:8000/v1",
		defaultModels: []string{},
		authHeader:    bearerAuth,
	},
	"ollama": {
		name:          "ollama",
		defaultBase:   "http://localhost:11434/v1",
		defaultModels: []string{},
		authHeader:    func(apiKey string) (string, string) { return "", "" },
	},
	"deepseek": {
		name:          "deepseek",
		defaultBase:   "https://api.deepseek.com/v1",
		defaultModels: []string{"deepseek-chat", "deepseek-reasoner"},
		authHeader:    bearerAuth,
	},
}

// OpenAICompatAdapter serves every provider whose wire format is
// identical to OpenAI's — collapsing what the teacher shipped as six
// separate, near-duplicate (and, on inspection, mutually inconsistent —
// differing struct names between files that were clearly never
// compiled together) adapter files into one parameterized connector.
type OpenAICompatAdapter struct {
	desc   compatDescriptor
	config ProviderConfig
	client *http.Client
}

// NewOpenAICompatAdapter builds a compat adapter for one of the known
// OpenAI-wire-compatible providers. An unknown name does not panic: it
// gets a descriptor with that name, bearer auth, and no default base
// URL or model list.
func NewOpenAICompatAdapter(providerName string, cfg ProviderConfig) *OpenAICompatAdapter {
	desc, ok := compatDescriptors[providerName]
	if !ok {
		desc = compatDescriptor{name: providerName, authHeader: bearerAuth}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = desc.defaultBase
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OpenAICompatAdapter{
		desc:   desc,
		config: cfg,
		client: &http.Client{
			Transport: &http.Transport{MaxIdleConns: 100, MaxIdleConnsPerHost: 20, IdleConnTimeout: 90 * time.Second},
			Timeout:   cfg.Timeout,
		},
	}
}

func (p *OpenAICompatAdapter) Name() string { return p.desc.name }

func (p *OpenAICompatAdapter) Models() []string {
	if len(p.config.Models) > 0 {
		return p.config.Models
	}
	return p.desc.defaultModels
}

func (p *OpenAICompatAdapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if k, v := p.desc.authHeader(p.config.APIKey); k != "" {
		req.Header.Set(k, v)
	}
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}
}

func (p *OpenAICompatAdapter) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, p.config.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Network, fmt.Sprintf("%s request failed", p.desc.name), err)
	}
	return resp, nil
}

func (p *OpenAICompatAdapter) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := p.do(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, gatewayerr.New(classifyUpstreamStatus(resp.StatusCode), fmt.Sprintf("%s returned status %d: %s", p.desc.name, resp.StatusCode, string(respBody)))
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &chatResp, nil
}

func (p *OpenAICompatAdapter) ChatCompletionStream(ctx context.Context, req *ChatRequest) (Stream, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := p.do(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, gatewayerr.New(classifyUpstreamStatus(resp.StatusCode), fmt.Sprintf("%s returned status %d: %s", p.desc.name, resp.StatusCode, string(respBody)))
	}
	return NewHTTPStream(resp), nil
}

func (p *OpenAICompatAdapter) Embeddings(ctx context.Context, req *EmbeddingsRequest) (*EmbeddingsResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := p.do(ctx, http.MethodPost, "/embeddings", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, gatewayerr.New(classifyUpstreamStatus(resp.StatusCode), fmt.Sprintf("%s returned status %d: %s", p.desc.name, resp.StatusCode, string(respBody)))
	}

	var embResp EmbeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &embResp, nil
}

func (p *OpenAICompatAdapter) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	resp, err := p.do(ctx, http.MethodGet, "/models", nil)
	latency := time.Since(start)
	if err != nil {
		return HealthStatus{Healthy: false, Latency: latency, Error: err.Error(), LastCheck: time.Now()}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	errMsg := ""
	if !healthy {
		errMsg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return HealthStatus{Healthy: healthy, Latency: latency, LastCheck: time.Now(), Error: errMsg}
}

// Transcription, Translation, and Speech satisfy AudioProvider for the
// subset of compat providers that actually expose audio endpoints
// (groq serves Whisper-family models; most others don't, and will
// simply return whatever error the upstream gives for an unknown path).
func (p *OpenAICompatAdapter) Transcription(ctx context.Context, req *AudioTranscriptionRequest) (*AudioTranscriptionResponse, error) {
	return p.audioToText(ctx, "/audio/transcriptions", req)
}

func (p *OpenAICompatAdapter) Translation(ctx context.Context, req *AudioTranscriptionRequest) (*AudioTranscriptionResponse, error) {
	return p.audioToText(ctx, "/audio/translations", req)
}

func (p *OpenAICompatAdapter) audioToText(ctx context.Context, path string, req *AudioTranscriptionRequest) (*AudioTranscriptionResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := part.Write(req.File); err != nil {
		return nil, fmt.Errorf("write audio payload: %w", err)
	}
	_ = mw.WriteField("model", req.Model)
	if req.Language != "" {
		_ = mw.WriteField("language", req.Language)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if k, v := p.desc.authHeader(p.config.APIKey); k != "" {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Network, fmt.Sprintf("%s audio request failed", p.desc.name), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, gatewayerr.New(classifyUpstreamStatus(resp.StatusCode), fmt.Sprintf("%s returned status %d: %s", p.desc.name, resp.StatusCode, string(respBody)))
	}

	var out AudioTranscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func (p *OpenAICompatAdapter) Speech(ctx context.Context, req *AudioSpeechRequest) ([]byte, string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}
	resp, err := p.do(ctx, http.MethodPost, "/audio/speech", body)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, "", gatewayerr.New(classifyUpstreamStatus(resp.StatusCode), fmt.Sprintf("%s returned status %d: %s", p.desc.name, resp.StatusCode, string(respBody)))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read audio response: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return audio, contentType, nil
}
