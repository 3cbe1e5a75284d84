package provider

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"testing"
)

func fakeStreamResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

// drainChunks pulls every frame out of s until io.EOF, decoding each
// "data: {...}" frame into a chunkDelta and recording the raw
// "data: [DONE]" sentinel separately.
func drainChunks(t *testing.T, s Stream) ([]chunkDelta, bool) {
	t.Helper()
	var chunks []chunkDelta
	sawDone := false
	for {
		frame, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		payload := bytes.TrimSuffix(bytes.TrimPrefix(frame, []byte("data: ")), []byte("\n\n"))
		if string(payload) == "[DONE]" {
			sawDone = true
			continue
		}
		var c chunkDelta
		if err := json.Unmarshal(payload, &c); err != nil {
			t.Fatalf("failed to decode chunk frame %q: %v", frame, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, sawDone
}

func TestAnthropicChatStreamTranslatesToOpenAIChunks(t *testing.T) {
	body := "" +
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\"}}\n\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\" world\"}}\n\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n\n"

	s := newAnthropicChatStream(fakeStreamResponse(body), "claude-3-5-sonnet-20241022")
	chunks, sawDone := drainChunks(t, s)

	if !sawDone {
		t.Fatal("expected the stream to terminate with a [DONE] sentinel")
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 OpenAI-shaped chunks (2 content + 1 finish), got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Choices[0].Delta.Content != "Hello" || chunks[1].Choices[0].Delta.Content != " world" {
		t.Fatalf("expected content deltas to carry the native text verbatim, got %+v", chunks)
	}
	if chunks[2].Choices[0].FinishReason == nil || *chunks[2].Choices[0].FinishReason != "stop" {
		t.Fatalf("expected the final chunk to carry a mapped finish_reason, got %+v", chunks[2].Choices[0].FinishReason)
	}
}

func TestGeminiChatStreamTranslatesToOpenAIChunks(t *testing.T) {
	body := "" +
		"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hi\"}],\"role\":\"model\"},\"index\":0}]}\n\n" +
		"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\" there\"}],\"role\":\"model\"},\"finishReason\":\"STOP\",\"index\":0}]}\n\n"

	s := newGeminiChatStream(fakeStreamResponse(body), "gemini-2.0-flash")
	chunks, sawDone := drainChunks(t, s)

	if !sawDone {
		t.Fatal("expected the stream to terminate with a [DONE] sentinel")
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 OpenAI-shaped chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Choices[0].Delta.Content != "Hi" || chunks[1].Choices[0].Delta.Content != " there" {
		t.Fatalf("expected content deltas to carry the native text, got %+v", chunks)
	}
	if chunks[1].Choices[0].FinishReason == nil || *chunks[1].Choices[0].FinishReason != "stop" {
		t.Fatalf("expected the final chunk to carry a mapped finish_reason, got %+v", chunks[1].Choices[0].FinishReason)
	}
}

func TestCohereChatStreamTranslatesToOpenAIChunks(t *testing.T) {
	body := "" +
		"{\"event_type\":\"stream-start\"}\n" +
		"{\"event_type\":\"text-generation\",\"text\":\"Hi\"}\n" +
		"{\"event_type\":\"text-generation\",\"text\":\" there\"}\n" +
		"{\"event_type\":\"stream-end\",\"finish_reason\":\"COMPLETE\"}\n"

	prov := &CohereProvider{}
	s := newCohereChatStream(fakeStreamResponse(body), "command-r-plus", prov)
	chunks, sawDone := drainChunks(t, s)

	if !sawDone {
		t.Fatal("expected the stream to terminate with a [DONE] sentinel")
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 OpenAI-shaped chunks (2 content + 1 finish), got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Choices[0].Delta.Content != "Hi" || chunks[1].Choices[0].Delta.Content != " there" {
		t.Fatalf("expected content deltas to carry the native text, got %+v", chunks)
	}
	if chunks[2].Choices[0].FinishReason == nil || *chunks[2].Choices[0].FinishReason != "stop" {
		t.Fatalf("expected the final chunk to carry a mapped finish_reason, got %+v", chunks[2].Choices[0].FinishReason)
	}
}

// buildBedrockFrame wraps payload (a JSON native event, e.g. an
// Anthropic-shaped streaming event) in a minimal AWS event-stream
// message: a 12-byte prelude (total length, headers length, prelude
// CRC), zero headers, the base64-enveloped payload, and a trailing
// message CRC. CRCs are left zeroed since the parser doesn't verify
// them.
func buildBedrockFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	envelope, err := json.Marshal(map[string]string{"bytes": base64.StdEncoding.EncodeToString(payload)})
	if err != nil {
		t.Fatalf("failed to build bedrock envelope: %v", err)
	}

	totalLen := uint32(12 + len(envelope) + 4)
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, totalLen)
	_ = binary.Write(&buf, binary.BigEndian, uint32(0)) // headers length
	_ = binary.Write(&buf, binary.BigEndian, uint32(0)) // prelude crc (unverified)
	buf.Write(envelope)
	_ = binary.Write(&buf, binary.BigEndian, uint32(0)) // message crc (unverified)
	return buf.Bytes()
}

func TestBedrockChatStreamTranslatesToOpenAIChunks(t *testing.T) {
	var body bytes.Buffer
	body.Write(buildBedrockFrame(t, []byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`)))
	body.Write(buildBedrockFrame(t, []byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":" world"}}`)))
	body.Write(buildBedrockFrame(t, []byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`)))

	resp := &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body.Bytes()))}
	s := newBedrockChatStream(resp, "anthropic.claude-3-5-sonnet-20241022-v2:0")
	chunks, sawDone := drainChunks(t, s)

	if !sawDone {
		t.Fatal("expected the stream to terminate with a [DONE] sentinel")
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 OpenAI-shaped chunks (2 content + 1 finish), got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Choices[0].Delta.Content != "Hello" || chunks[1].Choices[0].Delta.Content != " world" {
		t.Fatalf("expected content deltas decoded from the base64 envelope, got %+v", chunks)
	}
	if chunks[2].Choices[0].FinishReason == nil || *chunks[2].Choices[0].FinishReason != "stop" {
		t.Fatalf("expected the final chunk to carry a mapped finish_reason, got %+v", chunks[2].Choices[0].FinishReason)
	}
}
