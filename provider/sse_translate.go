package provider

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"time"
)

// chunkDelta is the OpenAI-compatible chat.completion.chunk frame body.
// Every non-OpenAI-wire provider's streaming adapter re-emits its native
// events through this shape so stream.Bridge never has to know which
// upstream produced them.
type chunkDelta struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []chunkChoice  `json:"choices"`
}

type chunkChoice struct {
	Index        int         `json:"index"`
	Delta        chunkDeltaBody `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type chunkDeltaBody struct {
	Content string `json:"content,omitempty"`
}

// renderOpenAIChunk marshals one SSE "data:" frame in the shape real
// OpenAI-wire providers emit: a chat.completion.chunk carrying a single
// delta. finishReason is nil until the upstream signals completion.
func renderOpenAIChunk(id, model string, index int, content string, finishReason *string) []byte {
	c := chunkDelta{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chunkChoice{{
			Index:        index,
			Delta:        chunkDeltaBody{Content: content},
			FinishReason: finishReason,
		}},
	}
	body, _ := json.Marshal(c)
	frame := make([]byte, 0, len(body)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, body...)
	frame = append(frame, "\n\n"...)
	return frame
}

// doneFrame is the terminal SSE sentinel every OpenAI-compatible stream
// client waits for.
func doneFrame() []byte {
	return []byte("data: [DONE]\n\n")
}

// nextSSEDataLine scans scanner for the next "data: " line, stripping
// the prefix, and reports false once the underlying reader is
// exhausted. Non-data lines (event:, id:, blank keepalives) are
// skipped, matching how Anthropic's and Gemini's true SSE streams are
// framed.
func nextSSEDataLine(scanner *bufio.Scanner) ([]byte, bool) {
	for scanner.Scan() {
		line := scanner.Bytes()
		if bytes.HasPrefix(line, []byte("data: ")) {
			out := make([]byte, len(line)-len("data: "))
			copy(out, line[len("data: "):])
			return out, true
		}
	}
	return nil, false
}

func newSSEScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return sc
}
