// Package stream bridges a provider's SSE response to the client
// connection, tracking per-chunk latency and capturing usage exactly
// once even though OpenAI-wire providers put the usage block in the
// final chunk before the "[DONE]" sentinel. It generalizes the
// teacher's inline streaming loop in handler.ProxyHandler
// (handleStreamingChat), which wrote chunks straight to the
// http.ResponseWriter with no backpressure bound and no usage capture.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/alfred-dev/gatekeep/completion"
	"github.com/alfred-dev/gatekeep/gatewayerr"
	"github.com/alfred-dev/gatekeep/loadbalancer"
	"github.com/alfred-dev/gatekeep/provider"
)

// queueDepth bounds how many chunks can sit between the provider read
// loop and the client write loop before the reader blocks. Keeping this
// small means a slow or disconnected client is felt (and can be
// cancelled on) within roughly one chunk's arrival latency rather than
// buffering an unbounded backlog in memory.
const queueDepth = 8

// Metrics summarizes one streamed call for the caller to hand to the
// usage recorder once the stream finishes.
type Metrics struct {
	Deployment    loadbalancer.Deployment
	FirstByte     time.Duration
	Total         time.Duration
	ChunksWritten int
	BytesWritten  int64
	Usage         provider.Usage
	ClientClosed  bool
}

// Bridge pumps one streaming chat completion from a selected deployment
// to an http.ResponseWriter.
type Bridge struct {
	logger zerolog.Logger
	router *completion.Router
}

func NewBridge(logger zerolog.Logger, router *completion.Router) *Bridge {
	return &Bridge{logger: logger.With().Str("component", "stream-bridge").Logger(), router: router}
}

// Run selects a deployment for req, opens a streaming call, and pumps
// SSE chunks to w until the provider signals completion, the client
// disconnects, or ctx is cancelled. It retries deployment selection
// (not the in-flight stream itself) only if opening the stream fails
// before any bytes reach the client.
func (b *Bridge) Run(ctx context.Context, w http.ResponseWriter, req *provider.ChatRequest) (*Metrics, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.InternalError, "response writer does not support flushing")
	}

	tried := map[string]bool{}
	var dep loadbalancer.Deployment
	var prov provider.Provider
	var openErr error

	for attempt := 0; attempt < 3; attempt++ {
		var pickedDep loadbalancer.Deployment
		var pickedProv provider.Provider
		pickedDep, pickedProv, openErr = b.router.Pick(req.Model, tried)
		if openErr != nil {
			break
		}
		tried[pickedDep.ID] = true

		deployReq := *req
		deployReq.Model = pickedDep.Model

		start := time.Now()
		s, err := pickedProv.ChatCompletionStream(ctx, &deployReq)
		if err == nil {
			dep, prov = pickedDep, pickedProv
			return b.pump(ctx, w, flusher, s, dep, start)
		}

		openErr = err
		b.router.RecordOutcome(pickedDep, time.Since(start), false)

		var gwErr *gatewayerr.Error
		if !gatewayerr.As(err, &gwErr) || !gwErr.Kind.Retryable() {
			break
		}
	}

	if openErr == nil {
		openErr = gatewayerr.New(gatewayerr.ProviderUnavailable, "no deployment available to open stream")
	}
	return nil, openErr
}

type chunkMsg struct {
	data []byte
	err  error
}

// pump reads raw SSE bytes from the provider stream on one goroutine
// and writes/flushes them to the client on the caller's goroutine,
// bridged by a bounded channel — the same shape the teacher used for
// disconnect-aware streaming in handler/stream.go, generalized to carry
// a backpressure bound and parse the trailing usage chunk.
func (b *Bridge) pump(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, s provider.Stream, dep loadbalancer.Deployment, start time.Time) (*Metrics, error) {
	defer s.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Gatekeep-Deployment", dep.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan chunkMsg, queueDepth)
	done := make(chan struct{})
	go func() {
		defer close(ch)
		for {
			select {
			case <-done:
				return
			default:
			}
			buf, err := s.Next()
			ch <- chunkMsg{data: buf, err: err}
			if err != nil {
				return
			}
		}
	}()
	defer close(done)

	metrics := &Metrics{Deployment: dep}
	var carry bytes.Buffer
	firstByte := time.Duration(0)
	gotFirst := false

	for {
		select {
		case <-ctx.Done():
			metrics.ClientClosed = true
			metrics.Total = time.Since(start)
			return metrics, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				metrics.Total = time.Since(start)
				return metrics, nil
			}
			if msg.err != nil {
				if msg.err == io.EOF {
					metrics.Total = time.Since(start)
					return metrics, nil
				}
				b.logger.Error().Err(msg.err).Str("deployment", dep.ID).Msg("stream read error")
				b.router.RecordOutcome(dep, time.Since(start), false)
				metrics.Total = time.Since(start)
				return metrics, msg.err
			}

			if !gotFirst {
				firstByte = time.Since(start)
				gotFirst = true
				metrics.FirstByte = firstByte
			}

			carry.Write(msg.data)
			extractUsage(carry.Bytes(), &metrics.Usage)

			if _, err := w.Write(msg.data); err != nil {
				metrics.ClientClosed = true
				metrics.Total = time.Since(start)
				b.router.RecordOutcome(dep, time.Since(start), true)
				return metrics, nil
			}
			flusher.Flush()
			metrics.ChunksWritten++
			metrics.BytesWritten += int64(len(msg.data))
		}
	}
}

// sseUsageChunk mirrors the shape of the final data: frame an
// OpenAI-compatible stream emits, which carries a populated usage block
// once stream_options.include_usage is set; absent that option most
// providers never send one, so extractUsage is a best-effort capture.
type sseUsageChunk struct {
	Usage *provider.Usage `json:"usage"`
}

// extractUsage scans whatever has accumulated in carry for an SSE data
// line carrying a non-nil usage object, overwriting out if found. It is
// deliberately tolerant of partial/garbled frames — the buffer may be
// mid-chunk — and never returns an error, since a failed usage capture
// should not interrupt the stream.
func extractUsage(carry []byte, out *provider.Usage) {
	scanner := bufio.NewScanner(bytes.NewReader(carry))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			continue
		}
		var chunk sseUsageChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			*out = *chunk.Usage
		}
	}
}
