// Package batch executes a list of chat completion requests with
// bounded concurrency and records per-item success/failure without one
// slow or failing item blocking the rest. There is no teacher
// equivalent — the gateway repo this module is built from never
// implemented /v1/batches — so this is grounded on the concurrency
// idiom health.Monitor already uses (golang.org/x/sync/errgroup with a
// concurrency cap) applied to a client-submitted item list instead of a
// fixed target set, plus the lifecycle shape of an OpenAI-style batch
// job (queued -> in_progress -> completed/failed, one output line per
// input line, partial failures don't fail the whole batch).
package batch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alfred-dev/gatekeep/completion"
	"github.com/alfred-dev/gatekeep/gatewayerr"
	"github.com/alfred-dev/gatekeep/provider"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Item is one line of a batch submission: an index (to preserve
// submission order in the output regardless of completion order) and
// the chat request to run.
type Item struct {
	Index   int
	Request *provider.ChatRequest
}

// ItemResult is the outcome of running a single Item.
type ItemResult struct {
	Index      int
	Response   *provider.ChatResponse
	Deployment string
	Error      string
}

// Job tracks one batch submission end to end. Completed/Failed/Total
// are updated as items finish so a status poll can report progress
// without waiting for the whole batch to drain.
type Job struct {
	mu          sync.Mutex
	ID          string
	Status      Status
	Total       int
	Completed   int
	Failed      int
	Results     []ItemResult
	CreatedAt   time.Time
	CompletedAt *time.Time
	cancel      context.CancelFunc
}

func (j *Job) snapshotLocked() Job {
	return Job{
		ID:          j.ID,
		Status:      j.Status,
		Total:       j.Total,
		Completed:   j.Completed,
		Failed:      j.Failed,
		Results:     append([]ItemResult(nil), j.Results...),
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
}

// Snapshot returns a point-in-time copy of the job's progress, safe to
// serialize to a client without racing the in-flight executor.
func (j *Job) Snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

// Cancel stops any items that haven't started yet; items already
// in-flight are allowed to finish so partial work isn't wasted.
func (j *Job) Cancel() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Executor runs batch jobs against a completion.Router with bounded
// concurrency and tracks them by ID for later status polls.
type Executor struct {
	router      *completion.Router
	concurrency int
	itemTimeout time.Duration

	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewExecutor(router *completion.Router, concurrency int, itemTimeout time.Duration) *Executor {
	if concurrency <= 0 {
		concurrency = 8
	}
	if itemTimeout <= 0 {
		itemTimeout = 120 * time.Second
	}
	return &Executor{
		router:      router,
		concurrency: concurrency,
		itemTimeout: itemTimeout,
		jobs:        make(map[string]*Job),
	}
}

// Submit registers a new job and starts running it in the background,
// returning immediately with the job's ID — batch submissions are
// async by nature (an OpenAI-style /v1/batches caller polls for
// completion rather than blocking the request).
func (e *Executor) Submit(id string, items []Item) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        id,
		Status:    StatusQueued,
		Total:     len(items),
		Results:   make([]ItemResult, len(items)),
		CreatedAt: time.Now(),
		cancel:    cancel,
	}
	e.mu.Lock()
	e.jobs[id] = job
	e.mu.Unlock()

	go e.run(ctx, job, items)
	return job
}

func (e *Executor) run(ctx context.Context, job *Job, items []Item) {
	job.mu.Lock()
	job.Status = StatusInProgress
	job.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, item := range items {
		item := item
		g.Go(func() error {
			// An item that has not started when the job is cancelled is
			// skipped; one already running keeps a context the job's
			// cancellation does not reach, so it can finish.
			var result ItemResult
			if ctx.Err() != nil {
				result = ItemResult{Index: item.Index, Error: "batch cancelled before this item started"}
			} else {
				result = e.runItem(context.WithoutCancel(gctx), item)
			}
			job.mu.Lock()
			job.Results[item.Index] = result
			if result.Error == "" {
				job.Completed++
			} else {
				job.Failed++
			}
			job.mu.Unlock()
			return nil
		})
	}
	// errgroup's error is always nil here — runItem never returns an
	// error to the group, it records failures per-item instead, so one
	// bad request doesn't cancel the sibling items' context.
	_ = g.Wait()

	now := time.Now()
	job.mu.Lock()
	job.CompletedAt = &now
	if job.Failed == job.Total && job.Total > 0 {
		job.Status = StatusFailed
	} else if ctx.Err() != nil {
		job.Status = StatusCancelled
	} else {
		job.Status = StatusCompleted
	}
	job.mu.Unlock()
}

func (e *Executor) runItem(ctx context.Context, item Item) ItemResult {
	itemCtx, cancel := context.WithTimeout(ctx, e.itemTimeout)
	defer cancel()

	result, err := e.router.Dispatch(itemCtx, item.Request)
	if err != nil {
		msg := err.Error()
		var gwErr *gatewayerr.Error
		if gatewayerr.As(err, &gwErr) {
			msg = gwErr.Message
		}
		return ItemResult{Index: item.Index, Error: msg}
	}
	return ItemResult{
		Index:      item.Index,
		Response:   result.Response,
		Deployment: result.Deployment.ID,
	}
}

// Get returns a job by ID.
func (e *Executor) Get(id string) (*Job, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	j, ok := e.jobs[id]
	return j, ok
}

// Sweep evicts finished jobs older than maxAge so long-running
// deployments don't accumulate one Job per historical batch forever.
func (e *Executor) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	e.mu.Lock()
	defer e.mu.Unlock()
	evicted := 0
	for id, j := range e.jobs {
		j.mu.Lock()
		done := j.CompletedAt != nil && j.CompletedAt.Before(cutoff)
		j.mu.Unlock()
		if done {
			delete(e.jobs, id)
			evicted++
		}
	}
	return evicted
}
