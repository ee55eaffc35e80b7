// Package batchqueue implements the per-model FIFO of in-flight requests
// awaiting dispatch (spec §4.6), adapted from gateway/batch_queue.rs. The
// Rust original uses a tokio::sync::Notify; Go's idiomatic equivalent is a
// buffered signal channel drained non-blockingly by the dispatcher.
package batchqueue

import (
	"sync"
	"time"

	"github.com/dchest/siphash"
)

// dedupKey0/dedupKey1 seed the per-process siphash used to compute each
// queued request's dedup key; fixed rather than random so repeated runs
// produce the same key for the same body, useful when comparing logs across
// a restart.
const (
	dedupKey0 = 0x6761746577617964
	dedupKey1 = 0x7175657565646564
)

// Config mirrors BatchQueueConfig: the timeout and minimum size used by
// should_dispatch's timeout branch.
type Config struct {
	BatchTimeout time.Duration
	MinBatchSize int
}

// DefaultConfig matches the original's Default impl (50ms / 1).
func DefaultConfig() Config {
	return Config{BatchTimeout: 50 * time.Millisecond, MinBatchSize: 1}
}

// Result is what a queued request's reply channel carries: exactly one of
// Response or Err, never both (spec's "the reply channel has exactly one
// send").
type Result struct {
	Response []byte
	RunnerID string
	Model    string
	Err      error
}

// QueuedRequest is a single request awaiting dispatch.
type QueuedRequest struct {
	Body       []byte
	Reply      chan Result
	EnqueuedAt time.Time
	// DedupKey hashes model+body; two requests with the same key are
	// almost certainly duplicate submissions (a client retry racing its
	// own original call) rather than coincidentally-identical prompts.
	DedupKey uint64
}

// dedupKey hashes model and body together with siphash, used as the queue's
// internal bookkeeping key for detecting duplicate in-flight submissions.
func dedupKey(model string, body []byte) uint64 {
	buf := make([]byte, 0, len(model)+1+len(body))
	buf = append(buf, model...)
	buf = append(buf, 0)
	buf = append(buf, body...)
	return siphash.Hash(dedupKey0, dedupKey1, buf)
}

// Batch is a model's worth of requests taken together for dispatch.
type Batch struct {
	Model    string
	Requests []QueuedRequest
}

type modelQueue struct {
	requests       []QueuedRequest
	firstRequestAt time.Time // zero value means "empty"
	// dedupCounts tracks how many currently-queued requests share each
	// DedupKey, so a caller can tell a retried duplicate from a fresh one
	// before it is dispatched.
	dedupCounts map[uint64]int
}

func (q *modelQueue) push(req QueuedRequest) {
	if len(q.requests) == 0 {
		q.firstRequestAt = time.Now()
	}
	q.requests = append(q.requests, req)
	if q.dedupCounts == nil {
		q.dedupCounts = make(map[uint64]int)
	}
	q.dedupCounts[req.DedupKey]++
}

func (q *modelQueue) age() (time.Duration, bool) {
	if q.firstRequestAt.IsZero() {
		return 0, false
	}
	return time.Since(q.firstRequestAt), true
}

func (q *modelQueue) takeBatch(maxSize int) []QueuedRequest {
	if maxSize > len(q.requests) {
		maxSize = len(q.requests)
	}
	batch := q.requests[:maxSize]
	q.requests = q.requests[maxSize:]
	for _, req := range batch {
		q.dedupCounts[req.DedupKey]--
		if q.dedupCounts[req.DedupKey] <= 0 {
			delete(q.dedupCounts, req.DedupKey)
		}
	}

	if len(q.requests) == 0 {
		q.firstRequestAt = time.Time{}
	} else {
		q.firstRequestAt = q.requests[0].EnqueuedAt
	}
	return batch
}

// Queue is the main batch-queue manager: a map from model id to its
// per-model queue, plus a notifier the dispatcher selects on.
type Queue struct {
	cfg Config

	mu     sync.RWMutex
	queues map[string]*modelQueue

	notify chan struct{}
}

// New returns an empty Queue configured with cfg.
func New(cfg Config) *Queue {
	return &Queue{
		cfg:    cfg,
		queues: make(map[string]*modelQueue),
		notify: make(chan struct{}, 1),
	}
}

// Notifier returns the channel the dispatcher selects on alongside its
// periodic tick; a send here never blocks (buffered, size 1, drop-if-full).
func (q *Queue) Notifier() <-chan struct{} {
	return q.notify
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue appends a request to model's queue and returns the channel its
// single result will arrive on. EnqueueWithDedup also reports how many
// other requests with the same dedup key are already queued.
func (q *Queue) Enqueue(model string, body []byte) <-chan Result {
	reply, _ := q.enqueue(model, body)
	return reply
}

// EnqueueWithDedup behaves like Enqueue but also reports the number of other
// requests already queued for model with the same dedup key (0 for a request
// seen nowhere else in the queue), for callers (e.g. logging) that care
// about retry storms.
func (q *Queue) EnqueueWithDedup(model string, body []byte) (<-chan Result, int) {
	return q.enqueue(model, body)
}

func (q *Queue) enqueue(model string, body []byte) (<-chan Result, int) {
	reply := make(chan Result, 1)
	queued := QueuedRequest{
		Body:       body,
		Reply:      reply,
		EnqueuedAt: time.Now(),
		DedupKey:   dedupKey(model, body),
	}

	q.mu.Lock()
	mq, ok := q.queues[model]
	if !ok {
		mq = &modelQueue{}
		q.queues[model] = mq
	}
	mq.push(queued)
	duplicates := mq.dedupCounts[queued.DedupKey] - 1
	q.mu.Unlock()

	q.wake()
	return reply, duplicates
}

// ShouldDispatch reports whether model's queue should be drained now: either
// it has reached runnerBatchSize, or it has at least MinBatchSize and its
// head has aged past BatchTimeout.
func (q *Queue) ShouldDispatch(model string, runnerBatchSize int) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	mq, ok := q.queues[model]
	if !ok || len(mq.requests) == 0 {
		return false
	}
	if len(mq.requests) >= runnerBatchSize {
		return true
	}
	if len(mq.requests) >= q.cfg.MinBatchSize {
		if age, has := mq.age(); has && age >= q.cfg.BatchTimeout {
			return true
		}
	}
	return false
}

// TakeBatch drains up to max requests from model's queue in FIFO order.
// Returns ok=false if the queue is empty.
func (q *Queue) TakeBatch(model string, max int) (Batch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	mq, ok := q.queues[model]
	if !ok || len(mq.requests) == 0 {
		return Batch{}, false
	}
	taken := mq.takeBatch(max)
	if len(taken) == 0 {
		return Batch{}, false
	}
	out := make([]QueuedRequest, len(taken))
	copy(out, taken)
	return Batch{Model: model, Requests: out}, true
}

// PendingModels lists models with at least one pending request.
func (q *Queue) PendingModels() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []string
	for model, mq := range q.queues {
		if len(mq.requests) > 0 {
			out = append(out, model)
		}
	}
	return out
}

// PendingCount returns the number of requests pending for model.
func (q *Queue) PendingCount(model string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if mq, ok := q.queues[model]; ok {
		return len(mq.requests)
	}
	return 0
}

// OldestRequestAge returns the age of model's head request, if any.
func (q *Queue) OldestRequestAge(model string) (time.Duration, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if mq, ok := q.queues[model]; ok {
		return mq.age()
	}
	return 0, false
}

// Reject sends err on every request in batch's reply channels, used when a
// batch fails to find a runner before dispatch (e.g. no operational
// runners left between take and send).
func Reject(batch Batch, err error) {
	for _, req := range batch.Requests {
		sendResult(req.Reply, Result{Err: err})
	}
}

// sendResult performs the reply channel's single send, discarding the
// result if the receiver already gave up (spec §5: "the dispatcher
// observes a dead receiver... and silently discards the result").
func sendResult(reply chan Result, res Result) {
	select {
	case reply <- res:
	default:
	}
}
