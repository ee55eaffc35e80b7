// Package dispatcher is the batch queue's single long-running drain loop
// (spec §4.7), adapted from gateway/batch_dispatcher.rs. The per-model
// batch-size cache is backed by patrickmn/go-cache, the way the teacher's
// own services cache short-lived lookups.
package dispatcher

import (
	"context"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/runnergateway/gateway/internal/batchqueue"
	"github.com/runnergateway/gateway/internal/gatewayerr"
	"github.com/runnergateway/gateway/internal/gwtypes"
	"github.com/runnergateway/gateway/internal/logctx"
	"github.com/runnergateway/gateway/internal/metrics"
	"github.com/runnergateway/gateway/internal/registry"
	"github.com/runnergateway/gateway/internal/runnerclient"
)

// AuditLog records one proxied exchange's outcome. Optional: a Dispatcher
// constructed with a nil AuditLog simply skips recording (spec.md §3,
// "Audit Interface").
type AuditLog interface {
	RecordExchange(ctx context.Context, rec gwtypes.AuditRecord) error
}

// checkInterval is the periodic tick the dispatcher selects on alongside
// the queue's notifier, needed to honor timeout-based dispatch when no new
// enqueues arrive (spec §4.7 step 1: "≈10 ms").
const checkInterval = 10 * time.Millisecond

// Dispatcher drains batchqueue.Queue according to size/age thresholds and
// forwards each batch's requests to a least-loaded runner.
type Dispatcher struct {
	queue    *batchqueue.Queue
	registry *registry.Registry
	client   *runnerclient.Client
	audit    AuditLog
	log      logrus.FieldLogger

	batchSizeCache *cache.Cache
}

// New returns a Dispatcher ready to Run. audit may be nil.
func New(queue *batchqueue.Queue, reg *registry.Registry, client *runnerclient.Client, audit AuditLog, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		queue:    queue,
		registry: reg,
		client:   client,
		audit:    audit,
		log:      log,
		// No expiration: invalidated explicitly on runner connect/disconnect
		// (spec §4.2, "Cache invalidation hook"), not on a timer.
		batchSizeCache: cache.New(cache.NoExpiration, cache.NoExpiration),
	}
}

// InvalidateCache clears the per-model batch-size cache. Call this when a
// runner connects or disconnects.
func (d *Dispatcher) InvalidateCache() {
	d.batchSizeCache.Flush()
}

// Run drives the dispatch loop until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	notify := d.queue.Notifier()
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-notify:
		case <-ticker.C:
		}
		d.tryDispatchAll()
	}
}

func (d *Dispatcher) tryDispatchAll() {
	for _, model := range d.queue.PendingModels() {
		metrics.BatchQueueDepth.WithLabelValues(model).Set(float64(d.queue.PendingCount(model)))
		if err := d.tryDispatch(model); err != nil {
			d.log.WithError(err).WithField("model", model).Warn("batch dispatch failed")
		}
	}
}

func (d *Dispatcher) tryDispatch(model string) error {
	batchSize := d.runnerBatchSize(model)

	if !d.queue.ShouldDispatch(model, batchSize) {
		return nil
	}

	batch, ok := d.queue.TakeBatch(model, batchSize)
	if !ok {
		return nil
	}

	d.log.WithFields(logrus.Fields{
		"model":      model,
		"batch_size": len(batch.Requests),
		"max":        batchSize,
	}).Info("dispatching batch")

	metrics.BatchesDispatched.WithLabelValues(model).Inc()
	return d.dispatchBatch(batch)
}

// runnerBatchSize returns the cached max batch_size for model, populating
// the cache on miss by scanning runners with the model loaded (spec §4.7
// step 2a).
func (d *Dispatcher) runnerBatchSize(model string) int {
	if cached, ok := d.batchSizeCache.Get(model); ok {
		return cached.(int)
	}

	runners := d.registry.WithModel(model)
	max := 0
	for _, runner := range runners {
		if size := runner.Status.MaxBatchSize(model); size > max {
			max = size
		}
	}
	if max == 0 {
		max = 1
	}
	d.batchSizeCache.SetDefault(model, max)
	return max
}

// dispatchBatch selects a least-loaded runner with the model loaded (or any
// operational runner) and sequentially forwards every request in the
// batch, replying to each request's own channel. Never true tensor
// batching — the sequential forwarding is deliberate (spec §4.7, §9).
func (d *Dispatcher) dispatchBatch(batch batchqueue.Batch) error {
	runner, err := d.selectRunner(batch.Model)
	if err != nil {
		batchqueue.Reject(batch, err)
		return err
	}

	localModel := runner.Status.ResolveAlias(batch.Model)

	d.registry.IncrementActive(runner.ID)
	defer d.registry.DecrementActive(runner.ID)

	ctx := logctx.WithFields(context.Background(), logrus.Fields{
		"model":     batch.Model,
		"runner_id": runner.ID,
	})
	for _, req := range batch.Requests {
		rewritten, rwErr := runnerclient.RewriteModel(req.Body, localModel)
		if rwErr != nil {
			deliver(req.Reply, batchqueue.Result{Err: rwErr})
			continue
		}

		resp, callErr := d.client.ChatCompletion(ctx, runner.ID, runner.HTTPBaseURL, rewritten)
		if callErr != nil {
			deliver(req.Reply, batchqueue.Result{Err: callErr, RunnerID: runner.ID, Model: batch.Model})
			d.recordExchange(ctx, runner.ID, batch.Model, "error", callErr)
			continue
		}
		deliver(req.Reply, batchqueue.Result{Response: resp, RunnerID: runner.ID, Model: batch.Model})
		d.recordExchange(ctx, runner.ID, batch.Model, "success", nil)
	}
	return nil
}

// recordExchange writes an audit record if this Dispatcher was constructed
// with one. See router.Router.recordExchange for why the write itself uses
// a context detached from ctx's cancellation while keeping its logger.
func (d *Dispatcher) recordExchange(ctx context.Context, runnerID, model, outcome string, callErr error) {
	if d.audit == nil {
		return
	}
	rec := gwtypes.AuditRecord{
		RunnerID:   runnerID,
		Model:      model,
		Outcome:    outcome,
		OccurredAt: time.Now(),
	}
	if callErr != nil {
		rec.ErrMessage = callErr.Error()
	}
	detached := logctx.WithLogger(context.Background(), logctx.Logger(ctx))
	if err := d.audit.RecordExchange(detached, rec); err != nil {
		logctx.Logger(ctx).WithError(err).Warn("failed to record audit exchange")
	}
}

// selectRunner implements the batch dispatcher's own least-loaded
// selection (spec §4.7 step 2c), independent of the direct-path router's
// configurable strategy.
func (d *Dispatcher) selectRunner(model string) (gwtypes.Runner, error) {
	runners := d.registry.WithModel(model)
	if len(runners) == 0 {
		operational := d.registry.Operational()
		if len(operational) == 0 {
			return gwtypes.Runner{}, gatewayerr.NoRunners(model)
		}
		return operational[0], nil
	}

	best := runners[0]
	for _, r := range runners[1:] {
		if r.LoadActiveRequests() < best.LoadActiveRequests() {
			best = r
		}
	}
	return best, nil
}

// deliver performs a reply channel's single send, discarding the result if
// the caller already dropped its receiver (spec §5).
func deliver(reply chan batchqueue.Result, res batchqueue.Result) {
	select {
	case reply <- res:
	default:
	}
}
