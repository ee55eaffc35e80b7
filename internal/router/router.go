// Package router selects a runner for a request and proxies it, applying
// permission rules and a load-balancing policy (spec §4.5). Adapted from
// the original gateway/router.rs InferenceRouter, generalized to cover
// both Specific and Class model requests and the full strategy set spec.md
// names (the original only implemented RoundRobin/Random/PreferMachineType
// in the router itself; LeastLoaded lived implicitly in the dispatcher and
// is added here as a router strategy too, while the batch dispatcher keeps
// its own least-loaded selection).
package router

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/runnergateway/gateway/internal/classifier"
	"github.com/runnergateway/gateway/internal/gatewayerr"
	"github.com/runnergateway/gateway/internal/gwtypes"
	"github.com/runnergateway/gateway/internal/logctx"
	"github.com/runnergateway/gateway/internal/metrics"
	"github.com/runnergateway/gateway/internal/registry"
	"github.com/runnergateway/gateway/internal/runnerclient"
)

// AuditLog records one proxied exchange's outcome. Optional: a Router
// constructed with a nil AuditLog simply skips recording (spec.md §3,
// "Audit Interface").
type AuditLog interface {
	RecordExchange(ctx context.Context, rec gwtypes.AuditRecord) error
}

// Strategy selects one runner out of a candidate set.
type Strategy int

const (
	RoundRobin Strategy = iota
	Random
	MachineTypeAffinity
	LeastLoaded
)

// Router resolves model requests to runners and proxies chat-completion
// bodies to them.
type Router struct {
	registry   *registry.Registry
	client     *runnerclient.Client
	strategy   Strategy
	classifier classifier.Config
	// tierAffinity maps a tier name to the machine_type tags eligible to
	// serve it, for the Class-request candidate search (spec §4.5.2) and
	// for MachineTypeAffinity's preferred tag.
	tierAffinity  map[string][]string
	preferredType string
	audit         AuditLog

	roundRobinCounter uint64
}

// New returns a Router using RoundRobin, the direct path's default (spec
// §4.5: "the direct path's default is round-robin"). audit may be nil.
func New(reg *registry.Registry, client *runnerclient.Client, classifierCfg classifier.Config, tierAffinity map[string][]string, audit AuditLog) *Router {
	return &Router{
		registry:     reg,
		client:       client,
		strategy:     RoundRobin,
		classifier:   classifierCfg,
		tierAffinity: tierAffinity,
		audit:        audit,
	}
}

// WithStrategy returns a shallow copy of r using strategy instead.
func (r *Router) WithStrategy(strategy Strategy) *Router {
	clone := *r
	clone.strategy = strategy
	return &clone
}

// SelectRunner resolves req to a single candidate runner following spec
// §4.5's selection rule.
func (r *Router) SelectRunner(req gwtypes.ModelRequest) (gwtypes.Runner, error) {
	var candidates []gwtypes.Runner

	switch {
	case !req.IsClassRequest():
		candidates = r.registry.WithModel(req.Specific)
		if len(candidates) == 0 {
			operational := r.registry.Operational()
			if len(operational) == 0 {
				return gwtypes.Runner{}, gatewayerr.NoRunners(req.Specific)
			}
			return r.selectFrom(operational), nil
		}
	default:
		candidates = r.runnersForTier(req.Class)
		if len(candidates) == 0 {
			return gwtypes.Runner{}, gatewayerr.NoRunners(string(req.Class))
		}
	}

	return r.selectFrom(candidates), nil
}

// runnersForTier implements the Class branch of spec §4.5's selection
// rule: operational runners with a loaded model of the tier; failing that,
// operational runners whose machine-type is configured eligible for the
// tier; failing that (no affinity configured), any operational runner.
func (r *Router) runnersForTier(tier gwtypes.ModelTier) []gwtypes.Runner {
	operational := r.registry.Operational()
	if len(operational) == 0 {
		return nil
	}

	var loadedTier []gwtypes.Runner
	for _, runner := range operational {
		for _, modelID := range runner.Status.LoadedModels() {
			if t, ok := classifier.Classify(modelID, r.classifier); ok && t == tier {
				loadedTier = append(loadedTier, runner)
				break
			}
		}
	}
	if len(loadedTier) > 0 {
		return loadedTier
	}

	eligibleTypes, hasAffinity := r.tierAffinity[string(tier)]
	if !hasAffinity {
		return operational
	}
	var affine []gwtypes.Runner
	for _, runner := range operational {
		for _, t := range eligibleTypes {
			if runner.MachineType == t {
				affine = append(affine, runner)
				break
			}
		}
	}
	if len(affine) > 0 {
		return affine
	}
	return operational
}

func (r *Router) selectFrom(candidates []gwtypes.Runner) gwtypes.Runner {
	switch r.strategy {
	case Random:
		return candidates[rand.Intn(len(candidates))]
	case MachineTypeAffinity:
		for _, c := range candidates {
			if c.MachineType == r.preferredType {
				return c
			}
		}
		return candidates[0]
	case LeastLoaded:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.LoadActiveRequests() < best.LoadActiveRequests() {
				best = c
			}
		}
		return best
	default: // RoundRobin
		idx := atomic.AddUint64(&r.roundRobinCounter, 1) - 1
		return candidates[idx%uint64(len(candidates))]
	}
}

// Route selects a runner for req and proxies body to it, returning the
// runner's raw response. It increments/decrements active_requests around
// the call in both the success and error paths (spec §4.5).
func (r *Router) Route(ctx context.Context, req gwtypes.ModelRequest, body []byte) ([]byte, error) {
	label := modelLabel(req)
	ctx = logctx.WithFields(ctx, logrus.Fields{"model": label})
	runner, err := r.SelectRunner(req)
	if err != nil {
		metrics.RequestsRouted.WithLabelValues(label, "no_runners").Inc()
		return nil, err
	}
	ctx = logctx.WithFields(ctx, logrus.Fields{"runner_id": runner.ID})
	resp, err := r.proxyToRunner(ctx, runner, body)
	if err != nil {
		metrics.RequestsRouted.WithLabelValues(label, "error").Inc()
		r.recordExchange(ctx, runner.ID, label, "error", err)
		return nil, err
	}
	metrics.RequestsRouted.WithLabelValues(label, "success").Inc()
	r.recordExchange(ctx, runner.ID, label, "success", nil)
	return resp, nil
}

// recordExchange writes an audit record if this Router was constructed
// with one. The write itself uses a detached context (decoupled from the
// caller's cancellation, since the exchange already happened and its
// outcome should be recorded regardless), but keeps the logger attached to
// ctx so a failed write is logged with the same model/runner fields Route
// built up. Audit failures are logged, not propagated: a broken audit sink
// must never fail an otherwise-successful proxied request.
func (r *Router) recordExchange(ctx context.Context, runnerID, model, outcome string, callErr error) {
	if r.audit == nil {
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
	if err := r.audit.RecordExchange(detached, rec); err != nil {
		logctx.Logger(ctx).WithError(err).Warn("failed to record audit exchange")
	}
}

func modelLabel(req gwtypes.ModelRequest) string {
	if req.IsClassRequest() {
		return "class:" + string(req.Class)
	}
	return req.Specific
}

// proxyToRunner resolves the alias, increments/decrements active_requests,
// and proxies body to runner.
func (r *Router) proxyToRunner(ctx context.Context, runner gwtypes.Runner, body []byte) ([]byte, error) {
	canonical, err := extractModel(body)
	if err != nil {
		return nil, err
	}
	localName := runner.Status.ResolveAlias(canonical)

	rewritten, err := runnerclient.RewriteModel(body, localName)
	if err != nil {
		return nil, err
	}

	r.registry.IncrementActive(runner.ID)
	defer r.registry.DecrementActive(runner.ID)

	return r.client.ChatCompletion(ctx, runner.ID, runner.HTTPBaseURL, rewritten)
}

// extractModel pulls the canonical "model" field out of a chat-completion
// request body.
func extractModel(body []byte) (string, error) {
	var generic struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &generic); err != nil {
		return "", gatewayerr.InvalidRequest("decoding request body: %v", err)
	}
	if generic.Model == "" {
		return "", gatewayerr.InvalidRequest("request body missing \"model\" field")
	}
	return generic.Model, nil
}
