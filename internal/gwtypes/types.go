// Package gwtypes holds the data model shared across the gateway's runner
// orchestration components: registry, router, batch queue/dispatcher, wake
// subsystem and admin stream.
package gwtypes

import (
	"sync/atomic"
	"time"
)

// RunnerHealth is the health variant reported by a runner's status block.
type RunnerHealth string

const (
	HealthHealthy      RunnerHealth = "healthy"
	HealthDegraded     RunnerHealth = "degraded"
	HealthStarting     RunnerHealth = "starting"
	HealthShuttingDown RunnerHealth = "shutting_down"
	HealthUnhealthy    RunnerHealth = "unhealthy"
)

// IsOperational reports whether the health variant counts as serviceable.
func (h RunnerHealth) IsOperational() bool {
	return h == HealthHealthy || h == HealthDegraded
}

// ModelInfo describes a model a runner has on disk, beyond the bare id.
type ModelInfo struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	SizeBytes      *uint64 `json:"size_bytes,omitempty"`
	ParameterCount *uint64 `json:"parameter_count,omitempty"`
	ContextLength  *uint32 `json:"context_length,omitempty"`
	Quantization   *string `json:"quantization,omitempty"`
	ModifiedAt     *string `json:"modified_at,omitempty"`
}

// EngineStatus describes a single model backend within a runner.
type EngineStatus struct {
	EngineType      string      `json:"engine_type"`
	IsHealthy       bool        `json:"is_healthy"`
	Version         *string     `json:"version,omitempty"`
	LoadedModels    []string    `json:"loaded_models"`
	AvailableModels []ModelInfo `json:"available_models"`
	// BatchSize is the maximum number of concurrent requests the engine
	// accepts. Zero on the wire means "not reported"; Normalize fills in 1.
	BatchSize int    `json:"batch_size"`
	Error     *string `json:"error,omitempty"`
}

// RunnerMetrics is an optional system-metrics block attached to a status.
type RunnerMetrics struct {
	RequestsProcessed uint64   `json:"requests_processed"`
	AvgLatencyMs      *float64 `json:"avg_latency_ms,omitempty"`
	GPUMemoryUsed     *uint64  `json:"gpu_memory_used,omitempty"`
	GPUMemoryTotal    *uint64  `json:"gpu_memory_total,omitempty"`
	CPUUsagePercent   *float32 `json:"cpu_usage_percent,omitempty"`
	MemoryUsed        *uint64  `json:"memory_used,omitempty"`
}

// RunnerStatus is the health/capability block a runner reports at
// registration time and on every heartbeat/status update.
type RunnerStatus struct {
	Health       RunnerHealth      `json:"health"`
	Engines      []EngineStatus    `json:"engines"`
	Metrics      *RunnerMetrics    `json:"metrics,omitempty"`
	ModelAliases map[string]string `json:"model_aliases,omitempty"`
}

// Normalize fills in engine batch-size defaults (spec: "defaults to 1").
func (s *RunnerStatus) Normalize() {
	for i := range s.Engines {
		if s.Engines[i].BatchSize <= 0 {
			s.Engines[i].BatchSize = 1
		}
	}
}

// LoadedModels flattens the loaded-model lists of every engine.
func (s RunnerStatus) LoadedModels() []string {
	var out []string
	for _, e := range s.Engines {
		out = append(out, e.LoadedModels...)
	}
	return out
}

// HasModel reports whether any engine has loaded the given model id.
func (s RunnerStatus) HasModel(modelID string) bool {
	for _, e := range s.Engines {
		for _, m := range e.LoadedModels {
			if m == modelID {
				return true
			}
		}
	}
	return false
}

// MaxBatchSize returns the largest batch_size across engines that have
// modelID loaded, or 0 if none do.
func (s RunnerStatus) MaxBatchSize(modelID string) int {
	max := 0
	for _, e := range s.Engines {
		for _, m := range e.LoadedModels {
			if m == modelID && e.BatchSize > max {
				max = e.BatchSize
			}
		}
	}
	return max
}

// ResolveAlias maps a canonical model id to the runner-local name the
// runner itself expects, falling back to the canonical id when no alias is
// configured.
func (s RunnerStatus) ResolveAlias(canonical string) string {
	if local, ok := s.ModelAliases[canonical]; ok {
		return local
	}
	return canonical
}

// Runner is the connected-runner record (spec.md §3, "Runner record
// (connected)"). Send is the only non-cloneable field; callers that need a
// snapshot should take Clone().
type Runner struct {
	ID             string
	Name           string
	MachineType    string // empty when not configured
	Status         RunnerStatus
	ConnectedAt    time.Time
	LastHeartbeat  time.Time
	HTTPBaseURL    string // empty when the runner never reported an http_port
	MAC            string // empty when unknown
	Send           chan<- OutboundMessage
	ActiveRequests int64 // accessed only via atomic helpers below
}

// Clone returns a value copy safe to hand to readers; the send channel is
// copied as a reference (it is intentionally shared, never duplicated).
func (r *Runner) Clone() Runner {
	return Runner{
		ID:             r.ID,
		Name:           r.Name,
		MachineType:    r.MachineType,
		Status:         r.Status,
		ConnectedAt:    r.ConnectedAt,
		LastHeartbeat:  r.LastHeartbeat,
		HTTPBaseURL:    r.HTTPBaseURL,
		MAC:            r.MAC,
		Send:           r.Send,
		ActiveRequests: atomic.LoadInt64(&r.ActiveRequests),
	}
}

// IsOperational reports the runner's operational health.
func (r *Runner) IsOperational() bool { return r.Status.Health.IsOperational() }

// IncrementRequests bumps the active-request counter atomically.
func (r *Runner) IncrementRequests() { atomic.AddInt64(&r.ActiveRequests, 1) }

// DecrementRequests lowers the active-request counter atomically.
func (r *Runner) DecrementRequests() { atomic.AddInt64(&r.ActiveRequests, -1) }

// LoadActiveRequests reads the active-request counter atomically.
func (r *Runner) LoadActiveRequests() int64 { return atomic.LoadInt64(&r.ActiveRequests) }

// OutboundMessage is anything the control channel writer can frame and send
// to a runner; see internal/wire for the concrete gateway->runner messages.
type OutboundMessage interface {
	MessageType() string
}

// PersistedRunner is the durable, offline-capable view of a runner (spec.md
// §3, "Runner record (persisted, offline)").
type PersistedRunner struct {
	ID              string
	Name            string
	MAC             string
	MachineType     string
	LastSeenAt      time.Time
	AvailableModels []string
}

// AuditRecord is one proxied exchange between the gateway and a runner,
// recorded by whatever AuditLog the router/dispatcher were constructed
// with (spec.md §3, "Audit Interface").
type AuditRecord struct {
	RunnerID   string
	Model      string
	Outcome    string // "success" or "error"
	ErrMessage string
	OccurredAt time.Time
}

// RunnerEvent is published on the event bus for every registry state
// transition (spec.md §3, "Runner event").
type RunnerEvent struct {
	Kind         RunnerEventKind
	ID           string
	Name         string
	MachineType  string
	Health       RunnerHealth
	LoadedModels []string
}

type RunnerEventKind string

const (
	EventConnected      RunnerEventKind = "connected"
	EventDisconnected   RunnerEventKind = "disconnected"
	EventStatusChanged  RunnerEventKind = "status_changed"
)

// ModelTier is the routing abstraction the classifier assigns model ids to.
type ModelTier string

const (
	TierBig  ModelTier = "big"
	TierFast ModelTier = "fast"
)

// ModelRequest is either a request for a Specific model id or for any model
// of a Class/tier (spec.md §3, "Model request").
type ModelRequest struct {
	Specific string    // non-empty iff this is a specific-model request
	Class    ModelTier // non-empty iff this is a class request
	isClass  bool
}

// IsClassRequest reports whether this is a Class(tier) request.
func (m ModelRequest) IsClassRequest() bool { return m.isClass }

// NewSpecificRequest builds a Specific(id) model request.
func NewSpecificRequest(id string) ModelRequest { return ModelRequest{Specific: id} }

// NewClassRequest builds a Class(tier) model request.
func NewClassRequest(tier ModelTier) ModelRequest {
	return ModelRequest{Class: tier, isClass: true}
}
