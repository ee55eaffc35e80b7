package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnergateway/gateway/internal/eventbus"
	"github.com/runnergateway/gateway/internal/gwtypes"
)

func testStatus(health gwtypes.RunnerHealth, models ...string) gwtypes.RunnerStatus {
	return gwtypes.RunnerStatus{
		Health: health,
		Engines: []gwtypes.EngineStatus{{
			EngineType:   "test",
			IsHealthy:    true,
			LoadedModels: models,
		}},
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg := New(eventbus.New())
	send := make(chan gwtypes.OutboundMessage, 1)

	reg.Register("runner-1", "Test Runner", "gpu", testStatus(gwtypes.HealthHealthy, "model-a"), "http://localhost:8080", "", send)

	runner, ok := reg.Get("runner-1")
	require.True(t, ok)
	assert.Equal(t, "runner-1", runner.ID)
	assert.Equal(t, "Test Runner", runner.Name)
	assert.Equal(t, "gpu", runner.MachineType)
}

func TestUnregister(t *testing.T) {
	reg := New(eventbus.New())
	send := make(chan gwtypes.OutboundMessage, 1)

	reg.Register("runner-1", "Test", "", testStatus(gwtypes.HealthHealthy), "", "", send)
	_, ok := reg.Get("runner-1")
	require.True(t, ok)

	removed := reg.Unregister("runner-1")
	require.NotNil(t, removed)
	_, ok = reg.Get("runner-1")
	assert.False(t, ok)
}

func TestWithModel(t *testing.T) {
	reg := New(eventbus.New())
	tx1 := make(chan gwtypes.OutboundMessage, 1)
	tx2 := make(chan gwtypes.OutboundMessage, 1)

	reg.Register("runner-1", "Runner 1", "", testStatus(gwtypes.HealthHealthy, "llama3"), "", "", tx1)
	reg.Register("runner-2", "Runner 2", "", testStatus(gwtypes.HealthHealthy, "gpt4"), "", "", tx2)

	withLlama := reg.WithModel("llama3")
	require.Len(t, withLlama, 1)
	assert.Equal(t, "runner-1", withLlama[0].ID)

	assert.Empty(t, reg.WithModel("nonexistent"))
}

func TestAllModels(t *testing.T) {
	reg := New(eventbus.New())
	tx1 := make(chan gwtypes.OutboundMessage, 1)
	tx2 := make(chan gwtypes.OutboundMessage, 1)

	reg.Register("runner-1", "Runner 1", "", testStatus(gwtypes.HealthHealthy, "model-a", "model-b"), "", "", tx1)
	reg.Register("runner-2", "Runner 2", "", testStatus(gwtypes.HealthHealthy, "model-a", "model-c"), "", "", tx2)

	models := reg.AllModels()
	require.Len(t, models, 3)

	for _, m := range models {
		if m.ID == "model-a" {
			assert.Len(t, m.Runners, 2)
		}
	}
}

func TestOperationalFiltersUnhealthy(t *testing.T) {
	reg := New(eventbus.New())
	tx1 := make(chan gwtypes.OutboundMessage, 1)
	tx2 := make(chan gwtypes.OutboundMessage, 1)

	reg.Register("healthy", "Healthy", "", testStatus(gwtypes.HealthHealthy, "model"), "", "", tx1)
	reg.Register("unhealthy", "Unhealthy", "", testStatus(gwtypes.HealthUnhealthy, "model"), "", "", tx2)

	operational := reg.Operational()
	require.Len(t, operational, 1)
	assert.Equal(t, "healthy", operational[0].ID)
}

func TestUpdateStatus(t *testing.T) {
	reg := New(eventbus.New())
	send := make(chan gwtypes.OutboundMessage, 1)

	reg.Register("runner-1", "Test", "", testStatus(gwtypes.HealthHealthy), "", "", send)
	reg.UpdateStatus("runner-1", testStatus(gwtypes.HealthHealthy, "new-model"))

	runner, ok := reg.Get("runner-1")
	require.True(t, ok)
	assert.True(t, runner.Status.HasModel("new-model"))
}

func TestUpdateStatusPublishesOnlyOnChange(t *testing.T) {
	bus := eventbus.New()
	reg := New(bus)
	sub := bus.Subscribe()
	defer sub.Close()

	send := make(chan gwtypes.OutboundMessage, 1)
	reg.Register("runner-1", "Test", "", testStatus(gwtypes.HealthHealthy, "m"), "", "", send)
	drain(t, sub) // Connected

	reg.UpdateStatus("runner-1", testStatus(gwtypes.HealthHealthy, "m")) // unchanged
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event published for unchanged status: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}

	reg.UpdateStatus("runner-1", testStatus(gwtypes.HealthDegraded, "m")) // changed
	ev := drain(t, sub)
	assert.Equal(t, gwtypes.EventStatusChanged, ev.Kind)
}

func TestSweepStale(t *testing.T) {
	reg := New(eventbus.New())
	send := make(chan gwtypes.OutboundMessage, 1)
	reg.Register("runner-1", "Test", "", testStatus(gwtypes.HealthHealthy), "", "", send)

	reg.mu.Lock()
	reg.runners["runner-1"].LastHeartbeat = time.Now().Add(-time.Hour)
	reg.mu.Unlock()

	evicted := reg.SweepStale(time.Minute)
	require.Equal(t, []string{"runner-1"}, evicted)
	_, ok := reg.Get("runner-1")
	assert.False(t, ok)
}

func drain(t *testing.T, sub *eventbus.Subscription) gwtypes.RunnerEvent {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return gwtypes.RunnerEvent{}
	}
}
