package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnergateway/gateway/internal/batchqueue"
	"github.com/runnergateway/gateway/internal/eventbus"
	"github.com/runnergateway/gateway/internal/gwtypes"
	"github.com/runnergateway/gateway/internal/registry"
	"github.com/runnergateway/gateway/internal/runnerclient"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testStatus(batchSize int, models ...string) gwtypes.RunnerStatus {
	return gwtypes.RunnerStatus{
		Health: gwtypes.HealthHealthy,
		Engines: []gwtypes.EngineStatus{{
			EngineType:   "test",
			IsHealthy:    true,
			LoadedModels: models,
			BatchSize:    batchSize,
		}},
	}
}

type recordingAudit struct {
	records []gwtypes.AuditRecord
}

func (a *recordingAudit) RecordExchange(_ context.Context, rec gwtypes.AuditRecord) error {
	a.records = append(a.records, rec)
	return nil
}

func TestTryDispatchSendsBatchAndRecordsAudit(t *testing.T) {
	var gotBodies []map[string]interface{}
	runnerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotBodies = append(gotBodies, body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"ok": "true"})
	}))
	defer runnerSrv.Close()

	reg := registry.New(eventbus.New())
	send := make(chan gwtypes.OutboundMessage, 1)
	reg.Register("runner-1", "Runner One", "gpu", testStatus(2, "model-a"), runnerSrv.URL, "", send)

	queue := batchqueue.New(batchqueue.Config{BatchTimeout: time.Hour, MinBatchSize: 2})
	audit := &recordingAudit{}
	d := New(queue, reg, runnerclient.New(), audit, testLogger())

	reply1 := queue.Enqueue("model-a", []byte(`{"model":"model-a","n":1}`))
	reply2 := queue.Enqueue("model-a", []byte(`{"model":"model-a","n":2}`))

	err := d.tryDispatch("model-a")
	require.NoError(t, err)

	res1 := <-reply1
	res2 := <-reply2
	assert.NoError(t, res1.Err)
	assert.NoError(t, res2.Err)
	assert.Len(t, gotBodies, 2)

	require.Len(t, audit.records, 2)
	assert.Equal(t, "success", audit.records[0].Outcome)
	assert.Equal(t, "runner-1", audit.records[0].RunnerID)
}

func TestTryDispatchNoRunnersRejectsBatch(t *testing.T) {
	reg := registry.New(eventbus.New())
	queue := batchqueue.New(batchqueue.Config{BatchTimeout: time.Hour, MinBatchSize: 1})
	d := New(queue, reg, runnerclient.New(), nil, testLogger())

	reply := queue.Enqueue("model-a", []byte(`{"model":"model-a"}`))

	err := d.tryDispatch("model-a")
	require.Error(t, err)

	res := <-reply
	assert.Error(t, res.Err)
}

func TestRunnerBatchSizeCachesAndInvalidates(t *testing.T) {
	reg := registry.New(eventbus.New())
	send := make(chan gwtypes.OutboundMessage, 1)
	reg.Register("runner-1", "Runner One", "gpu", testStatus(8, "model-a"), "http://unused", "", send)

	queue := batchqueue.New(batchqueue.DefaultConfig())
	d := New(queue, reg, runnerclient.New(), nil, testLogger())

	assert.Equal(t, 8, d.runnerBatchSize("model-a"))

	send2 := make(chan gwtypes.OutboundMessage, 1)
	reg.Register("runner-2", "Runner Two", "gpu", testStatus(32, "model-a"), "http://unused2", "", send2)

	// Stale cache entry still wins until explicitly invalidated.
	assert.Equal(t, 8, d.runnerBatchSize("model-a"))

	d.InvalidateCache()
	assert.Equal(t, 32, d.runnerBatchSize("model-a"))
}
