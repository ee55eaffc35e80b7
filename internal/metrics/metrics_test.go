package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAttachesEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	// Label vectors are only gathered once they have at least one child.
	RequestsRouted.WithLabelValues("model", "success")
	BatchQueueDepth.WithLabelValues("model")
	BatchesDispatched.WithLabelValues("model")
	WakeAttempts.WithLabelValues("success")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"gateway_runners_connected",
		"gateway_requests_routed_total",
		"gateway_batch_queue_depth",
		"gateway_batches_dispatched_total",
		"gateway_wake_attempts_total",
	} {
		assert.True(t, names[want], "expected metric %q to be registered", want)
	}
}

func TestRequestsRoutedCountsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	RequestsRouted.Reset()
	reg.MustRegister(RequestsRouted)

	RequestsRouted.WithLabelValues("llama3", "success").Inc()
	RequestsRouted.WithLabelValues("llama3", "success").Inc()
	RequestsRouted.WithLabelValues("llama3", "no_runners").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)

	var success, noRunners *dto.Metric
	for _, m := range families[0].Metric {
		labels := labelMap(m)
		switch labels["outcome"] {
		case "success":
			success = m
		case "no_runners":
			noRunners = m
		}
	}
	require.NotNil(t, success)
	require.NotNil(t, noRunners)
	assert.Equal(t, 2.0, success.GetCounter().GetValue())
	assert.Equal(t, 1.0, noRunners.GetCounter().GetValue())
}

func labelMap(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.Label))
	for _, l := range m.Label {
		out[l.GetName()] = l.GetValue()
	}
	return out
}
