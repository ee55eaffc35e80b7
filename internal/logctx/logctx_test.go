package logctx

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLoggerReturnsStandardLoggerWhenUnset(t *testing.T) {
	assert.Equal(t, logrus.StandardLogger(), Logger(context.Background()))
}

func TestWithLoggerRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.Out = &buf

	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, Logger(ctx))
}

func TestWithFieldsAccumulates(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.Out = &buf
	base.SetFormatter(&logrus.JSONFormatter{})

	ctx := WithLogger(context.Background(), base)
	ctx = WithFields(ctx, logrus.Fields{"model": "model-a"})
	ctx = WithFields(ctx, logrus.Fields{"runner_id": "runner-1"})

	Logger(ctx).Info("dispatched")

	out := buf.String()
	assert.Contains(t, out, `"model":"model-a"`)
	assert.Contains(t, out, `"runner_id":"runner-1"`)
}
