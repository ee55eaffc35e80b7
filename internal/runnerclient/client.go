// Package runnerclient proxies chat-completion requests to a runner's HTTP
// API. It is adapted from the teacher's gRPC-based pure runner client
// (api/agent/runner_client.go in fnproject/fn): the same idea of a thin
// client wrapping transport errors into typed gateway errors and wrapping
// the call in a trace span, rebuilt here over plain HTTP since the spec's
// proxied surface is OpenAI-compatible JSON, not gRPC streaming.
package runnerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opencensus.io/trace"

	"github.com/runnergateway/gateway/internal/gatewayerr"
)

// ProxyTimeout is the per-request HTTP client timeout (spec §4.5: "up to
// 300s per request (long generations)").
const ProxyTimeout = 300 * time.Second

// Client posts chat-completion payloads to runners over HTTP.
type Client struct {
	http *http.Client
}

// New returns a Client configured with the spec's 300s proxy timeout.
func New() *Client {
	return &Client{http: &http.Client{Timeout: ProxyTimeout}}
}

// ChatCompletion POSTs body (already alias-rewritten) to
// {httpBaseURL}/v1/chat/completions on behalf of runnerID, returning the raw
// response bytes on success. Non-2xx responses become gatewayerr.RunnerError;
// transport failures become gatewayerr.ConnectionFailed.
func (c *Client) ChatCompletion(ctx context.Context, runnerID, httpBaseURL string, body []byte) ([]byte, error) {
	ctx, span := trace.StartSpan(ctx, "runnerclient.ChatCompletion")
	defer span.End()
	span.AddAttributes(trace.StringAttribute("runner_id", runnerID))

	if httpBaseURL == "" {
		return nil, gatewayerr.ConnectionFailed(runnerID, fmt.Errorf("runner has no HTTP base URL"))
	}

	url := httpBaseURL + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, gatewayerr.ConnectionFailed(runnerID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		span.SetStatus(trace.Status{Code: int32(trace.StatusCodeUnavailable), Message: err.Error()})
		return nil, gatewayerr.ConnectionFailed(runnerID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gatewayerr.ConnectionFailed(runnerID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(trace.Status{Code: int32(trace.StatusCodeUnknown), Message: "runner returned non-2xx"})
		return nil, gatewayerr.RunnerError(resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// RewriteModel returns a copy of body with its top-level "model" field set
// to localModel, per spec §4.5 ("rewriting the payload's model field to the
// runner-local alias").
func RewriteModel(body []byte, localModel string) ([]byte, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, gatewayerr.InvalidRequest("decoding request body: %v", err)
	}
	generic["model"] = localModel
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, gatewayerr.InvalidRequest("re-encoding request body: %v", err)
	}
	return out, nil
}
