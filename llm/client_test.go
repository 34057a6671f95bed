package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/casereview/model"
)

// fakeProvider speaks a minimal JSON protocol for tests.
type fakeProvider struct{}

func (fakeProvider) Name() string                 { return "fake" }
func (fakeProvider) BuildURL(base string) string  { return base }
func (fakeProvider) SetHeaders(_ *http.Request)   {}

func (fakeProvider) BuildRequestBody(model string, messages []Message, _ *float64, _ int) ([]byte, error) {
	return json.Marshal(map[string]any{"model": model, "messages": messages})
}

func (fakeProvider) ParseResponse(body []byte, model string) (*Response, error) {
	var parsed struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return &Response{Content: parsed.Content, Model: model}, nil
}

func init() {
	RegisterProvider(fakeProvider{})
}

func newTestRegistry(url string) *model.Registry {
	r := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilitySummary: {
				Preferred: []string{"primary"},
				Fallback:  []string{"secondary"},
			},
		},
		map[string]*model.EndpointConfig{
			"primary":   {Provider: "fake", URL: url, Model: "primary-model"},
			"secondary": {Provider: "fake", URL: url, Model: "secondary-model"},
		},
	)
	return r
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxBackoff:        time.Millisecond,
	}
}

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":"a summary"}`)
	}))
	defer srv.Close()

	client := NewClient(newTestRegistry(srv.URL), WithRetryConfig(fastRetry()))

	resp, err := client.Complete(context.Background(), Request{
		Capability: "summary",
		Messages:   []Message{{Role: "user", Content: "summarize"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "a summary", resp.Content)
	assert.Equal(t, "primary-model", resp.Model)
}

func TestCompleteValidation(t *testing.T) {
	client := NewClient(newTestRegistry("http://unused"))

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "x"}},
	})
	assert.ErrorContains(t, err, "capability")

	_, err = client.Complete(context.Background(), Request{Capability: "summary"})
	assert.ErrorContains(t, err, "message")
}

func TestCompleteFallsBackOnTransientFailure(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		calls.Add(1)
		if req.Model == "primary-model" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"content":"from fallback"}`)
	}))
	defer srv.Close()

	client := NewClient(newTestRegistry(srv.URL), WithRetryConfig(fastRetry()))

	resp, err := client.Complete(context.Background(), Request{
		Capability: "summary",
		Messages:   []Message{{Role: "user", Content: "summarize"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Content)
	assert.Equal(t, "secondary-model", resp.Model)
	// Primary retried MaxAttempts times before the fallback answered.
	assert.Equal(t, int64(3), calls.Load())
}

func TestCompleteFatalStopsFallback(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(newTestRegistry(srv.URL), WithRetryConfig(fastRetry()))

	_, err := client.Complete(context.Background(), Request{
		Capability: "summary",
		Messages:   []Message{{Role: "user", Content: "x"}},
	})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, int64(1), calls.Load(), "auth failure must not retry or fall back")
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsTransient(classifyHTTPError(http.StatusTooManyRequests, nil)))
	assert.True(t, IsTransient(classifyHTTPError(http.StatusBadGateway, nil)))
	assert.True(t, IsFatal(classifyHTTPError(http.StatusUnauthorized, nil)))
	assert.True(t, IsFatal(classifyHTTPError(http.StatusBadRequest, nil)))
}
