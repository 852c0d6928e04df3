package observability

import (
	"context"
	"net/http"
	"time"
)

// NoopMetrics is the recorder used while metrics are disabled.
type NoopMetrics struct{}

var _ Metrics = NoopMetrics{}

func (NoopMetrics) RecordAgentCall(context.Context, string, time.Duration, int, error) {}

func (NoopMetrics) RecordToolExecution(context.Context, string, time.Duration, error) {}

func (NoopMetrics) RecordLLMCall(context.Context, string, time.Duration, int, int, error) {}

// noopHandler answers scrapes while metrics are disabled.
func noopHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}
