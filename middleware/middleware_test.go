package middleware

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"chanrpc/message"
	"chanrpc/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func echoHandler(ctx context.Context, call *message.Call) *message.Result {
	return message.OK(json.RawMessage(`"ok"`))
}

func slowHandler(ctx context.Context, call *message.Call) *message.Result {
	time.Sleep(200 * time.Millisecond)
	return message.OK(json.RawMessage(`"ok"`))
}

func failingHandler(ctx context.Context, call *message.Call) *message.Result {
	return message.Fail("boom")
}

func newCall() *message.Call {
	return &message.Call{Caller: "web", Method: "add", Params: json.RawMessage(`{"service":"web"}`)}
}

func TestLogging(t *testing.T) {
	logger := zaptest.NewLogger(t)

	result := LoggingMiddleware(logger)(echoHandler)(context.Background(), newCall())
	require.False(t, result.Failed())
	require.JSONEq(t, `"ok"`, string(result.Value))

	result = LoggingMiddleware(logger)(failingHandler)(context.Background(), newCall())
	require.True(t, result.Failed())
	require.Equal(t, "boom", result.Error.Message)
}

func TestTimeoutPass(t *testing.T) {
	result := TimeoutMiddleware(zaptest.NewLogger(t), 500*time.Millisecond)(echoHandler)(context.Background(), newCall())
	require.False(t, result.Failed())
}

func TestTimeoutExceeded(t *testing.T) {
	result := TimeoutMiddleware(zap.NewNop(), 50*time.Millisecond)(slowHandler)(context.Background(), newCall())
	require.True(t, result.Failed())
	require.Equal(t, "Method timed out: add", result.Error.Message)
	require.Equal(t, ErrorTypeTimeout, result.Error.Type())
	require.JSONEq(t, `{"type":"DispatchTimeout","timeout":"50ms"}`, string(result.Error.Data))
}

func TestTimeoutAbandonedCallIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	result := TimeoutMiddleware(zap.New(core), 50*time.Millisecond)(slowHandler)(context.Background(), newCall())
	require.True(t, result.Failed())

	// the handler returns about 150ms after the call was answered
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Abandoned call returned").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	fields := logs.FilterMessage("Abandoned call returned").All()[0].ContextMap()
	require.Equal(t, "add", fields["method"])
	require.Equal(t, "web", fields["caller"])
}

func TestTimeoutIsCountedAsTimeout(t *testing.T) {
	metricRegistry := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder("svc", metricRegistry)
	require.NoError(t, err)

	handler := Chain(MetricsMiddleware(recorder), TimeoutMiddleware(zap.NewNop(), 50*time.Millisecond))(slowHandler)
	require.True(t, handler(context.Background(), newCall()).Failed())

	families, err := metricRegistry.Gather()
	require.NoError(t, err)

	outcomes := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "chanrpc_dispatched_calls_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" {
					outcomes[label.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	require.Equal(t, map[string]float64{metrics.OutcomeTimeout: 1}, outcomes)
}

func TestRateLimit(t *testing.T) {

	// one per second with a burst of two, so the third call in a row is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		require.False(t, handler(context.Background(), newCall()).Failed(), "call %d", i)
	}

	result := handler(context.Background(), newCall())
	require.True(t, result.Failed())
	require.Equal(t, "Rate limit exceeded", result.Error.Message)
}

func TestMetrics(t *testing.T) {
	recorder, err := metrics.NewRecorder("svc", prometheus.NewRegistry())
	require.NoError(t, err)

	handler := MetricsMiddleware(recorder)(failingHandler)
	require.True(t, handler(context.Background(), newCall()).Failed())

	// a nil recorder is accepted
	handler = MetricsMiddleware(nil)(echoHandler)
	require.False(t, handler(context.Background(), newCall()).Failed())
}

func TestChainOrder(t *testing.T) {
	var order []string
	record := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *message.Call) *message.Result {
				order = append(order, name+".before")
				result := next(ctx, call)
				order = append(order, name+".after")
				return result
			}
		}
	}

	handler := Chain(record("a"), record("b"), TimeoutMiddleware(zaptest.NewLogger(t), 500*time.Millisecond))(echoHandler)
	result := handler(context.Background(), newCall())

	require.False(t, result.Failed())
	require.Equal(t, []string{"a.before", "b.before", "b.after", "a.after"}, order)
}
