package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// statusRecorder collects the target status of every change it sees.
type statusRecorder struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (r *statusRecorder) listen(c StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *statusRecorder) targets() []ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnectionStatus, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.To
	}
	return out
}

var fastRetry = RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, BackoffMultiple: 2}

func newTestCore(t *testing.T, opts ...Option) (*adapterCore, *InMemoryMetrics, *MockLogger) {
	t.Helper()
	metrics := NewInMemoryMetrics()
	logger := &MockLogger{}
	opts = append([]Option{WithLogger(logger), WithMetrics(metrics)}, opts...)
	core := newAdapterCore(BackendMongo, time.Second, newSettings(opts))
	return core, metrics, logger
}

// connected marks the core as holding a live client.
func connected(core *adapterCore) {
	core.ready = func() bool { return true }
	core.status.set(StatusConnected, nil)
}

func TestNewSettings_Defaults(t *testing.T) {
	s := newSettings(nil)
	assert.IsType(t, &NoOpLogger{}, s.logger)
	assert.IsType(t, &NoOpMetrics{}, s.metrics)
	assert.Nil(t, s.breaker)

	s = newSettings([]Option{WithLogger(nil), WithMetrics(nil), WithStatusListener(nil)})
	assert.IsType(t, &NoOpLogger{}, s.logger, "nil logger must be ignored")
	assert.IsType(t, &NoOpMetrics{}, s.metrics, "nil metrics must be ignored")
	assert.Empty(t, s.listeners)
}

func TestInvoke_NotConnected(t *testing.T) {
	core, metrics, _ := newTestCore(t)

	called := false
	res := invoke(context.Background(), core, "Find", "users", func(context.Context) (int, error) {
		called = true
		return 1, nil
	})

	assert.False(t, called, "driver must not be called while disconnected")
	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrNotConnected)
	assert.Equal(t, 0, metrics.Counter(MetricBackendOps))
}

func TestInvoke_ReconnectingIsReady(t *testing.T) {
	core, _, _ := newTestCore(t)
	connected(core)
	core.status.set(StatusReconnecting, errors.New("heartbeat failed"))

	res := invoke(context.Background(), core, "Find", "users", func(context.Context) (string, error) {
		return "ok", nil
	})
	require.True(t, res.Success)
	assert.Equal(t, "ok", res.Data)
}

func TestInvoke_Success(t *testing.T) {
	core, metrics, logger := newTestCore(t)
	connected(core)

	res := invoke(context.Background(), core, "InsertOne", "users", func(ctx context.Context) (string, error) {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline, "operation timeout must be applied")
		return "abc", nil
	})

	require.True(t, res.Success)
	assert.Equal(t, "abc", res.Data)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, metrics.Counter(MetricBackendOps))
	assert.Len(t, metrics.Timings[MetricBackendLatency], 1)
	assert.Equal(t, 0, metrics.Counter(MetricBackendErrors))
	assert.True(t, logger.Has("operation completed"))
}

func TestInvoke_ClassifiesErrors(t *testing.T) {
	core, metrics, logger := newTestCore(t)
	connected(core)

	res := invoke(context.Background(), core, "FindOne", "users", func(context.Context) (Document, error) {
		return nil, mongo.ErrNoDocuments
	})

	require.False(t, res.Success)
	assert.True(t, IsNotFound(res.Err))
	assert.ErrorIs(t, res.Err, mongo.ErrNoDocuments, "driver error must stay in the chain")

	var be *BackendError
	require.True(t, errors.As(res.Err, &be))
	assert.Equal(t, BackendMongo, be.Backend)
	assert.Equal(t, "FindOne", be.Operation)

	assert.Equal(t, 1, metrics.Counter(MetricBackendErrors))
	assert.True(t, logger.Has("operation found nothing"))
	assert.False(t, logger.Has("operation failed"), "not found is not a warning")
}

func TestInvoke_CircuitBreakerOpens(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute).WithFailurePredicate(isBackendFault)
	core, metrics, logger := newTestCore(t, WithCircuitBreaker(cb))
	connected(core)

	timeout := func(context.Context) (int, error) { return 0, context.DeadlineExceeded }
	for i := 0; i < 2; i++ {
		res := invoke(context.Background(), core, "Find", "users", timeout)
		require.ErrorIs(t, res.Err, ErrTimeout)
	}
	assert.Equal(t, BreakerOpen, cb.State())
	assert.Equal(t, 1.0, metrics.GaugeValue(MetricBreakerOpen))
	assert.True(t, logger.Has("circuit breaker opened"))

	called := false
	res := invoke(context.Background(), core, "Find", "users", func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	assert.False(t, called, "open breaker must fail fast")
	assert.ErrorIs(t, res.Err, ErrBackendUnavailable)
}

func TestInvoke_CallerErrorsDoNotTripBreaker(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute).WithFailurePredicate(isBackendFault)
	core, _, _ := newTestCore(t, WithCircuitBreaker(cb))
	connected(core)

	for i := 0; i < 3; i++ {
		invoke(context.Background(), core, "FindOne", "users", func(context.Context) (int, error) {
			return 0, mongo.ErrNoDocuments
		})
	}
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestInvoke_SuppliedBreakerCountsOnlyBackendFaults(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(2, time.Minute).WithStateChangeCallback(func(from, to string) {
		transitions = append(transitions, from+"->"+to)
	})
	core, metrics, _ := newTestCore(t, WithCircuitBreaker(cb))
	connected(core)

	for i := 0; i < 3; i++ {
		res := invoke(context.Background(), core, "FindOne", "users", func(context.Context) (int, error) {
			return 0, mongo.ErrNoDocuments
		})
		require.ErrorIs(t, res.Err, ErrNotFound)
	}
	assert.Equal(t, BreakerClosed, cb.State(), "NotFound must not trip a supplied breaker")
	assert.Equal(t, 0, cb.Failures())

	timeout := func(context.Context) (int, error) { return 0, context.DeadlineExceeded }
	invoke(context.Background(), core, "Find", "users", timeout)
	invoke(context.Background(), core, "Find", "users", timeout)
	assert.Equal(t, BreakerOpen, cb.State())
	assert.Equal(t, []string{"closed->open"}, transitions, "caller callback must be kept")
	assert.Equal(t, 1.0, metrics.GaugeValue(MetricBreakerOpen))
}

func TestInvoke_RecoversPanic(t *testing.T) {
	core, _, _ := newTestCore(t)
	connected(core)

	res := invoke(context.Background(), core, "Find", "users", func(context.Context) (int, error) {
		panic("driver bug")
	})
	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrBackendUnavailable)
}

func TestConnectWithRetry_SucceedsAfterFailures(t *testing.T) {
	rec := &statusRecorder{}
	core, metrics, _ := newTestCore(t, WithStatusListener(rec.listen))

	attempts := 0
	err := core.connectWithRetry(context.Background(), fastRetry, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return newBackendError(BackendMongo, "Connect", ErrBackendUnavailable)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, StatusConnected, core.status.get())
	assert.Equal(t, []ConnectionStatus{StatusConnecting, StatusReconnecting, StatusConnected}, rec.targets())
	assert.Equal(t, 3, metrics.Counter(MetricConnectAttempts))
	assert.Equal(t, float64(StatusConnected.Ordinal()), metrics.GaugeValue(MetricConnectionStatus))
}

func TestConnectWithRetry_ExhaustsRetries(t *testing.T) {
	core, _, logger := newTestCore(t)

	attempts := 0
	err := core.connectWithRetry(context.Background(), fastRetry, func(context.Context) error {
		attempts++
		return newBackendError(BackendMongo, "Connect", ErrTimeout)
	})

	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, fastRetry.MaxRetries+1, attempts)
	assert.Equal(t, StatusError, core.status.get())
	assert.ErrorIs(t, core.status.err(), ErrTimeout)
	assert.True(t, logger.Has("connection status changed"))
}

func TestConnectWithRetry_PermanentErrorStops(t *testing.T) {
	core, _, _ := newTestCore(t)

	attempts := 0
	err := core.connectWithRetry(context.Background(), fastRetry, func(context.Context) error {
		attempts++
		return newBackendError(BackendMongo, "Connect", ErrUnauthorized)
	})

	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, StatusError, core.status.get())
}

func TestConnectWithRetry_CanceledDuringBackoff(t *testing.T) {
	core, _, _ := newTestCore(t)
	ctx, cancel := context.WithCancel(context.Background())

	slow := RetryConfig{MaxRetries: 3, InitialBackoff: time.Minute, BackoffMultiple: 2}
	err := core.connectWithRetry(ctx, slow, func(context.Context) error {
		cancel()
		return newBackendError(BackendMongo, "Connect", ErrBackendUnavailable)
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusError, core.status.get())
}

func TestHealthOf(t *testing.T) {
	h := healthOf(BackendFirestore, StatusConnected, 5*time.Millisecond, nil)
	assert.True(t, h.Healthy)
	assert.Empty(t, h.Error)

	h = healthOf(BackendFirestore, StatusReconnecting, 0, nil)
	assert.False(t, h.Healthy)
	assert.Equal(t, "status is reconnecting", h.Error)

	h = healthOf(BackendMongo, StatusConnected, 0, ErrTimeout)
	assert.False(t, h.Healthy)
	assert.Equal(t, ErrTimeout.Error(), h.Error)
}

func TestCheckName(t *testing.T) {
	assert.NoError(t, checkName(BackendMongo, "Find", "collection", "users"))

	err := checkName(BackendMongo, "Find", "collection", "")
	require.ErrorIs(t, err, ErrInvalidData)
	assert.Contains(t, err.Error(), "collection must not be empty")
}

func TestSubscriptionTracking(t *testing.T) {
	core, metrics, logger := newTestCore(t)

	_, cancel := context.WithCancel(context.Background())
	sub := newSubscription(BackendMongo, "users", cancel, core.untrackSubscription)
	core.trackSubscription(sub)
	assert.Equal(t, 1.0, metrics.GaugeValue(MetricSubscriptionsOpen))

	sub.finish(errors.New("stream reset"))
	assert.Equal(t, 0.0, metrics.GaugeValue(MetricSubscriptionsOpen))
	assert.Contains(t, logger.WarnCalls, "subscription ended")
}
