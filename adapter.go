package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Option configures an adapter or the facade.
type Option func(*settings)

type settings struct {
	logger    Logger
	metrics   Metrics
	listeners []StatusListener
	breaker   *CircuitBreaker
	redis     redis.UniversalClient
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector. The default discards everything.
func WithMetrics(metrics Metrics) Option {
	return func(s *settings) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithStatusListener registers a listener for connection status changes.
// May be given more than once.
func WithStatusListener(listener StatusListener) Option {
	return func(s *settings) {
		if listener != nil {
			s.listeners = append(s.listeners, listener)
		}
	}
}

// WithCircuitBreaker replaces the default breaker
// (DefaultBreakerMaxFailures, DefaultBreakerResetTimeout). Caller errors such
// as NotFound never count toward opening it. When passed to the facade each
// backend gets its own Clone.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(s *settings) {
		s.breaker = cb
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:  &NoOpLogger{},
		metrics: &NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// BackendHealth is the result of probing a single backend.
type BackendHealth struct {
	Backend   Backend          `json:"backend"`
	Status    ConnectionStatus `json:"status"`
	Healthy   bool             `json:"healthy"`
	Latency   time.Duration    `json:"latency"`
	Error     string           `json:"error,omitempty"`
	CheckedAt time.Time        `json:"checkedAt"`
}

// DocumentSource is implemented by adapters that can dump a whole collection.
type DocumentSource interface {
	ExportCollection(ctx context.Context, collection string) OperationResult[[]Document]
}

// adapterCore is the lifecycle and instrumentation shared by both adapters.
type adapterCore struct {
	backend   Backend
	logger    Logger
	metrics   Metrics
	breaker   *CircuitBreaker
	status    *statusTracker
	subs      *subscriptionSet
	opTimeout time.Duration
	ready     func() bool
}

func newAdapterCore(backend Backend, opTimeout time.Duration, s settings) *adapterCore {
	c := &adapterCore{
		backend:   backend,
		logger:    withBackend(s.logger, backend),
		metrics:   s.metrics,
		status:    newStatusTracker(backend),
		subs:      newSubscriptionSet(),
		opTimeout: opTimeout,
		ready:     func() bool { return false },
	}

	c.breaker = s.breaker
	if c.breaker == nil {
		c.breaker = NewCircuitBreaker(DefaultBreakerMaxFailures, DefaultBreakerResetTimeout).
			WithFailurePredicate(isBackendFault)
	} else {
		c.breaker.restrictFailures(isBackendFault)
	}
	c.breaker.WithStateChangeCallback(c.onBreakerChange)

	c.status.addListener(c.onStatusChange)
	for _, l := range s.listeners {
		c.status.addListener(l)
	}
	c.metrics.Gauge(MetricConnectionStatus, float64(StatusDisconnected.Ordinal()), "backend", string(backend))
	return c
}

func (c *adapterCore) onStatusChange(change StatusChange) {
	c.metrics.Gauge(MetricConnectionStatus, float64(change.To.Ordinal()), "backend", string(c.backend))
	if change.Err != nil {
		c.logger.Warn("connection status changed", "from", change.From, "to", change.To, "error", change.Err)
		return
	}
	c.logger.Info("connection status changed", "from", change.From, "to", change.To)
}

func (c *adapterCore) onBreakerChange(from, to string) {
	open := 0.0
	if to == BreakerOpen {
		open = 1
		c.logger.Error("circuit breaker opened", "from", from)
	} else {
		c.logger.Info("circuit breaker state changed", "from", from, "to", to)
	}
	c.metrics.Gauge(MetricBreakerOpen, open, "backend", string(c.backend))
}

// connectWithRetry runs attempt until it succeeds or the retry budget is
// spent. The status moves through connecting, reconnecting between attempts,
// and ends in connected or error.
func (c *adapterCore) connectWithRetry(ctx context.Context, retry RetryConfig, attempt func(ctx context.Context) error) error {
	c.status.set(StatusConnecting, nil)

	var err error
	for i := 0; i <= retry.MaxRetries; i++ {
		if i > 0 {
			c.status.set(StatusReconnecting, err)
			wait := retry.Backoff(i - 1)
			c.logger.Debug("retrying connect", "attempt", i+1, "backoff", wait)
			select {
			case <-ctx.Done():
				err = ctx.Err()
				c.metrics.Increment(MetricConnectAttempts, "backend", string(c.backend), "outcome", "canceled")
				c.status.set(StatusError, err)
				return err
			case <-time.After(wait):
			}
		}

		err = attempt(ctx)
		if err == nil {
			c.metrics.Increment(MetricConnectAttempts, "backend", string(c.backend), "outcome", "success")
			c.status.set(StatusConnected, nil)
			return nil
		}
		c.metrics.Increment(MetricConnectAttempts, "backend", string(c.backend), "outcome", "failure")
		if IsPermanent(err) {
			break
		}
	}

	c.status.set(StatusError, err)
	return err
}

// isReady reports whether the backend handle is usable. Reconnecting counts:
// the driver keeps retrying underneath.
func (c *adapterCore) isReady() bool {
	switch c.status.get() {
	case StatusConnected, StatusReconnecting:
		return c.ready()
	default:
		return false
	}
}

// invoke runs one backend operation: readiness check, per-operation timeout,
// circuit breaker, error classification, metrics and logging.
func invoke[T any](ctx context.Context, c *adapterCore, op, target string, fn func(ctx context.Context) (T, error)) OperationResult[T] {
	if !c.isReady() {
		err := newBackendError(c.backend, op, ErrNotConnected)
		return Fail[T](err, fmt.Sprintf("%s: %s is not connected", op, c.backend))
	}

	if c.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
	}

	var data T
	start := time.Now()
	err := c.breaker.Execute(ctx, func() error {
		var fnErr error
		data, fnErr = fn(ctx)
		return wrapError(c.backend, op, fnErr)
	})
	err = wrapError(c.backend, op, err)
	duration := time.Since(start)

	c.metrics.Increment(MetricBackendOps, "operation", op, "backend", string(c.backend))
	c.metrics.Timing(MetricBackendLatency, duration, "operation", op, "backend", string(c.backend))

	if err != nil {
		c.metrics.Increment(MetricBackendErrors, "operation", op, "backend", string(c.backend), "error_type", ErrorKind(err))
		if IsNotFound(err) {
			c.logger.Debug("operation found nothing", "operation", op, "target", target)
		} else {
			c.logger.Warn("operation failed", "operation", op, "target", target, "error", err)
		}
		return Fail[T](err, fmt.Sprintf("%s %s failed", op, target))
	}

	c.logger.Debug("operation completed", "operation", op, "target", target, "duration", duration)
	return Ok(data, "")
}

// rejectf builds the error for a request refused before reaching the driver.
func rejectf(backend Backend, op string, kind error, format string, args ...any) error {
	return &BackendError{
		Backend:   backend,
		Operation: op,
		Kind:      kind,
		Cause:     fmt.Errorf(format, args...),
	}
}

// checkName rejects empty collection names and ids before any driver call.
func checkName(backend Backend, op, field, value string) error {
	if value == "" {
		return rejectf(backend, op, ErrInvalidData, "%s must not be empty", field)
	}
	return nil
}

// failed builds a failed result from a validation error.
func failed[T any](err error, op string) OperationResult[T] {
	return Fail[T](err, op+" rejected")
}

// healthOf converts a probe outcome into a BackendHealth.
func healthOf(backend Backend, status ConnectionStatus, latency time.Duration, err error) BackendHealth {
	h := BackendHealth{
		Backend:   backend,
		Status:    status,
		Healthy:   err == nil && status == StatusConnected,
		Latency:   latency,
		CheckedAt: time.Now(),
	}
	if err != nil {
		h.Error = err.Error()
	} else if status != StatusConnected {
		h.Error = fmt.Sprintf("status is %s", status)
	}
	return h
}

func (c *adapterCore) trackSubscription(sub *Subscription) {
	n := c.subs.add(sub)
	c.metrics.Gauge(MetricSubscriptionsOpen, float64(n), "backend", string(c.backend))
	c.logger.Debug("subscription started", "subscription", sub.ID, "target", sub.Target)
}

func (c *adapterCore) untrackSubscription(sub *Subscription) {
	n := c.subs.remove(sub)
	c.metrics.Gauge(MetricSubscriptionsOpen, float64(n), "backend", string(c.backend))
	if err := sub.Err(); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("subscription ended", "subscription", sub.ID, "target", sub.Target, "error", err)
		return
	}
	c.logger.Debug("subscription ended", "subscription", sub.ID, "target", sub.Target)
}
