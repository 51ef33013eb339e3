package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// backendAdapter is the lifecycle surface the facade fans out over.
type backendAdapter interface {
	Backend() Backend
	Connect(ctx context.Context) OperationResult[ConnectionStatus]
	Disconnect(ctx context.Context) OperationResult[ConnectionStatus]
	Health(ctx context.Context) OperationResult[BackendHealth]
	Status() ConnectionStatus
	IsConnected() bool
}

// HealthReport aggregates the health of every configured backend.
type HealthReport struct {
	Healthy   bool                      `json:"healthy"`
	Backends  map[Backend]BackendHealth `json:"backends"`
	CheckedAt time.Time                 `json:"checkedAt"`
}

// Facade composes the configured adapters behind one lifecycle. Data
// operations go through Mongo() and Firestore() directly.
type Facade struct {
	logger    Logger
	mongo     *MongoAdapter
	firestore *FirestoreAdapter
	adapters  []backendAdapter

	publisher   *RedisStatusPublisher
	ownedRedis  *redis.Client
	closeOnce   sync.Once
	closeResult OperationResult[map[Backend]ConnectionStatus]
}

// New validates cfg and builds an adapter for every configured backend. No
// connection is made until Connect.
//
// When cfg.Logging.Level is set and no WithLogger option is given, a zap
// logger is built from it. When cfg.StatusChannel.Enabled is set, status
// changes are published to Redis, using the WithRedisClient client or one
// built from RedisOptions().
func New(cfg Config, opts ...Option) (*Facade, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := newSettings(opts)
	if _, noop := s.logger.(*NoOpLogger); noop && cfg.Logging.Level != "" {
		zl, err := NewZapLoggerFromConfig(cfg.Logging)
		if err != nil {
			return nil, err
		}
		s.logger = zl
	}

	f := &Facade{logger: s.logger}

	if cfg.StatusChannel.Enabled {
		client := s.redis
		if client == nil {
			f.ownedRedis = redis.NewClient(RedisOptions())
			client = f.ownedRedis
		}
		f.publisher = NewRedisStatusPublisher(client, cfg.StatusChannel, s.logger)
		s.listeners = append(s.listeners, f.publisher.Publish)
	}

	// Each adapter gets its own breaker; a supplied one is cloned per backend.
	adapterOpts := func() []Option {
		as := s
		if s.breaker != nil {
			as.breaker = s.breaker.Clone()
		}
		return []Option{func(dst *settings) { *dst = as }}
	}

	if cfg.Mongo != nil {
		m, err := NewMongoAdapter(*cfg.Mongo, adapterOpts()...)
		if err != nil {
			return nil, err
		}
		f.mongo = m
		f.adapters = append(f.adapters, m)
	}
	if cfg.Firestore != nil {
		fs, err := NewFirestoreAdapter(*cfg.Firestore, adapterOpts()...)
		if err != nil {
			return nil, err
		}
		f.firestore = fs
		f.adapters = append(f.adapters, fs)
	}

	f.logger.Info("facade created", "backends", f.Backends())
	return f, nil
}

// newFacade wires arbitrary adapters. Used by tests.
func newFacade(logger Logger, adapters ...backendAdapter) *Facade {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Facade{logger: logger, adapters: adapters}
}

// Mongo returns the MongoDB adapter, or nil when it is not configured.
func (f *Facade) Mongo() *MongoAdapter { return f.mongo }

// Firestore returns the Firestore adapter, or nil when it is not configured.
func (f *Facade) Firestore() *FirestoreAdapter { return f.firestore }

// Backends lists the configured backends in a stable order.
func (f *Facade) Backends() []Backend {
	out := make([]Backend, len(f.adapters))
	for i, a := range f.adapters {
		out[i] = a.Backend()
	}
	return out
}

// Source returns the adapter for backend as a DocumentSource.
func (f *Facade) Source(backend Backend) (DocumentSource, error) {
	switch {
	case backend == BackendMongo && f.mongo != nil:
		return f.mongo, nil
	case backend == BackendFirestore && f.firestore != nil:
		return f.firestore, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotConfigured, backend)
}

// fanOut runs fn against every adapter concurrently and collects results in
// adapter order.
func fanOut[T any](ctx context.Context, adapters []backendAdapter, fn func(context.Context, backendAdapter) OperationResult[T]) []OperationResult[T] {
	results := make([]OperationResult[T], len(adapters))
	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a backendAdapter) {
			defer wg.Done()
			results[i] = fn(ctx, a)
		}(i, a)
	}
	wg.Wait()
	return results
}

// lifecycle merges per-backend lifecycle results. It succeeds only when every
// adapter did.
func (f *Facade) lifecycle(verb string, results []OperationResult[ConnectionStatus]) OperationResult[map[Backend]ConnectionStatus] {
	statuses := make(map[Backend]ConnectionStatus, len(results))
	var (
		errs     []error
		failures []string
		ok       []string
	)
	for i, r := range results {
		backend := f.adapters[i].Backend()
		statuses[backend] = f.adapters[i].Status()
		if r.Success {
			ok = append(ok, string(backend))
			continue
		}
		errs = append(errs, r.Err)
		failures = append(failures, fmt.Sprintf("%s: %v", backend, r.Err))
	}

	if len(errs) > 0 {
		f.logger.Warn(verb+" failed", "failures", failures)
		return FailWith(statuses, errors.Join(errs...), strings.Join(failures, "; "))
	}
	f.logger.Info(verb, "backends", ok)
	return Ok(statuses, verb+": "+strings.Join(ok, ", "))
}

// Connect connects every configured backend concurrently.
func (f *Facade) Connect(ctx context.Context) OperationResult[map[Backend]ConnectionStatus] {
	if len(f.adapters) == 0 {
		return Ok(map[Backend]ConnectionStatus{}, "no backends configured")
	}
	results := fanOut(ctx, f.adapters, func(ctx context.Context, a backendAdapter) OperationResult[ConnectionStatus] {
		return a.Connect(ctx)
	})
	return f.lifecycle("connected", results)
}

// Disconnect disconnects every configured backend concurrently.
func (f *Facade) Disconnect(ctx context.Context) OperationResult[map[Backend]ConnectionStatus] {
	if len(f.adapters) == 0 {
		return Ok(map[Backend]ConnectionStatus{}, "no backends configured")
	}
	results := fanOut(ctx, f.adapters, func(ctx context.Context, a backendAdapter) OperationResult[ConnectionStatus] {
		return a.Disconnect(ctx)
	})
	return f.lifecycle("disconnected", results)
}

// Health probes every backend concurrently. The report is returned even when
// the result fails.
func (f *Facade) Health(ctx context.Context) OperationResult[HealthReport] {
	report := HealthReport{
		Backends:  make(map[Backend]BackendHealth, len(f.adapters)),
		CheckedAt: time.Now(),
	}
	if len(f.adapters) == 0 {
		return FailWith(report, ErrNotConfigured, "no backends configured")
	}

	results := fanOut(ctx, f.adapters, func(ctx context.Context, a backendAdapter) OperationResult[BackendHealth] {
		return a.Health(ctx)
	})

	var (
		errs      []error
		unhealthy []string
	)
	report.Healthy = true
	for i, r := range results {
		backend := f.adapters[i].Backend()
		h := r.Data
		h.Backend = backend
		report.Backends[backend] = h
		if !r.Success || !h.Healthy {
			report.Healthy = false
			unhealthy = append(unhealthy, string(backend))
			if r.Err != nil {
				errs = append(errs, r.Err)
			}
		}
	}

	if !report.Healthy {
		err := errors.Join(errs...)
		if err == nil {
			err = ErrBackendUnavailable
		}
		return FailWith(report, err, "unhealthy: "+strings.Join(unhealthy, ", "))
	}
	return Ok(report, "all backends healthy")
}

// IsConnected reports whether at least one backend is configured and every
// configured backend is connected.
func (f *Facade) IsConnected() bool {
	if len(f.adapters) == 0 {
		return false
	}
	for _, a := range f.adapters {
		if !a.IsConnected() {
			return false
		}
	}
	return true
}

// Status returns the current status of every configured backend.
func (f *Facade) Status() map[Backend]ConnectionStatus {
	out := make(map[Backend]ConnectionStatus, len(f.adapters))
	for _, a := range f.adapters {
		out[a.Backend()] = a.Status()
	}
	return out
}

// Close disconnects everything with a fresh context, flushes queued status
// changes and releases the Redis client the facade created. Meant for defer;
// later calls return the first result.
func (f *Facade) Close() OperationResult[map[Backend]ConnectionStatus] {
	f.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultConnectTimeout)
		defer cancel()
		f.closeResult = f.Disconnect(ctx)
		if f.publisher != nil {
			f.publisher.Close()
		}
		if f.ownedRedis != nil {
			if err := f.ownedRedis.Close(); err != nil {
				f.logger.Warn("failed to close redis client", "error", err)
			}
		}
	})
	return f.closeResult
}
