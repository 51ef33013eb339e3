package db

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a scripted backendAdapter.
type fakeAdapter struct {
	backend     Backend
	connectErr  error
	healthErr   error
	delay       time.Duration
	status      atomic.Value
	disconnects atomic.Int32
}

func newFakeAdapter(backend Backend) *fakeAdapter {
	f := &fakeAdapter{backend: backend}
	f.status.Store(StatusDisconnected)
	return f
}

func (f *fakeAdapter) Backend() Backend { return f.backend }

func (f *fakeAdapter) Status() ConnectionStatus { return f.status.Load().(ConnectionStatus) }

func (f *fakeAdapter) IsConnected() bool { return f.Status() == StatusConnected }

func (f *fakeAdapter) Connect(ctx context.Context) OperationResult[ConnectionStatus] {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		f.status.Store(StatusError)
		return FailWith(StatusError, ctx.Err(), "canceled")
	}
	if f.connectErr != nil {
		f.status.Store(StatusError)
		return FailWith(StatusError, f.connectErr, "connect failed")
	}
	f.status.Store(StatusConnected)
	return Ok(StatusConnected, "connected")
}

func (f *fakeAdapter) Disconnect(context.Context) OperationResult[ConnectionStatus] {
	f.disconnects.Add(1)
	f.status.Store(StatusDisconnected)
	return Ok(StatusDisconnected, "disconnected")
}

func (f *fakeAdapter) Health(context.Context) OperationResult[BackendHealth] {
	h := healthOf(f.backend, f.Status(), time.Millisecond, f.healthErr)
	if f.healthErr != nil {
		return FailWith(h, f.healthErr, "probe failed")
	}
	return Ok(h, "ok")
}

func TestFacade_NoBackends(t *testing.T) {
	ctx := context.Background()
	f, err := New(Config{})
	require.NoError(t, err)

	assert.Empty(t, f.Backends())
	assert.Nil(t, f.Mongo())
	assert.Nil(t, f.Firestore())
	assert.False(t, f.IsConnected(), "nothing configured is not connected")

	conn := f.Connect(ctx)
	assert.True(t, conn.Success)
	assert.Equal(t, "no backends configured", conn.Message)
	assert.Empty(t, conn.Data)

	health := f.Health(ctx)
	require.False(t, health.Success)
	assert.ErrorIs(t, health.Err, ErrNotConfigured)
	assert.False(t, health.Data.Healthy)

	_, err = f.Source(BackendMongo)
	assert.ErrorIs(t, err, ErrNotConfigured)

	assert.True(t, f.Close().Success)
}

func TestFacade_New(t *testing.T) {
	f, err := New(Config{
		Mongo:     &MongoConfig{URI: "mongodb://127.0.0.1:1", Database: "app"},
		Firestore: &FirestoreConfig{ProjectID: "demo"},
	})
	require.NoError(t, err)

	assert.Equal(t, []Backend{BackendMongo, BackendFirestore}, f.Backends())
	require.NotNil(t, f.Mongo())
	require.NotNil(t, f.Firestore())
	assert.Equal(t, map[Backend]ConnectionStatus{
		BackendMongo:     StatusDisconnected,
		BackendFirestore: StatusDisconnected,
	}, f.Status())

	src, err := f.Source(BackendFirestore)
	require.NoError(t, err)
	assert.Same(t, f.Firestore(), src)
}

func TestFacade_SuppliedBreakerPerBackend(t *testing.T) {
	logger := &MockLogger{}
	template := NewCircuitBreaker(2, time.Minute)
	f, err := New(Config{
		Mongo:     &MongoConfig{URI: "mongodb://127.0.0.1:1", Database: "app"},
		Firestore: &FirestoreConfig{ProjectID: "demo"},
	}, WithLogger(logger), WithCircuitBreaker(template))
	require.NoError(t, err)

	mongoBreaker := f.Mongo().core.breaker
	firestoreBreaker := f.Firestore().core.breaker
	assert.NotSame(t, mongoBreaker, firestoreBreaker)
	assert.NotSame(t, template, mongoBreaker)

	core := f.Mongo().core
	connected(core)
	for i := 0; i < 2; i++ {
		invoke(context.Background(), core, "Find", "users", func(context.Context) (int, error) {
			return 0, context.DeadlineExceeded
		})
	}

	assert.Equal(t, BreakerOpen, mongoBreaker.State())
	assert.Equal(t, BreakerClosed, firestoreBreaker.State())
	assert.Equal(t, BreakerClosed, template.State())
	require.True(t, logger.Has("circuit breaker opened"))
	assert.Equal(t, []interface{}{"backend", "mongodb", "from", BreakerClosed}, logger.FieldsOf("circuit breaker opened"))
}

func TestFacade_NewInvalidConfig(t *testing.T) {
	_, err := New(Config{Mongo: &MongoConfig{Database: "app"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Logging: LoggingConfig{Level: "loud"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFacade_ConnectAll(t *testing.T) {
	mongoFake := newFakeAdapter(BackendMongo)
	mongoFake.delay = 50 * time.Millisecond
	fsFake := newFakeAdapter(BackendFirestore)
	fsFake.delay = 50 * time.Millisecond
	f := newFacade(nil, mongoFake, fsFake)

	start := time.Now()
	res := f.Connect(context.Background())
	elapsed := time.Since(start)

	require.True(t, res.Success, res.Message)
	assert.Less(t, elapsed, 100*time.Millisecond, "backends must connect concurrently")
	assert.Equal(t, StatusConnected, res.Data[BackendMongo])
	assert.Equal(t, StatusConnected, res.Data[BackendFirestore])
	assert.Equal(t, "connected: mongodb, firestore", res.Message)
	assert.True(t, f.IsConnected())
}

func TestFacade_PartialFailure(t *testing.T) {
	mongoFake := newFakeAdapter(BackendMongo)
	fsFake := newFakeAdapter(BackendFirestore)
	fsFake.connectErr = newBackendError(BackendFirestore, "Connect", ErrUnauthorized)
	logger := &MockLogger{}
	f := newFacade(logger, mongoFake, fsFake)

	res := f.Connect(context.Background())
	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrUnauthorized)
	assert.Contains(t, res.Message, "firestore")
	assert.NotContains(t, res.Message, "mongodb")

	// Statuses are reported even though the result failed.
	assert.Equal(t, StatusConnected, res.Data[BackendMongo])
	assert.Equal(t, StatusError, res.Data[BackendFirestore])
	assert.False(t, f.IsConnected())
	assert.True(t, logger.Has("connected failed"))

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"data":{`)
}

func TestFacade_Health(t *testing.T) {
	ctx := context.Background()
	mongoFake := newFakeAdapter(BackendMongo)
	fsFake := newFakeAdapter(BackendFirestore)
	f := newFacade(nil, mongoFake, fsFake)
	require.True(t, f.Connect(ctx).Success)

	health := f.Health(ctx)
	require.True(t, health.Success, health.Message)
	assert.True(t, health.Data.Healthy)
	assert.Len(t, health.Data.Backends, 2)

	fsFake.healthErr = newBackendError(BackendFirestore, "Health", ErrTimeout)
	health = f.Health(ctx)
	require.False(t, health.Success)
	assert.ErrorIs(t, health.Err, ErrTimeout)
	assert.Equal(t, "unhealthy: firestore", health.Message)
	assert.False(t, health.Data.Healthy)
	assert.True(t, health.Data.Backends[BackendMongo].Healthy)
	assert.False(t, health.Data.Backends[BackendFirestore].Healthy)

	// A backend that is not connected is unhealthy without an error.
	fsFake.healthErr = nil
	fsFake.status.Store(StatusReconnecting)
	health = f.Health(ctx)
	require.False(t, health.Success)
	assert.ErrorIs(t, health.Err, ErrBackendUnavailable)
}

func TestFacade_CloseOnce(t *testing.T) {
	mongoFake := newFakeAdapter(BackendMongo)
	fsFake := newFakeAdapter(BackendFirestore)
	f := newFacade(nil, mongoFake, fsFake)
	require.True(t, f.Connect(context.Background()).Success)

	first := f.Close()
	second := f.Close()

	require.True(t, first.Success)
	assert.Equal(t, first.Message, second.Message)
	assert.Equal(t, int32(1), mongoFake.disconnects.Load())
	assert.Equal(t, int32(1), fsFake.disconnects.Load())
	assert.Equal(t, StatusDisconnected, f.Status()[BackendMongo])
}

func TestFacade_DisconnectNoBackends(t *testing.T) {
	f := newFacade(nil)
	res := f.Disconnect(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, "no backends configured", res.Message)
}

func TestFacade_PublishesStatus(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	f, err := New(Config{
		Mongo: &MongoConfig{
			URI:                    "mongodb://127.0.0.1:1",
			Database:               "app",
			ConnectTimeout:         500 * time.Millisecond,
			ServerSelectionTimeout: 200 * time.Millisecond,
			Retry:                  RetryConfig{MaxRetries: 0, InitialBackoff: time.Millisecond, BackoffMultiple: 2},
		},
		StatusChannel: StatusChannelConfig{Enabled: true, Prefix: "facade"},
	}, WithRedisClient(client))
	require.NoError(t, err)
	defer f.Close()

	res := f.Connect(context.Background())
	require.False(t, res.Success)

	var record PublishedStatus
	require.Eventually(t, func() bool {
		record, err = ReadPublishedStatus(context.Background(), client, "facade", BackendMongo)
		return err == nil && record.Status == StatusError
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusError, record.Status)
	assert.Equal(t, StatusConnecting, record.From)
	assert.NotEmpty(t, record.Error)
}
