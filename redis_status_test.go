package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStatusRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisStatusPublisher_Defaults(t *testing.T) {
	_, client := setupStatusRedis(t)

	p := NewRedisStatusPublisher(client, StatusChannelConfig{}, nil)
	assert.Equal(t, DefaultStatusPrefix+":status", p.Channel())
	assert.Equal(t, DefaultStatusTTL, p.ttl)
	assert.Equal(t, "ecdb:status:mongodb", statusKey(p.prefix, BackendMongo))
}

func TestRedisStatusPublisher_Publish(t *testing.T) {
	mr, client := setupStatusRedis(t)
	ctx := context.Background()

	p := NewRedisStatusPublisher(client, StatusChannelConfig{Prefix: "app", TTL: time.Minute}, nil)
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	p.Publish(StatusChange{
		Backend: BackendFirestore,
		From:    StatusConnected,
		To:      StatusReconnecting,
		Err:     errors.New("stream lost"),
		At:      at,
	})
	p.Close()

	require.True(t, mr.Exists("app:status:firestore"))
	assert.Equal(t, time.Minute, mr.TTL("app:status:firestore"))

	record, err := ReadPublishedStatus(ctx, client, "app", BackendFirestore)
	require.NoError(t, err)
	assert.Equal(t, BackendFirestore, record.Backend)
	assert.Equal(t, StatusReconnecting, record.Status)
	assert.Equal(t, StatusConnected, record.From)
	assert.Equal(t, "stream lost", record.Error)
	assert.True(t, record.At.Equal(at))

	// Expired records read as not found.
	mr.FastForward(2 * time.Minute)
	_, err = ReadPublishedStatus(ctx, client, "app", BackendFirestore)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadPublishedStatus_Errors(t *testing.T) {
	mr, client := setupStatusRedis(t)
	ctx := context.Background()

	_, err := ReadPublishedStatus(ctx, client, "", BackendMongo)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mr.Set("ecdb:status:mongodb", "{not json"))
	_, err = ReadPublishedStatus(ctx, client, "", BackendMongo)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestRedisStatusPublisher_RedisDown(t *testing.T) {
	mr, client := setupStatusRedis(t)
	logger := &MockLogger{}
	p := NewRedisStatusPublisher(client, StatusChannelConfig{}, logger)

	mr.Close()
	p.Publish(StatusChange{Backend: BackendMongo, From: StatusConnecting, To: StatusConnected, At: time.Now()})
	p.Close()

	assert.True(t, logger.Has("failed to publish status"), "redis failures are logged, not returned")
}

func TestRedisStatusPublisher_Follow(t *testing.T) {
	_, client := setupStatusRedis(t)
	p := NewRedisStatusPublisher(client, StatusChannelConfig{Prefix: "follow"}, nil)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		records []PublishedStatus
	)
	got := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- p.Follow(ctx, func(r PublishedStatus) {
			mu.Lock()
			records = append(records, r)
			mu.Unlock()
			got <- struct{}{}
		})
	}()

	// Publish until the subscriber is attached.
	deadline := time.After(5 * time.Second)
	for {
		p.Publish(StatusChange{Backend: BackendMongo, From: StatusConnecting, To: StatusConnected, At: time.Now()})
		select {
		case <-got:
		case <-time.After(50 * time.Millisecond):
			continue
		case <-deadline:
			t.Fatal("timed out waiting for published status")
		}
		break
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, records)
	assert.Equal(t, StatusConnected, records[0].Status)
}

func TestRedisStatusPublisher_KeepsOrder(t *testing.T) {
	_, client := setupStatusRedis(t)
	p := NewRedisStatusPublisher(client, StatusChannelConfig{Prefix: "order"}, nil)

	sequence := []ConnectionStatus{StatusConnecting, StatusConnected, StatusReconnecting, StatusError}
	from := StatusDisconnected
	for _, to := range sequence {
		p.Publish(StatusChange{Backend: BackendMongo, From: from, To: to, At: time.Now()})
		from = to
	}
	p.Close()

	record, err := ReadPublishedStatus(context.Background(), client, "order", BackendMongo)
	require.NoError(t, err)
	assert.Equal(t, StatusError, record.Status, "the last change must win")
	assert.Equal(t, StatusReconnecting, record.From)
}

func TestRedisStatusPublisher_DoesNotBlockOnFailingRedis(t *testing.T) {
	mr, client := setupStatusRedis(t)
	logger := &MockLogger{}
	p := NewRedisStatusPublisher(client, StatusChannelConfig{}, logger)
	mr.SetError("LOADING")

	start := time.Now()
	for i := 0; i < statusQueueSize*2; i++ {
		p.Publish(StatusChange{Backend: BackendMongo, From: StatusConnected, To: StatusReconnecting, At: time.Now()})
	}
	assert.Less(t, time.Since(start), statusPublishTimeout, "Publish must not wait for Redis")
	p.Close()

	assert.True(t, logger.Has("failed to publish status"))
}

func TestRedisStatusPublisher_PublishAfterClose(t *testing.T) {
	mr, client := setupStatusRedis(t)
	p := NewRedisStatusPublisher(client, StatusChannelConfig{}, nil)

	p.Close()
	p.Close()
	p.Publish(StatusChange{Backend: BackendMongo, To: StatusConnected, At: time.Now()})

	assert.False(t, mr.Exists("ecdb:status:mongodb"))
}
