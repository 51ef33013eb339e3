package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	statusPublishTimeout = 2 * time.Second
	statusQueueSize      = 64
)

// PublishedStatus is the record written to Redis for every status change.
type PublishedStatus struct {
	Backend Backend          `json:"backend"`
	Status  ConnectionStatus `json:"status"`
	From    ConnectionStatus `json:"from,omitempty"`
	Error   string           `json:"error,omitempty"`
	At      time.Time        `json:"at"`
}

// WithRedisClient sets the client used for the status channel when
// Config.StatusChannel is enabled. The facade does not close it.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(s *settings) {
		s.redis = client
	}
}

// RedisStatusPublisher mirrors connection status changes into Redis so other
// processes can see them. The latest status per backend is kept under
// <prefix>:status:<backend> with a TTL, and every change is PUBLISHed on
// <prefix>:status. Changes are written in order by one goroutine, started on
// the first Publish and stopped by Close.
type RedisStatusPublisher struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger Logger

	mu     sync.Mutex
	closed bool
	start  sync.Once
	queue  chan StatusChange
	done   chan struct{}
}

// NewRedisStatusPublisher creates a publisher. Empty prefix and zero TTL fall
// back to DefaultStatusPrefix and DefaultStatusTTL.
func NewRedisStatusPublisher(client redis.UniversalClient, cfg StatusChannelConfig, logger Logger) *RedisStatusPublisher {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultStatusPrefix
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultStatusTTL
	}
	return &RedisStatusPublisher{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
		queue:  make(chan StatusChange, statusQueueSize),
		done:   make(chan struct{}),
	}
}

// Channel returns the pub/sub channel name.
func (p *RedisStatusPublisher) Channel() string {
	return statusChannel(p.prefix)
}

func statusChannel(prefix string) string {
	return prefix + ":status"
}

func statusKey(prefix string, backend Backend) string {
	return fmt.Sprintf("%s:status:%s", prefix, backend)
}

// Publish is a StatusListener. It queues the change and returns without
// waiting for Redis. A full queue drops the change with a warning. Redis
// failures are logged and otherwise ignored.
func (p *RedisStatusPublisher) Publish(change StatusChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.start.Do(func() { go p.run() })
	select {
	case p.queue <- change:
	default:
		p.logger.Warn("status queue full, dropping change", "backend", change.Backend, "status", change.To)
	}
}

// Close writes the changes still queued and stops the writer. Later Publish
// calls are ignored.
func (p *RedisStatusPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	p.start.Do(func() { go p.run() })
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}

func (p *RedisStatusPublisher) run() {
	defer close(p.done)
	for change := range p.queue {
		p.write(change)
	}
}

func (p *RedisStatusPublisher) write(change StatusChange) {
	record := PublishedStatus{
		Backend: change.Backend,
		Status:  change.To,
		From:    change.From,
		At:      change.At,
	}
	if change.Err != nil {
		record.Error = change.Err.Error()
	}
	data, err := json.Marshal(record)
	if err != nil {
		p.logger.Warn("failed to encode status", "backend", change.Backend, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), statusPublishTimeout)
	defer cancel()

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, statusKey(p.prefix, change.Backend), data, p.ttl)
	pipe.Publish(ctx, p.Channel(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Warn("failed to publish status", "backend", change.Backend, "status", change.To, "error", err)
	}
}

// Follow delivers every published status change to fn until ctx is done.
func (p *RedisStatusPublisher) Follow(ctx context.Context, fn func(PublishedStatus)) error {
	return FollowPublishedStatus(ctx, p.client, p.prefix, fn)
}

// FollowPublishedStatus subscribes to the status channel under prefix.
func FollowPublishedStatus(ctx context.Context, client redis.UniversalClient, prefix string, fn func(PublishedStatus)) error {
	if prefix == "" {
		prefix = DefaultStatusPrefix
	}
	sub := client.Subscribe(ctx, statusChannel(prefix))
	defer sub.Close()

	// Wait for the subscription to be confirmed before reading messages.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", statusChannel(prefix), err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var record PublishedStatus
			if err := json.Unmarshal([]byte(msg.Payload), &record); err != nil {
				continue
			}
			fn(record)
		}
	}
}

// ReadPublishedStatus returns the latest status published for backend. A
// missing or expired key is ErrNotFound.
func ReadPublishedStatus(ctx context.Context, client redis.UniversalClient, prefix string, backend Backend) (PublishedStatus, error) {
	if prefix == "" {
		prefix = DefaultStatusPrefix
	}
	data, err := client.Get(ctx, statusKey(prefix, backend)).Bytes()
	if errors.Is(err, redis.Nil) {
		return PublishedStatus{}, WithContext(ErrNotFound, map[string]interface{}{
			"backend": backend,
			"key":     statusKey(prefix, backend),
		})
	}
	if err != nil {
		return PublishedStatus{}, fmt.Errorf("failed to read status: %w", err)
	}

	var record PublishedStatus
	if err := json.Unmarshal(data, &record); err != nil {
		return PublishedStatus{}, WithContext(ErrInvalidData, map[string]interface{}{
			"backend": backend,
			"cause":   err.Error(),
		})
	}
	return record, nil
}
