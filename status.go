package db

import (
	"fmt"
	"sync"
	"time"
)

// Backend identifies one of the document stores behind the facade.
type Backend string

const (
	BackendMongo     Backend = "mongodb"
	BackendFirestore Backend = "firestore"
)

// ConnectionStatus is the lifecycle state of a single backend adapter.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusError        ConnectionStatus = "error"
)

var statusOrdinals = map[ConnectionStatus]int{
	StatusDisconnected: 0,
	StatusConnecting:   1,
	StatusConnected:    2,
	StatusReconnecting: 3,
	StatusError:        4,
}

// IsValid reports whether s is one of the five known states.
func (s ConnectionStatus) IsValid() bool {
	_, ok := statusOrdinals[s]
	return ok
}

// Ordinal is the numeric form exported on the connection status gauge.
func (s ConnectionStatus) Ordinal() int {
	if n, ok := statusOrdinals[s]; ok {
		return n
	}
	return -1
}

// ParseConnectionStatus converts a string into a ConnectionStatus.
func ParseConnectionStatus(s string) (ConnectionStatus, error) {
	status := ConnectionStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("unknown connection status %q", s)
	}
	return status, nil
}

// StatusChange describes one transition of a backend's connection status.
type StatusChange struct {
	Backend Backend          `json:"backend"`
	From    ConnectionStatus `json:"from"`
	To      ConnectionStatus `json:"to"`
	Err     error            `json:"-"`
	At      time.Time        `json:"at"`
}

// StatusListener is notified after every status transition.
type StatusListener func(StatusChange)

// statusTracker holds the status flag of one adapter.
type statusTracker struct {
	mu        sync.RWMutex
	backend   Backend
	status    ConnectionStatus
	lastErr   error
	changedAt time.Time
	listeners []StatusListener
}

func newStatusTracker(backend Backend) *statusTracker {
	return &statusTracker{
		backend:   backend,
		status:    StatusDisconnected,
		changedAt: time.Now(),
	}
}

func (t *statusTracker) addListener(l StatusListener) {
	if l == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// set records a transition. Listeners run after the lock is released and only
// when the status actually changed.
func (t *statusTracker) set(to ConnectionStatus, err error) {
	t.transition(nil, to, err)
}

// compareAndSet moves to `to` only when the current status is `from`.
func (t *statusTracker) compareAndSet(from, to ConnectionStatus, err error) bool {
	return t.transition(&from, to, err)
}

func (t *statusTracker) transition(from *ConnectionStatus, to ConnectionStatus, err error) bool {
	t.mu.Lock()
	current := t.status
	if from != nil && current != *from {
		t.mu.Unlock()
		return false
	}
	t.lastErr = err
	if current == to {
		t.mu.Unlock()
		return true
	}
	t.status = to
	t.changedAt = time.Now()
	change := StatusChange{
		Backend: t.backend,
		From:    current,
		To:      to,
		Err:     err,
		At:      t.changedAt,
	}
	listeners := make([]StatusListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, l := range listeners {
		l(change)
	}
	return true
}

func (t *statusTracker) get() ConnectionStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *statusTracker) err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

func (t *statusTracker) since() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.changedAt
}
