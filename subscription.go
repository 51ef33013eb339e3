package db

import (
	"context"
	"sync"
	"time"
)

// ChangeType is the kind of a real-time change, normalized across backends.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// ChangeEvent is one document change delivered by a subscription. Document is
// nil for removals when the backend does not supply the prior state.
type ChangeEvent struct {
	Type     ChangeType `json:"type"`
	ID       string     `json:"id"`
	Document Document   `json:"document,omitempty"`
	OldIndex int        `json:"oldIndex"`
	NewIndex int        `json:"newIndex"`
}

// DocumentSnapshot is the state of a single watched document.
type DocumentSnapshot struct {
	ID       string
	Exists   bool
	Document Document
	ReadTime time.Time
}

// QuerySnapshot is the result set of a watched query plus what changed since
// the previous snapshot.
type QuerySnapshot struct {
	Documents []Document
	Changes   []ChangeEvent
	ReadTime  time.Time
}

// Handlers receive either a value or a non-nil error. An error does not end
// the subscription unless Done is closed afterwards.
type (
	ChangeHandler   func(ChangeEvent, error)
	DocumentHandler func(DocumentSnapshot, error)
	QueryHandler    func(QuerySnapshot, error)
)

// Subscription is a live real-time listener. Unsubscribe stops it; Done is
// closed once its goroutine has exited.
type Subscription struct {
	ID      string
	Backend Backend
	Target  string

	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	onClose func(*Subscription)
}

func newSubscription(backend Backend, target string, cancel context.CancelFunc, onClose func(*Subscription)) *Subscription {
	return &Subscription{
		ID:      NewID(),
		Backend: backend,
		Target:  target,
		cancel:  cancel,
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Unsubscribe stops the listener and waits for it to exit. Safe to call more
// than once and from any goroutine other than the handler itself.
func (s *Subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}

// Done is closed when the subscription has stopped, for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the subscription, if any. It is nil after
// a plain Unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// finish is called exactly once by the listener goroutine on exit.
func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.cancel()
		if s.onClose != nil {
			s.onClose(s)
		}
		close(s.done)
	})
}

// subscriptionSet tracks the live subscriptions of one adapter.
type subscriptionSet struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{subs: make(map[string]*Subscription)}
}

func (s *subscriptionSet) add(sub *Subscription) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
	return len(s.subs)
}

func (s *subscriptionSet) remove(sub *Subscription) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub.ID)
	return len(s.subs)
}

func (s *subscriptionSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// stopAll unsubscribes everything and waits for the listeners to exit.
func (s *subscriptionSet) stopAll() {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
