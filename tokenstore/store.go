// Package tokenstore holds the most recent App Check token of one logical
// application and fans token changes out to registered listeners.
//
// Every Put replaces the current token and notifies listeners in
// registration order. Listeners may be added or removed at any time,
// including from inside a notification; a notification in progress keeps
// working on the listener list it started with.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kacy/app-check/internal/logger"
	"github.com/kacy/app-check/token"
)

// Listener is called with every new token.
type Listener func(token.Token)

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

// Persister saves tokens outside the process so they survive restarts.
// Implementations must be safe for concurrent use.
type Persister interface {
	// Load returns the persisted token for app, if any.
	Load(ctx context.Context, app string) (token.Token, bool, error)

	// Save persists the token for app, replacing any previous one.
	Save(ctx context.Context, app string, tok token.Token) error

	// Delete removes the persisted token for app. Deleting a missing token
	// is not an error.
	Delete(ctx context.Context, app string) error
}

// ErrClosed is returned by Put after Close.
var ErrClosed = errors.New("token store is closed")

// Config holds configuration for a Store.
type Config struct {
	// App is the logical application name, used in logs.
	App string

	// Async delivers notifications from a dedicated goroutine instead of the
	// goroutine calling Put. Order is preserved either way.
	Async bool

	// QueueSize bounds the number of pending async notifications
	// (default: 64). Put blocks while the queue is full.
	QueueSize int

	// Logger receives listener panics (default: no-op).
	Logger *logger.Logger
}

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// Store is the token holder of a single application.
type Store struct {
	app    string
	logger *logger.Logger

	mu      sync.RWMutex
	current token.Token
	lastErr error
	closed  bool

	// listeners is copy-on-write: a loaded slice is never mutated.
	listenersMu sync.Mutex
	listeners   atomic.Pointer[[]listenerEntry]
	nextID      ListenerID

	queue   chan token.Token
	closeCh chan struct{}
	done    chan struct{}
}

// New creates a new token store.
func New(cfg Config) *Store {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	s := &Store{
		app:     cfg.App,
		logger:  log,
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	empty := []listenerEntry{}
	s.listeners.Store(&empty)

	if cfg.Async {
		size := cfg.QueueSize
		if size <= 0 {
			size = 64
		}
		s.queue = make(chan token.Token, size)
		go s.dispatchLoop()
	} else {
		close(s.done)
	}

	return s
}

// Get returns the current token. The boolean is false when no token has
// been stored yet.
func (s *Store) Get() (token.Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, !s.current.IsZero()
}

// IsValid reports whether a token is present and now is before its expiry.
func (s *Store) IsValid(now time.Time) bool {
	tok, _ := s.Get()
	return tok.IsValid(now)
}

// Put replaces the current token unconditionally and notifies listeners.
// Callers must serialize Put per application to keep notification order
// equal to production order.
func (s *Store) Put(tok token.Token) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.current = tok
	s.lastErr = nil
	s.mu.Unlock()

	if s.queue != nil {
		select {
		case s.queue <- tok:
		case <-s.closeCh:
			return ErrClosed
		}
		return nil
	}

	s.notify(tok)
	return nil
}

// Restore sets the current token without notifying listeners. It is used
// when a persisted token is loaded at startup.
func (s *Store) Restore(tok token.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.current = tok
	}
}

// Clear drops the current token without notifying listeners.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = token.Token{}
}

// SetLastError records a failure that had no caller to report to, such as a
// background refresh or a persistence error.
func (s *Store) SetLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

// LastError returns the most recent recorded failure. It is reset by a
// successful Put.
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// AddListener registers fn and returns its id. The listener receives every
// token stored after registration.
func (s *Store) AddListener(fn Listener) ListenerID {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	s.nextID++
	id := s.nextID

	old := *s.listeners.Load()
	next := make([]listenerEntry, len(old), len(old)+1)
	copy(next, old)
	next = append(next, listenerEntry{id: id, fn: fn})
	s.listeners.Store(&next)

	return id
}

// RemoveListener unregisters the listener with the given id. It reports
// whether the listener was registered.
func (s *Store) RemoveListener(id ListenerID) bool {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	old := *s.listeners.Load()
	for i, entry := range old {
		if entry.id != id {
			continue
		}
		next := make([]listenerEntry, 0, len(old)-1)
		next = append(next, old[:i]...)
		next = append(next, old[i+1:]...)
		s.listeners.Store(&next)
		return true
	}
	return false
}

// Len returns the number of registered listeners.
func (s *Store) Len() int {
	return len(*s.listeners.Load())
}

// Close stops async delivery after draining queued notifications. It is
// safe to call more than once.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeCh)
	<-s.done
}

func (s *Store) dispatchLoop() {
	defer close(s.done)

	for {
		select {
		case tok := <-s.queue:
			s.notify(tok)
		case <-s.closeCh:
			for {
				select {
				case tok := <-s.queue:
					s.notify(tok)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) notify(tok token.Token) {
	for _, entry := range *s.listeners.Load() {
		s.call(entry, tok)
	}
}

func (s *Store) call(entry listenerEntry, tok token.Token) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("token listener panicked",
				"app", s.app,
				"listener", entry.id,
				"panic", fmt.Sprint(r))
		}
	}()
	entry.fn(tok)
}
