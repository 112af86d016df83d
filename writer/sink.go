package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"depthflow/models"
)

var (
	// ErrNotReady is returned when a sink is used before Open or after Close.
	ErrNotReady = errors.New("sink not ready")
	// ErrStore wraps failures reported by the backing store.
	ErrStore = errors.New("store write failed")
)

// Sink persists normalized records. Write must be safe for concurrent use and
// either store the whole record or nothing.
type Sink interface {
	Open(ctx context.Context) error
	Write(ctx context.Context, rec models.NormalizedRecord) error
	Close() error
}

type sinkState int

const (
	stateIdle sinkState = iota
	stateOpen
	stateClosed
)

// lifecycle tracks the idle -> open -> closed progression shared by sinks.
type lifecycle struct {
	mu    sync.RWMutex
	state sinkState
}

// use runs fn while the sink is held open; Close waits for it to return.
func (l *lifecycle) use(fn func() error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != stateOpen {
		return ErrNotReady
	}
	return fn()
}

func (l *lifecycle) open(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateIdle {
		return fmt.Errorf("%w: sink already opened", ErrNotReady)
	}
	if err := fn(); err != nil {
		return err
	}
	l.state = stateOpen
	return nil
}

// close runs fn once for an open sink. Closing a closed sink is a no-op and
// closing one that was never opened reports ErrNotReady.
func (l *lifecycle) close(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case stateClosed:
		return nil
	case stateIdle:
		return ErrNotReady
	}
	l.state = stateClosed
	return fn()
}

// Tee fans every write out to all member sinks.
type Tee struct {
	sinks []Sink
}

// NewTee returns a sink writing to each of sinks in order.
func NewTee(sinks ...Sink) *Tee {
	return &Tee{sinks: sinks}
}

// Open opens every member, closing the already opened ones on failure.
func (t *Tee) Open(ctx context.Context) error {
	for i, s := range t.sinks {
		if err := s.Open(ctx); err != nil {
			var closeErrs []error
			for _, opened := range t.sinks[:i] {
				closeErrs = append(closeErrs, opened.Close())
			}
			return errors.Join(append([]error{err}, closeErrs...)...)
		}
	}
	return nil
}

// Write writes members in order and stops at the first that fails.
// Members before the failing one keep the record, so a failed Tee write
// may be partial: InfluxDB can hold a record the archive never received.
// Atomicity holds per member only.
func (t *Tee) Write(ctx context.Context, rec models.NormalizedRecord) error {
	for _, s := range t.sinks {
		if err := s.Write(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every member and joins their errors.
func (t *Tee) Close() error {
	var errs []error
	for _, s := range t.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
