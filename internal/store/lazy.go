package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Opener constructs a Store on first use.
type Opener func(ctx context.Context) (*Store, error)

// Lazy defers opening the store until an operation needs it, then keeps the
// same Store for the rest of the process. A failed open is retried on the
// next call.
type Lazy struct {
	open Opener

	mu     sync.Mutex
	store  *Store
	closed bool
}

// NewLazy returns a Lazy that calls open on first use.
func NewLazy(open Opener) *Lazy {
	return &Lazy{open: open}
}

// Get returns the store, opening it if needed.
func (l *Lazy) Get(ctx context.Context) (*Store, error) {
	if l == nil {
		return nil, newError(KindUninitialized, "store has not been configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, newError(KindUninitialized, "store is closed")
	}
	if l.store != nil {
		return l.store, nil
	}
	if l.open == nil {
		return nil, newError(KindUninitialized, "store has not been configured")
	}
	s, err := l.open(ctx)
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, storageError("open store", err)
	}
	l.store = s
	return s, nil
}

// Close closes the store if it was ever opened.
func (l *Lazy) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}

// Ping opens the store if needed and checks the database answers.
func (l *Lazy) Ping(ctx context.Context) error {
	s, err := l.Get(ctx)
	if err != nil {
		return err
	}
	return s.Ping(ctx)
}

// Insert is Store.Insert on the lazily opened store.
func (l *Lazy) Insert(ctx context.Context, fields map[string]*float64) error {
	s, err := l.Get(ctx)
	if err != nil {
		return err
	}
	return s.Insert(ctx, fields)
}

// InsertAt is Store.InsertAt on the lazily opened store.
func (l *Lazy) InsertAt(ctx context.Context, ts time.Time, fields map[string]*float64) error {
	s, err := l.Get(ctx)
	if err != nil {
		return err
	}
	return s.InsertAt(ctx, ts, fields)
}

// LogError is Store.LogError on the lazily opened store.
func (l *Lazy) LogError(ctx context.Context, kind, message string) error {
	s, err := l.Get(ctx)
	if err != nil {
		return err
	}
	return s.LogError(ctx, kind, message)
}

// QueryDaily is Store.QueryDaily on the lazily opened store.
func (l *Lazy) QueryDaily(ctx context.Context, specs []string, priorDays int, tz string) ([]AggregateRow, error) {
	s, err := l.Get(ctx)
	if err != nil {
		return nil, err
	}
	return s.QueryDaily(ctx, specs, priorDays, tz)
}

// QueryHourly is Store.QueryHourly on the lazily opened store.
func (l *Lazy) QueryHourly(ctx context.Context, specs []string, date string, tz string) ([24]*AggregateRow, error) {
	s, err := l.Get(ctx)
	if err != nil {
		return [24]*AggregateRow{}, err
	}
	return s.QueryHourly(ctx, specs, date, tz)
}
