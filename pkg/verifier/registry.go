package verifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

var (
	// ErrRegistryClosed is returned by Registry.Ledger and Registry.Register
	// after Close.
	ErrRegistryClosed = errors.New("ledger registry is closed")

	// ErrUnknownLedger is returned for names the registry cannot open.
	ErrUnknownLedger = errors.New("unknown ledger")
)

// Factory opens the ledger called name.
type Factory func(ctx context.Context, name string) (Ledger, error)

// Registry maps ledger names to open Ledger handles. A ledger is opened by
// the factory on first use and kept until Close, which closes every handle
// that implements io.Closer.
type Registry struct {
	mu      sync.Mutex
	factory Factory
	ledgers map[string]Ledger
	closed  bool
}

// NewRegistry creates a Registry. factory may be nil, in which case only
// ledgers added with Register are available.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		ledgers: make(map[string]Ledger),
	}
}

// Register adds an already open ledger under name, replacing any previous one.
func (r *Registry) Register(name string, led Ledger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	r.ledgers[name] = led
	return nil
}

// Ledger implements LedgerSource.
func (r *Registry) Ledger(ctx context.Context, name string) (Ledger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if led, ok := r.ledgers[name]; ok {
		return led, nil
	}
	if r.factory == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLedger, name)
	}

	led, err := r.factory(ctx, name)
	if err != nil {
		return nil, err
	}
	r.ledgers[name] = led
	return led, nil
}

// Names returns the names of the open ledgers in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.ledgers))
	for n := range r.ledgers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close closes every open ledger that implements io.Closer. The registry
// cannot be used afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for name, led := range r.ledgers {
		if c, ok := led.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close ledger %q: %w", name, err))
			}
		}
	}
	clear(r.ledgers)
	return errors.Join(errs...)
}
