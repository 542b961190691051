// Package processor defines the payment processor adapters used by the
// billing engine and an explicit registration table for them.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownProcessor is returned when no processor is registered under a name
	ErrUnknownProcessor = errors.New("unknown payment processor")
	// ErrProcessorFailure wraps errors raised by a processor backend
	ErrProcessorFailure = errors.New("payment processor failure")
)

// Status is the processor side state of a charge
type Status string

const (
	StatusPending Status = "pending"
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
)

// Method carries the processor specific reference of a payment method
type Method struct {
	ID   int64
	Data map[string]string
}

// ChargeRequest asks a processor to collect Amount (minor units) from Method
type ChargeRequest struct {
	Method      Method
	Amount      int64
	Currency    string
	Description string
	// Reference is an idempotency key unique to the charge attempt
	Reference string
}

// Result is the outcome of a charge call
type Result struct {
	TransactionID string
	Status        Status
	ReceiptURL    string
}

// Processor is a payment processor adapter
type Processor interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (*Result, error)
	SyncStatus(ctx context.Context, transactionID string) (Status, error)
}

// Registry maps processor names to adapters
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewRegistry creates a registry holding processors
func NewRegistry(processors ...Processor) *Registry {
	r := &Registry{processors: make(map[string]Processor)}
	for _, p := range processors {
		r.Register(p)
	}
	return r
}

// Register adds p under p.Name(), replacing any previous entry
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[p.Name()] = p
}

// Get returns the processor registered as name
func (r *Registry) Get(name string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcessor, name)
	}
	return p, nil
}

// Names returns the registered processor names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
