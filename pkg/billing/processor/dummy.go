package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// DummyName is the registry name of the dummy processor
const DummyName = "dummy"

// Dummy is an in-process processor. Charges settle with Outcome unless Err is
// set, in which case Charge fails with it. A repeated reference returns the
// transaction of the first accepted charge.
type Dummy struct {
	mu       sync.Mutex
	outcome  Status
	err      error
	statuses map[string]Status
	refs     map[string]string
	charges  []ChargeRequest
}

// NewDummy creates a dummy processor whose charges succeed immediately
func NewDummy() *Dummy {
	return &Dummy{outcome: StatusOK, statuses: make(map[string]Status), refs: make(map[string]string)}
}

func (d *Dummy) Name() string { return DummyName }

// SetOutcome sets the status returned by subsequent charges
func (d *Dummy) SetOutcome(s Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcome = s
}

// FailWith makes subsequent charges return err; nil restores normal behavior
func (d *Dummy) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Settle changes the status later reported for transactionID
func (d *Dummy) Settle(transactionID string, s Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses[transactionID] = s
}

// Charges returns the charge requests received so far
func (d *Dummy) Charges() []ChargeRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ChargeRequest, len(d.charges))
	copy(out, d.charges)
	return out
}

func (d *Dummy) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.charges = append(d.charges, req)
	if d.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessorFailure, d.err)
	}

	if txn, ok := d.refs[req.Reference]; ok {
		return &Result{TransactionID: txn, Status: d.statuses[txn]}, nil
	}

	txn := "dummy_" + uuid.NewString()
	d.statuses[txn] = d.outcome
	if req.Reference != "" {
		d.refs[req.Reference] = txn
	}
	return &Result{TransactionID: txn, Status: d.outcome}, nil
}

func (d *Dummy) SyncStatus(ctx context.Context, transactionID string) (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.statuses[transactionID]
	if !ok {
		return "", fmt.Errorf("%w: unknown transaction %q", ErrProcessorFailure, transactionID)
	}
	return s, nil
}
