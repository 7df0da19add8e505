package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/lotline-io/openlot/fault"
)

// Fake is an in-memory Processor for tests. It records every call and can be
// scripted to fail specific operations.
type Fake struct {
	mu    sync.Mutex
	holds map[string]Hold
	seq   int

	// ConfirmInline makes Authorize return an already-authorized hold, the
	// synchronous-confirmation path. When false the hold stays pending until
	// ConfirmHold is called (modelling the asynchronous webhook path).
	ConfirmInline bool

	// Scripted failures by operation. FailCapture/FailCancel key on the
	// hold reference; a present entry fails the call once and is consumed.
	FailAuthorize bool
	FailCapture   map[string]bool
	FailCancel    map[string]bool

	AuthorizeCalls int
	CaptureCalls   int
	CancelCalls    int
	LookupCalls    int
}

var _ Processor = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		holds:         make(map[string]Hold),
		ConfirmInline: true,
		FailCapture:   make(map[string]bool),
		FailCancel:    make(map[string]bool),
	}
}

func (f *Fake) Authorize(_ context.Context, req AuthorizeRequest) (Hold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AuthorizeCalls++

	if f.FailAuthorize {
		return Hold{}, fault.ExternalProcessor(nil, "processor_error", "scripted authorize failure")
	}

	// Idempotency: a repeated key returns the existing hold.
	if req.IdempotencyKey != "" {
		for _, hold := range f.holds {
			if hold.ClientSecret == "cs_"+req.IdempotencyKey {
				return hold, nil
			}
		}
	}

	f.seq++
	status := HoldPending
	if f.ConfirmInline {
		status = HoldAuthorized
	}
	hold := Hold{
		Reference:    fmt.Sprintf("hold_%06d", f.seq),
		ClientSecret: "cs_" + req.IdempotencyKey,
		AmountCAD:    req.AmountCAD,
		Status:       status,
	}
	f.holds[hold.Reference] = hold
	return hold, nil
}

func (f *Fake) Capture(_ context.Context, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CaptureCalls++

	if f.FailCapture[reference] {
		delete(f.FailCapture, reference)
		return fault.ExternalProcessor(nil, "capture_failed", "scripted capture failure for %s", reference)
	}
	hold, ok := f.holds[reference]
	if !ok {
		return fault.NotFound("hold_missing", "no hold %s", reference)
	}
	hold.Status = HoldCaptured
	f.holds[reference] = hold
	return nil
}

func (f *Fake) Cancel(_ context.Context, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelCalls++

	if f.FailCancel[reference] {
		delete(f.FailCancel, reference)
		return fault.ExternalProcessor(nil, "cancel_failed", "scripted cancel failure for %s", reference)
	}
	hold, ok := f.holds[reference]
	if !ok {
		return fault.NotFound("hold_missing", "no hold %s", reference)
	}
	hold.Status = HoldCancelled
	f.holds[reference] = hold
	return nil
}

func (f *Fake) Lookup(_ context.Context, reference string) (Hold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LookupCalls++

	hold, ok := f.holds[reference]
	if !ok {
		return Hold{}, fault.NotFound("hold_missing", "no hold %s", reference)
	}
	return hold, nil
}

// ConfirmHold moves a pending hold to authorized, as the processor's
// asynchronous confirmation would.
func (f *Fake) ConfirmHold(reference string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hold, ok := f.holds[reference]; ok && hold.Status == HoldPending {
		hold.Status = HoldAuthorized
		f.holds[reference] = hold
	}
}

// SetHoldStatus force-sets processor-side state, for drift scenarios.
func (f *Fake) SetHoldStatus(reference string, status HoldStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hold, ok := f.holds[reference]; ok {
		hold.Status = status
		f.holds[reference] = hold
	}
}

// HoldCount reports how many holds were ever created.
func (f *Fake) HoldCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.holds)
}
