package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lotline-io/openlot/core"
	"github.com/lotline-io/openlot/fault"
	"github.com/lotline-io/openlot/ledger"
	"github.com/lotline-io/openlot/metrics"
	"github.com/lotline-io/openlot/payments"
	"github.com/lotline-io/openlot/settings"
)

// SweepResult reports one reconciliation pass.
type SweepResult struct {
	Examined  int      `json:"examined"`
	Corrected int      `json:"corrected"`
	Expired   int      `json:"expired"`
	Errors    []string `json:"errors,omitempty"`
}

// Sweeper is the pull half of reconciliation: it looks up every open deposit
// that has not been touched within the stale threshold and corrects the
// local row to the processor's view. Open deposits older than the expiry
// threshold are cancelled on both sides.
type Sweeper struct {
	store     ledger.Store
	processor payments.Processor
	provider  *settings.Provider
	logger    *slog.Logger
	clock     func() time.Time
}

func NewSweeper(store ledger.Store, processor payments.Processor, provider *settings.Provider, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     store,
		processor: processor,
		provider:  provider,
		logger:    logger,
		clock:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Sweeper) SetClock(clock func() time.Time) { s.clock = clock }

// Run performs one sweep. Per-deposit failures are collected; the pass never
// aborts early.
func (s *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	snap, err := s.provider.Snapshot(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	now := s.clock()

	stale, err := s.store.StaleDeposits(ctx, now.Add(-snap.DepositStaleAfter),
		[]core.DepositStatus{core.DepositPending, core.DepositAuthorized})
	if err != nil {
		return SweepResult{}, err
	}

	var result SweepResult
	expiryCutoff := now.Add(-snap.DepositExpiryAfter)
	for _, deposit := range stale {
		result.Examined++
		if deposit.CreatedAt.Before(expiryCutoff) {
			if err := s.expire(ctx, deposit); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Expired++
			continue
		}
		corrected, err := s.correct(ctx, deposit)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if corrected {
			result.Corrected++
		}
	}

	s.logger.Info("reconciliation sweep complete",
		"examined", result.Examined, "corrected", result.Corrected,
		"expired", result.Expired, "errors", len(result.Errors))
	return result, nil
}

// correct pulls the processor's view of one deposit and converges the local
// row. A deposit with no processor reference never got past phase one of
// creation; it is marked failed.
func (s *Sweeper) correct(ctx context.Context, deposit core.Deposit) (bool, error) {
	if deposit.ProcessorRef == "" {
		return s.transition(ctx, deposit, deposit.Status, core.DepositFailed, "orphaned", "no processor reference")
	}

	hold, err := s.processor.Lookup(ctx, deposit.ProcessorRef)
	if err != nil {
		return false, fmt.Errorf("looking up deposit %s: %w", deposit.ID, err)
	}

	want := localStatusFor(hold.Status)
	if want == "" || want == deposit.Status {
		return false, nil
	}
	return s.transition(ctx, deposit, deposit.Status, want, "drift",
		fmt.Sprintf("processor reports %s, local was %s", hold.Status, deposit.Status))
}

// expire cancels a deposit that outlived the expiry window on both sides.
func (s *Sweeper) expire(ctx context.Context, deposit core.Deposit) error {
	if deposit.ProcessorRef != "" {
		if err := s.processor.Cancel(ctx, deposit.ProcessorRef); err != nil {
			// An already-released hold is fine; anything else retries next
			// sweep.
			if !fault.IsKind(err, fault.KindNotFound) {
				return fmt.Errorf("releasing expired deposit %s: %w", deposit.ID, err)
			}
		}
	}
	applied, err := s.store.UpdateDepositStatusIf(ctx, deposit.ID, deposit.Status, core.DepositExpired, s.clock())
	if err != nil {
		return err
	}
	if applied {
		if err := s.audit(ctx, core.AuditDepositValidation, deposit, "expired after retention window"); err != nil {
			return err
		}
		metrics.ReconcileCorrectionsTotal.WithLabelValues("expired").Inc()
	}
	return nil
}

func (s *Sweeper) transition(ctx context.Context, deposit core.Deposit, from, to core.DepositStatus, kind, note string) (bool, error) {
	applied, err := s.store.UpdateDepositStatusIf(ctx, deposit.ID, from, to, s.clock())
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	if err := s.audit(ctx, core.AuditPaymentReconciliation, deposit, note); err != nil {
		return false, err
	}
	metrics.ReconcileCorrectionsTotal.WithLabelValues(kind).Inc()
	s.logger.Info("deposit corrected", "deposit_id", deposit.ID, "from", from, "to", to, "note", note)
	return true, nil
}

func (s *Sweeper) audit(ctx context.Context, reason core.AuditReason, deposit core.Deposit, note string) error {
	return s.store.AppendAudit(ctx, core.AuditEntry{
		ID:        uuid.New(),
		Reason:    reason,
		Reference: deposit.ProcessorRef,
		Note:      note,
		CreatedAt: s.clock(),
	})
}

// localStatusFor maps the processor's hold status to the deposit status the
// local row should hold. A pending hold maps to nothing: there is no
// correction to make until the processor decides.
func localStatusFor(status payments.HoldStatus) core.DepositStatus {
	switch status {
	case payments.HoldAuthorized:
		return core.DepositAuthorized
	case payments.HoldCaptured:
		return core.DepositCaptured
	case payments.HoldCancelled:
		return core.DepositCancelled
	case payments.HoldFailed:
		return core.DepositFailed
	default:
		return ""
	}
}
