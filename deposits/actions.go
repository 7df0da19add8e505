package deposits

import (
	"context"

	"github.com/google/uuid"

	"github.com/lotline-io/openlot/core"
	"github.com/lotline-io/openlot/fault"
)

// Action is the closed set of admin dispositions for a deposit. A new
// disposition is a new constant plus a new case in Apply, checked at
// compile time rather than dispatched on a runtime string.
type Action int

const (
	// ActionRefund returns a captured deposit to the bidder.
	ActionRefund Action = iota + 1
	// ActionForfeit seizes an authorized deposit (e.g. a no-show winner).
	ActionForfeit
	// ActionHold re-verifies an authorized deposit against the processor
	// without moving money.
	ActionHold
	// ActionRelease cancels an authorized deposit ahead of settlement.
	ActionRelease
)

var actionNames = map[Action]string{
	ActionRefund:  "refund",
	ActionForfeit: "forfeit",
	ActionHold:    "hold",
	ActionRelease: "release",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// ParseAction maps the wire name to an Action.
func ParseAction(name string) (Action, error) {
	for action, candidate := range actionNames {
		if candidate == name {
			return action, nil
		}
	}
	return 0, fault.Validation("unknown_action", "unknown deposit action %q", name)
}

// Apply performs one admin disposition on one deposit. Every branch calls
// the processor before flipping local state, and records an audit entry
// tagged deposit_validation.
func (z *Authorizer) Apply(ctx context.Context, action Action, depositID uuid.UUID) error {
	deposit, err := z.store.DepositByID(ctx, depositID)
	if err != nil {
		return err
	}

	switch action {
	case ActionRefund:
		if deposit.Status != core.DepositCaptured {
			return fault.StateConflict("deposit_not_captured", "only captured deposits can be refunded")
		}
		if err := z.processor.Cancel(ctx, deposit.ProcessorRef); err != nil {
			return fault.ExternalProcessor(err, "refund_failed", "processor refused the refund")
		}
		if _, err := z.store.UpdateDepositStatusIf(ctx, depositID, core.DepositCaptured, core.DepositCancelled, z.clock()); err != nil {
			return err
		}
		return z.audit(ctx, deposit, "refunded captured deposit")

	case ActionForfeit:
		if deposit.Status != core.DepositAuthorized {
			return fault.StateConflict("deposit_not_authorized", "only authorized deposits can be forfeited")
		}
		if err := z.processor.Capture(ctx, deposit.ProcessorRef); err != nil {
			return fault.ExternalProcessor(err, "forfeit_failed", "processor refused the capture")
		}
		if _, err := z.store.UpdateDepositStatusIf(ctx, depositID, core.DepositAuthorized, core.DepositCaptured, z.clock()); err != nil {
			return err
		}
		return z.audit(ctx, deposit, "forfeited authorized deposit")

	case ActionHold:
		if deposit.Status != core.DepositAuthorized {
			return fault.StateConflict("deposit_not_authorized", "only authorized deposits can be re-verified")
		}
		hold, err := z.processor.Lookup(ctx, deposit.ProcessorRef)
		if err != nil {
			return fault.ExternalProcessor(err, "hold_lookup_failed", "processor lookup failed")
		}
		return z.audit(ctx, deposit, "re-verified hold, processor reports "+string(hold.Status))

	case ActionRelease:
		if deposit.Status != core.DepositAuthorized {
			return fault.StateConflict("deposit_not_authorized", "only authorized deposits can be released")
		}
		if err := z.processor.Cancel(ctx, deposit.ProcessorRef); err != nil {
			return fault.ExternalProcessor(err, "release_failed", "processor refused the cancel")
		}
		if _, err := z.store.UpdateDepositStatusIf(ctx, depositID, core.DepositAuthorized, core.DepositCancelled, z.clock()); err != nil {
			return err
		}
		return z.audit(ctx, deposit, "released authorized deposit")

	default:
		return fault.Validation("unknown_action", "unknown deposit action")
	}
}

func (z *Authorizer) audit(ctx context.Context, deposit core.Deposit, note string) error {
	return z.store.AppendAudit(ctx, core.AuditEntry{
		ID:        uuid.New(),
		Reason:    core.AuditDepositValidation,
		Reference: deposit.ProcessorRef,
		Note:      note,
		CreatedAt: z.clock(),
	})
}
