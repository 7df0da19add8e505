// Package notify is the interface to the external notification collaborator.
// Calls are fire-and-forget: a delivery failure is logged and never fails the
// operation that triggered it.
package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Template codes consumed by the external delivery service.
const (
	TemplateAuctionWon    = "auction_won"
	TemplateAuctionLost   = "auction_lost"
	TemplateOutbid        = "outbid"
	TemplateDepositFailed = "deposit_failed"
)

// Notifier sends one templated notification to one user.
type Notifier interface {
	Send(ctx context.Context, userID uuid.UUID, template string, vars map[string]string)
}

// LogNotifier logs instead of delivering; the dev-mode and test default.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Send(_ context.Context, userID uuid.UUID, template string, vars map[string]string) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "user_id", userID, "template", template, "vars", vars)
}
