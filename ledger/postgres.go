package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lotline-io/openlot/core"
	"github.com/lotline-io/openlot/fault"
)

const uniqueViolation = "23505"

// Postgres is the production Store on pgx. Per-auction bid serialization
// uses a transaction-scoped advisory lock on the auction id so concurrent
// bids for the same auction validate one at a time while different auctions
// proceed in parallel.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, logger: logger}
}

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	id UUID PRIMARY KEY,
	seller_id UUID NOT NULL,
	price_cad NUMERIC(12,2) NOT NULL,
	buy_now_cad NUMERIC(12,2)
);

CREATE TABLE IF NOT EXISTS auctions (
	id UUID PRIMARY KEY,
	listing_id UUID NOT NULL REFERENCES listings(id),
	start_at TIMESTAMPTZ NOT NULL,
	end_at TIMESTAMPTZ NOT NULL,
	min_increment_cad NUMERIC(12,2) NOT NULL DEFAULT 0,
	soft_close_seconds INT NOT NULL DEFAULT 0,
	processed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_auctions_unprocessed ON auctions (end_at) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS bids (
	id UUID PRIMARY KEY,
	auction_id UUID NOT NULL REFERENCES auctions(id),
	bidder_id UUID NOT NULL,
	amount_cad NUMERIC(12,2) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bids_auction ON bids (auction_id, amount_cad DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS deposits (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	auction_id UUID NOT NULL REFERENCES auctions(id),
	processor_ref TEXT NOT NULL DEFAULT '',
	amount_cad NUMERIC(12,2) NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	authorized_at TIMESTAMPTZ,
	captured_at TIMESTAMPTZ,
	cancelled_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_deposits_open ON deposits (user_id, auction_id)
	WHERE status IN ('pending', 'authorized');
CREATE INDEX IF NOT EXISTS idx_deposits_auction ON deposits (auction_id);
CREATE INDEX IF NOT EXISTS idx_deposits_processor_ref ON deposits (processor_ref);
CREATE INDEX IF NOT EXISTS idx_deposits_stale ON deposits (status, updated_at);

CREATE TABLE IF NOT EXISTS orders (
	id UUID PRIMARY KEY,
	listing_id UUID NOT NULL,
	auction_id UUID NOT NULL UNIQUE,
	buyer_id UUID NOT NULL,
	seller_id UUID NOT NULL,
	total_cad NUMERIC(12,2) NOT NULL,
	deposit_applied_cad NUMERIC(12,2) NOT NULL,
	remaining_balance_cad NUMERIC(12,2) NOT NULL,
	status TEXT NOT NULL,
	processor_ref TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_webhook_events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	outcome TEXT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_entries (
	id UUID PRIMARY KEY,
	reason TEXT NOT NULL,
	reference TEXT NOT NULL,
	note TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settings_kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// InitSchema creates the tables if missing. Idempotent, safe at every boot.
func (p *Postgres) InitSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	p.logger.Info("ledger schema ready")
	return nil
}

func (p *Postgres) CreateListing(ctx context.Context, listing core.Listing) error {
	var buyNow *string
	if listing.BuyNowCAD != nil {
		s := listing.BuyNowCAD.String()
		buyNow = &s
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO listings (id, seller_id, price_cad, buy_now_cad)
		VALUES ($1, $2, $3, $4)
	`, listing.ID, listing.SellerID, listing.PriceCAD.String(), buyNow)
	return err
}

func (p *Postgres) GetListing(ctx context.Context, id uuid.UUID) (core.Listing, error) {
	return scanListing(p.pool.QueryRow(ctx, `
		SELECT id, seller_id, price_cad::text, buy_now_cad::text
		FROM listings WHERE id = $1
	`, id), id)
}

func scanListing(row pgx.Row, id uuid.UUID) (core.Listing, error) {
	var listing core.Listing
	var price string
	var buyNow *string
	if err := row.Scan(&listing.ID, &listing.SellerID, &price, &buyNow); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Listing{}, fault.NotFound("listing", "listing %s not found", id)
		}
		return core.Listing{}, err
	}
	var err error
	if listing.PriceCAD, err = decimal.NewFromString(price); err != nil {
		return core.Listing{}, err
	}
	if buyNow != nil {
		v, err := decimal.NewFromString(*buyNow)
		if err != nil {
			return core.Listing{}, err
		}
		listing.BuyNowCAD = &v
	}
	return listing, nil
}

func (p *Postgres) CreateAuction(ctx context.Context, auction core.Auction) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO auctions (id, listing_id, start_at, end_at, min_increment_cad, soft_close_seconds, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, auction.ID, auction.ListingID, auction.StartAt, auction.EndAt,
		auction.MinIncrementCAD.String(), auction.SoftCloseSeconds, auction.ProcessedAt)
	return err
}

const auctionColumns = `id, listing_id, start_at, end_at, min_increment_cad::text, soft_close_seconds, processed_at`

func scanAuction(row pgx.Row) (core.Auction, error) {
	var auction core.Auction
	var increment string
	if err := row.Scan(&auction.ID, &auction.ListingID, &auction.StartAt, &auction.EndAt,
		&increment, &auction.SoftCloseSeconds, &auction.ProcessedAt); err != nil {
		return core.Auction{}, err
	}
	var err error
	auction.MinIncrementCAD, err = decimal.NewFromString(increment)
	return auction, err
}

func (p *Postgres) GetAuction(ctx context.Context, id uuid.UUID) (core.Auction, error) {
	auction, err := scanAuction(p.pool.QueryRow(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Auction{}, fault.NotFound("auction", "auction %s not found", id)
	}
	return auction, err
}

// pgScope implements BidScope inside one transaction holding the advisory
// lock for the auction.
type pgScope struct {
	ctx     context.Context
	tx      pgx.Tx
	auction core.Auction
	listing core.Listing
}

func (s *pgScope) Auction() core.Auction { return s.auction }
func (s *pgScope) Listing() core.Listing { return s.listing }

func (s *pgScope) Bids() ([]core.Bid, error) {
	rows, err := s.tx.Query(s.ctx, `
		SELECT id, auction_id, bidder_id, amount_cad::text, created_at
		FROM bids WHERE auction_id = $1
		ORDER BY amount_cad DESC, created_at ASC
	`, s.auction.ID)
	if err != nil {
		return nil, err
	}
	return collectBids(rows)
}

func (s *pgScope) InsertBid(bid core.Bid) error {
	_, err := s.tx.Exec(s.ctx, `
		INSERT INTO bids (id, auction_id, bidder_id, amount_cad, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, bid.ID, bid.AuctionID, bid.BidderID, bid.AmountCAD.String(), bid.CreatedAt)
	return err
}

func (p *Postgres) InBidScope(ctx context.Context, auctionID uuid.UUID, fn func(BidScope) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// Serialize all bid scopes for this auction for the rest of the tx.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, auctionID.String()); err != nil {
		return err
	}

	auction, err := scanAuction(tx.QueryRow(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, auctionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fault.NotFound("auction", "auction %s not found", auctionID)
		}
		return err
	}
	listing, err := scanListing(tx.QueryRow(ctx, `
		SELECT id, seller_id, price_cad::text, buy_now_cad::text
		FROM listings WHERE id = $1
	`, auction.ListingID), auction.ListingID)
	if err != nil {
		return err
	}

	if err := fn(&pgScope{ctx: ctx, tx: tx, auction: auction, listing: listing}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (p *Postgres) ExtendAuction(ctx context.Context, auctionID uuid.UUID, newEnd time.Time) error {
	// end_at only moves forward: a racing extension from an earlier placement
	// that commits after a later one must not regress the deadline.
	tag, err := p.pool.Exec(ctx, `
		UPDATE auctions SET end_at = $2
		WHERE id = $1 AND processed_at IS NULL AND end_at < $2
	`, auctionID, newEnd)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var processedAt *time.Time
	err = p.pool.QueryRow(ctx,
		`SELECT processed_at FROM auctions WHERE id = $1`, auctionID).Scan(&processedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fault.NotFound("auction", "auction %s not found", auctionID)
	}
	if err != nil {
		return err
	}
	if processedAt != nil {
		return fault.StateConflict("auction_processed", "auction %s already settled", auctionID)
	}
	// Superseded by a later deadline; nothing to do.
	return nil
}

func (p *Postgres) MarkAuctionProcessed(ctx context.Context, auctionID uuid.UUID, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE auctions SET processed_at = $2
		WHERE id = $1 AND processed_at IS NULL
	`, auctionID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.StateConflict("auction_processed", "auction %s missing or already settled", auctionID)
	}
	return nil
}

func (p *Postgres) UnprocessedEnded(ctx context.Context, now time.Time, auctionID *uuid.UUID) ([]core.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE end_at < $1 AND processed_at IS NULL`
	args := []any{now}
	if auctionID != nil {
		query += ` AND id = $2`
		args = append(args, *auctionID)
	}
	query += ` ORDER BY end_at ASC`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Auction
	for rows.Next() {
		auction, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, auction)
	}
	return out, rows.Err()
}

func collectBids(rows pgx.Rows) ([]core.Bid, error) {
	defer rows.Close()
	var out []core.Bid
	for rows.Next() {
		var bid core.Bid
		var amount string
		if err := rows.Scan(&bid.ID, &bid.AuctionID, &bid.BidderID, &amount, &bid.CreatedAt); err != nil {
			return nil, err
		}
		var err error
		if bid.AmountCAD, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, bid)
	}
	return out, rows.Err()
}

func (p *Postgres) BidsForAuction(ctx context.Context, auctionID uuid.UUID) ([]core.Bid, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, auction_id, bidder_id, amount_cad::text, created_at
		FROM bids WHERE auction_id = $1
		ORDER BY amount_cad DESC, created_at ASC
	`, auctionID)
	if err != nil {
		return nil, err
	}
	return collectBids(rows)
}

func (p *Postgres) CreateDeposit(ctx context.Context, deposit core.Deposit) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO deposits (id, user_id, auction_id, processor_ref, amount_cad, status,
			created_at, authorized_at, captured_at, cancelled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, deposit.ID, deposit.UserID, deposit.AuctionID, deposit.ProcessorRef,
		deposit.AmountCAD.String(), deposit.Status, deposit.CreatedAt,
		deposit.AuthorizedAt, deposit.CapturedAt, deposit.CancelledAt, deposit.UpdatedAt)
	if isUniqueViolation(err) {
		return fault.StateConflict("deposit_exists", "open deposit already exists for user %s on auction %s", deposit.UserID, deposit.AuctionID)
	}
	return err
}

const depositColumns = `id, user_id, auction_id, processor_ref, amount_cad::text, status,
	created_at, authorized_at, captured_at, cancelled_at, updated_at`

func scanDeposit(row pgx.Row) (core.Deposit, error) {
	var deposit core.Deposit
	var amount string
	if err := row.Scan(&deposit.ID, &deposit.UserID, &deposit.AuctionID, &deposit.ProcessorRef,
		&amount, &deposit.Status, &deposit.CreatedAt, &deposit.AuthorizedAt,
		&deposit.CapturedAt, &deposit.CancelledAt, &deposit.UpdatedAt); err != nil {
		return core.Deposit{}, err
	}
	var err error
	deposit.AmountCAD, err = decimal.NewFromString(amount)
	return deposit, err
}

func (p *Postgres) OpenDeposit(ctx context.Context, userID, auctionID uuid.UUID) (core.Deposit, error) {
	deposit, err := scanDeposit(p.pool.QueryRow(ctx, `
		SELECT `+depositColumns+` FROM deposits
		WHERE user_id = $1 AND auction_id = $2 AND status IN ('pending', 'authorized')
	`, userID, auctionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Deposit{}, fault.NotFound("deposit", "no open deposit for user %s on auction %s", userID, auctionID)
	}
	return deposit, err
}

func (p *Postgres) SetDepositProcessorRef(ctx context.Context, id uuid.UUID, ref string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE deposits SET processor_ref = $2 WHERE id = $1`, id, ref)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFound("deposit", "deposit %s not found", id)
	}
	return nil
}

func (p *Postgres) DepositByID(ctx context.Context, id uuid.UUID) (core.Deposit, error) {
	deposit, err := scanDeposit(p.pool.QueryRow(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Deposit{}, fault.NotFound("deposit", "deposit %s not found", id)
	}
	return deposit, err
}

func (p *Postgres) DepositByProcessorRef(ctx context.Context, ref string) (core.Deposit, error) {
	deposit, err := scanDeposit(p.pool.QueryRow(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE processor_ref = $1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Deposit{}, fault.NotFound("deposit", "no deposit with processor reference %s", ref)
	}
	return deposit, err
}

func (p *Postgres) DepositsForAuction(ctx context.Context, auctionID uuid.UUID) ([]core.Deposit, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+depositColumns+` FROM deposits WHERE auction_id = $1 ORDER BY created_at ASC
	`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Deposit
	for rows.Next() {
		deposit, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, deposit)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateDepositStatusIf(ctx context.Context, id uuid.UUID, from, to core.DepositStatus, at time.Time) (bool, error) {
	stampColumn := ""
	switch to {
	case core.DepositAuthorized:
		stampColumn = ", authorized_at = $4"
	case core.DepositCaptured:
		stampColumn = ", captured_at = $4"
	case core.DepositCancelled, core.DepositExpired:
		stampColumn = ", cancelled_at = $4"
	}
	query := `UPDATE deposits SET status = $3, updated_at = $4` + stampColumn + ` WHERE id = $1 AND status = $2`
	tag, err := p.pool.Exec(ctx, query, id, from, to, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) StaleDeposits(ctx context.Context, cutoff time.Time, statuses []core.DepositStatus) ([]core.Deposit, error) {
	states := make([]string, len(statuses))
	for i, s := range statuses {
		states[i] = string(s)
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+depositColumns+` FROM deposits
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
	`, states, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Deposit
	for rows.Next() {
		deposit, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, deposit)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateOrder(ctx context.Context, order core.Order) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO orders (id, listing_id, auction_id, buyer_id, seller_id,
			total_cad, deposit_applied_cad, remaining_balance_cad, status, processor_ref,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, order.ID, order.ListingID, order.AuctionID, order.BuyerID, order.SellerID,
		order.TotalCAD.String(), order.DepositAppliedCAD.String(), order.RemainingBalanceCAD.String(),
		order.Status, order.ProcessorRef, order.CreatedAt, order.UpdatedAt)
	if isUniqueViolation(err) {
		return fault.StateConflict("order_exists", "order already exists for auction %s", order.AuctionID)
	}
	return err
}

const orderColumns = `id, listing_id, auction_id, buyer_id, seller_id,
	total_cad::text, deposit_applied_cad::text, remaining_balance_cad::text, status, processor_ref,
	created_at, updated_at`

func scanOrder(row pgx.Row) (core.Order, error) {
	var order core.Order
	var total, applied, remaining string
	if err := row.Scan(&order.ID, &order.ListingID, &order.AuctionID, &order.BuyerID, &order.SellerID,
		&total, &applied, &remaining, &order.Status, &order.ProcessorRef,
		&order.CreatedAt, &order.UpdatedAt); err != nil {
		return core.Order{}, err
	}
	var err error
	if order.TotalCAD, err = decimal.NewFromString(total); err != nil {
		return core.Order{}, err
	}
	if order.DepositAppliedCAD, err = decimal.NewFromString(applied); err != nil {
		return core.Order{}, err
	}
	order.RemainingBalanceCAD, err = decimal.NewFromString(remaining)
	return order, err
}

func (p *Postgres) OrderByAuction(ctx context.Context, auctionID uuid.UUID) (core.Order, error) {
	order, err := scanOrder(p.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE auction_id = $1`, auctionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Order{}, fault.NotFound("order", "no order for auction %s", auctionID)
	}
	return order, err
}

func (p *Postgres) OrderByProcessorRef(ctx context.Context, ref string) (core.Order, error) {
	order, err := scanOrder(p.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE processor_ref = $1 AND processor_ref <> ''`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Order{}, fault.NotFound("order", "no order with processor reference %s", ref)
	}
	return order, err
}

func (p *Postgres) UpdateOrderStatusIf(ctx context.Context, id uuid.UUID, from, to core.OrderStatus, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2
	`, id, from, to, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) MarkEventProcessed(ctx context.Context, record core.WebhookEventRecord) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO processed_webhook_events (event_id, event_type, outcome, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`, record.EventID, record.Type, record.Outcome, record.ProcessedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) AppendAudit(ctx context.Context, entry core.AuditEntry) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO audit_entries (id, reason, reference, note, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, entry.Reason, entry.Reference, entry.Note, entry.CreatedAt)
	return err
}

func (p *Postgres) SettingsValues(ctx context.Context) (map[string]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT key, value FROM settings_kv`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (p *Postgres) SetSettingsValue(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO settings_kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
