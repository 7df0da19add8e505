package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lotline-io/openlot/core"
	"github.com/lotline-io/openlot/fault"
)

// Memory is the in-process Store used by tests and dev mode. Bid scopes are
// serialized with a per-auction mutex, giving the same per-auction ordering
// contract as the Postgres advisory lock.
type Memory struct {
	mu             sync.RWMutex
	listings       map[uuid.UUID]core.Listing
	auctions       map[uuid.UUID]core.Auction
	bids           map[uuid.UUID][]core.Bid
	deposits       map[uuid.UUID]core.Deposit
	orders         map[uuid.UUID]core.Order
	orderByAuction map[uuid.UUID]uuid.UUID
	events         map[string]core.WebhookEventRecord
	audit          []core.AuditEntry
	settings       map[string]string

	scopeMu sync.Mutex
	scopes  map[uuid.UUID]*sync.Mutex
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		listings:       make(map[uuid.UUID]core.Listing),
		auctions:       make(map[uuid.UUID]core.Auction),
		bids:           make(map[uuid.UUID][]core.Bid),
		deposits:       make(map[uuid.UUID]core.Deposit),
		orders:         make(map[uuid.UUID]core.Order),
		orderByAuction: make(map[uuid.UUID]uuid.UUID),
		events:         make(map[string]core.WebhookEventRecord),
		settings:       make(map[string]string),
		scopes:         make(map[uuid.UUID]*sync.Mutex),
	}
}

func (m *Memory) CreateListing(_ context.Context, listing core.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[listing.ID] = listing
	return nil
}

func (m *Memory) GetListing(_ context.Context, id uuid.UUID) (core.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	listing, ok := m.listings[id]
	if !ok {
		return core.Listing{}, fault.NotFound("listing", "listing %s not found", id)
	}
	return listing, nil
}

func (m *Memory) CreateAuction(_ context.Context, auction core.Auction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auctions[auction.ID] = auction
	return nil
}

func (m *Memory) GetAuction(_ context.Context, id uuid.UUID) (core.Auction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	auction, ok := m.auctions[id]
	if !ok {
		return core.Auction{}, fault.NotFound("auction", "auction %s not found", id)
	}
	return auction, nil
}

// memScope implements BidScope. Inserts stage into pending and commit only
// after fn returns nil, mirroring the Postgres transaction.
type memScope struct {
	store   *Memory
	auction core.Auction
	listing core.Listing
	pending []core.Bid
}

func (s *memScope) Auction() core.Auction { return s.auction }
func (s *memScope) Listing() core.Listing { return s.listing }

func (s *memScope) Bids() ([]core.Bid, error) {
	s.store.mu.RLock()
	committed := append([]core.Bid(nil), s.store.bids[s.auction.ID]...)
	s.store.mu.RUnlock()
	return append(committed, s.pending...), nil
}

func (s *memScope) InsertBid(bid core.Bid) error {
	s.pending = append(s.pending, bid)
	return nil
}

func (m *Memory) InBidScope(ctx context.Context, auctionID uuid.UUID, fn func(BidScope) error) error {
	lock := m.scopeLock(auctionID)
	lock.Lock()
	defer lock.Unlock()

	auction, err := m.GetAuction(ctx, auctionID)
	if err != nil {
		return err
	}
	listing, err := m.GetListing(ctx, auction.ListingID)
	if err != nil {
		return err
	}

	scope := &memScope{store: m, auction: auction, listing: listing}
	if err := fn(scope); err != nil {
		return err
	}

	m.mu.Lock()
	m.bids[auctionID] = append(m.bids[auctionID], scope.pending...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) scopeLock(auctionID uuid.UUID) *sync.Mutex {
	m.scopeMu.Lock()
	defer m.scopeMu.Unlock()
	lock, ok := m.scopes[auctionID]
	if !ok {
		lock = &sync.Mutex{}
		m.scopes[auctionID] = lock
	}
	return lock
}

func (m *Memory) ExtendAuction(_ context.Context, auctionID uuid.UUID, newEnd time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	auction, ok := m.auctions[auctionID]
	if !ok {
		return fault.NotFound("auction", "auction %s not found", auctionID)
	}
	if auction.Processed() {
		return fault.StateConflict("auction_processed", "auction %s already settled", auctionID)
	}
	// Extensions only move the deadline forward. A racing extension from an
	// earlier placement that lands after a later one must not regress end_at.
	if !auction.EndAt.Before(newEnd) {
		return nil
	}
	auction.EndAt = newEnd
	m.auctions[auctionID] = auction
	return nil
}

func (m *Memory) MarkAuctionProcessed(_ context.Context, auctionID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	auction, ok := m.auctions[auctionID]
	if !ok {
		return fault.NotFound("auction", "auction %s not found", auctionID)
	}
	if auction.Processed() {
		return fault.StateConflict("auction_processed", "auction %s already settled", auctionID)
	}
	auction.ProcessedAt = &at
	m.auctions[auctionID] = auction
	return nil
}

func (m *Memory) UnprocessedEnded(_ context.Context, now time.Time, auctionID *uuid.UUID) ([]core.Auction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Auction
	for _, auction := range m.auctions {
		if auctionID != nil && auction.ID != *auctionID {
			continue
		}
		if auction.Processed() || !auction.EndAt.Before(now) {
			continue
		}
		out = append(out, auction)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndAt.Before(out[j].EndAt) })
	return out, nil
}

func (m *Memory) BidsForAuction(_ context.Context, auctionID uuid.UUID) ([]core.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.Bid(nil), m.bids[auctionID]...), nil
}

func (m *Memory) CreateDeposit(_ context.Context, deposit core.Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if deposit.Status.Open() {
		for _, existing := range m.deposits {
			if existing.UserID == deposit.UserID && existing.AuctionID == deposit.AuctionID && existing.Status.Open() {
				return fault.StateConflict("deposit_exists", "open deposit already exists for user %s on auction %s", deposit.UserID, deposit.AuctionID)
			}
		}
	}
	m.deposits[deposit.ID] = deposit
	return nil
}

func (m *Memory) OpenDeposit(_ context.Context, userID, auctionID uuid.UUID) (core.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, deposit := range m.deposits {
		if deposit.UserID == userID && deposit.AuctionID == auctionID && deposit.Status.Open() {
			return deposit, nil
		}
	}
	return core.Deposit{}, fault.NotFound("deposit", "no open deposit for user %s on auction %s", userID, auctionID)
}

func (m *Memory) SetDepositProcessorRef(_ context.Context, id uuid.UUID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	deposit, ok := m.deposits[id]
	if !ok {
		return fault.NotFound("deposit", "deposit %s not found", id)
	}
	deposit.ProcessorRef = ref
	m.deposits[id] = deposit
	return nil
}

func (m *Memory) DepositByID(_ context.Context, id uuid.UUID) (core.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	deposit, ok := m.deposits[id]
	if !ok {
		return core.Deposit{}, fault.NotFound("deposit", "deposit %s not found", id)
	}
	return deposit, nil
}

func (m *Memory) DepositByProcessorRef(_ context.Context, ref string) (core.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, deposit := range m.deposits {
		if deposit.ProcessorRef == ref {
			return deposit, nil
		}
	}
	return core.Deposit{}, fault.NotFound("deposit", "no deposit with processor reference %s", ref)
}

func (m *Memory) DepositsForAuction(_ context.Context, auctionID uuid.UUID) ([]core.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Deposit
	for _, deposit := range m.deposits {
		if deposit.AuctionID == auctionID {
			out = append(out, deposit)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateDepositStatusIf(_ context.Context, id uuid.UUID, from, to core.DepositStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deposit, ok := m.deposits[id]
	if !ok {
		return false, fault.NotFound("deposit", "deposit %s not found", id)
	}
	if deposit.Status != from {
		return false, nil
	}
	deposit.Status = to
	deposit.UpdatedAt = at
	switch to {
	case core.DepositAuthorized:
		deposit.AuthorizedAt = &at
	case core.DepositCaptured:
		deposit.CapturedAt = &at
	case core.DepositCancelled, core.DepositExpired:
		deposit.CancelledAt = &at
	}
	m.deposits[id] = deposit
	return true, nil
}

func (m *Memory) StaleDeposits(_ context.Context, cutoff time.Time, statuses []core.DepositStatus) ([]core.Deposit, error) {
	wanted := make(map[core.DepositStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Deposit
	for _, deposit := range m.deposits {
		if wanted[deposit.Status] && deposit.UpdatedAt.Before(cutoff) {
			out = append(out, deposit)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) CreateOrder(_ context.Context, order core.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orderByAuction[order.AuctionID]; exists {
		return fault.StateConflict("order_exists", "order already exists for auction %s", order.AuctionID)
	}
	m.orders[order.ID] = order
	m.orderByAuction[order.AuctionID] = order.ID
	return nil
}

func (m *Memory) OrderByAuction(_ context.Context, auctionID uuid.UUID) (core.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.orderByAuction[auctionID]
	if !ok {
		return core.Order{}, fault.NotFound("order", "no order for auction %s", auctionID)
	}
	return m.orders[id], nil
}

func (m *Memory) OrderByProcessorRef(_ context.Context, ref string) (core.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, order := range m.orders {
		if order.ProcessorRef != "" && order.ProcessorRef == ref {
			return order, nil
		}
	}
	return core.Order{}, fault.NotFound("order", "no order with processor reference %s", ref)
}

func (m *Memory) UpdateOrderStatusIf(_ context.Context, id uuid.UUID, from, to core.OrderStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return false, fault.NotFound("order", "order %s not found", id)
	}
	if order.Status != from {
		return false, nil
	}
	order.Status = to
	order.UpdatedAt = at
	m.orders[id] = order
	return true, nil
}

func (m *Memory) MarkEventProcessed(_ context.Context, record core.WebhookEventRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.events[record.EventID]; seen {
		return false, nil
	}
	m.events[record.EventID] = record
	return true, nil
}

func (m *Memory) AppendAudit(_ context.Context, entry core.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

// AuditEntries returns a copy of the audit log, newest last. Test helper.
func (m *Memory) AuditEntries() []core.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.AuditEntry(nil), m.audit...)
}

func (m *Memory) SettingsValues(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SetSettingsValue(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}
