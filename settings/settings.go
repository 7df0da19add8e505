// Package settings reads auction and deposit configuration from the external
// settings collaborator, a flat key→value map, and exposes it as a typed
// immutable snapshot per operation. Every field has an explicit default; no
// value is probed at point of use.
package settings

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lotline-io/openlot/core"
)

// KV is the external settings store contract.
type KV interface {
	// Values returns the full settings map.
	Values(ctx context.Context) (map[string]string, error)
	// Set writes a single key.
	Set(ctx context.Context, key, value string) error
}

// Settings keys. Unknown keys in the store are ignored.
const (
	KeySoftCloseSeconds   = "auction.soft_close_seconds"
	KeyMinIncrementMode   = "auction.min_increment_strategy"
	KeyMinIncrementValue  = "auction.min_increment_value"
	KeyDepositRequired    = "deposit.required"
	KeyDepositStrategy    = "deposit.strategy"
	KeyDepositPercent     = "deposit.percent"
	KeyDepositFlatAmount  = "deposit.flat_amount"
	KeyDepositMinimum     = "deposit.minimum_cad"
	KeyWebhookTolerance   = "payments.webhook_tolerance_seconds"
	KeyDepositStaleAfter  = "payments.deposit_stale_after_seconds"
	KeyDepositExpiryAfter = "payments.deposit_expiry_seconds"
)

// Snapshot is a read-only view of the configuration taken at the start of an
// operation. It is never cached across a bid decision: callers take a fresh
// snapshot per operation.
type Snapshot struct {
	SoftCloseSeconds     int
	MinIncrementStrategy core.MinIncrementStrategy
	MinIncrementValue    decimal.Decimal
	DepositRequired      bool
	DepositStrategy      core.DepositStrategy
	DepositPercent       decimal.Decimal
	DepositFlatAmount    decimal.Decimal
	DepositMinimumCAD    decimal.Decimal
	WebhookTolerance     time.Duration
	DepositStaleAfter    time.Duration
	DepositExpiryAfter   time.Duration
}

// Defaults is the snapshot used when the store has no overrides.
func Defaults() Snapshot {
	return Snapshot{
		SoftCloseSeconds:     120,
		MinIncrementStrategy: core.MinIncrementFixed,
		MinIncrementValue:    decimal.NewFromInt(25),
		DepositRequired:      true,
		DepositStrategy:      core.DepositStrategyPercent,
		DepositPercent:       decimal.RequireFromString("0.10"),
		DepositFlatAmount:    decimal.NewFromInt(100),
		DepositMinimumCAD:    decimal.NewFromInt(50),
		WebhookTolerance:     5 * time.Minute,
		DepositStaleAfter:    time.Hour,
		DepositExpiryAfter:   7 * 24 * time.Hour,
	}
}

// Rules converts the snapshot to the pure-core rule inputs.
func (s Snapshot) Rules() core.Rules {
	return core.Rules{
		SoftCloseSeconds:     s.SoftCloseSeconds,
		MinIncrementStrategy: s.MinIncrementStrategy,
		MinIncrementValue:    s.MinIncrementValue,
	}
}

// DepositTerms converts the snapshot to deposit derivation inputs.
func (s Snapshot) DepositTerms() core.DepositTerms {
	return core.DepositTerms{
		Strategy:   s.DepositStrategy,
		Percent:    s.DepositPercent,
		FlatAmount: s.DepositFlatAmount,
		MinimumCAD: s.DepositMinimumCAD,
	}
}

// Provider builds snapshots from the settings store through an explicit
// read-through cache (no ambient globals; constructed once and passed by
// reference to the components that need it).
type Provider struct {
	cache *Cache
}

func NewProvider(cache *Cache) *Provider {
	return &Provider{cache: cache}
}

// Snapshot reads the current configuration. Malformed values fall back to
// their defaults rather than failing the operation.
func (p *Provider) Snapshot(ctx context.Context) (Snapshot, error) {
	values, err := p.cache.Values(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return fromValues(values), nil
}

// Set writes one settings key through the cache.
func (p *Provider) Set(ctx context.Context, key, value string) error {
	return p.cache.Set(ctx, key, value)
}

func fromValues(values map[string]string) Snapshot {
	snap := Defaults()

	if v, ok := parseInt(values[KeySoftCloseSeconds]); ok && v >= 0 {
		snap.SoftCloseSeconds = v
	}
	switch values[KeyMinIncrementMode] {
	case string(core.MinIncrementFixed):
		snap.MinIncrementStrategy = core.MinIncrementFixed
	case string(core.MinIncrementPercent):
		snap.MinIncrementStrategy = core.MinIncrementPercent
	}
	if v, ok := parseDecimal(values[KeyMinIncrementValue]); ok && v.IsPositive() {
		snap.MinIncrementValue = v
	}
	if v, ok := parseBool(values[KeyDepositRequired]); ok {
		snap.DepositRequired = v
	}
	switch values[KeyDepositStrategy] {
	case string(core.DepositStrategyPercent):
		snap.DepositStrategy = core.DepositStrategyPercent
	case string(core.DepositStrategyFlat):
		snap.DepositStrategy = core.DepositStrategyFlat
	}
	if v, ok := parseDecimal(values[KeyDepositPercent]); ok && v.IsPositive() {
		snap.DepositPercent = v
	}
	if v, ok := parseDecimal(values[KeyDepositFlatAmount]); ok && v.IsPositive() {
		snap.DepositFlatAmount = v
	}
	if v, ok := parseDecimal(values[KeyDepositMinimum]); ok && !v.IsNegative() {
		snap.DepositMinimumCAD = v
	}
	if v, ok := parseInt(values[KeyWebhookTolerance]); ok && v > 0 {
		snap.WebhookTolerance = time.Duration(v) * time.Second
	}
	if v, ok := parseInt(values[KeyDepositStaleAfter]); ok && v > 0 {
		snap.DepositStaleAfter = time.Duration(v) * time.Second
	}
	if v, ok := parseInt(values[KeyDepositExpiryAfter]); ok && v > 0 {
		snap.DepositExpiryAfter = time.Duration(v) * time.Second
	}
	return snap
}

func parseInt(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	return v, err == nil
}

func parseBool(raw string) (bool, bool) {
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	return v, err == nil
}

func parseDecimal(raw string) (decimal.Decimal, bool) {
	if raw == "" {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(raw)
	return v, err == nil
}
