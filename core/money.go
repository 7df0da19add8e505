package core

import (
	"github.com/shopspring/decimal"
)

const centsPrecision int32 = 2 // CAD amounts carry cent precision throughout

// RoundCents rounds a CAD amount to cents. shopspring's Round is
// round-half-away-from-zero, which for positive money is the standard
// round-half-up the bid increment contract documents ($0.005 -> $0.01).
func RoundCents(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(centsPrecision)
}

// DepositTerms are the configuration inputs for deposit amount derivation.
type DepositTerms struct {
	Strategy   DepositStrategy
	Percent    decimal.Decimal // fraction, e.g. 0.10 for 10%
	FlatAmount decimal.Decimal
	MinimumCAD decimal.Decimal
}

// DepositBase returns the price the deposit is derived from: the buy-now
// price when the listing has one, otherwise the listing price.
func DepositBase(listing Listing) decimal.Decimal {
	if listing.BuyNowCAD != nil && listing.BuyNowCAD.IsPositive() {
		return *listing.BuyNowCAD
	}
	return listing.PriceCAD
}

// DepositAmount derives the hold amount for a listing under the given terms,
// rounded to cents and floored at the configured minimum.
func DepositAmount(listing Listing, terms DepositTerms) decimal.Decimal {
	var amount decimal.Decimal
	switch terms.Strategy {
	case DepositStrategyFlat:
		amount = terms.FlatAmount
	default:
		amount = DepositBase(listing).Mul(terms.Percent)
	}
	amount = RoundCents(amount)
	if amount.LessThan(terms.MinimumCAD) {
		return terms.MinimumCAD
	}
	return amount
}
