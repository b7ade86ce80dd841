package money

import "fmt"

// TaxSplit is the decomposition of a tax-inclusive gross amount.
// Gross = Tax + Net always holds: the tax component is rounded half-up
// and any rounding residue lands in Net.
type TaxSplit struct {
	Gross           Money `json:"gross"`
	Tax             Money `json:"tax"`
	Net             Money `json:"net"`
	RateBasisPoints int64 `json:"rate_basis_points"`
}

// SplitInclusiveTax extracts the tax and net components from a gross amount
// that already includes tax at the given rate (basis points, e.g. 1200 = 12%).
// tax = round(gross * r / (1 + r)), net = gross - tax.
func SplitInclusiveTax(gross Money, rateBasisPoints int64) (TaxSplit, error) {
	if gross.IsNegative() {
		return TaxSplit{}, fmt.Errorf("gross amount must not be negative: %d", gross.AmountMinor)
	}
	if rateBasisPoints < 0 {
		return TaxSplit{}, fmt.Errorf("tax rate must not be negative: %d bp", rateBasisPoints)
	}

	taxMinor := roundHalfUpDiv(gross.AmountMinor*rateBasisPoints, 10000+rateBasisPoints)

	return TaxSplit{
		Gross:           gross,
		Tax:             New(taxMinor, gross.Currency),
		Net:             New(gross.AmountMinor-taxMinor, gross.Currency),
		RateBasisPoints: rateBasisPoints,
	}, nil
}

// Equal reports whether two splits agree on every component.
func (s TaxSplit) Equal(other TaxSplit) bool {
	return s.Gross.Equal(other.Gross) &&
		s.Tax.Equal(other.Tax) &&
		s.Net.Equal(other.Net) &&
		s.RateBasisPoints == other.RateBasisPoints
}

// roundHalfUpDiv computes round(num/den) with ties away from zero.
// Inputs are non-negative by construction.
func roundHalfUpDiv(num, den int64) int64 {
	if den == 0 {
		return 0
	}
	return (num + den/2) / den
}
