package matcher

import "math"

// basePrice implements spec §4.3.2: ceil(total_km * ratePerKM), floored at
// one unit of ratePerKM.
func basePrice(totalKM, ratePerKM float64) float64 {
	p := math.Ceil(totalKM * ratePerKM)
	if p < ratePerKM {
		return ratePerKM
	}
	return p
}

// pooledPrice implements the pooling multiplier: applied once per join
// event, anchored on the peer's previous group price (spec §4.3.2, the
// peer-anchored resolution of the pricing Open Question). 70% of the price
// is discounted away by default (POOL_DISCOUNT_FACTOR=0.30 kept).
func pooledPrice(peerPreviousPrice, discountFactor float64) float64 {
	return math.Ceil(peerPreviousPrice * discountFactor)
}
