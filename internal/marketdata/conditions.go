package marketdata

// excludedConditions lists the trade condition codes treated as non-regular
// prints. Trades carrying any of these never reach a listener: they are late
// or out-of-sequence reports, corrections, and prints whose price is not a
// regular-way market price, so they would poison both the last-price cache
// and any sensitivity estimate derived from it.
var excludedConditions = map[int]struct{}{
	2:  {}, // average price trade
	4:  {}, // cash sale
	7:  {}, // bunched sold (late report)
	10: {}, // price variation trade
	13: {}, // sold out of sequence
	15: {}, // official open
	16: {}, // official close
	20: {}, // next day settlement
	21: {}, // prior reference price
	22: {}, // seller's option
	29: {}, // sold last (late report)
	33: {}, // corrected consolidated close
	37: {}, // odd lot trade
	38: {}, // derivatively priced
	52: {}, // contingent trade
	53: {}, // qualified contingent trade
	55: {}, // market center official open
	56: {}, // market center official close
}

// Excluded reports whether the trade's condition set intersects the
// non-regular exclusion list.
func (t Trade) Excluded() bool {
	for _, c := range t.Conditions {
		if _, skip := excludedConditions[c]; skip {
			return true
		}
	}
	return false
}
