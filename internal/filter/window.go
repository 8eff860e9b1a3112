package filter

import "time"

// InCryptoLowLiquidityWindow reports whether t (interpreted in UTC)
// falls within a configured low-liquidity window, e.g. 02:00-06:00 UTC.
// startHour/endHour wrap past midnight when start > end.
func InCryptoLowLiquidityWindow(t time.Time, startHour, endHour int) bool {
	h := t.UTC().Hour()
	if startHour == endHour {
		return false
	}
	if startHour < endHour {
		return h >= startHour && h < endHour
	}
	return h >= startHour || h < endHour
}

// InEquityAvoidWindow reports whether t falls within the first
// avoidFirstMinutes after open or the last avoidLastMinutes before
// close, in the session's local time.
func InEquityAvoidWindow(t, open, close time.Time, avoidFirstMinutes, avoidLastMinutes int) bool {
	if avoidFirstMinutes > 0 && !t.Before(open) && t.Before(open.Add(time.Duration(avoidFirstMinutes)*time.Minute)) {
		return true
	}
	if avoidLastMinutes > 0 && !t.After(close) && t.After(close.Add(-time.Duration(avoidLastMinutes)*time.Minute)) {
		return true
	}
	return false
}
