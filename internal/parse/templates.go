package parse

import (
	"regexp"
)

// Order confirmation shapes. Group order varies per broker; the
// matcher for each shape knows its own layout. These mirror the
// confirmation formats the execution agent actually emits, which are
// not versioned, so new brokers get a new entry here and nothing else
// changes.
var (
	// "Bought 1 ACME @ $4.50 (Fidelity, acct 1234)"
	reFillSummary = regexp.MustCompile(`(?i)^(Bought|Sold)\s+([\d,.]+)\s+([A-Z]{1,6})\s+@\s+\$?([\d,.]+)\s+\((\w+),\s*acct\s+(\w+)\)`)

	// "Fidelity 1 account xxxx1234: buy 1.0 shares of ACME"
	reFidelity = regexp.MustCompile(`(?i)^(Fidelity|WELLSFARGO)\s+\d+\s+(?:account\s+)?(?:xxxxx?|\*{3})?(\w{4}):?\s+(buy|sell)\s+([\d,.]+)\s+shares\s+of\s+([A-Z]+)`)

	// "Robinhood 1: buy 1.0 of ACME in xxxx1234: Success"
	reSlotted = regexp.MustCompile(`(?i)^(Robinhood|Webull|BBAE|DSPAC|Fennel)\s+\d+:\s+(buy|sell)\s+([\d,.]+)\s+of\s+([A-Z]+)\s+in\s+(?:Account\s+|xxxxx?)?(\w+):\s+(Success|Failed)`)

	// "Schwab 1 buying 1.0 ACME @ market"
	reVerbose = regexp.MustCompile(`(?i)^(Schwab|Vanguard|Chase|Public)\s+(\d+)\s+(buying|selling)\s+([\d,.]+)\s+([A-Z]+)\s+@\s+(?:market|limit)`)
)

// Holdings shapes.
var (
	// "Fidelity 1234 holdings:" header followed by "TICKER: qty @ $price" lines
	reHoldingsHeader = regexp.MustCompile(`(?i)^(\w+)\s+(\w+)\s+holdings:\s*$`)
	reHoldingsLine   = regexp.MustCompile(`(?i)^([A-Z]{1,6}):\s+([\d,.]+)(?:\s+@\s+\$?([\d,.]+))?\s*$`)
)
