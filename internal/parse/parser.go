// Package parse turns free-text confirmation and holdings messages from
// the execution agent into typed events. The upstream format is neither
// versioned nor guaranteed; a message matching no known shape yields
// no-match, never an error.
package parse

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"rsassistant/internal/models"
)

// Parser matches raw agent messages against the broker template
// registry in fixed priority order.
type Parser struct {
	logger zerolog.Logger
}

// NewParser creates a message parser.
func NewParser(logger zerolog.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse attempts to interpret a raw message. The second return value is
// false when no template matched or a numeric field failed to
// normalize; partial events are never returned.
func (p *Parser) Parse(raw string) (models.Event, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}

	// Structured shapes before loose text.
	if snap, ok := p.parseHoldings(raw); ok {
		return snap, true
	}

	first := firstLine(raw)
	if ev, ok := p.parseOrder(first); ok {
		return ev, true
	}

	p.logger.Debug().Str("message", truncate(raw, 120)).Msg("no template matched message")
	return nil, false
}

func (p *Parser) parseOrder(line string) (models.Event, bool) {
	if m := reFillSummary.FindStringSubmatch(line); m != nil {
		qty, qerr := parseDecimal(m[2])
		price, perr := parseDecimal(m[4])
		if qerr != nil || perr != nil {
			p.logger.Warn().Str("message", line).Msg("order message matched but numeric field failed to parse")
			return nil, false
		}
		return models.OrderConfirmation{
			Broker:   m[5],
			Account:  m[6],
			Ticker:   strings.ToUpper(m[3]),
			Side:     sideFromVerb(m[1]),
			Quantity: qty,
			Price:    price,
			Success:  true,
		}, true
	}

	if m := reFidelity.FindStringSubmatch(line); m != nil {
		qty, err := parseDecimal(m[4])
		if err != nil {
			p.logger.Warn().Str("message", line).Msg("order message matched but quantity failed to parse")
			return nil, false
		}
		return models.OrderConfirmation{
			Broker:   normalizeBroker(m[1]),
			Account:  m[2],
			Ticker:   strings.ToUpper(m[5]),
			Side:     sideFromVerb(m[3]),
			Quantity: qty,
			Success:  true,
		}, true
	}

	if m := reSlotted.FindStringSubmatch(line); m != nil {
		qty, err := parseDecimal(m[3])
		if err != nil {
			p.logger.Warn().Str("message", line).Msg("order message matched but quantity failed to parse")
			return nil, false
		}
		return models.OrderConfirmation{
			Broker:   normalizeBroker(m[1]),
			Account:  m[5],
			Ticker:   strings.ToUpper(m[4]),
			Side:     sideFromVerb(m[2]),
			Quantity: qty,
			Success:  strings.EqualFold(m[6], "Success"),
		}, true
	}

	if m := reVerbose.FindStringSubmatch(line); m != nil {
		qty, err := parseDecimal(m[4])
		if err != nil {
			p.logger.Warn().Str("message", line).Msg("order message matched but quantity failed to parse")
			return nil, false
		}
		// These brokers report the group number, not the account; the
		// account stays opaque until a verification message arrives.
		return models.OrderConfirmation{
			Broker:   normalizeBroker(m[1]),
			Account:  m[2],
			Ticker:   strings.ToUpper(m[5]),
			Side:     sideFromVerb(m[3]),
			Quantity: qty,
			Success:  true,
		}, true
	}

	return nil, false
}

// parseHoldings matches the multi-line holdings block: a header naming
// broker and account, then one "TICKER: qty @ $price" line per
// position. Any malformed position line downgrades the whole snapshot.
func (p *Parser) parseHoldings(raw string) (models.Event, bool) {
	lines := strings.Split(raw, "\n")
	header := reHoldingsHeader.FindStringSubmatch(strings.TrimSpace(lines[0]))
	if header == nil {
		return nil, false
	}

	snap := models.HoldingsSnapshot{
		Broker:  normalizeBroker(header[1]),
		Account: header[2],
	}
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := reHoldingsLine.FindStringSubmatch(line)
		if m == nil {
			p.logger.Warn().Str("line", line).Msg("holdings block contained unparseable position line")
			return nil, false
		}
		qty, err := parseDecimal(m[2])
		if err != nil {
			p.logger.Warn().Str("line", line).Msg("holdings position quantity failed to parse")
			return nil, false
		}
		pos := models.Position{Ticker: strings.ToUpper(m[1]), Quantity: qty}
		if m[3] != "" {
			price, err := parseDecimal(m[3])
			if err != nil {
				p.logger.Warn().Str("line", line).Msg("holdings position price failed to parse")
				return nil, false
			}
			pos.Price = price
		}
		snap.Positions = append(snap.Positions, pos)
	}

	if len(snap.Positions) == 0 {
		return nil, false
	}
	return snap, true
}

// parseDecimal normalizes currency text ("$1,234.50") to a float.
func parseDecimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	return strconv.ParseFloat(s, 64)
}

func sideFromVerb(verb string) models.ActionKind {
	switch strings.ToLower(verb) {
	case "sell", "sold", "selling":
		return models.ActionSell
	default:
		return models.ActionBuy
	}
}

// normalizeBroker canonicalizes broker casing ("WELLSFARGO" and
// "WellsFargo" are the same registry entry).
func normalizeBroker(name string) string {
	upper := strings.ToUpper(name)
	if upper == "WELLSFARGO" || upper == "BBAE" || upper == "DSPAC" {
		return upper
	}
	lower := strings.ToLower(name)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
