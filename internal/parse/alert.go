package parse

import (
	"regexp"
	"strings"
	"time"

	"rsassistant/internal/models"
)

var (
	reAlertURL     = regexp.MustCompile(`https?://\S+`)
	reExchangeTick = regexp.MustCompile(`\((?:NASDAQ|NYSE|OTC|AMEX):\s*([A-Z]{1,6})\)`)
	reInlineTicker = regexp.MustCompile(`\b([A-Z]{2,6})\b`)
)

// Phrases that mark a feed message as announcing a reverse split.
var splitKeywords = []string{
	"reverse stock split",
	"reverse split",
	"1-for-",
	"effective date of reverse stock split",
	"authority to implement a reverse stock split",
}

// Common uppercase words that are not tickers, for the inline fallback.
var tickerStopwords = map[string]bool{
	"NASDAQ": true, "NYSE": true, "OTC": true, "AMEX": true,
	"SEC": true, "CEO": true, "CFO": true, "FDA": true,
	"USD": true, "EST": true, "EDT": true, "ET": true, "LLC": true, "INC": true,
}

// ParseAlert extracts ticker, source URL and split confirmation from a
// raw feed message. The second return value is false when the message
// does not announce a reverse split or no ticker could be found.
func ParseAlert(raw string, receivedAt time.Time) (models.Alert, bool) {
	alert := models.Alert{RawMessage: raw, ReceivedAt: receivedAt}

	lower := strings.ToLower(raw)
	for _, kw := range splitKeywords {
		if strings.Contains(lower, kw) {
			alert.Confirmed = true
			break
		}
	}
	if !alert.Confirmed {
		return alert, false
	}

	if m := reAlertURL.FindString(raw); m != "" {
		alert.URL = strings.TrimRight(m, ".,;)")
	}

	if m := reExchangeTick.FindStringSubmatch(raw); m != nil {
		alert.Ticker = m[1]
	} else {
		for _, m := range reInlineTicker.FindAllStringSubmatch(raw, -1) {
			if !tickerStopwords[m[1]] {
				alert.Ticker = m[1]
				break
			}
		}
	}
	if alert.Ticker == "" {
		return alert, false
	}

	return alert, true
}
