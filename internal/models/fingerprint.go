package models

import (
	"net/url"
	"strings"
	"time"
)

// Fingerprint derives the stable dedupe identity for a reverse-split
// opportunity. Preference order: ticker plus the normalized source URL,
// then ticker plus effective date, then ticker plus announce date. The
// same alert replayed through intake always lands on the same key.
func Fingerprint(ticker, sourceURL string, effectiveDate *time.Time, announcedAt time.Time) string {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))

	if ref := normalizeSourceURL(sourceURL); ref != "" {
		return ticker + "|" + ref
	}
	if effectiveDate != nil {
		return ticker + "|" + effectiveDate.Format("2006-01-02")
	}
	return ticker + "|" + announcedAt.Format("2006-01-02")
}

// normalizeSourceURL reduces a source URL to host+path, lowercased,
// with query strings and tracking fragments stripped. Feeds repeat the
// same article with varying utm parameters.
func normalizeSourceURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	path := strings.TrimSuffix(strings.ToLower(u.Path), "/")
	return host + path
}
