// Package policy derives split ratio, effective date and
// fractional-share disposition from reverse-split source documents.
package policy

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"rsassistant/internal/models"
)

// Resolution is the outcome of a policy resolution attempt. Ratio and
// EffectiveDate stay nil when the document does not state them; the
// caller decides whether to stall, retry or escalate.
type Resolution struct {
	Ratio         *models.Ratio
	EffectiveDate *time.Time
	Policy        models.Policy
	Confidence    models.PolicyConfidence
}

// Backend resolves policy from a source document. The programmatic
// Resolver and the optional LLM fallback share this contract so the
// case manager stays oblivious to which backend produced the answer.
type Backend interface {
	Resolve(ctx context.Context, ticker, doc string) (Resolution, error)
}

// Resolver is the programmatic pattern-matching backend. It holds no
// state and performs no I/O; the document must already be fetched.
type Resolver struct{}

// NewResolver creates the programmatic resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Ratio phrase shapes, tried in order. "1-for-20" and "1:20" dominate
// real filings; spelled-out small numbers show up in press releases.
var (
	reRatioDashFor = regexp.MustCompile(`(?i)\b(\d{1,4})[-\s]for[-\s](\d{1,4})\b`)
	reRatioColon   = regexp.MustCompile(`\b(\d{1,4})\s*:\s*(\d{1,4})\b`)
	reRatioSpelled = regexp.MustCompile(`(?i)\b(one|two|three|four|five|six|seven|eight|nine|ten)[-\s]for[-\s](one|two|three|four|five|six|seven|eight|nine|ten|fifteen|twenty|twenty[-\s]five|thirty|forty|fifty|one hundred)\b`)
)

var spelledNumbers = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"fifteen": 15, "twenty": 20, "twenty-five": 25, "twenty five": 25,
	"thirty": 30, "forty": 40, "fifty": 50, "one hundred": 100,
}

// Disposition keyword sets, from NASDAQ notices and SEC filings.
var (
	roundUpPhrases = []string{
		"rounded up to the nearest whole share",
		"rounded up to the next whole share",
		"round up",
		"rounded up",
	}
	cashInLieuPhrases = []string{
		"cash in lieu",
		"paid in cash",
		"cash payment in lieu of fractional",
		"fractional shares will not be issued",
	}
)

// Effective date phrasing: "effective January 2, 2026",
// "effective as of 01/02/2026", "will become effective on ...".
var (
	reEffectiveLong  = regexp.MustCompile(`(?i)effective(?:\s+(?:as\s+of|on|at\s+the\s+open(?:ing)?\s+of\s+(?:trading|the\s+market)\s+on))?\s+([A-Z][a-z]+ \d{1,2}, \d{4})`)
	reEffectiveShort = regexp.MustCompile(`(?i)effective(?:\s+(?:as\s+of|on))?\s+(\d{1,2}/\d{1,2}/\d{4})`)
)

// Resolve applies the ordered matchers to a raw document. It never
// returns an error; a document that states nothing yields an unclear
// resolution with programmatic confidence so the caller can escalate.
func (r *Resolver) Resolve(ctx context.Context, ticker, doc string) (Resolution, error) {
	res := Resolution{
		Policy:     models.PolicyUnclear,
		Confidence: models.ConfidenceProgrammatic,
	}
	if strings.TrimSpace(doc) == "" {
		return res, nil
	}
	lower := strings.ToLower(doc)

	res.Ratio = extractRatio(doc)
	res.EffectiveDate = extractEffectiveDate(doc)
	res.Policy = detectDisposition(lower)
	return res, nil
}

// detectDisposition scans for disposition keywords. A document naming
// both shapes, or neither, stays unclear: round-up is never assumed.
func detectDisposition(lower string) models.Policy {
	roundUp := containsAny(lower, roundUpPhrases)
	cash := containsAny(lower, cashInLieuPhrases)
	switch {
	case roundUp && !cash:
		return models.PolicyRoundUp
	case cash && !roundUp:
		return models.PolicyCashInLieu
	default:
		return models.PolicyUnclear
	}
}

func extractRatio(doc string) *models.Ratio {
	if m := reRatioDashFor.FindStringSubmatch(doc); m != nil {
		return ratioFromStrings(m[1], m[2])
	}
	if m := reRatioSpelled.FindStringSubmatch(strings.ToLower(doc)); m != nil {
		num, okN := spelledNumbers[normalizeSpelled(m[1])]
		den, okD := spelledNumbers[normalizeSpelled(m[2])]
		if okN && okD && den > 0 {
			return &models.Ratio{Numerator: num, Denominator: den}
		}
		return nil
	}
	if m := reRatioColon.FindStringSubmatch(doc); m != nil {
		// The bare colon form collides with clock times ("9:30"), so it
		// only counts when the numerator is 1.
		if r := ratioFromStrings(m[1], m[2]); r != nil && r.Numerator == 1 {
			return r
		}
	}
	return nil
}

// ratioFromStrings fails soft: ambiguous numeric text leaves the ratio
// nil rather than poisoning the case.
func ratioFromStrings(numText, denText string) *models.Ratio {
	num, errN := strconv.Atoi(numText)
	den, errD := strconv.Atoi(denText)
	if errN != nil || errD != nil || num <= 0 || den <= 0 {
		return nil
	}
	// A reverse split consolidates shares; a "20-for-1" match here is a
	// forward split or a false positive, not our event.
	if num >= den {
		return nil
	}
	return &models.Ratio{Numerator: num, Denominator: den}
}

func extractEffectiveDate(doc string) *time.Time {
	if m := reEffectiveLong.FindStringSubmatch(doc); m != nil {
		if t, err := time.Parse("January 2, 2006", m[1]); err == nil {
			return &t
		}
	}
	if m := reEffectiveShort.FindStringSubmatch(doc); m != nil {
		if t, err := time.Parse("1/2/2006", m[1]); err == nil {
			return &t
		}
	}
	return nil
}

func normalizeSpelled(s string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "-", " ")), " ")
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
