package policy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"rsassistant/internal/models"
)

func TestResolveDisposition(t *testing.T) {
	tests := []struct {
		name       string
		doc        string
		wantPolicy models.Policy
		wantRatio  *models.Ratio
	}{
		{
			name:       "round up with dash ratio",
			doc:        "Acme Corp announces a 1-for-20 reverse stock split. Fractional shares will be rounded up to the nearest whole share.",
			wantPolicy: models.PolicyRoundUp,
			wantRatio:  &models.Ratio{Numerator: 1, Denominator: 20},
		},
		{
			name:       "cash in lieu",
			doc:        "The company will effect a 1-for-10 reverse split. Stockholders will receive cash in lieu of fractional shares.",
			wantPolicy: models.PolicyCashInLieu,
			wantRatio:  &models.Ratio{Numerator: 1, Denominator: 10},
		},
		{
			name:       "fractional shares not issued is cash",
			doc:        "1-for-8 reverse split; fractional shares will not be issued.",
			wantPolicy: models.PolicyCashInLieu,
			wantRatio:  &models.Ratio{Numerator: 1, Denominator: 8},
		},
		{
			name:       "both dispositions stays unclear",
			doc:        "Shares will be rounded up unless the holder elects cash in lieu. Ratio 1-for-15.",
			wantPolicy: models.PolicyUnclear,
			wantRatio:  &models.Ratio{Numerator: 1, Denominator: 15},
		},
		{
			name:       "no disposition stays unclear",
			doc:        "The board approved a 1-for-25 reverse stock split of the outstanding common stock.",
			wantPolicy: models.PolicyUnclear,
			wantRatio:  &models.Ratio{Numerator: 1, Denominator: 25},
		},
		{
			name:       "spelled-out ratio",
			doc:        "a one-for-twenty reverse stock split, with fractional shares rounded up",
			wantPolicy: models.PolicyRoundUp,
			wantRatio:  &models.Ratio{Numerator: 1, Denominator: 20},
		},
		{
			name:       "colon ratio with unit numerator",
			doc:        "reverse split at a ratio of 1:50, fractional shares rounded up",
			wantPolicy: models.PolicyRoundUp,
			wantRatio:  &models.Ratio{Numerator: 1, Denominator: 50},
		},
		{
			name:       "clock time is not a ratio",
			doc:        "trading on a split-adjusted basis begins at 9:30 on Monday, rounded up",
			wantPolicy: models.PolicyRoundUp,
			wantRatio:  nil,
		},
		{
			name:       "forward split ratio is rejected",
			doc:        "a 20-for-1 forward stock split, fractional shares rounded up",
			wantPolicy: models.PolicyRoundUp,
			wantRatio:  nil,
		},
		{
			name:       "empty document",
			doc:        "",
			wantPolicy: models.PolicyUnclear,
			wantRatio:  nil,
		},
	}

	r := NewResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(context.Background(), "ACME", tt.doc)
			if err != nil {
				t.Fatalf("Resolve returned error: %v", err)
			}
			if res.Policy != tt.wantPolicy {
				t.Errorf("policy = %s, want %s", res.Policy, tt.wantPolicy)
			}
			if res.Confidence != models.ConfidenceProgrammatic {
				t.Errorf("confidence = %s, want programmatic", res.Confidence)
			}
			if (res.Ratio == nil) != (tt.wantRatio == nil) {
				t.Fatalf("ratio = %v, want %v", res.Ratio, tt.wantRatio)
			}
			if tt.wantRatio != nil && *res.Ratio != *tt.wantRatio {
				t.Errorf("ratio = %v, want %v", *res.Ratio, *tt.wantRatio)
			}
		})
	}
}

func TestResolveEffectiveDate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want time.Time
	}{
		{
			name: "long form",
			doc:  "The reverse split will become effective January 2, 2026.",
			want: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "long form with as of",
			doc:  "effective as of March 15, 2026 the shares will trade split-adjusted",
			want: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "open of trading phrasing",
			doc:  "effective at the open of trading on February 9, 2026",
			want: time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "short numeric form",
			doc:  "The split is effective on 01/02/2026 for holders of record.",
			want: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		},
	}

	r := NewResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(context.Background(), "ACME", tt.doc)
			if err != nil {
				t.Fatalf("Resolve returned error: %v", err)
			}
			if res.EffectiveDate == nil {
				t.Fatalf("no effective date extracted from %q", tt.doc)
			}
			if !res.EffectiveDate.Equal(tt.want) {
				t.Errorf("effective date = %v, want %v", res.EffectiveDate, tt.want)
			}
		})
	}

	t.Run("absent date stays nil", func(t *testing.T) {
		res, _ := r.Resolve(context.Background(), "ACME", "a 1-for-20 reverse split, rounded up")
		if res.EffectiveDate != nil {
			t.Errorf("effective date = %v, want nil", res.EffectiveDate)
		}
	})
}

// Property: For any reverse ratio N-for-M with N < M, the resolver
// extracts exactly {N, M}; inverting the phrase to a forward ratio
// yields no ratio at all.
func TestProperty_RatioExtraction(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	r := NewResolver()

	properties.Property("Reverse ratios round-trip, forward ratios are rejected", prop.ForAll(
		func(num, span int) bool {
			den := num + span
			ctx := context.Background()

			doc := fmt.Sprintf("a %d-for-%d reverse stock split, fractional shares rounded up", num, den)
			res, err := r.Resolve(ctx, "ACME", doc)
			if err != nil {
				t.Logf("Resolve errored: %v", err)
				return false
			}
			if res.Ratio == nil || res.Ratio.Numerator != num || res.Ratio.Denominator != den {
				t.Logf("doc=%q extracted %v, want %d:%d", doc, res.Ratio, num, den)
				return false
			}

			forward := fmt.Sprintf("a %d-for-%d forward stock split, fractional shares rounded up", den, num)
			res, err = r.Resolve(ctx, "ACME", forward)
			if err != nil {
				t.Logf("Resolve errored: %v", err)
				return false
			}
			if res.Ratio != nil {
				t.Logf("doc=%q extracted %v, want nil", forward, res.Ratio)
				return false
			}
			return true
		},
		gen.IntRange(1, 9),
		gen.IntRange(1, 90),
	))

	properties.TestingRun(t)
}
