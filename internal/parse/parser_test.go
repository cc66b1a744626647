package parse

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"rsassistant/internal/models"
)

func newTestParser() *Parser {
	return NewParser(zerolog.Nop())
}

func TestParseOrderConfirmations(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want models.OrderConfirmation
	}{
		{
			name: "fill summary with price",
			raw:  "Bought 1 ACME @ $4.50 (Fidelity, acct 1234)",
			want: models.OrderConfirmation{
				Broker:   "Fidelity",
				Account:  "1234",
				Ticker:   "ACME",
				Side:     models.ActionBuy,
				Quantity: 1,
				Price:    4.50,
				Success:  true,
			},
		},
		{
			name: "fill summary sell",
			raw:  "Sold 1 ACME @ $21.00 (Fidelity, acct 1234)",
			want: models.OrderConfirmation{
				Broker:   "Fidelity",
				Account:  "1234",
				Ticker:   "ACME",
				Side:     models.ActionSell,
				Quantity: 1,
				Price:    21.00,
				Success:  true,
			},
		},
		{
			name: "fidelity masked account",
			raw:  "Fidelity 1 account xxxx1234: buy 1.0 shares of ACME",
			want: models.OrderConfirmation{
				Broker:   "Fidelity",
				Account:  "1234",
				Ticker:   "ACME",
				Side:     models.ActionBuy,
				Quantity: 1,
				Success:  true,
			},
		},
		{
			name: "slotted success",
			raw:  "Robinhood 1: buy 1.0 of ACME in xxxx5678: Success",
			want: models.OrderConfirmation{
				Broker:   "Robinhood",
				Account:  "5678",
				Ticker:   "ACME",
				Side:     models.ActionBuy,
				Quantity: 1,
				Success:  true,
			},
		},
		{
			name: "slotted failure",
			raw:  "Webull 2: sell 1.0 of BNGO in Account 9012: Failed",
			want: models.OrderConfirmation{
				Broker:   "Webull",
				Account:  "9012",
				Ticker:   "BNGO",
				Side:     models.ActionSell,
				Quantity: 1,
				Success:  false,
			},
		},
		{
			name: "verbose group form",
			raw:  "Schwab 1 buying 1.0 ACME @ market",
			want: models.OrderConfirmation{
				Broker:   "Schwab",
				Account:  "1",
				Ticker:   "ACME",
				Side:     models.ActionBuy,
				Quantity: 1,
				Success:  true,
			},
		},
		{
			name: "broker casing normalized",
			raw:  "WELLSFARGO 1 account xxxx4321: sell 2 shares of CETX",
			want: models.OrderConfirmation{
				Broker:   "WELLSFARGO",
				Account:  "4321",
				Ticker:   "CETX",
				Side:     models.ActionSell,
				Quantity: 2,
				Success:  true,
			},
		},
	}

	p := newTestParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := p.Parse(tt.raw)
			if !ok {
				t.Fatalf("Parse(%q) did not match", tt.raw)
			}
			got, isOrder := ev.(models.OrderConfirmation)
			if !isOrder {
				t.Fatalf("Parse(%q) returned %T, want OrderConfirmation", tt.raw, ev)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseHoldingsSnapshot(t *testing.T) {
	raw := "Fidelity 1234 holdings:\n" +
		"ACME: 1 @ $4.50\n" +
		"BNGO: 20\n" +
		"\n" +
		"CETX: 3.5 @ $1.05\n"

	p := newTestParser()
	ev, ok := p.Parse(raw)
	if !ok {
		t.Fatalf("holdings block did not match")
	}
	snap, isSnap := ev.(models.HoldingsSnapshot)
	if !isSnap {
		t.Fatalf("Parse returned %T, want HoldingsSnapshot", ev)
	}

	if snap.Broker != "Fidelity" || snap.Account != "1234" {
		t.Errorf("header parsed as %s/%s, want Fidelity/1234", snap.Broker, snap.Account)
	}
	want := []models.Position{
		{Ticker: "ACME", Quantity: 1, Price: 4.50},
		{Ticker: "BNGO", Quantity: 20},
		{Ticker: "CETX", Quantity: 3.5, Price: 1.05},
	}
	if len(snap.Positions) != len(want) {
		t.Fatalf("got %d positions, want %d", len(snap.Positions), len(want))
	}
	for i, w := range want {
		if snap.Positions[i] != w {
			t.Errorf("position %d = %+v, want %+v", i, snap.Positions[i], w)
		}
	}
}

func TestParseRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"whitespace", "   \n  "},
		{"chatter", "good morning everyone"},
		{"holdings header without positions", "Fidelity 1234 holdings:"},
		{"holdings with malformed position", "Fidelity 1234 holdings:\nnot a position line"},
		{"order with garbage quantity", "Bought ,,, ACME @ $4.50 (Fidelity, acct 1234)"},
	}

	p := newTestParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ev, ok := p.Parse(tt.raw); ok {
				t.Errorf("Parse(%q) matched as %T, want no match", tt.raw, ev)
			}
		})
	}
}

func TestParseAlert(t *testing.T) {
	receivedAt := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		raw        string
		wantOK     bool
		wantTicker string
		wantURL    string
	}{
		{
			name:       "exchange-tagged ticker with url",
			raw:        "Acme Corp (NASDAQ: ACME) announces 1-for-20 reverse stock split https://example.com/news/acme-split.",
			wantOK:     true,
			wantTicker: "ACME",
			wantURL:    "https://example.com/news/acme-split",
		},
		{
			name:       "inline ticker fallback",
			raw:        "BNGO board approves reverse split effective next month",
			wantOK:     true,
			wantTicker: "BNGO",
		},
		{
			name:   "no split language",
			raw:    "ACME reports record quarterly earnings https://example.com/earnings",
			wantOK: false,
		},
		{
			name:   "split language but no ticker",
			raw:    "a reverse split was approved by the board",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert, ok := ParseAlert(tt.raw, receivedAt)
			if ok != tt.wantOK {
				t.Fatalf("ParseAlert(%q) ok = %v, want %v", tt.raw, ok, tt.wantOK)
			}
			if !tt.wantOK {
				return
			}
			if alert.Ticker != tt.wantTicker {
				t.Errorf("ticker = %q, want %q", alert.Ticker, tt.wantTicker)
			}
			if alert.URL != tt.wantURL {
				t.Errorf("url = %q, want %q", alert.URL, tt.wantURL)
			}
			if !alert.Confirmed {
				t.Error("confirmed alert not flagged")
			}
			if !alert.ReceivedAt.Equal(receivedAt) {
				t.Errorf("receivedAt = %v, want %v", alert.ReceivedAt, receivedAt)
			}
		})
	}
}
