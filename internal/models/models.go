// Package models provides domain models for the reverse-split pipeline.
package models

import (
	"fmt"
	"time"
)

// CaseStatus represents the lifecycle state of a reverse-split case.
type CaseStatus string

const (
	CaseDetected            CaseStatus = "DETECTED"
	CasePolicyPending       CaseStatus = "POLICY_PENDING"
	CasePlanned             CaseStatus = "PLANNED"
	CaseOrderSubmitted      CaseStatus = "ORDER_SUBMITTED"
	CaseHoldingConfirmed    CaseStatus = "HOLDING_CONFIRMED"
	CaseAwaitingSplit       CaseStatus = "AWAITING_SPLIT"
	CasePostSplitReconciled CaseStatus = "POST_SPLIT_RECONCILED"
	CaseClosed              CaseStatus = "CLOSED"
	CaseAbandoned           CaseStatus = "ABANDONED"
)

// IsTerminal reports whether the status is a terminal state.
func (s CaseStatus) IsTerminal() bool {
	return s == CaseClosed || s == CaseAbandoned
}

// Policy represents the fractional-share disposition of a split.
type Policy string

const (
	PolicyUnknown     Policy = "unknown"
	PolicyRoundUp     Policy = "round_up"
	PolicyCashInLieu  Policy = "cash_in_lieu"
	PolicyUnclear     Policy = "unclear"
)

// PolicyConfidence records which backend produced the policy.
type PolicyConfidence string

const (
	ConfidenceProgrammatic PolicyConfidence = "programmatic"
	ConfidenceLLM          PolicyConfidence = "llm"
	ConfidenceManual       PolicyConfidence = "manual"
)

// AccountProgress is the per-account sub-status of a case.
type AccountProgress string

const (
	ProgressNotStarted AccountProgress = "not_started"
	ProgressOrdered    AccountProgress = "ordered"
	ProgressFilled     AccountProgress = "filled"
	ProgressSold       AccountProgress = "sold"
)

// Ratio is a normalized split ratio, e.g. 1-for-20 is {1, 20}.
type Ratio struct {
	Numerator   int `json:"numerator"`
	Denominator int `json:"denominator"`
}

// String renders the ratio in "N:M" form.
func (r Ratio) String() string {
	return fmt.Sprintf("%d:%d", r.Numerator, r.Denominator)
}

// SourceRef is one upstream reference that contributed to a case.
type SourceRef struct {
	URL        string    `json:"url,omitempty"`
	Excerpt    string    `json:"excerpt,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// AccountKey identifies a brokerage account as "broker/account".
type AccountKey struct {
	Broker  string `json:"broker"`
	Account string `json:"account"`
}

// String returns the canonical "broker/account" form.
func (k AccountKey) String() string {
	return k.Broker + "/" + k.Account
}

// Case is one reverse-split opportunity tracked end to end.
type Case struct {
	Fingerprint   string                     `json:"fingerprint"`
	Ticker        string                     `json:"ticker"`
	Status        CaseStatus                 `json:"status"`
	EffectiveDate *time.Time                 `json:"effective_date,omitempty"`
	SplitRatio    *Ratio                     `json:"split_ratio,omitempty"`
	Policy        Policy                     `json:"policy"`
	Confidence    PolicyConfidence           `json:"policy_confidence"`
	ResolveTries  int                        `json:"resolve_tries"`
	Accounts      map[string]AccountProgress `json:"per_account_progress"`
	SourceRefs    []SourceRef                `json:"source_refs"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// ActionKind is the kind of a scheduled external command.
type ActionKind string

const (
	ActionBuy  ActionKind = "buy"
	ActionSell ActionKind = "sell"
)

// ActionStatus is the lifecycle state of a scheduled action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "PENDING"
	ActionDispatched ActionStatus = "DISPATCHED"
	ActionConfirmed  ActionStatus = "CONFIRMED"
	ActionFailed     ActionStatus = "FAILED"
	ActionExpired    ActionStatus = "EXPIRED"
)

// IsLive reports whether the action still occupies the execution
// dedupe slot for its (fingerprint, kind, account) key.
func (s ActionStatus) IsLive() bool {
	return s == ActionPending || s == ActionDispatched
}

// ScheduledAction is one planned command to the execution agent.
// It back-references its case by fingerprint only; the scheduler owns
// the record, the case store owns the case.
type ScheduledAction struct {
	ID           string       `json:"action_id"`
	Fingerprint  string       `json:"case_fingerprint"`
	Kind         ActionKind   `json:"kind"`
	Ticker       string       `json:"ticker"`
	Quantity     float64      `json:"quantity"`
	Account      AccountKey   `json:"account"`
	NotBefore    time.Time    `json:"not_before"`
	Status       ActionStatus `json:"status"`
	AttemptCount int          `json:"attempt_count"`
	LastError    string       `json:"last_error,omitempty"`
	DispatchedAt *time.Time   `json:"dispatched_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ActionID builds the deterministic identifier for an action. Keeping
// the id derived from the dedupe key means a replanned action collides
// with the live one instead of slipping past it.
func ActionID(fingerprint string, kind ActionKind, account AccountKey) string {
	return fmt.Sprintf("%s_%s_%s_%s", fingerprint, kind, account.Broker, account.Account)
}

// Alert is a raw inbound feed message after intake parsing.
type Alert struct {
	Ticker     string
	URL        string
	Confirmed  bool
	RawMessage string
	ReceivedAt time.Time
}

// Event is a typed message parsed from the execution agent's output.
type Event interface {
	// EventKind names the variant for logging and routing.
	EventKind() string
}

// Position is one holding inside a holdings snapshot.
type Position struct {
	Ticker   string
	Quantity float64
	Price    float64
}

// OrderConfirmation is a parsed order fill/failure message from the
// execution agent.
type OrderConfirmation struct {
	Broker   string
	Account  string
	Ticker   string
	Side     ActionKind
	Quantity float64
	Price    float64
	Success  bool
}

// EventKind implements Event.
func (OrderConfirmation) EventKind() string { return "order_confirmation" }

// HoldingsSnapshot is a parsed holdings report for one account.
type HoldingsSnapshot struct {
	Broker    string
	Account   string
	Positions []Position
}

// EventKind implements Event.
func (HoldingsSnapshot) EventKind() string { return "holdings_snapshot" }
