// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"rsassistant/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Observation is the intake payload applied on upsert. Every repeated
// alert for the same fingerprint appends its source ref; nothing else
// about the case is touched on re-detection.
type Observation struct {
	Ticker     string
	Source     models.SourceRef
	ObservedAt time.Time
}

// PolicyUpdate carries resolver output into a case.
type PolicyUpdate struct {
	Policy        models.Policy
	Confidence    models.PolicyConfidence
	Ratio         *models.Ratio
	EffectiveDate *time.Time
}

// CaseStore is the durable table of reverse-split cases. It is the
// single source of truth for state-machine status; Transition is the
// sole synchronization primitive for case updates.
type CaseStore interface {
	// UpsertByFingerprint creates the case if the fingerprint is new,
	// otherwise appends the observation's source ref. Returns the case
	// and whether it was created by this call.
	UpsertByFingerprint(ctx context.Context, fingerprint string, obs Observation) (*models.Case, bool, error)

	// Get returns the case for a fingerprint or ErrNotFound.
	Get(ctx context.Context, fingerprint string) (*models.Case, error)

	// Transition is a compare-and-swap on status. It returns false with
	// no mutation when the current status does not match expected.
	Transition(ctx context.Context, fingerprint string, expected, next models.CaseStatus) (bool, error)

	// SetPolicy records resolver output and bumps the resolution
	// attempt counter.
	SetPolicy(ctx context.Context, fingerprint string, upd PolicyUpdate) error

	// SetAccountProgress updates one account's sub-status.
	SetAccountProgress(ctx context.Context, fingerprint string, account models.AccountKey, progress models.AccountProgress) error

	// ListOpen returns all cases in a non-terminal status.
	ListOpen(ctx context.Context) ([]models.Case, error)

	// List returns cases matching the filter, newest first.
	List(ctx context.Context, filter CaseFilter) ([]models.Case, error)
}

// ActionStore persists scheduled actions. Records are never deleted;
// terminal actions remain as audit history.
type ActionStore interface {
	// SaveAction inserts a new action. The caller must have checked the
	// dedupe key via FindLiveAction first; a duplicate id is an error.
	SaveAction(ctx context.Context, action *models.ScheduledAction) error

	// GetAction returns an action by id or ErrNotFound.
	GetAction(ctx context.Context, id string) (*models.ScheduledAction, error)

	// FindLiveAction returns the PENDING or DISPATCHED action for a
	// (fingerprint, kind, account) key, or ErrNotFound.
	FindLiveAction(ctx context.Context, fingerprint string, kind models.ActionKind, account models.AccountKey) (*models.ScheduledAction, error)

	// ListDue returns PENDING actions whose not_before is at or past now.
	ListDue(ctx context.Context, now time.Time) ([]models.ScheduledAction, error)

	// ListLiveActions returns every PENDING or DISPATCHED action. Used
	// on startup to resume the queue after a restart.
	ListLiveActions(ctx context.Context) ([]models.ScheduledAction, error)

	// ListActions returns actions matching the filter, newest first.
	ListActions(ctx context.Context, filter ActionFilter) ([]models.ScheduledAction, error)

	// TransitionAction is a compare-and-swap on action status. The
	// mutation applies only if the current status is one of expected.
	TransitionAction(ctx context.Context, id string, expected []models.ActionStatus, mut ActionMutation) (bool, error)
}

// ActionMutation is the set of fields a status transition may change.
// Zero fields other than Status are left untouched.
type ActionMutation struct {
	Status       models.ActionStatus
	NotBefore    *time.Time
	BumpAttempt  bool
	LastError    string
	ClearError   bool
	DispatchedAt *time.Time
}

// CaseFilter narrows List queries on cases.
type CaseFilter struct {
	Ticker string
	Status models.CaseStatus
	Limit  int
}

// ActionFilter narrows List queries on actions.
type ActionFilter struct {
	Fingerprint string
	Status      models.ActionStatus
	Kind        models.ActionKind
	Limit       int
}

// DataStore is the combined persistence surface used by the binary.
type DataStore interface {
	CaseStore
	ActionStore
	Close() error
}
