// Package scheduler persists planned execution-agent commands and
// dispatches them at the right wall-clock time.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"rsassistant/internal/agent"
	"rsassistant/internal/logging"
	"rsassistant/internal/market"
	"rsassistant/internal/models"
	"rsassistant/internal/store"
	"rsassistant/pkg/utils"
)

// Config holds the scheduler's policy knobs. None of these are
// business rules; they are deployment tuning.
type Config struct {
	PollInterval   time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	ConfirmWindow  time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:   60 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Minute,
		MaxBackoff:     30 * time.Minute,
		BackoffFactor:  2.0,
		ConfirmWindow:  24 * time.Hour,
	}
}

// Reporter surfaces terminal action outcomes to the operator. The
// scheduler never retries past a terminal state on its own.
type Reporter interface {
	ActionFailed(ctx context.Context, action models.ScheduledAction)
	ActionExpired(ctx context.Context, action models.ScheduledAction)
}

// Scheduler owns scheduled-action records: it plans, dispatches,
// retries, and expires them. Cases are referenced by fingerprint only.
type Scheduler struct {
	actions  store.ActionStore
	calendar *market.Calendar
	agent    agent.Commander
	reporter Reporter
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a scheduler. reporter may be nil.
func New(actions store.ActionStore, calendar *market.Calendar, commander agent.Commander, reporter Reporter, cfg Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		actions:  actions,
		calendar: calendar,
		agent:    commander,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
	}
}

// Plan persists one buy/sell action per target account, deduplicating
// on the (fingerprint, kind, account) key: a live action for that key
// is returned as-is instead of being planned again. Every new action is
// persisted before it is reported planned.
func (s *Scheduler) Plan(ctx context.Context, fingerprint string, kind models.ActionKind, ticker string, quantity float64, accounts []models.AccountKey, notBefore time.Time) ([]models.ScheduledAction, error) {
	if len(accounts) == 0 {
		return nil, fmt.Errorf("plan requires at least one target account")
	}

	eligible := s.calendar.NextOpen(notBefore)
	planned := make([]models.ScheduledAction, 0, len(accounts))

	for _, account := range accounts {
		existing, err := s.actions.FindLiveAction(ctx, fingerprint, kind, account)
		if err == nil {
			planned = append(planned, *existing)
			continue
		}
		if err != store.ErrNotFound {
			return nil, fmt.Errorf("failed to check for live action: %w", err)
		}

		now := s.now()
		a := &models.ScheduledAction{
			ID:          models.ActionID(fingerprint, kind, account),
			Fingerprint: fingerprint,
			Kind:        kind,
			Ticker:      ticker,
			Quantity:    quantity,
			Account:     account,
			NotBefore:   eligible,
			Status:      models.ActionPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.actions.SaveAction(ctx, a); err != nil {
			return nil, fmt.Errorf("failed to persist planned action: %w", err)
		}
		s.logger.Info().
			Str("action_id", a.ID).
			Str("kind", string(kind)).
			Str("ticker", ticker).
			Time("not_before", eligible).
			Msg("action planned")
		planned = append(planned, *a)
	}
	return planned, nil
}

// DispatchDue evaluates the queue once: dispatches due actions inside
// market hours, reschedules missed slots to the next open session, and
// expires dispatched actions whose confirmation window has lapsed.
func (s *Scheduler) DispatchDue(ctx context.Context) error {
	now := s.now()

	due, err := s.actions.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list due actions: %w", err)
	}

	for _, a := range due {
		if !s.calendar.IsOpenAt(now) {
			s.reschedule(ctx, a, s.calendar.NextOpen(now))
			continue
		}
		s.dispatch(ctx, a, now)
	}

	return s.expireStale(ctx, now)
}

// dispatch claims the action via compare-and-swap before sending, so a
// concurrent tick cannot double-send.
func (s *Scheduler) dispatch(ctx context.Context, a models.ScheduledAction, now time.Time) {
	log := logging.WithOperation(logging.WithActionID(s.logger, a.ID), "dispatch")

	dispatchedAt := now
	claimed, err := s.actions.TransitionAction(ctx, a.ID,
		[]models.ActionStatus{models.ActionPending},
		store.ActionMutation{
			Status:       models.ActionDispatched,
			BumpAttempt:  true,
			ClearError:   true,
			DispatchedAt: &dispatchedAt,
		})
	if err != nil {
		log.Error().Err(err).Msg("failed to claim action for dispatch")
		return
	}
	if !claimed {
		return
	}

	err = s.agent.SubmitOrder(ctx, a.Kind, a.Quantity, a.Ticker, a.Account)
	if err == nil {
		logging.LogDispatch(s.logger, a.ID, a.Ticker, string(a.Kind), a.Account.String())
		return
	}

	log.Warn().Err(err).Msg("dispatch failed")
	s.handleDispatchFailure(ctx, a, err)
}

// handleDispatchFailure backs the action off or, past the attempt
// ceiling, marks it FAILED and surfaces it.
func (s *Scheduler) handleDispatchFailure(ctx context.Context, a models.ScheduledAction, cause error) {
	attempt := a.AttemptCount + 1

	if attempt >= s.cfg.MaxAttempts {
		_, err := s.actions.TransitionAction(ctx, a.ID,
			[]models.ActionStatus{models.ActionDispatched},
			store.ActionMutation{Status: models.ActionFailed, LastError: cause.Error()})
		if err != nil {
			s.logger.Error().Err(err).Str("action_id", a.ID).Msg("failed to mark action failed")
			return
		}
		s.logger.Error().
			Str("action_id", a.ID).
			Int("attempts", attempt).
			Msg("action failed after exhausting retries")
		if s.reporter != nil {
			a.Status = models.ActionFailed
			s.reporter.ActionFailed(ctx, a)
		}
		return
	}

	backoff := utils.CalculateBackoff(attempt-1, s.cfg.InitialBackoff, s.cfg.MaxBackoff, s.cfg.BackoffFactor)
	retryAt := s.now().Add(backoff)
	_, err := s.actions.TransitionAction(ctx, a.ID,
		[]models.ActionStatus{models.ActionDispatched},
		store.ActionMutation{Status: models.ActionPending, NotBefore: &retryAt, LastError: cause.Error()})
	if err != nil {
		s.logger.Error().Err(err).Str("action_id", a.ID).Msg("failed to reschedule action")
		return
	}
	s.logger.Info().
		Str("action_id", a.ID).
		Dur("backoff", backoff).
		Time("retry_at", retryAt).
		Msg("action rescheduled after dispatch failure")
}

func (s *Scheduler) reschedule(ctx context.Context, a models.ScheduledAction, at time.Time) {
	_, err := s.actions.TransitionAction(ctx, a.ID,
		[]models.ActionStatus{models.ActionPending},
		store.ActionMutation{Status: models.ActionPending, NotBefore: &at})
	if err != nil {
		s.logger.Error().Err(err).Str("action_id", a.ID).Msg("failed to reschedule action to next session")
		return
	}
	s.logger.Info().
		Str("action_id", a.ID).
		Time("not_before", at).
		Msg("market closed, action rescheduled to next open session")
}

// expireStale moves DISPATCHED actions past the confirmation window to
// EXPIRED. Expiry is terminal and never auto-resubmitted: the real
// order may or may not exist, so resubmitting blindly is unsafe.
func (s *Scheduler) expireStale(ctx context.Context, now time.Time) error {
	live, err := s.actions.ListLiveActions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list live actions: %w", err)
	}

	for _, a := range live {
		if a.Status != models.ActionDispatched || a.DispatchedAt == nil {
			continue
		}
		if now.Sub(*a.DispatchedAt) < s.cfg.ConfirmWindow {
			continue
		}
		changed, err := s.actions.TransitionAction(ctx, a.ID,
			[]models.ActionStatus{models.ActionDispatched},
			store.ActionMutation{Status: models.ActionExpired, LastError: "confirmation window elapsed"})
		if err != nil {
			s.logger.Error().Err(err).Str("action_id", a.ID).Msg("failed to expire action")
			continue
		}
		if changed {
			s.logger.Warn().
				Str("action_id", a.ID).
				Time("dispatched_at", *a.DispatchedAt).
				Msg("action expired without confirmation")
			if s.reporter != nil {
				a.Status = models.ActionExpired
				s.reporter.ActionExpired(ctx, a)
			}
		}
	}
	return nil
}

// MarkConfirmed records the agent's confirmation for an action.
func (s *Scheduler) MarkConfirmed(ctx context.Context, actionID string) (bool, error) {
	changed, err := s.actions.TransitionAction(ctx, actionID,
		[]models.ActionStatus{models.ActionPending, models.ActionDispatched},
		store.ActionMutation{Status: models.ActionConfirmed, ClearError: true})
	if err != nil {
		return false, fmt.Errorf("failed to confirm action: %w", err)
	}
	if changed {
		s.logger.Info().Str("action_id", actionID).Msg("action confirmed")
	}
	return changed, nil
}

// MarkFailed records an externally observed failure. Retryable
// failures go back to PENDING with backoff; the rest are terminal.
func (s *Scheduler) MarkFailed(ctx context.Context, actionID string, retryable bool) (bool, error) {
	a, err := s.actions.GetAction(ctx, actionID)
	if err != nil {
		return false, err
	}

	if retryable && a.AttemptCount < s.cfg.MaxAttempts {
		retryAt := s.now().Add(utils.CalculateBackoff(a.AttemptCount, s.cfg.InitialBackoff, s.cfg.MaxBackoff, s.cfg.BackoffFactor))
		return s.actions.TransitionAction(ctx, actionID,
			[]models.ActionStatus{models.ActionPending, models.ActionDispatched},
			store.ActionMutation{Status: models.ActionPending, NotBefore: &retryAt, LastError: "reported failed, retrying"})
	}

	changed, err := s.actions.TransitionAction(ctx, actionID,
		[]models.ActionStatus{models.ActionPending, models.ActionDispatched},
		store.ActionMutation{Status: models.ActionFailed, LastError: "reported failed"})
	if err != nil {
		return false, err
	}
	if changed && s.reporter != nil {
		a.Status = models.ActionFailed
		s.reporter.ActionFailed(ctx, *a)
	}
	return changed, nil
}

// ForceRetry is the operator path for re-arming a FAILED or EXPIRED
// action. It goes through the same guarded transition as everything
// else; a live action is left alone.
func (s *Scheduler) ForceRetry(ctx context.Context, actionID string) (bool, error) {
	retryAt := s.calendar.NextOpen(s.now())
	return s.actions.TransitionAction(ctx, actionID,
		[]models.ActionStatus{models.ActionFailed, models.ActionExpired},
		store.ActionMutation{Status: models.ActionPending, NotBefore: &retryAt, ClearError: true})
}

// CancelForCase expires every still-pending action of an abandoned
// case so the queue never dispatches for it.
func (s *Scheduler) CancelForCase(ctx context.Context, fingerprint string) error {
	live, err := s.actions.ListActions(ctx, store.ActionFilter{Fingerprint: fingerprint})
	if err != nil {
		return fmt.Errorf("failed to list case actions: %w", err)
	}
	for _, a := range live {
		if a.Status != models.ActionPending {
			continue
		}
		_, err := s.actions.TransitionAction(ctx, a.ID,
			[]models.ActionStatus{models.ActionPending},
			store.ActionMutation{Status: models.ActionExpired, LastError: "cancelled: case abandoned"})
		if err != nil {
			return fmt.Errorf("failed to cancel action %s: %w", a.ID, err)
		}
		s.logger.Info().Str("action_id", a.ID).Msg("action cancelled with abandoned case")
	}
	return nil
}

// CaseActions returns every action, live or terminal, belonging to a
// case.
func (s *Scheduler) CaseActions(ctx context.Context, fingerprint string) ([]models.ScheduledAction, error) {
	return s.actions.ListActions(ctx, store.ActionFilter{Fingerprint: fingerprint})
}

// Resume reloads the live queue after a restart. Nothing is mutated;
// PENDING rows simply become eligible for the next tick.
func (s *Scheduler) Resume(ctx context.Context) error {
	live, err := s.actions.ListLiveActions(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload action queue: %w", err)
	}
	s.logger.Info().Int("live_actions", len(live)).Msg("action queue reloaded")
	return nil
}

// Run evaluates the queue on the poll interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Resume(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.DispatchDue(ctx); err != nil {
				s.logger.Error().Err(err).Msg("queue evaluation failed")
			}
		}
	}
}
