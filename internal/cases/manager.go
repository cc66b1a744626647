// Package cases coordinates the reverse-split case lifecycle. Every
// state change goes through the case store's compare-and-swap, which
// makes each handler safe to invoke redundantly from duplicate or
// reordered upstream events.
package cases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"rsassistant/internal/agent"
	"rsassistant/internal/logging"
	"rsassistant/internal/market"
	"rsassistant/internal/models"
	"rsassistant/internal/parse"
	"rsassistant/internal/policy"
	"rsassistant/internal/scheduler"
	"rsassistant/internal/store"
)

// Config holds case-management knobs.
type Config struct {
	// Accounts are the brokerage accounts every confirmed round-up case
	// buys into.
	Accounts []models.AccountKey
	// BuyQuantity is the per-account buy size. One share per account is
	// the round-up play.
	BuyQuantity float64
	// MaxResolveAttempts bounds policy re-resolution before a case is
	// abandoned as indeterminate.
	MaxResolveAttempts int
}

// DefaultConfig returns the default case-management configuration.
func DefaultConfig() Config {
	return Config{
		BuyQuantity:        1,
		MaxResolveAttempts: 3,
	}
}

// Reporter surfaces case lifecycle events to the operator.
type Reporter interface {
	CaseDetected(ctx context.Context, c models.Case)
	CaseAbandoned(ctx context.Context, c models.Case, reason string)
}

// Fetcher pulls a source document for resolution. *policy.Fetcher is
// the production implementation.
type Fetcher interface {
	FetchAll(ctx context.Context, url string) (string, error)
}

// Manager advances cases through their lifecycle using resolver output
// and parsed agent events.
type Manager struct {
	cases    store.CaseStore
	sched    *scheduler.Scheduler
	resolver policy.Backend
	fallback policy.Backend
	fetcher  Fetcher
	parser   *parse.Parser
	agent    agent.Commander
	calendar *market.Calendar
	reporter Reporter
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a case manager. fallback, fetcher and reporter may be
// nil; the pipeline degrades instead of requiring them.
func New(cases store.CaseStore, sched *scheduler.Scheduler, resolver, fallback policy.Backend, fetcher Fetcher, parser *parse.Parser, commander agent.Commander, calendar *market.Calendar, reporter Reporter, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		cases:    cases,
		sched:    sched,
		resolver: resolver,
		fallback: fallback,
		fetcher:  fetcher,
		parser:   parser,
		agent:    commander,
		calendar: calendar,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger.With().Str("component", "cases").Logger(),
		now:      time.Now,
	}
}

// HandleAlert is the intake path. The fingerprint upsert is the
// idempotency boundary: a repeated alert appends its source ref to the
// open case and changes nothing else. Store errors propagate so the
// caller re-processes the alert later; nothing is planned on a failed
// store (fail closed).
func (m *Manager) HandleAlert(ctx context.Context, alert models.Alert) error {
	fp := models.Fingerprint(alert.Ticker, alert.URL, nil, alert.ReceivedAt)
	log := logging.WithFingerprint(logging.WithTicker(m.logger, alert.Ticker), fp)

	c, created, err := m.cases.UpsertByFingerprint(ctx, fp, store.Observation{
		Ticker: alert.Ticker,
		Source: models.SourceRef{
			URL:        alert.URL,
			Excerpt:    clip(alert.RawMessage, 500),
			ReceivedAt: alert.ReceivedAt,
		},
		ObservedAt: alert.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("intake failed for %s: %w", fp, err)
	}

	if created {
		log.Info().Msg("new reverse-split case detected")
		if m.reporter != nil {
			m.reporter.CaseDetected(ctx, *c)
		}
		if _, err := m.cases.Transition(ctx, fp, models.CaseDetected, models.CasePolicyPending); err != nil {
			return fmt.Errorf("failed to move case to policy resolution: %w", err)
		}
		return m.resolveAndAdvance(ctx, fp, alert)
	}

	log.Info().Int("source_refs", len(c.SourceRefs)).Msg("duplicate alert appended to existing case")

	// A fresh source ref is a new chance to resolve a stalled case, but
	// never a reason to re-plan a case already past POLICY_PENDING. A
	// case still sitting in DETECTED lost its intake transition to a
	// crash or store error; redelivery replays it.
	switch {
	case c.Status == models.CaseDetected:
		if _, err := m.cases.Transition(ctx, fp, models.CaseDetected, models.CasePolicyPending); err != nil {
			return fmt.Errorf("failed to move case to policy resolution: %w", err)
		}
		return m.resolveAndAdvance(ctx, fp, alert)
	case c.Status == models.CasePolicyPending && c.ResolveTries < m.cfg.MaxResolveAttempts:
		return m.resolveAndAdvance(ctx, fp, alert)
	}
	return nil
}

// resolveAndAdvance runs policy resolution for a POLICY_PENDING case
// and advances it according to the outcome.
func (m *Manager) resolveAndAdvance(ctx context.Context, fp string, alert models.Alert) error {
	log := logging.WithFingerprint(m.logger, fp)

	doc := alert.RawMessage
	if alert.URL != "" && m.fetcher != nil {
		fetched, err := m.fetcher.FetchAll(ctx, alert.URL)
		if err != nil {
			log.Warn().Err(err).Msg("source fetch failed, resolving from alert text only")
		} else {
			doc = fetched + "\n\n" + alert.RawMessage
		}
	}

	res, err := m.resolver.Resolve(ctx, alert.Ticker, doc)
	if err != nil {
		return fmt.Errorf("policy resolution failed: %w", err)
	}

	if res.Policy == models.PolicyUnclear && m.fallback != nil {
		escalated, err := m.fallback.Resolve(ctx, alert.Ticker, doc)
		if err != nil {
			log.Warn().Err(err).Msg("fallback classifier unavailable")
		} else {
			// Keep programmatically extracted fields the classifier missed.
			if escalated.Ratio == nil {
				escalated.Ratio = res.Ratio
			}
			if escalated.EffectiveDate == nil {
				escalated.EffectiveDate = res.EffectiveDate
			}
			res = escalated
		}
	}

	if err := m.cases.SetPolicy(ctx, fp, store.PolicyUpdate{
		Policy:        res.Policy,
		Confidence:    res.Confidence,
		Ratio:         res.Ratio,
		EffectiveDate: res.EffectiveDate,
	}); err != nil {
		return fmt.Errorf("failed to record policy: %w", err)
	}

	logging.LogResolution(log, alert.Ticker, string(res.Policy), string(res.Confidence))

	switch {
	case res.Policy == models.PolicyRoundUp && res.Ratio != nil:
		return m.planBuy(ctx, fp)
	case res.Policy == models.PolicyCashInLieu:
		return m.Abandon(ctx, fp, "policy is cash-in-lieu")
	default:
		return m.maybeGiveUp(ctx, fp)
	}
}

// planBuy schedules the buy and moves the case to PLANNED. The
// scheduler persists before the transition, so a crash between the two
// leaves a resumable queue, and the action-level dedupe absorbs the
// replayed transition.
func (m *Manager) planBuy(ctx context.Context, fp string) error {
	c, err := m.cases.Get(ctx, fp)
	if err != nil {
		return err
	}
	if len(m.cfg.Accounts) == 0 {
		m.logger.Warn().Str("fingerprint", fp).Msg("no target accounts configured, case stays pending")
		return nil
	}

	_, err = m.sched.Plan(ctx, fp, models.ActionBuy, c.Ticker, m.cfg.BuyQuantity, m.cfg.Accounts, m.now())
	if err != nil {
		return fmt.Errorf("scheduler rejected plan: %w", err)
	}

	changed, err := m.cases.Transition(ctx, fp, models.CasePolicyPending, models.CasePlanned)
	if err != nil {
		return err
	}
	if changed {
		for _, account := range m.cfg.Accounts {
			if err := m.cases.SetAccountProgress(ctx, fp, account, models.ProgressOrdered); err != nil {
				return err
			}
		}
		m.logger.Info().Str("fingerprint", fp).Msg("buy planned for configured accounts")
	}
	return nil
}

func (m *Manager) maybeGiveUp(ctx context.Context, fp string) error {
	c, err := m.cases.Get(ctx, fp)
	if err != nil {
		return err
	}
	if c.Status == models.CasePolicyPending && c.ResolveTries >= m.cfg.MaxResolveAttempts {
		return m.Abandon(ctx, fp, "policy indeterminate after max resolution attempts")
	}
	return nil
}

// HandleAgentMessage is the reconciliation path: raw text from the
// execution agent, parsed into typed events. A parse miss changes no
// state and is not an error.
func (m *Manager) HandleAgentMessage(ctx context.Context, raw string) error {
	ev, ok := m.parser.Parse(raw)
	if !ok {
		return nil
	}

	switch e := ev.(type) {
	case models.OrderConfirmation:
		return m.applyOrderConfirmation(ctx, e)
	case models.HoldingsSnapshot:
		return m.applyHoldingsSnapshot(ctx, e)
	default:
		return nil
	}
}

// applyOrderConfirmation feeds a fill back into the owning case and
// the scheduler's action record.
func (m *Manager) applyOrderConfirmation(ctx context.Context, conf models.OrderConfirmation) error {
	c, err := m.openCaseByTicker(ctx, conf.Ticker)
	if err != nil {
		return err
	}
	if c == nil {
		m.logger.Debug().Str("ticker", conf.Ticker).Msg("order confirmation for unknown case ignored")
		return nil
	}

	account := models.AccountKey{Broker: conf.Broker, Account: conf.Account}
	actionID := models.ActionID(c.Fingerprint, conf.Side, account)

	if !conf.Success {
		if _, err := m.sched.MarkFailed(ctx, actionID, true); err != nil && err != store.ErrNotFound {
			return err
		}
		return nil
	}

	if _, err := m.sched.MarkConfirmed(ctx, actionID); err != nil {
		return err
	}

	switch conf.Side {
	case models.ActionBuy:
		if err := m.cases.SetAccountProgress(ctx, c.Fingerprint, account, models.ProgressFilled); err != nil {
			return err
		}
		// First fill moves the case; later fills hit the CAS guard and
		// no-op.
		if _, err := m.cases.Transition(ctx, c.Fingerprint, models.CaseOrderSubmitted, models.CaseHoldingConfirmed); err != nil {
			return err
		}
		// A fill arriving before the dispatch sweep ran is still a fill.
		if c.Status == models.CasePlanned {
			if _, err := m.cases.Transition(ctx, c.Fingerprint, models.CasePlanned, models.CaseHoldingConfirmed); err != nil {
				return err
			}
		}
	case models.ActionSell:
		if err := m.cases.SetAccountProgress(ctx, c.Fingerprint, account, models.ProgressSold); err != nil {
			return err
		}
		return m.closeIfFullySold(ctx, c.Fingerprint)
	}
	return nil
}

// applyHoldingsSnapshot performs post-split reconciliation: a snapshot
// showing the ticker after the effective date confirms the split
// landed, and the exit sell is planned.
func (m *Manager) applyHoldingsSnapshot(ctx context.Context, snap models.HoldingsSnapshot) error {
	open, err := m.cases.ListOpen(ctx)
	if err != nil {
		return err
	}

	for i := range open {
		c := &open[i]
		if c.Status != models.CaseAwaitingSplit {
			continue
		}
		held := false
		for _, pos := range snap.Positions {
			if strings.EqualFold(pos.Ticker, c.Ticker) && pos.Quantity > 0 {
				held = true
				break
			}
		}
		if !held {
			continue
		}

		changed, err := m.cases.Transition(ctx, c.Fingerprint, models.CaseAwaitingSplit, models.CasePostSplitReconciled)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		m.logger.Info().
			Str("fingerprint", c.Fingerprint).
			Str("account", snap.Broker+"/"+snap.Account).
			Msg("post-split holdings reconciled")

		if err := m.planSell(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// planSell schedules the exit for every account that filled.
func (m *Manager) planSell(ctx context.Context, c *models.Case) error {
	var targets []models.AccountKey
	for key, progress := range c.Accounts {
		if progress != models.ProgressFilled {
			continue
		}
		parts := strings.SplitN(key, "/", 2)
		if len(parts) == 2 {
			targets = append(targets, models.AccountKey{Broker: parts[0], Account: parts[1]})
		}
	}
	if len(targets) == 0 {
		return nil
	}

	_, err := m.sched.Plan(ctx, c.Fingerprint, models.ActionSell, c.Ticker, m.cfg.BuyQuantity, targets, m.now())
	if err != nil {
		return fmt.Errorf("failed to plan post-split sell: %w", err)
	}
	return nil
}

// closeIfFullySold closes a reconciled case once every filled account
// has sold.
func (m *Manager) closeIfFullySold(ctx context.Context, fp string) error {
	c, err := m.cases.Get(ctx, fp)
	if err != nil {
		return err
	}
	for _, progress := range c.Accounts {
		if progress == models.ProgressFilled || progress == models.ProgressOrdered {
			return nil
		}
	}
	changed, err := m.cases.Transition(ctx, fp, models.CasePostSplitReconciled, models.CaseClosed)
	if err != nil {
		return err
	}
	if changed {
		m.logger.Info().Str("fingerprint", fp).Msg("case closed")
	}
	return nil
}

// Sweep advances time-driven transitions: dispatched buys, reached
// effective dates, exhausted resolution attempts. Run it from the same
// loop as the scheduler tick.
func (m *Manager) Sweep(ctx context.Context) error {
	open, err := m.cases.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open cases: %w", err)
	}
	now := m.now()

	for i := range open {
		c := &open[i]
		switch c.Status {
		case models.CaseDetected:
			if err := m.recoverDetected(ctx, c); err != nil {
				return err
			}
		case models.CasePlanned:
			if err := m.advanceIfDispatched(ctx, c); err != nil {
				return err
			}
		case models.CaseHoldingConfirmed:
			if c.EffectiveDate == nil || now.Before(*c.EffectiveDate) {
				continue
			}
			if !m.calendar.IsTradingDay(now) {
				continue
			}
			changed, err := m.cases.Transition(ctx, c.Fingerprint, models.CaseHoldingConfirmed, models.CaseAwaitingSplit)
			if err != nil {
				return err
			}
			if changed {
				m.logger.Info().Str("fingerprint", c.Fingerprint).Msg("effective date reached, awaiting post-split holdings")
				if m.agent != nil {
					if err := m.agent.RequestHoldings(ctx, ""); err != nil {
						m.logger.Warn().Err(err).Msg("holdings request failed")
					}
				}
			}
		case models.CasePolicyPending:
			if c.ResolveTries >= m.cfg.MaxResolveAttempts {
				if err := m.Abandon(ctx, c.Fingerprint, "policy indeterminate after max resolution attempts"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// recoverDetected replays the intake transition for a case stranded in
// DETECTED, resolving from its most recent stored source ref. Without
// this a crash between upsert and transition would strand the case
// until the same alert happened to be redelivered.
func (m *Manager) recoverDetected(ctx context.Context, c *models.Case) error {
	changed, err := m.cases.Transition(ctx, c.Fingerprint, models.CaseDetected, models.CasePolicyPending)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	logging.LogCaseTransition(m.logger, c.Fingerprint, c.Ticker,
		string(models.CaseDetected), string(models.CasePolicyPending))

	alert := models.Alert{Ticker: c.Ticker, ReceivedAt: m.now()}
	if n := len(c.SourceRefs); n > 0 {
		ref := c.SourceRefs[n-1]
		alert.URL = ref.URL
		alert.RawMessage = ref.Excerpt
		alert.ReceivedAt = ref.ReceivedAt
	}
	return m.resolveAndAdvance(ctx, c.Fingerprint, alert)
}

// advanceIfDispatched moves PLANNED to ORDER_SUBMITTED once the
// scheduler has sent at least one buy for the case.
func (m *Manager) advanceIfDispatched(ctx context.Context, c *models.Case) error {
	actions, err := m.sched.CaseActions(ctx, c.Fingerprint)
	if err != nil {
		return err
	}
	for _, a := range actions {
		if a.Kind != models.ActionBuy {
			continue
		}
		if a.Status == models.ActionDispatched || a.Status == models.ActionConfirmed {
			changed, err := m.cases.Transition(ctx, c.Fingerprint, models.CasePlanned, models.CaseOrderSubmitted)
			if changed {
				logging.LogCaseTransition(m.logger, c.Fingerprint, c.Ticker,
					string(models.CasePlanned), string(models.CaseOrderSubmitted))
			}
			return err
		}
	}
	return nil
}

// Abandon is terminal: it walks the case to ABANDONED from whatever
// non-terminal state it is in and cancels its pending actions so the
// queue never dispatches for it.
func (m *Manager) Abandon(ctx context.Context, fp, reason string) error {
	c, err := m.cases.Get(ctx, fp)
	if err != nil {
		return err
	}
	if c.Status.IsTerminal() {
		return nil
	}

	changed, err := m.cases.Transition(ctx, fp, c.Status, models.CaseAbandoned)
	if err != nil {
		return err
	}
	if !changed {
		// Lost the race to another transition; the next sweep or an
		// explicit retry picks it up from the new state.
		return nil
	}

	if err := m.sched.CancelForCase(ctx, fp); err != nil {
		return err
	}

	m.logger.Warn().Str("fingerprint", fp).Str("reason", reason).Msg("case abandoned")
	if m.reporter != nil {
		c.Status = models.CaseAbandoned
		m.reporter.CaseAbandoned(ctx, *c, reason)
	}
	return nil
}

// openCaseByTicker finds the open case for a ticker. The fingerprint
// invariant guarantees at most one.
func (m *Manager) openCaseByTicker(ctx context.Context, ticker string) (*models.Case, error) {
	open, err := m.cases.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	for i := range open {
		if strings.EqualFold(open[i].Ticker, ticker) {
			return &open[i], nil
		}
	}
	return nil, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
