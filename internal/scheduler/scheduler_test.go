package scheduler

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rsassistant/internal/market"
	"rsassistant/internal/models"
	"rsassistant/internal/store"
)

type fakeCommander struct {
	mu        sync.Mutex
	submitted []string
	err       error
}

func (f *fakeCommander) SubmitOrder(ctx context.Context, kind models.ActionKind, quantity float64, ticker string, account models.AccountKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, string(kind)+" "+ticker+" "+account.String())
	return nil
}

func (f *fakeCommander) RequestHoldings(ctx context.Context, broker string) error {
	return nil
}

func (f *fakeCommander) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type fakeReporter struct {
	failed  []models.ScheduledAction
	expired []models.ScheduledAction
}

func (f *fakeReporter) ActionFailed(ctx context.Context, a models.ScheduledAction) {
	f.failed = append(f.failed, a)
}

func (f *fakeReporter) ActionExpired(ctx context.Context, a models.ScheduledAction) {
	f.expired = append(f.expired, a)
}

// failingActionStore wraps a real store and injects errors on selected
// operations.
type failingActionStore struct {
	store.DataStore
	findErr error
	saveErr error
}

func (f *failingActionStore) FindLiveAction(ctx context.Context, fingerprint string, kind models.ActionKind, account models.AccountKey) (*models.ScheduledAction, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.DataStore.FindLiveAction(ctx, fingerprint, kind, account)
}

func (f *failingActionStore) SaveAction(ctx context.Context, action *models.ScheduledAction) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.DataStore.SaveAction(ctx, action)
}

func eastern(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, market.NewYork)
}

func testConfig() Config {
	return Config{
		PollInterval:   time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Minute,
		MaxBackoff:     30 * time.Minute,
		BackoffFactor:  2.0,
		ConfirmWindow:  24 * time.Hour,
	}
}

// newTestScheduler wires a scheduler to a throwaway database with a
// controllable clock. 2026-01-05 10:00 Eastern is an open Monday.
func newTestScheduler(t *testing.T, dbPath string, commander *fakeCommander, reporter *fakeReporter) (*Scheduler, store.DataStore, *time.Time) {
	t.Helper()

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
		os.Remove(dbPath)
	})

	calendar := market.NewCalendar(nil)
	s := New(st, calendar, commander, reporter, testConfig(), zerolog.Nop())

	now := eastern(2026, 1, 5, 10, 0)
	s.now = func() time.Time { return now }
	return s, st, &now
}

func TestPlanDeduplicatesOnLiveAction(t *testing.T) {
	commander := &fakeCommander{}
	s, st, now := newTestScheduler(t, "test_plan_dedupe.db", commander, nil)
	ctx := context.Background()

	accounts := []models.AccountKey{
		{Broker: "Fidelity", Account: "1234"},
		{Broker: "Robinhood", Account: "5678"},
	}

	first, err := s.Plan(ctx, "ACME|example.com/split", models.ActionBuy, "ACME", 1, accounts, *now)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("planned %d actions, want 2", len(first))
	}

	// Replanning the same case returns the live actions untouched.
	second, err := s.Plan(ctx, "ACME|example.com/split", models.ActionBuy, "ACME", 1, accounts, *now)
	if err != nil {
		t.Fatalf("Replan failed: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("replanned %d actions, want 2", len(second))
	}
	for i := range first {
		if second[i].ID != first[i].ID {
			t.Errorf("replan produced new action %s, want %s", second[i].ID, first[i].ID)
		}
	}

	all, err := st.ListActions(ctx, store.ActionFilter{Fingerprint: "ACME|example.com/split"})
	if err != nil {
		t.Fatalf("ListActions failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("store holds %d actions, want 2", len(all))
	}
}

func TestPlanDefersToNextOpenSession(t *testing.T) {
	commander := &fakeCommander{}
	s, _, _ := newTestScheduler(t, "test_plan_defer.db", commander, nil)
	ctx := context.Background()

	saturday := eastern(2026, 1, 3, 12, 0)
	planned, err := s.Plan(ctx, "ACME|weekend", models.ActionBuy, "ACME", 1,
		[]models.AccountKey{{Broker: "Fidelity", Account: "1234"}}, saturday)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	wantOpen := eastern(2026, 1, 5, 9, 30)
	if !planned[0].NotBefore.Equal(wantOpen) {
		t.Errorf("NotBefore = %v, want %v", planned[0].NotBefore, wantOpen)
	}
}

func TestPlanSurfacesStoreFailure(t *testing.T) {
	st, err := store.NewSQLiteStore("test_plan_storefail.db")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
		os.Remove("test_plan_storefail.db")
	})

	boom := errors.New("database is locked")
	fs := &failingActionStore{DataStore: st}

	commander := &fakeCommander{}
	s := New(fs, market.NewCalendar(nil), commander, nil, testConfig(), zerolog.Nop())
	now := eastern(2026, 1, 5, 10, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	accounts := []models.AccountKey{{Broker: "Fidelity", Account: "1234"}}

	// A failed persist surfaces instead of dispatching anything.
	fs.saveErr = boom
	if _, err := s.Plan(ctx, "ACME|storefail", models.ActionBuy, "ACME", 1, accounts, now); !errors.Is(err, boom) {
		t.Fatalf("Plan error = %v, want wrapped store error", err)
	}

	// So does a failed dedupe lookup.
	fs.saveErr = nil
	fs.findErr = boom
	if _, err := s.Plan(ctx, "ACME|storefail", models.ActionBuy, "ACME", 1, accounts, now); !errors.Is(err, boom) {
		t.Fatalf("Plan error = %v, want wrapped store error", err)
	}

	if commander.count() != 0 {
		t.Errorf("failed plan submitted %d orders, want 0", commander.count())
	}
	all, _ := st.ListActions(ctx, store.ActionFilter{Fingerprint: "ACME|storefail"})
	if len(all) != 0 {
		t.Errorf("store holds %d actions after failed plans, want 0", len(all))
	}
}

func TestDispatchDueSubmitsInsideMarketHours(t *testing.T) {
	commander := &fakeCommander{}
	s, st, now := newTestScheduler(t, "test_dispatch.db", commander, nil)
	ctx := context.Background()

	planned, err := s.Plan(ctx, "ACME|dispatch", models.ActionBuy, "ACME", 1,
		[]models.AccountKey{{Broker: "Fidelity", Account: "1234"}}, *now)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if err := s.DispatchDue(ctx); err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}
	if commander.count() != 1 {
		t.Fatalf("commander received %d orders, want 1", commander.count())
	}

	a, err := st.GetAction(ctx, planned[0].ID)
	if err != nil {
		t.Fatalf("GetAction failed: %v", err)
	}
	if a.Status != models.ActionDispatched {
		t.Errorf("status = %s, want DISPATCHED", a.Status)
	}
	if a.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", a.AttemptCount)
	}
	if a.DispatchedAt == nil {
		t.Error("dispatched action has no dispatch timestamp")
	}

	// A second evaluation must not re-send the claimed action.
	if err := s.DispatchDue(ctx); err != nil {
		t.Fatalf("second DispatchDue failed: %v", err)
	}
	if commander.count() != 1 {
		t.Errorf("commander received %d orders after second tick, want 1", commander.count())
	}
}

func TestDispatchReschedulesOutsideMarketHours(t *testing.T) {
	commander := &fakeCommander{}
	s, st, now := newTestScheduler(t, "test_closed.db", commander, nil)
	ctx := context.Background()

	// An action whose slot was missed: due in the past, evaluated on a
	// Saturday.
	a := &models.ScheduledAction{
		ID:          models.ActionID("ACME|missed", models.ActionBuy, models.AccountKey{Broker: "Fidelity", Account: "1234"}),
		Fingerprint: "ACME|missed",
		Kind:        models.ActionBuy,
		Ticker:      "ACME",
		Quantity:    1,
		Account:     models.AccountKey{Broker: "Fidelity", Account: "1234"},
		NotBefore:   eastern(2026, 1, 2, 10, 0),
		Status:      models.ActionPending,
		CreatedAt:   eastern(2026, 1, 2, 9, 0),
		UpdatedAt:   eastern(2026, 1, 2, 9, 0),
	}
	if err := st.SaveAction(ctx, a); err != nil {
		t.Fatalf("SaveAction failed: %v", err)
	}

	*now = eastern(2026, 1, 3, 12, 0)
	if err := s.DispatchDue(ctx); err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}

	if commander.count() != 0 {
		t.Fatalf("commander received an order while the market was closed")
	}
	got, _ := st.GetAction(ctx, a.ID)
	if got.Status != models.ActionPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
	wantOpen := eastern(2026, 1, 5, 9, 30)
	if !got.NotBefore.Equal(wantOpen) {
		t.Errorf("NotBefore = %v, want %v", got.NotBefore, wantOpen)
	}
}

func TestDispatchFailureBacksOffThenFails(t *testing.T) {
	commander := &fakeCommander{err: errors.New("bridge unreachable")}
	reporter := &fakeReporter{}
	s, st, now := newTestScheduler(t, "test_backoff.db", commander, reporter)
	ctx := context.Background()

	planned, err := s.Plan(ctx, "ACME|flaky", models.ActionBuy, "ACME", 1,
		[]models.AccountKey{{Broker: "Fidelity", Account: "1234"}}, *now)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	id := planned[0].ID

	// First two failures back off and stay PENDING.
	for attempt := 1; attempt <= 2; attempt++ {
		if err := s.DispatchDue(ctx); err != nil {
			t.Fatalf("DispatchDue failed: %v", err)
		}
		a, _ := st.GetAction(ctx, id)
		if a.Status != models.ActionPending {
			t.Fatalf("after attempt %d status = %s, want PENDING", attempt, a.Status)
		}
		if a.AttemptCount != attempt {
			t.Fatalf("after attempt %d count = %d", attempt, a.AttemptCount)
		}
		if a.LastError == "" {
			t.Fatalf("after attempt %d no last error recorded", attempt)
		}
		if !a.NotBefore.After(*now) {
			t.Fatalf("after attempt %d NotBefore %v not in the future", attempt, a.NotBefore)
		}
		*now = now.Add(2 * time.Hour)
	}

	// The third failure exhausts the attempt ceiling.
	if err := s.DispatchDue(ctx); err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}
	a, _ := st.GetAction(ctx, id)
	if a.Status != models.ActionFailed {
		t.Errorf("status = %s, want FAILED", a.Status)
	}
	if len(reporter.failed) != 1 {
		t.Errorf("reporter saw %d failures, want 1", len(reporter.failed))
	}
}

func TestExpireStaleDispatchedActions(t *testing.T) {
	commander := &fakeCommander{}
	reporter := &fakeReporter{}
	s, st, now := newTestScheduler(t, "test_expire.db", commander, reporter)
	ctx := context.Background()

	planned, err := s.Plan(ctx, "ACME|stale", models.ActionBuy, "ACME", 1,
		[]models.AccountKey{{Broker: "Fidelity", Account: "1234"}}, *now)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	id := planned[0].ID

	if err := s.DispatchDue(ctx); err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}

	// One confirmation window later, still unconfirmed.
	*now = now.Add(25 * time.Hour)
	if err := s.DispatchDue(ctx); err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}

	a, _ := st.GetAction(ctx, id)
	if a.Status != models.ActionExpired {
		t.Fatalf("status = %s, want EXPIRED", a.Status)
	}
	if len(reporter.expired) != 1 {
		t.Errorf("reporter saw %d expiries, want 1", len(reporter.expired))
	}

	// Expiry is terminal: only the operator path re-arms it.
	changed, err := s.ForceRetry(ctx, id)
	if err != nil || !changed {
		t.Fatalf("ForceRetry: changed=%v err=%v", changed, err)
	}
	a, _ = st.GetAction(ctx, id)
	if a.Status != models.ActionPending {
		t.Errorf("status after ForceRetry = %s, want PENDING", a.Status)
	}

	// A live action is left alone by the operator path.
	changed, err = s.ForceRetry(ctx, id)
	if err != nil {
		t.Fatalf("ForceRetry failed: %v", err)
	}
	if changed {
		t.Error("ForceRetry re-armed a live action")
	}
}

func TestMarkConfirmed(t *testing.T) {
	commander := &fakeCommander{}
	s, st, now := newTestScheduler(t, "test_confirm.db", commander, nil)
	ctx := context.Background()

	planned, err := s.Plan(ctx, "ACME|confirm", models.ActionBuy, "ACME", 1,
		[]models.AccountKey{{Broker: "Fidelity", Account: "1234"}}, *now)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	id := planned[0].ID

	changed, err := s.MarkConfirmed(ctx, id)
	if err != nil || !changed {
		t.Fatalf("MarkConfirmed: changed=%v err=%v", changed, err)
	}
	a, _ := st.GetAction(ctx, id)
	if a.Status != models.ActionConfirmed {
		t.Errorf("status = %s, want CONFIRMED", a.Status)
	}

	// Replayed confirmations no-op.
	changed, err = s.MarkConfirmed(ctx, id)
	if err != nil {
		t.Fatalf("replayed MarkConfirmed failed: %v", err)
	}
	if changed {
		t.Error("replayed confirmation mutated a terminal action")
	}
}

func TestMarkFailedRetryable(t *testing.T) {
	commander := &fakeCommander{}
	reporter := &fakeReporter{}
	s, st, now := newTestScheduler(t, "test_markfailed.db", commander, reporter)
	ctx := context.Background()

	planned, err := s.Plan(ctx, "ACME|reported", models.ActionBuy, "ACME", 1,
		[]models.AccountKey{{Broker: "Fidelity", Account: "1234"}}, *now)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	id := planned[0].ID

	changed, err := s.MarkFailed(ctx, id, true)
	if err != nil || !changed {
		t.Fatalf("MarkFailed: changed=%v err=%v", changed, err)
	}
	a, _ := st.GetAction(ctx, id)
	if a.Status != models.ActionPending {
		t.Errorf("retryable failure status = %s, want PENDING", a.Status)
	}
	if !a.NotBefore.After(*now) {
		t.Errorf("retryable failure NotBefore %v not backed off", a.NotBefore)
	}

	changed, err = s.MarkFailed(ctx, id, false)
	if err != nil || !changed {
		t.Fatalf("terminal MarkFailed: changed=%v err=%v", changed, err)
	}
	a, _ = st.GetAction(ctx, id)
	if a.Status != models.ActionFailed {
		t.Errorf("terminal failure status = %s, want FAILED", a.Status)
	}
	if len(reporter.failed) != 1 {
		t.Errorf("reporter saw %d failures, want 1", len(reporter.failed))
	}
}

func TestCancelForCase(t *testing.T) {
	commander := &fakeCommander{}
	s, st, now := newTestScheduler(t, "test_cancel.db", commander, nil)
	ctx := context.Background()

	accounts := []models.AccountKey{
		{Broker: "Fidelity", Account: "1234"},
		{Broker: "Robinhood", Account: "5678"},
	}
	planned, err := s.Plan(ctx, "ACME|cancel", models.ActionBuy, "ACME", 1, accounts, *now)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if err := s.CancelForCase(ctx, "ACME|cancel"); err != nil {
		t.Fatalf("CancelForCase failed: %v", err)
	}

	for _, p := range planned {
		a, _ := st.GetAction(ctx, p.ID)
		if a.Status != models.ActionExpired {
			t.Errorf("action %s status = %s, want EXPIRED", p.ID, a.Status)
		}
	}

	if err := s.DispatchDue(ctx); err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}
	if commander.count() != 0 {
		t.Error("cancelled actions were dispatched")
	}
}

func TestResumeReloadsLiveQueue(t *testing.T) {
	commander := &fakeCommander{}
	s, _, now := newTestScheduler(t, "test_resume.db", commander, nil)
	ctx := context.Background()

	_, err := s.Plan(ctx, "ACME|resume", models.ActionBuy, "ACME", 1,
		[]models.AccountKey{{Broker: "Fidelity", Account: "1234"}}, *now)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	// A fresh scheduler over the same database picks the queue back up.
	if err := s.Resume(ctx); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if err := s.DispatchDue(ctx); err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}
	if commander.count() != 1 {
		t.Errorf("commander received %d orders after resume, want 1", commander.count())
	}
}
