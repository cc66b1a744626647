package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"rsassistant/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Reverse-split cases, one row per fingerprint
	CREATE TABLE IF NOT EXISTS cases (
		fingerprint TEXT PRIMARY KEY,
		ticker TEXT NOT NULL,
		status TEXT NOT NULL,
		effective_date DATETIME,
		ratio_num INTEGER,
		ratio_den INTEGER,
		policy TEXT NOT NULL DEFAULT 'unknown',
		confidence TEXT NOT NULL DEFAULT 'programmatic',
		resolve_tries INTEGER NOT NULL DEFAULT 0,
		accounts TEXT NOT NULL DEFAULT '{}',
		source_refs TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Scheduled actions; rows are audit history and are never deleted
	CREATE TABLE IF NOT EXISTS scheduled_actions (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		kind TEXT NOT NULL,
		ticker TEXT NOT NULL,
		quantity REAL NOT NULL,
		broker TEXT NOT NULL,
		account TEXT NOT NULL,
		not_before DATETIME NOT NULL,
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		dispatched_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
	CREATE INDEX IF NOT EXISTS idx_cases_ticker ON cases(ticker);
	CREATE INDEX IF NOT EXISTS idx_actions_status ON scheduled_actions(status);
	CREATE INDEX IF NOT EXISTS idx_actions_fingerprint ON scheduled_actions(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_actions_due ON scheduled_actions(status, not_before);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Case Methods
// ============================================================================

// UpsertByFingerprint creates a case on first sight of a fingerprint or
// appends the observation's source ref to the existing row. The
// read-modify-write runs inside one transaction so concurrent duplicate
// alerts cannot create two cases or lose a ref.
func (s *SQLiteStore) UpsertByFingerprint(ctx context.Context, fingerprint string, obs Observation) (*models.Case, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanCaseRow(tx.QueryRowContext(ctx, caseSelect+" WHERE fingerprint = ?", fingerprint))
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to query case: %w", err)
	}

	now := obs.ObservedAt
	if now.IsZero() {
		now = time.Now()
	}

	if err == sql.ErrNoRows {
		c := &models.Case{
			Fingerprint: fingerprint,
			Ticker:      strings.ToUpper(obs.Ticker),
			Status:      models.CaseDetected,
			Policy:      models.PolicyUnknown,
			Confidence:  models.ConfidenceProgrammatic,
			Accounts:    make(map[string]models.AccountProgress),
			SourceRefs:  []models.SourceRef{obs.Source},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		refs, _ := json.Marshal(c.SourceRefs)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cases (fingerprint, ticker, status, policy, confidence, accounts, source_refs, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, '{}', ?, ?, ?)
		`, c.Fingerprint, c.Ticker, c.Status, c.Policy, c.Confidence, string(refs), c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert case: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return c, true, nil
	}

	existing.SourceRefs = append(existing.SourceRefs, obs.Source)
	existing.UpdatedAt = now
	refs, _ := json.Marshal(existing.SourceRefs)
	_, err = tx.ExecContext(ctx, `
		UPDATE cases SET source_refs = ?, updated_at = ? WHERE fingerprint = ?
	`, string(refs), now, fingerprint)
	if err != nil {
		return nil, false, fmt.Errorf("failed to append source ref: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return existing, false, nil
}

// Get returns the case for a fingerprint.
func (s *SQLiteStore) Get(ctx context.Context, fingerprint string) (*models.Case, error) {
	c, err := scanCaseRow(s.db.QueryRowContext(ctx, caseSelect+" WHERE fingerprint = ?", fingerprint))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	return c, nil
}

// Transition performs the compare-and-swap status update. A stale
// expected status affects zero rows and reports false.
func (s *SQLiteStore) Transition(ctx context.Context, fingerprint string, expected, next models.CaseStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cases SET status = ?, updated_at = ? WHERE fingerprint = ? AND status = ?
	`, next, time.Now(), fingerprint, expected)
	if err != nil {
		return false, fmt.Errorf("failed to transition case: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

// SetPolicy records resolver output and bumps the attempt counter.
func (s *SQLiteStore) SetPolicy(ctx context.Context, fingerprint string, upd PolicyUpdate) error {
	var num, den interface{}
	if upd.Ratio != nil {
		num, den = upd.Ratio.Numerator, upd.Ratio.Denominator
	}
	var effective interface{}
	if upd.EffectiveDate != nil {
		effective = *upd.EffectiveDate
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE cases
		SET policy = ?, confidence = ?,
			ratio_num = COALESCE(?, ratio_num), ratio_den = COALESCE(?, ratio_den),
			effective_date = COALESCE(?, effective_date),
			resolve_tries = resolve_tries + 1, updated_at = ?
		WHERE fingerprint = ?
	`, upd.Policy, upd.Confidence, num, den, effective, time.Now(), fingerprint)
	if err != nil {
		return fmt.Errorf("failed to set policy: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAccountProgress updates one account's sub-status inside the
// accounts JSON column, transactionally.
func (s *SQLiteStore) SetAccountProgress(ctx context.Context, fingerprint string, account models.AccountKey, progress models.AccountProgress) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var accountsJSON string
	err = tx.QueryRowContext(ctx, `SELECT accounts FROM cases WHERE fingerprint = ?`, fingerprint).Scan(&accountsJSON)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read account progress: %w", err)
	}

	accounts := make(map[string]models.AccountProgress)
	json.Unmarshal([]byte(accountsJSON), &accounts)
	accounts[account.String()] = progress

	updated, _ := json.Marshal(accounts)
	_, err = tx.ExecContext(ctx, `
		UPDATE cases SET accounts = ?, updated_at = ? WHERE fingerprint = ?
	`, string(updated), time.Now(), fingerprint)
	if err != nil {
		return fmt.Errorf("failed to update account progress: %w", err)
	}
	return tx.Commit()
}

// ListOpen returns all cases in a non-terminal status.
func (s *SQLiteStore) ListOpen(ctx context.Context) ([]models.Case, error) {
	rows, err := s.db.QueryContext(ctx, caseSelect+`
		WHERE status NOT IN (?, ?) ORDER BY created_at ASC
	`, models.CaseClosed, models.CaseAbandoned)
	if err != nil {
		return nil, fmt.Errorf("failed to query open cases: %w", err)
	}
	defer rows.Close()
	return collectCases(rows)
}

// List returns cases matching the filter.
func (s *SQLiteStore) List(ctx context.Context, filter CaseFilter) ([]models.Case, error) {
	query := caseSelect + " WHERE 1=1"
	args := []interface{}{}

	if filter.Ticker != "" {
		query += " AND ticker = ?"
		args = append(args, strings.ToUpper(filter.Ticker))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cases: %w", err)
	}
	defer rows.Close()
	return collectCases(rows)
}

const caseSelect = `
	SELECT fingerprint, ticker, status, effective_date, ratio_num, ratio_den,
		policy, confidence, resolve_tries, accounts, source_refs, created_at, updated_at
	FROM cases`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCaseRow(row rowScanner) (*models.Case, error) {
	var c models.Case
	var effective sql.NullTime
	var num, den sql.NullInt64
	var accountsJSON, refsJSON string

	err := row.Scan(&c.Fingerprint, &c.Ticker, &c.Status, &effective, &num, &den,
		&c.Policy, &c.Confidence, &c.ResolveTries, &accountsJSON, &refsJSON, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if effective.Valid {
		t := effective.Time
		c.EffectiveDate = &t
	}
	if num.Valid && den.Valid {
		c.SplitRatio = &models.Ratio{Numerator: int(num.Int64), Denominator: int(den.Int64)}
	}
	c.Accounts = make(map[string]models.AccountProgress)
	json.Unmarshal([]byte(accountsJSON), &c.Accounts)
	json.Unmarshal([]byte(refsJSON), &c.SourceRefs)
	return &c, nil
}

func collectCases(rows *sql.Rows) ([]models.Case, error) {
	var cases []models.Case
	for rows.Next() {
		c, err := scanCaseRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}
		cases = append(cases, *c)
	}
	return cases, rows.Err()
}

// ============================================================================
// Scheduled Action Methods
// ============================================================================

// SaveAction inserts a new action row.
func (s *SQLiteStore) SaveAction(ctx context.Context, a *models.ScheduledAction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_actions (id, fingerprint, kind, ticker, quantity, broker, account,
			not_before, status, attempt_count, last_error, dispatched_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Fingerprint, a.Kind, a.Ticker, a.Quantity, a.Account.Broker, a.Account.Account,
		a.NotBefore, a.Status, a.AttemptCount, a.LastError, a.DispatchedAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save action: %w", err)
	}
	return nil
}

// GetAction returns an action by id.
func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*models.ScheduledAction, error) {
	a, err := scanActionRow(s.db.QueryRowContext(ctx, actionSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return a, nil
}

// FindLiveAction returns the live action occupying the execution dedupe
// slot for a (fingerprint, kind, account) key.
func (s *SQLiteStore) FindLiveAction(ctx context.Context, fingerprint string, kind models.ActionKind, account models.AccountKey) (*models.ScheduledAction, error) {
	a, err := scanActionRow(s.db.QueryRowContext(ctx, actionSelect+`
		WHERE fingerprint = ? AND kind = ? AND broker = ? AND account = ? AND status IN (?, ?)
	`, fingerprint, kind, account.Broker, account.Account, models.ActionPending, models.ActionDispatched))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find live action: %w", err)
	}
	return a, nil
}

// ListDue returns PENDING actions eligible for dispatch at now.
func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time) ([]models.ScheduledAction, error) {
	rows, err := s.db.QueryContext(ctx, actionSelect+`
		WHERE status = ? AND not_before <= ? ORDER BY not_before ASC
	`, models.ActionPending, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due actions: %w", err)
	}
	defer rows.Close()
	return collectActions(rows)
}

// ListLiveActions returns every PENDING or DISPATCHED action.
func (s *SQLiteStore) ListLiveActions(ctx context.Context) ([]models.ScheduledAction, error) {
	rows, err := s.db.QueryContext(ctx, actionSelect+`
		WHERE status IN (?, ?) ORDER BY not_before ASC
	`, models.ActionPending, models.ActionDispatched)
	if err != nil {
		return nil, fmt.Errorf("failed to query live actions: %w", err)
	}
	defer rows.Close()
	return collectActions(rows)
}

// ListActions returns actions matching the filter.
func (s *SQLiteStore) ListActions(ctx context.Context, filter ActionFilter) ([]models.ScheduledAction, error) {
	query := actionSelect + " WHERE 1=1"
	args := []interface{}{}

	if filter.Fingerprint != "" {
		query += " AND fingerprint = ?"
		args = append(args, filter.Fingerprint)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()
	return collectActions(rows)
}

// TransitionAction applies a guarded status mutation. The guard on the
// current status makes dispatch and reconciliation safe to race.
func (s *SQLiteStore) TransitionAction(ctx context.Context, id string, expected []models.ActionStatus, mut ActionMutation) (bool, error) {
	if len(expected) == 0 {
		return false, fmt.Errorf("transition requires at least one expected status")
	}

	set := "status = ?, updated_at = ?"
	args := []interface{}{mut.Status, time.Now()}

	if mut.NotBefore != nil {
		set += ", not_before = ?"
		args = append(args, *mut.NotBefore)
	}
	if mut.BumpAttempt {
		set += ", attempt_count = attempt_count + 1"
	}
	if mut.LastError != "" {
		set += ", last_error = ?"
		args = append(args, mut.LastError)
	} else if mut.ClearError {
		set += ", last_error = ''"
	}
	if mut.DispatchedAt != nil {
		set += ", dispatched_at = ?"
		args = append(args, *mut.DispatchedAt)
	}

	placeholders := make([]string, len(expected))
	args = append(args, id)
	for i, st := range expected {
		placeholders[i] = "?"
		args = append(args, st)
	}
	query := "UPDATE scheduled_actions SET " + set + " WHERE id = ? AND status IN (" + strings.Join(placeholders, ",") + ")"

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition action: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

const actionSelect = `
	SELECT id, fingerprint, kind, ticker, quantity, broker, account,
		not_before, status, attempt_count, last_error, dispatched_at, created_at, updated_at
	FROM scheduled_actions`

func scanActionRow(row rowScanner) (*models.ScheduledAction, error) {
	var a models.ScheduledAction
	var dispatched sql.NullTime

	err := row.Scan(&a.ID, &a.Fingerprint, &a.Kind, &a.Ticker, &a.Quantity,
		&a.Account.Broker, &a.Account.Account, &a.NotBefore, &a.Status,
		&a.AttemptCount, &a.LastError, &dispatched, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if dispatched.Valid {
		t := dispatched.Time
		a.DispatchedAt = &t
	}
	return &a, nil
}

func collectActions(rows *sql.Rows) ([]models.ScheduledAction, error) {
	var actions []models.ScheduledAction
	for rows.Next() {
		a, err := scanActionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, *a)
	}
	return actions, rows.Err()
}
