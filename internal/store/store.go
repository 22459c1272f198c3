// Package store implements the transactional persistence layer over
// PostgreSQL: the pull_request / merge_attempt / merge_attempt_pr tables,
// plus the schema migrator in migrate.go. Every multi-step controller
// operation runs inside one serializable transaction, so the progress
// invariant (at most one non-Split merge_attempt per repo) holds even
// under concurrent callers.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// PrState is the lifecycle state of a queued pull request. Stored as the
// snake-case string returned by String() — migrations never renumber it.
type PrState int

const (
	PrRequested PrState = iota
	PrQueued
	PrMerging
	PrSplit
)

func (s PrState) String() string {
	switch s {
	case PrRequested:
		return "requested"
	case PrQueued:
		return "queued"
	case PrMerging:
		return "merging"
	case PrSplit:
		return "split"
	default:
		return "unknown"
	}
}

// ParsePrState is the inverse of PrState.String, used when reading the
// state column back out of the database.
func ParsePrState(s string) (PrState, error) {
	switch s {
	case "requested":
		return PrRequested, nil
	case "queued":
		return PrQueued, nil
	case "merging":
		return PrMerging, nil
	case "split":
		return PrSplit, nil
	default:
		return 0, fmt.Errorf("unrecognized pull_request state %q", s)
	}
}

// MergeState is the lifecycle state of a merge attempt.
type MergeState int

const (
	MergeConstructing MergeState = iota
	MergeTesting
	MergeSuccess
	MergeSplit
)

func (s MergeState) String() string {
	switch s {
	case MergeConstructing:
		return "constructing"
	case MergeTesting:
		return "testing"
	case MergeSuccess:
		return "success"
	case MergeSplit:
		return "split"
	default:
		return "unknown"
	}
}

// ParseMergeState is the inverse of MergeState.String.
func ParseMergeState(s string) (MergeState, error) {
	switch s {
	case "constructing":
		return MergeConstructing, nil
	case "testing":
		return MergeTesting, nil
	case "success":
		return MergeSuccess, nil
	case "split":
		return MergeSplit, nil
	default:
		return 0, fmt.Errorf("unrecognized merge_attempt state %q", s)
	}
}

// PullRequest is a persisted row of the pull_request table.
type PullRequest struct {
	Owner      string
	Repo       string
	Number     int64
	CommitHash string
	State      PrState
	Timestamp  int64
}

// MergeAttempt is a persisted row of the merge_attempt table.
type MergeAttempt struct {
	ID         string
	Owner      string
	Repo       string
	BranchName string
	State      MergeState
	Timestamp  int64
}

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyExists is returned by InsertPR when the (owner, repo, number)
// uniqueness constraint is violated.
var ErrAlreadyExists = errors.New("store: pull request already exists")

// Connect creates a pgx connection pool and runs pending migrations.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	slog.Debug("connecting to database")

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()

		return nil, err
	}

	return pool, nil
}

// Migrate runs goose migrations against pool and then validates the
// application-level _migration singleton row described in migrate.go.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Debug("migrating database")

	goose.SetBaseFS(embedMigrations)

	db := stdlib.OpenDBFromPool(pool)
	defer func() { _ = db.Close() }()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	if err := validateMigrationSingleton(ctx, pool); err != nil {
		return err
	}

	return nil
}

// DB is anything that can execute queries: a *pgxpool.Pool or a pgx.Tx.
// Every Store method is defined on this interface so it can run either
// directly against the pool or inside an enclosing transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides the pull_request / merge_attempt / merge_attempt_pr
// operations the controller needs. It holds no connection itself — every
// method takes a DB so callers can run it against the pool directly or
// against a transaction.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps pool in a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx runs fn inside a serializable transaction. Serializable isolation
// is what makes construct's "SELECT any non-Split attempt, else INSERT
// one" sequence race-free across concurrent callers.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, db DB) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// Pool exposes the underlying pool so callers (and WithTx-less read paths)
// can run single-statement operations without opening a transaction.
func (s *Store) Pool() DB {
	return s.pool
}

func nowUnix() int64 {
	return time.Now().Unix()
}

// InsertPR inserts a new pull_request row. Returns ErrAlreadyExists if the
// (owner, repo, number) uniqueness constraint is violated — the caller
// converts that into the "already being merged" user-facing reply.
func (s *Store) InsertPR(ctx context.Context, db DB, owner, repo string, number int64, commitHash string, state PrState) error {
	_, err := db.Exec(ctx,
		`INSERT INTO pull_request (owner, repo, number, commit_hash, state, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		owner, repo, number, commitHash, state.String(), nowUnix(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}

		return fmt.Errorf("insert pull_request %s/%s#%d: %w", owner, repo, number, err)
	}

	return nil
}

// GetPR looks up a pull_request row, returning ErrNotFound if absent.
func (s *Store) GetPR(ctx context.Context, db DB, owner, repo string, number int64) (*PullRequest, error) {
	var (
		pr        PullRequest
		stateText string
	)

	row := db.QueryRow(ctx,
		`SELECT owner, repo, number, commit_hash, state, timestamp
		 FROM pull_request WHERE owner = $1 AND repo = $2 AND number = $3`,
		owner, repo, number,
	)

	if err := row.Scan(&pr.Owner, &pr.Repo, &pr.Number, &pr.CommitHash, &stateText, &pr.Timestamp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("get pull_request %s/%s#%d: %w", owner, repo, number, err)
	}

	state, err := ParsePrState(stateText)
	if err != nil {
		return nil, fmt.Errorf("get pull_request %s/%s#%d: %w", owner, repo, number, err)
	}

	pr.State = state

	return &pr, nil
}

// UpdatePRState transitions a pull_request row's state and bumps its
// timestamp.
func (s *Store) UpdatePRState(ctx context.Context, db DB, owner, repo string, number int64, state PrState) error {
	tag, err := db.Exec(ctx,
		`UPDATE pull_request SET state = $1, timestamp = $2
		 WHERE owner = $3 AND repo = $4 AND number = $5`,
		state.String(), nowUnix(), owner, repo, number,
	)
	if err != nil {
		return fmt.Errorf("update pull_request %s/%s#%d: %w", owner, repo, number, err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// DeletePR removes a pull_request row. Deleting an absent row is not an
// error — callers may race with another deletion (e.g. initiate vs.
// cancel).
func (s *Store) DeletePR(ctx context.Context, db DB, owner, repo string, number int64) error {
	_, err := db.Exec(ctx,
		`DELETE FROM pull_request WHERE owner = $1 AND repo = $2 AND number = $3`,
		owner, repo, number,
	)
	if err != nil {
		return fmt.Errorf("delete pull_request %s/%s#%d: %w", owner, repo, number, err)
	}

	return nil
}

// ListPRsByState returns every pull_request row for (owner, repo) in the
// given state, ordered by timestamp — used by construct to pick the batch
// and by poll to reconcile Requested rows.
func (s *Store) ListPRsByState(ctx context.Context, db DB, owner, repo string, state PrState) ([]PullRequest, error) {
	rows, err := db.Query(ctx,
		`SELECT owner, repo, number, commit_hash, state, timestamp
		 FROM pull_request WHERE owner = $1 AND repo = $2 AND state = $3
		 ORDER BY timestamp ASC`,
		owner, repo, state.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list pull_request rows for %s/%s in state %s: %w", owner, repo, state, err)
	}
	defer rows.Close()

	return scanPRs(rows)
}

func scanPRs(rows pgx.Rows) ([]PullRequest, error) {
	var prs []PullRequest

	for rows.Next() {
		var (
			pr        PullRequest
			stateText string
		)

		if err := rows.Scan(&pr.Owner, &pr.Repo, &pr.Number, &pr.CommitHash, &stateText, &pr.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pull_request row: %w", err)
		}

		state, err := ParsePrState(stateText)
		if err != nil {
			return nil, err
		}

		pr.State = state

		prs = append(prs, pr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pull_request rows: %w", err)
	}

	return prs, nil
}

// GetActiveAttempt returns the single merge_attempt for (owner, repo) whose
// state is not Split, or ErrNotFound if none exists. The progress invariant
// guarantees there is at most one.
func (s *Store) GetActiveAttempt(ctx context.Context, db DB, owner, repo string) (*MergeAttempt, error) {
	row := db.QueryRow(ctx,
		`SELECT id, owner, repo, branch_name, state, timestamp
		 FROM merge_attempt WHERE owner = $1 AND repo = $2 AND state != $3`,
		owner, repo, MergeSplit.String(),
	)

	return scanAttemptRow(row)
}

// GetSplitAttempt returns a merge_attempt for (owner, repo) in Split state,
// if one exists, so construct can reuse its id rather than minting a fresh
// one.
func (s *Store) GetSplitAttempt(ctx context.Context, db DB, owner, repo string) (*MergeAttempt, error) {
	row := db.QueryRow(ctx,
		`SELECT id, owner, repo, branch_name, state, timestamp
		 FROM merge_attempt WHERE owner = $1 AND repo = $2 AND state = $3
		 LIMIT 1`,
		owner, repo, MergeSplit.String(),
	)

	return scanAttemptRow(row)
}

// GetAttempt looks up a merge_attempt row by id.
func (s *Store) GetAttempt(ctx context.Context, db DB, id string) (*MergeAttempt, error) {
	row := db.QueryRow(ctx,
		`SELECT id, owner, repo, branch_name, state, timestamp
		 FROM merge_attempt WHERE id = $1`,
		id,
	)

	return scanAttemptRow(row)
}

func scanAttemptRow(row pgx.Row) (*MergeAttempt, error) {
	var (
		attempt   MergeAttempt
		stateText string
	)

	if err := row.Scan(&attempt.ID, &attempt.Owner, &attempt.Repo, &attempt.BranchName, &stateText, &attempt.Timestamp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("scan merge_attempt row: %w", err)
	}

	state, err := ParseMergeState(stateText)
	if err != nil {
		return nil, err
	}

	attempt.State = state

	return &attempt, nil
}

// InsertAttempt inserts a fresh merge_attempt row with the given id.
func (s *Store) InsertAttempt(ctx context.Context, db DB, id, owner, repo, branchName string, state MergeState) error {
	_, err := db.Exec(ctx,
		`INSERT INTO merge_attempt (id, owner, repo, branch_name, state, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, owner, repo, branchName, state.String(), nowUnix(),
	)
	if err != nil {
		return fmt.Errorf("insert merge_attempt %s: %w", id, err)
	}

	return nil
}

// UpdateAttemptState transitions a merge_attempt's state, overwrites its
// branch name with branchName, and bumps its timestamp.
func (s *Store) UpdateAttemptState(ctx context.Context, db DB, id string, state MergeState, branchName string) error {
	tag, err := db.Exec(ctx,
		`UPDATE merge_attempt SET state = $1, branch_name = $2, timestamp = $3 WHERE id = $4`,
		state.String(), branchName, nowUnix(), id,
	)
	if err != nil {
		return fmt.Errorf("update merge_attempt %s: %w", id, err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteAttempt removes a merge_attempt row; its merge_attempt_pr rows
// cascade with it.
func (s *Store) DeleteAttempt(ctx context.Context, db DB, id string) error {
	_, err := db.Exec(ctx, `DELETE FROM merge_attempt WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete merge_attempt %s: %w", id, err)
	}

	return nil
}

// AddAttemptPR records that pr_number is part of an attempt's batch.
func (s *Store) AddAttemptPR(ctx context.Context, db DB, attemptID, owner, repo string, prNumber int64) error {
	_, err := db.Exec(ctx,
		`INSERT INTO merge_attempt_pr (attempt_id, owner, repo, pr_number) VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		attemptID, owner, repo, prNumber,
	)
	if err != nil {
		return fmt.Errorf("add PR #%d to attempt %s: %w", prNumber, attemptID, err)
	}

	return nil
}

// DeleteAttemptPR removes a single PR from an attempt's batch — used when a
// trial merge isolates one conflicting PR out of an otherwise-Split batch
// so a later reuse of the attempt does not re-batch it.
func (s *Store) DeleteAttemptPR(ctx context.Context, db DB, attemptID string, prNumber int64) error {
	_, err := db.Exec(ctx,
		`DELETE FROM merge_attempt_pr WHERE attempt_id = $1 AND pr_number = $2`,
		attemptID, prNumber,
	)
	if err != nil {
		return fmt.Errorf("remove PR #%d from attempt %s: %w", prNumber, attemptID, err)
	}

	return nil
}

// AttemptPRs lists the PR numbers an attempt's batch contains, in ascending
// PR-number order — used by split to decide which half each bisected
// sub-attempt inherits.
func (s *Store) AttemptPRs(ctx context.Context, db DB, attemptID string) ([]int64, error) {
	rows, err := db.Query(ctx,
		`SELECT pr_number FROM merge_attempt_pr WHERE attempt_id = $1 ORDER BY pr_number ASC`,
		attemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("list PRs for attempt %s: %w", attemptID, err)
	}
	defer rows.Close()

	var numbers []int64

	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan attempt PR row: %w", err)
		}

		numbers = append(numbers, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt PR rows: %w", err)
	}

	return numbers, nil
}
