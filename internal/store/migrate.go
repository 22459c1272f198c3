package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// currentMigrationNumber and currentMigrationName describe the schema this
// binary expects. They are layered on top of goose's own goose_db_version
// bookkeeping as an application-level consistency check — goose runs the
// actual DDL (see store.go's Migrate), and this check validates that the
// `_migration` singleton row agrees with what this binary was built
// against.
const (
	currentMigrationNumber = 1
	currentMigrationName   = "initial_schema"
)

// MigrationErrorKind identifies which schema-inconsistency condition was
// observed.
type MigrationErrorKind int

const (
	// TooMuchState: _migration holds more than one row.
	TooMuchState MigrationErrorKind = iota
	// BadRow: the single row's columns could not be read.
	BadRow
	// OutOfRange: the recorded migration number is outside the known range.
	OutOfRange
	// IncorrectMigrationName: the recorded number's name doesn't match.
	IncorrectMigrationName
)

func (k MigrationErrorKind) String() string {
	switch k {
	case TooMuchState:
		return "too_much_state"
	case BadRow:
		return "bad_row"
	case OutOfRange:
		return "out_of_range"
	case IncorrectMigrationName:
		return "incorrect_migration_name"
	default:
		return "unknown"
	}
}

// MigrationError reports a schema-inconsistency condition detected at
// startup. It is always fatal: the process should exit non-zero with this
// error's full causal chain printed.
type MigrationError struct {
	Kind   MigrationErrorKind
	Detail string
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration inconsistency (%s): %s", e.Kind, e.Detail)
}

// validateMigrationSingleton enforces that _migration holds at most one row
// and that it agrees with currentMigrationNumber/Name. On a fresh
// database it inserts the singleton row; schemas migrated by an older or
// newer binary are rejected rather than silently adopted.
func validateMigrationSingleton(ctx context.Context, pool *pgxpool.Pool) error {
	rows, err := pool.Query(ctx, `SELECT number, name FROM _migration`)
	if err != nil {
		return fmt.Errorf("query _migration: %w", err)
	}

	type row struct {
		number int64
		name   string
	}

	var found []row

	for rows.Next() {
		var r row
		if err := rows.Scan(&r.number, &r.name); err != nil {
			rows.Close()

			return &MigrationError{Kind: BadRow, Detail: err.Error()}
		}

		found = append(found, r)
	}

	if err := rows.Err(); err != nil {
		rows.Close()

		return fmt.Errorf("iterate _migration rows: %w", err)
	}

	rows.Close()

	switch len(found) {
	case 0:
		_, err := pool.Exec(ctx, `INSERT INTO _migration (number, name) VALUES ($1, $2)`,
			currentMigrationNumber, currentMigrationName)
		if err != nil {
			return fmt.Errorf("seed _migration singleton: %w", err)
		}

		return nil
	case 1:
		r := found[0]

		if r.number < 1 || r.number > currentMigrationNumber {
			return &MigrationError{
				Kind:   OutOfRange,
				Detail: fmt.Sprintf("recorded migration number %d outside known range [1, %d]", r.number, currentMigrationNumber),
			}
		}

		if r.number == currentMigrationNumber && r.name != currentMigrationName {
			return &MigrationError{
				Kind:   IncorrectMigrationName,
				Detail: fmt.Sprintf("recorded name %q for migration %d does not match expected %q", r.name, r.number, currentMigrationName),
			}
		}

		return nil
	default:
		return &MigrationError{
			Kind:   TooMuchState,
			Detail: fmt.Sprintf("_migration holds %d rows, expected at most 1", len(found)),
		}
	}
}

// AsMigrationError is a convenience wrapper around errors.As for callers
// (notably cmd/cherry) that need to distinguish migration failures from
// other startup errors.
func AsMigrationError(err error) (*MigrationError, bool) {
	var migErr *MigrationError

	ok := errors.As(err, &migErr)

	return migErr, ok
}
