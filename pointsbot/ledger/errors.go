package ledger

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun/driver/pgdriver"
)

var (
	// ErrInsufficientBalance means the delta would take the balance below
	// zero. Policy rejection, not a storage failure.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateEvent means the source event id was already applied.
	// Callers treat this as a successful no-op replay.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrSelfTransfer rejects transfers where sender and recipient match.
	ErrSelfTransfer = errors.New("cannot transfer to self")

	// ErrUnknownUser means the target of a read or transfer leg has no
	// ledger row yet.
	ErrUnknownUser = errors.New("unknown user")

	// ErrStorageUnavailable wraps transient connectivity failures. Safe to
	// retry with backoff; nothing partial was persisted.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConstraintViolation covers constraint failures that validation
	// should have made unreachable. Logged loudly, never swallowed.
	ErrConstraintViolation = errors.New("constraint violation")
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
	pgFKViolation     = "23503"
)

// sqlState extracts the SQLSTATE code from either driver's error type.
// The ledger runs bun over pgdriver while bulk paths use pgx directly, so
// both shapes show up.
func sqlState(err error) string {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C')
	}

	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code
	}

	return ""
}

func constraintName(err error) string {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('n')
	}

	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.ConstraintName
	}

	return ""
}

func isUniqueViolation(err error) bool {
	return sqlState(err) == pgUniqueViolation
}

func isCheckViolation(err error) bool {
	return sqlState(err) == pgCheckViolation
}

// classify maps a raw storage error onto the ledger taxonomy. Errors that
// already carry a typed sentinel pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrDuplicateEvent),
		errors.Is(err, ErrSelfTransfer),
		errors.Is(err, ErrUnknownUser):
		return err
	}

	switch {
	case isUniqueViolation(err):
		return ErrDuplicateEvent
	case isCheckViolation(err):
		// Balance negativity is validated before the write; reaching the
		// constraint means a concurrent writer got there first. Any other
		// check failing is a bug upstream validation should have caught.
		if constraintName(err) == "users_balance_non_negative" {
			return ErrInsufficientBalance
		}
		return errors.Join(ErrConstraintViolation, err)
	case sqlState(err) == pgFKViolation:
		return ErrUnknownUser
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrStorageUnavailable, err)
	}

	return err
}
