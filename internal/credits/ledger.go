// Package credits holds the authenticated credit ledger and the anonymous
// usage mirror.
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"genstudio/internal/domain"
	"genstudio/internal/infra"
	"genstudio/internal/sqlinline"
)

var ErrInvalidUserID = errors.New("invalid user id")

// Event is one ledger movement.
type Event struct {
	TaskID    string
	Kind      string
	Amount    int
	CreatedAt time.Time
}

// Ledger reads and moves credit balances in the Supabase Postgres database.
type Ledger struct {
	sql infra.SQLExecutor
}

func NewLedger(sql infra.SQLExecutor) *Ledger {
	return &Ledger{sql: sql}
}

// Balance returns the user's credits. A user without a row has zero.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	id, err := parseUserID(userID)
	if err != nil {
		return 0, err
	}
	var credits int
	if err := l.sql.QueryRow(ctx, sqlinline.QSelectUserCredits, id).Scan(&credits); err != nil {
		if infra.IsNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("select credits: %w", err)
	}
	return credits, nil
}

// Debit takes n credits for taskID. It fails with domain.ErrInsufficientCredits
// when the balance is short and with domain.ErrDuplicateOperation when the
// task was already debited; the two are indistinguishable in SQL so a second
// lookup tells them apart.
func (l *Ledger) Debit(ctx context.Context, userID, taskID string, n int) (int, error) {
	id, err := parseUserID(userID)
	if err != nil {
		return 0, err
	}
	if taskID == "" || n <= 0 {
		return 0, fmt.Errorf("debit: task id and positive amount required")
	}
	var balance int
	err = l.sql.QueryRow(ctx, sqlinline.QDebitCredits, id, taskID, n).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !infra.IsNoRows(err) {
		return 0, fmt.Errorf("debit credits: %w", err)
	}
	current, berr := l.Balance(ctx, userID)
	if berr != nil {
		return 0, berr
	}
	if current < n {
		return current, domain.ErrInsufficientCredits
	}
	return current, domain.ErrDuplicateOperation
}

// Refund restores the debit recorded for taskID. It reports false without
// error when there is nothing to refund, which makes repeated calls safe.
func (l *Ledger) Refund(ctx context.Context, userID, taskID string) (bool, int, error) {
	id, err := parseUserID(userID)
	if err != nil {
		return false, 0, err
	}
	if taskID == "" {
		return false, 0, fmt.Errorf("refund: task id required")
	}
	var balance int
	if err := l.sql.QueryRow(ctx, sqlinline.QRefundCredits, id, taskID).Scan(&balance); err != nil {
		if infra.IsNoRows(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("refund credits: %w", err)
	}
	return true, balance, nil
}

// Grant adds n credits, creating the account if needed.
func (l *Ledger) Grant(ctx context.Context, userID string, n int) (int, error) {
	id, err := parseUserID(userID)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("grant: amount must be positive")
	}
	var balance int
	if err := l.sql.QueryRow(ctx, sqlinline.QGrantCredits, id, n).Scan(&balance); err != nil {
		return 0, fmt.Errorf("grant credits: %w", err)
	}
	return balance, nil
}

// Events lists the most recent movements, newest first.
func (l *Ledger) Events(ctx context.Context, userID string, limit int) ([]Event, error) {
	id, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.sql.Query(ctx, sqlinline.QListCreditEvents, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.TaskID, &ev.Kind, &ev.Amount, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Migrate creates the ledger tables when missing.
func (l *Ledger) Migrate(ctx context.Context) error {
	_, err := l.sql.Exec(ctx, sqlinline.QCreateCreditTables)
	return err
}

func parseUserID(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidUserID, raw)
	}
	return id.String(), nil
}
