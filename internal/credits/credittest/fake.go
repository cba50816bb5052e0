// Package credittest provides an in-memory stand-in for the Postgres tables
// behind the credit ledger and credential store.
package credittest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"genstudio/internal/infra"
	"genstudio/internal/sqlinline"
)

type event struct {
	userID    string
	taskID    string
	kind      string
	amount    int
	createdAt time.Time
}

// FakeSQL interprets the sqlinline queries by identity. Unknown queries fail.
type FakeSQL struct {
	mu       sync.Mutex
	balances map[string]int
	events   []event
	tokens   map[string]string
	clock    time.Time

	// Err, when set, is returned by every call.
	Err error
}

func NewFakeSQL() *FakeSQL {
	return &FakeSQL{
		balances: make(map[string]int),
		tokens:   make(map[string]string),
		clock:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// SetBalance seeds a user account.
func (f *FakeSQL) SetBalance(userID string, credits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] = credits
}

func (f *FakeSQL) SetToken(provider, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[provider] = token
}

func (f *FakeSQL) BalanceOf(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID]
}

// Count returns how many events of kind were recorded for taskID.
func (f *FakeSQL) Count(taskID, kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.taskID == taskID && ev.kind == kind {
			n++
		}
	}
	return n
}

func (f *FakeSQL) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return pgconn.CommandTag{}, f.Err
	}
	switch query {
	case sqlinline.QCreateCreditTables:
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	case sqlinline.QUpsertIntegrationToken:
		f.tokens[args[0].(string)] = args[1].(string)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %s", firstLine(query))
}

func (f *FakeSQL) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return row{err: f.Err}
	}
	switch query {
	case sqlinline.QSelectUserCredits:
		credits, ok := f.balances[args[0].(string)]
		if !ok {
			return row{err: pgx.ErrNoRows}
		}
		return row{values: []any{credits}}
	case sqlinline.QDebitCredits:
		userID, taskID, n := args[0].(string), args[1].(string), args[2].(int)
		credits, ok := f.balances[userID]
		if !ok || credits < n || f.hasEvent(taskID, "debit") {
			return row{err: pgx.ErrNoRows}
		}
		f.balances[userID] = credits - n
		f.events = append(f.events, event{userID: userID, taskID: taskID, kind: "debit", amount: n, createdAt: f.stamp()})
		return row{values: []any{credits - n}}
	case sqlinline.QRefundCredits:
		userID, taskID := args[0].(string), args[1].(string)
		debit, ok := f.findEvent(userID, taskID, "debit")
		if !ok || f.hasEvent(taskID, "refund") {
			return row{err: pgx.ErrNoRows}
		}
		f.balances[userID] += debit.amount
		f.events = append(f.events, event{userID: userID, taskID: taskID, kind: "refund", amount: debit.amount, createdAt: f.stamp()})
		return row{values: []any{f.balances[userID]}}
	case sqlinline.QGrantCredits:
		userID, n := args[0].(string), args[1].(int)
		f.balances[userID] += n
		f.events = append(f.events, event{userID: userID, kind: "grant", amount: n, createdAt: f.stamp()})
		return row{values: []any{f.balances[userID]}}
	case sqlinline.QSelectIntegrationToken:
		token, ok := f.tokens[args[0].(string)]
		if !ok {
			return row{err: pgx.ErrNoRows}
		}
		return row{values: []any{token}}
	}
	return row{err: fmt.Errorf("unexpected query_row: %s", firstLine(query))}
}

func (f *FakeSQL) Query(_ context.Context, query string, args ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	switch query {
	case sqlinline.QListCreditEvents:
		userID, limit := args[0].(string), args[1].(int)
		var matched []event
		for _, ev := range f.events {
			if ev.userID == userID {
				matched = append(matched, ev)
			}
		}
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].createdAt.After(matched[j].createdAt)
		})
		if len(matched) > limit {
			matched = matched[:limit]
		}
		out := make([][]any, 0, len(matched))
		for _, ev := range matched {
			out = append(out, []any{ev.taskID, ev.kind, ev.amount, ev.createdAt})
		}
		return &rows{data: out, idx: -1}, nil
	case sqlinline.QListIntegrationProviders:
		providers := make([]string, 0, len(f.tokens))
		for p := range f.tokens {
			providers = append(providers, p)
		}
		sort.Strings(providers)
		out := make([][]any, 0, len(providers))
		for _, p := range providers {
			out = append(out, []any{p, f.stamp()})
		}
		return &rows{data: out, idx: -1}, nil
	}
	return nil, fmt.Errorf("unexpected query: %s", firstLine(query))
}

func (f *FakeSQL) hasEvent(taskID, kind string) bool {
	for _, ev := range f.events {
		if ev.taskID == taskID && ev.kind == kind {
			return true
		}
	}
	return false
}

func (f *FakeSQL) findEvent(userID, taskID, kind string) (event, bool) {
	for _, ev := range f.events {
		if ev.userID == userID && ev.taskID == taskID && ev.kind == kind {
			return ev, true
		}
	}
	return event{}, false
}

// stamp hands out strictly increasing timestamps so ordering is stable.
func (f *FakeSQL) stamp() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func firstLine(q string) string {
	for i := 0; i < len(q); i++ {
		if q[i] == '\n' {
			return q[:i]
		}
	}
	return q
}

var _ infra.SQLExecutor = (*FakeSQL)(nil)
