package credittest

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type row struct {
	values []any
	err    error
}

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.values, dest)
}

type rows struct {
	data [][]any
	idx  int
	err  error
}

func (r *rows) Next() bool {
	if r.idx+1 >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *rows) Scan(dest ...any) error {
	if r.idx < 0 || r.idx >= len(r.data) {
		return fmt.Errorf("scan called without row")
	}
	return assign(r.data[r.idx], dest)
}

func (r *rows) Err() error                                   { return r.err }
func (r *rows) Close()                                       {}
func (r *rows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rows) Conn() *pgx.Conn                              { return nil }
func (r *rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rows) RawValues() [][]byte                          { return nil }

func (r *rows) Values() ([]any, error) {
	if r.idx < 0 || r.idx >= len(r.data) {
		return nil, fmt.Errorf("values called without row")
	}
	return r.data[r.idx], nil
}

func assign(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan: %d values into %d targets", len(values), len(dest))
	}
	for i, v := range values {
		switch d := dest[i].(type) {
		case *int:
			n, ok := v.(int)
			if !ok {
				return fmt.Errorf("scan column %d: %T into *int", i, v)
			}
			*d = n
		case *string:
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("scan column %d: %T into *string", i, v)
			}
			*d = s
		case *time.Time:
			t, ok := v.(time.Time)
			if !ok {
				return fmt.Errorf("scan column %d: %T into *time.Time", i, v)
			}
			*d = t
		default:
			return fmt.Errorf("scan column %d: unsupported target %T", i, dest[i])
		}
	}
	return nil
}
