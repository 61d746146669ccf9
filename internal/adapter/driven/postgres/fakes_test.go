package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/postgres"
)

// fakeRows is an in-memory pgx.Rows.
type fakeRows struct {
	columns []string
	data    [][]any
	pos     int
	err     error
	closed  bool
}

func (r *fakeRows) Close()                        { r.closed = true }
func (r *fakeRows) Err() error                    { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.columns))
	for i, c := range r.columns {
		fds[i] = pgconn.FieldDescription{Name: c}
	}
	return fds
}

func (r *fakeRows) Next() bool {
	if r.closed || r.pos >= len(r.data) {
		r.closed = true
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.data[r.pos-1], nil }

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(row))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *any:
			*p = row[i]
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

// fakePool answers queries from a table keyed by SQL text.
type fakePool struct {
	mu      sync.Mutex
	results map[string]*fakeRows
	err     error
	queries []string

	resets atomic.Int32
	closes atomic.Int32
}

func newFakePool() *fakePool {
	return &fakePool{results: map[string]*fakeRows{
		"SELECT schema_name FROM information_schema.schemata ORDER BY schema_name": {
			columns: []string{"schema_name"},
			data:    [][]any{{"analytics"}, {"public"}},
		},
		"SELECT current_user": {columns: []string{"current_user"}, data: [][]any{{"report_ro"}}},
	}}
}

func (p *fakePool) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries = append(p.queries, sql)
	if p.err != nil {
		return nil, p.err
	}
	r, ok := p.results[sql]
	if !ok {
		return nil, &pgconn.PgError{Code: "42601", Message: "syntax error"}
	}
	copied := *r
	return &copied, nil
}

func (p *fakePool) Reset() { p.resets.Add(1) }
func (p *fakePool) Close() { p.closes.Add(1) }

func (p *fakePool) queryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queries)
}

// recordingDialer hands out fresh fake pools and keeps every config.
type recordingDialer struct {
	mu      sync.Mutex
	pools   []*fakePool
	configs []*pgxpool.Config
	prepare func(*fakePool)
}

func (d *recordingDialer) dial(_ context.Context, cfg *pgxpool.Config) (postgres.Pool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := newFakePool()
	if d.prepare != nil {
		d.prepare(p)
	}
	d.pools = append(d.pools, p)
	d.configs = append(d.configs, cfg)
	return p, nil
}

func (d *recordingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pools)
}

func (d *recordingDialer) pool(i int) *fakePool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pools[i]
}

func (d *recordingDialer) config(i int) *pgxpool.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configs[i]
}
