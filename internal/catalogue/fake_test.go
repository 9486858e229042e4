package catalogue

import (
	"context"
	"sync"
)

type fakeCall struct {
	sql  string
	args []any
}

// fakeSource replays a fixed result for every query and records each call.
type fakeSource struct {
	dialect Dialect
	cols    []string
	rows    [][]any
	err     error // returned by Query
	iterErr error // returned by Rows.Err after the last row

	mu     sync.Mutex
	calls  []fakeCall
	closed int
}

func (s *fakeSource) Dialect() Dialect {
	if s.dialect == "" {
		return Postgres
	}
	return s.dialect
}

func (s *fakeSource) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	s.mu.Lock()
	s.calls = append(s.calls, fakeCall{sql: sql, args: args})
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	return &fakeRows{src: s, cols: s.cols, rows: s.rows, err: s.iterErr, pos: -1}, nil
}

func (s *fakeSource) lastCall() fakeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func (s *fakeSource) closedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeRows struct {
	src  *fakeSource
	cols []string
	rows [][]any
	err  error
	pos  int
}

func (r *fakeRows) Columns() []string { return r.cols }

func (r *fakeRows) Next() bool {
	if r.pos+1 >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.pos], nil }

func (r *fakeRows) Err() error {
	if r.pos+1 >= len(r.rows) {
		return r.err
	}
	return nil
}

func (r *fakeRows) Close() {
	r.src.mu.Lock()
	r.src.closed++
	r.src.mu.Unlock()
}

// columnsOf returns the declared column names of a builtin query.
func columnsOf(name string) []string {
	for _, t := range Builtin() {
		if t.Name == name {
			return t.ColumnNames()
		}
	}
	panic("no builtin query " + name)
}
