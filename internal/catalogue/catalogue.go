// Package catalogue holds the fixed set of named, parameterized analytic
// queries over the clinic schema and executes them against a read-only
// data source.
//
// A Catalogue is immutable once built and safe for concurrent use. Each Run
// issues exactly one read statement; parameters are always bound, never
// interpolated into SQL text.
package catalogue

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type entry struct {
	tmpl Template
	stmt statement
}

// Catalogue maps query names to compiled templates for one data source.
type Catalogue struct {
	src     DataSource
	order   []string
	entries map[string]*entry
	logger  zerolog.Logger
}

// Option configures a Catalogue.
type Option func(*Catalogue)

// WithLogger sets the logger used for per-run diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Catalogue) { c.logger = l }
}

// New compiles the built-in templates for src's dialect.
func New(src DataSource, opts ...Option) (*Catalogue, error) {
	return newCatalogue(src, builtin, opts...)
}

func newCatalogue(src DataSource, templates []Template, opts ...Option) (*Catalogue, error) {
	if src == nil {
		return nil, fmt.Errorf("catalogue: nil data source")
	}
	c := &Catalogue{
		src:     src,
		entries: make(map[string]*entry, len(templates)),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	dialect := src.Dialect()
	for _, t := range templates {
		if t.Name == "" {
			return nil, fmt.Errorf("catalogue: template with empty name")
		}
		if _, dup := c.entries[t.Name]; dup {
			return nil, fmt.Errorf("catalogue: duplicate query %q", t.Name)
		}
		sql := t.sqlFor(dialect)
		if !isReadStatement(sql) {
			return nil, fmt.Errorf("catalogue: query %q is not a read-only statement", t.Name)
		}
		stmt, err := compile(dialect, sql, t.Params)
		if err != nil {
			return nil, fmt.Errorf("catalogue: compile %q: %w", t.Name, err)
		}
		t.QueryDescriptor = t.QueryDescriptor.clone()
		c.entries[t.Name] = &entry{tmpl: t, stmt: stmt}
		c.order = append(c.order, t.Name)
	}
	return c, nil
}

// List returns every catalogued query descriptor in declared order.
func (c *Catalogue) List() []QueryDescriptor {
	out := make([]QueryDescriptor, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.entries[name].tmpl.QueryDescriptor.clone())
	}
	return out
}

// Describe returns the descriptor of one query.
func (c *Catalogue) Describe(name string) (QueryDescriptor, error) {
	e, ok := c.entries[name]
	if !ok {
		return QueryDescriptor{}, &UnknownQueryError{Name: name}
	}
	return e.tmpl.QueryDescriptor.clone(), nil
}

// Run validates params against the named query and executes it. The
// returned ResultSet must be closed, or drained with Collect.
func (c *Catalogue) Run(ctx context.Context, name string, params map[string]any) (*ResultSet, error) {
	e, ok := c.entries[name]
	if !ok {
		return nil, &UnknownQueryError{Name: name}
	}

	bound, err := bind(&e.tmpl, params)
	if err != nil {
		c.logger.Debug().Str("query", name).Err(err).Msg("rejected parameters")
		return nil, err
	}

	dialect := c.src.Dialect()
	args := make([]any, len(e.stmt.args))
	for i, pname := range e.stmt.args {
		args[i] = encode(dialect, bound[pname])
	}

	runID := uuid.NewString()
	start := time.Now()
	rows, err := c.src.Query(ctx, e.stmt.sql, args...)
	if err != nil {
		c.logger.Warn().Str("query", name).Str("run_id", runID).Err(err).Msg("query failed")
		return nil, &DataSourceError{Query: name, Err: err}
	}

	declared := e.tmpl.ColumnNames()
	if got := rows.Columns(); !slices.Equal(got, declared) {
		// pgx reports no columns when the server error or deadline arrives
		// before the row description; that failure wins over the mismatch.
		if err := rows.Err(); err != nil {
			rows.Close()
			c.logger.Warn().Str("query", name).Str("run_id", runID).Err(err).Msg("query failed")
			return nil, &DataSourceError{Query: name, Err: err}
		}
		rows.Close()
		err := fmt.Errorf("%w: got [%s], want [%s]", ErrColumnMismatch,
			strings.Join(got, ", "), strings.Join(declared, ", "))
		c.logger.Error().Str("query", name).Str("run_id", runID).Err(err).Msg("schema drift")
		return nil, &DataSourceError{Query: name, Err: err}
	}

	logger := c.logger
	return &ResultSet{
		query:   name,
		runID:   runID,
		columns: declared,
		rows:    rows,
		onClose: func(n int, err error) {
			evt := logger.Debug()
			if err != nil {
				evt = logger.Warn().Err(err)
			}
			evt.Str("query", name).
				Str("run_id", runID).
				Int("rows", n).
				Dur("latency", time.Since(start)).
				Msg("query finished")
		},
	}, nil
}

// isReadStatement reports whether sql starts with SELECT or WITH once
// leading whitespace is skipped.
func isReadStatement(sql string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	return strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH")
}
