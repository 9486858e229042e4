package catalogue

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Row maps output column name to a scalar: string, int64, float64, bool,
// time.Time or nil.
type Row map[string]any

// ResultSet is one execution's rows, pulled lazily from the data source.
// It is finite and cannot be restarted. A non-nil Err after iteration
// means the rows already seen must be discarded.
type ResultSet struct {
	query   string
	runID   string
	columns []string
	rows    Rows
	current Row
	err     error
	done    bool
	onClose func(rows int, err error)
	count   int
}

// Query returns the catalogued name that produced this result set.
func (r *ResultSet) Query() string { return r.query }

// RunID identifies this execution in logs.
func (r *ResultSet) RunID() string { return r.runID }

// Columns returns the output column names in declared order.
func (r *ResultSet) Columns() []string {
	return append([]string(nil), r.columns...)
}

// Next advances to the next row. It returns false when the rows are
// exhausted, on error, or after Close.
func (r *ResultSet) Next() bool {
	if r.done {
		return false
	}
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			r.err = &DataSourceError{Query: r.query, Err: err}
		}
		r.Close()
		return false
	}

	values, err := r.rows.Values()
	if err != nil {
		r.err = &DataSourceError{Query: r.query, Err: err}
		r.Close()
		return false
	}

	row := make(Row, len(r.columns))
	for i, col := range r.columns {
		v, err := normalize(values[i])
		if err != nil {
			r.err = &DataSourceError{Query: r.query, Err: fmt.Errorf("column %s: %w", col, err)}
			r.Close()
			return false
		}
		row[col] = v
	}
	r.current = row
	r.count++
	return true
}

// Row returns the row Next last advanced to.
func (r *ResultSet) Row() Row { return r.current }

// Err returns the error, if any, that stopped iteration.
func (r *ResultSet) Err() error { return r.err }

// Close releases the underlying cursor. It is safe to call more than once.
func (r *ResultSet) Close() {
	if r.done {
		return
	}
	r.done = true
	r.current = nil
	r.rows.Close()
	if r.onClose != nil {
		r.onClose(r.count, r.err)
	}
}

// Collect drains the result set. On failure it returns no rows.
func (r *ResultSet) Collect() ([]Row, error) {
	defer r.Close()

	out := []Row{}
	for r.Next() {
		out = append(out, r.current)
	}
	if r.err != nil {
		return nil, r.err
	}
	return out, nil
}

// normalize maps driver values onto the scalar set rows expose.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string, bool, int64, float64, time.Time:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case pgtype.Numeric:
		if !x.Valid {
			return nil, nil
		}
		f, err := x.Float64Value()
		if err != nil {
			return nil, err
		}
		return f.Float64, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
