package catalogue

import (
	"fmt"
	"strings"
	"time"
)

// Dialect selects placeholder syntax and value encoding for a data source.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

const isoDate = "2006-01-02"

// statement is a template compiled for one dialect. args lists, for each
// positional placeholder, the parameter name that fills it.
type statement struct {
	sql  string
	args []string
}

// compile rewrites @name placeholders into the dialect's positional form.
// Placeholders inside single-quoted literals are left alone.
func compile(d Dialect, src string, params []Param) (statement, error) {
	types := make(map[string]ParamType, len(params))
	for _, p := range params {
		types[p.Name] = p.Type
	}

	var (
		b       strings.Builder
		st      statement
		ordinal = map[string]int{}
		inQuote bool
	)
	for i := 0; i < len(src); i++ {
		ch := src[i]
		if ch == '\'' {
			inQuote = !inQuote
			b.WriteByte(ch)
			continue
		}
		if inQuote || ch != '@' || i+1 >= len(src) || !isIdentStart(src[i+1]) {
			b.WriteByte(ch)
			continue
		}

		j := i + 1
		for j < len(src) && isIdentPart(src[j]) {
			j++
		}
		name := src[i+1 : j]
		typ, ok := types[name]
		if !ok {
			return statement{}, fmt.Errorf("placeholder @%s is not a declared parameter", name)
		}

		switch d {
		case Postgres:
			n, seen := ordinal[name]
			if !seen {
				st.args = append(st.args, name)
				n = len(st.args)
				ordinal[name] = n
			}
			fmt.Fprintf(&b, "$%d::%s", n, pgType(typ))
		case SQLite:
			st.args = append(st.args, name)
			b.WriteByte('?')
		default:
			return statement{}, fmt.Errorf("unsupported dialect %q", d)
		}
		i = j - 1
	}
	if inQuote {
		return statement{}, fmt.Errorf("unterminated string literal")
	}

	st.sql = b.String()
	return st, nil
}

func pgType(t ParamType) string {
	switch t {
	case ParamInteger:
		return "bigint"
	case ParamDate:
		return "date"
	default:
		return "text"
	}
}

// encode converts a validated parameter value into what the dialect's
// driver binds. SQLite stores dates as ISO text.
func encode(d Dialect, v any) any {
	if t, ok := v.(time.Time); ok && d == SQLite {
		return t.Format(isoDate)
	}
	return v
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
