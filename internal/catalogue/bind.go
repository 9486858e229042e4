package catalogue

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// bind checks params against the template's declared parameter set and
// returns the converted values keyed by parameter name. Absent optional
// parameters take their default, or nil.
func bind(t *Template, params map[string]any) (map[string]any, error) {
	if err := rejectUndeclared(t, params); err != nil {
		return nil, err
	}

	args := make(map[string]any, len(t.Params))
	for _, p := range t.Params {
		raw, ok := params[p.Name]
		if ok && isBlank(raw) {
			ok = false
		}
		if !ok {
			if p.Required {
				return nil, invalidParam(t.Name, p.Name, "required parameter is missing")
			}
			args[p.Name] = p.Default
			continue
		}

		v, err := convert(p.Type, raw)
		if err != nil {
			return nil, invalidParam(t.Name, p.Name, "%v", err)
		}
		if p.Rules != "" {
			if err := validate.Var(v, p.Rules); err != nil {
				return nil, invalidParam(t.Name, p.Name, "fails rule %q", p.Rules)
			}
		}
		args[p.Name] = v
	}

	if t.Check != nil {
		if perr := t.Check(args); perr != nil {
			perr.Query = t.Name
			return nil, perr
		}
	}
	return args, nil
}

func rejectUndeclared(t *Template, params map[string]any) error {
	var unknown []string
	for name := range params {
		if _, ok := t.Param(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return invalidParam(t.Name, unknown[0], "parameter is not declared by this query")
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func convert(typ ParamType, raw any) (any, error) {
	switch typ {
	case ParamString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil
	case ParamInteger:
		return toInt64(raw)
	case ParamDate:
		return toDate(raw)
	default:
		return nil, fmt.Errorf("unsupported parameter type %q", typ)
	}
}

func toInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float64:
		// JSON numbers decode as float64.
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

func toDate(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		y, m, d := v.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case string:
		t, err := time.Parse(isoDate, strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, fmt.Errorf("expected ISO date (YYYY-MM-DD), got %q", v)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("expected ISO date, got %T", raw)
	}
}
