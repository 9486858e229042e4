package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/insights/internal/catalogue"
	"github.com/ehr/insights/internal/platform/middleware"
)

// stubSource answers every query with the same columns and rows.
type stubSource struct {
	cols    []string
	rows    [][]any
	err     error
	lastSQL string
	args    []any
}

func (s *stubSource) Dialect() catalogue.Dialect { return catalogue.Postgres }

func (s *stubSource) Query(ctx context.Context, sql string, args ...any) (catalogue.Rows, error) {
	s.lastSQL, s.args = sql, args
	if s.err != nil {
		return nil, s.err
	}
	return &stubRows{cols: s.cols, rows: s.rows, pos: -1}, nil
}

type stubRows struct {
	cols []string
	rows [][]any
	pos  int
}

func (r *stubRows) Columns() []string      { return r.cols }
func (r *stubRows) Next() bool             { r.pos++; return r.pos < len(r.rows) }
func (r *stubRows) Values() ([]any, error) { return r.rows[r.pos], nil }
func (r *stubRows) Err() error             { return nil }
func (r *stubRows) Close()                 {}

func newServer(t *testing.T, src *stubSource) *echo.Echo {
	t.Helper()
	cat, err := catalogue.New(src)
	if err != nil {
		t.Fatalf("catalogue.New: %v", err)
	}
	e := echo.New()
	NewHandler(cat, zerolog.Nop()).RegisterRoutes(e.Group("/api/v1"))
	return e
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func TestListQueries(t *testing.T) {
	e := newServer(t, &stubSource{})

	rec := do(e, http.MethodGet, "/api/v1/queries", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []catalogue.QueryDescriptor
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 10 {
		t.Fatalf("expected 10 queries, got %d", len(list))
	}
	if list[0].Name != "completed-appointments" {
		t.Errorf("expected declared order, first is %s", list[0].Name)
	}
}

func TestDescribeQuery(t *testing.T) {
	e := newServer(t, &stubSource{})

	rec := do(e, http.MethodGet, "/api/v1/queries/patient-age-buckets", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var d catalogue.QueryDescriptor
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(d.Columns) != 2 || d.Columns[0].Name != "age_group" {
		t.Errorf("unexpected columns %+v", d.Columns)
	}
}

func TestDescribeQuery_Unknown(t *testing.T) {
	e := newServer(t, &stubSource{})

	rec := do(e, http.MethodGet, "/api/v1/queries/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "unknown_query" || resp.Query != "nope" {
		t.Errorf("unexpected error body %+v", resp)
	}
}

func TestRunQuery_Get(t *testing.T) {
	src := &stubSource{
		cols: []string{"patient_id", "first_name", "last_name", "contact_number"},
		rows: [][]any{{int64(7), "Ana", "Ruiz", "555-1234"}},
	}
	e := newServer(t, src)

	rec := do(e, http.MethodGet, "/api/v1/queries/patients-by-contact-suffix/run?suffix=34", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report QueryReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Query != "patients-by-contact-suffix" || report.RowCount != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if report.RunID == "" {
		t.Error("expected run_id")
	}
	if report.Rows[0]["contact_number"] != "555-1234" {
		t.Errorf("unexpected row %v", report.Rows[0])
	}
	if len(src.args) != 1 || src.args[0] != "34" {
		t.Errorf("expected suffix bound as argument, got %v", src.args)
	}
}

func TestRunQuery_PostBody(t *testing.T) {
	src := &stubSource{cols: []string{"patient_id", "first_name", "last_name"}}
	e := newServer(t, src)

	rec := do(e, http.MethodPost, "/api/v1/queries/patients-only-on-medication/run", `{"params":{"medication_name":"Metformin"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report QueryReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.RowCount != 0 || report.Rows == nil {
		t.Errorf("expected empty non-null rows, got %+v", report)
	}
}

func TestRunQuery_MalformedBody(t *testing.T) {
	e := newServer(t, &stubSource{})

	rec := do(e, http.MethodPost, "/api/v1/queries/patient-age-buckets/run", `{"params":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRunQuery_InvalidParameter(t *testing.T) {
	e := newServer(t, &stubSource{})

	rec := do(e, http.MethodGet, "/api/v1/queries/completed-appointments/run?from=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	resp := decodeError(t, rec)
	if resp.Code != "invalid_parameter" || resp.Param != "from" {
		t.Errorf("expected error naming from, got %+v", resp)
	}
}

func TestRunQuery_UndeclaredParameter(t *testing.T) {
	e := newServer(t, &stubSource{})

	rec := do(e, http.MethodGet, "/api/v1/queries/patient-age-buckets/run?limit=5", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Param != "limit" {
		t.Errorf("expected error naming limit, got %+v", resp)
	}
}

func TestRunQuery_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		code     string
		sqlstate string
	}{
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout", ""},
		{"statement timeout", &pgconn.PgError{Code: "57014"}, http.StatusGatewayTimeout, "timeout", "57014"},
		{"missing table", &pgconn.PgError{Code: "42P01"}, http.StatusBadGateway, "data_source", "42P01"},
		{"connection refused", errors.New("dial tcp: connection refused"), http.StatusBadGateway, "data_source", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newServer(t, &stubSource{err: tt.err})

			rec := do(e, http.MethodGet, "/api/v1/queries/patient-age-buckets/run", "")
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			resp := decodeError(t, rec)
			if resp.Code != tt.code || resp.SQLState != tt.sqlstate {
				t.Errorf("unexpected error body %+v", resp)
			}
			if resp.Query != "patient-age-buckets" {
				t.Errorf("expected query name in body, got %q", resp.Query)
			}
		})
	}
}

func TestRunQuery_Unknown(t *testing.T) {
	e := newServer(t, &stubSource{})

	rec := do(e, http.MethodPost, "/api/v1/queries/nope/run", `{"params":{}}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

type recordedRun struct {
	query   string
	outcome string
	rows    int
}

type fakeRecorder struct {
	runs []recordedRun
}

func (f *fakeRecorder) RecordRun(query, outcome string, _ time.Duration, rows int) {
	f.runs = append(f.runs, recordedRun{query, outcome, rows})
}

func TestRunQuery_RecordsOutcomes(t *testing.T) {
	src := &stubSource{
		cols: []string{"age_group", "patient_count"},
		rows: [][]any{{"0-18", int64(3)}, {"19-35", int64(5)}},
	}
	cat, err := catalogue.New(src)
	if err != nil {
		t.Fatalf("catalogue.New: %v", err)
	}
	rec := &fakeRecorder{}
	h := NewHandler(cat, zerolog.Nop())
	h.SetRecorder(rec)
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))

	do(e, http.MethodGet, "/api/v1/queries/patient-age-buckets/run", "")
	do(e, http.MethodGet, "/api/v1/queries/completed-appointments/run?from=bad", "")
	do(e, http.MethodGet, "/api/v1/queries/nope/run", "")

	want := []recordedRun{
		{"patient-age-buckets", "ok", 2},
		{"completed-appointments", "invalid_parameter", 0},
	}
	if len(rec.runs) != len(want) {
		t.Fatalf("expected %d recorded runs, got %+v", len(want), rec.runs)
	}
	for i, w := range want {
		if rec.runs[i] != w {
			t.Errorf("run %d = %+v, want %+v", i, rec.runs[i], w)
		}
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&catalogue.UnknownQueryError{Name: "x"}, "unknown_query"},
		{&catalogue.InvalidParameterError{Query: "x", Param: "p"}, "invalid_parameter"},
		{&catalogue.DataSourceError{Query: "x", Err: context.DeadlineExceeded}, "timeout"},
		{&catalogue.DataSourceError{Query: "x", Err: &pgconn.PgError{Code: "57014"}}, "timeout"},
		{&catalogue.DataSourceError{Query: "x", Err: errors.New("boom")}, "data_source"},
		{errors.New("other"), "internal"},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Errorf("errorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRunQuery_DataSourceFailureLogsRequestID(t *testing.T) {
	cat, err := catalogue.New(&stubSource{err: errors.New("dial tcp: connection refused")})
	if err != nil {
		t.Fatalf("catalogue.New: %v", err)
	}
	var buf bytes.Buffer
	e := echo.New()
	e.Use(middleware.RequestID())
	NewHandler(cat, zerolog.New(&buf)).RegisterRoutes(e.Group("/api/v1"))

	rec := do(e, http.MethodGet, "/api/v1/queries/patient-age-buckets/run", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	rid := rec.Header().Get(middleware.RequestIDHeader)
	if rid == "" {
		t.Fatal("expected request id header")
	}
	if !strings.Contains(buf.String(), `"request_id":"`+rid+`"`) {
		t.Errorf("expected log line with request id %s, got %s", rid, buf.String())
	}
}
