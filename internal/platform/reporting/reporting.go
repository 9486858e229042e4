// Package reporting exposes the query catalogue over HTTP.
package reporting

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/insights/internal/catalogue"
	"github.com/ehr/insights/internal/platform/middleware"
)

// Catalogue is the part of *catalogue.Catalogue the handler needs.
type Catalogue interface {
	List() []catalogue.QueryDescriptor
	Describe(name string) (catalogue.QueryDescriptor, error)
	Run(ctx context.Context, name string, params map[string]any) (*catalogue.ResultSet, error)
}

// QueryReport holds the materialized result of one query run.
type QueryReport struct {
	Query       string          `json:"query"`
	RunID       string          `json:"run_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	Columns     []string        `json:"columns"`
	Rows        []catalogue.Row `json:"rows"`
	RowCount    int             `json:"row_count"`
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Query    string `json:"query,omitempty"`
	Param    string `json:"param,omitempty"`
	SQLState string `json:"sqlstate,omitempty"`
}

// RunRequest is the POST body for a query run.
type RunRequest struct {
	Params map[string]any `json:"params"`
}

// RunRecorder receives the outcome of every run of a known query.
type RunRecorder interface {
	RecordRun(query, outcome string, d time.Duration, rows int)
}

// Handler provides HTTP handlers for the query API.
type Handler struct {
	catalogue Catalogue
	logger    zerolog.Logger
	recorder  RunRecorder
}

// NewHandler creates a new reporting handler.
func NewHandler(c Catalogue, logger zerolog.Logger) *Handler {
	return &Handler{catalogue: c, logger: logger}
}

// SetRecorder attaches a recorder for run outcomes.
func (h *Handler) SetRecorder(r RunRecorder) {
	h.recorder = r
}

// RegisterRoutes registers the query API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/queries")
	g.GET("", h.ListQueries)
	g.GET("/:name", h.DescribeQuery)
	g.GET("/:name/run", h.RunQuery)
	g.POST("/:name/run", h.RunQuery)
}

// ListQueries returns every query descriptor in catalogue order.
func (h *Handler) ListQueries(c echo.Context) error {
	return c.JSON(http.StatusOK, h.catalogue.List())
}

// DescribeQuery returns one query descriptor.
func (h *Handler) DescribeQuery(c echo.Context) error {
	d, err := h.catalogue.Describe(c.Param("name"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// RunQuery executes a query. GET takes parameters from the query string,
// POST from a {"params": {...}} body.
func (h *Handler) RunQuery(c echo.Context) error {
	name := c.Param("name")

	var params map[string]any
	if c.Request().Method == http.MethodPost {
		var req RunRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "malformed request body",
				Code:  "bad_request",
				Query: name,
			})
		}
		params = req.Params
	} else {
		params = make(map[string]any)
		for k, v := range c.QueryParams() {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
	}

	start := time.Now()
	rows, rs, err := h.execute(c.Request().Context(), name, params)
	h.record(name, err, time.Since(start), len(rows))
	if err != nil {
		return h.writeError(c, err)
	}

	return c.JSON(http.StatusOK, QueryReport{
		Query:       rs.Query(),
		RunID:       rs.RunID(),
		GeneratedAt: time.Now().UTC(),
		Columns:     rs.Columns(),
		Rows:        rows,
		RowCount:    len(rows),
	})
}

func (h *Handler) execute(ctx context.Context, name string, params map[string]any) ([]catalogue.Row, *catalogue.ResultSet, error) {
	rs, err := h.catalogue.Run(ctx, name, params)
	if err != nil {
		return nil, nil, err
	}
	rows, err := rs.Collect()
	if err != nil {
		return nil, nil, err
	}
	return rows, rs, nil
}

// record skips unknown names so arbitrary paths cannot grow the recorder.
func (h *Handler) record(name string, err error, d time.Duration, rows int) {
	if h.recorder == nil || errors.Is(err, catalogue.ErrUnknownQuery) {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = errorCode(err)
	}
	h.recorder.RecordRun(name, outcome, d, rows)
}

// errorCode maps a catalogue error to the code reported to clients.
func errorCode(err error) string {
	var source *catalogue.DataSourceError
	switch {
	case errors.Is(err, catalogue.ErrUnknownQuery):
		return "unknown_query"
	case errors.Is(err, catalogue.ErrInvalidParameter):
		return "invalid_parameter"
	case errors.As(err, &source):
		if isTimeout(source) {
			return "timeout"
		}
		return "data_source"
	}
	return "internal"
}

func isTimeout(err *catalogue.DataSourceError) bool {
	return errors.Is(err, context.DeadlineExceeded) || err.SQLState() == sqlStateQueryCanceled
}

// SQLSTATE 57014 is query_canceled, which Postgres reports for
// statement_timeout and for client-side cancellation.
const sqlStateQueryCanceled = "57014"

func (h *Handler) writeError(c echo.Context, err error) error {
	var (
		unknown *catalogue.UnknownQueryError
		invalid *catalogue.InvalidParameterError
		source  *catalogue.DataSourceError
	)
	switch {
	case errors.As(err, &unknown):
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error: err.Error(),
			Code:  "unknown_query",
			Query: unknown.Name,
		})
	case errors.As(err, &invalid):
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "invalid_parameter",
			Query: invalid.Query,
			Param: invalid.Param,
		})
	case errors.As(err, &source):
		state := source.SQLState()
		if isTimeout(source) {
			return c.JSON(http.StatusGatewayTimeout, ErrorResponse{
				Error:    "query exceeded its time limit",
				Code:     "timeout",
				Query:    source.Query,
				SQLState: state,
			})
		}
		h.logger.Error().
			Str("request_id", middleware.GetRequestID(c)).
			Str("query", source.Query).
			Str("sqlstate", state).
			Err(source.Err).
			Msg("data source failure")
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:    "data source failed to execute the query",
			Code:     "data_source",
			Query:    source.Query,
			SQLState: state,
		})
	}
	return err
}
