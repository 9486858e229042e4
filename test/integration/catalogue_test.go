//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/insights/internal/catalogue"
)

func paramsFor(name, medication string) map[string]any {
	switch name {
	case "completed-appointments":
		return map[string]any{"from": "2020-01-01", "to": "2030-12-31"}
	case "patients-by-contact-suffix":
		return map[string]any{"suffix": "1"}
	case "patients-only-on-medication":
		return map[string]any{"medication_name": medication}
	}
	return nil
}

// renderCell renders a cell so results from different drivers can be
// compared: dates as ISO strings, numbers rounded to 6 places.
func renderCell(v any) string {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format("2006-01-02")
	case float64:
		return fmt.Sprintf("%.6f", math.Round(x*1e6)/1e6)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func renderRows(rows []catalogue.Row, cols []string) []string {
	out := make([]string, len(rows))
	for i, row := range rows {
		cells := make([]string, len(cols))
		for j, col := range cols {
			cells[j] = renderCell(row[col])
		}
		out[i] = strings.Join(cells, "|")
	}
	sort.Strings(out)
	return out
}

func TestCatalogue_Postgres_DeclaredSchema(t *testing.T) {
	ctx := context.Background()
	schema := createClinicSchema(t, ctx, "schema")
	ds := seededDataset(t)
	loadDataset(t, ctx, schema, ds)

	c := pgxCatalogue(t, ctx, schema)
	med := ds.Medications[0].MedicationName

	for _, d := range c.List() {
		t.Run(d.Name, func(t *testing.T) {
			rs, err := c.Run(ctx, d.Name, paramsFor(d.Name, med))
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			cols := rs.Columns()
			rows, err := rs.Collect()
			if err != nil {
				t.Fatalf("collect: %v", err)
			}
			want := d.ColumnNames()
			if fmt.Sprint(cols) != fmt.Sprint(want) {
				t.Fatalf("columns = %v, want %v", cols, want)
			}
			for _, row := range rows {
				for _, col := range d.Columns {
					v, ok := row[col.Name]
					if !ok {
						t.Fatalf("row missing column %s", col.Name)
					}
					if v == nil {
						continue
					}
					var typeOK bool
					switch col.Type {
					case catalogue.ColumnInteger:
						_, typeOK = v.(int64)
					case catalogue.ColumnNumber:
						_, typeOK = v.(float64)
					case catalogue.ColumnString:
						_, typeOK = v.(string)
					case catalogue.ColumnDate:
						_, typeOK = v.(time.Time)
					}
					if !typeOK {
						t.Errorf("column %s: %T does not match declared %s", col.Name, v, col.Type)
					}
				}
			}
		})
	}
}

func TestCatalogue_DriverParity(t *testing.T) {
	ctx := context.Background()
	schema := createClinicSchema(t, ctx, "parity")
	ds := seededDataset(t)
	loadDataset(t, ctx, schema, ds)

	sources := map[string]*catalogue.Catalogue{
		"pgx":    pgxCatalogue(t, ctx, schema),
		"lib/pq": pqCatalogue(t, ctx, schema),
		"sqlite": sqliteCatalogue(t, ctx, ds),
	}
	med := ds.Medications[0].MedicationName

	for _, d := range sources["pgx"].List() {
		t.Run(d.Name, func(t *testing.T) {
			want := collect(t, ctx, sources["pgx"], d.Name, paramsFor(d.Name, med))
			for driver, c := range sources {
				if driver == "pgx" {
					continue
				}
				got := collect(t, ctx, c, d.Name, paramsFor(d.Name, med))
				if len(got) != len(want) {
					t.Fatalf("%s returned %d rows, pgx %d", driver, len(got), len(want))
				}
				// Compared as sorted sets: string collation differs between
				// Postgres locales and SQLite.
				g, w := renderRows(got, d.ColumnNames()), renderRows(want, d.ColumnNames())
				for i := range w {
					if g[i] != w[i] {
						t.Errorf("%s row %q, pgx row %q", driver, g[i], w[i])
					}
				}
			}
		})
	}
}

func TestCatalogue_Postgres_CompletedAppointmentsWindow(t *testing.T) {
	ctx := context.Background()
	schema := createClinicSchema(t, ctx, "window")
	ds := seededDataset(t)
	loadDataset(t, ctx, schema, ds)

	c := pgxCatalogue(t, ctx, schema)
	all := collect(t, ctx, c, "completed-appointments", nil)
	if len(all) == 0 {
		t.Fatal("expected completed appointments in seeded clinic")
	}

	first := all[0]["appointment_date"].(time.Time)
	day := first.Format("2006-01-02")
	rows := collect(t, ctx, c, "completed-appointments", map[string]any{"from": day, "to": day})
	if len(rows) == 0 {
		t.Fatalf("expected inclusive bounds to match appointments on %s", day)
	}
	for _, row := range rows {
		if got := row["appointment_date"].(time.Time); !got.Equal(first) {
			t.Errorf("appointment on %s outside window %s", got.Format("2006-01-02"), day)
		}
	}
}

func TestCatalogue_Postgres_Deadline(t *testing.T) {
	ctx := context.Background()
	schema := createClinicSchema(t, ctx, "deadline")
	c := pgxCatalogue(t, ctx, schema)

	expired, cancel := context.WithTimeout(ctx, time.Nanosecond)
	defer cancel()
	<-expired.Done()

	_, err := c.Run(expired, "patient-age-buckets", nil)
	if !errors.Is(err, catalogue.ErrDataSource) {
		t.Fatalf("expected data source error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline to be reachable through the error, got %v", err)
	}
}

func TestCatalogue_Postgres_MissingSchema(t *testing.T) {
	ctx := context.Background()
	c := pgxCatalogue(t, ctx, uniqueSchema("absent"))

	_, err := c.Run(ctx, "patient-age-buckets", nil)
	var dsErr *catalogue.DataSourceError
	if !errors.As(err, &dsErr) {
		t.Fatalf("expected DataSourceError, got %v", err)
	}
	// undefined_table
	if dsErr.SQLState() != "42P01" {
		t.Errorf("expected SQLSTATE 42P01, got %q", dsErr.SQLState())
	}
}

func TestReadOnlyPool_RejectsWrites(t *testing.T) {
	ctx := context.Background()
	schema := createClinicSchema(t, ctx, "readonly")
	pool := schemaPool(t, ctx, schema, true)

	_, err := pool.Exec(ctx, `INSERT INTO doctors (doctor_id, first_name, last_name, specialization, contact_number)
VALUES (1, 'Ada', 'Byron', 'Cardiology', '555-0001')`)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected server error, got %v", err)
	}
	// read_only_sql_transaction
	if pgErr.Code != "25006" {
		t.Errorf("expected SQLSTATE 25006, got %s", pgErr.Code)
	}
}

func TestMigrator_Status(t *testing.T) {
	ctx := context.Background()
	schema := createClinicSchema(t, ctx, "status")

	statuses, err := newMigrator().Status(ctx, schema)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if len(statuses) == 0 {
		t.Fatal("expected migrations")
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %d (%s) pending after Up", s.Version, s.Name)
		}
	}

	n, err := newMigrator().Up(ctx, schema)
	if err != nil {
		t.Fatalf("second Up() error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no pending migrations, applied %d", n)
	}
}
