// Package sandbox generates a synthetic clinic for demo and development
// databases. Output is reproducible for a given seed and always satisfies the
// clinic schema's constraints.
package sandbox

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ehr/insights/internal/clinic"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume and shape of the generated clinic.
type SeedConfig struct {
	DoctorCount             int     `json:"doctorCount"`
	PatientCount            int     `json:"patientCount"`
	AppointmentsPerPatient  int     `json:"appointmentsPerPatient"`
	DiagnosesPerPatient     int     `json:"diagnosesPerPatient"`
	MedicationsPerDiagnosis int     `json:"medicationsPerDiagnosis"`
	UnseenPatientRatio      float64 `json:"unseenPatientRatio"`
	Seed                    int64   `json:"seed"`
}

// DefaultSeedConfig returns the configuration used by `insights seed`.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		DoctorCount:             12,
		PatientCount:            200,
		AppointmentsPerPatient:  4,
		DiagnosesPerPatient:     2,
		MedicationsPerDiagnosis: 2,
		UnseenPatientRatio:      0.1,
		Seed:                    20240101,
	}
}

// Upper bounds on a generated clinic. The whole dataset is built in memory.
const (
	MaxDoctors                 = 1000
	MaxPatients                = 50000
	MaxPerPatient              = 20
	MaxMedicationsPerDiagnosis = 10
	MaxSeedRows                = 1000000
)

// Validate rejects configurations that cannot produce a consistent clinic.
func (c SeedConfig) Validate() error {
	if c.DoctorCount <= 0 || c.DoctorCount > MaxDoctors {
		return fmt.Errorf("doctorCount must be within [1, %d], got %d", MaxDoctors, c.DoctorCount)
	}
	if c.PatientCount < 0 || c.AppointmentsPerPatient < 0 || c.DiagnosesPerPatient < 0 || c.MedicationsPerDiagnosis < 0 {
		return fmt.Errorf("counts must be non-negative")
	}
	if c.PatientCount > MaxPatients {
		return fmt.Errorf("patientCount must be at most %d, got %d", MaxPatients, c.PatientCount)
	}
	if c.AppointmentsPerPatient > MaxPerPatient || c.DiagnosesPerPatient > MaxPerPatient {
		return fmt.Errorf("appointmentsPerPatient and diagnosesPerPatient must be at most %d", MaxPerPatient)
	}
	if c.MedicationsPerDiagnosis > MaxMedicationsPerDiagnosis {
		return fmt.Errorf("medicationsPerDiagnosis must be at most %d, got %d", MaxMedicationsPerDiagnosis, c.MedicationsPerDiagnosis)
	}
	if n := c.estimatedRows(); n > MaxSeedRows {
		return fmt.Errorf("configuration would generate about %d rows, limit is %d", n, MaxSeedRows)
	}
	if c.UnseenPatientRatio < 0 || c.UnseenPatientRatio > 1 {
		return fmt.Errorf("unseenPatientRatio must be within [0, 1], got %g", c.UnseenPatientRatio)
	}
	return nil
}

// estimatedRows is an upper bound on the rows Generate produces.
func (c SeedConfig) estimatedRows() int {
	perPatient := 1 + c.AppointmentsPerPatient + c.DiagnosesPerPatient*(1+c.MedicationsPerDiagnosis)
	return c.DoctorCount + c.PatientCount*perPatient
}

// ---------------------------------------------------------------------------
// SeedResult
// ---------------------------------------------------------------------------

// SeedResult summarizes the output of a seed operation.
type SeedResult struct {
	Doctors      int           `json:"doctors"`
	Patients     int           `json:"patients"`
	Appointments int           `json:"appointments"`
	Diagnoses    int           `json:"diagnoses"`
	Medications  int           `json:"medications"`
	TotalRows    int           `json:"totalRows"`
	Duration     time.Duration `json:"duration"`
}

func summarize(ds *clinic.Dataset, elapsed time.Duration) *SeedResult {
	r := &SeedResult{
		Doctors:      len(ds.Doctors),
		Patients:     len(ds.Patients),
		Appointments: len(ds.Appointments),
		Diagnoses:    len(ds.Diagnoses),
		Medications:  len(ds.Medications),
		Duration:     elapsed,
	}
	r.TotalRows = r.Doctors + r.Patients + r.Appointments + r.Diagnoses + r.Medications
	return r
}

// ---------------------------------------------------------------------------
// Reference data
// ---------------------------------------------------------------------------

var firstNames = []string{
	"James", "Mary", "Robert", "Patricia", "John", "Jennifer", "Michael",
	"Linda", "David", "Elizabeth", "William", "Barbara", "Richard", "Susan",
	"Joseph", "Jessica", "Thomas", "Sarah", "Priya", "Arjun", "Wei", "Mei",
	"Carlos", "Sofia", "Ahmed", "Fatima", "Kenji", "Yuki",
}

var lastNames = []string{
	"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller",
	"Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez", "Wilson",
	"Anderson", "Thomas", "Taylor", "Moore", "Jackson", "Sharma", "Patel",
	"Chen", "Wang", "Kim", "Nguyen", "Tanaka", "Khan",
}

var specializations = []string{
	"Cardiology", "Dermatology", "Endocrinology", "Family Medicine",
	"Gastroenterology", "Neurology", "Oncology", "Orthopedics",
	"Pediatrics", "Psychiatry", "Pulmonology",
}

var genders = []string{"Male", "Female", "Other"}

var streets = []string{
	"Main St", "Oak Ave", "Maple Dr", "Cedar Ln", "Elm St", "Pine Rd",
	"Lake View Blvd", "Hill Crest Way",
}

var cities = []string{"Springfield", "Riverton", "Fairview", "Greenville", "Madison"}

var reasons = []string{
	"Annual checkup", "Follow-up visit", "Chest pain", "Persistent cough",
	"Skin rash", "Back pain", "Headache", "Fatigue", "Blood pressure review",
	"Medication review",
}

type condition struct {
	name      string
	treatment string
	drugs     []string
}

var conditions = []condition{
	{"Hypertension", "Lifestyle changes and antihypertensives", []string{"Lisinopril", "Amlodipine", "Losartan"}},
	{"Type 2 Diabetes", "Glycemic control", []string{"Metformin", "Glipizide", "Insulin Glargine"}},
	{"Asthma", "Inhaled therapy", []string{"Albuterol", "Fluticasone"}},
	{"Hyperlipidemia", "Statin therapy", []string{"Atorvastatin", "Rosuvastatin"}},
	{"Migraine", "Abortive and preventive therapy", []string{"Sumatriptan", "Propranolol"}},
	{"Depression", "Psychotherapy and SSRIs", []string{"Sertraline", "Fluoxetine"}},
	{"Osteoarthritis", "Physical therapy and analgesics", []string{"Ibuprofen", "Acetaminophen"}},
	{"GERD", "Acid suppression", []string{"Omeprazole", "Famotidine"}},
}

var dosages = []string{"5 mg", "10 mg", "20 mg", "40 mg", "250 mg", "500 mg", "1 puff", "10 units"}

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic synthetic clinic rows.
type DataGenerator struct {
	rng *rand.Rand
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) chance(p float64) bool {
	return g.rng.Float64() < p
}

func (g *DataGenerator) randomDate(minYear, maxYear int) time.Time {
	y := minYear + g.rng.Intn(maxYear-minYear+1)
	m := time.Month(1 + g.rng.Intn(12))
	d := 1 + g.rng.Intn(28) // safe for all months
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (g *DataGenerator) randomPhone() string {
	return fmt.Sprintf("(%03d) %03d-%04d",
		200+g.rng.Intn(800),
		200+g.rng.Intn(800),
		g.rng.Intn(10000),
	)
}

// GenerateDoctor produces a doctor. The contact number is derived from id so
// it is unique across a dataset.
func (g *DataGenerator) GenerateDoctor(id int64) clinic.Doctor {
	spec := g.pick(specializations)
	phone := fmt.Sprintf("(555) %03d-%04d", 100+id/10000, id%10000)
	return clinic.Doctor{
		DoctorID:        id,
		FirstName:       g.pick(firstNames),
		LastName:        g.pick(lastNames),
		Specialization:  &spec,
		ExperienceYears: 1 + g.rng.Intn(35),
		ContactNumber:   &phone,
	}
}

// GeneratePatient produces a patient. About one in twenty has no recorded age.
func (g *DataGenerator) GeneratePatient(id int64) clinic.Patient {
	p := clinic.Patient{
		PatientID: id,
		FirstName: g.pick(firstNames),
		LastName:  g.pick(lastNames),
	}
	if !g.chance(0.05) {
		age := g.rng.Intn(91)
		p.Age = &age
	}
	gender := g.pick(genders)
	p.Gender = &gender
	addr := fmt.Sprintf("%d %s, %s", 1+g.rng.Intn(9999), g.pick(streets), g.pick(cities))
	p.Address = &addr
	phone := g.randomPhone()
	p.ContactNumber = &phone
	return p
}

// GenerateAppointment produces an appointment between patientID and doctorID.
func (g *DataGenerator) GenerateAppointment(id, patientID, doctorID int64) clinic.Appointment {
	status := clinic.StatusCompleted
	switch n := g.rng.Intn(10); {
	case n == 0:
		status = clinic.StatusCancelled
	case n < 3:
		status = clinic.StatusScheduled
	}
	reason := g.pick(reasons)
	return clinic.Appointment{
		AppointmentID:   id,
		PatientID:       patientID,
		DoctorID:        doctorID,
		AppointmentDate: g.randomDate(2022, 2024),
		Reason:          &reason,
		Status:          status,
	}
}

// GenerateDiagnosis produces a diagnosis and returns the condition it was
// drawn from so medications can follow it.
func (g *DataGenerator) GenerateDiagnosis(id, patientID, doctorID int64, on time.Time) (clinic.Diagnosis, condition) {
	cond := conditions[g.rng.Intn(len(conditions))]
	treatment := cond.treatment
	return clinic.Diagnosis{
		DiagnosisID:   id,
		PatientID:     patientID,
		DoctorID:      doctorID,
		DiagnosisDate: on,
		Diagnosis:     cond.name,
		Treatment:     &treatment,
	}, cond
}

// GenerateMedication produces a medication for a diagnosis. About one in
// five is ongoing and has no end date.
func (g *DataGenerator) GenerateMedication(id, diagnosisID int64, cond condition, start time.Time) clinic.Medication {
	dosage := g.pick(dosages)
	m := clinic.Medication{
		MedicationID:   id,
		DiagnosisID:    diagnosisID,
		MedicationName: g.pick(cond.drugs),
		Dosage:         &dosage,
		StartDate:      start,
	}
	if !g.chance(0.2) {
		end := start.AddDate(0, 0, 7+g.rng.Intn(84))
		m.EndDate = &end
	}
	return m
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Seeder builds a complete clinic dataset from a SeedConfig.
type Seeder struct {
	generator *DataGenerator
	config    SeedConfig
}

// NewSeeder creates a new Seeder with the given config.
func NewSeeder(config SeedConfig) *Seeder {
	return &Seeder{
		generator: NewDataGenerator(config.Seed),
		config:    config,
	}
}

// Generate builds the dataset. Ids are dense and start at 1 for every table.
// Some patients are never seen, and some diagnoses are made by a doctor the
// patient has no appointment with, so every catalogued query has rows.
func (s *Seeder) Generate() (*clinic.Dataset, error) {
	if err := s.config.Validate(); err != nil {
		return nil, err
	}
	g := s.generator
	ds := &clinic.Dataset{}

	for i := 1; i <= s.config.DoctorCount; i++ {
		ds.Doctors = append(ds.Doctors, g.GenerateDoctor(int64(i)))
	}

	var apptID, diagID, medID int64
	for i := 1; i <= s.config.PatientCount; i++ {
		patient := g.GeneratePatient(int64(i))
		ds.Patients = append(ds.Patients, patient)

		if s.config.AppointmentsPerPatient == 0 || g.chance(s.config.UnseenPatientRatio) {
			continue
		}

		var visits []clinic.Appointment
		visitCount := 1 + g.rng.Intn(s.config.AppointmentsPerPatient)
		for j := 0; j < visitCount; j++ {
			apptID++
			doctor := ds.Doctors[g.rng.Intn(len(ds.Doctors))]
			visits = append(visits, g.GenerateAppointment(apptID, patient.PatientID, doctor.DoctorID))
		}
		ds.Appointments = append(ds.Appointments, visits...)

		if s.config.DiagnosesPerPatient == 0 {
			continue
		}
		diagCount := g.rng.Intn(s.config.DiagnosesPerPatient + 1)
		for j := 0; j < diagCount; j++ {
			visit := visits[g.rng.Intn(len(visits))]
			doctorID := visit.DoctorID
			if g.chance(0.1) {
				doctorID = ds.Doctors[g.rng.Intn(len(ds.Doctors))].DoctorID
			}
			diagID++
			diag, cond := g.GenerateDiagnosis(diagID, patient.PatientID, doctorID, visit.AppointmentDate)
			ds.Diagnoses = append(ds.Diagnoses, diag)

			if s.config.MedicationsPerDiagnosis == 0 {
				continue
			}
			medCount := 1 + g.rng.Intn(s.config.MedicationsPerDiagnosis)
			for k := 0; k < medCount; k++ {
				medID++
				ds.Medications = append(ds.Medications, g.GenerateMedication(medID, diagID, cond, diag.DiagnosisDate))
			}
		}
	}

	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("generated dataset is inconsistent: %w", err)
	}
	return ds, nil
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

const insertBatchSize = 200

// OpenGorm wraps an open database/sql handle in a gorm session. dialect is
// "postgres" or "sqlite".
func OpenGorm(db *sql.DB, dialect string) (*gorm.DB, error) {
	var d gorm.Dialector
	switch dialect {
	case "postgres":
		d = postgres.New(postgres.Config{Conn: db})
	case "sqlite":
		d = &sqlite.Dialector{Conn: db}
	default:
		return nil, fmt.Errorf("unsupported seed dialect %q", dialect)
	}
	gdb, err := gorm.Open(d, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm session: %w", err)
	}
	return gdb, nil
}

// WriteOptions controls how a dataset is persisted.
type WriteOptions struct {
	// Replace deletes every existing clinic row before inserting.
	Replace bool
}

// Write validates ds and inserts it in a single transaction, parents first.
func Write(ctx context.Context, gdb *gorm.DB, ds *clinic.Dataset, opts WriteOptions) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	return gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if opts.Replace {
			all := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
			for _, model := range []any{
				&clinic.Medication{}, &clinic.Diagnosis{}, &clinic.Appointment{},
				&clinic.Patient{}, &clinic.Doctor{},
			} {
				if err := all.Delete(model).Error; err != nil {
					return fmt.Errorf("clear %T: %w", model, err)
				}
			}
		}
		if err := createAll(tx, ds.Doctors); err != nil {
			return fmt.Errorf("insert doctors: %w", err)
		}
		if err := createAll(tx, ds.Patients); err != nil {
			return fmt.Errorf("insert patients: %w", err)
		}
		if err := createAll(tx, ds.Appointments); err != nil {
			return fmt.Errorf("insert appointments: %w", err)
		}
		if err := createAll(tx, ds.Diagnoses); err != nil {
			return fmt.Errorf("insert diagnoses: %w", err)
		}
		if err := createAll(tx, ds.Medications); err != nil {
			return fmt.Errorf("insert medications: %w", err)
		}
		return nil
	})
}

func createAll[T any](tx *gorm.DB, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.CreateInBatches(rows, insertBatchSize).Error
}

// Seed generates a dataset from config and writes it.
func Seed(ctx context.Context, gdb *gorm.DB, config SeedConfig, opts WriteOptions, log zerolog.Logger) (*SeedResult, error) {
	start := time.Now()
	ds, err := NewSeeder(config).Generate()
	if err != nil {
		return nil, err
	}
	if err := Write(ctx, gdb, ds, opts); err != nil {
		return nil, err
	}
	result := summarize(ds, time.Since(start))
	log.Info().
		Int("doctors", result.Doctors).
		Int("patients", result.Patients).
		Int("appointments", result.Appointments).
		Int("diagnoses", result.Diagnoses).
		Int("medications", result.Medications).
		Dur("duration", result.Duration).
		Msg("clinic seeded")
	return result, nil
}

// ---------------------------------------------------------------------------
// SeedHandler: Echo HTTP handlers
// ---------------------------------------------------------------------------

// SeedHandler previews generated clinics over HTTP without touching the
// database. The most recent dataset is kept for inspection.
type SeedHandler struct {
	mu      sync.Mutex
	dataset *clinic.Dataset
}

// NewSeedHandler creates a new handler with no generated data.
func NewSeedHandler() *SeedHandler {
	return &SeedHandler{}
}

// RegisterRoutes registers sandbox routes on the given Echo group.
func (h *SeedHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/generate", h.handleGenerate)
	g.GET("/tables/:table", h.handleListRows)
	g.POST("/reset", h.handleReset)
}

func (h *SeedHandler) handleGenerate(c echo.Context) error {
	cfg := DefaultSeedConfig()
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	start := time.Now()
	ds, err := NewSeeder(cfg).Generate()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	h.mu.Lock()
	h.dataset = ds
	h.mu.Unlock()

	return c.JSON(http.StatusOK, summarize(ds, time.Since(start)))
}

func (h *SeedHandler) handleListRows(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dataset == nil {
		return c.JSON(http.StatusOK, []interface{}{})
	}

	switch c.Param("table") {
	case "doctors":
		return c.JSON(http.StatusOK, h.dataset.Doctors)
	case "patients":
		return c.JSON(http.StatusOK, h.dataset.Patients)
	case "appointments":
		return c.JSON(http.StatusOK, h.dataset.Appointments)
	case "diagnoses":
		return c.JSON(http.StatusOK, h.dataset.Diagnoses)
	case "medications":
		return c.JSON(http.StatusOK, h.dataset.Medications)
	}
	return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown table " + c.Param("table")})
}

func (h *SeedHandler) handleReset(c echo.Context) error {
	h.mu.Lock()
	h.dataset = nil
	h.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}
