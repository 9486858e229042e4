package catalogue

import "time"

const (
	patientName = `p.first_name || ' ' || p.last_name`
	doctorName  = `doc.first_name || ' ' || doc.last_name`
)

// builtin is the fixed catalogue, in declared order.
var builtin = []Template{
	{
		QueryDescriptor: QueryDescriptor{
			Name:        "completed-appointments",
			Description: "Completed appointments with patient and doctor details, optionally bounded by date",
			Params: []Param{
				{Name: "from", Type: ParamDate, Description: "earliest appointment date, inclusive"},
				{Name: "to", Type: ParamDate, Description: "latest appointment date, inclusive"},
			},
			Columns: []Column{
				{Name: "appointment_id", Type: ColumnInteger},
				{Name: "appointment_date", Type: ColumnDate},
				{Name: "patient_id", Type: ColumnInteger},
				{Name: "patient_name", Type: ColumnString},
				{Name: "doctor_id", Type: ColumnInteger},
				{Name: "doctor_name", Type: ColumnString},
				{Name: "specialization", Type: ColumnString},
				{Name: "reason", Type: ColumnString},
			},
		},
		SQL: `SELECT a.appointment_id, a.appointment_date,
	p.patient_id, ` + patientName + ` AS patient_name,
	doc.doctor_id, ` + doctorName + ` AS doctor_name,
	doc.specialization, a.reason
FROM appointments a
JOIN patients p ON p.patient_id = a.patient_id
JOIN doctors doc ON doc.doctor_id = a.doctor_id
WHERE a.status = 'Completed'
	AND (@from IS NULL OR a.appointment_date >= @from)
	AND (@to IS NULL OR a.appointment_date <= @to)
ORDER BY a.appointment_date, a.appointment_id`,
		DialectSQL: map[Dialect]string{
			SQLite: `SELECT a.appointment_id, a.appointment_date,
	p.patient_id, ` + patientName + ` AS patient_name,
	doc.doctor_id, ` + doctorName + ` AS doctor_name,
	doc.specialization, a.reason
FROM appointments a
JOIN patients p ON p.patient_id = a.patient_id
JOIN doctors doc ON doc.doctor_id = a.doctor_id
WHERE a.status = 'Completed'
	AND (@from IS NULL OR date(a.appointment_date) >= @from)
	AND (@to IS NULL OR date(a.appointment_date) <= @to)
ORDER BY date(a.appointment_date), a.appointment_id`,
		},
		Check: func(args map[string]any) *InvalidParameterError {
			from, okFrom := args["from"].(time.Time)
			to, okTo := args["to"].(time.Time)
			if okFrom && okTo && to.Before(from) {
				return &InvalidParameterError{Param: "to", Reason: "must not be earlier than from"}
			}
			return nil
		},
	},
	{
		QueryDescriptor: QueryDescriptor{
			Name:        "patients-without-appointments",
			Description: "Patients that have never booked an appointment",
			Columns: []Column{
				{Name: "patient_id", Type: ColumnInteger},
				{Name: "first_name", Type: ColumnString},
				{Name: "last_name", Type: ColumnString},
				{Name: "age", Type: ColumnInteger},
				{Name: "gender", Type: ColumnString},
				{Name: "contact_number", Type: ColumnString},
			},
		},
		SQL: `SELECT p.patient_id, p.first_name, p.last_name, p.age, p.gender, p.contact_number
FROM patients p
LEFT JOIN appointments a ON a.patient_id = p.patient_id
WHERE a.appointment_id IS NULL
ORDER BY p.patient_id`,
	},
	{
		QueryDescriptor: QueryDescriptor{
			Name:        "diagnosis-counts-per-doctor",
			Description: "Number of diagnoses recorded by each doctor, including doctors with none",
			Columns: []Column{
				{Name: "doctor_id", Type: ColumnInteger},
				{Name: "doctor_name", Type: ColumnString},
				{Name: "specialization", Type: ColumnString},
				{Name: "diagnosis_count", Type: ColumnInteger},
			},
		},
		SQL: `SELECT doc.doctor_id, ` + doctorName + ` AS doctor_name, doc.specialization,
	COUNT(dg.diagnosis_id) AS diagnosis_count
FROM doctors doc
LEFT JOIN diagnoses dg ON dg.doctor_id = doc.doctor_id
GROUP BY doc.doctor_id, doc.first_name, doc.last_name, doc.specialization
ORDER BY doc.doctor_id`,
	},
	{
		QueryDescriptor: QueryDescriptor{
			Name:        "appointment-diagnosis-mismatch",
			Description: "Patient/doctor pairs with an appointment but no diagnosis, or a diagnosis but no appointment",
			Columns: []Column{
				{Name: "patient_id", Type: ColumnInteger},
				{Name: "doctor_id", Type: ColumnInteger},
				{Name: "appointment_id", Type: ColumnInteger},
				{Name: "diagnosis_id", Type: ColumnInteger},
				{Name: "missing_side", Type: ColumnString},
			},
		},
		SQL: `SELECT COALESCE(a.patient_id, dg.patient_id) AS patient_id,
	COALESCE(a.doctor_id, dg.doctor_id) AS doctor_id,
	a.appointment_id, dg.diagnosis_id,
	CASE WHEN dg.diagnosis_id IS NULL THEN 'diagnosis' ELSE 'appointment' END AS missing_side
FROM appointments a
FULL OUTER JOIN diagnoses dg ON dg.patient_id = a.patient_id AND dg.doctor_id = a.doctor_id
WHERE a.appointment_id IS NULL OR dg.diagnosis_id IS NULL
ORDER BY 1, 2, COALESCE(a.appointment_id, 0), COALESCE(dg.diagnosis_id, 0)`,
	},
	{
		QueryDescriptor: QueryDescriptor{
			Name:        "doctor-appointment-rank",
			Description: "Doctors ranked by appointment volume; ties share a rank and the next rank is skipped",
			Columns: []Column{
				{Name: "doctor_id", Type: ColumnInteger},
				{Name: "doctor_name", Type: ColumnString},
				{Name: "appointment_count", Type: ColumnInteger},
				{Name: "volume_rank", Type: ColumnInteger},
			},
		},
		SQL: `SELECT doc.doctor_id, ` + doctorName + ` AS doctor_name,
	COUNT(a.appointment_id) AS appointment_count,
	RANK() OVER (ORDER BY COUNT(a.appointment_id) DESC) AS volume_rank
FROM doctors doc
LEFT JOIN appointments a ON a.doctor_id = doc.doctor_id
GROUP BY doc.doctor_id, doc.first_name, doc.last_name
ORDER BY volume_rank, doc.doctor_id`,
	},
	{
		QueryDescriptor: QueryDescriptor{
			Name:        "patient-age-buckets",
			Description: "Patient counts per age group (18-30, 31-50, 51+, Unknown)",
			Columns: []Column{
				{Name: "age_group", Type: ColumnString},
				{Name: "patient_count", Type: ColumnInteger},
			},
		},
		SQL: `SELECT CASE
		WHEN age BETWEEN 18 AND 30 THEN '18-30'
		WHEN age BETWEEN 31 AND 50 THEN '31-50'
		WHEN age >= 51 THEN '51+'
		ELSE 'Unknown'
	END AS age_group,
	COUNT(*) AS patient_count
FROM patients
GROUP BY 1
ORDER BY 1`,
	},
	{
		QueryDescriptor: QueryDescriptor{
			Name:        "patients-by-contact-suffix",
			Description: "Patients whose contact number ends with the given digits",
			Params: []Param{
				{Name: "suffix", Type: ParamString, Required: true, Rules: "number,min=1,max=15", Description: "trailing digits of the contact number"},
			},
			Columns: []Column{
				{Name: "patient_id", Type: ColumnInteger},
				{Name: "first_name", Type: ColumnString},
				{Name: "last_name", Type: ColumnString},
				{Name: "contact_number", Type: ColumnString},
			},
		},
		SQL: `SELECT p.patient_id, p.first_name, p.last_name, p.contact_number
FROM patients p
WHERE p.contact_number LIKE '%' || @suffix
ORDER BY p.patient_id`,
	},
	{
		QueryDescriptor: QueryDescriptor{
			Name:        "patients-only-on-medication",
			Description: "Patients with no medication other than the named drug",
			Params: []Param{
				{Name: "medication_name", Type: ParamString, Required: true, Rules: "min=1,max=100", Description: "exact medication name"},
			},
			Columns: []Column{
				{Name: "patient_id", Type: ColumnInteger},
				{Name: "first_name", Type: ColumnString},
				{Name: "last_name", Type: ColumnString},
			},
		},
		SQL: `SELECT p.patient_id, p.first_name, p.last_name
FROM patients p
WHERE NOT EXISTS (
	SELECT 1
	FROM diagnoses dg
	JOIN medications m ON m.diagnosis_id = dg.diagnosis_id
	WHERE dg.patient_id = p.patient_id
		AND m.medication_name <> @medication_name
)
ORDER BY p.patient_id`,
	},
	{
		QueryDescriptor: QueryDescriptor{
			Name:        "average-medication-duration",
			Description: "Mean medication duration in days per diagnosis; open-ended prescriptions are ignored",
			Columns: []Column{
				{Name: "diagnosis", Type: ColumnString},
				{Name: "avg_duration_days", Type: ColumnNumber},
			},
		},
		SQL: `SELECT dg.diagnosis,
	AVG(ABS(m.end_date - m.start_date))::float8 AS avg_duration_days
FROM diagnoses dg
JOIN medications m ON m.diagnosis_id = dg.diagnosis_id
GROUP BY dg.diagnosis
ORDER BY dg.diagnosis`,
		DialectSQL: map[Dialect]string{
			SQLite: `SELECT dg.diagnosis,
	AVG(ABS(julianday(m.end_date) - julianday(m.start_date))) AS avg_duration_days
FROM diagnoses dg
JOIN medications m ON m.diagnosis_id = dg.diagnosis_id
GROUP BY dg.diagnosis
ORDER BY dg.diagnosis`,
		},
	},
	{
		QueryDescriptor: QueryDescriptor{
			Name:        "top-doctor-by-unique-patients",
			Description: "The doctor who saw the most distinct patients; ties go to the lowest doctor_id",
			Columns: []Column{
				{Name: "doctor_id", Type: ColumnInteger},
				{Name: "doctor_name", Type: ColumnString},
				{Name: "unique_patients", Type: ColumnInteger},
			},
		},
		SQL: `SELECT doc.doctor_id, ` + doctorName + ` AS doctor_name,
	COUNT(DISTINCT a.patient_id) AS unique_patients
FROM doctors doc
JOIN appointments a ON a.doctor_id = doc.doctor_id
GROUP BY doc.doctor_id, doc.first_name, doc.last_name
ORDER BY unique_patients DESC, doc.doctor_id
LIMIT 1`,
	},
}

// Builtin returns the catalogued templates in declared order.
func Builtin() []Template {
	out := make([]Template, len(builtin))
	for i, t := range builtin {
		out[i] = t
		out[i].QueryDescriptor = t.QueryDescriptor.clone()
	}
	return out
}
