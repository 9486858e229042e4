// Package clinic describes the rows of the clinic schema. The query
// catalogue never builds these; they exist for seeding and fixtures.
package clinic

import (
	"fmt"
	"time"
)

// Appointment statuses seen in practice. The column is an open string set.
const (
	StatusCompleted = "Completed"
	StatusScheduled = "Scheduled"
	StatusCancelled = "Cancelled"
)

type Patient struct {
	PatientID     int64   `gorm:"column:patient_id;primaryKey" json:"patient_id"`
	FirstName     string  `gorm:"column:first_name" json:"first_name"`
	LastName      string  `gorm:"column:last_name" json:"last_name"`
	Age           *int    `gorm:"column:age" json:"age,omitempty"`
	Gender        *string `gorm:"column:gender" json:"gender,omitempty"`
	Address       *string `gorm:"column:address" json:"address,omitempty"`
	ContactNumber *string `gorm:"column:contact_number" json:"contact_number,omitempty"`
}

func (Patient) TableName() string { return "patients" }

func (p *Patient) Validate() error {
	if p.PatientID <= 0 {
		return fmt.Errorf("patient_id is required")
	}
	if p.Age != nil && *p.Age < 0 {
		return fmt.Errorf("patient %d: age must be non-negative, got %d", p.PatientID, *p.Age)
	}
	return nil
}

type Doctor struct {
	DoctorID        int64   `gorm:"column:doctor_id;primaryKey" json:"doctor_id"`
	FirstName       string  `gorm:"column:first_name" json:"first_name"`
	LastName        string  `gorm:"column:last_name" json:"last_name"`
	Specialization  *string `gorm:"column:specialization" json:"specialization,omitempty"`
	ExperienceYears int     `gorm:"column:experience_years" json:"experience_years"`
	ContactNumber   *string `gorm:"column:contact_number" json:"contact_number,omitempty"`
}

func (Doctor) TableName() string { return "doctors" }

func (d *Doctor) Validate() error {
	if d.DoctorID <= 0 {
		return fmt.Errorf("doctor_id is required")
	}
	if d.ExperienceYears < 0 {
		return fmt.Errorf("doctor %d: experience_years must be non-negative, got %d", d.DoctorID, d.ExperienceYears)
	}
	return nil
}

type Appointment struct {
	AppointmentID   int64     `gorm:"column:appointment_id;primaryKey" json:"appointment_id"`
	PatientID       int64     `gorm:"column:patient_id" json:"patient_id"`
	DoctorID        int64     `gorm:"column:doctor_id" json:"doctor_id"`
	AppointmentDate time.Time `gorm:"column:appointment_date" json:"appointment_date"`
	Reason          *string   `gorm:"column:reason" json:"reason,omitempty"`
	Status          string    `gorm:"column:status" json:"status"`
}

func (Appointment) TableName() string { return "appointments" }

func (a *Appointment) Validate() error {
	if a.AppointmentID <= 0 {
		return fmt.Errorf("appointment_id is required")
	}
	if a.PatientID <= 0 || a.DoctorID <= 0 {
		return fmt.Errorf("appointment %d: patient_id and doctor_id are required", a.AppointmentID)
	}
	return nil
}

type Diagnosis struct {
	DiagnosisID   int64     `gorm:"column:diagnosis_id;primaryKey" json:"diagnosis_id"`
	PatientID     int64     `gorm:"column:patient_id" json:"patient_id"`
	DoctorID      int64     `gorm:"column:doctor_id" json:"doctor_id"`
	DiagnosisDate time.Time `gorm:"column:diagnosis_date" json:"diagnosis_date"`
	Diagnosis     string    `gorm:"column:diagnosis" json:"diagnosis"`
	Treatment     *string   `gorm:"column:treatment" json:"treatment,omitempty"`
}

func (Diagnosis) TableName() string { return "diagnoses" }

func (d *Diagnosis) Validate() error {
	if d.DiagnosisID <= 0 {
		return fmt.Errorf("diagnosis_id is required")
	}
	if d.PatientID <= 0 || d.DoctorID <= 0 {
		return fmt.Errorf("diagnosis %d: patient_id and doctor_id are required", d.DiagnosisID)
	}
	return nil
}

type Medication struct {
	MedicationID   int64      `gorm:"column:medication_id;primaryKey" json:"medication_id"`
	DiagnosisID    int64      `gorm:"column:diagnosis_id" json:"diagnosis_id"`
	MedicationName string     `gorm:"column:medication_name" json:"medication_name"`
	Dosage         *string    `gorm:"column:dosage" json:"dosage,omitempty"`
	StartDate      time.Time  `gorm:"column:start_date" json:"start_date"`
	EndDate        *time.Time `gorm:"column:end_date" json:"end_date,omitempty"`
}

func (Medication) TableName() string { return "medications" }

func (m *Medication) Validate() error {
	if m.MedicationID <= 0 {
		return fmt.Errorf("medication_id is required")
	}
	if m.DiagnosisID <= 0 {
		return fmt.Errorf("medication %d: diagnosis_id is required", m.MedicationID)
	}
	if m.EndDate != nil && m.EndDate.Before(m.StartDate) {
		return fmt.Errorf("medication %d: end_date %s is before start_date %s",
			m.MedicationID, m.EndDate.Format("2006-01-02"), m.StartDate.Format("2006-01-02"))
	}
	return nil
}

// Dataset is a complete, internally consistent set of clinic rows.
type Dataset struct {
	Doctors      []Doctor
	Patients     []Patient
	Appointments []Appointment
	Diagnoses    []Diagnosis
	Medications  []Medication
}

// Validate checks every row and that each foreign reference resolves
// within the dataset.
func (ds *Dataset) Validate() error {
	patients := make(map[int64]bool, len(ds.Patients))
	for i := range ds.Patients {
		if err := ds.Patients[i].Validate(); err != nil {
			return err
		}
		patients[ds.Patients[i].PatientID] = true
	}
	doctors := make(map[int64]bool, len(ds.Doctors))
	contacts := make(map[string]int64, len(ds.Doctors))
	for i := range ds.Doctors {
		d := &ds.Doctors[i]
		if err := d.Validate(); err != nil {
			return err
		}
		if d.ContactNumber != nil {
			if other, dup := contacts[*d.ContactNumber]; dup {
				return fmt.Errorf("doctors %d and %d share contact number %s", other, d.DoctorID, *d.ContactNumber)
			}
			contacts[*d.ContactNumber] = d.DoctorID
		}
		doctors[d.DoctorID] = true
	}
	for i := range ds.Appointments {
		a := &ds.Appointments[i]
		if err := a.Validate(); err != nil {
			return err
		}
		if !patients[a.PatientID] || !doctors[a.DoctorID] {
			return fmt.Errorf("appointment %d references unknown patient or doctor", a.AppointmentID)
		}
	}
	diagnoses := make(map[int64]bool, len(ds.Diagnoses))
	for i := range ds.Diagnoses {
		d := &ds.Diagnoses[i]
		if err := d.Validate(); err != nil {
			return err
		}
		if !patients[d.PatientID] || !doctors[d.DoctorID] {
			return fmt.Errorf("diagnosis %d references unknown patient or doctor", d.DiagnosisID)
		}
		diagnoses[d.DiagnosisID] = true
	}
	for i := range ds.Medications {
		m := &ds.Medications[i]
		if err := m.Validate(); err != nil {
			return err
		}
		if !diagnoses[m.DiagnosisID] {
			return fmt.Errorf("medication %d references unknown diagnosis %d", m.MedicationID, m.DiagnosisID)
		}
	}
	return nil
}
