package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ProcedureError is a datastore error raised by a backend procedure.
type ProcedureError struct {
	Procedure string
	Code      string
	Message   string
	Err       error
}

func (e *ProcedureError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Procedure, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Procedure, e.Message)
}

func (e *ProcedureError) Unwrap() error { return e.Err }

// Row is one record returned by a backend procedure.
type Row = map[string]any

// AppointmentRequest carries the arguments of create_appointment.
// Exactly one of PersonID and PatientQuery is expected to be set.
type AppointmentRequest struct {
	TenantID     string
	PersonID     *string
	PatientQuery *string
	StartTime    time.Time
	Notes        string
}

// DailySummary returns the person's plan for today shifted by dayOffset days.
func (s *Store) DailySummary(ctx context.Context, personID string, dayOffset int) ([]Row, error) {
	return s.callProcedure(ctx, "retrieve_patient_daily_summary",
		`SELECT * FROM retrieve_patient_daily_summary($1::uuid, $2)`, personID, dayOffset)
}

// ProgressHistory returns the person's recorded progress entries.
func (s *Store) ProgressHistory(ctx context.Context, personID string) ([]Row, error) {
	return s.callProcedure(ctx, "retrieve_patient_progress_history",
		`SELECT * FROM retrieve_patient_progress_history($1::uuid)`, personID)
}

// AvailableSlots returns the free appointment slots of the tenant on date.
func (s *Store) AvailableSlots(ctx context.Context, tenantID string, date time.Time) ([]Row, error) {
	return s.callProcedure(ctx, "retrieve_available_appointment_slots",
		`SELECT * FROM retrieve_available_appointment_slots($1::uuid, $2::date)`, tenantID, date.Format(time.DateOnly))
}

// CreateAppointment books an appointment and returns the created record.
func (s *Store) CreateAppointment(ctx context.Context, req AppointmentRequest) ([]Row, error) {
	return s.callProcedure(ctx, "create_appointment",
		`SELECT * FROM create_appointment($1::uuid, $2::uuid, $3, $4, $5)`,
		req.TenantID, req.PersonID, req.PatientQuery, req.StartTime, req.Notes)
}

func (s *Store) callProcedure(ctx context.Context, name, sql string, args ...any) ([]Row, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, procedureError(name, err)
	}
	result, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, procedureError(name, err)
	}
	return result, nil
}

func procedureError(name string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &ProcedureError{Procedure: name, Code: pgErr.Code, Message: pgErr.Message, Err: err}
	}
	return &ProcedureError{Procedure: name, Message: err.Error(), Err: err}
}
