package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, external_id, adapter_type, patient_id, professional_id, scheduled_at, status, notes, metadata, created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var metadata map[string]any

	err := row.Scan(
		&a.ID,
		&a.ExternalID,
		&a.AdapterType,
		&a.PatientID,
		&a.ProfessionalID,
		&a.ScheduledAt,
		&a.Status,
		&a.Notes,
		&metadata,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if len(metadata) > 0 {
		a.Metadata = metadata
	}
	return &a, nil
}

func scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	result := []Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func scanSyncLog(row pgx.Row) (*SyncLog, error) {
	var l SyncLog
	var request, response []byte

	err := row.Scan(
		&l.ID,
		&l.AppointmentID,
		&l.AdapterType,
		&l.Operation,
		&request,
		&response,
		&l.Success,
		&l.Error,
		&l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	l.Request = request
	l.Response = response
	return &l, nil
}

// Interface methods

func (r *PgRepository) CreateAppointment(ctx context.Context, appt *Appointment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		appt.ID,
		appt.ExternalID,
		appt.AdapterType,
		appt.PatientID,
		appt.ProfessionalID,
		appt.ScheduledAt,
		appt.Status,
		appt.Notes,
		metadataOrEmpty(appt.Metadata),
		appt.CreatedAt,
		appt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, appt *Appointment) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET external_id = $2,
		    professional_id = $3,
		    scheduled_at = $4,
		    status = $5,
		    notes = $6,
		    metadata = $7,
		    updated_at = $8
		WHERE id = $1
	`,
		appt.ID,
		appt.ExternalID,
		appt.ProfessionalID,
		appt.ScheduledAt,
		appt.Status,
		appt.Notes,
		metadataOrEmpty(appt.Metadata),
		appt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID string) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY scheduled_at DESC
	`, patientID)
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

func (r *PgRepository) ListAppointmentsForSync(ctx context.Context, limit int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE external_id IS NOT NULL
		  AND status IN ('PENDING', 'CONFIRMED', 'IN_PROGRESS')
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

func (r *PgRepository) InsertSyncLog(ctx context.Context, entry *SyncLog) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO sync_logs (appointment_id, adapter_type, operation, request, response, success, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))
		RETURNING id, created_at
	`,
		entry.AppointmentID,
		entry.AdapterType,
		entry.Operation,
		[]byte(entry.Request),
		nullableJSON(entry.Response),
		entry.Success,
		entry.Error,
		nullableTime(entry.CreatedAt),
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sync log: %w", err)
	}

	return nil
}

func (r *PgRepository) ListSyncLogs(ctx context.Context, appointmentID uuid.UUID) ([]SyncLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, appointment_id, adapter_type, operation, request, response, success, error, created_at
		FROM sync_logs
		WHERE appointment_id = $1
		ORDER BY created_at ASC, id ASC
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []SyncLog{}
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *l)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func metadataOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullableJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
