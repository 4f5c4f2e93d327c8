package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository stores availability slots as a JSONB array on one row per
// (specialist, day). Booking, release and republish each touch that single
// row, so they serialize on its row lock.
type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const (
	userColumns         = `id, first_name, last_name, email, role, specialist_category, is_approved, created_at, updated_at`
	availabilityColumns = `id, specialist_id, date, time_slots, is_recurring, recurring_pattern, version, created_at, updated_at`
	appointmentColumns  = `id, patient_id, specialist_id, date_time, specialist_category, status, reason, notes,
		duration_minutes, availability_id, cancellation_reason, cancelled_by, reminder_sent, day_of_reminder_sent,
		created_at, updated_at`
)

// Helpers

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var role string
	var specialty *string

	err := row.Scan(
		&u.ID,
		&u.FirstName,
		&u.LastName,
		&u.Email,
		&role,
		&specialty,
		&u.IsApproved,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	u.Role = Role(role)
	if specialty != nil {
		u.SpecialistCategory = *specialty
	}
	return &u, nil
}

func scanAvailability(row pgx.Row) (*Availability, error) {
	var a Availability
	var slots []byte
	var pattern string

	err := row.Scan(
		&a.ID,
		&a.SpecialistID,
		&a.Date,
		&slots,
		&a.IsRecurring,
		&pattern,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAvailabilityNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(slots, &a.TimeSlots); err != nil {
		return nil, fmt.Errorf("decode time slots of availability %s: %w", a.ID, err)
	}
	a.Date = a.Date.UTC()
	a.RecurringPattern = RecurringPattern(pattern)
	return &a, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status, cancelledBy string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.SpecialistID,
		&a.DateTime,
		&a.SpecialistCategory,
		&status,
		&a.Reason,
		&a.Notes,
		&a.DurationMinutes,
		&a.AvailabilityID,
		&a.CancellationReason,
		&cancelledBy,
		&a.ReminderSent,
		&a.DayOfReminderSent,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.DateTime = a.DateTime.UTC()
	a.Status = AppointmentStatus(status)
	a.CancelledBy = CancelledBy(cancelledBy)
	return &a, nil
}

func collectAvailability(rows pgx.Rows) ([]Availability, error) {
	defer rows.Close()

	var result []Availability
	for rows.Next() {
		a, err := scanAvailability(rows)
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

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
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

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func reminderColumn(kind ReminderKind) string {
	if kind == ReminderDayOf {
		return "day_of_reminder_sent"
	}
	return "reminder_sent"
}

// Users

func (r *PgRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (r *PgRepository) ListApprovedSpecialists(ctx context.Context, specialty string) ([]User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE role = 'specialist'
		  AND is_approved
		  AND lower(specialist_category) = lower($1)
		ORDER BY id
	`, specialty)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *u)
	}
	return result, rows.Err()
}

func (r *PgRepository) ListApprovedSpecialties(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT specialist_category
		FROM users
		WHERE role = 'specialist'
		  AND is_approved
		  AND COALESCE(specialist_category, '') <> ''
		ORDER BY specialist_category
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// UpsertUser is used by the seeder; the service never writes users.
func (r *PgRepository) UpsertUser(ctx context.Context, u User) error {
	var specialty *string
	if u.SpecialistCategory != "" {
		specialty = &u.SpecialistCategory
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, first_name, last_name, email, role, specialist_category, is_approved, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (id) DO UPDATE
		SET first_name = EXCLUDED.first_name,
		    last_name = EXCLUDED.last_name,
		    email = EXCLUDED.email,
		    role = EXCLUDED.role,
		    specialist_category = EXCLUDED.specialist_category,
		    is_approved = EXCLUDED.is_approved,
		    updated_at = now()
	`, u.ID, u.FirstName, u.LastName, u.Email, string(u.Role), specialty, u.IsApproved)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// Availability

func (r *PgRepository) GetAvailabilityByID(ctx context.Context, id uuid.UUID) (*Availability, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+availabilityColumns+` FROM availabilities WHERE id = $1`, id)
	return scanAvailability(row)
}

func (r *PgRepository) GetAvailabilityForDay(ctx context.Context, specialistID uuid.UUID, day time.Time) (*Availability, error) {
	from, to := DayWindow(day)
	row := r.pool.QueryRow(ctx, `
		SELECT `+availabilityColumns+`
		FROM availabilities
		WHERE specialist_id = $1
		  AND date BETWEEN $2 AND $3
		LIMIT 1
	`, specialistID, from, to)
	return scanAvailability(row)
}

func (r *PgRepository) ListAvailabilityBySpecialist(ctx context.Context, specialistID uuid.UUID, from, to time.Time) ([]Availability, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+availabilityColumns+`
		FROM availabilities
		WHERE specialist_id = $1
		  AND date BETWEEN $2 AND $3
		ORDER BY date
	`, specialistID, from, to)
	if err != nil {
		return nil, err
	}
	return collectAvailability(rows)
}

func (r *PgRepository) ListOpenAvailability(ctx context.Context, specialistIDs []uuid.UUID, from, to time.Time) ([]Availability, error) {
	if len(specialistIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+availabilityColumns+`
		FROM availabilities
		WHERE specialist_id = ANY($1::uuid[])
		  AND date BETWEEN $2 AND $3
		  AND EXISTS (
		      SELECT 1 FROM jsonb_array_elements(time_slots) AS s
		      WHERE (s->>'isBooked')::boolean = false
		  )
		ORDER BY date, specialist_id
	`, uuidStrings(specialistIDs), from, to)
	if err != nil {
		return nil, err
	}
	return collectAvailability(rows)
}

func (r *PgRepository) CreateAvailability(ctx context.Context, a *Availability) (*Availability, error) {
	slots, err := json.Marshal(a.TimeSlots)
	if err != nil {
		return nil, fmt.Errorf("encode time slots: %w", err)
	}
	id := a.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO availabilities (id, specialist_id, date, time_slots, is_recurring, recurring_pattern, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, 1, now(), now())
		ON CONFLICT (specialist_id, date) DO NOTHING
		RETURNING `+availabilityColumns,
		id, a.SpecialistID, StartOfDay(a.Date), slots, a.IsRecurring, string(a.RecurringPattern))

	created, err := scanAvailability(row)
	if errors.Is(err, ErrAvailabilityNotFound) {
		return nil, ErrAvailabilityExists
	}
	return created, err
}

func (r *PgRepository) UpdateAvailabilitySlots(ctx context.Context, a *Availability) (*Availability, error) {
	slots, err := json.Marshal(a.TimeSlots)
	if err != nil {
		return nil, fmt.Errorf("encode time slots: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE availabilities
		SET time_slots = $2::jsonb,
		    is_recurring = $3,
		    recurring_pattern = $4,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $5
		RETURNING `+availabilityColumns,
		a.ID, slots, a.IsRecurring, string(a.RecurringPattern), a.Version)

	updated, err := scanAvailability(row)
	if !errors.Is(err, ErrAvailabilityNotFound) {
		return updated, err
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM availabilities WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrVersionConflict
	}
	return nil, ErrAvailabilityNotFound
}

// Booking

func (r *PgRepository) BookSlot(ctx context.Context, availabilityID uuid.UUID, index int, expected SlotKey, appt *Appointment) (*Appointment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The claim only matches while the slot is still free and still covers
	// the time range the appointment was built from.
	tag, err := tx.Exec(ctx, `
		UPDATE availabilities
		SET time_slots = jsonb_set(
		        jsonb_set(time_slots, ARRAY[$2::text, 'isBooked'], 'true'::jsonb),
		        ARRAY[$2::text, 'appointmentId'], to_jsonb($3::text)),
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND jsonb_array_length(time_slots) > $4::int
		  AND (time_slots->($4::int)->>'isBooked')::boolean = false
		  AND time_slots->($4::int)->>'startTime' = $5
		  AND time_slots->($4::int)->>'endTime' = $6
	`, availabilityID, strconv.Itoa(index), appt.ID.String(), index, expected.Start, expected.End)
	if err != nil {
		return nil, fmt.Errorf("claim slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, r.claimFailure(ctx, tx, availabilityID, index, expected)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, specialist_id, date_time, specialist_category, status, reason, notes,
			duration_minutes, availability_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		RETURNING `+appointmentColumns,
		appt.ID, appt.PatientID, appt.SpecialistID, appt.DateTime, appt.SpecialistCategory, string(appt.Status),
		appt.Reason, appt.Notes, appt.DurationMinutes, availabilityID)

	created, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit booking: %w", err)
	}
	return created, nil
}

// claimFailure explains why a conditional claim matched no row.
func (r *PgRepository) claimFailure(ctx context.Context, tx pgx.Tx, availabilityID uuid.UUID, index int, expected SlotKey) error {
	var (
		n          int
		start, end *string
	)
	err := tx.QueryRow(ctx, `
		SELECT jsonb_array_length(time_slots),
		       time_slots->($2::int)->>'startTime',
		       time_slots->($2::int)->>'endTime'
		FROM availabilities WHERE id = $1
	`, availabilityID, index).Scan(&n, &start, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAvailabilityNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect availability: %w", err)
	}
	if index >= n {
		return ErrSlotNotFound
	}
	if start == nil || end == nil || (SlotKey{Start: *start, End: *end}) != expected {
		return ErrSlotChanged
	}
	return ErrSlotAlreadyBooked
}

func (r *PgRepository) ReleaseSlot(ctx context.Context, availabilityID uuid.UUID, index int, appointmentID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE availabilities
		SET time_slots = jsonb_set(
		        jsonb_set(time_slots, ARRAY[$2::text, 'isBooked'], 'false'::jsonb),
		        ARRAY[$2::text, 'appointmentId'], 'null'::jsonb),
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND time_slots->($3::int)->>'appointmentId' = $4
	`, availabilityID, strconv.Itoa(index), index, appointmentID.String())
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// Appointments

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + appointmentColumns + ` FROM appointments WHERE (patient_id = $1 OR specialist_id = $1)`)
	args := []any{filter.UserID}

	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		fmt.Fprintf(&sb, " AND status = $%d", len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		fmt.Fprintf(&sb, " AND date_time >= $%d", len(args))
	}
	sb.WriteString(" ORDER BY date_time")

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) CancelAppointment(ctx context.Context, id uuid.UUID, reason string, by CancelledBy) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    cancellation_reason = $2,
		    cancelled_by = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'scheduled'
		RETURNING `+appointmentColumns,
		id, reason, string(by))
	return scanAppointment(row)
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, string(to), string(from))
	return scanAppointment(row)
}

// Reminders

func (r *PgRepository) ListReminderCandidates(ctx context.Context, kind ReminderKind, from, to time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'scheduled'
		  AND date_time >= $1
		  AND date_time < $2
		  AND NOT `+reminderColumn(kind)+`
		ORDER BY date_time
	`, from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ClaimReminder(ctx context.Context, id uuid.UUID, kind ReminderKind) (bool, error) {
	col := reminderColumn(kind)
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET `+col+` = TRUE,
		    updated_at = now()
		WHERE id = $1
		  AND NOT `+col, id)
	if err != nil {
		return false, fmt.Errorf("claim reminder: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Events

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
