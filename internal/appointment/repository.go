package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository contains all store interactions needed by the service.
// Lookups of missing records return the matching *NotFound error.
type Repository interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	ListApprovedSpecialists(ctx context.Context, specialty string) ([]User, error)
	ListApprovedSpecialties(ctx context.Context) ([]string, error)

	GetAvailabilityByID(ctx context.Context, id uuid.UUID) (*Availability, error)
	GetAvailabilityForDay(ctx context.Context, specialistID uuid.UUID, day time.Time) (*Availability, error)
	ListAvailabilityBySpecialist(ctx context.Context, specialistID uuid.UUID, from, to time.Time) ([]Availability, error)
	// ListOpenAvailability returns records of the given specialists dated
	// within [from, to] that still hold at least one free slot.
	ListOpenAvailability(ctx context.Context, specialistIDs []uuid.UUID, from, to time.Time) ([]Availability, error)

	// CreateAvailability fails with ErrAvailabilityExists when a record for
	// the same specialist and day is already stored.
	CreateAvailability(ctx context.Context, a *Availability) (*Availability, error)
	// UpdateAvailabilitySlots replaces slots and recurrence metadata only if
	// the stored version still equals a.Version, else ErrVersionConflict.
	UpdateAvailabilitySlots(ctx context.Context, a *Availability) (*Availability, error)

	// BookSlot claims slot index for appt only if that slot is free and
	// still covers expected, and stores appt, as one atomic step. A taken slot
	// yields ErrSlotAlreadyBooked, a different time range ErrSlotChanged.
	BookSlot(ctx context.Context, availabilityID uuid.UUID, index int, expected SlotKey, appt *Appointment) (*Appointment, error)
	// ReleaseSlot frees slot index only while it still references appointmentID.
	ReleaseSlot(ctx context.Context, availabilityID uuid.UUID, index int, appointmentID uuid.UUID) error

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error)
	// CancelAppointment and UpdateAppointmentStatus are conditional on the
	// current status and return ErrAppointmentNotFound when nothing matched.
	CancelAppointment(ctx context.Context, id uuid.UUID, reason string, by CancelledBy) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)

	// Reminder worker
	ListReminderCandidates(ctx context.Context, kind ReminderKind, from, to time.Time) ([]Appointment, error)
	ClaimReminder(ctx context.Context, id uuid.UUID, kind ReminderKind) (bool, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*PgRepository)(nil)
	_ Repository = (*MongoRepository)(nil)
)
