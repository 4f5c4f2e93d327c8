package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/config"
	redisclient "github.com/hackgods/telehealth-booking/internal/redis"
)

const (
	EventAvailabilityPublished = "AVAILABILITY_PUBLISHED"
	EventAppointmentBooked     = "APPOINTMENT_BOOKED"
	EventAppointmentCancelled  = "APPOINTMENT_CANCELLED"
	EventAppointmentStatus     = "APPOINTMENT_STATUS_CHANGED"
	EventSlotReleaseSkipped    = "SLOT_RELEASE_SKIPPED"
	EventReminderSent          = "REMINDER_SENT"
)

// Caller is the authenticated user issuing a request.
type Caller struct {
	ID   uuid.UUID
	Role Role
}

type Service struct {
	repo          Repository
	locker        redisclient.Locker
	dispatcher    *Dispatcher
	bookingWindow time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, dispatcher *Dispatcher, cfg config.Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	window := cfg.BookingWindow
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &Service{
		repo:          repo,
		locker:        locker,
		dispatcher:    dispatcher,
		bookingWindow: window,
		logger:        logger,
		now:           time.Now,
	}
}

type BookAppointmentInput struct {
	AvailabilityID uuid.UUID
	TimeSlotIndex  int
	Reason         string
}

// BookAppointment reserves one slot of an availability record for the
// calling patient. The slot claim and the appointment insert are one atomic
// store operation; a per-slot lock turns concurrent attempts into fast
// conflicts before they reach the store.
func (s *Service) BookAppointment(ctx context.Context, caller Caller, in BookAppointmentInput) (*Appointment, error) {
	if caller.Role != RolePatient {
		return nil, ErrRoleNotAllowed
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, validationError("reason is required")
	}
	if in.TimeSlotIndex < 0 {
		return nil, validationError("timeSlotIndex must not be negative")
	}
	if in.AvailabilityID == uuid.Nil {
		return nil, validationError("availabilityId is required")
	}

	if _, err := s.repo.GetUserByID(ctx, caller.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	avail, err := s.repo.GetAvailabilityByID(ctx, in.AvailabilityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrAvailabilityNotFound
		}
		return nil, fmt.Errorf("load availability: %w", err)
	}
	if in.TimeSlotIndex >= len(avail.TimeSlots) {
		return nil, ErrSlotNotFound
	}

	specialist, err := s.repo.GetUserByID(ctx, avail.SpecialistID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSpecialistNotFound
		}
		return nil, fmt.Errorf("load specialist: %w", err)
	}
	if specialist.Role != RoleSpecialist || !specialist.IsApproved {
		return nil, ErrSpecialistNotApproved
	}

	slot := avail.TimeSlots[in.TimeSlotIndex]
	if slot.IsBooked {
		return nil, ErrSlotAlreadyBooked
	}

	appt := &Appointment{
		ID:                 uuid.New(),
		PatientID:          caller.ID,
		SpecialistID:       specialist.ID,
		DateTime:           At(avail.Date, slot.StartTime),
		SpecialistCategory: specialist.SpecialistCategory,
		Status:             StatusScheduled,
		Reason:             reason,
		DurationMinutes:    slotMinutes(slot),
		AvailabilityID:     avail.ID,
	}

	var created *Appointment
	lockKey := fmt.Sprintf("slot:%s:%d", avail.ID, in.TimeSlotIndex)
	err = s.locker.WithLock(ctx, lockKey, func(lockCtx context.Context) error {
		booked, err := s.repo.BookSlot(lockCtx, avail.ID, in.TimeSlotIndex, slot.Key(), appt)
		if err != nil {
			return err
		}
		created = booked
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		var appErr *Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, fmt.Errorf("book slot: %w", err)
	}

	s.logEvent(ctx, created.ID, EventAppointmentBooked, map[string]any{
		"availability_id": avail.ID.String(),
		"slot_index":      in.TimeSlotIndex,
		"patient_id":      caller.ID.String(),
		"specialist_id":   specialist.ID.String(),
	})
	s.logger.Info("appointment booked",
		zap.String("appointment_id", created.ID.String()),
		zap.String("availability_id", avail.ID.String()),
		zap.Int("slot_index", in.TimeSlotIndex),
	)

	s.dispatcher.Dispatch(ctx, *created, NotifyScheduled)

	return created, nil
}

type CancelAppointmentInput struct {
	AppointmentID uuid.UUID
	Reason        string
}

// CancelAppointment cancels a scheduled appointment on behalf of one of its
// parties and frees the slot it held.
func (s *Service) CancelAppointment(ctx context.Context, caller Caller, in CancelAppointmentInput) (*Appointment, error) {
	if in.AppointmentID == uuid.Nil {
		return nil, validationError("appointmentId is required")
	}

	appt, err := s.repo.GetAppointmentByID(ctx, in.AppointmentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	var by CancelledBy
	switch caller.ID {
	case appt.PatientID:
		by = CancelledByPatient
	case appt.SpecialistID:
		by = CancelledByDoctor
	default:
		return nil, ErrNotAppointmentParty
	}

	if appt.Status != StatusScheduled {
		return nil, ErrInvalidStatusTransition
	}

	cancelled, err := s.repo.CancelAppointment(ctx, appt.ID, strings.TrimSpace(in.Reason), by)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// status moved between the read and the conditional update
			return nil, ErrInvalidStatusTransition
		}
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	s.releaseSlot(ctx, cancelled)

	s.logEvent(ctx, cancelled.ID, EventAppointmentCancelled, map[string]any{
		"cancelled_by": string(by),
		"reason":       cancelled.CancellationReason,
	})
	s.logger.Info("appointment cancelled",
		zap.String("appointment_id", cancelled.ID.String()),
		zap.String("cancelled_by", string(by)),
	)

	s.dispatcher.Dispatch(ctx, *cancelled, NotifyCancelled)

	return cancelled, nil
}

// releaseSlot frees the slot that references appt. A missing record or
// back-reference is an inconsistency worth logging, not a failed cancel.
func (s *Service) releaseSlot(ctx context.Context, appt *Appointment) {
	log := s.logger.With(
		zap.String("appointment_id", appt.ID.String()),
		zap.String("availability_id", appt.AvailabilityID.String()),
	)

	avail, err := s.repo.GetAvailabilityByID(ctx, appt.AvailabilityID)
	if err != nil {
		log.Warn("availability for cancelled appointment not loaded", zap.Error(err))
		s.logEvent(ctx, appt.ID, EventSlotReleaseSkipped, map[string]any{"reason": "availability_missing"})
		return
	}

	idx, ok := avail.SlotIndexFor(appt.ID)
	if !ok {
		log.Warn("no slot references cancelled appointment")
		s.logEvent(ctx, appt.ID, EventSlotReleaseSkipped, map[string]any{"reason": "back_reference_missing"})
		return
	}

	if err := s.repo.ReleaseSlot(ctx, avail.ID, idx, appt.ID); err != nil {
		log.Warn("slot release failed", zap.Int("slot_index", idx), zap.Error(err))
		s.logEvent(ctx, appt.ID, EventSlotReleaseSkipped, map[string]any{"reason": "release_failed"})
	}
}

// GetAppointment returns an appointment to one of its parties.
func (s *Service) GetAppointment(ctx context.Context, caller Caller, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if caller.ID != appt.PatientID && caller.ID != appt.SpecialistID {
		return nil, ErrNotAppointmentParty
	}
	return appt, nil
}

type ListAppointmentsInput struct {
	Status   *AppointmentStatus
	Upcoming bool
}

// ListMyAppointments lists appointments where the caller is patient or
// specialist, oldest first, with both parties' contact details.
func (s *Service) ListMyAppointments(ctx context.Context, caller Caller, in ListAppointmentsInput) ([]AppointmentView, error) {
	filter := AppointmentFilter{UserID: caller.ID}
	if in.Status != nil {
		if !in.Status.Valid() {
			return nil, validationError("invalid status %q", *in.Status)
		}
		st := *in.Status
		filter.Status = &st
	}
	if in.Upcoming {
		now := s.now().UTC()
		filter.From = &now
	}

	list, err := s.repo.ListAppointments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}

	parties := make(map[uuid.UUID]*PartySummary)
	views := make([]AppointmentView, 0, len(list))
	for _, a := range list {
		v := AppointmentView{Appointment: a}
		if v.Patient, err = s.partySummary(ctx, parties, a.PatientID); err != nil {
			return nil, err
		}
		if v.Specialist, err = s.partySummary(ctx, parties, a.SpecialistID); err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *Service) partySummary(ctx context.Context, cache map[uuid.UUID]*PartySummary, id uuid.UUID) (*PartySummary, error) {
	if p, ok := cache[id]; ok {
		return p, nil
	}
	u, err := s.repo.GetUserByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		cache[id] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load party: %w", err)
	}
	p := &PartySummary{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName, Email: u.Email}
	cache[id] = p
	return p, nil
}

// UpdateAppointmentStatus lets the specialist close out a scheduled
// appointment as completed or no-show.
func (s *Service) UpdateAppointmentStatus(ctx context.Context, caller Caller, id uuid.UUID, to AppointmentStatus) (*Appointment, error) {
	if to != StatusCompleted && to != StatusNoShow {
		return nil, validationError("status must be %q or %q", StatusCompleted, StatusNoShow)
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if caller.ID != appt.SpecialistID {
		return nil, ErrNotAppointmentParty
	}
	if appt.Status != StatusScheduled {
		return nil, ErrInvalidStatusTransition
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, id, StatusScheduled, to)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrInvalidStatusTransition
		}
		return nil, fmt.Errorf("update appointment status: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentStatus, map[string]any{
		"from": string(StatusScheduled),
		"to":   string(to),
	})

	return updated, nil
}

func (s *Service) ListSpecialties(ctx context.Context) ([]string, error) {
	list, err := s.repo.ListApprovedSpecialties(ctx)
	if err != nil {
		return nil, fmt.Errorf("list specialties: %w", err)
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	ev := EventLog{
		EventType: eventType,
		Payload:   data,
		CreatedAt: s.now().UTC(),
	}
	if appointmentID != uuid.Nil {
		apptID := appointmentID
		ev.AppointmentID = &apptID
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to insert event log",
			zap.String("event_type", eventType),
			zap.String("appointment_id", appointmentID.String()),
			zap.Error(err),
		)
	}
}
