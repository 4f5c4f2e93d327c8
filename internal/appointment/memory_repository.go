package appointment

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps everything in process. It backs the "memory" store
// driver for local runs and is the store double in tests.
type MemoryRepository struct {
	mu           sync.Mutex
	users        map[uuid.UUID]User
	availability map[uuid.UUID]*Availability
	appointments map[uuid.UUID]*Appointment
	events       []EventLog
	now          func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:        make(map[uuid.UUID]User),
		availability: make(map[uuid.UUID]*Availability),
		appointments: make(map[uuid.UUID]*Appointment),
		now:          time.Now,
	}
}

// PutUser inserts or replaces a user.
func (r *MemoryRepository) PutUser(u User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = r.now()
	}
	u.UpdatedAt = r.now()
	r.users[u.ID] = u
}

// Events returns a copy of the recorded event log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventLog, len(r.events))
	copy(out, r.events)
	return out
}

func (r *MemoryRepository) GetUserByID(_ context.Context, id uuid.UUID) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (r *MemoryRepository) ListApprovedSpecialists(_ context.Context, specialty string) ([]User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []User
	for _, u := range r.users {
		if u.Role == RoleSpecialist && u.IsApproved && strings.EqualFold(u.SpecialistCategory, specialty) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (r *MemoryRepository) ListApprovedSpecialties(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for _, u := range r.users {
		if u.Role == RoleSpecialist && u.IsApproved && u.SpecialistCategory != "" {
			seen[u.SpecialistCategory] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (r *MemoryRepository) GetAvailabilityByID(_ context.Context, id uuid.UUID) (*Availability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.availability[id]
	if !ok {
		return nil, ErrAvailabilityNotFound
	}
	return a.Clone(), nil
}

func (r *MemoryRepository) GetAvailabilityForDay(_ context.Context, specialistID uuid.UUID, day time.Time) (*Availability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a := r.findForDay(specialistID, day); a != nil {
		return a.Clone(), nil
	}
	return nil, ErrAvailabilityNotFound
}

func (r *MemoryRepository) findForDay(specialistID uuid.UUID, day time.Time) *Availability {
	from, to := DayWindow(day)
	for _, a := range r.availability {
		if a.SpecialistID == specialistID && inWindow(a.Date, from, to) {
			return a
		}
	}
	return nil
}

func (r *MemoryRepository) ListAvailabilityBySpecialist(_ context.Context, specialistID uuid.UUID, from, to time.Time) ([]Availability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Availability
	for _, a := range r.availability {
		if a.SpecialistID == specialistID && inWindow(a.Date, from, to) {
			out = append(out, *a.Clone())
		}
	}
	sortAvailability(out)
	return out, nil
}

func (r *MemoryRepository) ListOpenAvailability(_ context.Context, specialistIDs []uuid.UUID, from, to time.Time) ([]Availability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[uuid.UUID]struct{}, len(specialistIDs))
	for _, id := range specialistIDs {
		wanted[id] = struct{}{}
	}
	var out []Availability
	for _, a := range r.availability {
		if _, ok := wanted[a.SpecialistID]; !ok {
			continue
		}
		if inWindow(a.Date, from, to) && a.FreeCount() > 0 {
			out = append(out, *a.Clone())
		}
	}
	sortAvailability(out)
	return out, nil
}

func (r *MemoryRepository) CreateAvailability(_ context.Context, a *Availability) (*Availability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findForDay(a.SpecialistID, a.Date) != nil {
		return nil, ErrAvailabilityExists
	}
	stored := a.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	stored.Version = 1
	stored.CreatedAt = r.now()
	stored.UpdatedAt = stored.CreatedAt
	r.availability[stored.ID] = stored
	return stored.Clone(), nil
}

func (r *MemoryRepository) UpdateAvailabilitySlots(_ context.Context, a *Availability) (*Availability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.availability[a.ID]
	if !ok {
		return nil, ErrAvailabilityNotFound
	}
	if stored.Version != a.Version {
		return nil, ErrVersionConflict
	}
	next := a.Clone()
	stored.TimeSlots = next.TimeSlots
	stored.IsRecurring = next.IsRecurring
	stored.RecurringPattern = next.RecurringPattern
	stored.Version++
	stored.UpdatedAt = r.now()
	return stored.Clone(), nil
}

func (r *MemoryRepository) BookSlot(_ context.Context, availabilityID uuid.UUID, index int, expected SlotKey, appt *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.availability[availabilityID]
	if !ok {
		return nil, ErrAvailabilityNotFound
	}
	if index < 0 || index >= len(a.TimeSlots) {
		return nil, ErrSlotNotFound
	}
	if a.TimeSlots[index].Key() != expected {
		return nil, ErrSlotChanged
	}
	if a.TimeSlots[index].IsBooked {
		return nil, ErrSlotAlreadyBooked
	}

	stored := *appt
	stored.CreatedAt = r.now()
	stored.UpdatedAt = stored.CreatedAt
	r.appointments[stored.ID] = &stored

	id := stored.ID
	a.TimeSlots[index].IsBooked = true
	a.TimeSlots[index].AppointmentID = &id
	a.Version++
	a.UpdatedAt = r.now()

	out := stored
	return &out, nil
}

func (r *MemoryRepository) ReleaseSlot(_ context.Context, availabilityID uuid.UUID, index int, appointmentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.availability[availabilityID]
	if !ok {
		return ErrAvailabilityNotFound
	}
	if index < 0 || index >= len(a.TimeSlots) {
		return ErrSlotNotFound
	}
	slot := &a.TimeSlots[index]
	if slot.AppointmentID == nil || *slot.AppointmentID != appointmentID {
		return ErrSlotNotFound
	}
	slot.IsBooked = false
	slot.AppointmentID = nil
	a.Version++
	a.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *a
	return &out, nil
}

func (r *MemoryRepository) ListAppointments(_ context.Context, filter AppointmentFilter) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appointments {
		if a.PatientID != filter.UserID && a.SpecialistID != filter.UserID {
			continue
		}
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		if filter.From != nil && a.DateTime.Before(*filter.From) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateTime.Before(out[j].DateTime) })
	return out, nil
}

func (r *MemoryRepository) CancelAppointment(_ context.Context, id uuid.UUID, reason string, by CancelledBy) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok || a.Status != StatusScheduled {
		return nil, ErrAppointmentNotFound
	}
	a.Status = StatusCancelled
	a.CancellationReason = reason
	a.CancelledBy = by
	a.UpdatedAt = r.now()
	out := *a
	return &out, nil
}

func (r *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = r.now()
	out := *a
	return &out, nil
}

func (r *MemoryRepository) ListReminderCandidates(_ context.Context, kind ReminderKind, from, to time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appointments {
		if a.Status != StatusScheduled || a.DateTime.Before(from) || !a.DateTime.Before(to) {
			continue
		}
		if reminderFlag(a, kind) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateTime.Before(out[j].DateTime) })
	return out, nil
}

func (r *MemoryRepository) ClaimReminder(_ context.Context, id uuid.UUID, kind ReminderKind) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok || reminderFlag(a, kind) {
		return false, nil
	}
	switch kind {
	case ReminderDayBefore:
		a.ReminderSent = true
	case ReminderDayOf:
		a.DayOfReminderSent = true
	}
	a.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	r.events = append(r.events, ev)
	return nil
}

func reminderFlag(a *Appointment, kind ReminderKind) bool {
	if kind == ReminderDayOf {
		return a.DayOfReminderSent
	}
	return a.ReminderSent
}

func inWindow(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

func sortAvailability(list []Availability) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Date.Equal(list[j].Date) {
			return list[i].Date.Before(list[j].Date)
		}
		return list[i].SpecialistID.String() < list[j].SpecialistID.String()
	})
}

// UpsertUser satisfies the seeding contract shared with the other stores.
func (r *MemoryRepository) UpsertUser(_ context.Context, u User) error {
	r.PutUser(u)
	return nil
}
