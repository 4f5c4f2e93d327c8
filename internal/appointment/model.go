package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatient    Role = "patient"
	RoleSpecialist Role = "specialist"
	RoleAdmin      Role = "admin"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no-show"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

type CancelledBy string

const (
	CancelledByPatient CancelledBy = "patient"
	CancelledByDoctor  CancelledBy = "doctor"
	CancelledBySystem  CancelledBy = "system"
)

// RecurringPattern is descriptive metadata only; nothing expands it into
// future availability records.
type RecurringPattern string

const (
	RecurringNone     RecurringPattern = ""
	RecurringWeekly   RecurringPattern = "weekly"
	RecurringBiweekly RecurringPattern = "biweekly"
	RecurringMonthly  RecurringPattern = "monthly"
)

func (p RecurringPattern) Valid() bool {
	switch p {
	case RecurringNone, RecurringWeekly, RecurringBiweekly, RecurringMonthly:
		return true
	}
	return false
}

type ReminderKind string

const (
	ReminderDayBefore ReminderKind = "reminder"
	ReminderDayOf     ReminderKind = "dayOf"
)

type User struct {
	ID                 uuid.UUID `json:"id"`
	FirstName          string    `json:"firstName"`
	LastName           string    `json:"lastName"`
	Email              string    `json:"email"`
	Role               Role      `json:"role"`
	SpecialistCategory string    `json:"specialistCategory,omitempty"`
	IsApproved         bool      `json:"isApproved"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func (u User) FullName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// SlotKey identifies a slot by its canonical time range. Merges match on it
// instead of on array positions.
type SlotKey struct {
	Start string
	End   string
}

// Slot is embedded in an Availability and is only addressable through it.
// IsBooked and AppointmentID must always agree.
type Slot struct {
	StartTime     string     `json:"startTime"`
	EndTime       string     `json:"endTime"`
	IsBooked      bool       `json:"isBooked"`
	AppointmentID *uuid.UUID `json:"appointmentId"`
}

func (s Slot) Key() SlotKey {
	return SlotKey{Start: s.StartTime, End: s.EndTime}
}

type Availability struct {
	ID               uuid.UUID        `json:"id"`
	SpecialistID     uuid.UUID        `json:"specialistId"`
	Date             time.Time        `json:"date"`
	TimeSlots        []Slot           `json:"timeSlots"`
	IsRecurring      bool             `json:"isRecurring"`
	RecurringPattern RecurringPattern `json:"recurringPattern,omitempty"`
	Version          int64            `json:"version"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

func (a *Availability) FreeCount() int {
	n := 0
	for _, s := range a.TimeSlots {
		if !s.IsBooked {
			n++
		}
	}
	return n
}

// SlotIndexFor finds the slot holding the given appointment by back-reference.
func (a *Availability) SlotIndexFor(appointmentID uuid.UUID) (int, bool) {
	for i, s := range a.TimeSlots {
		if s.AppointmentID != nil && *s.AppointmentID == appointmentID {
			return i, true
		}
	}
	return -1, false
}

func (a *Availability) Clone() *Availability {
	c := *a
	c.TimeSlots = make([]Slot, len(a.TimeSlots))
	for i, s := range a.TimeSlots {
		if s.AppointmentID != nil {
			id := *s.AppointmentID
			s.AppointmentID = &id
		}
		c.TimeSlots[i] = s
	}
	return &c
}

type Appointment struct {
	ID                 uuid.UUID         `json:"id"`
	PatientID          uuid.UUID         `json:"patientId"`
	SpecialistID       uuid.UUID         `json:"specialistId"`
	DateTime           time.Time         `json:"dateTime"`
	SpecialistCategory string            `json:"specialistCategory"`
	Status             AppointmentStatus `json:"status"`
	Reason             string            `json:"reason"`
	Notes              string            `json:"notes,omitempty"`
	DurationMinutes    int               `json:"durationMinutes"`
	AvailabilityID     uuid.UUID         `json:"availabilitySlot"`
	CancellationReason string            `json:"cancellationReason,omitempty"`
	CancelledBy        CancelledBy       `json:"cancelledBy,omitempty"`
	ReminderSent       bool              `json:"reminderSent"`
	DayOfReminderSent  bool              `json:"dayOfReminderSent"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// PartySummary is the contact view of one side of an appointment.
type PartySummary struct {
	ID        uuid.UUID `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     string    `json:"email"`
}

// AppointmentView is an appointment listed together with both parties.
// A party whose user record is gone is left nil.
type AppointmentView struct {
	Appointment
	Patient    *PartySummary `json:"patient,omitempty"`
	Specialist *PartySummary `json:"specialist,omitempty"`
}

// AppointmentFilter narrows ListAppointments. Nil fields are not applied.
type AppointmentFilter struct {
	UserID uuid.UUID
	Status *AppointmentStatus
	From   *time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type SpecialistSummary struct {
	ID                 uuid.UUID `json:"id"`
	Name               string    `json:"name"`
	SpecialistCategory string    `json:"specialistCategory"`
}

// IndexedSlot is a free slot together with its position in the full slot
// list, which is what a booking request refers to.
type IndexedSlot struct {
	Index int `json:"index"`
	Slot
}

type OpenAvailability struct {
	ID             uuid.UUID         `json:"id"`
	Specialist     SpecialistSummary `json:"doctor"`
	Date           time.Time         `json:"date"`
	TimeSlots      []IndexedSlot     `json:"timeSlots"`
	TotalSlots     int               `json:"totalSlots"`
	AvailableSlots int               `json:"availableSlots"`
	BookedSlots    int               `json:"bookedSlots"`
}

type SlotSearchResult struct {
	Availabilities []OpenAvailability
	// Specialties is only filled when no approved specialist matched.
	Specialties []string
}

type DoctorAvailability struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	AvailableSlots int       `json:"availableSlots"`
}

type AvailableDate struct {
	Date           string               `json:"date"`
	AvailableSlots int                  `json:"availableSlots"`
	Doctors        []DoctorAvailability `json:"doctors"`
}

type DateSearchResult struct {
	Dates       []AvailableDate
	Specialties []string
	From        time.Time
	To          time.Time
}
