package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/config"
	redisclient "github.com/hackgods/telehealth-booking/internal/redis"
)

func TestCardiologyBookingRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.publish(t, f.specialist, "2030-06-15", slotRange("09:00", "10:00"), slotRange("10:00", "11:00"))

	res, err := f.svc.SearchAvailableSlots(f.ctx, "Cardiology", "2030-06-15")
	require.NoError(t, err)
	require.Len(t, res.Availabilities, 1)
	require.Len(t, res.Availabilities[0].TimeSlots, 2)
	availID := res.Availabilities[0].ID

	appt := f.book(t, f.patient, availID, 0)
	assert.Equal(t, time.Date(2030, time.June, 15, 9, 0, 0, 0, time.UTC), appt.DateTime)
	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, 60, appt.DurationMinutes)
	assert.Equal(t, "Cardiology", appt.SpecialistCategory)
	assert.Equal(t, availID, appt.AvailabilityID)

	stored, err := f.repo.GetAvailabilityByID(f.ctx, availID)
	require.NoError(t, err)
	assert.True(t, stored.TimeSlots[0].IsBooked)
	require.NotNil(t, stored.TimeSlots[0].AppointmentID)
	assert.Equal(t, appt.ID, *stored.TimeSlots[0].AppointmentID)

	res, err = f.svc.SearchAvailableSlots(f.ctx, "Cardiology", "2030-06-15")
	require.NoError(t, err)
	require.Len(t, res.Availabilities, 1)
	require.Len(t, res.Availabilities[0].TimeSlots, 1)
	assert.Equal(t, SlotKey{Start: "10:00", End: "11:00"}, res.Availabilities[0].TimeSlots[0].Key())

	cancelled, err := f.svc.CancelAppointment(f.ctx, f.caller(f.patient), CancelAppointmentInput{AppointmentID: appt.ID, Reason: "feeling better"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, CancelledByPatient, cancelled.CancelledBy)
	assert.Equal(t, "feeling better", cancelled.CancellationReason)

	res, err = f.svc.SearchAvailableSlots(f.ctx, "Cardiology", "2030-06-15")
	require.NoError(t, err)
	require.Len(t, res.Availabilities, 1)
	assert.Len(t, res.Availabilities[0].TimeSlots, 2)

	f.dispatcher.Wait()
	var titles []string
	for _, n := range f.notifier.Sent() {
		titles = append(titles, n.Title)
	}
	assert.ElementsMatch(t, []string{
		"New Appointment Scheduled", "New Appointment Scheduled",
		"Appointment Cancelled", "Appointment Cancelled",
	}, titles)
	f.mailer.AssertNumberOfCalls(t, "SendAppointmentConfirmation", 2)
	f.mailer.AssertNumberOfCalls(t, "SendAppointmentCancellation", 2)
}

func TestConcurrentBookingOfOneSlot(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		a := f.publish(t, f.specialist, "2030-06-15", slotRange("09:00", "10:00"))
		second := f.addUser(User{FirstName: "Pia", LastName: "Lane", Role: RolePatient})

		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make([]error, 2)
		for i, p := range []User{f.patient, second} {
			wg.Add(1)
			go func(i int, p User) {
				defer wg.Done()
				<-start
				_, errs[i] = f.svc.BookAppointment(f.ctx, f.caller(p), BookAppointmentInput{
					AvailabilityID: a.ID,
					Reason:         "checkup",
				})
			}(i, p)
		}
		close(start)
		wg.Wait()

		var ok, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Equal(t, 1, ok)
		require.Equal(t, 1, conflicts)

		stored, err := f.repo.GetAvailabilityByID(f.ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, stored.TimeSlots[0].IsBooked)

		booked := 0
		for _, p := range []User{f.patient, second} {
			list, err := f.svc.ListMyAppointments(f.ctx, f.caller(p), ListAppointmentsInput{})
			require.NoError(t, err)
			booked += len(list)
		}
		assert.Equal(t, 1, booked)
	}
}

func TestBookAppointmentRejects(t *testing.T) {
	f := newFixture(t)
	a := f.publish(t, f.specialist, "2030-06-15", slotRange("09:00", "10:00"))
	pc := f.caller(f.patient)

	tests := []struct {
		name   string
		caller Caller
		in     BookAppointmentInput
		want   error
	}{
		{"missing reason", pc, BookAppointmentInput{AvailabilityID: a.ID, Reason: "  "}, ErrValidation},
		{"negative index", pc, BookAppointmentInput{AvailabilityID: a.ID, TimeSlotIndex: -1, Reason: "x"}, ErrValidation},
		{"index out of range", pc, BookAppointmentInput{AvailabilityID: a.ID, TimeSlotIndex: 1, Reason: "x"}, ErrSlotNotFound},
		{"unknown availability", pc, BookAppointmentInput{AvailabilityID: uuid.New(), Reason: "x"}, ErrAvailabilityNotFound},
		{"specialist caller", f.caller(f.specialist), BookAppointmentInput{AvailabilityID: a.ID, Reason: "x"}, ErrForbidden},
		{"unknown patient", Caller{ID: uuid.New(), Role: RolePatient}, BookAppointmentInput{AvailabilityID: a.ID, Reason: "x"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.BookAppointment(f.ctx, tt.caller, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("slot already booked", func(t *testing.T) {
		f.book(t, f.patient, a.ID, 0)
		_, err := f.svc.BookAppointment(f.ctx, pc, BookAppointmentInput{AvailabilityID: a.ID, Reason: "again"})
		assert.ErrorIs(t, err, ErrSlotAlreadyBooked)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("specialist lost approval", func(t *testing.T) {
		g := newFixture(t)
		b := g.publish(t, g.specialist, "2030-06-15", slotRange("09:00", "10:00"))
		g.specialist.IsApproved = false
		g.repo.PutUser(g.specialist)

		_, err := g.svc.BookAppointment(g.ctx, g.caller(g.patient), BookAppointmentInput{AvailabilityID: b.ID, Reason: "x"})
		assert.ErrorIs(t, err, ErrSpecialistNotApproved)
	})
}

// republishingRepo rewrites the day's slots the first time the specialist is
// loaded, which lands between reading the slot and claiming it.
type republishingRepo struct {
	*MemoryRepository
	specialistID   uuid.UUID
	availabilityID uuid.UUID
	slots          []Slot
	fired          bool
}

func (r *republishingRepo) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	if id == r.specialistID && !r.fired {
		r.fired = true
		a, err := r.MemoryRepository.GetAvailabilityByID(ctx, r.availabilityID)
		if err != nil {
			return nil, err
		}
		a.TimeSlots = MergeSlots(a.TimeSlots, r.slots)
		if _, err := r.MemoryRepository.UpdateAvailabilitySlots(ctx, a); err != nil {
			return nil, err
		}
	}
	return r.MemoryRepository.GetUserByID(ctx, id)
}

func TestBookAppointmentSlotMovedByRepublish(t *testing.T) {
	f := newFixture(t)
	a := f.publish(t, f.specialist, "2030-06-15", slotRange("09:00", "10:00"), slotRange("10:00", "11:00"))

	repo := &republishingRepo{
		MemoryRepository: f.repo,
		specialistID:     f.specialist.ID,
		availabilityID:   a.ID,
		slots: []Slot{
			{StartTime: "09:00", EndTime: "10:00"},
			{StartTime: "09:30", EndTime: "10:00"},
			{StartTime: "10:00", EndTime: "11:00"},
		},
	}
	svc := NewService(repo, redisclient.NewLocalLocker(), f.dispatcher, config.Config{BookingWindow: 30 * 24 * time.Hour}, zap.NewNop())
	svc.now = f.repo.now

	_, err := svc.BookAppointment(f.ctx, f.caller(f.patient), BookAppointmentInput{
		AvailabilityID: a.ID,
		TimeSlotIndex:  1,
		Reason:         "checkup",
	})
	assert.ErrorIs(t, err, ErrSlotChanged)
	assert.ErrorIs(t, err, ErrConflict)

	stored, err := f.repo.GetAvailabilityByID(f.ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, stored.TimeSlots, 3)
	for _, s := range stored.TimeSlots {
		assert.False(t, s.IsBooked, "%s-%s", s.StartTime, s.EndTime)
	}
	list, err := f.svc.ListMyAppointments(f.ctx, f.caller(f.patient), ListAppointmentsInput{})
	require.NoError(t, err)
	assert.Empty(t, list)

	// Booking by the new position succeeds and records that slot's time.
	appt := f.book(t, f.patient, a.ID, 2)
	assert.Equal(t, time.Date(2030, time.June, 15, 10, 0, 0, 0, time.UTC), appt.DateTime)
	assert.Equal(t, 60, appt.DurationMinutes)
}

func TestCancelAppointment(t *testing.T) {
	t.Run("outsiders cannot cancel and nothing changes", func(t *testing.T) {
		f := newFixture(t)
		a := f.publish(t, f.specialist, "2030-06-15", slotRange("09:00", "10:00"))
		appt := f.book(t, f.patient, a.ID, 0)
		outsider := f.addUser(User{FirstName: "Eve", LastName: "Stone", Role: RolePatient})
		before, err := f.repo.GetAvailabilityByID(f.ctx, a.ID)
		require.NoError(t, err)

		_, err = f.svc.CancelAppointment(f.ctx, f.caller(outsider), CancelAppointmentInput{AppointmentID: appt.ID, Reason: "nope"})
		assert.ErrorIs(t, err, ErrForbidden)

		after, err := f.repo.GetAppointmentByID(f.ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusScheduled, after.Status)
		availAfter, err := f.repo.GetAvailabilityByID(f.ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, before, availAfter)
	})

	t.Run("specialist cancels as doctor", func(t *testing.T) {
		f := newFixture(t)
		a := f.publish(t, f.specialist, "2030-06-15", slotRange("09:00", "10:00"))
		appt := f.book(t, f.patient, a.ID, 0)

		got, err := f.svc.CancelAppointment(f.ctx, f.caller(f.specialist), CancelAppointmentInput{AppointmentID: appt.ID})
		require.NoError(t, err)
		assert.Equal(t, CancelledByDoctor, got.CancelledBy)
	})

	t.Run("second cancel is a conflict", func(t *testing.T) {
		f := newFixture(t)
		a := f.publish(t, f.specialist, "2030-06-15", slotRange("09:00", "10:00"))
		appt := f.book(t, f.patient, a.ID, 0)
		in := CancelAppointmentInput{AppointmentID: appt.ID}

		_, err := f.svc.CancelAppointment(f.ctx, f.caller(f.patient), in)
		require.NoError(t, err)
		_, err = f.svc.CancelAppointment(f.ctx, f.caller(f.patient), in)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("unknown appointment", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CancelAppointment(f.ctx, f.caller(f.patient), CancelAppointmentInput{AppointmentID: uuid.New()})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("a lost back-reference does not fail the cancel", func(t *testing.T) {
		f := newFixture(t)
		a := f.publish(t, f.specialist, "2030-06-15", slotRange("09:00", "10:00"))
		appt := f.book(t, f.patient, a.ID, 0)
		require.NoError(t, f.repo.ReleaseSlot(f.ctx, a.ID, 0, appt.ID))

		got, err := f.svc.CancelAppointment(f.ctx, f.caller(f.patient), CancelAppointmentInput{AppointmentID: appt.ID})
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)

		var skipped bool
		for _, ev := range f.repo.Events() {
			if ev.EventType == EventSlotReleaseSkipped {
				skipped = true
			}
		}
		assert.True(t, skipped)
	})

	t.Run("slot moved by a republish is still released", func(t *testing.T) {
		f := newFixture(t)
		a := f.publish(t, f.specialist, "2030-06-15", slotRange("10:00", "11:00"))
		appt := f.book(t, f.patient, a.ID, 0)
		merged := f.publish(t, f.specialist, "2030-06-15", slotRange("08:00", "09:00"), slotRange("10:00", "11:00"))
		require.True(t, merged.TimeSlots[1].IsBooked)

		_, err := f.svc.CancelAppointment(f.ctx, f.caller(f.patient), CancelAppointmentInput{AppointmentID: appt.ID})
		require.NoError(t, err)

		stored, err := f.repo.GetAvailabilityByID(f.ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, stored.FreeCount())
	})
}

func TestNotificationFailuresDoNotFailBooking(t *testing.T) {
	f := newFixtureWith(t, &recordingNotifier{err: errors.New("redis down")}, newMockMailer(errors.New("smtp down")))
	a := f.publish(t, f.specialist, "2030-06-15", slotRange("09:00", "10:00"))

	appt, err := f.svc.BookAppointment(f.ctx, f.caller(f.patient), BookAppointmentInput{AvailabilityID: a.ID, Reason: "checkup"})
	require.NoError(t, err)

	f.dispatcher.Wait()
	assert.Len(t, f.notifier.Sent(), 2)
	f.mailer.AssertNumberOfCalls(t, "SendAppointmentConfirmation", 2)

	stored, err := f.repo.GetAppointmentByID(f.ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, stored.Status)
}

func TestAppointmentReads(t *testing.T) {
	f := newFixture(t)
	a := f.publish(t, f.specialist, "2030-06-15", slotRange("09:00", "10:00"), slotRange("10:00", "11:00"))
	first := f.book(t, f.patient, a.ID, 1)
	second := f.book(t, f.patient, a.ID, 0)
	_, err := f.svc.CancelAppointment(f.ctx, f.caller(f.patient), CancelAppointmentInput{AppointmentID: first.ID})
	require.NoError(t, err)

	t.Run("list is ordered by time for both parties", func(t *testing.T) {
		for _, u := range []User{f.patient, f.specialist} {
			list, err := f.svc.ListMyAppointments(f.ctx, f.caller(u), ListAppointmentsInput{})
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, second.ID, list[0].ID)
			assert.Equal(t, first.ID, list[1].ID)
		}
	})

	t.Run("list carries both parties", func(t *testing.T) {
		list, err := f.svc.ListMyAppointments(f.ctx, f.caller(f.specialist), ListAppointmentsInput{})
		require.NoError(t, err)
		require.NotEmpty(t, list)
		assert.Equal(t, &PartySummary{ID: f.patient.ID, FirstName: "Paul", LastName: "Doe", Email: "paul@mail.test"}, list[0].Patient)
		assert.Equal(t, &PartySummary{ID: f.specialist.ID, FirstName: "Sarah", LastName: "Chen", Email: "sarah@clinic.test"}, list[0].Specialist)
	})

	t.Run("status filter", func(t *testing.T) {
		st := StatusCancelled
		list, err := f.svc.ListMyAppointments(f.ctx, f.caller(f.patient), ListAppointmentsInput{Status: &st})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, first.ID, list[0].ID)

		bad := AppointmentStatus("pending")
		_, err = f.svc.ListMyAppointments(f.ctx, f.caller(f.patient), ListAppointmentsInput{Status: &bad})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("upcoming filter", func(t *testing.T) {
		f.dispatcher.Wait()
		f.now = time.Date(2030, time.June, 15, 9, 30, 0, 0, time.UTC)
		defer func() { f.now = fixtureNow }()

		list, err := f.svc.ListMyAppointments(f.ctx, f.caller(f.patient), ListAppointmentsInput{Upcoming: true})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, first.ID, list[0].ID)
	})

	t.Run("get is limited to parties", func(t *testing.T) {
		got, err := f.svc.GetAppointment(f.ctx, f.caller(f.specialist), second.ID)
		require.NoError(t, err)
		assert.Equal(t, second.ID, got.ID)

		outsider := f.addUser(User{FirstName: "Eve", Role: RolePatient})
		_, err = f.svc.GetAppointment(f.ctx, f.caller(outsider), second.ID)
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestUpdateAppointmentStatus(t *testing.T) {
	f := newFixture(t)
	a := f.publish(t, f.specialist, "2030-06-15", slotRange("09:00", "10:00"))
	appt := f.book(t, f.patient, a.ID, 0)

	_, err := f.svc.UpdateAppointmentStatus(f.ctx, f.caller(f.patient), appt.ID, StatusCompleted)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.UpdateAppointmentStatus(f.ctx, f.caller(f.specialist), appt.ID, StatusCancelled)
	assert.ErrorIs(t, err, ErrValidation)

	got, err := f.svc.UpdateAppointmentStatus(f.ctx, f.caller(f.specialist), appt.ID, StatusNoShow)
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, got.Status)

	_, err = f.svc.UpdateAppointmentStatus(f.ctx, f.caller(f.specialist), appt.ID, StatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}
