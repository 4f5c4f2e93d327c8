package appointment

import (
	"context"
	"errors"
	"fmt"
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

// contractStore is what every backing store provides.
type contractStore interface {
	Repository
	UpsertUser(ctx context.Context, u User) error
}

// passThroughLocker never contends, so concurrent bookings race on the
// store's conditional claim alone.
type passThroughLocker struct{}

func (passThroughLocker) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type storeEnv struct {
	ctx        context.Context
	repo       contractStore
	svc        *Service
	specialist User
	patient    User
}

func newStoreEnv(t *testing.T, repo contractStore, locker redisclient.Locker) *storeEnv {
	t.Helper()
	e := &storeEnv{ctx: context.Background(), repo: repo}

	dispatcher := NewDispatcher(repo, &recordingNotifier{}, newMockMailer(nil), time.Second, zap.NewNop())
	t.Cleanup(dispatcher.Wait)
	e.svc = NewService(repo, locker, dispatcher, config.Config{BookingWindow: 30 * 24 * time.Hour}, zap.NewNop())
	e.svc.now = func() time.Time { return fixtureNow }

	e.specialist = e.addUser(t, User{FirstName: "Sarah", LastName: "Chen", Role: RoleSpecialist, SpecialistCategory: "Cardiology", IsApproved: true})
	e.patient = e.addUser(t, User{FirstName: "Paul", LastName: "Doe", Role: RolePatient})
	return e
}

func (e *storeEnv) addUser(t *testing.T, u User) User {
	t.Helper()
	u.ID = uuid.New()
	u.Email = u.ID.String() + "@test.local"
	require.NoError(t, e.repo.UpsertUser(e.ctx, u))
	return u
}

func (e *storeEnv) publish(t *testing.T, date string, ranges ...SlotRange) *Availability {
	t.Helper()
	a, err := e.svc.PublishAvailability(e.ctx, Caller{ID: e.specialist.ID, Role: RoleSpecialist}, PublishAvailabilityInput{Date: date, TimeSlots: ranges})
	require.NoError(t, err)
	return a
}

func (e *storeEnv) book(t *testing.T, patient User, availabilityID uuid.UUID, index int) *Appointment {
	t.Helper()
	appt, err := e.svc.BookAppointment(e.ctx, Caller{ID: patient.ID, Role: RolePatient}, BookAppointmentInput{
		AvailabilityID: availabilityID,
		TimeSlotIndex:  index,
		Reason:         "checkup",
	})
	require.NoError(t, err)
	return appt
}

func (e *storeEnv) appointmentFor(a *Availability, index int) *Appointment {
	slot := a.TimeSlots[index]
	return &Appointment{
		ID:                 uuid.New(),
		PatientID:          e.patient.ID,
		SpecialistID:       e.specialist.ID,
		DateTime:           At(a.Date, slot.StartTime),
		SpecialistCategory: e.specialist.SpecialistCategory,
		Status:             StatusScheduled,
		Reason:             "checkup",
		DurationMinutes:    slotMinutes(slot),
		AvailabilityID:     a.ID,
	}
}

// runStoreContract checks the guarantees the service relies on against one
// store implementation. open must return an empty store.
func runStoreContract(t *testing.T, open func(t *testing.T) contractStore) {
	t.Run("one of two concurrent bookings wins", func(t *testing.T) {
		e := newStoreEnv(t, open(t), passThroughLocker{})
		second := e.addUser(t, User{FirstName: "Pia", LastName: "Lane", Role: RolePatient})

		for day := 11; day <= 15; day++ {
			a := e.publish(t, fmt.Sprintf("2030-06-%d", day), slotRange("09:00", "10:00"))

			var wg sync.WaitGroup
			start := make(chan struct{})
			errs := make([]error, 2)
			for i, p := range []User{e.patient, second} {
				wg.Add(1)
				go func(i int, p User) {
					defer wg.Done()
					<-start
					_, errs[i] = e.svc.BookAppointment(e.ctx, Caller{ID: p.ID, Role: RolePatient}, BookAppointmentInput{
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
				case errors.Is(err, ErrSlotAlreadyBooked):
					conflicts++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			require.Equal(t, 1, ok)
			require.Equal(t, 1, conflicts)

			stored, err := e.repo.GetAvailabilityByID(e.ctx, a.ID)
			require.NoError(t, err)
			require.True(t, stored.TimeSlots[0].IsBooked)
			require.NotNil(t, stored.TimeSlots[0].AppointmentID)

			appt, err := e.repo.GetAppointmentByID(e.ctx, *stored.TimeSlots[0].AppointmentID)
			require.NoError(t, err)
			assert.Equal(t, a.ID, appt.AvailabilityID)
		}

		var total int
		for _, p := range []User{e.patient, second} {
			list, err := e.svc.ListMyAppointments(e.ctx, Caller{ID: p.ID, Role: RolePatient}, ListAppointmentsInput{})
			require.NoError(t, err)
			total += len(list)
		}
		assert.Equal(t, 5, total)
	})

	t.Run("republish keeps booked slots", func(t *testing.T) {
		e := newStoreEnv(t, open(t), redisclient.NewLocalLocker())
		a := e.publish(t, "2030-06-15", slotRange("09:00", "10:00"), slotRange("10:00", "11:00"))
		appt := e.book(t, e.patient, a.ID, 1)

		merged := e.publish(t, "2030-06-15", slotRange("11:00", "12:00"))
		assert.Equal(t, a.ID, merged.ID)
		require.Len(t, merged.TimeSlots, 2)
		assert.Equal(t, SlotKey{Start: "10:00", End: "11:00"}, merged.TimeSlots[0].Key())
		assert.True(t, merged.TimeSlots[0].IsBooked)
		require.NotNil(t, merged.TimeSlots[0].AppointmentID)
		assert.Equal(t, appt.ID, *merged.TimeSlots[0].AppointmentID)
		assert.Equal(t, SlotKey{Start: "11:00", End: "12:00"}, merged.TimeSlots[1].Key())
		assert.False(t, merged.TimeSlots[1].IsBooked)

		stored, err := e.repo.GetAvailabilityByID(e.ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, merged.TimeSlots, stored.TimeSlots)
		assert.Greater(t, stored.Version, a.Version)
	})

	t.Run("book and cancel round trip", func(t *testing.T) {
		e := newStoreEnv(t, open(t), redisclient.NewLocalLocker())
		a := e.publish(t, "2030-06-15", slotRange("09:00", "10:00"), slotRange("10:00", "11:00"))
		appt := e.book(t, e.patient, a.ID, 0)
		assert.Equal(t, time.Date(2030, time.June, 15, 9, 0, 0, 0, time.UTC), appt.DateTime.UTC())

		res, err := e.svc.SearchAvailableSlots(e.ctx, "Cardiology", "2030-06-15")
		require.NoError(t, err)
		require.Len(t, res.Availabilities, 1)
		require.Len(t, res.Availabilities[0].TimeSlots, 1)
		assert.Equal(t, SlotKey{Start: "10:00", End: "11:00"}, res.Availabilities[0].TimeSlots[0].Key())

		cancelled, err := e.svc.CancelAppointment(e.ctx, Caller{ID: e.patient.ID, Role: RolePatient}, CancelAppointmentInput{AppointmentID: appt.ID, Reason: "feeling better"})
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, cancelled.Status)
		assert.Equal(t, CancelledByPatient, cancelled.CancelledBy)

		stored, err := e.repo.GetAvailabilityByID(e.ctx, a.ID)
		require.NoError(t, err)
		assert.False(t, stored.TimeSlots[0].IsBooked)
		assert.Nil(t, stored.TimeSlots[0].AppointmentID)

		got, err := e.repo.GetAppointmentByID(e.ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
		assert.Equal(t, "feeling better", got.CancellationReason)

		_, err = e.svc.CancelAppointment(e.ctx, Caller{ID: e.patient.ID, Role: RolePatient}, CancelAppointmentInput{AppointmentID: appt.ID})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("claim checks the slot's time range", func(t *testing.T) {
		e := newStoreEnv(t, open(t), redisclient.NewLocalLocker())
		a := e.publish(t, "2030-06-15", slotRange("09:00", "10:00"))

		_, err := e.repo.BookSlot(e.ctx, a.ID, 0, SlotKey{Start: "10:00", End: "11:00"}, e.appointmentFor(a, 0))
		assert.ErrorIs(t, err, ErrSlotChanged)

		_, err = e.repo.BookSlot(e.ctx, a.ID, 3, SlotKey{Start: "09:00", End: "10:00"}, e.appointmentFor(a, 0))
		assert.ErrorIs(t, err, ErrSlotNotFound)

		_, err = e.repo.BookSlot(e.ctx, uuid.New(), 0, SlotKey{Start: "09:00", End: "10:00"}, e.appointmentFor(a, 0))
		assert.ErrorIs(t, err, ErrAvailabilityNotFound)

		stored, err := e.repo.GetAvailabilityByID(e.ctx, a.ID)
		require.NoError(t, err)
		assert.False(t, stored.TimeSlots[0].IsBooked)

		appt, err := e.repo.BookSlot(e.ctx, a.ID, 0, a.TimeSlots[0].Key(), e.appointmentFor(a, 0))
		require.NoError(t, err)

		_, err = e.repo.BookSlot(e.ctx, a.ID, 0, a.TimeSlots[0].Key(), e.appointmentFor(a, 0))
		assert.ErrorIs(t, err, ErrSlotAlreadyBooked)

		assert.ErrorIs(t, e.repo.ReleaseSlot(e.ctx, a.ID, 0, uuid.New()), ErrSlotNotFound)
		require.NoError(t, e.repo.ReleaseSlot(e.ctx, a.ID, 0, appt.ID))

		stored, err = e.repo.GetAvailabilityByID(e.ctx, a.ID)
		require.NoError(t, err)
		assert.False(t, stored.TimeSlots[0].IsBooked)
		assert.Nil(t, stored.TimeSlots[0].AppointmentID)
	})

	t.Run("stale version is rejected", func(t *testing.T) {
		e := newStoreEnv(t, open(t), redisclient.NewLocalLocker())
		a := e.publish(t, "2030-06-15", slotRange("09:00", "10:00"))

		next := a.Clone()
		next.TimeSlots = append(next.TimeSlots, Slot{StartTime: "10:00", EndTime: "11:00"})
		updated, err := e.repo.UpdateAvailabilitySlots(e.ctx, next)
		require.NoError(t, err)
		assert.Equal(t, a.Version+1, updated.Version)
		assert.Len(t, updated.TimeSlots, 2)

		_, err = e.repo.UpdateAvailabilitySlots(e.ctx, a.Clone())
		assert.ErrorIs(t, err, ErrVersionConflict)

		missing := a.Clone()
		missing.ID = uuid.New()
		_, err = e.repo.UpdateAvailabilitySlots(e.ctx, missing)
		assert.ErrorIs(t, err, ErrAvailabilityNotFound)
	})

	t.Run("one record per specialist and day", func(t *testing.T) {
		e := newStoreEnv(t, open(t), redisclient.NewLocalLocker())
		day, err := ParseDay("2030-06-20")
		require.NoError(t, err)

		first, err := e.repo.CreateAvailability(e.ctx, &Availability{
			ID:           uuid.New(),
			SpecialistID: e.specialist.ID,
			Date:         day,
			TimeSlots:    []Slot{{StartTime: "09:00", EndTime: "10:00"}},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), first.Version)

		_, err = e.repo.CreateAvailability(e.ctx, &Availability{
			ID:           uuid.New(),
			SpecialistID: e.specialist.ID,
			Date:         day,
			TimeSlots:    []Slot{{StartTime: "11:00", EndTime: "12:00"}},
		})
		assert.ErrorIs(t, err, ErrAvailabilityExists)
	})
}

func TestMemoryRepositoryContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) contractStore {
		return NewMemoryRepository()
	})
}
