package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/appointment"
	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/notify"
	redisclient "github.com/hackgods/telehealth-booking/internal/redis"
)

func TestNewContainerMemory(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{
		StoreDriver:   config.DriverMemory,
		JWTSecret:     "secret",
		JWTIssuer:     "telehealth",
		LockTTL:       time.Second,
		BookingWindow: 30 * 24 * time.Hour,
	}

	c, err := NewContainer(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	assert.IsType(t, &appointment.MemoryRepository{}, c.Repo)
	assert.IsType(t, &redisclient.LocalLocker{}, c.Locker)
	assert.IsType(t, &notify.MemoryInbox{}, c.Inbox)
	assert.IsType(t, &notify.LogPublisher{}, c.Publisher)
	assert.Empty(t, c.HealthChecks())

	t.Run("wired service books through the shared store", func(t *testing.T) {
		specialist := appointment.User{ID: uuid.New(), FirstName: "Sarah", LastName: "Chen", Email: "sarah@clinic.test",
			Role: appointment.RoleSpecialist, SpecialistCategory: "Cardiology", IsApproved: true}
		patient := appointment.User{ID: uuid.New(), FirstName: "Paul", LastName: "Doe", Email: "paul@mail.test",
			Role: appointment.RolePatient}
		require.NoError(t, c.Users.UpsertUser(ctx, specialist))
		require.NoError(t, c.Users.UpsertUser(ctx, patient))

		day := time.Now().UTC().AddDate(0, 0, 2).Format(appointment.DayLayout)
		a, err := c.Service.PublishAvailability(ctx, appointment.Caller{ID: specialist.ID, Role: specialist.Role},
			appointment.PublishAvailabilityInput{Date: day, TimeSlots: []appointment.SlotRange{{StartTime: "10:00", EndTime: "10:30"}}})
		require.NoError(t, err)

		appt, err := c.Service.BookAppointment(ctx, appointment.Caller{ID: patient.ID, Role: patient.Role},
			appointment.BookAppointmentInput{AvailabilityID: a.ID, TimeSlotIndex: 0, Reason: "checkup"})
		require.NoError(t, err)

		c.Dispatcher.Wait()
		inbox, err := c.Inbox.Recent(ctx, patient.ID, 0)
		require.NoError(t, err)
		require.Len(t, inbox, 1)
		assert.Equal(t, appt.ID, inbox[0].RelatedID)
	})

	t.Run("tokens round trip", func(t *testing.T) {
		id := uuid.New()
		tok, err := c.Authenticator.IssueToken(id, "patient", time.Minute)
		require.NoError(t, err)
		got, err := c.Authenticator.Parse(tok)
		require.NoError(t, err)
		assert.Equal(t, id, got.UserID)
	})
}
