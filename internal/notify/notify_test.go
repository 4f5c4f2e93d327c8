package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-booking/internal/appointment"
)

func TestMemoryInbox(t *testing.T) {
	ctx := context.Background()
	inbox := NewMemoryInbox()
	user := uuid.New()

	t.Run("recent is newest first and capped", func(t *testing.T) {
		for i := 0; i < inboxSize+5; i++ {
			require.NoError(t, inbox.Notify(ctx, appointment.Notification{ID: uuid.New(), UserID: user, Title: "n"}))
		}
		last := appointment.Notification{ID: uuid.New(), UserID: user, Title: "last"}
		require.NoError(t, inbox.Notify(ctx, last))

		all, err := inbox.Recent(ctx, user, 0)
		require.NoError(t, err)
		assert.Len(t, all, inboxSize)
		assert.Equal(t, last, all[0])

		few, err := inbox.Recent(ctx, user, 3)
		require.NoError(t, err)
		assert.Len(t, few, 3)

		none, err := inbox.Recent(ctx, uuid.New(), 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("mark read is limited to the owner", func(t *testing.T) {
		owner, other := uuid.New(), uuid.New()
		n := appointment.Notification{ID: uuid.New(), UserID: owner, Title: "New Appointment Scheduled"}
		require.NoError(t, inbox.Notify(ctx, n))

		_, err := inbox.MarkRead(ctx, other, n.ID)
		assert.ErrorIs(t, err, appointment.ErrNotificationNotFound)
		_, err = inbox.MarkRead(ctx, owner, uuid.New())
		assert.ErrorIs(t, err, appointment.ErrNotFound)

		list, err := inbox.Recent(ctx, owner, 0)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.False(t, list[0].IsRead)

		got, err := inbox.MarkRead(ctx, owner, n.ID)
		require.NoError(t, err)
		assert.True(t, got.IsRead)
		assert.Equal(t, n.ID, got.ID)

		list, err = inbox.Recent(ctx, owner, 0)
		require.NoError(t, err)
		assert.True(t, list[0].IsRead)
	})

	t.Run("subscribers only see their own notifications", func(t *testing.T) {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch, stop, err := inbox.Subscribe(subCtx, user)
		require.NoError(t, err)
		defer stop()

		require.NoError(t, inbox.Notify(ctx, appointment.Notification{UserID: uuid.New(), Title: "other"}))
		require.NoError(t, inbox.Notify(ctx, appointment.Notification{UserID: user, Title: "mine"}))

		select {
		case n := <-ch:
			assert.Equal(t, "mine", n.Title)
		case <-time.After(time.Second):
			t.Fatal("no notification received")
		}
	})

	t.Run("cancelling the context closes the stream", func(t *testing.T) {
		subCtx, cancel := context.WithCancel(ctx)
		ch, _, err := inbox.Subscribe(subCtx, user)
		require.NoError(t, err)

		cancel()
		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("stream not closed")
		}
	})
}

// mockPublisher is a mock implementation of Publisher.
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	args := m.Called(ctx, routingKey, payload)
	return args.Error(0)
}

func TestQueueMailer(t *testing.T) {
	ctx := context.Background()
	appt := appointment.Appointment{
		ID:                 uuid.New(),
		DateTime:           time.Date(2030, time.June, 15, 9, 0, 0, 0, time.UTC),
		SpecialistCategory: "Cardiology",
		Status:             appointment.StatusScheduled,
		Reason:             "checkup",
	}
	to := appointment.User{ID: uuid.New(), FirstName: "Paul", LastName: "Doe", Email: "paul@mail.test", Role: appointment.RolePatient}

	t.Run("publishes one job per mail with the template as routing key", func(t *testing.T) {
		pub := &mockPublisher{}
		var payload []byte
		pub.On("Publish", ctx, TemplateCancellation, mock.Anything).
			Run(func(args mock.Arguments) { payload = args.Get(2).([]byte) }).
			Return(nil).Once()

		require.NoError(t, NewQueueMailer(pub).SendAppointmentCancellation(ctx, appt, to))
		pub.AssertExpectations(t)

		var job EmailJob
		require.NoError(t, json.Unmarshal(payload, &job))
		assert.Equal(t, TemplateCancellation, job.Template)
		assert.Equal(t, "paul@mail.test", job.To)
		assert.Equal(t, "Paul Doe", job.Name)
		assert.Equal(t, appt.ID.String(), job.AppointmentID)
		assert.True(t, appt.DateTime.Equal(job.DateTime))
		assert.Equal(t, "Cardiology", job.Specialty)
	})

	t.Run("each mail kind has its own template", func(t *testing.T) {
		pub := &mockPublisher{}
		for _, tpl := range []string{TemplateConfirmation, TemplateReminder, TemplateDayReminder} {
			pub.On("Publish", ctx, tpl, mock.Anything).Return(nil).Once()
		}
		m := NewQueueMailer(pub)

		require.NoError(t, m.SendAppointmentConfirmation(ctx, appt, to))
		require.NoError(t, m.SendAppointmentReminder(ctx, appt, to))
		require.NoError(t, m.SendAppointmentDayReminder(ctx, appt, to))
		pub.AssertExpectations(t)
	})

	t.Run("user without email", func(t *testing.T) {
		pub := &mockPublisher{}
		err := NewQueueMailer(pub).SendAppointmentConfirmation(ctx, appt, appointment.User{ID: uuid.New()})
		assert.Error(t, err)
		pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})
}

type failingNotifier struct {
	calls int
}

func (f *failingNotifier) Notify(context.Context, appointment.Notification) error {
	f.calls++
	return errors.New("downstream unavailable")
}

func TestBreakerNotifier(t *testing.T) {
	next := &failingNotifier{}
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 3
	b := NewBreakerNotifier(next, cfg, nil)

	for i := 0; i < 3; i++ {
		err := b.Notify(context.Background(), appointment.Notification{})
		assert.EqualError(t, err, "downstream unavailable")
	}

	err := b.Notify(context.Background(), appointment.Notification{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, next.calls)
}
