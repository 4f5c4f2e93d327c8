package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDispatcher(t *testing.T) {
	repo := NewMemoryRepository()
	patient := User{ID: uuid.New(), FirstName: "Paul", Role: RolePatient, Email: "paul@mail.test"}
	repo.PutUser(patient)

	appt := Appointment{
		ID:                 uuid.New(),
		PatientID:          patient.ID,
		SpecialistID:       uuid.New(), // not stored
		DateTime:           time.Date(2030, time.June, 15, 9, 0, 0, 0, time.UTC),
		SpecialistCategory: "Cardiology",
	}

	t.Run("skips an unknown recipient and notifies the other", func(t *testing.T) {
		notifier := &recordingNotifier{}
		mailer := &mockMailer{}
		mailer.On("SendAppointmentDayReminder", mock.Anything, appt, mock.MatchedBy(func(u User) bool {
			return u.ID == patient.ID
		})).Return(nil).Once()

		d := NewDispatcher(repo, notifier, mailer, time.Second, zap.NewNop())
		d.Dispatch(context.Background(), appt, NotifyDayOf)
		d.Wait()

		sent := notifier.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, patient.ID, sent[0].UserID)
		assert.Equal(t, "Today's Appointment", sent[0].Title)
		assert.Equal(t, "You have an appointment with Cardiology today at 09:00 UTC", sent[0].Message)
		assert.Equal(t, appt.ID, sent[0].RelatedID)
		assert.Equal(t, NotifyDayOf, sent[0].Event)
		mailer.AssertExpectations(t)
	})

	t.Run("outlives the request context", func(t *testing.T) {
		notifier := &recordingNotifier{}
		ctx, cancel := context.WithCancel(context.Background())
		d := NewDispatcher(repo, notifier, nil, time.Second, zap.NewNop())

		d.Dispatch(ctx, appt, NotifyCancelled)
		cancel()
		d.Wait()

		require.Len(t, notifier.Sent(), 1)
		assert.Equal(t, "Your appointment with Cardiology has been cancelled", notifier.Sent()[0].Message)
	})

	t.Run("nil dispatcher is a no-op", func(t *testing.T) {
		var d *Dispatcher
		assert.NotPanics(t, func() {
			d.Dispatch(context.Background(), appt, NotifyScheduled)
			d.Wait()
		})
	})
}
