package appointment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/config"
	redisclient "github.com/hackgods/telehealth-booking/internal/redis"
)

// recordingNotifier keeps every notification it receives.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.sent))
	copy(out, n.sent)
	return out
}

// mockMailer is a mock implementation of Mailer.
type mockMailer struct {
	mock.Mock
}

func (m *mockMailer) SendAppointmentConfirmation(ctx context.Context, appt Appointment, to User) error {
	args := m.Called(ctx, appt, to)
	return args.Error(0)
}

func (m *mockMailer) SendAppointmentCancellation(ctx context.Context, appt Appointment, to User) error {
	args := m.Called(ctx, appt, to)
	return args.Error(0)
}

func (m *mockMailer) SendAppointmentReminder(ctx context.Context, appt Appointment, to User) error {
	args := m.Called(ctx, appt, to)
	return args.Error(0)
}

func (m *mockMailer) SendAppointmentDayReminder(ctx context.Context, appt Appointment, to User) error {
	args := m.Called(ctx, appt, to)
	return args.Error(0)
}

func newMockMailer(err error) *mockMailer {
	m := &mockMailer{}
	for _, method := range []string{
		"SendAppointmentConfirmation",
		"SendAppointmentCancellation",
		"SendAppointmentReminder",
		"SendAppointmentDayReminder",
	} {
		m.On(method, mock.Anything, mock.Anything, mock.Anything).Return(err).Maybe()
	}
	return m
}

type fixture struct {
	ctx        context.Context
	now        time.Time
	repo       *MemoryRepository
	svc        *Service
	dispatcher *Dispatcher
	notifier   *recordingNotifier
	mailer     *mockMailer

	specialist User
	patient    User
}

var fixtureNow = time.Date(2030, time.June, 10, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, &recordingNotifier{}, newMockMailer(nil))
}

func newFixtureWith(t *testing.T, notifier *recordingNotifier, mailer *mockMailer) *fixture {
	t.Helper()

	f := &fixture{
		ctx:      context.Background(),
		now:      fixtureNow,
		repo:     NewMemoryRepository(),
		notifier: notifier,
		mailer:   mailer,
	}
	f.repo.now = func() time.Time { return f.now }

	f.dispatcher = NewDispatcher(f.repo, notifier, mailer, time.Second, zap.NewNop())
	f.dispatcher.now = f.repo.now
	f.svc = NewService(f.repo, redisclient.NewLocalLocker(), f.dispatcher, config.Config{BookingWindow: 30 * 24 * time.Hour}, zap.NewNop())
	f.svc.now = f.repo.now

	f.specialist = f.addUser(User{FirstName: "Sarah", LastName: "Chen", Email: "sarah@clinic.test", Role: RoleSpecialist, SpecialistCategory: "Cardiology", IsApproved: true})
	f.patient = f.addUser(User{FirstName: "Paul", LastName: "Doe", Email: "paul@mail.test", Role: RolePatient})

	t.Cleanup(f.dispatcher.Wait)
	return f
}

func (f *fixture) addUser(u User) User {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	f.repo.PutUser(u)
	return u
}

func (f *fixture) caller(u User) Caller {
	return Caller{ID: u.ID, Role: u.Role}
}

func (f *fixture) publish(t *testing.T, specialist User, date string, ranges ...SlotRange) *Availability {
	t.Helper()
	a, err := f.svc.PublishAvailability(f.ctx, f.caller(specialist), PublishAvailabilityInput{Date: date, TimeSlots: ranges})
	require.NoError(t, err)
	return a
}

func (f *fixture) book(t *testing.T, patient User, availabilityID uuid.UUID, index int) *Appointment {
	t.Helper()
	appt, err := f.svc.BookAppointment(f.ctx, f.caller(patient), BookAppointmentInput{
		AvailabilityID: availabilityID,
		TimeSlotIndex:  index,
		Reason:         "checkup",
	})
	require.NoError(t, err)
	return appt
}

func slotRange(start, end string) SlotRange {
	return SlotRange{StartTime: start, EndTime: end}
}
