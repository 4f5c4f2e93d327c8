package appointment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type NotificationEvent string

const (
	NotifyScheduled NotificationEvent = "scheduled"
	NotifyCancelled NotificationEvent = "cancelled"
	NotifyReminder  NotificationEvent = "reminder"
	NotifyDayOf     NotificationEvent = "dayOf"
)

// Notification is one in-app message for one user.
type Notification struct {
	ID        uuid.UUID         `json:"id"`
	UserID    uuid.UUID         `json:"userId"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Type      string            `json:"type"`
	Event     NotificationEvent `json:"event"`
	RelatedID uuid.UUID         `json:"relatedId"`
	IsRead    bool              `json:"isRead"`
	CreatedAt time.Time         `json:"createdAt"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type Mailer interface {
	SendAppointmentConfirmation(ctx context.Context, appt Appointment, to User) error
	SendAppointmentCancellation(ctx context.Context, appt Appointment, to User) error
	SendAppointmentReminder(ctx context.Context, appt Appointment, to User) error
	SendAppointmentDayReminder(ctx context.Context, appt Appointment, to User) error
}

// UserLookup is the part of Repository the dispatcher needs.
type UserLookup interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
}

// Dispatcher sends in-app notifications and emails to both parties of an
// appointment in the background. Failures are logged and never returned.
type Dispatcher struct {
	users    UserLookup
	notifier Notifier
	mailer   Mailer
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

func NewDispatcher(users UserLookup, notifier Notifier, mailer Mailer, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		users:    users,
		notifier: notifier,
		mailer:   mailer,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch returns immediately. The send outlives ctx's cancellation but not
// the dispatcher timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, appt Appointment, event NotificationEvent) {
	if d == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		d.send(sendCtx, appt, event)
	}()
}

// Wait blocks until every in-flight dispatch has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, appt Appointment, event NotificationEvent) {
	for _, id := range []uuid.UUID{appt.PatientID, appt.SpecialistID} {
		log := d.logger.With(
			zap.String("appointment_id", appt.ID.String()),
			zap.String("user_id", id.String()),
			zap.String("event", string(event)),
		)

		user, err := d.users.GetUserByID(ctx, id)
		if err != nil {
			log.Warn("notification recipient lookup failed", zap.Error(err))
			continue
		}

		if d.notifier != nil {
			title, message := notificationText(appt, event)
			n := Notification{
				ID:        uuid.New(),
				UserID:    user.ID,
				Title:     title,
				Message:   message,
				Type:      "appointment",
				Event:     event,
				RelatedID: appt.ID,
				CreatedAt: d.now().UTC(),
			}
			if err := d.notifier.Notify(ctx, n); err != nil {
				log.Warn("in-app notification failed", zap.Error(err))
			}
		}

		if d.mailer != nil {
			if err := d.mail(ctx, appt, *user, event); err != nil {
				log.Warn("email failed", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) mail(ctx context.Context, appt Appointment, to User, event NotificationEvent) error {
	switch event {
	case NotifyScheduled:
		return d.mailer.SendAppointmentConfirmation(ctx, appt, to)
	case NotifyCancelled:
		return d.mailer.SendAppointmentCancellation(ctx, appt, to)
	case NotifyReminder:
		return d.mailer.SendAppointmentReminder(ctx, appt, to)
	case NotifyDayOf:
		return d.mailer.SendAppointmentDayReminder(ctx, appt, to)
	}
	return fmt.Errorf("unknown notification event %q", event)
}

func notificationText(appt Appointment, event NotificationEvent) (string, string) {
	when := appt.DateTime.UTC()
	switch event {
	case NotifyScheduled:
		return "New Appointment Scheduled",
			fmt.Sprintf("Your appointment with %s has been scheduled for %s", appt.SpecialistCategory, when.Format("Jan 2, 2006 15:04 MST"))
	case NotifyReminder:
		return "Appointment Reminder",
			fmt.Sprintf("Reminder: You have an appointment with %s on %s", appt.SpecialistCategory, when.Format("Jan 2, 2006 15:04 MST"))
	case NotifyDayOf:
		return "Today's Appointment",
			fmt.Sprintf("You have an appointment with %s today at %s", appt.SpecialistCategory, when.Format("15:04 MST"))
	case NotifyCancelled:
		return "Appointment Cancelled",
			fmt.Sprintf("Your appointment with %s has been cancelled", appt.SpecialistCategory)
	}
	return "Appointment Update", fmt.Sprintf("Your appointment with %s was updated", appt.SpecialistCategory)
}
