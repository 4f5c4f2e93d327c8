package notify

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/appointment"
)

type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

func newBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *gobreaker.CircuitBreaker[any] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func run(cb *gobreaker.CircuitBreaker[any], fn func() error) error {
	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// BreakerNotifier fails fast with gobreaker.ErrOpenState while the wrapped
// notifier keeps failing.
type BreakerNotifier struct {
	next appointment.Notifier
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreakerNotifier(next appointment.Notifier, cfg BreakerConfig, logger *zap.Logger) *BreakerNotifier {
	return &BreakerNotifier{next: next, cb: newBreaker("notifier", cfg, logger)}
}

func (b *BreakerNotifier) Notify(ctx context.Context, n appointment.Notification) error {
	return run(b.cb, func() error { return b.next.Notify(ctx, n) })
}

type BreakerMailer struct {
	next appointment.Mailer
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreakerMailer(next appointment.Mailer, cfg BreakerConfig, logger *zap.Logger) *BreakerMailer {
	return &BreakerMailer{next: next, cb: newBreaker("mailer", cfg, logger)}
}

func (b *BreakerMailer) SendAppointmentConfirmation(ctx context.Context, appt appointment.Appointment, to appointment.User) error {
	return run(b.cb, func() error { return b.next.SendAppointmentConfirmation(ctx, appt, to) })
}

func (b *BreakerMailer) SendAppointmentCancellation(ctx context.Context, appt appointment.Appointment, to appointment.User) error {
	return run(b.cb, func() error { return b.next.SendAppointmentCancellation(ctx, appt, to) })
}

func (b *BreakerMailer) SendAppointmentReminder(ctx context.Context, appt appointment.Appointment, to appointment.User) error {
	return run(b.cb, func() error { return b.next.SendAppointmentReminder(ctx, appt, to) })
}

func (b *BreakerMailer) SendAppointmentDayReminder(ctx context.Context, appt appointment.Appointment, to appointment.User) error {
	return run(b.cb, func() error { return b.next.SendAppointmentDayReminder(ctx, appt, to) })
}
