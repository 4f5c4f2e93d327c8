package appointment

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type ReminderReport struct {
	DayBefore int
	DayOf     int
}

// SendDueReminders sends the day-before reminder for appointments on the
// next UTC day and the day-of reminder for appointments starting within the
// hour. Each appointment is claimed before it is dispatched, so several
// workers can run at once without sending twice.
func (s *Service) SendDueReminders(ctx context.Context) (ReminderReport, error) {
	var report ReminderReport
	now := s.now().UTC()

	tomorrowFrom := StartOfDay(now).Add(24 * time.Hour)
	n, err := s.sendReminders(ctx, ReminderDayBefore, tomorrowFrom, tomorrowFrom.Add(24*time.Hour))
	report.DayBefore = n
	if err != nil {
		return report, err
	}

	n, err = s.sendReminders(ctx, ReminderDayOf, now, now.Add(time.Hour))
	report.DayOf = n
	return report, err
}

func (s *Service) sendReminders(ctx context.Context, kind ReminderKind, from, to time.Time) (int, error) {
	candidates, err := s.repo.ListReminderCandidates(ctx, kind, from, to)
	if err != nil {
		return 0, fmt.Errorf("list %s reminder candidates: %w", kind, err)
	}

	event := NotifyReminder
	if kind == ReminderDayOf {
		event = NotifyDayOf
	}

	sent := 0
	for _, appt := range candidates {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		claimed, err := s.repo.ClaimReminder(ctx, appt.ID, kind)
		if err != nil {
			s.logger.Warn("failed to claim reminder",
				zap.String("appointment_id", appt.ID.String()),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
			continue
		}
		if !claimed {
			continue
		}

		s.dispatcher.Dispatch(ctx, appt, event)
		s.logEvent(ctx, appt.ID, EventReminderSent, map[string]any{"kind": string(kind)})
		sent++
	}
	return sent, nil
}
