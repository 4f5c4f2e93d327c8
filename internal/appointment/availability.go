package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	redisclient "github.com/hackgods/telehealth-booking/internal/redis"
)

const publishAttempts = 3

type SlotRange struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

type PublishAvailabilityInput struct {
	Date             string
	TimeSlots        []SlotRange
	IsRecurring      bool
	RecurringPattern RecurringPattern
}

// PublishAvailability creates the caller's availability for one day, or
// merges the requested slots into the existing record. Booked slots always
// survive a merge.
func (s *Service) PublishAvailability(ctx context.Context, caller Caller, in PublishAvailabilityInput) (*Availability, error) {
	if err := s.requireApprovedSpecialist(ctx, caller); err != nil {
		return nil, err
	}

	day, err := ParseDay(in.Date)
	if err != nil {
		return nil, err
	}
	if day.Before(StartOfDay(s.now())) {
		return nil, validationError("cannot set availability for past dates")
	}

	requested, err := normalizeSlots(in.TimeSlots)
	if err != nil {
		return nil, err
	}

	pattern := RecurringPattern(strings.ToLower(strings.TrimSpace(string(in.RecurringPattern))))
	if !pattern.Valid() {
		return nil, validationError("invalid recurringPattern %q", in.RecurringPattern)
	}
	if !in.IsRecurring {
		pattern = RecurringNone
	}

	var saved *Availability
	lockKey := fmt.Sprintf("availability:%s:%s", caller.ID, day.Format(DayLayout))
	err = s.locker.WithLock(ctx, lockKey, func(lockCtx context.Context) error {
		for attempt := 1; attempt <= publishAttempts; attempt++ {
			a, err := s.saveAvailability(lockCtx, caller, day, requested, in.IsRecurring, pattern)
			if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrAvailabilityExists) {
				s.logger.Debug("availability publish raced, retrying",
					zap.String("specialist_id", caller.ID.String()),
					zap.Int("attempt", attempt),
				)
				continue
			}
			if err != nil {
				return err
			}
			saved = a
			return nil
		}
		return ErrVersionConflict
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrAvailabilityBusy
		}
		var appErr *Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, fmt.Errorf("publish availability: %w", err)
	}

	s.logEvent(ctx, uuid.Nil, EventAvailabilityPublished, map[string]any{
		"availability_id": saved.ID.String(),
		"specialist_id":   caller.ID.String(),
		"date":            day.Format(DayLayout),
		"slots":           len(saved.TimeSlots),
	})
	s.logger.Info("availability published",
		zap.String("availability_id", saved.ID.String()),
		zap.String("date", day.Format(DayLayout)),
		zap.Int("slots", len(saved.TimeSlots)),
	)

	return saved, nil
}

func (s *Service) saveAvailability(ctx context.Context, caller Caller, day time.Time, requested []Slot, recurring bool, pattern RecurringPattern) (*Availability, error) {
	existing, err := s.repo.GetAvailabilityForDay(ctx, caller.ID, day)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load availability: %w", err)
	}

	if existing == nil {
		return s.repo.CreateAvailability(ctx, &Availability{
			SpecialistID:     caller.ID,
			Date:             day,
			TimeSlots:        MergeSlots(nil, requested),
			IsRecurring:      recurring,
			RecurringPattern: pattern,
		})
	}

	next := existing.Clone()
	next.TimeSlots = MergeSlots(existing.TimeSlots, requested)
	next.IsRecurring = recurring
	next.RecurringPattern = pattern
	return s.repo.UpdateAvailabilitySlots(ctx, next)
}

// MergeSlots builds the slot list that replaces existing when requested is
// republished. A requested slot whose range matches a booked existing slot
// keeps the booked slot. Booked slots that are not requested again are kept
// too; free ones are dropped. The result is ordered by start, then end.
func MergeSlots(existing, requested []Slot) []Slot {
	byKey := make(map[SlotKey]Slot, len(existing))
	for _, e := range existing {
		byKey[e.Key()] = e
	}

	out := make([]Slot, 0, len(requested))
	seen := make(map[SlotKey]struct{}, len(requested))
	for _, r := range requested {
		k := r.Key()
		seen[k] = struct{}{}
		if e, ok := byKey[k]; ok && e.IsBooked {
			out = append(out, e)
			continue
		}
		out = append(out, Slot{StartTime: r.StartTime, EndTime: r.EndTime})
	}

	for _, e := range existing {
		if _, ok := seen[e.Key()]; ok || !e.IsBooked {
			continue
		}
		seen[e.Key()] = struct{}{}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].EndTime < out[j].EndTime
	})
	return out
}

func normalizeSlots(ranges []SlotRange) ([]Slot, error) {
	if len(ranges) == 0 {
		return nil, validationError("at least one time slot is required")
	}

	out := make([]Slot, 0, len(ranges))
	seen := make(map[SlotKey]struct{}, len(ranges))
	for i, r := range ranges {
		start, err := ParseClock(r.StartTime)
		if err != nil {
			return nil, validationError("timeSlots[%d]: invalid startTime %q", i, r.StartTime)
		}
		end, err := ParseClock(r.EndTime)
		if err != nil {
			return nil, validationError("timeSlots[%d]: invalid endTime %q", i, r.EndTime)
		}
		if start >= end {
			return nil, validationError("timeSlots[%d]: startTime must be before endTime", i)
		}
		slot := Slot{StartTime: start, EndTime: end}
		if _, dup := seen[slot.Key()]; dup {
			return nil, validationError("timeSlots[%d]: duplicate slot %s-%s", i, start, end)
		}
		seen[slot.Key()] = struct{}{}
		out = append(out, slot)
	}
	return out, nil
}

// GetAvailability returns the caller's own record for one day.
func (s *Service) GetAvailability(ctx context.Context, caller Caller, date string) (*Availability, error) {
	if caller.Role != RoleSpecialist {
		return nil, ErrRoleNotAllowed
	}
	day, err := ParseDay(date)
	if err != nil {
		return nil, err
	}
	a, err := s.repo.GetAvailabilityForDay(ctx, caller.ID, day)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrAvailabilityNotFound
		}
		return nil, fmt.Errorf("get availability: %w", err)
	}
	return a, nil
}

// ListAvailability returns the caller's own records dated within
// [startDate, endDate], both days inclusive.
func (s *Service) ListAvailability(ctx context.Context, caller Caller, startDate, endDate string) ([]Availability, error) {
	if caller.Role != RoleSpecialist {
		return nil, ErrRoleNotAllowed
	}
	from, err := ParseDay(startDate)
	if err != nil {
		return nil, err
	}
	toDay, err := ParseDay(endDate)
	if err != nil {
		return nil, err
	}
	if toDay.Before(from) {
		return nil, validationError("endDate must not be before startDate")
	}
	_, to := DayWindow(toDay)

	list, err := s.repo.ListAvailabilityBySpecialist(ctx, caller.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	if list == nil {
		list = []Availability{}
	}
	return list, nil
}

func (s *Service) requireApprovedSpecialist(ctx context.Context, caller Caller) error {
	if caller.Role != RoleSpecialist {
		return ErrRoleNotAllowed
	}
	u, err := s.repo.GetUserByID(ctx, caller.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrSpecialistNotFound
		}
		return fmt.Errorf("load specialist: %w", err)
	}
	if u.Role != RoleSpecialist {
		return ErrRoleNotAllowed
	}
	if !u.IsApproved {
		return ErrSpecialistNotApproved
	}
	return nil
}
