package appointment

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// SearchAvailableSlots lists the free slots that approved specialists of a
// specialty offer on one UTC day. When no approved specialist matches, the
// result is empty and carries the specialties that do have one.
func (s *Service) SearchAvailableSlots(ctx context.Context, specialty, date string) (*SlotSearchResult, error) {
	specialty = strings.TrimSpace(specialty)
	if specialty == "" {
		return nil, validationError("specialty is required")
	}
	day, err := ParseDay(date)
	if err != nil {
		return nil, err
	}

	specialists, err := s.repo.ListApprovedSpecialists(ctx, specialty)
	if err != nil {
		return nil, fmt.Errorf("list specialists: %w", err)
	}
	if len(specialists) == 0 {
		return s.emptySlotResult(ctx)
	}

	byID, ids := indexSpecialists(specialists)
	from, to := DayWindow(day)

	records, err := s.repo.ListOpenAvailability(ctx, ids, from, to)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}

	out := make([]OpenAvailability, 0, len(records))
	for _, a := range records {
		free := make([]IndexedSlot, 0, len(a.TimeSlots))
		for i, slot := range a.TimeSlots {
			if !slot.IsBooked {
				free = append(free, IndexedSlot{Index: i, Slot: slot})
			}
		}
		if len(free) == 0 {
			continue
		}
		out = append(out, OpenAvailability{
			ID:             a.ID,
			Specialist:     byID[a.SpecialistID],
			Date:           a.Date,
			TimeSlots:      free,
			TotalSlots:     len(a.TimeSlots),
			AvailableSlots: len(free),
			BookedSlots:    len(a.TimeSlots) - len(free),
		})
	}

	return &SlotSearchResult{Availabilities: out}, nil
}

func (s *Service) emptySlotResult(ctx context.Context) (*SlotSearchResult, error) {
	specialties, err := s.ListSpecialties(ctx)
	if err != nil {
		return nil, err
	}
	return &SlotSearchResult{Availabilities: []OpenAvailability{}, Specialties: specialties}, nil
}

// SearchAvailableDates aggregates free slots per UTC day over a date range.
// Missing bounds default to today and today plus the booking window.
func (s *Service) SearchAvailableDates(ctx context.Context, specialty, startDate, endDate string) (*DateSearchResult, error) {
	specialty = strings.TrimSpace(specialty)
	if specialty == "" {
		return nil, validationError("specialty is required")
	}

	from := StartOfDay(s.now())
	if strings.TrimSpace(startDate) != "" {
		d, err := ParseDay(startDate)
		if err != nil {
			return nil, err
		}
		from = d
	}
	_, to := DayWindow(from.Add(s.bookingWindow))
	if strings.TrimSpace(endDate) != "" {
		d, err := ParseDay(endDate)
		if err != nil {
			return nil, err
		}
		_, to = DayWindow(d)
	}
	if to.Before(from) {
		return nil, validationError("endDate must not be before startDate")
	}

	result := &DateSearchResult{Dates: []AvailableDate{}, From: from, To: to}

	specialists, err := s.repo.ListApprovedSpecialists(ctx, specialty)
	if err != nil {
		return nil, fmt.Errorf("list specialists: %w", err)
	}
	if len(specialists) == 0 {
		specialties, err := s.ListSpecialties(ctx)
		if err != nil {
			return nil, err
		}
		result.Specialties = specialties
		return result, nil
	}

	byID, ids := indexSpecialists(specialists)
	records, err := s.repo.ListOpenAvailability(ctx, ids, from, to)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}

	type dayAgg struct {
		free    int
		doctors map[uuid.UUID]int
	}
	days := make(map[string]*dayAgg)
	for _, a := range records {
		free := a.FreeCount()
		if free == 0 {
			continue
		}
		key := StartOfDay(a.Date).Format(DayLayout)
		agg, ok := days[key]
		if !ok {
			agg = &dayAgg{doctors: make(map[uuid.UUID]int)}
			days[key] = agg
		}
		agg.free += free
		agg.doctors[a.SpecialistID] += free
	}

	for key, agg := range days {
		d := AvailableDate{Date: key, AvailableSlots: agg.free, Doctors: make([]DoctorAvailability, 0, len(agg.doctors))}
		for id, n := range agg.doctors {
			d.Doctors = append(d.Doctors, DoctorAvailability{ID: id, Name: byID[id].Name, AvailableSlots: n})
		}
		sort.Slice(d.Doctors, func(i, j int) bool {
			if d.Doctors[i].Name != d.Doctors[j].Name {
				return d.Doctors[i].Name < d.Doctors[j].Name
			}
			return d.Doctors[i].ID.String() < d.Doctors[j].ID.String()
		})
		result.Dates = append(result.Dates, d)
	}
	sort.Slice(result.Dates, func(i, j int) bool { return result.Dates[i].Date < result.Dates[j].Date })

	return result, nil
}

func indexSpecialists(list []User) (map[uuid.UUID]SpecialistSummary, []uuid.UUID) {
	byID := make(map[uuid.UUID]SpecialistSummary, len(list))
	ids := make([]uuid.UUID, 0, len(list))
	for _, u := range list {
		byID[u.ID] = SpecialistSummary{ID: u.ID, Name: u.FullName(), SpecialistCategory: u.SpecialistCategory}
		ids = append(ids, u.ID)
	}
	return byID, ids
}
