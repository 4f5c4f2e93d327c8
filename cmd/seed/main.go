package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/app"
	"github.com/hackgods/telehealth-booking/internal/appointment"
	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/logger"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config load error", zap.Error(err))
	}

	log := logger.New(cfg.Env)
	defer func() { _ = log.Sync() }()

	if cfg.StoreDriver == config.DriverMemory {
		log.Fatal("seed needs a persistent store, set STORE_DRIVER to postgres or mongo")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	c, err := app.NewContainer(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer c.Close()

	gofakeit.Seed(time.Now().UnixNano())

	specialists, err := seedUsers(ctx, c, appointment.RoleSpecialist, getInt("SEED_SPECIALISTS", 20))
	if err != nil {
		log.Fatal("seed specialists", zap.Error(err))
	}
	patients, err := seedUsers(ctx, c, appointment.RolePatient, getInt("SEED_PATIENTS", 200))
	if err != nil {
		log.Fatal("seed patients", zap.Error(err))
	}

	days := getInt("SEED_DAYS", 14)
	published, err := seedAvailability(ctx, c, specialists, days)
	if err != nil {
		log.Fatal("seed availability", zap.Error(err))
	}

	log.Info("seed complete",
		zap.Int("specialists", len(specialists)),
		zap.Int("patients", len(patients)),
		zap.Int("availabilities", published),
	)

	printTokens(c, specialists[0], patients[0])
}

func seedUsers(ctx context.Context, c *app.Container, role appointment.Role, count int) ([]appointment.User, error) {
	if count < 1 {
		count = 1
	}
	c.Logger.Info("seeding users", zap.String("role", string(role)), zap.Int("count", count))

	users := make([]appointment.User, 0, count)
	for i := 0; i < count; i++ {
		first, last := gofakeit.FirstName(), gofakeit.LastName()
		u := appointment.User{
			ID:        uuid.New(),
			FirstName: first,
			LastName:  last,
			Email:     fmt.Sprintf("%s.%s.%d@telehealth.test", strings.ToLower(first), strings.ToLower(last), i),
			Role:      role,
		}
		if role == appointment.RoleSpecialist {
			u.SpecialistCategory = specialties[gofakeit.Number(0, len(specialties)-1)]
			// roughly one in ten stays unapproved
			u.IsApproved = gofakeit.Number(1, 10) > 1
		}
		if err := c.Users.UpsertUser(ctx, u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func seedAvailability(ctx context.Context, c *app.Container, specialists []appointment.User, days int) (int, error) {
	today := appointment.StartOfDay(time.Now())
	published := 0

	for _, s := range specialists {
		if !s.IsApproved {
			continue
		}
		caller := appointment.Caller{ID: s.ID, Role: s.Role}

		for d := 1; d <= days; d++ {
			day := today.AddDate(0, 0, d)
			if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
				continue
			}

			_, err := c.Service.PublishAvailability(ctx, caller, appointment.PublishAvailabilityInput{
				Date:      day.Format(appointment.DayLayout),
				TimeSlots: daySlots(gofakeit.Number(8, 10), gofakeit.Number(4, 8)),
			})
			if err != nil {
				return published, fmt.Errorf("publish %s for %s: %w", day.Format(appointment.DayLayout), s.ID, err)
			}
			published++
		}
	}
	return published, nil
}

// daySlots returns count consecutive 30 minute slots starting at startHour.
func daySlots(startHour, count int) []appointment.SlotRange {
	start := time.Date(2000, time.January, 1, startHour, 0, 0, 0, time.UTC)
	out := make([]appointment.SlotRange, 0, count)
	for i := 0; i < count; i++ {
		end := start.Add(30 * time.Minute)
		out = append(out, appointment.SlotRange{StartTime: start.Format("15:04"), EndTime: end.Format("15:04")})
		start = end
	}
	return out
}

func printTokens(c *app.Container, specialist, patient appointment.User) {
	for _, u := range []appointment.User{specialist, patient} {
		token, err := c.Authenticator.IssueToken(u.ID, string(u.Role), 24*time.Hour)
		if err != nil {
			c.Logger.Error("issue token", zap.Error(err))
			continue
		}
		fmt.Printf("%-10s %s %s\n  %s\n", u.Role, u.ID, u.FullName(), token)
	}
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
