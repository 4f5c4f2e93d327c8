package appointment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRepository keeps each availability record as one document with an
// embedded slot array. Slot claims are conditional single-document updates.
type MongoRepository struct {
	users        *mongo.Collection
	availability *mongo.Collection
	appointments *mongo.Collection
	events       *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		users:        db.Collection("users"),
		availability: db.Collection("availabilities"),
		appointments: db.Collection("appointments"),
		events:       db.Collection("event_logs"),
	}
}

type userDoc struct {
	ID                 string    `bson:"_id"`
	FirstName          string    `bson:"firstName"`
	LastName           string    `bson:"lastName"`
	Email              string    `bson:"email"`
	Role               string    `bson:"role"`
	SpecialistCategory string    `bson:"specialistCategory,omitempty"`
	IsApproved         bool      `bson:"isApproved"`
	CreatedAt          time.Time `bson:"createdAt"`
	UpdatedAt          time.Time `bson:"updatedAt"`
}

type slotDoc struct {
	StartTime     string  `bson:"startTime"`
	EndTime       string  `bson:"endTime"`
	IsBooked      bool    `bson:"isBooked"`
	AppointmentID *string `bson:"appointmentId"`
}

type availabilityDoc struct {
	ID               string    `bson:"_id"`
	SpecialistID     string    `bson:"specialistId"`
	Date             time.Time `bson:"date"`
	TimeSlots        []slotDoc `bson:"timeSlots"`
	IsRecurring      bool      `bson:"isRecurring"`
	RecurringPattern string    `bson:"recurringPattern"`
	Version          int64     `bson:"version"`
	CreatedAt        time.Time `bson:"createdAt"`
	UpdatedAt        time.Time `bson:"updatedAt"`
}

type appointmentDoc struct {
	ID                 string    `bson:"_id"`
	PatientID          string    `bson:"patientId"`
	SpecialistID       string    `bson:"specialistId"`
	DateTime           time.Time `bson:"dateTime"`
	SpecialistCategory string    `bson:"specialistCategory"`
	Status             string    `bson:"status"`
	Reason             string    `bson:"reason"`
	Notes              string    `bson:"notes"`
	DurationMinutes    int       `bson:"durationMinutes"`
	AvailabilityID     string    `bson:"availabilitySlot"`
	CancellationReason string    `bson:"cancellationReason"`
	CancelledBy        string    `bson:"cancelledBy"`
	ReminderSent       bool      `bson:"reminderSent"`
	DayOfReminderSent  bool      `bson:"dayOfReminderSent"`
	CreatedAt          time.Time `bson:"createdAt"`
	UpdatedAt          time.Time `bson:"updatedAt"`
}

type eventDoc struct {
	EventType     string    `bson:"eventType"`
	AppointmentID *string   `bson:"appointmentId"`
	Payload       string    `bson:"payload"`
	CreatedAt     time.Time `bson:"createdAt"`
}

func parseID(s string) uuid.UUID {
	id, _ := uuid.Parse(s)
	return id
}

func (d userDoc) toUser() User {
	return User{
		ID:                 parseID(d.ID),
		FirstName:          d.FirstName,
		LastName:           d.LastName,
		Email:              d.Email,
		Role:               Role(d.Role),
		SpecialistCategory: d.SpecialistCategory,
		IsApproved:         d.IsApproved,
		CreatedAt:          d.CreatedAt.UTC(),
		UpdatedAt:          d.UpdatedAt.UTC(),
	}
}

func toSlotDocs(slots []Slot) []slotDoc {
	out := make([]slotDoc, len(slots))
	for i, s := range slots {
		out[i] = slotDoc{StartTime: s.StartTime, EndTime: s.EndTime, IsBooked: s.IsBooked}
		if s.AppointmentID != nil {
			id := s.AppointmentID.String()
			out[i].AppointmentID = &id
		}
	}
	return out
}

func (d availabilityDoc) toAvailability() Availability {
	a := Availability{
		ID:               parseID(d.ID),
		SpecialistID:     parseID(d.SpecialistID),
		Date:             d.Date.UTC(),
		TimeSlots:        make([]Slot, len(d.TimeSlots)),
		IsRecurring:      d.IsRecurring,
		RecurringPattern: RecurringPattern(d.RecurringPattern),
		Version:          d.Version,
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
	}
	for i, s := range d.TimeSlots {
		a.TimeSlots[i] = Slot{StartTime: s.StartTime, EndTime: s.EndTime, IsBooked: s.IsBooked}
		if s.AppointmentID != nil {
			id := parseID(*s.AppointmentID)
			a.TimeSlots[i].AppointmentID = &id
		}
	}
	return a
}

func toAppointmentDoc(a *Appointment) appointmentDoc {
	return appointmentDoc{
		ID:                 a.ID.String(),
		PatientID:          a.PatientID.String(),
		SpecialistID:       a.SpecialistID.String(),
		DateTime:           a.DateTime.UTC(),
		SpecialistCategory: a.SpecialistCategory,
		Status:             string(a.Status),
		Reason:             a.Reason,
		Notes:              a.Notes,
		DurationMinutes:    a.DurationMinutes,
		AvailabilityID:     a.AvailabilityID.String(),
		CancellationReason: a.CancellationReason,
		CancelledBy:        string(a.CancelledBy),
		ReminderSent:       a.ReminderSent,
		DayOfReminderSent:  a.DayOfReminderSent,
		CreatedAt:          a.CreatedAt.UTC(),
		UpdatedAt:          a.UpdatedAt.UTC(),
	}
}

func (d appointmentDoc) toAppointment() Appointment {
	return Appointment{
		ID:                 parseID(d.ID),
		PatientID:          parseID(d.PatientID),
		SpecialistID:       parseID(d.SpecialistID),
		DateTime:           d.DateTime.UTC(),
		SpecialistCategory: d.SpecialistCategory,
		Status:             AppointmentStatus(d.Status),
		Reason:             d.Reason,
		Notes:              d.Notes,
		DurationMinutes:    d.DurationMinutes,
		AvailabilityID:     parseID(d.AvailabilityID),
		CancellationReason: d.CancellationReason,
		CancelledBy:        CancelledBy(d.CancelledBy),
		ReminderSent:       d.ReminderSent,
		DayOfReminderSent:  d.DayOfReminderSent,
		CreatedAt:          d.CreatedAt.UTC(),
		UpdatedAt:          d.UpdatedAt.UTC(),
	}
}

func reminderField(kind ReminderKind) string {
	if kind == ReminderDayOf {
		return "dayOfReminderSent"
	}
	return "reminderSent"
}

func slotField(index int, field string) string {
	return fmt.Sprintf("timeSlots.%d.%s", index, field)
}

func decodeAvailabilities(ctx context.Context, cur *mongo.Cursor) ([]Availability, error) {
	var docs []availabilityDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Availability, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toAvailability())
	}
	return out, nil
}

func decodeAppointments(ctx context.Context, cur *mongo.Cursor) ([]Appointment, error) {
	var docs []appointmentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Appointment, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toAppointment())
	}
	return out, nil
}

// Users

func (r *MongoRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var d userDoc
	err := r.users.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&d)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u := d.toUser()
	return &u, nil
}

func (r *MongoRepository) ListApprovedSpecialists(ctx context.Context, specialty string) ([]User, error) {
	filter := bson.M{
		"role":       string(RoleSpecialist),
		"isApproved": true,
		"specialistCategory": primitive.Regex{
			Pattern: "^" + regexp.QuoteMeta(specialty) + "$",
			Options: "i",
		},
	}
	cur, err := r.users.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]User, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toUser())
	}
	return out, nil
}

func (r *MongoRepository) ListApprovedSpecialties(ctx context.Context) ([]string, error) {
	values, err := r.users.Distinct(ctx, "specialistCategory", bson.M{
		"role":               string(RoleSpecialist),
		"isApproved":         true,
		"specialistCategory": bson.M{"$nin": bson.A{"", nil}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *MongoRepository) UpsertUser(ctx context.Context, u User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	d := userDoc{
		ID:                 u.ID.String(),
		FirstName:          u.FirstName,
		LastName:           u.LastName,
		Email:              u.Email,
		Role:               string(u.Role),
		SpecialistCategory: u.SpecialistCategory,
		IsApproved:         u.IsApproved,
		CreatedAt:          u.CreatedAt.UTC(),
		UpdatedAt:          now,
	}
	_, err := r.users.ReplaceOne(ctx, bson.M{"_id": d.ID}, d, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// Availability

func (r *MongoRepository) GetAvailabilityByID(ctx context.Context, id uuid.UUID) (*Availability, error) {
	var d availabilityDoc
	err := r.availability.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&d)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrAvailabilityNotFound
		}
		return nil, err
	}
	a := d.toAvailability()
	return &a, nil
}

func (r *MongoRepository) GetAvailabilityForDay(ctx context.Context, specialistID uuid.UUID, day time.Time) (*Availability, error) {
	from, to := DayWindow(day)
	var d availabilityDoc
	err := r.availability.FindOne(ctx, bson.M{
		"specialistId": specialistID.String(),
		"date":         bson.M{"$gte": from, "$lte": to},
	}).Decode(&d)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrAvailabilityNotFound
		}
		return nil, err
	}
	a := d.toAvailability()
	return &a, nil
}

func (r *MongoRepository) ListAvailabilityBySpecialist(ctx context.Context, specialistID uuid.UUID, from, to time.Time) ([]Availability, error) {
	cur, err := r.availability.Find(ctx, bson.M{
		"specialistId": specialistID.String(),
		"date":         bson.M{"$gte": from, "$lte": to},
	}, options.Find().SetSort(bson.D{{Key: "date", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return decodeAvailabilities(ctx, cur)
}

func (r *MongoRepository) ListOpenAvailability(ctx context.Context, specialistIDs []uuid.UUID, from, to time.Time) ([]Availability, error) {
	if len(specialistIDs) == 0 {
		return nil, nil
	}
	cur, err := r.availability.Find(ctx, bson.M{
		"specialistId":       bson.M{"$in": uuidStrings(specialistIDs)},
		"date":               bson.M{"$gte": from, "$lte": to},
		"timeSlots.isBooked": false,
	}, options.Find().SetSort(bson.D{{Key: "date", Value: 1}, {Key: "specialistId", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return decodeAvailabilities(ctx, cur)
}

func (r *MongoRepository) CreateAvailability(ctx context.Context, a *Availability) (*Availability, error) {
	now := time.Now().UTC()
	id := a.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	d := availabilityDoc{
		ID:               id.String(),
		SpecialistID:     a.SpecialistID.String(),
		Date:             StartOfDay(a.Date),
		TimeSlots:        toSlotDocs(a.TimeSlots),
		IsRecurring:      a.IsRecurring,
		RecurringPattern: string(a.RecurringPattern),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if _, err := r.availability.InsertOne(ctx, d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrAvailabilityExists
		}
		return nil, fmt.Errorf("insert availability: %w", err)
	}
	created := d.toAvailability()
	return &created, nil
}

func (r *MongoRepository) UpdateAvailabilitySlots(ctx context.Context, a *Availability) (*Availability, error) {
	var d availabilityDoc
	err := r.availability.FindOneAndUpdate(ctx,
		bson.M{"_id": a.ID.String(), "version": a.Version},
		bson.M{
			"$set": bson.M{
				"timeSlots":        toSlotDocs(a.TimeSlots),
				"isRecurring":      a.IsRecurring,
				"recurringPattern": string(a.RecurringPattern),
				"updatedAt":        time.Now().UTC(),
			},
			"$inc": bson.M{"version": 1},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err == nil {
		updated := d.toAvailability()
		return &updated, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	n, err := r.availability.CountDocuments(ctx, bson.M{"_id": a.ID.String()})
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrVersionConflict
	}
	return nil, ErrAvailabilityNotFound
}

// Booking

// BookSlot claims the slot with a conditional update, then inserts the
// appointment. A failed insert releases the claim again.
func (r *MongoRepository) BookSlot(ctx context.Context, availabilityID uuid.UUID, index int, expected SlotKey, appt *Appointment) (*Appointment, error) {
	apptID := appt.ID.String()
	res, err := r.availability.UpdateOne(ctx,
		bson.M{
			"_id":                         availabilityID.String(),
			slotField(index, "isBooked"):  false,
			slotField(index, "startTime"): expected.Start,
			slotField(index, "endTime"):   expected.End,
		},
		bson.M{
			"$set": bson.M{
				slotField(index, "isBooked"):      true,
				slotField(index, "appointmentId"): apptID,
				"updatedAt":                       time.Now().UTC(),
			},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("claim slot: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, r.claimFailure(ctx, availabilityID, index, expected)
	}

	now := time.Now().UTC()
	stored := *appt
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if _, err := r.appointments.InsertOne(ctx, toAppointmentDoc(&stored)); err != nil {
		if relErr := r.ReleaseSlot(context.WithoutCancel(ctx), availabilityID, index, appt.ID); relErr != nil {
			return nil, fmt.Errorf("insert appointment: %w (release claim: %v)", err, relErr)
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return &stored, nil
}

func (r *MongoRepository) claimFailure(ctx context.Context, availabilityID uuid.UUID, index int, expected SlotKey) error {
	a, err := r.GetAvailabilityByID(ctx, availabilityID)
	if err != nil {
		return err
	}
	if index >= len(a.TimeSlots) {
		return ErrSlotNotFound
	}
	if a.TimeSlots[index].Key() != expected {
		return ErrSlotChanged
	}
	return ErrSlotAlreadyBooked
}

func (r *MongoRepository) ReleaseSlot(ctx context.Context, availabilityID uuid.UUID, index int, appointmentID uuid.UUID) error {
	res, err := r.availability.UpdateOne(ctx,
		bson.M{
			"_id":                             availabilityID.String(),
			slotField(index, "appointmentId"): appointmentID.String(),
		},
		bson.M{
			"$set": bson.M{
				slotField(index, "isBooked"):      false,
				slotField(index, "appointmentId"): nil,
				"updatedAt":                       time.Now().UTC(),
			},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// Appointments

func (r *MongoRepository) findAppointment(ctx context.Context, filter, update bson.M) (*Appointment, error) {
	var d appointmentDoc
	var err error
	if update == nil {
		err = r.appointments.FindOne(ctx, filter).Decode(&d)
	} else {
		err = r.appointments.FindOneAndUpdate(ctx, filter, update,
			options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&d)
	}
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	a := d.toAppointment()
	return &a, nil
}

func (r *MongoRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.findAppointment(ctx, bson.M{"_id": id.String()}, nil)
}

func (r *MongoRepository) ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error) {
	q := bson.M{"$or": bson.A{
		bson.M{"patientId": filter.UserID.String()},
		bson.M{"specialistId": filter.UserID.String()},
	}}
	if filter.Status != nil {
		q["status"] = string(*filter.Status)
	}
	if filter.From != nil {
		q["dateTime"] = bson.M{"$gte": filter.From.UTC()}
	}

	cur, err := r.appointments.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "dateTime", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return decodeAppointments(ctx, cur)
}

func (r *MongoRepository) CancelAppointment(ctx context.Context, id uuid.UUID, reason string, by CancelledBy) (*Appointment, error) {
	return r.findAppointment(ctx,
		bson.M{"_id": id.String(), "status": string(StatusScheduled)},
		bson.M{"$set": bson.M{
			"status":             string(StatusCancelled),
			"cancellationReason": reason,
			"cancelledBy":        string(by),
			"updatedAt":          time.Now().UTC(),
		}},
	)
}

func (r *MongoRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	return r.findAppointment(ctx,
		bson.M{"_id": id.String(), "status": string(from)},
		bson.M{"$set": bson.M{"status": string(to), "updatedAt": time.Now().UTC()}},
	)
}

// Reminders

func (r *MongoRepository) ListReminderCandidates(ctx context.Context, kind ReminderKind, from, to time.Time) ([]Appointment, error) {
	cur, err := r.appointments.Find(ctx, bson.M{
		"status":            string(StatusScheduled),
		"dateTime":          bson.M{"$gte": from, "$lt": to},
		reminderField(kind): false,
	}, options.Find().SetSort(bson.D{{Key: "dateTime", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return decodeAppointments(ctx, cur)
}

func (r *MongoRepository) ClaimReminder(ctx context.Context, id uuid.UUID, kind ReminderKind) (bool, error) {
	field := reminderField(kind)
	res, err := r.appointments.UpdateOne(ctx,
		bson.M{"_id": id.String(), field: false},
		bson.M{"$set": bson.M{field: true, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return false, fmt.Errorf("claim reminder: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

// Events

func (r *MongoRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	d := eventDoc{
		EventType: ev.EventType,
		Payload:   string(ev.Payload),
		CreatedAt: ev.CreatedAt.UTC(),
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if ev.AppointmentID != nil {
		id := ev.AppointmentID.String()
		d.AppointmentID = &id
	}
	if _, err := r.events.InsertOne(ctx, d); err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}
