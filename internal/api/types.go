package api

import (
	"github.com/hackgods/telehealth-booking/internal/appointment"
)

// Response is the envelope every endpoint writes.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Meta    any    `json:"meta,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type PublishAvailabilityRequest struct {
	Date             string                  `json:"date"`
	TimeSlots        []appointment.SlotRange `json:"timeSlots"`
	IsRecurring      bool                    `json:"isRecurring"`
	RecurringPattern string                  `json:"recurringPattern"`
}

type BookAppointmentRequest struct {
	AvailabilityID string `json:"availabilityId"`
	TimeSlotIndex  *int   `json:"timeSlotIndex"`
	Reason         string `json:"reason"`
}

type CancelAppointmentRequest struct {
	AppointmentID      string `json:"appointmentId"`
	CancellationReason string `json:"cancellationReason"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// SlotSearchMeta carries availableSpecialties, possibly empty, only when no
// approved specialist matched the requested specialty.
type SlotSearchMeta struct {
	Specialty   string    `json:"specialty"`
	Date        string    `json:"date"`
	Count       int       `json:"count"`
	Specialties *[]string `json:"availableSpecialties,omitempty"`
}

type DateSearchMeta struct {
	Specialty   string    `json:"specialty"`
	StartDate   string    `json:"startDate"`
	EndDate     string    `json:"endDate"`
	Count       int       `json:"count"`
	Specialties *[]string `json:"availableSpecialties,omitempty"`
}

// specialtiesHint keeps a nil list out of the meta and an empty one in it.
func specialtiesHint(specialties []string) *[]string {
	if specialties == nil {
		return nil
	}
	return &specialties
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}
