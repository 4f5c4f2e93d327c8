package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/appointment"
	"github.com/hackgods/telehealth-booking/internal/notify"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	svc      *appointment.Service
	inbox    notify.Inbox
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler builds the HTTP handlers. allowedOrigins lists the browser
// origins, besides the API's own host, that may open the notification stream.
func NewHandler(svc *appointment.Service, inbox notify.Inbox, allowedOrigins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, inbox: inbox, upgrader: newUpgrader(allowedOrigins), logger: logger}
}

func (h *Handler) PublishAvailability(w http.ResponseWriter, r *http.Request) {
	var req PublishAvailabilityRequest
	if !h.decode(w, r, &req) {
		return
	}

	caller, _ := callerFrom(r)
	a, err := h.svc.PublishAvailability(r.Context(), caller, appointment.PublishAvailabilityInput{
		Date:             req.Date,
		TimeSlots:        req.TimeSlots,
		IsRecurring:      req.IsRecurring,
		RecurringPattern: appointment.RecurringPattern(req.RecurringPattern),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, a, "Availability set successfully")
}

func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	a, err := h.svc.GetAvailability(r.Context(), caller, r.URL.Query().Get("date"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, a, "")
}

func (h *Handler) ListAvailability(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	q := r.URL.Query()
	list, err := h.svc.ListAvailability(r.Context(), caller, q.Get("startDate"), q.Get("endDate"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, list, "")
}

func (h *Handler) SearchAvailableSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	specialty, date := q.Get("specialty"), q.Get("date")

	res, err := h.svc.SearchAvailableSlots(r.Context(), specialty, date)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	meta := SlotSearchMeta{
		Specialty:   specialty,
		Date:        date,
		Count:       len(res.Availabilities),
		Specialties: specialtiesHint(res.Specialties),
	}
	message := ""
	if res.Specialties != nil {
		message = "No approved specialists found for this specialty"
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: res.Availabilities, Meta: meta, Message: message})
}

func (h *Handler) SearchAvailableDates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	specialty := q.Get("specialty")

	res, err := h.svc.SearchAvailableDates(r.Context(), specialty, q.Get("startDate"), q.Get("endDate"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	meta := DateSearchMeta{
		Specialty:   specialty,
		StartDate:   res.From.Format(appointment.DayLayout),
		EndDate:     res.To.Format(appointment.DayLayout),
		Count:       len(res.Dates),
		Specialties: specialtiesHint(res.Specialties),
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: res.Dates, Meta: meta})
}

func (h *Handler) ListSpecialties(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListSpecialties(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, list, "")
}

func (h *Handler) BookAppointment(w http.ResponseWriter, r *http.Request) {
	var req BookAppointmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	availabilityID, err := uuid.Parse(strings.TrimSpace(req.AvailabilityID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_availability_id", "availabilityId must be a valid UUID")
		return
	}
	if req.TimeSlotIndex == nil {
		writeError(w, http.StatusBadRequest, "validation_error", "timeSlotIndex is required")
		return
	}

	caller, _ := callerFrom(r)
	appt, err := h.svc.BookAppointment(r.Context(), caller, appointment.BookAppointmentInput{
		AvailabilityID: availabilityID,
		TimeSlotIndex:  *req.TimeSlotIndex,
		Reason:         req.Reason,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, appt, "Appointment booked successfully")
}

func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	var req CancelAppointmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := uuid.Parse(strings.TrimSpace(req.AppointmentID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointmentId must be a valid UUID")
		return
	}

	caller, _ := callerFrom(r)
	appt, err := h.svc.CancelAppointment(r.Context(), caller, appointment.CancelAppointmentInput{
		AppointmentID: id,
		Reason:        req.CancellationReason,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, appt, "Appointment cancelled successfully")
}

func (h *Handler) ListMyAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := appointment.ListAppointmentsInput{}
	if s := q.Get("status"); s != "" {
		st := appointment.AppointmentStatus(s)
		in.Status = &st
	}
	if u := q.Get("upcoming"); u != "" {
		upcoming, err := strconv.ParseBool(u)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "upcoming must be true or false")
			return
		}
		in.Upcoming = upcoming
	}

	caller, _ := callerFrom(r)
	list, err := h.svc.ListMyAppointments(r.Context(), caller, in)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, list, "")
}

func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentIDParam(w, r)
	if !ok {
		return
	}

	caller, _ := callerFrom(r)
	appt, err := h.svc.GetAppointment(r.Context(), caller, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, appt, "")
}

func (h *Handler) UpdateAppointmentStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentIDParam(w, r)
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	caller, _ := callerFrom(r)
	appt, err := h.svc.UpdateAppointmentStatus(r.Context(), caller, id, appointment.AppointmentStatus(req.Status))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, appt, "Appointment status updated")
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	caller, _ := callerFrom(r)
	list, err := h.inbox.Recent(r.Context(), caller.ID, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, list, "")
}

func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_notification_id", "id must be a valid UUID")
		return
	}

	caller, _ := callerFrom(r)
	n, err := h.inbox.MarkRead(r.Context(), caller.ID, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, n, "")
}

func appointmentIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

// handleError maps service error kinds to HTTP responses. Anything that is
// not a known kind is logged and answered with a generic message.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, appointment.ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, appointment.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, appointment.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, appointment.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.String("request_id", GetRequestID(r.Context())),
		)
		writeError(w, status, code, "internal server error")
		return
	}

	message := err.Error()
	var appErr *appointment.Error
	if errors.As(err, &appErr) {
		message = appErr.Msg
	}
	writeError(w, status, code, message)
}

func writeSuccess(w http.ResponseWriter, status int, data any, message string) {
	writeJSON(w, status, Response{Success: true, Data: data, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Response{
		Success: false,
		Error:   code,
		Message: message,
	})
}
