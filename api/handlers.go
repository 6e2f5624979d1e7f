/*
handlers.go - HTTP API handlers for the appointment scheduling engine

PURPOSE:
  Exposes the scheduling engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Availability:
    GET    /api/resources/{id}/availability  Bookable slots in a window
    POST   /api/resources/{id}/check         Fail-fast conflict check
    GET    /api/resources/{id}/changes       Change feed since a cursor

  Appointments:
    POST   /api/appointments                 Book a slot
    GET    /api/appointments/{id}            Get appointment
    POST   /api/appointments/{id}/move       Reschedule
    POST   /api/appointments/{id}/confirm    Pending -> confirmed
    POST   /api/appointments/{id}/cancel     Cancel (terminal)

  Catalog:
    GET    /api/services                     List services
    POST   /api/services                     Define a service

  Admin:
    POST   /api/admin/working-hours          Set a recurring rule
    POST   /api/admin/blackouts              Register a blackout

ACTOR ATTRIBUTION:
  The acting party travels in the X-Actor-ID and X-Actor-Role headers.
  Missing headers fall back to an anonymous client actor; every change
  record still carries whoever the request claimed to be.

ERROR HANDLING:
  Engine errors are mapped to JSON with appropriate HTTP status:
  - 400: Validation errors, invalid ranges
  - 404: Appointment or service not found
  - 409: Slot conflicts, cancelled appointments, duplicate idempotency keys
  - 412: Stale expected version
  - 500: Internal errors
  Slot conflicts additionally carry the full conflict report so clients
  can show WHY a booking failed.

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/schedule-engine/engine"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// AdminStore is the write surface for calendar facts and the service
// catalog. All three stores (memory, sqlite, postgres) implement it.
type AdminStore interface {
	SaveWorkingHoursRule(ctx context.Context, rule engine.WorkingHoursRule) error
	SaveBlackoutPeriod(ctx context.Context, b engine.BlackoutPeriod) error
	SaveService(ctx context.Context, svc engine.ServiceDefinition) error
	GetService(ctx context.Context, id string) (*engine.ServiceDefinition, error)
	ListServices(ctx context.Context) ([]engine.ServiceDefinition, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Coordinator *engine.Coordinator
	Admin       AdminStore
	Log         *zap.Logger
}

// NewHandler creates a new handler over the coordinator and admin store.
func NewHandler(coord *engine.Coordinator, admin AdminStore, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Coordinator: coord, Admin: admin, Log: log}
}

// actorFrom extracts the acting party from request headers.
func actorFrom(r *http.Request) engine.Actor {
	actor := engine.Actor{
		ID:   engine.ActorID(r.Header.Get("X-Actor-ID")),
		Role: r.Header.Get("X-Actor-Role"),
	}
	if actor.ID == "" {
		actor.ID = "anonymous"
	}
	if actor.Role == "" {
		actor.Role = "client"
	}
	return actor
}

// =============================================================================
// AVAILABILITY HANDLERS
// =============================================================================

// GetAvailability returns bookable slots for a resource.
// GET /api/resources/{id}/availability?from=&to=&duration_minutes=|service=
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	resource := engine.ResourceID(chi.URLParam(r, "id"))

	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid 'from' timestamp (use RFC3339)", err)
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid 'to' timestamp (use RFC3339)", err)
		return
	}

	duration, err := h.resolveDuration(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid duration", err)
		return
	}

	slots, err := h.Coordinator.GetAvailability(r.Context(), resource, duration, engine.TimeRange{Start: from, End: to})
	if err != nil {
		writeEngineError(w, "Failed to compute availability", err)
		return
	}

	writeJSON(w, http.StatusOK, toSlotDTOs(slots))
}

// resolveDuration reads the requested appointment length either directly
// from duration_minutes or from the named service's catalog entry.
func (h *Handler) resolveDuration(r *http.Request) (time.Duration, error) {
	if serviceID := r.URL.Query().Get("service"); serviceID != "" {
		svc, err := h.Admin.GetService(r.Context(), serviceID)
		if err != nil {
			return 0, err
		}
		if svc == nil {
			return 0, errors.New("unknown service " + serviceID)
		}
		return svc.Duration, nil
	}

	minutes, err := strconv.Atoi(r.URL.Query().Get("duration_minutes"))
	if err != nil {
		return 0, errors.New("duration_minutes or service required")
	}
	if minutes <= 0 {
		return 0, errors.New("duration_minutes must be positive")
	}
	return time.Duration(minutes) * time.Minute, nil
}

// CheckSlot reports whether a range is currently bookable without
// committing anything.
// POST /api/resources/{id}/check
func (h *Handler) CheckSlot(w http.ResponseWriter, r *http.Request) {
	resource := engine.ResourceID(chi.URLParam(r, "id"))

	var req CheckSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	span, err := parseRange(req.Start, req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid range", err)
		return
	}

	report, err := h.Coordinator.CheckSlot(r.Context(), resource, span)
	if err != nil {
		writeEngineError(w, "Failed to check slot", err)
		return
	}

	writeJSON(w, http.StatusOK, toConflictReportDTO(report))
}

// ListChanges returns the change feed for a resource after a cursor.
// GET /api/resources/{id}/changes?since=
func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	resource := engine.ResourceID(chi.URLParam(r, "id"))

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'since' cursor", err)
			return
		}
		since = parsed
	}

	recs, err := h.Coordinator.ListChangesSince(r.Context(), resource, since)
	if err != nil {
		writeEngineError(w, "Failed to list changes", err)
		return
	}

	writeJSON(w, http.StatusOK, toChangeRecordDTOs(recs))
}

// =============================================================================
// APPOINTMENT HANDLERS
// =============================================================================

// CreateAppointment books a slot.
// POST /api/appointments
func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Resource == "" {
		writeError(w, http.StatusBadRequest, "resource_id is required", nil)
		return
	}
	span, err := parseRange(req.Start, req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid range", err)
		return
	}

	appt, replayed, err := h.Coordinator.Create(r.Context(), engine.CreateRequest{
		Resource:       engine.ResourceID(req.Resource),
		Range:          span,
		ClientRef:      req.ClientRef,
		IdempotencyKey: req.IdempotencyKey,
		Confirmed:      req.Confirmed,
	}, actorFrom(r))
	if err != nil {
		writeEngineError(w, "Failed to create appointment", err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, CreateAppointmentResponse{
		Appointment: toAppointmentDTO(*appt),
		Replayed:    replayed,
	})
}

// GetAppointment returns a single appointment.
// GET /api/appointments/{id}
func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	id := engine.AppointmentID(chi.URLParam(r, "id"))

	appt, err := h.Coordinator.GetAppointment(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to get appointment", err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentDTO(*appt))
}

// MoveAppointment reschedules an appointment.
// POST /api/appointments/{id}/move
func (h *Handler) MoveAppointment(w http.ResponseWriter, r *http.Request) {
	id := engine.AppointmentID(chi.URLParam(r, "id"))

	var req MoveAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	span, err := parseRange(req.Start, req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid range", err)
		return
	}

	appt, err := h.Coordinator.Move(r.Context(), id, span, req.ExpectedVersion, actorFrom(r))
	if err != nil {
		writeEngineError(w, "Failed to move appointment", err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentDTO(*appt))
}

// ConfirmAppointment transitions pending -> confirmed.
// POST /api/appointments/{id}/confirm
func (h *Handler) ConfirmAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Coordinator.Confirm)
}

// CancelAppointment cancels an appointment.
// POST /api/appointments/{id}/cancel
func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Coordinator.Cancel)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id engine.AppointmentID, expectedVersion int64, actor engine.Actor) (*engine.Appointment, error)) {
	id := engine.AppointmentID(chi.URLParam(r, "id"))

	var req VersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	appt, err := op(r.Context(), id, req.ExpectedVersion, actorFrom(r))
	if err != nil {
		writeEngineError(w, "Failed to update appointment", err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentDTO(*appt))
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListServices returns the service catalog.
// GET /api/services
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.Admin.ListServices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list services", err)
		return
	}

	dtos := make([]ServiceDTO, len(services))
	for i, svc := range services {
		dtos[i] = ServiceDTO{
			ID:              svc.ID,
			Name:            svc.Name,
			DurationMinutes: int64(svc.Duration.Minutes()),
			Price:           svc.Price.StringFixed(2),
		}
	}

	writeJSON(w, http.StatusOK, dtos)
}

// CreateService defines a bookable service.
// POST /api/services
func (h *Handler) CreateService(w http.ResponseWriter, r *http.Request) {
	var req CreateServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}
	if req.DurationMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "duration_minutes must be positive", nil)
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid price", err)
		return
	}

	svc := engine.ServiceDefinition{
		ID:       req.ID,
		Name:     req.Name,
		Duration: time.Duration(req.DurationMinutes) * time.Minute,
		Price:    price,
	}
	if err := h.Admin.SaveService(r.Context(), svc); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save service", err)
		return
	}

	writeJSON(w, http.StatusCreated, ServiceDTO{
		ID:              svc.ID,
		Name:            svc.Name,
		DurationMinutes: req.DurationMinutes,
		Price:           price.StringFixed(2),
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// SetWorkingHours registers a recurring working-hours rule.
// POST /api/admin/working-hours
func (h *Handler) SetWorkingHours(w http.ResponseWriter, r *http.Request) {
	var req WorkingHoursRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Resource == "" {
		writeError(w, http.StatusBadRequest, "resource_id is required", nil)
		return
	}
	if req.Weekday < 0 || req.Weekday > 6 {
		writeError(w, http.StatusBadRequest, "weekday must be 0-6", nil)
		return
	}
	if req.StartMinute < 0 || req.EndMinute > 24*60 || req.StartMinute >= req.EndMinute {
		writeError(w, http.StatusBadRequest, "start_minute must precede end_minute within the day", nil)
		return
	}

	rule := engine.WorkingHoursRule{
		ID:          req.ID,
		Resource:    engine.ResourceID(req.Resource),
		Weekday:     time.Weekday(req.Weekday),
		StartMinute: req.StartMinute,
		EndMinute:   req.EndMinute,
	}
	if rule.ID == "" {
		rule.ID = newID()
	}
	if req.EffectiveFrom != "" {
		t, err := time.Parse(time.RFC3339, req.EffectiveFrom)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid effective_from", err)
			return
		}
		rule.EffectiveFrom = t
	}
	if req.EffectiveTo != "" {
		t, err := time.Parse(time.RFC3339, req.EffectiveTo)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid effective_to", err)
			return
		}
		rule.EffectiveTo = t
	}

	if err := h.Admin.SaveWorkingHoursRule(r.Context(), rule); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save working hours", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": rule.ID})
}

// CreateBlackout registers a blackout period.
// POST /api/admin/blackouts
func (h *Handler) CreateBlackout(w http.ResponseWriter, r *http.Request) {
	var req BlackoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Resource == "" {
		writeError(w, http.StatusBadRequest, "resource_id is required", nil)
		return
	}
	span, err := parseRange(req.Start, req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid range", err)
		return
	}

	blackout := engine.BlackoutPeriod{
		ID:       req.ID,
		Resource: engine.ResourceID(req.Resource),
		Span:     span,
		Reason:   req.Reason,
	}
	if blackout.ID == "" {
		blackout.ID = newID()
	}

	if err := h.Admin.SaveBlackoutPeriod(r.Context(), blackout); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save blackout", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": blackout.ID})
}

// =============================================================================
// HELPERS
// =============================================================================

func newID() string {
	return uuid.NewString()
}

func parseRange(start, end string) (engine.TimeRange, error) {
	from, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return engine.TimeRange{}, err
	}
	to, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return engine.TimeRange{}, err
	}
	span := engine.TimeRange{Start: from, End: to}
	if !span.IsValid() {
		return engine.TimeRange{}, engine.ErrInvalidRange
	}
	return span, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps domain errors onto HTTP statuses. Slot conflicts
// carry the full report so clients can show why the booking failed.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	var unavailable *engine.SlotUnavailableError
	if errors.As(err, &unavailable) {
		report := toConflictReportDTO(unavailable.Report)
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     "Slot unavailable",
			Details:   err.Error(),
			Conflicts: &report,
		})
		return
	}

	switch {
	case errors.Is(err, engine.ErrVersionConflict):
		writeError(w, http.StatusPreconditionFailed, "Stale version", err)
	case errors.Is(err, engine.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "Appointment not found", err)
	case errors.Is(err, engine.ErrAppointmentCancelled):
		writeError(w, http.StatusConflict, "Appointment is cancelled", err)
	case errors.Is(err, engine.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, "Duplicate idempotency key", err)
	case errors.Is(err, engine.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "Invalid time range", err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
