/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TIME FORMAT:
  All timestamps travel as RFC3339 strings. Durations travel as whole
  minutes since that is the unit staff think in.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - client.go: Reuses the same wire shapes from the client side
*/
package api

import (
	"time"

	"github.com/warp/schedule-engine/engine"
)

// =============================================================================
// APPOINTMENTS
// =============================================================================

// AppointmentDTO represents an appointment in API responses.
type AppointmentDTO struct {
	ID              string `json:"id"`
	Resource        string `json:"resource_id"`
	Start           string `json:"start"`
	End             string `json:"end"`
	DurationMinutes int64  `json:"duration_minutes"`
	Status          string `json:"status"`
	ClientRef       string `json:"client_ref,omitempty"`
	Version         int64  `json:"version"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func toAppointmentDTO(a engine.Appointment) AppointmentDTO {
	return AppointmentDTO{
		ID:              string(a.ID),
		Resource:        string(a.Resource),
		Start:           a.Start.Format(time.RFC3339),
		End:             a.Start.Add(a.Duration).Format(time.RFC3339),
		DurationMinutes: int64(a.Duration.Minutes()),
		Status:          string(a.Status),
		ClientRef:       a.ClientRef,
		Version:         a.Version,
		CreatedAt:       a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       a.UpdatedAt.Format(time.RFC3339),
	}
}

// CreateAppointmentRequest is the request to book a slot.
type CreateAppointmentRequest struct {
	Resource       string `json:"resource_id"`
	Start          string `json:"start"`
	End            string `json:"end"`
	ClientRef      string `json:"client_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Confirmed      bool   `json:"confirmed,omitempty"`
}

// CreateAppointmentResponse wraps the appointment with the replay flag
// so retrying clients can tell a fresh booking from a replayed one.
type CreateAppointmentResponse struct {
	Appointment AppointmentDTO `json:"appointment"`
	Replayed    bool           `json:"replayed"`
}

// MoveAppointmentRequest is the request to reschedule an appointment.
type MoveAppointmentRequest struct {
	Start           string `json:"start"`
	End             string `json:"end"`
	ExpectedVersion int64  `json:"expected_version"`
}

// VersionRequest carries the optimistic precondition for confirm/cancel.
type VersionRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

// =============================================================================
// AVAILABILITY AND CONFLICTS
// =============================================================================

// SlotDTO represents one bookable slot candidate.
type SlotDTO struct {
	Resource string `json:"resource_id"`
	Start    string `json:"start"`
	End      string `json:"end"`
}

func toSlotDTOs(slots []engine.SlotCandidate) []SlotDTO {
	out := make([]SlotDTO, len(slots))
	for i, s := range slots {
		out[i] = SlotDTO{
			Resource: string(s.Resource),
			Start:    s.Start.Format(time.RFC3339),
			End:      s.Start.Add(s.Duration).Format(time.RFC3339),
		}
	}
	return out
}

// ConflictDTO represents one entry of a conflict report.
type ConflictDTO struct {
	Kind          string `json:"kind"`
	AppointmentID string `json:"appointment_id,omitempty"`
	BlackoutID    string `json:"blackout_id,omitempty"`
	Start         string `json:"start,omitempty"`
	End           string `json:"end,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ConflictReportDTO represents the full verdict on a proposed range.
type ConflictReportDTO struct {
	Resource  string        `json:"resource_id"`
	Start     string        `json:"start"`
	End       string        `json:"end"`
	Clear     bool          `json:"clear"`
	Conflicts []ConflictDTO `json:"conflicts"`
}

func toConflictReportDTO(rep engine.ConflictReport) ConflictReportDTO {
	dto := ConflictReportDTO{
		Resource:  string(rep.Resource),
		Start:     rep.Proposed.Start.Format(time.RFC3339),
		End:       rep.Proposed.End.Format(time.RFC3339),
		Clear:     rep.Clear(),
		Conflicts: make([]ConflictDTO, len(rep.Conflicts)),
	}
	for i, c := range rep.Conflicts {
		d := ConflictDTO{
			Kind:          string(c.Kind),
			AppointmentID: string(c.AppointmentID),
			BlackoutID:    c.BlackoutID,
			Reason:        c.Reason,
		}
		if !c.Span.IsZero() {
			d.Start = c.Span.Start.Format(time.RFC3339)
			d.End = c.Span.End.Format(time.RFC3339)
		}
		dto.Conflicts[i] = d
	}
	return dto
}

// CheckSlotRequest asks whether a range is currently bookable.
type CheckSlotRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// =============================================================================
// CHANGE FEED
// =============================================================================

// ChangeRecordDTO represents one committed mutation.
type ChangeRecordDTO struct {
	Seq           int64  `json:"seq"`
	AppointmentID string `json:"appointment_id"`
	Resource      string `json:"resource_id"`
	Op            string `json:"op"`
	PrevVersion   int64  `json:"prev_version"`
	NewVersion    int64  `json:"new_version"`
	At            string `json:"at"`
	Actor         string `json:"actor_id"`
}

func toChangeRecordDTOs(recs []engine.ChangeRecord) []ChangeRecordDTO {
	out := make([]ChangeRecordDTO, len(recs))
	for i, rec := range recs {
		out[i] = ChangeRecordDTO{
			Seq:           rec.Seq,
			AppointmentID: string(rec.AppointmentID),
			Resource:      string(rec.Resource),
			Op:            string(rec.Op),
			PrevVersion:   rec.PrevVersion,
			NewVersion:    rec.NewVersion,
			At:            rec.At.Format(time.RFC3339),
			Actor:         string(rec.Actor),
		}
	}
	return out
}

// =============================================================================
// CATALOG AND FACTS
// =============================================================================

// ServiceDTO represents a bookable service.
type ServiceDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DurationMinutes int64  `json:"duration_minutes"`
	Price           string `json:"price"`
}

// CreateServiceRequest is the request to define a service.
type CreateServiceRequest struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DurationMinutes int64  `json:"duration_minutes"`
	Price           string `json:"price"`
}

// WorkingHoursRequest is the admin request to set a working-hours rule.
type WorkingHoursRequest struct {
	ID            string `json:"id,omitempty"`
	Resource      string `json:"resource_id"`
	Weekday       int    `json:"weekday"` // 0 = Sunday
	StartMinute   int    `json:"start_minute"`
	EndMinute     int    `json:"end_minute"`
	EffectiveFrom string `json:"effective_from,omitempty"`
	EffectiveTo   string `json:"effective_to,omitempty"`
}

// BlackoutRequest is the admin request to register a blackout period.
type BlackoutRequest struct {
	ID       string `json:"id,omitempty"`
	Resource string `json:"resource_id"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Reason   string `json:"reason,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error     string             `json:"error"`
	Details   string             `json:"details,omitempty"`
	Conflicts *ConflictReportDTO `json:"conflicts,omitempty"`
}
