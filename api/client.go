/*
client.go - HTTP client for the scheduling API

PURPOSE:
  A typed client over the REST API that satisfies the offline
  reconciler's Scheduler interface, so a device can drain its queued
  actions against a remote server exactly the way it would against an
  in-process Coordinator.

ERROR MAPPING:
  The server's JSON error envelope is translated back into the engine's
  error types. Transport failures (refused connections, timeouts) become
  ErrUnreachable so the reconciler defers instead of discarding actions.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/warp/schedule-engine/engine"
)

// Client talks to a remote scheduling server.
type Client struct {
	BaseURL string
	Actor   engine.Actor
	HTTP    *http.Client
}

// NewClient builds a client for the given base URL.
func NewClient(baseURL string, actor engine.Actor) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Actor:   actor,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Create books a slot on the remote server.
func (c *Client) Create(ctx context.Context, req engine.CreateRequest, actor engine.Actor) (*engine.Appointment, bool, error) {
	body := CreateAppointmentRequest{
		Resource:       string(req.Resource),
		Start:          req.Range.Start.Format(time.RFC3339),
		End:            req.Range.End.Format(time.RFC3339),
		ClientRef:      req.ClientRef,
		IdempotencyKey: req.IdempotencyKey,
		Confirmed:      req.Confirmed,
	}

	var resp CreateAppointmentResponse
	if err := c.do(ctx, http.MethodPost, "/api/appointments", actor, body, &resp); err != nil {
		return nil, false, err
	}
	appt, err := fromAppointmentDTO(resp.Appointment)
	if err != nil {
		return nil, false, err
	}
	return appt, resp.Replayed, nil
}

// Move reschedules a remote appointment.
func (c *Client) Move(ctx context.Context, id engine.AppointmentID, newRange engine.TimeRange, expectedVersion int64, actor engine.Actor) (*engine.Appointment, error) {
	body := MoveAppointmentRequest{
		Start:           newRange.Start.Format(time.RFC3339),
		End:             newRange.End.Format(time.RFC3339),
		ExpectedVersion: expectedVersion,
	}

	var dto AppointmentDTO
	path := "/api/appointments/" + url.PathEscape(string(id)) + "/move"
	if err := c.do(ctx, http.MethodPost, path, actor, body, &dto); err != nil {
		return nil, err
	}
	return fromAppointmentDTO(dto)
}

// Confirm transitions a remote appointment to confirmed.
func (c *Client) Confirm(ctx context.Context, id engine.AppointmentID, expectedVersion int64, actor engine.Actor) (*engine.Appointment, error) {
	return c.versioned(ctx, id, "confirm", expectedVersion, actor)
}

// Cancel cancels a remote appointment.
func (c *Client) Cancel(ctx context.Context, id engine.AppointmentID, expectedVersion int64, actor engine.Actor) (*engine.Appointment, error) {
	return c.versioned(ctx, id, "cancel", expectedVersion, actor)
}

func (c *Client) versioned(ctx context.Context, id engine.AppointmentID, action string, expectedVersion int64, actor engine.Actor) (*engine.Appointment, error) {
	var dto AppointmentDTO
	path := "/api/appointments/" + url.PathEscape(string(id)) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, actor, VersionRequest{ExpectedVersion: expectedVersion}, &dto); err != nil {
		return nil, err
	}
	return fromAppointmentDTO(dto)
}

// ListChangesSince fetches the remote change feed after the cursor.
func (c *Client) ListChangesSince(ctx context.Context, resource engine.ResourceID, cursor int64) ([]engine.ChangeRecord, error) {
	path := "/api/resources/" + url.PathEscape(string(resource)) + "/changes?since=" + strconv.FormatInt(cursor, 10)

	var dtos []ChangeRecordDTO
	if err := c.do(ctx, http.MethodGet, path, c.Actor, nil, &dtos); err != nil {
		return nil, err
	}

	recs := make([]engine.ChangeRecord, len(dtos))
	for i, d := range dtos {
		at, err := time.Parse(time.RFC3339, d.At)
		if err != nil {
			return nil, fmt.Errorf("parse change timestamp: %w", err)
		}
		recs[i] = engine.ChangeRecord{
			Seq:           d.Seq,
			AppointmentID: engine.AppointmentID(d.AppointmentID),
			Resource:      engine.ResourceID(d.Resource),
			Op:            engine.Operation(d.Op),
			PrevVersion:   d.PrevVersion,
			NewVersion:    d.NewVersion,
			At:            at,
			Actor:         engine.ActorID(d.Actor),
		}
	}
	return recs, nil
}

// do executes one request and decodes the response into out. Non-2xx
// responses are mapped back onto engine error types.
func (c *Client) do(ctx context.Context, method, path string, actor engine.Actor, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if actor.ID != "" {
		req.Header.Set("X-Actor-ID", string(actor.ID))
		req.Header.Set("X-Actor-Role", actor.Role)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		// The reconciler needs to distinguish "server said no" from
		// "server never answered".
		return fmt.Errorf("%w: %v", engine.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	return decodeError(resp)
}

// decodeError rebuilds an engine error from the JSON error envelope.
func decodeError(resp *http.Response) error {
	var envelope ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusConflict:
		if envelope.Conflicts != nil {
			return &engine.SlotUnavailableError{Report: fromConflictReportDTO(*envelope.Conflicts)}
		}
		return fmt.Errorf("%s: %w", envelope.Error, engine.ErrAppointmentCancelled)
	case http.StatusPreconditionFailed:
		return fmt.Errorf("%s: %w", envelope.Error, engine.ErrVersionConflict)
	case http.StatusNotFound:
		return engine.ErrAppointmentNotFound
	case http.StatusBadRequest:
		return fmt.Errorf("%s: %w", envelope.Error, engine.ErrInvalidRange)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%s: %w", envelope.Error, engine.ErrUnreachable)
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, envelope.Error)
	}
}

func fromAppointmentDTO(d AppointmentDTO) (*engine.Appointment, error) {
	start, err := time.Parse(time.RFC3339, d.Start)
	if err != nil {
		return nil, fmt.Errorf("parse appointment start: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339, d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339, d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &engine.Appointment{
		ID:        engine.AppointmentID(d.ID),
		Resource:  engine.ResourceID(d.Resource),
		Start:     start,
		Duration:  time.Duration(d.DurationMinutes) * time.Minute,
		Status:    engine.AppointmentStatus(d.Status),
		ClientRef: d.ClientRef,
		Version:   d.Version,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func fromConflictReportDTO(d ConflictReportDTO) engine.ConflictReport {
	report := engine.ConflictReport{
		Resource:  engine.ResourceID(d.Resource),
		Conflicts: make([]engine.Conflict, len(d.Conflicts)),
	}
	if start, err := time.Parse(time.RFC3339, d.Start); err == nil {
		if end, err := time.Parse(time.RFC3339, d.End); err == nil {
			report.Proposed = engine.TimeRange{Start: start, End: end}
		}
	}
	for i, c := range d.Conflicts {
		conflict := engine.Conflict{
			Kind:          engine.ConflictKind(c.Kind),
			AppointmentID: engine.AppointmentID(c.AppointmentID),
			BlackoutID:    c.BlackoutID,
			Reason:        c.Reason,
		}
		if start, err := time.Parse(time.RFC3339, c.Start); err == nil {
			if end, err := time.Parse(time.RFC3339, c.End); err == nil {
				conflict.Span = engine.TimeRange{Start: start, End: end}
			}
		}
		report.Conflicts[i] = conflict
	}
	return report
}
