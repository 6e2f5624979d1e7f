// Package store provides FactStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/schedule-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	rules        map[engine.ResourceID][]engine.WorkingHoursRule
	blackouts    map[engine.ResourceID][]engine.BlackoutPeriod
	appointments map[engine.AppointmentID]engine.Appointment
	idempotency  map[idemKey]engine.AppointmentID
	changes      []engine.ChangeRecord
	services     map[string]engine.ServiceDefinition
	nextSeq      int64
}

type idemKey struct {
	Resource engine.ResourceID
	Key      string
}

func NewMemory() *Memory {
	return &Memory{
		rules:        make(map[engine.ResourceID][]engine.WorkingHoursRule),
		blackouts:    make(map[engine.ResourceID][]engine.BlackoutPeriod),
		appointments: make(map[engine.AppointmentID]engine.Appointment),
		idempotency:  make(map[idemKey]engine.AppointmentID),
		services:     make(map[string]engine.ServiceDefinition),
	}
}

// =============================================================================
// CALENDAR FACTS
// =============================================================================

func (m *Memory) WorkingHours(_ context.Context, resource engine.ResourceID) ([]engine.WorkingHoursRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.WorkingHoursRule, len(m.rules[resource]))
	copy(out, m.rules[resource])
	return out, nil
}

func (m *Memory) Blackouts(_ context.Context, resource engine.ResourceID, window engine.TimeRange) ([]engine.BlackoutPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.BlackoutPeriod
	for _, b := range m.blackouts[resource] {
		if b.Span.Overlaps(window) {
			out = append(out, b)
		}
	}
	return out, nil
}

// SaveWorkingHoursRule upserts a rule. The write path belongs to shop
// configuration, not the engine.
func (m *Memory) SaveWorkingHoursRule(_ context.Context, rule engine.WorkingHoursRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rules := m.rules[rule.Resource]
	for i, r := range rules {
		if r.ID == rule.ID {
			rules[i] = rule
			return nil
		}
	}
	m.rules[rule.Resource] = append(rules, rule)
	return nil
}

// SaveBlackoutPeriod upserts a blackout period.
func (m *Memory) SaveBlackoutPeriod(_ context.Context, b engine.BlackoutPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.blackouts[b.Resource]
	for i, e := range existing {
		if e.ID == b.ID {
			existing[i] = b
			return nil
		}
	}
	m.blackouts[b.Resource] = append(existing, b)
	return nil
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

func (m *Memory) GetAppointment(_ context.Context, id engine.AppointmentID) (*engine.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	appt, ok := m.appointments[id]
	if !ok {
		return nil, engine.ErrAppointmentNotFound
	}
	out := appt
	return &out, nil
}

func (m *Memory) GetByIdempotencyKey(_ context.Context, resource engine.ResourceID, key string) (*engine.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.idempotency[idemKey{Resource: resource, Key: key}]
	if !ok {
		return nil, nil
	}
	appt := m.appointments[id]
	out := appt
	return &out, nil
}

func (m *Memory) ListActiveAppointments(_ context.Context, resource engine.ResourceID, window engine.TimeRange) ([]engine.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.Appointment
	for _, a := range m.appointments {
		if a.Resource == resource && a.Active() && a.Range().Overlaps(window) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *Memory) ListPendingBefore(_ context.Context, createdBefore time.Time) ([]engine.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.Appointment
	for _, a := range m.appointments {
		if a.Status == engine.StatusPending && a.CreatedAt.Before(createdBefore) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// ATOMIC COMMITS
// =============================================================================

func (m *Memory) CommitCreate(_ context.Context, appt engine.Appointment, rec engine.ChangeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if appt.IdempotencyKey != "" {
		k := idemKey{Resource: appt.Resource, Key: appt.IdempotencyKey}
		if _, exists := m.idempotency[k]; exists {
			return engine.ErrDuplicateIdempotencyKey
		}
		m.idempotency[k] = appt.ID
	}
	m.appointments[appt.ID] = appt
	m.appendChangeLocked(rec)
	return nil
}

func (m *Memory) CommitUpdate(_ context.Context, appt engine.Appointment, expectedVersion int64, rec engine.ChangeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.appointments[appt.ID]
	if !ok {
		return engine.ErrAppointmentNotFound
	}
	if cur.Version != expectedVersion {
		return &engine.VersionConflictError{ID: appt.ID, Expected: expectedVersion, Actual: cur.Version}
	}
	m.appointments[appt.ID] = appt
	m.appendChangeLocked(rec)
	return nil
}

func (m *Memory) appendChangeLocked(rec engine.ChangeRecord) {
	m.nextSeq++
	rec.Seq = m.nextSeq
	m.changes = append(m.changes, rec)
}

// =============================================================================
// CHANGE FEED
// =============================================================================

func (m *Memory) ChangesSince(_ context.Context, resource engine.ResourceID, cursor int64) ([]engine.ChangeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.ChangeRecord
	for _, rec := range m.changes {
		if rec.Resource == resource && rec.Seq > cursor {
			out = append(out, rec)
		}
	}
	return out, nil
}

// =============================================================================
// SERVICE CATALOG
// =============================================================================

func (m *Memory) SaveService(_ context.Context, svc engine.ServiceDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[svc.ID] = svc
	return nil
}

func (m *Memory) GetService(_ context.Context, id string) (*engine.ServiceDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[id]
	if !ok {
		return nil, nil
	}
	out := svc
	return &out, nil
}

func (m *Memory) ListServices(_ context.Context) ([]engine.ServiceDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.ServiceDefinition, 0, len(m.services))
	for _, svc := range m.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
