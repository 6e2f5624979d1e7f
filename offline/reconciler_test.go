package offline_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/schedule-engine/engine"
	"github.com/warp/schedule-engine/engine/store"
	"github.com/warp/schedule-engine/offline"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const chair = engine.ResourceID("chair-1")

var device = engine.Actor{ID: "device-42", Role: "client"}

func at(hour, min int) time.Time {
	return time.Date(2025, time.March, 3, hour, min, 0, 0, time.UTC)
}

func span(startHour, startMin, endHour, endMin int) engine.TimeRange {
	return engine.TimeRange{Start: at(startHour, startMin), End: at(endHour, endMin)}
}

// newServer builds a live coordinator, hours 09:00-17:00 Monday for the
// given resources, 10m buffer.
func newServer(t *testing.T, resources ...engine.ResourceID) (*engine.Coordinator, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	for i, res := range resources {
		require.NoError(t, mem.SaveWorkingHoursRule(context.Background(), engine.WorkingHoursRule{
			ID:          fmt.Sprintf("wh-%d", i),
			Resource:    res,
			Weekday:     time.Monday,
			StartMinute: 9 * 60,
			EndMinute:   17 * 60,
		}))
	}
	coord := engine.NewCoordinator(mem, engine.Config{
		Buffer:      10 * time.Minute,
		Granularity: 15 * time.Minute,
	})
	return coord, mem
}

// flakyScheduler wraps a Scheduler and fails every call once the fuse
// blows, simulating a connection drop mid-drain.
type flakyScheduler struct {
	inner     offline.Scheduler
	callsLeft int
}

func (f *flakyScheduler) Create(ctx context.Context, req engine.CreateRequest, actor engine.Actor) (*engine.Appointment, bool, error) {
	if f.callsLeft <= 0 {
		return nil, false, fmt.Errorf("dial tcp: %w", engine.ErrUnreachable)
	}
	f.callsLeft--
	return f.inner.Create(ctx, req, actor)
}

func (f *flakyScheduler) Move(ctx context.Context, id engine.AppointmentID, newRange engine.TimeRange, expectedVersion int64, actor engine.Actor) (*engine.Appointment, error) {
	if f.callsLeft <= 0 {
		return nil, fmt.Errorf("dial tcp: %w", engine.ErrUnreachable)
	}
	f.callsLeft--
	return f.inner.Move(ctx, id, newRange, expectedVersion, actor)
}

func (f *flakyScheduler) ListChangesSince(ctx context.Context, resource engine.ResourceID, cursor int64) ([]engine.ChangeRecord, error) {
	return f.inner.ListChangesSince(ctx, resource, cursor)
}

// =============================================================================
// CAUSAL ORDER
// =============================================================================

func TestDrain_MoveThenCreateIntoVacatedSlot(t *testing.T) {
	// GIVEN: Appointment A at 10:00-10:30; while offline the user moves A
	//        to 14:00 and books B into A's old 10:00 slot
	// WHEN: The queue drains in causal order
	// THEN: Both apply; replaying in the opposite order would have
	//       rejected B against A's not-yet-vacated slot

	coord, _ := newServer(t, chair)
	ctx := context.Background()

	a, _, err := coord.Create(ctx, engine.CreateRequest{
		Resource: chair,
		Range:    span(10, 0, 10, 30),
	}, device)
	require.NoError(t, err)

	q := offline.NewQueue()
	q.EnqueueMove(chair, a.ID, span(14, 0, 14, 30), a.Version)
	q.EnqueueCreate(chair, span(10, 0, 10, 30), "friend", "local-1")

	outcomes, err := offline.NewReconciler(coord, device, nil).Drain(ctx, q)

	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, offline.OutcomeApplied, outcomes[0].Kind)
	assert.Equal(t, offline.OutcomeApplied, outcomes[1].Kind)
	assert.Equal(t, 0, q.Len(), "applied actions leave the queue")

	moved, err := coord.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, at(14, 0), moved.Start)
	assert.Equal(t, at(10, 0), outcomes[1].Appointment.Start)
}

func TestDrain_ReplayedCreateIsNotDuplicated(t *testing.T) {
	// GIVEN: A drain whose create applied but whose response was lost,
	//        so the entry stayed queued
	// WHEN: The next drain replays the same idempotency key
	// THEN: The server returns the original appointment, no duplicate

	coord, _ := newServer(t, chair)
	ctx := context.Background()

	q := offline.NewQueue()
	action := q.EnqueueCreate(chair, span(10, 0, 10, 30), "", "local-1")

	// First attempt lands server-side, but the client never hears back.
	first, _, err := coord.Create(ctx, engine.CreateRequest{
		Resource:       chair,
		Range:          action.Range,
		IdempotencyKey: action.IdempotencyKey,
	}, device)
	require.NoError(t, err)

	outcomes, err := offline.NewReconciler(coord, device, nil).Drain(ctx, q)

	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, offline.OutcomeApplied, outcomes[0].Kind)
	assert.Equal(t, first.ID, outcomes[0].Appointment.ID)

	recs, err := coord.ListChangesSince(ctx, chair, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

// =============================================================================
// CONFLICTS HOLD THE RESOURCE
// =============================================================================

func TestDrain_ConflictHoldsLaterActionsForSameResource(t *testing.T) {
	// GIVEN: Someone else booked 10:00 while the device was offline, and
	//        the queue holds two actions for chair-1 plus one for chair-2
	// WHEN: The drain hits the conflict on the first chair-1 action
	// THEN: The second chair-1 action is held untried; chair-2 proceeds

	coord, _ := newServer(t, chair, "chair-2")
	ctx := context.Background()

	_, _, err := coord.Create(ctx, engine.CreateRequest{
		Resource: chair,
		Range:    span(10, 0, 10, 30),
	}, engine.Actor{ID: "front-desk", Role: "staff"})
	require.NoError(t, err)

	q := offline.NewQueue()
	q.EnqueueCreate(chair, span(10, 0, 10, 30), "", "local-1")
	q.EnqueueCreate(chair, span(15, 0, 15, 30), "", "local-2")
	q.EnqueueCreate("chair-2", span(10, 0, 10, 30), "", "local-3")

	outcomes, err := offline.NewReconciler(coord, device, nil).Drain(ctx, q)

	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, offline.OutcomeNeedsDecision, outcomes[0].Kind)
	require.NotNil(t, outcomes[0].Report, "conflict outcome carries the report")
	assert.Equal(t, offline.OutcomeHeld, outcomes[1].Kind)
	assert.Equal(t, offline.OutcomeApplied, outcomes[2].Kind)

	assert.Equal(t, 2, q.Len(), "conflicted and held entries stay queued")
}

func TestDrain_StaleMoveNeedsDecision(t *testing.T) {
	coord, _ := newServer(t, chair)
	ctx := context.Background()

	a, _, err := coord.Create(ctx, engine.CreateRequest{Resource: chair, Range: span(10, 0, 10, 30)}, device)
	require.NoError(t, err)

	q := offline.NewQueue()
	q.EnqueueMove(chair, a.ID, span(14, 0, 14, 30), a.Version)

	// The appointment is confirmed server-side before the drain, so the
	// queued expected version is stale.
	_, err = coord.Confirm(ctx, a.ID, a.Version, engine.Actor{ID: "staff-1", Role: "staff"})
	require.NoError(t, err)

	outcomes, err := offline.NewReconciler(coord, device, nil).Drain(ctx, q)

	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, offline.OutcomeNeedsDecision, outcomes[0].Kind)
	assert.ErrorIs(t, outcomes[0].Err, engine.ErrVersionConflict)
	assert.Equal(t, 1, q.Len())
}

// =============================================================================
// TRANSPORT FAILURES STOP THE DRAIN
// =============================================================================

func TestDrain_UnreachableStopsEverything(t *testing.T) {
	// GIVEN: Three queued actions and a connection that dies after one call
	// WHEN: The drain hits the transport failure
	// THEN: It stops; untouched entries are not reported as decided

	coord, _ := newServer(t, chair, "chair-2")
	q := offline.NewQueue()
	q.EnqueueCreate(chair, span(10, 0, 10, 30), "", "local-1")
	q.EnqueueCreate(chair, span(15, 0, 15, 30), "", "local-2")
	q.EnqueueCreate("chair-2", span(11, 0, 11, 30), "", "local-3")

	flaky := &flakyScheduler{inner: coord, callsLeft: 1}
	outcomes, err := offline.NewReconciler(flaky, device, nil).Drain(context.Background(), q)

	require.ErrorIs(t, err, engine.ErrUnreachable)
	require.Len(t, outcomes, 2, "drain stops at the failure, nothing past it")
	assert.Equal(t, offline.OutcomeApplied, outcomes[0].Kind)
	assert.Equal(t, offline.OutcomeDeferred, outcomes[1].Kind)
	assert.Equal(t, 2, q.Len(), "deferred and untried entries survive for the next drain")
}

// =============================================================================
// QUEUE SEMANTICS
// =============================================================================

func TestQueue_PendingIsCausallyOrderedWithFreshKeys(t *testing.T) {
	q := offline.NewQueue()
	first := q.EnqueueCreate(chair, span(10, 0, 10, 30), "", "l1")
	second := q.EnqueueMove(chair, "a1", span(11, 0, 11, 30), 1)

	pending := q.Pending()

	require.Len(t, pending, 2)
	assert.Less(t, pending[0].Seq, pending[1].Seq)
	assert.Equal(t, offline.ActionCreate, pending[0].Kind)
	assert.Equal(t, offline.ActionMove, pending[1].Kind)
	assert.NotEmpty(t, first.IdempotencyKey)
	assert.NotEqual(t, first.IdempotencyKey, second.IdempotencyKey)
}

func TestQueue_ResolveRemovesEntry(t *testing.T) {
	q := offline.NewQueue()
	a := q.EnqueueCreate(chair, span(10, 0, 10, 30), "", "l1")
	q.EnqueueCreate(chair, span(11, 0, 11, 30), "", "l2")

	q.Resolve(a.Seq)

	require.Equal(t, 1, q.Len())
	assert.Equal(t, "l2", q.Pending()[0].LocalRef)
}

func TestReconciler_SurfacesServerChangeFeed(t *testing.T) {
	coord, _ := newServer(t, chair)
	ctx := context.Background()

	a, _, err := coord.Create(ctx, engine.CreateRequest{Resource: chair, Range: span(10, 0, 10, 30)}, device)
	require.NoError(t, err)
	_, err = coord.Cancel(ctx, a.ID, 1, engine.Actor{ID: "staff-1", Role: "staff"})
	require.NoError(t, err)

	recs, err := offline.NewReconciler(coord, device, nil).ChangesSince(ctx, chair, 0)

	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, engine.OpCreate, recs[0].Op)
	assert.Equal(t, engine.OpCancel, recs[1].Op)
}

func TestReplay_InvalidRangeNeedsDecision(t *testing.T) {
	coord, _ := newServer(t, chair)
	q := offline.NewQueue()
	q.EnqueueCreate(chair, engine.TimeRange{Start: at(10, 0), End: at(9, 0)}, "", "l1")

	outcomes, err := offline.NewReconciler(coord, device, nil).Drain(context.Background(), q)

	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, offline.OutcomeNeedsDecision, outcomes[0].Kind)
	assert.True(t, errors.Is(outcomes[0].Err, engine.ErrInvalidRange))
}
