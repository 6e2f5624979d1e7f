/*
Package offline implements the client-resident half of the scheduling
engine's contract: the Offline Action Queue and the Sync Reconciler.

While disconnected, every user-initiated create or move is appended to
an ordered queue with a fresh idempotency key and a client-assigned
causal sequence number; the UI renders the action optimistically as
"pending-sync". On reconnect, the Reconciler drains the queue strictly
in sequence order through the Coordinator, translating each rejection
into a well-defined outcome. Strict per-resource ordering preserves the
user's intended causal sequence: "move A, then book B into A's old
slot" must not be replayed out of order.
*/
package offline

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/schedule-engine/engine"
)

// ActionKind tags the variants of a queued action. Creates and moves
// share one queue so causal order across action types survives replay.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionMove   ActionKind = "move"
)

// QueuedAction is one buffered mutation awaiting replay.
type QueuedAction struct {
	Seq            int64  // client-assigned causal order
	IdempotencyKey string // fresh uuid, survives retries
	Kind           ActionKind
	Resource       engine.ResourceID
	Range          engine.TimeRange // target range (create) or new range (move)
	CreatedAt      time.Time

	// create fields
	ClientRef string
	LocalRef  string // the client's provisional id for the optimistic render

	// move fields
	AppointmentID   engine.AppointmentID
	ExpectedVersion int64
}

// Queue is the ordered, client-resident action buffer.
// Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	nextSeq int64
	entries map[int64]QueuedAction
}

func NewQueue() *Queue {
	return &Queue{entries: make(map[int64]QueuedAction)}
}

// EnqueueCreate buffers a create performed while disconnected and
// returns the entry, including its fresh idempotency key.
func (q *Queue) EnqueueCreate(resource engine.ResourceID, r engine.TimeRange, clientRef, localRef string) QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	a := QueuedAction{
		Seq:            q.nextSeq,
		IdempotencyKey: uuid.NewString(),
		Kind:           ActionCreate,
		Resource:       resource,
		Range:          r,
		ClientRef:      clientRef,
		LocalRef:       localRef,
		CreatedAt:      time.Now().UTC(),
	}
	q.entries[a.Seq] = a
	return a
}

// EnqueueMove buffers a move performed while disconnected.
func (q *Queue) EnqueueMove(resource engine.ResourceID, id engine.AppointmentID, newRange engine.TimeRange, expectedVersion int64) QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	a := QueuedAction{
		Seq:             q.nextSeq,
		IdempotencyKey:  uuid.NewString(),
		Kind:            ActionMove,
		Resource:        resource,
		Range:           newRange,
		AppointmentID:   id,
		ExpectedVersion: expectedVersion,
		CreatedAt:       time.Now().UTC(),
	}
	q.entries[a.Seq] = a
	return a
}

// Pending returns the buffered actions in causal order.
func (q *Queue) Pending() []QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedAction, 0, len(q.entries))
	for _, a := range q.entries {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len returns the number of unresolved actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Resolve removes an action after it succeeded or after the user made a
// terminal decision (reschedule/drop) on a conflict.
func (q *Queue) Resolve(seq int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, seq)
}
