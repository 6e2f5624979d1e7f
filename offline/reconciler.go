/*
reconciler.go - Replays the offline queue on reconnect

OUTCOME RULES (per queued action, in causal order):
  accepted        -> the local appointment adopts the server-assigned
                     id/version; the entry leaves the queue
  conflict/stale  -> needs-user-decision; the entry stays queued and the
                     resource is held: later entries for the SAME
                     resource are not attempted, other resources proceed
  unreachable     -> the entry stays queued and the drain stops; nothing
                     is advanced past a transport failure
*/
package offline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/warp/schedule-engine/engine"
)

// Scheduler is the slice of the Coordinator the reconciler replays
// against. Satisfied by *engine.Coordinator and by the HTTP client.
type Scheduler interface {
	Create(ctx context.Context, req engine.CreateRequest, actor engine.Actor) (appt *engine.Appointment, replayed bool, err error)
	Move(ctx context.Context, id engine.AppointmentID, newRange engine.TimeRange, expectedVersion int64, actor engine.Actor) (*engine.Appointment, error)
	ListChangesSince(ctx context.Context, resource engine.ResourceID, cursor int64) ([]engine.ChangeRecord, error)
}

// OutcomeKind classifies what happened to one replayed action.
type OutcomeKind string

const (
	// OutcomeApplied: the server accepted the action.
	OutcomeApplied OutcomeKind = "applied"
	// OutcomeNeedsDecision: rejected with a conflict or stale version;
	// surfaced to the user, never auto-retried silently.
	OutcomeNeedsDecision OutcomeKind = "needs_decision"
	// OutcomeHeld: not attempted because an earlier action for the same
	// resource needs a decision first.
	OutcomeHeld OutcomeKind = "held"
	// OutcomeDeferred: transport failure; retried on the next reconnect.
	OutcomeDeferred OutcomeKind = "deferred"
)

// Outcome reports the resolution of one queued action.
type Outcome struct {
	Action      QueuedAction
	Kind        OutcomeKind
	Appointment *engine.Appointment   // set when applied
	Report      *engine.ConflictReport // set when rejected with conflicts
	Err         error
}

// Reconciler drains an offline queue through a Scheduler.
type Reconciler struct {
	scheduler Scheduler
	actor     engine.Actor
	log       *zap.Logger
}

func NewReconciler(s Scheduler, actor engine.Actor, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{scheduler: s, actor: actor, log: log}
}

// Drain replays all queued actions in causal order. Applied actions are
// removed from the queue; needs-decision and deferred actions stay
// queued. The returned outcomes cover every entry the drain looked at.
func (r *Reconciler) Drain(ctx context.Context, q *Queue) ([]Outcome, error) {
	held := make(map[engine.ResourceID]bool)
	var outcomes []Outcome

	for _, action := range q.Pending() {
		if held[action.Resource] {
			outcomes = append(outcomes, Outcome{Action: action, Kind: OutcomeHeld})
			continue
		}

		outcome := r.replay(ctx, action)
		outcomes = append(outcomes, outcome)

		switch outcome.Kind {
		case OutcomeApplied:
			q.Resolve(action.Seq)
		case OutcomeNeedsDecision:
			held[action.Resource] = true
			r.log.Info("replay needs user decision",
				zap.Int64("seq", action.Seq),
				zap.String("resource", string(action.Resource)),
				zap.Error(outcome.Err))
		case OutcomeDeferred:
			// Do not advance past a transport failure.
			r.log.Warn("replay deferred, stopping drain",
				zap.Int64("seq", action.Seq), zap.Error(outcome.Err))
			return outcomes, outcome.Err
		}
	}
	return outcomes, nil
}

func (r *Reconciler) replay(ctx context.Context, action QueuedAction) Outcome {
	var (
		appt *engine.Appointment
		err  error
	)
	switch action.Kind {
	case ActionCreate:
		appt, _, err = r.scheduler.Create(ctx, engine.CreateRequest{
			Resource:       action.Resource,
			Range:          action.Range,
			ClientRef:      action.ClientRef,
			IdempotencyKey: action.IdempotencyKey,
		}, r.actor)
	case ActionMove:
		appt, err = r.scheduler.Move(ctx, action.AppointmentID, action.Range, action.ExpectedVersion, r.actor)
	default:
		err = errors.New("unknown action kind: " + string(action.Kind))
	}

	switch {
	case err == nil:
		return Outcome{Action: action, Kind: OutcomeApplied, Appointment: appt}
	case errors.Is(err, engine.ErrUnreachable) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return Outcome{Action: action, Kind: OutcomeDeferred, Err: err}
	default:
		out := Outcome{Action: action, Kind: OutcomeNeedsDecision, Err: err}
		var unavailable *engine.SlotUnavailableError
		if errors.As(err, &unavailable) {
			out.Report = &unavailable.Report
		}
		return out
	}
}

// ChangesSince surfaces the server-side change feed so the client can
// reconcile what actually happened against what it expected.
func (r *Reconciler) ChangesSince(ctx context.Context, resource engine.ResourceID, cursor int64) ([]engine.ChangeRecord, error) {
	return r.scheduler.ListChangesSince(ctx, resource, cursor)
}
