package health

import (
	"context"
	"time"
)

// Pinger is the narrow contract ActorChecker needs from the document
// actor (C6): a round-trip through its inbox proving the single
// message loop is live and not stuck behind a slow CRDT operation.
// Satisfied structurally by *actor.Actor.
type Pinger interface {
	Health(ctx context.Context) error
}

// ActorChecker adapts a document actor's Health round-trip to the
// Checker interface, so the same readiness machinery the teacher used
// for container probes reports on the replicated document instead.
type ActorChecker struct {
	Pinger  Pinger
	Timeout time.Duration
}

// NewActorChecker returns an ActorChecker with a 5s default timeout.
func NewActorChecker(p Pinger) *ActorChecker {
	return &ActorChecker{Pinger: p, Timeout: 5 * time.Second}
}

func (a *ActorChecker) Check(ctx context.Context) Result {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	if err := a.Pinger.Health(cctx); err != nil {
		return Result{
			Healthy:   false,
			Message:   "actor unresponsive: " + err.Error(),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{
		Healthy:   true,
		Message:   "actor responsive",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (a *ActorChecker) Type() CheckType {
	return CheckTypeActor
}

func (a *ActorChecker) WithTimeout(timeout time.Duration) *ActorChecker {
	a.Timeout = timeout
	return a
}
