/*
Package health provides the Checker abstraction the document actor's
readiness surface is built on: a small polymorphic health-check
interface, a hysteresis-based Status tracker, and two concrete
checkers — ActorChecker (round-trips the document actor's Health
message) and TCPChecker (a bare socket probe for peer reachability).

# Checker Interface

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

Callers don't need to know the concrete checker type; they call
Check() and interpret the Result.

# Status Tracking

Status implements hysteresis so a single transient failure doesn't flip
a member to unhealthy:

	status := health.NewStatus()
	config := health.DefaultConfig()

	result := checker.Check(ctx)
	status.Update(result, config)

	if !status.Healthy {
		// ConsecutiveFailures >= config.Retries
	}

# Usage

	checker := health.NewActorChecker(theActor) // *actor.Actor satisfies Pinger
	result := checker.Check(ctx)

	peerProbe := health.NewTCPChecker("10.0.0.5:2481").WithTimeout(2 * time.Second)
	result = peerProbe.Check(ctx)

# See Also

  - pkg/actor - the Pinger ActorChecker wraps
  - pkg/api - serves /health and /ready over this package's Checker
*/
package health
