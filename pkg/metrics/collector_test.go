package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeStatsSource struct {
	stats       ActorStats
	memberCount int
	memberErr   error
}

func (f fakeStatsSource) Stats() ActorStats         { return f.stats }
func (f fakeStatsSource) MemberCount() (int, error) { return f.memberCount, f.memberErr }

func gaugeValue(g prometheus.Gauge) float64 {
	return testutil.ToFloat64(g)
}

// TestCollectorCollectSetsGauges tests that collect() samples the
// stats source into the package-level gauges.
func TestCollectorCollectSetsGauges(t *testing.T) {
	src := fakeStatsSource{
		stats:       ActorStats{QueueDepth: 3, Revision: 42, ChangeCount: 7},
		memberCount: 2,
	}
	c := NewCollector(src)
	c.collect()

	if got := gaugeValue(DocumentRevision); got != 42 {
		t.Errorf("DocumentRevision = %v, want 42", got)
	}
	if got := gaugeValue(DocumentChanges); got != 7 {
		t.Errorf("DocumentChanges = %v, want 7", got)
	}
	if got := gaugeValue(ActorQueueDepth); got != 3 {
		t.Errorf("ActorQueueDepth = %v, want 3", got)
	}
	if got := gaugeValue(MembersTotal); got != 2 {
		t.Errorf("MembersTotal = %v, want 2", got)
	}
}

// TestCollectorCollectMemberErrorLeavesGaugeUnset tests that a
// MemberCount error doesn't overwrite MembersTotal with a wrong value.
func TestCollectorCollectMemberErrorLeavesGaugeUnset(t *testing.T) {
	src := fakeStatsSource{
		stats:       ActorStats{QueueDepth: 1, Revision: 1, ChangeCount: 1},
		memberCount: 99,
		memberErr:   errors.New("boom"),
	}
	c := NewCollector(src)
	MembersTotal.Set(5)
	c.collect()

	if got := gaugeValue(MembersTotal); got != 5 {
		t.Errorf("MembersTotal = %v, want unchanged 5", got)
	}
}

// TestCollectorStartStop tests that Start begins a background loop and
// Stop terminates it without a panic or hang.
func TestCollectorStartStop(t *testing.T) {
	src := fakeStatsSource{stats: ActorStats{Revision: 1}, memberCount: 1}
	c := NewCollector(src)
	c.Start()
	time.Sleep(10 * time.Millisecond)
	c.Stop()
}
