package metrics

import "time"

// StatsSource is the narrow contract the collector polls; cmd/dkvstore
// adapts *actor.Actor to this shape (pkg/actor already imports
// pkg/metrics for its own instrumentation, so this package cannot
// import pkg/actor back without a cycle).
type StatsSource interface {
	Stats() ActorStats
	MemberCount() (int, error)
}

// ActorStats mirrors actor.Stats's fields the collector cares about,
// avoiding an import of pkg/actor (which already imports pkg/metrics
// for its own instrumentation; a back-import would cycle).
type ActorStats struct {
	QueueDepth  int
	Revision    int64
	ChangeCount int
}

// Collector periodically samples document/membership gauges from the
// document actor, the same "ticker drives a poll-and-set loop" shape
// as the teacher's manager-polling collector.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	stats := c.source.Stats()
	DocumentRevision.Set(float64(stats.Revision))
	DocumentChanges.Set(float64(stats.ChangeCount))
	ActorQueueDepth.Set(float64(stats.QueueDepth))

	if count, err := c.source.MemberCount(); err == nil {
		MembersTotal.Set(float64(count))
	}
}
