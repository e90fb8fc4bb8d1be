package metrics

import "github.com/videoswarm/upswarm/batch"

// Collector turns batch.Store events into Prometheus updates. It is wired
// as a scheduler.Scheduler.EventObserver rather than reading
// batch.Store.Events() itself, since that channel already has exactly one
// reader (the scheduler's event loop) and a second reader would steal
// events meant for it.
type Collector struct {
	m *CoordinatorMetrics
}

func NewCollector(m *CoordinatorMetrics) *Collector {
	return &Collector{m: m}
}

// Observe is safe to register directly as a scheduler.Scheduler.EventObserver.
func (c *Collector) Observe(evt batch.Event) {
	switch evt.Kind {
	case batch.EventBatchCreated:
		c.m.BatchesCreated.Inc()
	case batch.EventBatchAssigned:
		c.m.BatchesAssigned.Inc()
		c.m.BatchesInFlight.Inc()
		if evt.IsDuplicate {
			c.m.DuplicateBatches.Inc()
		}
	case batch.EventWorkerBanned:
		c.m.WorkerBans.Inc()
	case batch.EventBatchCompleted:
		c.m.BatchesCompleted.Inc()
		c.m.BatchesInFlight.Dec()
	case batch.EventBatchFailed:
		c.m.BatchesFailed.Inc()
		c.m.BatchesInFlight.Dec()
	case batch.EventBatchTimedOut:
		c.m.BatchesTimedOut.Inc()
		c.m.BatchesInFlight.Dec()
	case batch.EventBatchRequeued:
		c.m.BatchesRequeued.Inc()
	case batch.EventJobCompleted:
		c.m.JobsCompleted.Inc()
		c.m.JobsInFlight.Dec()
	case batch.EventJobFailed:
		c.m.JobsFailed.Inc()
		c.m.JobsInFlight.Dec()
	}
}
