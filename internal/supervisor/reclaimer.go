package supervisor

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

// reclaimer periodically sweeps every stage's inflight list and requeues
// items whose lease expired. It is the only recovery mechanism: workers
// never clean up after their own crashes.
//
// Inflight entries with no lease at all (a crash inside the dequeue handoff,
// before the lease stamp) are not reclaimed on first sight: a healthy worker
// may be about to stamp them. An entry still leaseless on the next pass is
// forced.
type reclaimer struct {
	client       *pipeline.Client
	instanceName string
	interval     time.Duration

	// leaseless tracks stage -> item ids seen without a lease on the
	// previous pass. Only the reclaim loop goroutine touches it.
	leaseless map[string]map[string]bool

	reclaimed atomic.Int64
	orphans   atomic.Int64
}

func newReclaimer(client *pipeline.Client, instanceName string, interval time.Duration) *reclaimer {
	return &reclaimer{
		client:       client,
		instanceName: instanceName,
		interval:     interval,
		leaseless:    make(map[string]map[string]bool),
	}
}

// run sweeps immediately (startup recovery), then on every tick until ctx
// is cancelled.
func (r *reclaimer) run(ctx context.Context) {
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep runs one reclaim pass over all stages.
func (r *reclaimer) sweep(ctx context.Context) {
	now := time.Now().UnixMilli()

	for _, stage := range r.client.Registry().Stages() {
		report, err := r.client.ReclaimExpired(ctx, stage, now, r.leaseless[stage])
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[ERROR] Reclaim pass failed: stage=%s error=%v", stage, err)
			continue
		}

		if len(report.Reclaimed) > 0 {
			r.reclaimed.Add(int64(len(report.Reclaimed)))
			logEvent("items_reclaimed", map[string]interface{}{
				"instance": r.instanceName,
				"stage":    stage,
				"count":    len(report.Reclaimed),
				"item_ids": report.Reclaimed,
			})
		}
		if len(report.Orphans) > 0 {
			r.orphans.Add(int64(len(report.Orphans)))
			logEvent("orphan_entries_dropped", map[string]interface{}{
				"instance": r.instanceName,
				"stage":    stage,
				"count":    len(report.Orphans),
				"item_ids": report.Orphans,
			})
		}

		// Entries leaseless on this pass are forced on the next one.
		next := make(map[string]bool, len(report.Leaseless))
		for _, id := range report.Leaseless {
			next[id] = true
		}
		r.leaseless[stage] = next
	}
}
