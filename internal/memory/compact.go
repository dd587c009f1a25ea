// Copyright 2025 James Ross
package memory

import (
	"fmt"

	"github.com/flyingrobots/go-traffic-signal-controller/internal/obs"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StartCompactor schedules periodic journal compaction. now supplies
// the current simulated second; the schedule accepts cron specs and
// @every durations. The returned cron is already running; Stop it on
// shutdown.
func StartCompactor(store *Store, schedule string, now func() int, log *zap.Logger) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		removed := store.Compact(now())
		if removed > 0 {
			log.Info("memory journal compacted",
				obs.Int("removed", removed),
				obs.Int("remaining", store.Len()))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule compaction %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}
