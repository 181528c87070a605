package downloads

import (
	"context"
	"log"
	"sync"
	"time"
)

// Janitor runs the age-based cleanup at a fixed interval while the process is
// running. The single-flight guard lives in CleanupStale, so an overlapping
// manual pass is harmless.
type Janitor struct {
	manager       *Manager
	interval      time.Duration
	retentionDays int
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func NewJanitor(manager *Manager, interval time.Duration, retentionDays int) *Janitor {
	return &Janitor{manager: manager, interval: interval, retentionDays: retentionDays}
}

// Start launches the cleanup loop. An initial pass runs immediately.
func (j *Janitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.wg.Add(1)
	go j.run(ctx)
}

func (j *Janitor) Stop() {
	if j == nil || j.cancel == nil {
		return
	}
	j.cancel()
	j.wg.Wait()
}

func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()

	j.sweep()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	removed, err := j.manager.CleanupStale(j.retentionDays)
	if err != nil {
		log.Printf("downloads: cleanup pass failed: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("downloads: cleanup removed %d stale episode(s)", removed)
	}
}
