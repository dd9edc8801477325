// ============================================================================
// mtcbridge Poll Scheduler
// ============================================================================
//
// Package: internal/poller
// File: poller.go
// Purpose: Periodically trigger a catalog refresh while connected
//
// Lifecycle:
//   Start(interval) → fire() immediately, then every interval
//   Stop()          → cancel the ticker goroutine and wait for it to exit
//
//   interval <= 0 disables polling: Start is a no-op.
//   Start while running restarts with the new interval.
//   Stop is idempotent; the controller calls it on every disconnect and
//   calls Start again only after a successful (re)connect.
//
// Execution Model:
//   ┌──────────────────────────────┐
//   │  ticker goroutine            │
//   │  for {                       │
//   │    select {                  │
//   │    case <-stopCh: return     │
//   │    case <-ticker.C: fire()   │
//   │    }                         │
//   │  }                           │
//   └──────────────────────────────┘
//
//   fire() runs on the ticker goroutine (and once on the caller of Start).
//   The controller's fire only posts a coalescing signal into its event loop,
//   so it never blocks.
//
// ============================================================================

package poller

import (
	"sync"
	"time"
)

// Scheduler owns one cancellable periodic task.
type Scheduler struct {
	fire func()

	mu       sync.Mutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
	interval time.Duration
}

// New creates a Scheduler calling fire on every tick.
func New(fire func()) *Scheduler {
	return &Scheduler{fire: fire}
}

// Start fires once and then every interval. interval <= 0 is a no-op.
func (s *Scheduler) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.Stop()

	s.mu.Lock()
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.interval = interval
	s.wg.Add(1)
	s.mu.Unlock()

	s.fire()

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				// 再次檢查是否已停止（避免在 ticker 觸發後才收到 stop 信號）
				select {
				case <-stopCh:
					return
				default:
				}
				s.fire()
			}
		}
	}()
}

// Stop cancels the periodic task. Safe to call when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.interval = 0
	s.mu.Unlock()

	s.wg.Wait()
}

// Running reports whether a periodic task is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil
}

// Interval returns the active interval, or 0 when stopped.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}
