package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/o-tero/requestguard/pkg/models"
)

// Cleaner is anything the Sweeper can purge of expired state.
// *BoundedCache satisfies it.
type Cleaner interface {
	Name() string
	Cleanup() int
}

// Store is the type-erased view of a BoundedCache that owners expose for
// sweeping and stats.
type Store interface {
	Cleaner
	Stats() models.CacheStats
}

// SweeperStats summarizes sweeper activity.
type SweeperStats struct {
	Runs     int64         `json:"runs"`
	Removed  int64         `json:"removed"`
	LastRun  time.Time     `json:"last_run"`
	LastTook time.Duration `json:"last_took"`
}

// Sweeper periodically runs Cleanup on a fixed set of caches on its own
// goroutine, independent of request traffic.
//
// Each Cleanup holds only its own cache's lock, and at most `workers` caches are
// swept concurrently, so request workers wait on at most one sweep slice per cache.
type Sweeper struct {
	interval time.Duration
	workers  int
	cleaners []Cleaner
	logger   *zap.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	runs     atomic.Int64
	removed  atomic.Int64
	lastRun  atomic.Int64 // unix nanos
	lastTook atomic.Int64 // nanos
}

// NewSweeper creates a sweeper; call Start to begin ticking.
func NewSweeper(interval time.Duration, workers int, logger *zap.Logger, cleaners ...Cleaner) *Sweeper {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		interval: interval,
		workers:  workers,
		cleaners: cleaners,
		logger:   logger.Named("sweeper"),
	}
}

// Start launches the sweep loop. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.interval <= 0 {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})

	s.wg.Add(1)
	go s.run(ctx, s.stopChan)

	s.logger.Info("sweeper started",
		zap.Duration("interval", s.interval),
		zap.Int("caches", len(s.cleaners)))
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs Cleanup on every cache and returns the total number removed.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	start := time.Now()

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, c := range s.cleaners {
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n := c.Cleanup()
			total.Add(int64(n))
			if n > 0 {
				s.logger.Debug("cache swept", zap.String("cache", c.Name()), zap.Int("removed", n))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Debug("sweep interrupted", zap.Error(err))
	}

	took := time.Since(start)
	s.runs.Add(1)
	s.removed.Add(total.Load())
	s.lastRun.Store(start.UnixNano())
	s.lastTook.Store(int64(took))

	return int(total.Load())
}

// Stats returns a snapshot of sweeper counters.
func (s *Sweeper) Stats() SweeperStats {
	var last time.Time
	if ns := s.lastRun.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return SweeperStats{
		Runs:     s.runs.Load(),
		Removed:  s.removed.Load(),
		LastRun:  last,
		LastTook: time.Duration(s.lastTook.Load()),
	}
}
