package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maceip/acdp-gateway/internal/domain/routing"
)

// GepaStore is the persistence port GepaService needs: a window of recent
// predictions per module, the module's optimization history, and its
// per-module cooldown timestamp. Implemented by
// internal/adapter/outbound/routingdb.
type GepaStore interface {
	RecentPredictions(ctx context.Context, module string, limit int) ([]routing.PredictionRecord, error)
	IterationHistory(ctx context.Context, module string, limit int) ([]routing.OptimizationIteration, error)
	RecordIteration(ctx context.Context, it routing.OptimizationIteration) error
	LastRun(ctx context.Context, module string) (time.Time, error)
	MarkRun(ctx context.Context, module string, at time.Time) error
}

// GepaService runs the GEPA prompt-optimization feedback loop: for each
// tracked module it periodically checks whether the recent prediction
// window has gone stale (accuracy below trigger, quiescence not yet
// reached, cooldown elapsed) and if so synthesizes and persists the next
// optimization iteration.
type GepaService struct {
	store  GepaStore
	logger *slog.Logger

	pollInterval time.Duration

	mu      sync.Mutex
	modules map[string]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// NewGepaService creates a GepaService polling every pollInterval. A
// pollInterval of 0 defaults to one minute.
func NewGepaService(store GepaStore, logger *slog.Logger, pollInterval time.Duration) *GepaService {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GepaService{
		store:        store,
		logger:       logger,
		pollInterval: pollInterval,
		modules:      make(map[string]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// TrackModule registers a module name for periodic GEPA evaluation. Safe
// to call repeatedly; duplicate registrations are no-ops.
func (s *GepaService) TrackModule(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[module] = struct{}{}
}

// Start launches the background polling loop.
func (s *GepaService) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runOnce(ctx)
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the polling loop. Safe to call multiple times.
func (s *GepaService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
}

// runOnce evaluates every tracked module once.
func (s *GepaService) runOnce(ctx context.Context) {
	s.mu.Lock()
	modules := make([]string, 0, len(s.modules))
	for m := range s.modules {
		modules = append(modules, m)
	}
	s.mu.Unlock()

	for _, module := range modules {
		if err := s.evaluateModule(ctx, module); err != nil {
			s.logger.Error("gepa evaluation failed", "module", module, "error", err)
		}
	}
}

// evaluateModule fetches module's recent prediction window and, if the
// window warrants it, synthesizes and persists the next optimization
// iteration.
func (s *GepaService) evaluateModule(ctx context.Context, module string) error {
	window, err := s.store.RecentPredictions(ctx, module, routing.MinWindowTotal)
	if err != nil {
		return err
	}
	lastRun, err := s.store.LastRun(ctx, module)
	if err != nil {
		return err
	}

	now := time.Now()
	if !routing.ShouldOptimize(window, lastRun, now) {
		return nil
	}

	history, err := s.store.IterationHistory(ctx, module, 1)
	if err != nil {
		return err
	}

	var recent, previous []routing.PredictionRecord
	if len(window) >= routing.MinWindowTotal {
		recent = window[:routing.MinWindowSize]
		previous = window[routing.MinWindowSize:routing.MinWindowTotal]
	}

	iteration := routing.NextIteration(module, history, recent, previous, now)
	if err := s.store.RecordIteration(ctx, iteration); err != nil {
		return err
	}
	if err := s.store.MarkRun(ctx, module, now); err != nil {
		return err
	}

	s.logger.Info("gepa optimization iteration recorded",
		"module", module, "iteration", iteration.Iteration, "expected_improvement", iteration.ExpectedImprovement)
	return nil
}
