package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/halvardlabs/autoboard/internal/events"
	"github.com/halvardlabs/autoboard/internal/feature"
	"github.com/halvardlabs/autoboard/internal/graph"
)

// StartLoop starts the auto-dispatch loop for a project. Starting the
// loop is an explicit user action, so the failure monitor resets: a
// prior pause never outlives a deliberate restart.
func (o *Orchestrator) StartLoop(projectPath string, maxConcurrency int) error {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()

	if o.loopRunning {
		return ErrLoopAlreadyRunning
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	o.monitor.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.loopCancel = cancel
	o.loopDone = done
	o.loopRunning = true

	o.logger.Info("auto loop started",
		zap.String("project_path", projectPath),
		zap.Int("max_concurrency", maxConcurrency))
	o.sink.Publish(events.Event{
		Type:        events.TypeLoopStarted,
		ProjectPath: projectPath,
	})

	go o.runLoop(ctx, projectPath, maxConcurrency, done)
	return nil
}

// StopLoop stops the auto loop and returns how many executions are still
// in flight; those keep running because their contexts are detached from
// the loop's.
func (o *Orchestrator) StopLoop() (int, error) {
	o.loopMu.Lock()
	if !o.loopRunning {
		o.loopMu.Unlock()
		return 0, ErrLoopNotRunning
	}
	cancel := o.loopCancel
	done := o.loopDone
	o.loopRunning = false
	o.loopCancel = nil
	o.loopMu.Unlock()

	cancel()
	<-done

	remaining := o.RunningCount()
	o.logger.Info("auto loop stopped", zap.Int("still_running", remaining))
	o.sink.Publish(events.Event{Type: events.TypeLoopStopped})
	return remaining, nil
}

// LoopRunning reports whether the auto loop is active.
func (o *Orchestrator) LoopRunning() bool {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()
	return o.loopRunning
}

// pauseLoop is the failure monitor's callback. It halts dispatch without
// touching in-flight executions and without resetting the monitor, so the
// pause persists until a user explicitly restarts the loop.
func (o *Orchestrator) pauseLoop(reason string) {
	o.loopMu.Lock()
	cancel := o.loopCancel
	running := o.loopRunning
	o.loopRunning = false
	o.loopCancel = nil
	o.loopMu.Unlock()

	if running && cancel != nil {
		cancel()
	}

	o.logger.Error("auto loop paused", zap.String("reason", reason))
	o.sink.Publish(events.Event{
		Type:    events.TypeLoopPaused,
		Message: reason,
	})
}

func (o *Orchestrator) runLoop(ctx context.Context, projectPath string, maxConcurrency int, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		if o.RunningCount() >= maxConcurrency {
			sleepCtx(ctx, o.cfg.PollInterval)
			continue
		}

		next, err := o.nextEligible(projectPath)
		if err != nil {
			o.logger.Warn("scheduling pass failed", zap.Error(err))
			sleepCtx(ctx, o.cfg.PollInterval)
			continue
		}
		if next == nil {
			o.sink.Publish(events.Event{
				Type:        events.TypeLoopIdle,
				ProjectPath: projectPath,
			})
			sleepCtx(ctx, o.cfg.IdleInterval)
			continue
		}

		o.logger.Info("auto-dispatching feature", zap.String("feature_id", next.ID))

		// Detached context: stopping the loop must not kill the execution.
		go func(id string) {
			err := o.Execute(context.Background(), ExecuteOptions{
				ProjectPath:    projectPath,
				FeatureID:      id,
				UseIsolation:   true,
				AutoDispatched: true,
			})
			if err != nil && !errors.Is(err, ErrExecutionBusy) {
				o.logger.Error("auto-dispatched execution failed",
					zap.String("feature_id", id), zap.Error(err))
			}
		}(next.ID)

		sleepCtx(ctx, o.cfg.PollInterval)
	}
}

// nextEligible picks the first feature that is ready, not already
// running, and has all dependencies satisfied, walking the board in
// dependency order. A cycle degrades to the acyclic subset.
func (o *Orchestrator) nextEligible(projectPath string) (*feature.Feature, error) {
	all, err := o.store.ListAll(projectPath)
	if err != nil {
		return nil, err
	}

	ordered, err := graph.TopoSort(all)
	if err != nil {
		o.logger.Warn("dependency cycle on board, scheduling acyclic subset", zap.Error(err))
	}

	idx := graph.Index(all)
	for _, f := range ordered {
		if !f.Status.IsReady() {
			continue
		}
		if o.IsRunning(f.ID) {
			continue
		}
		if !graph.Satisfied(f, idx) {
			continue
		}
		return f, nil
	}
	return nil, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
