// Package approval holds outstanding plan-approval requests and settles
// them when a human responds.
package approval

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrNoPending means no approval is outstanding for the feature.
	ErrNoPending = errors.New("no pending approval")
	// ErrAlreadyWaiting means an approval is already outstanding.
	ErrAlreadyWaiting = errors.New("approval already pending")
	// ErrCanceled means the execution owning the wait was canceled.
	ErrCanceled = errors.New("approval canceled")
)

// Decision is a human response to a generated plan.
type Decision struct {
	Approved bool
	// EditedContent replaces the plan content when set.
	EditedContent string
	// Feedback is revision guidance attached to a rejection.
	Feedback string
}

// IsRevision reports whether a rejection asks for another draft rather
// than canceling the execution outright.
func (d Decision) IsRevision() bool {
	return !d.Approved && (d.Feedback != "" || d.EditedContent != "")
}

type pending struct {
	ch chan outcome
}

type outcome struct {
	decision Decision
	err      error
}

// Gate tracks at most one outstanding approval per feature id.
type Gate struct {
	logger *zap.Logger

	mu      sync.Mutex
	waiting map[string]*pending
}

// NewGate creates a gate.
func NewGate(logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{logger: logger, waiting: make(map[string]*pending)}
}

// Wait registers a pending approval for featureID and blocks until a
// decision lands, the wait is canceled, or ctx is done. The pending entry
// is removed on every exit path.
func (g *Gate) Wait(ctx context.Context, featureID string) (Decision, error) {
	g.mu.Lock()
	if _, exists := g.waiting[featureID]; exists {
		g.mu.Unlock()
		return Decision{}, ErrAlreadyWaiting
	}
	p := &pending{ch: make(chan outcome, 1)}
	g.waiting[featureID] = p
	g.mu.Unlock()

	g.logger.Info("waiting for plan approval", zap.String("feature_id", featureID))

	select {
	case out := <-p.ch:
		return out.decision, out.err
	case <-ctx.Done():
		if g.remove(featureID, p) {
			return Decision{}, ctx.Err()
		}
		// A concurrent settle already claimed this entry and its outcome
		// sits in the buffered channel. Honor it so the resolver's nil
		// return stays truthful.
		out := <-p.ch
		return out.decision, out.err
	}
}

// Resolve settles the pending approval for featureID.
func (g *Gate) Resolve(featureID string, d Decision) error {
	if !g.settle(featureID, outcome{decision: d}) {
		return ErrNoPending
	}

	g.logger.Info("plan approval resolved",
		zap.String("feature_id", featureID),
		zap.Bool("approved", d.Approved),
	)
	return nil
}

// Cancel rejects the pending approval, if any, with ErrCanceled.
// Used when the owning execution is stopped.
func (g *Gate) Cancel(featureID string) {
	g.settle(featureID, outcome{err: ErrCanceled})
}

// settle removes the pending entry and delivers the outcome in one
// critical section. Once the entry leaves the map the outcome is already
// in the buffered channel, so the waiter can always drain it even when
// its context fired in the same instant.
func (g *Gate) settle(featureID string, out outcome) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.waiting[featureID]
	if !ok {
		return false
	}
	delete(g.waiting, featureID)
	p.ch <- out
	return true
}

// Pending reports whether an approval is outstanding for featureID.
func (g *Gate) Pending(featureID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.waiting[featureID]
	return ok
}

// remove deletes the entry only if it is still the same registration,
// reporting whether it did. False means a settle got there first.
func (g *Gate) remove(featureID string, p *pending) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.waiting[featureID]; ok && cur == p {
		delete(g.waiting, featureID)
		return true
	}
	return false
}
