// Package orchestrator drives features through their execution lifecycle:
// dispatch, optional planning and approval, implementation, pipeline
// steps, and terminal status. It also runs the concurrency-bounded auto
// loop that decides what runs next.
//
// # Execution model
//
// Every execution is registered in an owned registry before any I/O
// happens, which closes the race between "decided to run" and "marked as
// running": at most one execution exists per feature id at any instant.
// Each execution owns a cancellation context; stopping one item cancels
// its context and frees its slot immediately, while the provider call
// unwinds in the background.
//
// # Failure handling
//
// Any non-cancellation error rolls the feature back to backlog, is
// classified against the error taxonomy, and feeds the failure monitor,
// which can pause the auto loop. Cancellation leaves the status as-is
// and emits a stopped-by-user completion event.
package orchestrator
