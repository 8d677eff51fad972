// Package feature defines the work-item data model and its durable store.
//
// Each feature is persisted as one JSON record under the project's
// .autoboard directory, with a companion transcript file holding the
// agent's accumulated output. The transcript's presence is meaningful:
// resume logic uses it to distinguish a fresh start from a continuation.
package feature
