// Package intent defines the unit of work accepted by the orchestrator, the
// in-memory priority queue that orders pending intents and the snapshot
// format used to persist that queue across restarts.
package intent
