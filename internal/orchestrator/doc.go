// Package orchestrator owns the intent queue: it admits submissions, asks the
// governor before every dispatch, routes each intent to a workflow or a
// single agent, and reports the outcome to memory, metrics and the event bus.
package orchestrator
