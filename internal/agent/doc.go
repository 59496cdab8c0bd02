// Package agent holds the pluggable capability handlers, the versioned
// registry they are resolved from, and the execution contract that wraps
// every invocation with bounded retries, structured-output repair and
// escalation to a human operator.
package agent
