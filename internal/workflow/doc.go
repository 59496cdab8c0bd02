// Package workflow interprets directed graphs of typed nodes. Execution is
// bounded by a per-node visit limit and a global step budget, edges are
// chosen in declaration order, and edge conditions use a small expression
// language rather than evaluated code.
package workflow
