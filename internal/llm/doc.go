// Package llm defines the single interface through which agents, planners
// and the agent synthesiser talk to a language model. Provider adapters live
// in subpackages.
package llm
