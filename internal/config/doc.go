// Package config loads the orchestrator configuration from a YAML file with
// NEXUS_ prefixed environment overrides and fills in runtime defaults.
package config
