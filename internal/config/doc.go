// Package config loads the orchestrator's configuration from a JSON or YAML
// file, fills defaults, applies OPENMCP_* environment overrides and resolves
// credentials for the generation provider and enabled tools. A credential that
// a configured component requires but cannot be resolved is reported as a
// CONFIGURATION_INVALID error before any component is constructed.
package config
