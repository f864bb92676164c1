// Package tool defines the contract every external capability implements and
// the Registry that resolves tool identifiers to implementations. A Registry
// is built once at startup and handed to the planner and executor; it holds
// no process-wide state.
package tool
