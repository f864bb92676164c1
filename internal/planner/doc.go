// Package planner turns a natural-language task into an ordered, validated
// Plan of tool invocations. Plans are all-or-nothing: any schema violation,
// unknown tool or missing required input aborts planning with PLANNING_FAILURE.
package planner
