// Package api exposes the daemon's read-only HTTP surface: a status
// snapshot of the step loop and a liveness probe. It never mutates
// orchestrator state.
package api
