package target

import (
	"time"

	"github.com/Kodiack54/driftboard/internal/config"
	"github.com/Kodiack54/driftboard/internal/model"
)

type HealthState struct {
	Current              model.NodeHealthState
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

// NextHealth advances a node's health state from one probe or exec outcome.
// A node degrades on the first failure, goes down after NodeDownFailures
// within NodeDownWindow, and recovers only after NodeRecoverSuccesses.
func NextHealth(cfg config.Config, state HealthState, success bool, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = model.NodeHealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if (state.Current == model.NodeHealthDegraded || state.Current == model.NodeHealthDown) && state.ConsecutiveSuccesses >= cfg.NodeRecoverSuccesses {
			state.Current = model.NodeHealthOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case model.NodeHealthOK:
		state.Current = model.NodeHealthDegraded
		state.LastTransitionAt = now
	case model.NodeHealthDegraded:
		if now.Sub(state.LastTransitionAt) > cfg.NodeDownWindow {
			// Failure window expired; start a new degraded window from this failure.
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= cfg.NodeDownFailures {
			state.Current = model.NodeHealthDown
			state.LastTransitionAt = now
		}
	case model.NodeHealthDown:
		// keep down until enough successful probes arrive
	}
	return state
}
