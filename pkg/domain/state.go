package domain

// PhaseForDay derives the warming phase from a day count, deterministically:
// 1-3 -> warming_p1, 4-7 -> warming_p2, 8-14 -> warming_p3, >=15 -> active.
func PhaseForDay(dayCount int) AccountState {
	switch {
	case dayCount >= 15:
		return StateActive
	case dayCount >= 8:
		return StateWarmingP3
	case dayCount >= 4:
		return StateWarmingP2
	default:
		return StateWarmingP1
	}
}

// PhaseNumber maps a warming state to its numeric phase (1-4), used by
// warming_progress rows and event context. Non-warming states return 0.
func PhaseNumber(state AccountState) int {
	switch state {
	case StateWarmingP1:
		return 1
	case StateWarmingP2:
		return 2
	case StateWarmingP3:
		return 3
	case StateActive:
		return 4
	default:
		return 0
	}
}

var legalTransitions = map[AccountState]map[AccountState]bool{
	StateCreated: {
		StateWarmingP1: true,
	},
	StateWarmingP1: {
		StateWarmingP2:    true,
		StateFlagged:      true,
		StateRestricted:   true,
		StateShadowbanned: true,
		StateSuspended:    true,
		StateBanned:       true,
	},
	StateWarmingP2: {
		StateWarmingP3:    true,
		StateFlagged:      true,
		StateRestricted:   true,
		StateShadowbanned: true,
		StateSuspended:    true,
		StateBanned:       true,
	},
	StateWarmingP3: {
		StateActive:       true,
		StateFlagged:      true,
		StateRestricted:   true,
		StateShadowbanned: true,
		StateSuspended:    true,
		StateBanned:       true,
	},
	StateActive: {
		StateResting:      true,
		StateCooldown:     true,
		StateFlagged:      true,
		StateRestricted:   true,
		StateShadowbanned: true,
		StateSuspended:    true,
		StateBanned:       true,
	},
	StateResting: {
		StateActive: true,
	},
	StateCooldown: {
		StateActive: true,
	},
}

// CanTransition reports whether moving an account from `from` to `to` is a
// legal edge in the state DAG.
func CanTransition(from, to AccountState) bool {
	if from == to {
		return false
	}
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// SessionOutcome classifies how a warming session ended, feeding into the
// single "classify current session outcome" hook the core exposes rather
// than inferring account degradation itself.
type SessionOutcome string

const (
	OutcomeCompleted     SessionOutcome = "completed"
	OutcomeAborted       SessionOutcome = "aborted"
	OutcomeWarmingFailed SessionOutcome = "warming_failed"
)

// ClassifySessionOutcome is the narrow hook for account degradation: it
// never inspects platform side-channels, it only turns an explicit runner
// verdict into an optional forced state transition. A false second return
// means "no override, apply the normal phase-for-day progression".
func ClassifySessionOutcome(outcome SessionOutcome, forced AccountState) (AccountState, bool) {
	if outcome != OutcomeCompleted && forced != "" {
		return forced, true
	}
	return "", false
}
