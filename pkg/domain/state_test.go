package domain

import "testing"

func TestPhaseForDay(t *testing.T) {
	cases := []struct {
		day  int
		want AccountState
	}{
		{0, StateWarmingP1},
		{1, StateWarmingP1},
		{3, StateWarmingP1},
		{4, StateWarmingP2},
		{7, StateWarmingP2},
		{8, StateWarmingP3},
		{14, StateWarmingP3},
		{15, StateActive},
		{90, StateActive},
	}
	for _, c := range cases {
		if got := PhaseForDay(c.day); got != c.want {
			t.Errorf("PhaseForDay(%d) = %q, want %q", c.day, got, c.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to AccountState
		want     bool
	}{
		{StateCreated, StateWarmingP1, true},
		{StateCreated, StateWarmingP2, false},
		{StateWarmingP1, StateWarmingP2, true},
		{StateWarmingP2, StateWarmingP3, true},
		{StateWarmingP3, StateActive, true},
		{StateActive, StateResting, true},
		{StateActive, StateCooldown, true},
		{StateResting, StateActive, true},
		{StateCooldown, StateActive, true},
		{StateWarmingP1, StateBanned, true},
		{StateActive, StateShadowbanned, true},
		{StateBanned, StateActive, false},
		{StateActive, StateActive, false},
		{StateFlagged, StateActive, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestClassifySessionOutcomeNoOverrideOnSuccess(t *testing.T) {
	if _, ok := ClassifySessionOutcome(OutcomeCompleted, StateFlagged); ok {
		t.Fatalf("a completed outcome must never force an override")
	}
}

func TestClassifySessionOutcomeForcesOnFailureWhenClassified(t *testing.T) {
	state, ok := ClassifySessionOutcome(OutcomeWarmingFailed, StateFlagged)
	if !ok || state != StateFlagged {
		t.Fatalf("expected forced transition to flagged, got %q ok=%v", state, ok)
	}
}

func TestClassifySessionOutcomeNoOverrideWithoutClassification(t *testing.T) {
	if _, ok := ClassifySessionOutcome(OutcomeWarmingFailed, ""); ok {
		t.Fatalf("no forced state should mean no override")
	}
}

func TestPhaseNumber(t *testing.T) {
	cases := []struct {
		state AccountState
		want  int
	}{
		{StateWarmingP1, 1},
		{StateWarmingP2, 2},
		{StateWarmingP3, 3},
		{StateActive, 4},
		{StateCreated, 0},
		{StateBanned, 0},
	}
	for _, c := range cases {
		if got := PhaseNumber(c.state); got != c.want {
			t.Errorf("PhaseNumber(%q) = %d, want %d", c.state, got, c.want)
		}
	}
}
