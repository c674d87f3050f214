package run

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTerminalStates(t *testing.T) {
	terminal := []Status{StatusApplied, StatusErrored, StatusDiscarded, StatusCanceled}
	for _, s := range terminal {
		require.True(t, s.Terminal(), "%s should be terminal", s)
	}

	nonTerminal := []Status{StatusPending, StatusQueued, StatusPlanning, StatusPlanned, StatusConfirmed, StatusApplying}
	for _, s := range nonTerminal {
		require.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestAllowedTransitionsMatchSpec(t *testing.T) {
	cases := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusQueued, StatusPlanning, true},
		{StatusPlanning, StatusPlanned, true},
		{StatusPlanned, StatusConfirmed, true},
		{StatusPlanned, StatusDiscarded, true},
		{StatusConfirmed, StatusApplying, true},
		{StatusApplying, StatusApplied, true},
		{StatusApplied, StatusPlanning, false},
		{StatusPending, StatusApplying, false},
		{StatusPlanned, StatusApplying, false},
	}
	for _, c := range cases {
		require.Equal(t, c.allowed, allowed(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestNotConfirmableForSpeculativeRuns(t *testing.T) {
	require.True(t, Run{PlanOnly: true}.NotConfirmable())
	require.False(t, Run{PlanOnly: false}.NotConfirmable())
}

func TestPhaseViewProjection(t *testing.T) {
	now := time.Now()

	require.Equal(t, PhaseViewPending, Run{Status: StatusQueued}.PlanPhaseView())
	require.Equal(t, PhaseViewUnreachable, Run{Status: StatusQueued}.ApplyPhaseView())

	require.Equal(t, PhaseViewRunning, Run{Status: StatusPlanning}.PlanPhaseView())

	require.Equal(t, PhaseViewFinished, Run{Status: StatusApplying}.PlanPhaseView())
	require.Equal(t, PhaseViewRunning, Run{Status: StatusApplying}.ApplyPhaseView())

	erroredDuringPlan := Run{Status: StatusErrored}
	require.Equal(t, PhaseViewErrored, erroredDuringPlan.PlanPhaseView())

	erroredDuringApply := Run{Status: StatusErrored, PlanFinishedAt: &now, ApplyStartedAt: &now}
	require.Equal(t, PhaseViewFinished, erroredDuringApply.PlanPhaseView())
	require.Equal(t, PhaseViewErrored, erroredDuringApply.ApplyPhaseView())

	require.Equal(t, PhaseViewCanceled, Run{Status: StatusCanceled}.PlanPhaseView())
	require.Equal(t, PhaseViewCanceled, Run{Status: StatusCanceled}.ApplyPhaseView())
}

func TestLogTerminality(t *testing.T) {
	require.True(t, Run{Status: StatusPlanned}.PlanLogTerminal())
	require.False(t, Run{Status: StatusPlanned}.ApplyLogTerminal())
	require.True(t, Run{Status: StatusApplied}.ApplyLogTerminal())
	require.False(t, Run{Status: StatusQueued}.PlanLogTerminal())
}
