package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCommandState_Transitions(t *testing.T) {
	req := require.New(t)

	// PENDING may skip PROCESSING entirely
	req.True(StatePending.CanTransitionTo(StateProcessing))
	req.True(StatePending.CanTransitionTo(StateCompleted))
	req.True(StatePending.CanTransitionTo(StateFailed))

	// PROCESSING repeats for each progress tick, then settles
	req.True(StateProcessing.CanTransitionTo(StateProcessing))
	req.True(StateProcessing.CanTransitionTo(StateCompleted))
	req.True(StateProcessing.CanTransitionTo(StateFailed))
	req.False(StateProcessing.CanTransitionTo(StatePending))

	// Terminal states accept nothing
	for _, terminal := range []CommandState{StateCompleted, StateFailed} {
		for _, next := range []CommandState{StatePending, StateProcessing, StateCompleted, StateFailed} {
			req.False(terminal.CanTransitionTo(next), "%s -> %s must be rejected", terminal, next)
		}
	}
}

func TestCommandState_Terminal(t *testing.T) {
	req := require.New(t)

	req.False(StatePending.Terminal())
	req.False(StateProcessing.Terminal())
	req.True(StateCompleted.Terminal())
	req.True(StateFailed.Terminal())
}

func TestExecution_Duration(t *testing.T) {
	req := require.New(t)

	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	exec := Execution{CreatedAt: started, UpdatedAt: started.Add(750 * time.Millisecond)}

	req.Equal(750*time.Millisecond, exec.Duration())
}
