package transaction

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatePredicates(t *testing.T) {
	require.True(t, StateActive.CanExecute())
	require.False(t, StatePrepared.CanExecute())

	require.True(t, StateActive.CanCommit())
	require.True(t, StatePrepared.CanCommit())
	require.False(t, StateCommitting.CanCommit())
	require.False(t, StateCommitted.CanCommit())

	require.True(t, StateActive.CanAbort())
	require.True(t, StatePrepared.CanAbort())
	require.False(t, StateCommitted.CanAbort())
	require.False(t, StateAborted.CanAbort())

	require.True(t, StateCommitted.IsTerminal())
	require.True(t, StateAborted.IsTerminal())
	require.False(t, StateCommitting.IsTerminal())
}

func TestValidTransitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateActive, StatePrepared},
		{StateActive, StateCommitting},
		{StatePrepared, StateCommitting},
		{StateCommitting, StateCommitted},
		{StateActive, StateAborting},
		{StatePrepared, StateAborting},
		{StateCommitting, StateAborting},
		{StateAborting, StateAborted},
	}
	for _, tr := range allowed {
		require.True(t, validTransition(tr.from, tr.to),
			"%s -> %s should be allowed", tr.from, tr.to)
	}

	forbidden := []struct{ from, to State }{
		{StateCommitted, StateAborting},
		{StateAborted, StateAborting},
		{StateCommitted, StateCommitting},
		{StateAborting, StateCommitting},
		{StatePrepared, StateCommitted},
		{StateActive, StateAborted},
	}
	for _, tr := range forbidden {
		require.False(t, validTransition(tr.from, tr.to),
			"%s -> %s should be rejected", tr.from, tr.to)
	}
}

func TestSavepointStackDiscardFrom(t *testing.T) {
	var s savepointStack
	a := s.create("a", 0, nil)
	b := s.create("b", 1, nil)
	c := s.create("c", 2, nil)

	s.discardFrom(b)
	require.Equal(t, 1, s.len())
	_, ok := s.find(a)
	require.True(t, ok)
	_, ok = s.find(b)
	require.False(t, ok)
	_, ok = s.find(c)
	require.False(t, ok)
}
