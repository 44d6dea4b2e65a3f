package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidTransition(StatusPending, StatusRunning))
	assert.True(t, ValidTransition(StatusPending, StatusCancelled))
	assert.True(t, ValidTransition(StatusRunning, StatusSuccess))
	assert.True(t, ValidTransition(StatusRunning, StatusFailed))
	assert.True(t, ValidTransition(StatusRunning, StatusTimeout))

	assert.False(t, ValidTransition(StatusRunning, StatusCancelled))
	assert.False(t, ValidTransition(StatusSuccess, StatusRunning), "terminal states are never left")
	assert.False(t, ValidTransition(StatusCancelled, StatusRunning))
	assert.False(t, ValidTransition(StatusPending, StatusSuccess), "runs must pass through RUNNING")
}

func TestTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range AllStatuses {
		terminal := s != StatusPending && s != StatusRunning
		assert.Equal(t, terminal, s.Terminal(), string(s))
	}
}
