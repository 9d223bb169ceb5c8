package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusQueued, StatusInProgress, true},
		// Queued deployments fail only by way of IN_PROGRESS.
		{StatusQueued, StatusFailed, false},
		{StatusQueued, StatusComplete, false},
		{StatusInProgress, StatusComplete, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusQueued, false},
		{StatusComplete, StatusFailed, false},
		{StatusComplete, StatusInProgress, false},
		{StatusFailed, StatusInProgress, false},
		{StatusFailed, StatusQueued, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
	assert.True(t, StatusComplete.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}
