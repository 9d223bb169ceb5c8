package deploy

import "github.com/disco-paas/disco/db"

// Status is a deployment's position in its lifecycle.
type Status string

const (
	StatusQueued     Status = db.DeploymentStatusQueued
	StatusInProgress Status = db.DeploymentStatusInProgress
	StatusComplete   Status = db.DeploymentStatusComplete
	StatusFailed     Status = db.DeploymentStatusFailed
)

// ValidTransitions defines which status transitions are allowed.
var ValidTransitions = map[Status][]Status{
	StatusQueued:     {StatusInProgress},
	StatusInProgress: {StatusComplete, StatusFailed},
	// Terminal states: complete, failed (no transitions out). A queued
	// deployment only fails through IN_PROGRESS; the pipeline moves it
	// there before its first fallible step.
}

// IsTerminal returns true if the status is a terminal state. Liveness is not
// a status: the live deployment is the newest COMPLETE one per project.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// CanTransitionTo checks if a transition to the target status is valid.
func (s Status) CanTransitionTo(target Status) bool {
	for _, valid := range ValidTransitions[s] {
		if valid == target {
			return true
		}
	}
	return false
}
