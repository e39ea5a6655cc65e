package model

import "time"

// ProjectStatus represents the lifecycle state of a matching project.
type ProjectStatus string

const (
	ProjectStatusQueued     ProjectStatus = "queued"
	ProjectStatusProcessing ProjectStatus = "processing"
	ProjectStatusFinished   ProjectStatus = "finished"
	ProjectStatusError      ProjectStatus = "error"
	ProjectStatusCancelled  ProjectStatus = "cancelled"
)

// validTransitions encodes the forward-only lifecycle. Cancellation is only
// reachable from queued; once processing starts the project runs to a
// terminal state.
var validTransitions = map[ProjectStatus][]ProjectStatus{
	ProjectStatusQueued:     {ProjectStatusProcessing, ProjectStatusCancelled},
	ProjectStatusProcessing: {ProjectStatusFinished, ProjectStatusError},
	ProjectStatusFinished:   {},
	ProjectStatusError:      {},
	ProjectStatusCancelled:  {},
}

// CanTransition reports whether moving from one project status to another is
// a legal lifecycle transition.
func CanTransition(from, to ProjectStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions.
func (s ProjectStatus) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// Project is one unit of matching work: a BOM plus free-form notes.
type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name,omitempty"`
	Description string        `json:"description,omitempty"`
	Email       string        `json:"email,omitempty"`
	Status      ProjectStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
}
