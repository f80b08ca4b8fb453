package model

import "github.com/oklog/ulid/v2"

// NewID returns a ULID for a new job. IDs sort by creation time.
func NewID() string {
	return ulid.Make().String()
}

// Job status constants. The values match the wire format clients poll for.
const (
	StatusQueued     = "Queued"
	StatusProcessing = "Processing"
	StatusFinished   = "Finished"
	StatusFailed     = "Failed"
	StatusTimeout    = "Timeout"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entry and therefore never change again.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusFailed:     true,
		StatusTimeout:    true,
	},
	StatusProcessing: {
		StatusFinished: true,
		StatusFailed:   true,
		StatusTimeout:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is one a job never leaves.
func IsTerminal(status string) bool {
	switch status {
	case StatusFinished, StatusFailed, StatusTimeout:
		return true
	}
	return false
}
