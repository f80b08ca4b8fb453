package model

import "time"

// TimestampLayout is the format used for every timestamp in a Snapshot.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// EndpointProtocol identifies the polling protocol spoken by taskd endpoints.
const EndpointProtocol = "taskd"

// notFoundMessage is reported for ids that are unknown or already consumed.
const notFoundMessage = "Job not found."

// Snapshot is the external, serializable view of a job at one point in time.
// Absent values encode as JSON null.
type Snapshot struct {
	ID                  string  `json:"id"`
	Status              string  `json:"status"`
	Progress            float64 `json:"progress"`
	Message             *string `json:"message"`
	Result              any     `json:"result"`
	RefreshJobURL       *string `json:"refresh_job_url"`
	CreatedAt           *string `json:"created_at"`
	QueuedAt            *string `json:"queued_at"`
	ExecutionStartedAt  *string `json:"execution_started_at"`
	ExecutionFinishedAt *string `json:"execution_finished_at"`
	EndpointProtocol    string  `json:"endpoint_protocol"`
}

// NotFoundSnapshot returns the synthetic snapshot reported for an unknown id.
// It carries no timestamps.
func NotFoundSnapshot(id string) Snapshot {
	msg := notFoundMessage
	return Snapshot{
		ID:               id,
		Status:           StatusFailed,
		Message:          &msg,
		EndpointProtocol: EndpointProtocol,
	}
}

// FormatTime renders t in TimestampLayout (UTC), or nil for the zero time.
func FormatTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(TimestampLayout)
	return &s
}

// ParseTime is the inverse of FormatTime. A nil input yields the zero time.
func ParseTime(s *string) (time.Time, error) {
	if s == nil {
		return time.Time{}, nil
	}
	return time.Parse(TimestampLayout, *s)
}
