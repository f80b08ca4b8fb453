package engine

import "github.com/seantiz/taskd/internal/model"

// Snapshot projects the record into its external representation. It never
// mutates the record.
func (r *Record) Snapshot() model.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	progress, message := r.progress.Status()
	snap := model.Snapshot{
		ID:                  r.id,
		Status:              r.status,
		Progress:            progress,
		Result:              r.result,
		CreatedAt:           model.FormatTime(r.createdAt),
		QueuedAt:            model.FormatTime(r.queuedAt),
		ExecutionStartedAt:  model.FormatTime(r.startedAt),
		ExecutionFinishedAt: model.FormatTime(r.finishedAt),
		EndpointProtocol:    model.EndpointProtocol,
	}
	if message != "" {
		snap.Message = &message
	}
	return snap
}
