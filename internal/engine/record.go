package engine

import (
	"sync"
	"time"

	"github.com/seantiz/taskd/internal/model"
	"github.com/seantiz/taskd/internal/task"
)

// Record is one submitted job and its lifecycle state. The engine owns every
// Record; callers receive a pointer for reading only.
type Record struct {
	id        string
	kind      string
	args      task.Args
	def       *task.Definition
	progress  *Progress
	createdAt time.Time
	deadline  time.Time

	mu         sync.RWMutex
	status     string
	result     any
	queuedAt   time.Time
	startedAt  time.Time
	finishedAt time.Time
	rejection  error
}

func newRecord(kind string, args task.Args, def *task.Definition, timeout time.Duration, now time.Time) *Record {
	return &Record{
		id:        model.NewID(),
		kind:      kind,
		args:      args,
		def:       def,
		progress:  NewProgress(),
		createdAt: now,
		deadline:  now.Add(timeout),
		status:    model.StatusQueued,
	}
}

// ID returns the job id.
func (r *Record) ID() string { return r.id }

// Kind returns the task kind the job was submitted for.
func (r *Record) Kind() string { return r.kind }

// Progress returns the job's progress cell.
func (r *Record) Progress() *Progress { return r.progress }

// CreatedAt returns the submission time.
func (r *Record) CreatedAt() time.Time { return r.createdAt }

// Deadline returns the time after which the job is marked Timeout.
func (r *Record) Deadline() time.Time { return r.deadline }

// Status returns the current status.
func (r *Record) Status() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Result returns the value produced by a successful run, or nil.
func (r *Record) Result() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result
}

// Timestamps returns queued, started, and finished times; unset ones are zero.
func (r *Record) Timestamps() (queued, started, finished time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queuedAt, r.startedAt, r.finishedAt
}

// Rejection reports why the job was refused at admission: ErrAtCapacity,
// ErrUnknownKind, or ErrShuttingDown. It is nil for admitted jobs.
func (r *Record) Rejection() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rejection
}

// transition moves the record to status `to` and runs apply while still
// holding the lock. It reports false, changing nothing, when the move is not
// allowed, which is how terminal statuses stay final.
func (r *Record) transition(to string, apply func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !model.ValidTransition(r.status, to) {
		return false
	}
	r.status = to
	if apply != nil {
		apply()
	}
	return true
}

func (r *Record) markQueued(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queuedAt.IsZero() {
		r.queuedAt = now
	}
}

func (r *Record) reject(cause error, message string) bool {
	return r.transition(model.StatusFailed, func() {
		r.rejection = cause
		r.progress.SetStatus(0, message)
	})
}

func (r *Record) markProcessing(now time.Time) bool {
	return r.transition(model.StatusProcessing, func() {
		r.startedAt = now
	})
}

func (r *Record) markTimeout(now time.Time) bool {
	return r.transition(model.StatusTimeout, func() {
		r.result = nil
		r.finishedAt = now
	})
}

func (r *Record) finish(status string, result any, progressMessage string, now time.Time) bool {
	return r.transition(status, func() {
		r.result = result
		r.progress.SetStatus(1.0, progressMessage)
		r.finishedAt = now
	})
}
