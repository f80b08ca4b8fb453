package engine

import "sync"

// Update is one progress observation.
type Update struct {
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

// Progress is the progress cell of one job. The running task writes to it;
// anyone holding the job may read it. Only the latest value is kept.
// It is safe for concurrent use.
type Progress struct {
	mu       sync.RWMutex
	progress float64
	message  string
	forward  func(Update)
}

// NewProgress returns a Progress at zero with no message.
func NewProgress() *Progress {
	return &Progress{}
}

// SetStatus replaces both the progress fraction and the message. progress is
// clamped to [0, 1]. An empty message clears the previous one.
func (p *Progress) SetStatus(progress float64, message string) {
	switch {
	case progress < 0:
		progress = 0
	case progress > 1:
		progress = 1
	}

	p.mu.Lock()
	p.progress = progress
	p.message = message
	fwd := p.forward
	p.mu.Unlock()

	if fwd != nil {
		fwd(Update{Progress: progress, Message: message})
	}
}

// Status returns the latest progress fraction and message.
func (p *Progress) Status() (float64, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.progress, p.message
}

// setForward installs a callback that observes every SetStatus call.
func (p *Progress) setForward(fn func(Update)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forward = fn
}
