package engine

import "sync"

// subscriberBufferSize is the channel buffer for each progress subscriber.
// Updates are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// ProgressBroker fans out progress updates per job to subscribers.
// It is safe for concurrent use.
//
// The engine only subscribes while it still tracks a job and closes the topic
// when the job turns terminal, so closed topics are dropped rather than kept
// as markers.
type ProgressBroker struct {
	mu     sync.Mutex
	topics map[string]*progressTopic
}

type progressTopic struct {
	subs   map[int]chan Update
	nextID int
}

// NewProgressBroker creates a new progress broker.
func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{
		topics: make(map[string]*progressTopic),
	}
}

// Subscribe returns a channel that receives updates for the given job and an
// unsubscribe function. The channel is closed by Close.
func (b *ProgressBroker) Subscribe(jobID string) (<-chan Update, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &progressTopic{subs: make(map[int]chan Update)}
		b.topics[jobID] = t
	}

	ch := make(chan Update, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an update to all subscribers of the given job.
// Updates are dropped for subscribers whose buffers are full.
func (b *ProgressBroker) Publish(jobID string, u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- u:
		default:
			// Drop the update for slow subscribers to avoid blocking the task.
		}
	}
}

// Close signals that no more updates will be published for the given job and
// closes every subscriber channel.
func (b *ProgressBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return
	}
	delete(b.topics, jobID)

	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Topics returns the number of jobs with an open topic.
func (b *ProgressBroker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
