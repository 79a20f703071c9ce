// Package statusbus implements C7: a per-job pub/sub of status snapshots
// that survives subscriber churn. It retains the last snapshot per job so a
// newly attached subscriber observes the current state immediately, and it
// enforces the ordering/sticky-terminal rules from spec §4.7.
package statusbus

import (
	"sync"

	"github.com/signalforge/aggregator/internal/domain"
)

// MessageType tags the shape of a bus message (spec §6 wire messages).
type MessageType string

const (
	MsgStatus        MessageType = "status"
	MsgError         MessageType = "error"
	MsgConfigChanged MessageType = "configChanged"
	MsgJobStarted    MessageType = "jobStarted"
)

// Message is one envelope delivered to a subscriber channel.
type Message struct {
	Type     MessageType `json:"type"`
	JobID    string      `json:"jobId,omitempty"`
	ConfigID string      `json:"configId,omitempty"`
	Status   *domain.Job `json:"status,omitempty"` // set when Type == MsgStatus
	Error    string      `json:"error,omitempty"`  // set when Type == MsgError
}

// listener is one attached subscriber. Global listeners receive every job's
// messages; job-scoped listeners receive only JobID's.
type listener struct {
	id     string
	jobID  string // empty for global listeners
	ch     chan Message
	closed bool
}

// Bus is the per-process status hub. One Bus instance serves all jobs.
type Bus struct {
	mu        sync.Mutex
	listeners map[string]*listener    // listener id -> listener
	retained  map[string]domain.Job   // job id -> last snapshot
	completed map[string]bool         // job id -> once-job reached completed (sticky terminal, spec §4.7)
}

func New() *Bus {
	return &Bus{
		listeners: make(map[string]*listener),
		retained:  make(map[string]domain.Job),
		completed: make(map[string]bool),
	}
}

// Subscribe attaches a listener. jobID == "" means a global subscription.
// The buffered channel returned is closed by Unsubscribe; callers must drain
// it via range until closed. A newly attached job-scoped subscriber is
// immediately sent the retained snapshot for that job, if any.
func (b *Bus) Subscribe(id, jobID string) <-chan Message {
	b.mu.Lock()
	l := &listener{id: id, jobID: jobID, ch: make(chan Message, 64)}
	b.listeners[id] = l

	if jobID != "" {
		if snap, ok := b.retained[jobID]; ok {
			cp := snap
			select {
			case l.ch <- Message{Type: MsgStatus, JobID: jobID, ConfigID: snap.ConfigID, Status: &cp}:
			default:
			}
		}
	}
	b.mu.Unlock()
	return l.ch
}

// Unsubscribe detaches a listener and closes its channel. Pending deliveries
// are discarded (spec §4.7: cancellation of subscriptions is immediate).
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.listeners[id]; ok {
		if !l.closed {
			l.closed = true
			close(l.ch)
		}
		delete(b.listeners, id)
	}
}

// PublishStatus emits a JobStatus snapshot, subject to the ordering and
// sticky-terminal rules: updates older than the retained snapshot are
// dropped, and once a once-job has reached "completed", further "running"
// updates for it are ignored.
func (b *Bus) PublishStatus(job domain.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.retained[job.ID]; ok {
		if job.UpdatedAt.Before(prev.UpdatedAt) {
			return // stale update, dropped
		}
		if job.Mode == domain.JobModeOnce && b.completed[job.ID] && job.Status == domain.JobRunning {
			return // sticky terminal: late frame trying to reverse completion
		}
	}
	if job.Status == domain.JobCompleted && job.Mode == domain.JobModeOnce {
		b.completed[job.ID] = true
	}
	b.retained[job.ID] = job

	cp := job
	msg := Message{Type: MsgStatus, JobID: job.ID, ConfigID: job.ConfigID, Status: &cp}
	b.broadcastLocked(job.ID, msg)
}

// PublishError emits a string error for a job.
func (b *Bus) PublishError(jobID, configID, errText string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcastLocked(jobID, Message{Type: MsgError, JobID: jobID, ConfigID: configID, Error: errText})
}

// PublishConfigChanged notifies listeners that a configuration was edited.
func (b *Bus) PublishConfigChanged(configID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcastLocked("", Message{Type: MsgConfigChanged, ConfigID: configID})
}

// PublishJobStarted announces a freshly queued job id.
func (b *Bus) PublishJobStarted(jobID, configID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcastLocked(jobID, Message{Type: MsgJobStarted, JobID: jobID, ConfigID: configID})
}

// broadcastLocked delivers msg to every listener subscribed globally or to
// jobID. Delivery is best-effort: a full subscriber channel drops the
// message rather than blocking the publisher (spec §4.7: best-effort,
// at-least-once per connected subscriber, via the retained cell for status).
func (b *Bus) broadcastLocked(jobID string, msg Message) {
	for _, l := range b.listeners {
		if l.jobID != "" && l.jobID != jobID {
			continue
		}
		select {
		case l.ch <- msg:
		default:
		}
	}
}

// Retained returns the last snapshot for a job, if any, for late HTTP
// polling callers (GET /job/{id}) that don't want a WS connection.
func (b *Bus) Retained(jobID string) (domain.Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.retained[jobID]
	return j, ok
}
