package queue

import (
	"context"
	"time"

	"transitpush/internal/push"
)

// Config controls the durable dispatch queue.
type Config struct {
	// QueueSize bounds the in-memory task queue. Enqueue returns
	// ErrQueueFull beyond it; callers must treat that as backpressure.
	QueueSize int

	// PollInterval is the fixed pause between consumer iterations, so the
	// provider is not hammered.
	PollInterval time.Duration

	// MaxRetries caps how often a task re-enters the queue before its
	// remaining recipients are forced terminal.
	MaxRetries int

	// RetryStep scales the backoff: nextAttempt = now + retryCount * RetryStep.
	RetryStep time.Duration

	// HistorySize bounds the in-memory outcome history kept for diagnostics.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 250
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.RetryStep <= 0 {
		c.RetryStep = 2 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 300
	}
	return c
}

// Dispatcher sends one message and reduces the provider responses.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg push.Message) (push.MessageResult, error)
}

// Store is the persistence surface the queue requires. Every state
// transition is written through it before the queue moves on.
type Store interface {
	SaveTask(ctx context.Context, t push.Task) error
	UpdateTask(ctx context.Context, t push.Task) error
	UpdateMessage(ctx context.Context, taskID string, m push.Message) error
	PendingTasks(ctx context.Context) ([]push.Task, error)
}

// Listener receives the side effects of task processing. Stale and renamed
// recipients are reported immediately, independent of the task outcome, so
// the device store can act on them even while the task keeps retrying.
type Listener interface {
	TaskCompleted(t push.Task)
	TaskFailed(t push.Task, reason error)
	UpdateRecipients(renamed []push.RenamedRecipient)
	RemoveRecipients(stale []push.Recipient)
}

// NopListener discards all callbacks.
type NopListener struct{}

func (NopListener) TaskCompleted(push.Task)                  {}
func (NopListener) TaskFailed(push.Task, error)              {}
func (NopListener) UpdateRecipients([]push.RenamedRecipient) {}
func (NopListener) RemoveRecipients([]push.Recipient)        {}

// HistoryItem records one finished consumer pass over a task.
type HistoryItem struct {
	At        time.Time
	TaskID    string
	Name      string
	State     push.TaskState
	Delivered int
	Retryable int
	Stale     int
	Error     string
}

// TaskEvent is emitted on the event bus for queue lifecycle events.
type TaskEvent struct {
	TaskID     string    `json:"task_id"`
	Name       string    `json:"name"`
	State      string    `json:"state"`
	RetryCount int       `json:"retry_count"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}
