// Package push defines the durable unit of work for the dispatch pipeline:
// tasks group messages, messages fan out to recipients, and every state
// transition is persisted so an unclean shutdown can resume without
// duplicate sends.
package push

import (
	"time"

	"github.com/google/uuid"
)

// RecipientState is the processing state of a single device token within a
// message.
type RecipientState string

const (
	RecipientWaiting    RecipientState = "WAITING"
	RecipientProcessing RecipientState = "PROCESSING"
	RecipientRetry      RecipientState = "RETRY"
	RecipientComplete   RecipientState = "COMPLETE"
)

// TaskState is the aggregate processing state of a task.
// Complete and Failed are terminal.
type TaskState string

const (
	TaskPending           TaskState = "PENDING"
	TaskProcessing        TaskState = "PROCESSING"
	TaskPartiallyComplete TaskState = "PARTIALLY_COMPLETE"
	TaskComplete          TaskState = "COMPLETE"
	TaskFailed            TaskState = "FAILED"
)

// Terminal reports whether the state permits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskComplete || s == TaskFailed
}

// FailureKind classifies why a recipient or message could not be delivered.
type FailureKind string

const (
	// Recipient-level, permanent: the token will never work again and is a
	// candidate for local deletion.
	FailureNotRegistered       FailureKind = "NOT_REGISTERED"
	FailureInvalidRegistration FailureKind = "INVALID_REGISTRATION"
	FailureMismatchedSender    FailureKind = "MISMATCHED_SENDER"

	// Recipient-level, retryable.
	FailurePlatformUnavailable FailureKind = "PLATFORM_UNAVAILABLE"
	FailureRetryable           FailureKind = "RETRYABLE"
	FailureMaxRetryReached     FailureKind = "MAX_RETRY_REACHED"

	// Message-level, fatal: no retry will help.
	FailureInvalidPayload     FailureKind = "INVALID_PAYLOAD"
	FailureInvalidCredentials FailureKind = "INVALID_CREDENTIALS"
	FailureMissingRecipients  FailureKind = "MISSING_RECIPIENTS"
	FailureUnknown            FailureKind = "UNKNOWN"
)

// Permanent reports whether the failure means the token is dead for good.
func (k FailureKind) Permanent() bool {
	switch k {
	case FailureNotRegistered, FailureInvalidRegistration, FailureMismatchedSender:
		return true
	default:
		return false
	}
}

// Failure records why a recipient failed and when.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message,omitempty"`
	At      time.Time   `json:"at"`
}

// Recipient is one device token target within a message.
//
// Its token identity is shared with the external device store; the queue
// signals deletes/renames by token through the listener and never owns
// device rows.
type Recipient struct {
	ID      string         `json:"id"`
	Token   string         `json:"token"`
	State   RecipientState `json:"state"`
	Failure *Failure       `json:"failure,omitempty"`
}

// NewRecipient returns a Waiting recipient for the given token.
func NewRecipient(token string) Recipient {
	return Recipient{ID: uuid.NewString(), Token: token, State: RecipientWaiting}
}

// Eligible reports whether the recipient should be included in an outbound
// request. Already-Complete recipients are skipped, which is what makes a
// re-dispatch after resume idempotent. Processing counts as eligible: it
// only exists while a dispatch is in flight or after a crash cut one short,
// and re-sending is the at-least-once contract.
func (r Recipient) Eligible() bool {
	return r.State != RecipientComplete
}

// RenamedRecipient pairs an old token with the provider-issued canonical
// replacement.
type RenamedRecipient struct {
	Recipient Recipient `json:"recipient"`
	NewToken  string    `json:"new_token"`
}

// Account carries the provider credentials a message is sent with.
type Account struct {
	ID        string `json:"id"`
	ServerKey string `json:"server_key"`
}

// Message is one outbound push payload.
type Message struct {
	ID             string            `json:"id"`
	Account        Account           `json:"account"`
	CollapseKey    string            `json:"collapse_key"`
	TTL            time.Duration     `json:"ttl"`
	HighPriority   bool              `json:"high_priority"`
	DelayWhileIdle bool              `json:"delay_while_idle"`
	DryRun         bool              `json:"dry_run"`
	Data           map[string]string `json:"data"`
	Recipients     []Recipient       `json:"recipients"`
}

// EligibleRecipients returns the recipients that would be included in the
// next outbound request, preserving original order.
func (m *Message) EligibleRecipients() []Recipient {
	var out []Recipient
	for _, r := range m.Recipients {
		if r.Eligible() {
			out = append(out, r)
		}
	}
	return out
}

// Task is a named, durable unit of work: a group of messages that are
// dispatched, retried and completed together. It is mutated only by the task
// queue and becomes immutable once terminal.
type Task struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	State       TaskState `json:"state"`
	RetryCount  int       `json:"retry_count"`
	LastAttempt time.Time `json:"last_attempt,omitzero"`
	NextAttempt time.Time `json:"next_attempt,omitzero"`
	Messages    []Message `json:"messages"`
}

// NewTask creates a pending task around the given messages.
func NewTask(name string, messages []Message) Task {
	return Task{
		ID:       uuid.NewString(),
		Name:     name,
		State:    TaskPending,
		Messages: messages,
	}
}

// MessageResult is the reduced outcome of dispatching one message: the
// per-recipient classification across all provider blocks.
type MessageResult struct {
	MessageID string

	// Delivered recipients, including renamed ones.
	Delivered []Recipient

	// Retryable recipients with their failure recorded.
	Retryable []Recipient

	// Stale recipients: the provider reported the token as permanently
	// invalid. Candidates for deletion in the device store.
	Stale []Recipient

	// Renamed recipients: delivered, but the provider issued a canonical
	// replacement token.
	Renamed []RenamedRecipient

	// Fatal is set when the whole message dispatch failed for a
	// non-retryable reason (bad payload, bad credentials).
	Fatal *Failure
}

// Counts returns (delivered, retryable, stale) recipient counts.
func (r MessageResult) Counts() (delivered, retryable, stale int) {
	return len(r.Delivered), len(r.Retryable), len(r.Stale)
}
