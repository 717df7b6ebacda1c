package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// CareCall keeps three kinds of durable work next to the patient data: delayed jobs (the
// second call attempt), an outbox of caregiver notifications, and the inbound dedup ledger
// that makes tool-call side effects idempotent under webhook redelivery.

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// Terminal reports whether a job in this state will never run again. A dedupe key only
// blocks new jobs while the holder is non-terminal.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed || s == JobStatusCanceled
}

// Job is a durable delayed task. A pending call retry survives a process restart.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DecodePayload unmarshals the job payload into dst.
func (j Job) DecodePayload(dst interface{}) error {
	if err := json.Unmarshal([]byte(j.PayloadJSON), dst); err != nil {
		return fmt.Errorf("decode %s job %s: %w", j.Kind, j.ID, err)
	}
	return nil
}

// JobRepo persists delayed jobs.
type JobRepo interface {
	// EnqueueJob inserts a job. A non-empty dedupeKey held by a non-terminal job returns
	// that job's ID instead of inserting a second one.
	EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)
	// ClaimDueJobs moves up to limit queued jobs with run_at <= now to running.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)
	CompleteJob(id string) error
	// FailJob records errMsg and requeues at nextRunAt, or marks the job failed once
	// its attempts are used up.
	FailJob(id string, errMsg string, nextRunAt time.Time) error
	CancelJob(id string) error
	// RequeueStaleRunningJobs puts jobs claimed before staleBefore back in the queue.
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)
	GetJob(id string) (*Job, error)
}

// OutboxStatus is the lifecycle state of an OutboxMessage.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// Terminal reports whether the message is finished, successfully or not.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxStatusSent || s == OutboxStatusFailed || s == OutboxStatusCanceled
}

// OutboxMessage is a caregiver notification awaiting delivery.
type OutboxMessage struct {
	ID            string       `json:"id"`
	PatientID     string       `json:"patient_id"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// DecodePayload unmarshals the message payload into dst.
func (m OutboxMessage) DecodePayload(dst interface{}) error {
	if err := json.Unmarshal([]byte(m.PayloadJSON), dst); err != nil {
		return fmt.Errorf("decode %s message %s: %w", m.Kind, m.ID, err)
	}
	return nil
}

// OutboxRepo persists caregiver notifications until they are delivered.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a message, or returns the ID of the non-terminal
	// message already holding dedupeKey.
	EnqueueOutboxMessage(patientID, kind, payloadJSON, dedupeKey string) (string, error)
	// ClaimDueOutboxMessages moves up to limit due messages to sending.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)
	MarkOutboxMessageSent(id string) error
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error
	// ListOutboxMessages returns the messages queued for patientID, newest first.
	ListOutboxMessages(patientID string) ([]OutboxMessage, error)
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
}

// DedupRecord marks one inbound side effect (a provider tool call) as seen.
type DedupRecord struct {
	Key         string     `json:"key"`
	PatientID   string     `json:"patient_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo guards provider side effects against webhook redelivery.
type DedupRepo interface {
	IsDuplicate(key string) (bool, error)
	// RecordInbound inserts key. False means it was already recorded and the side
	// effect must not be applied again.
	RecordInbound(key, patientID string) (bool, error)
	MarkProcessed(key string) error
	// ForgetInbound removes key so a failed side effect is retried on redelivery.
	ForgetInbound(key string) error
}
