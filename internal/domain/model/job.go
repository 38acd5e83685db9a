package model

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"hydration-queue/internal/domain"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusComplete   JobStatus = "complete"
	JobStatusError      JobStatus = "error"
)

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusComplete || s == JobStatusError
}

// JobKind is the closed set of work the queue knows how to run.
type JobKind string

const (
	JobKindImageAnalysis   JobKind = "image_analysis"
	JobKindTextAnalysis    JobKind = "text_analysis"
	JobKindBarcodeAnalysis JobKind = "barcode_analysis"
)

// AllJobKinds lists every kind; handler registries must cover all of them.
func AllJobKinds() []JobKind {
	return []JobKind{JobKindImageAnalysis, JobKindTextAnalysis, JobKindBarcodeAnalysis}
}

func ParseJobKind(s string) (JobKind, error) {
	k := JobKind(strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))))
	for _, known := range AllJobKinds() {
		if k == known {
			return k, nil
		}
	}
	return "", domain.ErrUnknownJobKind
}

// ActionType is the daily-quota bucket a kind is charged against.
func (k JobKind) ActionType() ActionType {
	switch k {
	case JobKindImageAnalysis:
		return ActionImageUploads
	case JobKindTextAnalysis:
		return ActionTextAnalyses
	case JobKindBarcodeAnalysis:
		return ActionBarcodeScans
	}
	return ""
}

// Job is one durable unit of requested work. Payload and Result are opaque to the queue.
type Job struct {
	ID           string
	Owner        string
	Kind         JobKind
	Status       JobStatus
	Payload      []byte
	Result       []byte
	ErrorMessage string
	Attempts     int
	MaxAttempts  int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

const DefaultMaxAttempts = 3

// Diagnostic messages written by the stale reclaim sweep.
const (
	MsgReclaimedStale      = "reset from abandoned processing state"
	MsgAbandonedAtMaxTries = "abandoned in processing state after max attempts"
)

func NewJob(owner string, kind JobKind, payload []byte, maxAttempts int) (*Job, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, domain.NewValidationError("owner", "must not be empty")
	}
	if _, err := ParseJobKind(string(kind)); err != nil {
		return nil, domain.NewValidationError("kind", err.Error())
	}
	if len(payload) == 0 {
		return nil, domain.NewValidationError("payload", "must not be empty")
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Job{
		ID:          ulid.Make().String(),
		Owner:       owner,
		Kind:        kind,
		Status:      JobStatusPending,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// CanRetry reports whether a failed dispatch goes back to pending.
func (j *Job) CanRetry() bool { return j.Attempts < j.MaxAttempts }

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Payload = append([]byte(nil), j.Payload...)
	if j.Result != nil {
		cp.Result = append([]byte(nil), j.Result...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
