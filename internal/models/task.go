package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OperationKind names a billed generation operation.
type OperationKind string

const (
	OpGenerateMusic  OperationKind = "generate-music"
	OpExtendMusic    OperationKind = "extend-music"
	OpGenerateLyrics OperationKind = "generate-lyrics"
	OpSeparateVocals OperationKind = "separate-vocals"
	OpSplitStems     OperationKind = "split-stems"
	OpGenerateImage  OperationKind = "generate-image"
	OpGenerateVideo  OperationKind = "generate-video"
	OpImageToVideo   OperationKind = "image-to-video"
	OpUpscaleVideo   OperationKind = "upscale-video"
)

// TaskState is the lifecycle state of a billed provider task.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateExpired   TaskState = "expired"
)

// Terminal reports whether no further transition is allowed out of s.
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateExpired
}

// CanTransition reports whether the state machine allows from -> to.
// pending may move to itself (progress update) or to any terminal state.
func CanTransition(from, to TaskState) bool {
	if from != TaskStatePending {
		return false
	}
	switch to {
	case TaskStatePending, TaskStateCompleted, TaskStateFailed, TaskStateExpired:
		return true
	}
	return false
}

// TaskKey scopes a provider's opaque task id to that provider. Two providers
// may hand out the same id; their keys never collide.
func TaskKey(provider, externalID string) string {
	return provider + ":" + externalID
}

// Task is the local billing record for one external provider job. ID is
// TaskKey(Provider, ExternalID).
type Task struct {
	ID            string          `json:"id"`
	Provider      string          `json:"provider"`
	ExternalID    string          `json:"external_id"`
	Operation     OperationKind   `json:"operation"`
	AccountID     uuid.UUID       `json:"account_id"`
	Cost          int64           `json:"cost"`
	Unit          Unit            `json:"unit"`
	ReservationID *uuid.UUID      `json:"reservation_id,omitempty"`
	State         TaskState       `json:"state"`
	Progress      string          `json:"progress,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
}
