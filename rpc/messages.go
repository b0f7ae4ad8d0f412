package rpc

import "time"

// ErrorCode is a machine-readable discriminant carried on ErrorResponse,
// letting callers branch on failure kind without parsing Message.
type ErrorCode string

const (
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeStaleCheckpoint  ErrorCode = "STALE_CHECKPOINT"
	ErrCodeTerminalInstance ErrorCode = "TERMINAL_INSTANCE"
	ErrCodeSignalConflict   ErrorCode = "SIGNAL_CONFLICT"
	ErrCodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrCodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	ErrCodeInternal         ErrorCode = "INTERNAL"
)

// ErrorResponse is the universal failure payload; any request type may be
// answered with TypeErrorResponse instead of its usual response type.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// --- Instance endpoint (§4.1) ---

type RegisterInstanceRequest struct {
	InstanceID   string `json:"instance_id"`
	TenantID     string `json:"tenant_id"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

type RegisterInstanceResponse struct {
	InstanceID   string `json:"instance_id"`
	Status       string `json:"status"`
	CheckpointID string `json:"checkpoint_id"`
	Attempt      int    `json:"attempt"`
}

type CheckpointRequest struct {
	InstanceID     string `json:"instance_id"`
	CheckpointID   string `json:"checkpoint_id"`
	State          []byte `json:"state"`
	IdempotencyKey string `json:"idempotency_key"`
	NewStatus      string `json:"new_status,omitempty"`
}

type CheckpointResponse struct {
	CheckpointID string `json:"checkpoint_id"`
	// Found reports whether this call observed an already-saved checkpoint
	// (a resume) rather than performing the save itself (spec.md §4.1).
	Found         bool   `json:"found"`
	State         []byte `json:"state,omitempty"`
	PendingSignal string `json:"pending_signal,omitempty"`
	SignalPayload []byte `json:"signal_payload,omitempty"`
	CustomSignal  []byte `json:"custom_signal,omitempty"`
	HasCustomData bool   `json:"has_custom_data"`
}

type GetCheckpointRequest struct {
	InstanceID   string `json:"instance_id"`
	CheckpointID string `json:"checkpoint_id"`
}

type GetCheckpointResponse struct {
	CheckpointID string    `json:"checkpoint_id"`
	State        []byte    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
}

type SleepRequest struct {
	InstanceID   string        `json:"instance_id"`
	CheckpointID string        `json:"checkpoint_id"`
	Duration     time.Duration `json:"duration"`
}

type SleepResponse struct {
	WakeAt time.Time `json:"wake_at"`
}

type InstanceEventRequest struct {
	InstanceID   string `json:"instance_id"`
	EventType    string `json:"event_type"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Payload      []byte `json:"payload,omitempty"`
}

type InstanceEventResponse struct {
	EventID int64 `json:"event_id"`
}

type PollSignalsRequest struct {
	InstanceID       string `json:"instance_id"`
	WaitCheckpointID string `json:"wait_checkpoint_id,omitempty"`
}

type PollSignalsResponse struct {
	PendingSignal    string `json:"pending_signal,omitempty"`
	SignalPayload    []byte `json:"signal_payload,omitempty"`
	CustomSignalData []byte `json:"custom_signal_data,omitempty"`
	HasCustomSignal  bool   `json:"has_custom_signal"`
}

type SignalAckRequest struct {
	InstanceID string `json:"instance_id"`
}

type SignalAckResponse struct{}

type RetryAttemptRequest struct {
	InstanceID   string `json:"instance_id"`
	CheckpointID string `json:"checkpoint_id"`
	Attempt      int    `json:"attempt"`
	Error        string `json:"error,omitempty"`
}

type RetryAttemptResponse struct {
	AttemptsRemaining int `json:"attempts_remaining"`
}

// --- Management endpoint (§4.2) ---

type HealthCheckRequest struct{}

type HealthCheckResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
}

type SendSignalRequest struct {
	InstanceID string `json:"instance_id"`
	SignalType string `json:"signal_type"`
	Payload    []byte `json:"payload,omitempty"`
}

type SendSignalResponse struct{}

type SendCustomSignalRequest struct {
	InstanceID   string `json:"instance_id"`
	CheckpointID string `json:"checkpoint_id"`
	Payload      []byte `json:"payload"`
}

type SendCustomSignalResponse struct{}

type GetInstanceStatusRequest struct {
	InstanceID string `json:"instance_id"`
}

type GetInstanceStatusResponse struct {
	InstanceID   string    `json:"instance_id"`
	Status       string    `json:"status"`
	CheckpointID string    `json:"checkpoint_id"`
	Attempt      int       `json:"attempt"`
	CreatedAt    time.Time `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Error        string    `json:"error,omitempty"`
	RecentRetries []RetryAttemptRequest `json:"recent_retries,omitempty"`
}

type ListInstancesRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type ListInstancesResponse struct {
	Instances []GetInstanceStatusResponse `json:"instances"`
}

type ListCheckpointsRequest struct {
	InstanceID        string `json:"instance_id"`
	AfterCheckpointID string `json:"after_checkpoint_id,omitempty"`
	Limit             int    `json:"limit,omitempty"`
}

type ListCheckpointsResponse struct {
	Checkpoints []GetCheckpointResponse `json:"checkpoints"`
	NextCursor  string                  `json:"next_cursor,omitempty"`
}

// --- Environment lifecycle endpoint (§4.4) ---

type StartInstanceRequest struct {
	InstanceID  string `json:"instance_id"`
	TenantID    string `json:"tenant_id"`
	ImageID     string `json:"image_id"`
	MaxAttempts int    `json:"max_attempts"`
}

type StartInstanceResponse struct {
	InstanceID string `json:"instance_id"`
	HandleID   string `json:"handle_id"`
}

type StopInstanceRequest struct {
	InstanceID string `json:"instance_id"`
	GraceMS    int64  `json:"grace_ms,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type StopInstanceResponse struct{}

type ResumeInstanceRequest struct {
	InstanceID string `json:"instance_id"`
}

type ResumeInstanceResponse struct {
	HandleID string `json:"handle_id"`
}
