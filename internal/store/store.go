// internal/store/store.go
package store

import "context"

// DeviceSession is the persisted row for one device session.
type DeviceSession struct {
	DeviceID    string         `json:"device_id"`
	SessionID   string         `json:"session_id"`
	State       string         `json:"state"`
	LastRecvSeq int64          `json:"last_recv_seq"`
	OutboundSeq int64          `json:"outbound_seq"`
	Telemetry   map[string]any `json:"telemetry,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAtMS int64          `json:"created_at_ms"`
	LastSeenMS  int64          `json:"last_seen_ms"`
	ClosedAtMS  int64          `json:"closed_at_ms,omitempty"`
	CloseReason string         `json:"close_reason,omitempty"`
}

// LifelogEvent is one runtime audit/lifelog event.
type LifelogEvent struct {
	ID         int64          `json:"id"`
	SessionID  string         `json:"session_id"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload"`
	RiskLevel  string         `json:"risk_level"`
	Confidence float64        `json:"confidence"`
	TSMS       int64          `json:"ts_ms"`
}

// LifelogImage records one ingested image asset.
type LifelogImage struct {
	ID          int64  `json:"id"`
	SessionID   string `json:"session_id"`
	DeviceID    string `json:"device_id"`
	URI         string `json:"uri"`
	Mime        string `json:"mime"`
	DHash       string `json:"dhash"`
	ContentHash string `json:"content_hash"`
	ByteSize    int64  `json:"byte_size"`
	TSMS        int64  `json:"ts_ms"`
}

// LifelogContext is the structured understanding produced for one image.
type LifelogContext struct {
	ID                int64    `json:"id"`
	SessionID         string   `json:"session_id"`
	ImageID           int64    `json:"image_id"`
	Summary           string   `json:"summary"`
	Objects           []string `json:"objects,omitempty"`
	OCR               []string `json:"ocr,omitempty"`
	RiskHints         []string `json:"risk_hints,omitempty"`
	ActionableSummary string   `json:"actionable_summary,omitempty"`
	RiskLevel         string   `json:"risk_level"`
	RiskScore         float64  `json:"risk_score"`
	Confidence        float64  `json:"confidence"`
	TSMS              int64    `json:"ts_ms"`
}

// TaskStep is one append-only entry in a digital task's audit trail.
type TaskStep struct {
	TS      int64  `json:"ts"`
	Stage   string `json:"stage"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// DigitalTask is the persisted state of one digital task.
type DigitalTask struct {
	TaskID         string         `json:"task_id"`
	SessionID      string         `json:"session_id"`
	DeviceID       string         `json:"device_id"`
	Goal           string         `json:"goal"`
	Status         string         `json:"status"`
	Steps          []TaskStep     `json:"steps"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	DeadlineMS     int64          `json:"deadline_ms"`
	Notify         bool           `json:"notify"`
	Speak          bool           `json:"speak"`
	CreatedAtMS    int64          `json:"created_at_ms"`
	UpdatedAtMS    int64          `json:"updated_at_ms"`
}

// PushUpdate is one queued task_update push awaiting delivery. Rows are
// keyed by (device_id, task_id, status) so retries share one identity.
type PushUpdate struct {
	ID              int64          `json:"id"`
	TaskID          string         `json:"task_id"`
	DeviceID        string         `json:"device_id"`
	SessionID       string         `json:"session_id"`
	Status          string         `json:"status"`
	Payload         map[string]any `json:"payload"`
	Attempts        int            `json:"attempts"`
	NextAttemptAtMS int64          `json:"next_attempt_at_ms"`
	SentAtMS        int64          `json:"sent_at_ms,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
}

// DeviceOperation is one outbound command with a push lifecycle.
type DeviceOperation struct {
	OperationID     string         `json:"operation_id"`
	DeviceID        string         `json:"device_id"`
	Type            string         `json:"type"`
	Payload         map[string]any `json:"payload"`
	Status          string         `json:"status"`
	Attempts        int            `json:"attempts"`
	NextAttemptAtMS int64          `json:"next_attempt_at_ms"`
	Error           string         `json:"error,omitempty"`
	CreatedAtMS     int64          `json:"created_at_ms"`
	UpdatedAtMS     int64          `json:"updated_at_ms"`
}

// Device is one registered device identity.
type Device struct {
	DeviceID    string `json:"device_id"`
	Token       string `json:"token"`
	Status      string `json:"status"`
	UserID      string `json:"user_id,omitempty"`
	CreatedAtMS int64  `json:"created_at_ms"`
	UpdatedAtMS int64  `json:"updated_at_ms"`
}

// ThoughtTrace is one dialogue-engine reasoning trace.
type ThoughtTrace struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	TraceID   string `json:"trace_id"`
	Content   string `json:"content"`
	TSMS      int64  `json:"ts_ms"`
}

// ObservabilitySample is one persisted runtime metrics snapshot.
type ObservabilitySample struct {
	ID     int64          `json:"id"`
	TSMS   int64          `json:"ts_ms"`
	Sample map[string]any `json:"sample"`
}

// EventQuery filters lifelog event reads.
type EventQuery struct {
	SessionID string
	EventType string
	SinceMS   int64
	UntilMS   int64
	Limit     int
	Offset    int
}

// TaskQuery filters digital task reads.
type TaskQuery struct {
	SessionID string
	DeviceID  string
	Status    string
	Limit     int
	Offset    int
}

// OperationQuery filters device operation reads.
type OperationQuery struct {
	DeviceID string
	Status   string
	Limit    int
	Offset   int
}

// Store is the persistence boundary consumed by the runtime. All writes are
// transactional; reads are safe for concurrent use.
type Store interface {
	UpsertDeviceSession(ctx context.Context, s *DeviceSession) error
	GetDeviceSession(ctx context.Context, deviceID, sessionID string) (*DeviceSession, error)
	ListDeviceSessions(ctx context.Context) ([]*DeviceSession, error)
	CloseDeviceSession(ctx context.Context, deviceID, sessionID, reason string, closedAtMS int64) error

	AppendLifelogEvent(ctx context.Context, ev *LifelogEvent) error
	QueryLifelogEvents(ctx context.Context, q EventQuery) ([]*LifelogEvent, error)

	InsertLifelogImage(ctx context.Context, img *LifelogImage) (int64, error)
	RecentLifelogImages(ctx context.Context, sinceMS int64, limit int) ([]*LifelogImage, error)
	FindImageByContentHash(ctx context.Context, contentHash string, sinceMS int64) (*LifelogImage, error)

	InsertLifelogContext(ctx context.Context, c *LifelogContext) (int64, error)
	GetLifelogContextByImage(ctx context.Context, imageID int64) (*LifelogContext, error)
	CountLifelogContexts(ctx context.Context, sessionID string) (int64, error)

	CreateDigitalTask(ctx context.Context, task *DigitalTask) error
	GetDigitalTask(ctx context.Context, taskID string) (*DigitalTask, error)
	ListDigitalTasks(ctx context.Context, q TaskQuery) ([]*DigitalTask, error)
	ListUnfinishedTasks(ctx context.Context, limit int) ([]*DigitalTask, error)
	// UpdateTaskIfStatus transitions the task only when its current status is
	// one of expected; returns false when the guard fails.
	UpdateTaskIfStatus(ctx context.Context, taskID string, expected []string, mutate func(*DigitalTask)) (bool, error)
	TaskStats(ctx context.Context, sessionID string) (map[string]int64, error)

	EnqueuePushUpdate(ctx context.Context, p *PushUpdate) error
	ListPendingPushUpdates(ctx context.Context, deviceID string, nowMS int64, limit int) ([]*PushUpdate, error)
	MarkPushUpdateSent(ctx context.Context, id int64, sentAtMS int64) error
	MarkPushUpdateRetry(ctx context.Context, id int64, lastError string, nextAttemptAtMS int64) error

	CreateDeviceOperation(ctx context.Context, op *DeviceOperation) error
	GetDeviceOperation(ctx context.Context, operationID string) (*DeviceOperation, error)
	ListDeviceOperations(ctx context.Context, q OperationQuery) ([]*DeviceOperation, error)
	MarkDeviceOperation(ctx context.Context, operationID, status, opError string, ackedAtMS int64) error

	UpsertDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, deviceID string) (*Device, error)

	AppendThoughtTrace(ctx context.Context, tr *ThoughtTrace) error

	AppendObservabilitySample(ctx context.Context, s *ObservabilitySample) error
	ListObservabilitySamples(ctx context.Context, sinceMS int64, limit int) ([]*ObservabilitySample, error)

	Close() error
}
