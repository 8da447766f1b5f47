// pkg/provider/provider.go
package provider

import "context"

// Transcript is a recognized utterance with the recognizer's confidence.
type Transcript struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcription converts captured audio into text.
type Transcription interface {
	Transcribe(ctx context.Context, audio []byte, mime string) (Transcript, error)
}

// TTS synthesizes speech audio for outbound text.
type TTS interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// VisionResult is the structured understanding of one image. Free-text
// provider replies land in Summary with the remaining fields empty.
type VisionResult struct {
	Summary           string   `json:"summary"`
	Objects           []string `json:"objects,omitempty"`
	OCR               []string `json:"ocr,omitempty"`
	RiskHints         []string `json:"risk_hints,omitempty"`
	ActionableSummary string   `json:"actionable_summary,omitempty"`
	RiskLevel         string   `json:"risk_level,omitempty"`
	RiskScore         float64  `json:"risk_score,omitempty"`
	Confidence        float64  `json:"confidence,omitempty"`
}

// Vision analyzes an image, optionally guided by a question.
type Vision interface {
	Analyze(ctx context.Context, image []byte, mime, question string) (VisionResult, error)
}

// Reply is a dialogue engine response.
type Reply struct {
	Text         string `json:"text"`
	ThoughtTrace string `json:"thought_trace,omitempty"`
}

// Dialogue produces a textual reply for a finished voice turn. sessionContext
// is the runtime-assembled, token-budgeted context for the session.
type Dialogue interface {
	Reply(ctx context.Context, sessionContext, transcript string) (Reply, error)
}

// Step is one unit of digital-task work handed to a tool executor.
type Step struct {
	TaskID  string `json:"task_id"`
	Goal    string `json:"goal"`
	Stage   string `json:"stage"`
	Session string `json:"session_id"`
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
	// FallbackRequired signals that the MCP path cannot serve the goal and
	// the general tool path should run.
	FallbackRequired bool `json:"fallback_required,omitempty"`
}

// ToolExecutor executes digital-task steps. Implementations discover MCP
// tools first and fall back to the general web/exec path.
type ToolExecutor interface {
	Execute(ctx context.Context, step Step) (StepResult, error)
}
