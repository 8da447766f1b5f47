// pkg/provider/http.go
package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config carries connection settings for one remote provider endpoint.
type Config struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (c Config) clientTimeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// HTTPClient is the shared JSON-over-HTTP plumbing for the remote providers.
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient creates the shared provider transport.
func NewHTTPClient(cfg Config) *HTTPClient {
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.clientTimeout()},
	}
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// HTTPTranscription is an HTTP speech-to-text provider.
type HTTPTranscription struct{ client *HTTPClient }

// NewHTTPTranscription creates the remote transcription provider.
func NewHTTPTranscription(cfg Config) *HTTPTranscription {
	return &HTTPTranscription{client: NewHTTPClient(cfg)}
}

func (p *HTTPTranscription) Transcribe(ctx context.Context, audio []byte, mime string) (Transcript, error) {
	var out struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	err := p.client.postJSON(ctx, "/v1/transcribe", map[string]any{
		"model":     p.client.cfg.Model,
		"audio_b64": base64.StdEncoding.EncodeToString(audio),
		"mime":      mime,
	}, &out)
	if err != nil {
		return Transcript{}, err
	}
	return Transcript{Text: out.Text, Confidence: out.Confidence}, nil
}

// HTTPTTS is an HTTP speech-synthesis provider.
type HTTPTTS struct{ client *HTTPClient }

// NewHTTPTTS creates the remote TTS provider.
func NewHTTPTTS(cfg Config) *HTTPTTS {
	return &HTTPTTS{client: NewHTTPClient(cfg)}
}

func (p *HTTPTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	var out struct {
		AudioB64 string `json:"audio_b64"`
	}
	err := p.client.postJSON(ctx, "/v1/synthesize", map[string]any{
		"model": p.client.cfg.Model,
		"text":  text,
	}, &out)
	if err != nil {
		return nil, err
	}
	audio, err := base64.StdEncoding.DecodeString(out.AudioB64)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	return audio, nil
}

// HTTPVision is an HTTP vision-model provider.
type HTTPVision struct{ client *HTTPClient }

// NewHTTPVision creates the remote vision provider.
func NewHTTPVision(cfg Config) *HTTPVision {
	return &HTTPVision{client: NewHTTPClient(cfg)}
}

func (p *HTTPVision) Analyze(ctx context.Context, image []byte, mime, question string) (VisionResult, error) {
	var out json.RawMessage
	err := p.client.postJSON(ctx, "/v1/vision/analyze", map[string]any{
		"model":     p.client.cfg.Model,
		"image_b64": base64.StdEncoding.EncodeToString(image),
		"mime":      mime,
		"question":  question,
	}, &out)
	if err != nil {
		return VisionResult{}, err
	}
	var result VisionResult
	if err := json.Unmarshal(out, &result); err == nil && result.Summary != "" {
		return result, nil
	}
	// Free-text reply: place it in summary, everything else empty.
	var text string
	if err := json.Unmarshal(out, &text); err == nil {
		return VisionResult{Summary: text}, nil
	}
	return VisionResult{Summary: truncate(string(out), 1000)}, nil
}

// HTTPToolExecutor is an HTTP tool-execution provider. The remote engine
// performs MCP discovery for the "mcp" stage and the general web/exec path
// for the "fallback" stage.
type HTTPToolExecutor struct{ client *HTTPClient }

// NewHTTPToolExecutor creates the remote tool executor.
func NewHTTPToolExecutor(cfg Config) *HTTPToolExecutor {
	return &HTTPToolExecutor{client: NewHTTPClient(cfg)}
}

func (p *HTTPToolExecutor) Execute(ctx context.Context, step Step) (StepResult, error) {
	var out struct {
		Success          bool   `json:"success"`
		Output           string `json:"output"`
		Error            string `json:"error"`
		FallbackRequired bool   `json:"fallback_required"`
	}
	err := p.client.postJSON(ctx, "/v1/tools/execute", map[string]any{
		"model":      p.client.cfg.Model,
		"task_id":    step.TaskID,
		"goal":       step.Goal,
		"stage":      step.Stage,
		"session_id": step.Session,
	}, &out)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Success:          out.Success,
		Output:           out.Output,
		Error:            out.Error,
		FallbackRequired: out.FallbackRequired,
	}, nil
}

// HTTPDialogue is an HTTP dialogue-engine provider.
type HTTPDialogue struct{ client *HTTPClient }

// NewHTTPDialogue creates the remote dialogue engine.
func NewHTTPDialogue(cfg Config) *HTTPDialogue {
	return &HTTPDialogue{client: NewHTTPClient(cfg)}
}

func (p *HTTPDialogue) Reply(ctx context.Context, sessionContext, transcript string) (Reply, error) {
	var out struct {
		Text         string `json:"text"`
		ThoughtTrace string `json:"thought_trace"`
	}
	err := p.client.postJSON(ctx, "/v1/dialogue/reply", map[string]any{
		"model":      p.client.cfg.Model,
		"context":    sessionContext,
		"transcript": transcript,
	}, &out)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: out.Text, ThoughtTrace: out.ThoughtTrace}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
