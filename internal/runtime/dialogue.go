// internal/runtime/dialogue.go
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/iflabx/opencane/internal/session"
	"github.com/iflabx/opencane/internal/store"
)

// ContextBuilder assembles the token-budgeted session context handed to the
// dialogue engine: device state, telemetry, and recent turns, newest first,
// until the budget is spent.
type ContextBuilder struct {
	budget    int
	tokenizer *tiktoken.Tiktoken
}

// NewContextBuilder creates a builder with the given token budget. When the
// tokenizer is unavailable a 4-chars-per-token estimate is used instead.
func NewContextBuilder(budget int) *ContextBuilder {
	if budget <= 0 {
		budget = 1024
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &ContextBuilder{budget: budget, tokenizer: enc}
}

func (b *ContextBuilder) countTokens(text string) int {
	if b.tokenizer == nil {
		return (len(text) + 3) / 4
	}
	return len(b.tokenizer.Encode(text, nil, nil))
}

// Build renders the session context. st may be nil; the context then carries
// only the live session state.
func (b *ContextBuilder) Build(ctx context.Context, st store.Store, s *session.Session) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "device_id: %s\nsession_id: %s\nstate: %s\n", s.DeviceID, s.SessionID, s.State)
	if len(s.Telemetry) > 0 {
		if data, err := json.Marshal(s.Telemetry); err == nil {
			fmt.Fprintf(&sb, "telemetry: %s\n", data)
		}
	}
	used := b.countTokens(sb.String())

	if st != nil {
		events, err := st.QueryLifelogEvents(ctx, store.EventQuery{
			SessionID: s.SessionID,
			Limit:     50,
		})
		if err == nil && len(events) > 0 {
			var lines []string
			for _, ev := range events {
				line := renderEventLine(ev)
				if line == "" {
					continue
				}
				cost := b.countTokens(line)
				if used+cost > b.budget {
					break
				}
				used += cost
				lines = append(lines, line)
			}
			if len(lines) > 0 {
				// Events arrive newest-first; present them oldest-first.
				sb.WriteString("recent:\n")
				for i := len(lines) - 1; i >= 0; i-- {
					sb.WriteString(lines[i])
					sb.WriteByte('\n')
				}
			}
		}
	}
	return sb.String()
}

func renderEventLine(ev *store.LifelogEvent) string {
	switch ev.EventType {
	case "voice_turn":
		transcript, _ := ev.Payload["transcript"].(string)
		response, _ := ev.Payload["response"].(string)
		if transcript == "" && response == "" {
			return ""
		}
		return fmt.Sprintf("- user: %s / assistant: %s", shorten(transcript, 200), shorten(response, 200))
	case "image_ingested":
		summary, _ := ev.Payload["summary"].(string)
		if summary == "" {
			return ""
		}
		return "- scene: " + shorten(summary, 200)
	case "digital_task_turn":
		transcript, _ := ev.Payload["transcript"].(string)
		if transcript == "" {
			return ""
		}
		return "- task request: " + shorten(transcript, 200)
	}
	return ""
}
