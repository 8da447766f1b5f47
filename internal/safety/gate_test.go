package safety

import (
	"strings"
	"testing"
	"time"
)

func TestP0Preamble(t *testing.T) {
	g := New(DefaultOptions())
	d := g.Evaluate(Input{
		Text:       "There is oncoming traffic ahead.",
		Source:     "vision_reply",
		RiskLevel:  "P0",
		Confidence: 0.95,
	})
	if !strings.HasPrefix(d.Text, "Stop and stay where you are.") {
		t.Errorf("missing P0 preamble: %q", d.Text)
	}
	if d.Downgraded {
		t.Error("preamble must not count as a downgrade")
	}
	if !contains(d.RuleIDs, "p0_preamble") {
		t.Errorf("rule ids = %v", d.RuleIDs)
	}
}

func TestLowConfidenceSoftens(t *testing.T) {
	g := New(DefaultOptions())
	d := g.Evaluate(Input{Text: "Go straight ahead.", RiskLevel: "P3", Confidence: 0.3})
	if !d.Downgraded || d.Reason != "low_confidence" {
		t.Errorf("expected low-confidence downgrade: %+v", d)
	}
	if strings.Contains(strings.ToLower(d.Text), "go straight") {
		t.Error("directional text survived the downgrade")
	}
}

func TestDirectionalSuppressedBelowThreshold(t *testing.T) {
	g := New(DefaultOptions())
	d := g.Evaluate(Input{Text: "Turn left at the crosswalk.", RiskLevel: "P1", Confidence: 0.7})
	if !d.Downgraded || d.Reason != "directional_low_confidence" {
		t.Errorf("expected directional suppression: %+v", d)
	}
}

func TestConflictingDirectionsReplaced(t *testing.T) {
	g := New(DefaultOptions())
	d := g.Evaluate(Input{Text: "Turn left, no, turn right immediately.", RiskLevel: "P3", Confidence: 0.99})
	if !d.Downgraded || d.Reason != "conflict_direction" {
		t.Errorf("expected conflict replacement: %+v", d)
	}
}

func TestRecentP0ConflictWindow(t *testing.T) {
	g := New(DefaultOptions())
	now := time.Now()
	g.now = func() time.Time { return now }

	g.NoteRisk("s1", "P0")
	d := g.Evaluate(Input{Text: "Keep walking straight.", SessionID: "s1", RiskLevel: "P3", Confidence: 0.99})
	if !d.Downgraded || d.Reason != "recent_p0_conflict" {
		t.Errorf("directional text inside the P0 window must be replaced: %+v", d)
	}

	// Outside the 10s window the same text passes.
	now = now.Add(11 * time.Second)
	d = g.Evaluate(Input{Text: "Keep walking straight.", SessionID: "s1", RiskLevel: "P3", Confidence: 0.99})
	if d.Downgraded {
		t.Errorf("window expired but text was replaced: %+v", d)
	}
}

func TestLengthCapOnSentenceBoundary(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxOutputChars = 80
	g := New(opts)
	long := strings.Repeat("The hallway is clear. ", 20)
	d := g.Evaluate(Input{Text: long, RiskLevel: "P3", Confidence: 1})
	if len(d.Text) > 80 {
		t.Errorf("length cap not applied: %d chars", len(d.Text))
	}
	if !strings.HasSuffix(d.Text, ".") {
		t.Errorf("expected sentence-boundary truncation: %q", d.Text)
	}
}

func TestEmptyOutputFallback(t *testing.T) {
	g := New(DefaultOptions())
	d := g.Evaluate(Input{Text: "   ", RiskLevel: "P1", Confidence: 1})
	if d.Text == "" || !d.Downgraded || d.Reason != "empty_output" {
		t.Errorf("empty output must produce a fallback: %+v", d)
	}
}

func TestRiskInference(t *testing.T) {
	g := New(DefaultOptions())
	d := g.Evaluate(Input{Text: "Smells like a gas leak nearby.", RiskLevel: "P3", Confidence: 0.95})
	if d.RiskLevel != "P0" {
		t.Errorf("risk not escalated from text: %s", d.RiskLevel)
	}
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
