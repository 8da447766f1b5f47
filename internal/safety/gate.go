// internal/safety/gate.go
package safety

import (
	"strings"
	"sync"
	"time"
)

// Risk levels in priority order: P0 is immediate danger, P3 informational.
var riskOrder = map[string]int{"P0": 0, "P1": 1, "P2": 2, "P3": 3}

// Input is one outbound text with its source context.
type Input struct {
	Text       string
	Source     string
	RiskLevel  string
	Confidence float64
	SessionID  string
}

// Decision is the rewrite verdict for one outbound text.
type Decision struct {
	Text          string   `json:"text"`
	Source        string   `json:"source"`
	RiskLevel     string   `json:"risk_level"`
	Confidence    float64  `json:"confidence"`
	Downgraded    bool     `json:"downgraded"`
	Reason        string   `json:"reason"`
	RuleIDs       []string `json:"rule_ids"`
	PolicyVersion string   `json:"policy_version"`
}

// Options configure the gate's thresholds.
type Options struct {
	Enabled                        bool
	LowConfidenceThreshold         float64
	DirectionalConfidenceThreshold float64
	MaxOutputChars                 int
	// ConflictWindow is how long a P0 hint blocks contradicting directions.
	ConflictWindow time.Duration
}

// DefaultOptions returns the gate defaults.
func DefaultOptions() Options {
	return Options{
		Enabled:                        true,
		LowConfidenceThreshold:         0.55,
		DirectionalConfidenceThreshold: 0.85,
		MaxOutputChars:                 320,
		ConflictWindow:                 10 * time.Second,
	}
}

// rule is one ordered rewrite step. Rules run in priority order; the chain
// is pluggable so non-normative rules can be appended.
type rule struct {
	id    string
	apply func(g *Gate, in Input, d *Decision) bool
}

// Gate rewrites or downgrades outbound text before dispatch. Evaluate is
// pure given the gate's recorded P0 history.
type Gate struct {
	opts  Options
	rules []rule

	mu         sync.Mutex
	lastP0Hint map[string]time.Time // session id -> last P0 observation
	now        func() time.Time
}

// New creates a safety gate with the normative rule chain.
func New(opts Options) *Gate {
	if opts.MaxOutputChars < 64 {
		opts.MaxOutputChars = 64
	}
	g := &Gate{
		opts:       opts,
		lastP0Hint: make(map[string]time.Time),
		now:        time.Now,
	}
	g.rules = []rule{
		{id: "empty_output", apply: ruleEmptyOutput},
		{id: "low_confidence", apply: ruleLowConfidence},
		{id: "p0_preamble", apply: ruleP0Preamble},
		{id: "conflict_direction", apply: ruleConflictDirection},
		{id: "directional_low_confidence", apply: ruleDirectionalLowConfidence},
		{id: "recent_p0_conflict", apply: ruleRecentP0Conflict},
		{id: "length_cap", apply: ruleLengthCap},
	}
	return g
}

// NoteRisk records a risk observation for a session, feeding the
// recent-P0 conflict rule.
func (g *Gate) NoteRisk(sessionID, riskLevel string) {
	if normalizeRisk(riskLevel) != "P0" {
		return
	}
	g.mu.Lock()
	g.lastP0Hint[sessionID] = g.now()
	g.mu.Unlock()
}

// Evaluate runs the rule chain over one outbound text.
func (g *Gate) Evaluate(in Input) Decision {
	d := Decision{
		Text:          strings.TrimSpace(in.Text),
		Source:        orDefault(in.Source, "runtime"),
		RiskLevel:     higherRisk(normalizeRisk(in.RiskLevel), inferRisk(in.Text)),
		Confidence:    clamp01(in.Confidence),
		Reason:        "ok",
		PolicyVersion: "v1.1",
		RuleIDs:       []string{},
	}
	if !g.opts.Enabled {
		return d
	}
	for _, r := range g.rules {
		if r.apply(g, in, &d) {
			d.RuleIDs = append(d.RuleIDs, r.id)
		}
	}
	g.NoteRisk(in.SessionID, d.RiskLevel)
	return d
}

func ruleEmptyOutput(g *Gate, _ Input, d *Decision) bool {
	if d.Text != "" {
		return false
	}
	d.Text = fallbackMessage(d.RiskLevel)
	d.Downgraded = true
	d.Reason = "empty_output"
	return true
}

func ruleLowConfidence(g *Gate, _ Input, d *Decision) bool {
	if d.Downgraded || d.Confidence >= g.opts.LowConfidenceThreshold {
		return false
	}
	d.Text = fallbackMessage(d.RiskLevel)
	d.Downgraded = true
	d.Reason = "low_confidence"
	return true
}

func ruleP0Preamble(g *Gate, _ Input, d *Decision) bool {
	if d.Downgraded || (d.RiskLevel != "P0" && d.RiskLevel != "P1") {
		return false
	}
	if hasCautionPrefix(d.Text) {
		return false
	}
	if d.RiskLevel == "P0" {
		d.Text = "Stop and stay where you are. " + d.Text
	} else {
		d.Text = "Careful. " + d.Text
	}
	return true
}

func ruleConflictDirection(g *Gate, _ Input, d *Decision) bool {
	if d.Downgraded || !hasConflictingDirections(d.Text) {
		return false
	}
	d.Text = fallbackMessage(d.RiskLevel)
	d.Downgraded = true
	d.Reason = "conflict_direction"
	return true
}

func ruleDirectionalLowConfidence(g *Gate, _ Input, d *Decision) bool {
	if d.Downgraded {
		return false
	}
	if d.RiskLevel != "P0" && d.RiskLevel != "P1" {
		return false
	}
	if d.Confidence >= g.opts.DirectionalConfidenceThreshold {
		return false
	}
	if !hasDirectionalInstruction(d.Text) {
		return false
	}
	d.Text = fallbackMessage(d.RiskLevel)
	d.Downgraded = true
	d.Reason = "directional_low_confidence"
	return true
}

// ruleRecentP0Conflict replaces directional commands issued soon after a P0
// hint for the same session with a safe equivalent.
func ruleRecentP0Conflict(g *Gate, in Input, d *Decision) bool {
	if d.Downgraded || in.SessionID == "" || !hasDirectionalInstruction(d.Text) {
		return false
	}
	g.mu.Lock()
	last, ok := g.lastP0Hint[in.SessionID]
	g.mu.Unlock()
	if !ok || g.now().Sub(last) > g.opts.ConflictWindow {
		return false
	}
	if d.RiskLevel == "P0" {
		// The current message is itself the danger callout; leave it.
		return false
	}
	d.Text = fallbackMessage("P0")
	d.Downgraded = true
	d.Reason = "recent_p0_conflict"
	return true
}

func ruleLengthCap(g *Gate, _ Input, d *Decision) bool {
	if len(d.Text) <= g.opts.MaxOutputChars {
		return false
	}
	d.Text = truncateOnSentence(d.Text, g.opts.MaxOutputChars)
	return true
}

var directionalPhrases = []string{
	"go straight", "keep walking", "turn left", "turn right", "step forward",
	"move forward", "cross now", "walk ahead",
}

var cautionPrefixes = []string{
	"stop", "careful", "caution", "warning", "wait",
}

var p0Keywords = []string{
	"oncoming traffic", "oncoming car", "gas leak", "fire", "open pit",
	"falling", "electric shock", "highway",
}

var p1Keywords = []string{
	"stairs", "steps down", "crosswalk", "intersection", "construction",
	"obstacle", "crowd", "curb",
}

var p2Keywords = []string{
	"maybe", "perhaps", "uncertain", "unclear", "possibly",
}

func hasDirectionalInstruction(text string) bool {
	return containsAny(text, directionalPhrases)
}

func hasConflictingDirections(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "turn left") && strings.Contains(lower, "turn right")
}

func hasCautionPrefix(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range cautionPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func inferRisk(text string) string {
	switch {
	case containsAny(text, p0Keywords):
		return "P0"
	case containsAny(text, p1Keywords):
		return "P1"
	case containsAny(text, p2Keywords):
		return "P2"
	}
	return "P3"
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func fallbackMessage(riskLevel string) string {
	switch normalizeRisk(riskLevel) {
	case "P0":
		return "I am not certain about the surroundings. Stop immediately, confirm it is safe, and ask someone nearby for help."
	case "P1":
		return "My reading is not stable. Stop first, check ahead with your cane, then move carefully."
	default:
		return "I am not certain right now. Please stop and confirm your surroundings are safe."
	}
}

func truncateOnSentence(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	for _, sep := range []string{". ", "! ", "? ", "。", "！", "？"} {
		if idx := strings.LastIndex(cut, sep); idx > max/2 {
			return strings.TrimSpace(cut[:idx+len(sep)])
		}
	}
	return strings.TrimSpace(cut[:max-3]) + "..."
}

func normalizeRisk(risk string) string {
	r := strings.ToUpper(strings.TrimSpace(risk))
	if _, ok := riskOrder[r]; ok {
		return r
	}
	return "P3"
}

func higherRisk(a, b string) string {
	if riskOrder[a] <= riskOrder[b] {
		return a
	}
	return b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
