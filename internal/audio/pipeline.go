// internal/audio/pipeline.go
package audio

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/iflabx/opencane/internal/protocol"
	"github.com/iflabx/opencane/pkg/provider"
)

// Options configure the audio pipeline.
type Options struct {
	// MaxBytes bounds buffered audio per segment; overflow drops the chunk.
	MaxBytes int
	// JitterWindow is W: reordering tolerance in packets.
	JitterWindow int
	// PrebufferChunks is the VAD pre-roll retained before the first voiced
	// frame.
	PrebufferChunks int
	// HangoverChunks is trailing silence tolerated before a speech chunk
	// closes.
	HangoverChunks int
	EnableVAD      bool
}

// DefaultOptions use a 32-packet jitter window (640ms of 20ms frames) and a
// 10-chunk (200ms) pre-roll.
func DefaultOptions() Options {
	return Options{
		MaxBytes:        8 << 20,
		JitterWindow:    32,
		PrebufferChunks: 10,
		HangoverChunks:  6,
		EnableVAD:       true,
	}
}

// SegmentStats counts per-segment packet handling.
type SegmentStats struct {
	Packets    int   `json:"packets"`
	Duplicates int   `json:"duplicates"`
	LateDrops  int   `json:"late_drops"`
	Overflow   int   `json:"overflow_drops"`
	Bytes      int   `json:"bytes"`
	SeqStart   int64 `json:"seq_start"`
	SeqEnd     int64 `json:"seq_end"`
}

// capture is the buffered state for one active segment.
type capture struct {
	started bool

	ordered   map[int64][]byte // flushed, contiguous-prefix audio
	pending   map[int64][]byte // inside the jitter window, awaiting flush
	prebuffer []prebufEntry    // pre-roll retained while silent
	texts     map[int64]string // transcript pieces carried in payloads

	nextExpected int64 // -1 until the first flush sets the frontier
	nextLocal    int64 // fallback ordering for unsequenced chunks
	totalBytes   int

	vadActive bool
	silence   int

	stats SegmentStats
}

type prebufEntry struct {
	order int64
	data  []byte
}

// Pipeline buffers and reorders captured audio per active segment and
// produces the finalized transcript.
type Pipeline struct {
	opts        Options
	transcriber provider.Transcription
	retry       provider.RetryPolicy

	mu       sync.Mutex
	captures map[string]*capture
}

// NewPipeline creates the audio pipeline. transcriber may be nil; segments
// without carried text then finalize to an empty transcript.
func NewPipeline(opts Options, transcriber provider.Transcription) *Pipeline {
	if opts.JitterWindow < 1 {
		opts.JitterWindow = 1
	}
	if opts.HangoverChunks < 1 {
		opts.HangoverChunks = 1
	}
	return &Pipeline{
		opts:        opts,
		transcriber: transcriber,
		retry:       provider.DefaultRetryPolicy(),
		captures:    make(map[string]*capture),
	}
}

func captureKey(deviceID, sessionID string) string {
	return deviceID + "/" + sessionID
}

// StartCapture opens (or reopens) the segment for a session.
func (p *Pipeline) StartCapture(deviceID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captures[captureKey(deviceID, sessionID)] = newCapture()
}

func newCapture() *capture {
	return &capture{
		started:      true,
		ordered:      make(map[int64][]byte),
		pending:      make(map[int64][]byte),
		texts:        make(map[int64]string),
		nextExpected: -1,
		nextLocal:    1,
	}
}

// AppendChunk inserts one audio_chunk into the segment and returns the
// current partial transcript composed from carried text pieces.
func (p *Pipeline) AppendChunk(deviceID, sessionID string, env *protocol.Envelope) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := captureKey(deviceID, sessionID)
	cap, ok := p.captures[key]
	if !ok {
		cap = newCapture()
		p.captures[key] = cap
	}

	order := p.resolveOrder(cap, env)
	if piece := strings.TrimSpace(env.String("text", "transcript")); piece != "" {
		cap.texts[order] = piece
	}

	if b64 := env.String("audio_b64", "audio"); b64 != "" {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			slog.Debug("invalid base64 audio chunk ignored",
				"device_id", deviceID, "session_id", sessionID, "seq", env.Seq)
		} else if len(data) > 0 {
			p.insert(cap, order, data, resolveSpeech(env))
		}
	}
	return composeText(cap)
}

// Finalize closes the segment and returns its transcript. A transcript
// carried in the listen_stop payload wins; otherwise carried text pieces;
// otherwise the concatenated voiced audio goes to the transcription
// provider. Transcription failures return an empty transcript.
func (p *Pipeline) Finalize(ctx context.Context, deviceID, sessionID string, env *protocol.Envelope) (provider.Transcript, SegmentStats, error) {
	if explicit := strings.TrimSpace(env.String("transcript", "text")); explicit != "" {
		stats := p.Reset(deviceID, sessionID)
		return provider.Transcript{Text: explicit, Confidence: 1.0}, stats, nil
	}

	p.mu.Lock()
	key := captureKey(deviceID, sessionID)
	cap, ok := p.captures[key]
	delete(p.captures, key)
	p.mu.Unlock()
	if !ok {
		return provider.Transcript{}, SegmentStats{}, nil
	}

	flushPrebuffer(cap)
	flushPending(cap, p.opts.JitterWindow, true)

	if text := composeText(cap); text != "" {
		return provider.Transcript{Text: text, Confidence: 1.0}, cap.stats, nil
	}

	orders := make([]int64, 0, len(cap.ordered))
	for order := range cap.ordered {
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i] < orders[j] })
	var audio []byte
	for _, order := range orders {
		audio = append(audio, cap.ordered[order]...)
	}
	if len(audio) == 0 || p.transcriber == nil {
		return provider.Transcript{}, cap.stats, nil
	}

	var transcript provider.Transcript
	err := p.retry.Execute(ctx, func() error {
		t, err := p.transcriber.Transcribe(ctx, audio, "audio/opus")
		if err != nil {
			return err
		}
		transcript = t
		return nil
	})
	if err != nil {
		slog.Warn("audio transcription failed",
			"device_id", deviceID, "session_id", sessionID, "error", err)
		return provider.Transcript{}, cap.stats, err
	}
	transcript.Text = strings.TrimSpace(transcript.Text)
	return transcript, cap.stats, nil
}

// Reset discards the segment, returning its final stats.
func (p *Pipeline) Reset(deviceID, sessionID string) SegmentStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := captureKey(deviceID, sessionID)
	cap := p.captures[key]
	delete(p.captures, key)
	if cap == nil {
		return SegmentStats{}
	}
	return cap.stats
}

// Partial returns the current partial transcript capped at maxChars.
func (p *Pipeline) Partial(deviceID, sessionID string, maxChars int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	cap, ok := p.captures[captureKey(deviceID, sessionID)]
	if !ok {
		return ""
	}
	text := composeText(cap)
	if maxChars > 0 && len(text) > maxChars {
		return strings.TrimRight(text[:maxChars-3], " ") + "..."
	}
	return text
}

func (p *Pipeline) resolveOrder(cap *capture, env *protocol.Envelope) int64 {
	for _, key := range []string{"chunk_index", "frame_index", "index", "order"} {
		if v := env.Int(-1, key); v >= 0 {
			if v+1 > cap.nextLocal {
				cap.nextLocal = v + 1
			}
			return v
		}
	}
	if env.Seq >= 0 {
		if env.Seq+1 > cap.nextLocal {
			cap.nextLocal = env.Seq + 1
		}
		return env.Seq
	}
	order := cap.nextLocal
	cap.nextLocal++
	return order
}

func (p *Pipeline) insert(cap *capture, order int64, data []byte, speech *bool) {
	if cap.stats.Packets == 0 || order < cap.stats.SeqStart {
		cap.stats.SeqStart = order
	}
	if order > cap.stats.SeqEnd {
		cap.stats.SeqEnd = order
	}
	cap.stats.Packets++

	if _, dup := cap.ordered[order]; dup {
		cap.stats.Duplicates++
		return
	}
	if _, dup := cap.pending[order]; dup {
		cap.stats.Duplicates++
		return
	}
	// Late arrival behind the flushed frontier: drop and count.
	if cap.nextExpected >= 0 && order < cap.nextExpected {
		cap.stats.LateDrops++
		return
	}
	if cap.totalBytes+len(data) > p.opts.MaxBytes {
		cap.stats.Overflow++
		return
	}

	if !p.opts.EnableVAD {
		p.store(cap, order, data)
		flushPending(cap, p.opts.JitterWindow, false)
		return
	}

	voiced := true
	if speech != nil {
		voiced = *speech
	}
	switch {
	case voiced:
		cap.vadActive = true
		cap.silence = 0
		flushPrebuffer(cap)
		p.store(cap, order, data)
		flushPending(cap, p.opts.JitterWindow, false)
	case cap.vadActive:
		// Trailing silence inside the hangover still belongs to the chunk.
		cap.silence++
		p.store(cap, order, data)
		flushPending(cap, p.opts.JitterWindow, false)
		if cap.silence >= p.opts.HangoverChunks {
			cap.vadActive = false
		}
	default:
		p.prebuf(cap, order, data)
	}
}

func (p *Pipeline) store(cap *capture, order int64, data []byte) {
	cap.pending[order] = data
	cap.totalBytes += len(data)
	cap.stats.Bytes += len(data)
}

func (p *Pipeline) prebuf(cap *capture, order int64, data []byte) {
	if p.opts.PrebufferChunks <= 0 {
		return
	}
	for _, e := range cap.prebuffer {
		if e.order == order {
			cap.stats.Duplicates++
			return
		}
	}
	cap.prebuffer = append(cap.prebuffer, prebufEntry{order: order, data: data})
	cap.totalBytes += len(data)
	if overflow := len(cap.prebuffer) - p.opts.PrebufferChunks; overflow > 0 {
		for _, dropped := range cap.prebuffer[:overflow] {
			cap.totalBytes -= len(dropped.data)
		}
		cap.prebuffer = cap.prebuffer[overflow:]
	}
}

// flushPrebuffer promotes the retained pre-roll into the pending set so the
// first voiced frame after silence keeps its lead-in.
func flushPrebuffer(cap *capture) {
	if len(cap.prebuffer) == 0 {
		return
	}
	sort.Slice(cap.prebuffer, func(i, j int) bool { return cap.prebuffer[i].order < cap.prebuffer[j].order })
	for _, e := range cap.prebuffer {
		if _, ok := cap.pending[e.order]; ok {
			continue
		}
		if _, ok := cap.ordered[e.order]; ok {
			continue
		}
		cap.pending[e.order] = e.data
		cap.stats.Bytes += len(e.data)
		if cap.nextExpected < 0 || e.order < cap.nextExpected {
			cap.nextExpected = e.order
		}
	}
	cap.prebuffer = nil
}

// flushPending emits contiguous prefixes; once pending exceeds the jitter
// window it skips missing seqs and emits what remains.
func flushPending(cap *capture, window int, force bool) {
	if len(cap.pending) == 0 {
		return
	}
	if force {
		for order, data := range cap.pending {
			cap.ordered[order] = data
		}
		cap.pending = make(map[int64][]byte)
		return
	}
	if cap.nextExpected < 0 {
		// No frontier yet: hold packets until the window fills so early
		// seqs that arrive late can still take their place.
		if len(cap.pending) <= window {
			return
		}
		cap.nextExpected = minOrder(cap.pending)
	}
	for {
		data, ok := cap.pending[cap.nextExpected]
		if !ok {
			break
		}
		cap.ordered[cap.nextExpected] = data
		delete(cap.pending, cap.nextExpected)
		cap.nextExpected++
	}
	for len(cap.pending) > window {
		order := minOrder(cap.pending)
		cap.ordered[order] = cap.pending[order]
		delete(cap.pending, order)
		if order+1 > cap.nextExpected {
			cap.nextExpected = order + 1
		}
	}
}

func minOrder(m map[int64][]byte) int64 {
	first := true
	var min int64
	for order := range m {
		if first || order < min {
			min = order
			first = false
		}
	}
	return min
}

func composeText(cap *capture) string {
	if len(cap.texts) == 0 {
		return ""
	}
	orders := make([]int64, 0, len(cap.texts))
	for order := range cap.texts {
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i] < orders[j] })
	parts := make([]string, 0, len(orders))
	for _, order := range orders {
		parts = append(parts, cap.texts[order])
	}
	return strings.Join(parts, " ")
}

// resolveSpeech reads the firmware VAD hint; carried text implies speech and
// an absent hint returns nil (treated as voiced).
func resolveSpeech(env *protocol.Envelope) *bool {
	for _, key := range []string{"is_speech", "speech", "vad", "voice"} {
		if _, ok := env.Payload[key]; ok {
			v := env.Bool(true, key)
			return &v
		}
	}
	if strings.TrimSpace(env.String("text", "transcript")) != "" {
		v := true
		return &v
	}
	return nil
}
