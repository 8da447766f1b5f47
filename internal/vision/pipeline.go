// internal/vision/pipeline.go
package vision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/iflabx/opencane/internal/ingest"
	"github.com/iflabx/opencane/internal/store"
	"github.com/iflabx/opencane/internal/vector"
	"github.com/iflabx/opencane/pkg/provider"
)

// FallbackReply is spoken when the vision provider fails terminally.
const FallbackReply = "I couldn't process the image clearly. Please try again."

// Digest is the per-job outcome handed back to the runtime for dispatch.
type Digest struct {
	JobID     string
	SessionID string
	DeviceID  string
	TraceID   string
	Text      string
	Dedup     bool
	Failed    bool
	Result    provider.VisionResult
}

// Options configure dedup behavior.
type Options struct {
	// DedupThreshold is the max Hamming distance treated as a near-duplicate.
	DedupThreshold int
	// DedupWindow bounds how far back near-duplicate candidates are fetched.
	DedupWindow time.Duration
}

// DefaultOptions returns the dedup defaults.
func DefaultOptions() Options {
	return Options{DedupThreshold: 8, DedupWindow: time.Hour}
}

// Pipeline processes ingested image jobs: persist, dedup, analyze, index,
// and hand a digest back to the runtime.
type Pipeline struct {
	opts     Options
	st       store.Store
	index    vector.Index
	vision   provider.Vision
	assets   *AssetStore
	retry    provider.RetryPolicy
	onDigest func(ctx context.Context, d Digest)
}

// NewPipeline wires the vision pipeline. vision may be nil; jobs then fail
// with the conservative fallback reply.
func NewPipeline(opts Options, st store.Store, index vector.Index, visionProvider provider.Vision, assets *AssetStore) *Pipeline {
	if opts.DedupThreshold <= 0 {
		opts.DedupThreshold = 8
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = time.Hour
	}
	return &Pipeline{
		opts:   opts,
		st:     st,
		index:  index,
		vision: visionProvider,
		assets: assets,
		retry:  provider.DefaultRetryPolicy(),
	}
}

// OnDigest registers the runtime callback invoked when a job completes.
func (p *Pipeline) OnDigest(fn func(ctx context.Context, d Digest)) {
	p.onDigest = fn
}

// Process handles one job to a terminal status. It matches ingest.Handler.
func (p *Pipeline) Process(ctx context.Context, job *ingest.Job) {
	digest, err := p.process(ctx, job)
	if err != nil {
		slog.Warn("vision job failed",
			"job_id", job.JobID, "session_id", job.SessionID, "error", err)
		job.Status = ingest.StatusFailed
		digest = Digest{
			JobID:     job.JobID,
			SessionID: job.SessionID,
			DeviceID:  job.DeviceID,
			TraceID:   job.TraceID,
			Text:      FallbackReply,
			Failed:    true,
		}
	}
	if p.onDigest != nil {
		p.onDigest(ctx, digest)
	}
}

func (p *Pipeline) process(ctx context.Context, job *ingest.Job) (Digest, error) {
	now := time.Now()
	contentHash := ContentHash(job.Bytes)
	dhash, err := DHash(job.Bytes)
	if err != nil {
		// Undecodable bytes still get stored and analyzed; only near-duplicate
		// (dHash) matching is lost, exact content-hash dedup still applies.
		slog.Debug("dhash unavailable", "job_id", job.JobID, "error", err)
	}
	job.DHash = dhash

	uri, err := p.assets.Put(job.SessionID, job.Bytes, job.Mime, contentHash, now)
	if err != nil {
		return Digest{}, fmt.Errorf("persist asset: %w", err)
	}

	since := now.Add(-p.opts.DedupWindow).UnixMilli()
	if prior := p.findDuplicate(ctx, contentHash, dhash, since); prior != nil {
		return p.dedup(ctx, job, prior)
	}

	imageRow := &store.LifelogImage{
		SessionID:   job.SessionID,
		DeviceID:    job.DeviceID,
		URI:         uri,
		Mime:        job.Mime,
		DHash:       dhash,
		ContentHash: contentHash,
		ByteSize:    int64(len(job.Bytes)),
		TSMS:        now.UnixMilli(),
	}
	imageID, err := p.st.InsertLifelogImage(ctx, imageRow)
	if err != nil {
		return Digest{}, fmt.Errorf("persist image row: %w", err)
	}

	result, err := p.analyze(ctx, job)
	if err != nil {
		return Digest{}, err
	}

	ctxRow := &store.LifelogContext{
		SessionID:         job.SessionID,
		ImageID:           imageID,
		Summary:           result.Summary,
		Objects:           result.Objects,
		OCR:               result.OCR,
		RiskHints:         result.RiskHints,
		ActionableSummary: result.ActionableSummary,
		RiskLevel:         normalizeRisk(result.RiskLevel),
		RiskScore:         result.RiskScore,
		Confidence:        result.Confidence,
		TSMS:              now.UnixMilli(),
	}
	if _, err := p.st.InsertLifelogContext(ctx, ctxRow); err != nil {
		return Digest{}, fmt.Errorf("persist context: %w", err)
	}

	if p.index != nil && result.Summary != "" {
		meta := map[string]string{"session_id": job.SessionID, "kind": "image_context"}
		text := result.Summary
		if result.ActionableSummary != "" {
			text += " " + result.ActionableSummary
		}
		if err := p.index.Add(ctx, fmt.Sprintf("ctx-%d", imageID), text, meta); err != nil {
			slog.Debug("vector index add failed", "job_id", job.JobID, "error", err)
		}
	}

	job.Status = ingest.StatusDone
	return Digest{
		JobID:     job.JobID,
		SessionID: job.SessionID,
		DeviceID:  job.DeviceID,
		TraceID:   job.TraceID,
		Text:      digestText(result),
		Result:    result,
	}, nil
}

// findDuplicate returns a prior image within the window matching by exact
// content hash or by dHash distance at or under the threshold.
func (p *Pipeline) findDuplicate(ctx context.Context, contentHash, dhash string, sinceMS int64) *store.LifelogImage {
	if exact, err := p.st.FindImageByContentHash(ctx, contentHash, sinceMS); err == nil {
		return exact
	}
	if dhash == "" {
		return nil
	}
	recent, err := p.st.RecentLifelogImages(ctx, sinceMS, 200)
	if err != nil {
		return nil
	}
	for _, img := range recent {
		if img.DHash == "" {
			continue
		}
		if HammingDistance(dhash, img.DHash) <= p.opts.DedupThreshold {
			return img
		}
	}
	return nil
}

// dedup keeps the prior structured result and skips the provider call.
func (p *Pipeline) dedup(ctx context.Context, job *ingest.Job, prior *store.LifelogImage) (Digest, error) {
	job.Status = ingest.StatusDeduped
	digest := Digest{
		JobID:     job.JobID,
		SessionID: job.SessionID,
		DeviceID:  job.DeviceID,
		TraceID:   job.TraceID,
		Dedup:     true,
	}
	priorCtx, err := p.st.GetLifelogContextByImage(ctx, prior.ID)
	if err == nil {
		digest.Result = provider.VisionResult{
			Summary:           priorCtx.Summary,
			Objects:           priorCtx.Objects,
			OCR:               priorCtx.OCR,
			RiskHints:         priorCtx.RiskHints,
			ActionableSummary: priorCtx.ActionableSummary,
			RiskLevel:         priorCtx.RiskLevel,
			RiskScore:         priorCtx.RiskScore,
			Confidence:        priorCtx.Confidence,
		}
		digest.Text = digestText(digest.Result)
	}
	return digest, nil
}

func (p *Pipeline) analyze(ctx context.Context, job *ingest.Job) (provider.VisionResult, error) {
	if p.vision == nil {
		return provider.VisionResult{}, fmt.Errorf("vision provider unavailable")
	}
	var result provider.VisionResult
	err := p.retry.Execute(ctx, func() error {
		r, err := p.vision.Analyze(ctx, job.Bytes, job.Mime, job.Question)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return provider.VisionResult{}, fmt.Errorf("vision analyze: %w", err)
	}
	if result.Confidence == 0 {
		result.Confidence = 0.7
	}
	if result.RiskLevel == "" {
		result.RiskLevel = "P3"
	}
	return result, nil
}

func digestText(r provider.VisionResult) string {
	if r.ActionableSummary != "" {
		return r.ActionableSummary
	}
	if r.Summary != "" {
		return r.Summary
	}
	return "I could not analyze the image."
}

func normalizeRisk(risk string) string {
	switch risk {
	case "P0", "P1", "P2", "P3":
		return risk
	}
	return "P3"
}
