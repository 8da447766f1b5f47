package vision

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/iflabx/opencane/internal/ingest"
	"github.com/iflabx/opencane/internal/store"
	"github.com/iflabx/opencane/internal/vector"
	"github.com/iflabx/opencane/pkg/provider"
)

type fakeVision struct {
	calls  int
	result provider.VisionResult
}

func (f *fakeVision) Analyze(ctx context.Context, img []byte, mime, question string) (provider.VisionResult, error) {
	f.calls++
	return f.result, nil
}

// testImage renders a small gradient so the dhash is stable. Brightness rises
// left to right, so every dhash bit is 0; seed only shifts the brightness.
func testImage(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x*8) + seed})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestPipeline(t *testing.T, fv *fakeVision) (*Pipeline, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	assets := NewAssetStore(t.TempDir())
	return NewPipeline(DefaultOptions(), st, vector.NewLocal(), fv, assets), st
}

func TestDHashStability(t *testing.T) {
	a := testImage(t, 0)
	h1, err := DHash(a)
	if err != nil {
		t.Fatal(err)
	}
	h2, _ := DHash(a)
	if h1 != h2 {
		t.Error("dhash must be deterministic")
	}
	if HammingDistance(h1, h2) != 0 {
		t.Error("identical images must have distance 0")
	}
	if HammingDistance(h1, "zzz") != 64 {
		t.Error("unparseable hashes are maximally distant")
	}
}

func TestProcessPersistsAndIndexes(t *testing.T) {
	fv := &fakeVision{result: provider.VisionResult{
		Summary:    "a crosswalk with traffic",
		RiskLevel:  "P1",
		Confidence: 0.9,
	}}
	p, st := newTestPipeline(t, fv)

	var digests []Digest
	p.OnDigest(func(ctx context.Context, d Digest) { digests = append(digests, d) })

	job := ingest.NewJob("s1", "dev-001", testImage(t, 0), "image/png", "what is ahead", "t1")
	p.Process(context.Background(), job)

	if job.Status != ingest.StatusDone {
		t.Fatalf("status = %s", job.Status)
	}
	if len(digests) != 1 || digests[0].Dedup {
		t.Fatalf("digests = %+v", digests)
	}
	n, err := st.CountLifelogContexts(context.Background(), "s1")
	if err != nil || n != 1 {
		t.Errorf("contexts = %d err=%v", n, err)
	}
}

func TestDedupIdempotent(t *testing.T) {
	fv := &fakeVision{result: provider.VisionResult{Summary: "stairs going down", RiskLevel: "P1"}}
	p, st := newTestPipeline(t, fv)

	var digests []Digest
	p.OnDigest(func(ctx context.Context, d Digest) { digests = append(digests, d) })

	img := testImage(t, 0)
	first := ingest.NewJob("s1", "dev-001", img, "image/png", "", "t1")
	p.Process(context.Background(), first)
	second := ingest.NewJob("s1", "dev-001", img, "image/png", "", "t2")
	p.Process(context.Background(), second)

	if second.Status != ingest.StatusDeduped {
		t.Errorf("second job status = %s", second.Status)
	}
	if fv.calls != 1 {
		t.Errorf("provider called %d times; dedup must skip the second call", fv.calls)
	}
	if !digests[1].Dedup {
		t.Error("second digest must be marked dedup")
	}
	if digests[1].Text != digests[0].Text {
		t.Error("dedup digest must reuse the prior structured result")
	}

	n, _ := st.CountLifelogContexts(context.Background(), "s1")
	if n != 1 {
		t.Errorf("dedup created a second context row: %d", n)
	}
}

func TestNearDuplicateByDHash(t *testing.T) {
	fv := &fakeVision{result: provider.VisionResult{Summary: "a hallway"}}
	p, _ := newTestPipeline(t, fv)

	base := testImage(t, 0)
	near := testImage(t, 1) // tiny uniform brightness shift, same gradient
	p.Process(context.Background(), ingest.NewJob("s1", "d", base, "image/png", "", ""))
	job := ingest.NewJob("s1", "d", near, "image/png", "", "")
	p.Process(context.Background(), job)

	if job.Status != ingest.StatusDeduped {
		t.Errorf("near-duplicate not deduped: %s", job.Status)
	}
}

func TestProviderFailureYieldsFallback(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	p.vision = nil

	var got Digest
	p.OnDigest(func(ctx context.Context, d Digest) { got = d })
	job := ingest.NewJob("s1", "dev-001", testImage(t, 0), "image/png", "", "")
	p.Process(context.Background(), job)

	if job.Status != ingest.StatusFailed {
		t.Errorf("status = %s", job.Status)
	}
	if !got.Failed || got.Text != FallbackReply {
		t.Errorf("digest = %+v", got)
	}
}

func TestAssetPathLayout(t *testing.T) {
	root := t.TempDir()
	assets := NewAssetStore(root)
	at := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	uri, err := assets.Put("s1", []byte("img"), "image/jpeg", "abc123", at)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, "lifelog", "images", "s1", "20260806", "abc123.jpg")
	if uri != want {
		t.Errorf("uri = %s, want %s", uri, want)
	}
	// Idempotent for the same content hash.
	again, err := assets.Put("s1", []byte("img"), "image/jpeg", "abc123", at)
	if err != nil || again != uri {
		t.Errorf("second put: %s err=%v", again, err)
	}
}
