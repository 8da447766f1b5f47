package vector

import (
	"context"
	"testing"
)

func TestLocalRanking(t *testing.T) {
	idx := NewLocal()
	ctx := context.Background()
	idx.Add(ctx, "a", "a red bicycle leaning against the wall", map[string]string{"session_id": "s1"})
	idx.Add(ctx, "b", "crosswalk with heavy pedestrian traffic", map[string]string{"session_id": "s1"})
	idx.Add(ctx, "c", "empty hallway, clear path ahead", map[string]string{"session_id": "s2"})

	hits, err := idx.Query(ctx, "crosswalk traffic", nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 || hits[0].ID != "b" {
		t.Errorf("expected b first, got %+v", hits)
	}
}

func TestLocalFilters(t *testing.T) {
	idx := NewLocal()
	ctx := context.Background()
	idx.Add(ctx, "a", "clear path ahead", map[string]string{"session_id": "s1"})
	idx.Add(ctx, "b", "clear path ahead", map[string]string{"session_id": "s2"})

	hits, err := idx.Query(ctx, "clear path", map[string]string{"session_id": "s2"}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != "b" {
		t.Errorf("filter not applied: %+v", hits)
	}
}

func TestLocalReplaceByID(t *testing.T) {
	idx := NewLocal()
	ctx := context.Background()
	idx.Add(ctx, "a", "old text about stairs", nil)
	idx.Add(ctx, "a", "new text about elevators", nil)

	hits, _ := idx.Query(ctx, "stairs", nil, 5)
	if len(hits) != 0 {
		t.Errorf("stale document still indexed: %+v", hits)
	}
	hits, _ = idx.Query(ctx, "elevators", nil, 5)
	if len(hits) != 1 {
		t.Errorf("replacement not indexed: %+v", hits)
	}
}
