// internal/vector/index.go
package vector

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Index is the semantic-search boundary the runtime consumes. A remote
// vector database can be injected in place of the local index.
type Index interface {
	Add(ctx context.Context, id, text string, metadata map[string]string) error
	Query(ctx context.Context, text string, filters map[string]string, topK int) ([]Hit, error)
	Backend() string
}

// Hit is one ranked query result.
type Hit struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// BM25 parameters (Okapi variant, standard values).
const (
	paramK1 = 1.2
	paramB  = 0.75
)

var tokenPattern = regexp.MustCompile(`[a-z0-9\p{Han}]+`)

type doc struct {
	id       string
	text     string
	metadata map[string]string
	terms    map[string]int
	length   int
}

// Local is a BM25-ranked lexical index used as the in-process fallback when
// no remote vector backend is configured. Safe for concurrent use.
type Local struct {
	mu   sync.RWMutex
	docs []doc
	df   map[string]int
}

// NewLocal creates an empty local index.
func NewLocal() *Local {
	return &Local{df: make(map[string]int)}
}

func (l *Local) Backend() string { return "local_bm25" }

// Add indexes one text under id. Re-adding an id replaces the prior entry.
func (l *Local) Add(_ context.Context, id, text string, metadata map[string]string) error {
	terms := termFrequencies(text)
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.docs {
		if l.docs[i].id == id {
			for term := range l.docs[i].terms {
				l.df[term]--
				if l.df[term] <= 0 {
					delete(l.df, term)
				}
			}
			l.docs = append(l.docs[:i], l.docs[i+1:]...)
			break
		}
	}
	d := doc{id: id, text: text, metadata: metadata, terms: terms}
	for _, n := range terms {
		d.length += n
	}
	for term := range terms {
		l.df[term]++
	}
	l.docs = append(l.docs, d)
	return nil
}

// Query ranks indexed documents against the query text. Filter entries must
// all match the document metadata exactly.
func (l *Local) Query(_ context.Context, text string, filters map[string]string, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}
	queryTerms := termFrequencies(text)

	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.docs) == 0 {
		return nil, nil
	}
	var totalLength int
	for _, d := range l.docs {
		totalLength += d.length
	}
	avgLength := float64(totalLength) / float64(len(l.docs))
	n := float64(len(l.docs))

	var hits []Hit
	for _, d := range l.docs {
		if !matchesFilters(d.metadata, filters) {
			continue
		}
		var score float64
		for term := range queryTerms {
			tf := float64(d.terms[term])
			if tf == 0 {
				continue
			}
			df := float64(l.df[term])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			denom := tf + paramK1*(1-paramB+paramB*float64(d.length)/avgLength)
			score += idf * tf * (paramK1 + 1) / denom
		}
		if score > 0 {
			hits = append(hits, Hit{ID: d.id, Score: score, Text: d.text, Metadata: d.metadata})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func matchesFilters(metadata, filters map[string]string) bool {
	for k, v := range filters {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

func termFrequencies(text string) map[string]int {
	terms := make(map[string]int)
	for _, token := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		terms[token]++
	}
	return terms
}
