package aegis

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Passage is a scored piece of knowledge-base content with its source.
type Passage struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// Retriever searches the document knowledge base and returns ranked
// passages. Results must be deterministic for a given corpus snapshot.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]Passage, error)
}

// DenseSearcher is the vector side of hybrid retrieval.
type DenseSearcher interface {
	SearchDense(ctx context.Context, query string, k int) ([]Passage, error)
}

// LexicalSearcher is the keyword side of hybrid retrieval.
type LexicalSearcher interface {
	SearchLexical(ctx context.Context, query string, k int) ([]Passage, error)
}

// Blend weights are fixed: dense carries most of the signal, lexical
// rescues exact-term matches the embedding misses.
const (
	denseWeight   = 0.65
	lexicalWeight = 0.35
)

// RetrieverOption configures a HybridRetriever.
type RetrieverOption func(*HybridRetriever)

// WithOverfetch sets the candidate multiplier: each side fetches k×n
// candidates before the blend trims back to k. Default 3.
func WithOverfetch(n int) RetrieverOption {
	return func(h *HybridRetriever) { h.overfetch = n }
}

// HybridRetriever blends dense and lexical search with fixed weights over
// min-max-normalised scores. Either side may be absent; the other serves
// alone. Only both sides failing fails the query.
type HybridRetriever struct {
	dense     DenseSearcher
	lexical   LexicalSearcher
	overfetch int
}

var _ Retriever = (*HybridRetriever)(nil)

// NewHybridRetriever builds the blended retriever. Either searcher may be
// nil when the deployment has no such index.
func NewHybridRetriever(dense DenseSearcher, lexical LexicalSearcher, opts ...RetrieverOption) *HybridRetriever {
	h := &HybridRetriever{dense: dense, lexical: lexical, overfetch: 3}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Search runs both sides, normalises each list's scores to [0,1], merges by
// passage identity with the fixed weights, and returns the top k in a
// deterministic order (score desc, then source, then text).
func (h *HybridRetriever) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		return nil, nil
	}
	fetchK := k * h.overfetch
	if fetchK < k {
		fetchK = k
	}

	var denseRes, lexRes []Passage
	var denseErr, lexErr error
	if h.dense != nil {
		denseRes, denseErr = h.dense.SearchDense(ctx, query, fetchK)
	}
	if h.lexical != nil {
		lexRes, lexErr = h.lexical.SearchLexical(ctx, query, fetchK)
	}

	switch {
	case denseErr != nil && lexErr != nil:
		return nil, fmt.Errorf("hybrid search: %w", errors.Join(denseErr, lexErr))
	case h.dense == nil && h.lexical == nil:
		return nil, nil
	}

	// A failed or absent side contributes nothing; the other serves alone.
	if denseErr != nil {
		denseRes = nil
	}
	if lexErr != nil {
		lexRes = nil
	}

	merged := blend(denseRes, lexRes)
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// blend merges the two ranked lists by weighted normalised score.
func blend(dense, lexical []Passage) []Passage {
	type entry struct {
		p     Passage
		score float64
	}
	merged := make(map[string]*entry)

	add := func(list []Passage, weight float64) {
		norm := normalise(list)
		for i, p := range list {
			key := p.Source + "\x00" + p.Text
			e, ok := merged[key]
			if !ok {
				e = &entry{p: p}
				merged[key] = e
			}
			e.score += weight * norm[i]
		}
	}
	add(dense, denseWeight)
	add(lexical, lexicalWeight)

	out := make([]Passage, 0, len(merged))
	for _, e := range merged {
		e.p.Score = e.score
		out = append(out, e.p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Text < out[j].Text
	})
	return out
}

// normalise min-max scales a list's scores to [0,1]. A single-element or
// constant-score list maps to 1.0 so it still carries its full weight.
func normalise(list []Passage) []float64 {
	out := make([]float64, len(list))
	if len(list) == 0 {
		return out
	}
	lo, hi := list[0].Score, list[0].Score
	for _, p := range list[1:] {
		if p.Score < lo {
			lo = p.Score
		}
		if p.Score > hi {
			hi = p.Score
		}
	}
	if hi == lo {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}
	for i, p := range list {
		out[i] = (p.Score - lo) / (hi - lo)
	}
	return out
}
