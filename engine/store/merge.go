package store

import "sort"

// Default hybrid weights. Relative, not normalized; they need not sum
// to 1.
const (
	DefaultTextWeight     = 0.7
	DefaultSemanticWeight = 0.3
)

// Merge fuses two ranked result lists from independent similarity spaces
// into one ranking by weighted score sum. A paper present in only one
// list keeps a zero score for the other space. Ordering is by combined
// score descending with ties broken by paper id ascending, then the list
// is truncated to topK.
func Merge(text, semantic []SearchResult, textWeight, semanticWeight float32, topK int) []SearchResult {
	merged := make(map[string]*SearchResult, len(text)+len(semantic))

	for _, r := range text {
		e := r
		e.TextScore = r.Score
		e.SemanticScore = 0
		e.Score = r.Score * textWeight
		merged[r.PaperID] = &e
	}

	for _, r := range semantic {
		if e, ok := merged[r.PaperID]; ok {
			e.Score += r.Score * semanticWeight
			e.SemanticScore = r.Score
			continue
		}
		e := r
		e.TextScore = 0
		e.SemanticScore = r.Score
		e.Score = r.Score * semanticWeight
		merged[r.PaperID] = &e
	}

	out := make([]SearchResult, 0, len(merged))
	for _, e := range merged {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].PaperID < out[j].PaperID
	})

	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}
