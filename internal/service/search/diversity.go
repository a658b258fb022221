package search

import "math"

// diversityThreshold is the cosine similarity above which two results
// are treated as the same solution approach.
const diversityThreshold = 0.85

// cosineSimilarity over float32 embedding slices. Results are capped at
// the request limit (at most 50), so a pure-Go loop is plenty.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func resultEmbedding(r *scored) []float32 {
	if r.trace.Embedding == nil {
		return nil
	}
	return r.trace.Embedding.Slice()
}

// diversify applies MMR-inspired re-ordering so a result page does not
// converge on one solution approach. The top result always keeps its
// slot. For each following slot, if the next candidate sits above the
// similarity threshold against any already-selected result and a
// dissimilar alternative exists lower in the ranking, the alternative
// is promoted. Short result sets and results without embeddings pass
// through untouched.
func diversify(results []scored, threshold float64) []scored {
	if len(results) < 3 {
		return results
	}
	anyEmbedded := false
	for i := range results {
		if resultEmbedding(&results[i]) != nil {
			anyEmbedded = true
			break
		}
	}
	if !anyEmbedded {
		return results
	}

	selected := make([]scored, 0, len(results))
	selected = append(selected, results[0])
	remaining := append([]scored(nil), results[1:]...)

	tooSimilar := func(emb []float32) bool {
		for i := range selected {
			selEmb := resultEmbedding(&selected[i])
			if selEmb == nil {
				continue
			}
			if cosineSimilarity(emb, selEmb) > threshold {
				return true
			}
		}
		return false
	}

	for len(remaining) > 0 {
		pick := 0
		if emb := resultEmbedding(&remaining[0]); emb != nil && tooSimilar(emb) {
			for alt := 1; alt < len(remaining); alt++ {
				altEmb := resultEmbedding(&remaining[alt])
				if altEmb == nil {
					continue
				}
				if !tooSimilar(altEmb) {
					pick = alt
					break
				}
			}
		}
		selected = append(selected, remaining[pick])
		remaining = append(remaining[:pick], remaining[pick+1:]...)
	}
	return selected
}
