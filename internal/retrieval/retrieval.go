// Package retrieval ranks embedded units against a query vector by cosine
// similarity.
package retrieval

import (
	"math"
	"sort"
	"strings"

	"github.com/JakeFAU/siteground/internal/crawler"
)

// Scored pairs a corpus unit with its similarity to the query.
type Scored struct {
	Unit  crawler.EmbeddedUnit
	Score float64
}

// CosineSimilarity returns dot(a,b)/(|a||b|) computed in float64. Either vector
// having zero magnitude yields 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &crawler.DimensionMismatchError{Want: len(a), Got: len(b)}
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// Score ranks every corpus unit against query, highest first. Ties keep
// corpus order.
func Score(query []float32, corpus []crawler.EmbeddedUnit) ([]Scored, error) {
	scored := make([]Scored, 0, len(corpus))
	for i, unit := range corpus {
		s, err := CosineSimilarity(query, unit.Vector)
		if err != nil {
			return nil, &crawler.DimensionMismatchError{Want: len(query), Got: len(unit.Vector), Index: i}
		}
		scored = append(scored, Scored{Unit: unit, Score: s})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored, nil
}

// Retrieve returns the texts of the min(k, len(corpus)) most similar units.
func Retrieve(query []float32, corpus []crawler.EmbeddedUnit, k int) ([]string, error) {
	if k <= 0 || len(corpus) == 0 {
		return []string{}, nil
	}
	scored, err := Score(query, corpus)
	if err != nil {
		return nil, err
	}
	if k > len(scored) {
		k = len(scored)
	}
	texts := make([]string, 0, k)
	for _, s := range scored[:k] {
		texts = append(texts, s.Unit.Text)
	}
	return texts, nil
}

// ContextText joins retrieved texts into the grounding context block.
func ContextText(texts []string) string {
	return strings.Join(texts, "\n")
}
