package gate

import "strings"

// TokenOverlap is the default SimilarityFunc: Jaccard overlap of lowercased
// whitespace tokens. Crude, but it catches near-verbatim re-proposals, which
// is what the suppression check exists for. Callers with embeddings plug in
// their own scorer.
func TokenOverlap(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]")
		if tok == "" {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}
