package nlp

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// Document is one free-text record in a similarity index.
type Document struct {
	ID   string
	Text string
}

// Match is one ranked similarity result.
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// SimilarityIndex ranks documents against a query by cosine similarity of
// TF-IDF vectors. The index is immutable after construction; rebuild it to
// pick up new documents.
type SimilarityIndex struct {
	docs    []Document
	vectors []map[string]float64
	idf     map[string]float64
}

var tokenRegex = regexp.MustCompile(`[a-z0-9_]+`)

func tokenize(text string) []string {
	return tokenRegex.FindAllString(strings.ToLower(text), -1)
}

// NewSimilarityIndex builds TF-IDF vectors for the given documents.
func NewSimilarityIndex(docs []Document) *SimilarityIndex {
	idx := &SimilarityIndex{
		docs: docs,
		idf:  make(map[string]float64),
	}

	docFreq := make(map[string]int)
	termCounts := make([]map[string]int, len(docs))
	for i, doc := range docs {
		counts := make(map[string]int)
		for _, term := range tokenize(doc.Text) {
			counts[term]++
		}
		termCounts[i] = counts
		for term := range counts {
			docFreq[term]++
		}
	}

	n := float64(len(docs))
	for term, df := range docFreq {
		// Smoothed IDF keeps terms present in every document non-zero.
		idx.idf[term] = math.Log((1+n)/(1+float64(df))) + 1
	}

	idx.vectors = make([]map[string]float64, len(docs))
	for i, counts := range termCounts {
		idx.vectors[i] = idx.vectorize(counts)
	}
	return idx
}

func (idx *SimilarityIndex) vectorize(counts map[string]int) map[string]float64 {
	vec := make(map[string]float64, len(counts))
	var norm float64
	for term, count := range counts {
		idf, ok := idx.idf[term]
		if !ok {
			continue
		}
		w := float64(count) * idf
		vec[term] = w
		norm += w * w
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for term := range vec {
			vec[term] /= norm
		}
	}
	return vec
}

// TopK returns the k most similar documents to query, best first. Documents
// with zero similarity are omitted, so fewer than k results is normal.
func (idx *SimilarityIndex) TopK(query string, k int) []Match {
	if k <= 0 || len(idx.docs) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, term := range tokenize(query) {
		counts[term]++
	}
	qvec := idx.vectorize(counts)

	matches := make([]Match, 0, len(idx.docs))
	for i, vec := range idx.vectors {
		score := cosine(qvec, vec)
		if score > 0 {
			matches = append(matches, Match{ID: idx.docs[i].ID, Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// Len reports the number of indexed documents.
func (idx *SimilarityIndex) Len() int { return len(idx.docs) }

func cosine(a, b map[string]float64) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for term, av := range a {
		if bv, ok := b[term]; ok {
			dot += av * bv
		}
	}
	return dot
}
