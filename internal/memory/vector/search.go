package vector

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"
)

// Result is a scored search hit.
type Result struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// englishStopwords is the fixed set dropped during tokenization.
var englishStopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "if": {}, "in": {}, "into": {}, "is": {},
	"it": {}, "no": {}, "not": {}, "of": {}, "on": {}, "or": {}, "such": {},
	"that": {}, "the": {}, "their": {}, "then": {}, "there": {}, "these": {},
	"they": {}, "this": {}, "to": {}, "was": {}, "will": {}, "with": {},
}

// CosineSimilarity is the dot product over L2 norms. Zero magnitude on
// either side yields 0.
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Tokenize lowercases, splits on non-alphanumeric runs, and drops
// single-character tokens and English stopwords.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) <= 1 {
			continue
		}
		if _, stop := englishStopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// bm25Scores computes a BM25 score per chunk for the query tokens.
// Average document length is computed across the current chunks.
func bm25Scores(queryTokens []string, docs [][]string) []float64 {
	n := len(docs)
	scores := make([]float64, n)
	if n == 0 || len(queryTokens) == 0 {
		return scores
	}

	totalLen := 0
	docFreq := make(map[string]int)
	termFreqs := make([]map[string]int, n)
	for i, doc := range docs {
		totalLen += len(doc)
		tf := make(map[string]int, len(doc))
		for _, tok := range doc {
			tf[tok]++
		}
		termFreqs[i] = tf
		for tok := range tf {
			docFreq[tok]++
		}
	}
	avgLen := float64(totalLen) / float64(n)
	if avgLen == 0 {
		return scores
	}

	for _, q := range queryTokens {
		df := docFreq[q]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		for i := range docs {
			tf := float64(termFreqs[i][q])
			if tf == 0 {
				continue
			}
			denom := tf + bm25K1*(1-bm25B+bm25B*float64(len(docs[i]))/avgLen)
			scores[i] += idf * (tf * (bm25K1 + 1)) / denom
		}
	}
	return scores
}

// normalizeByMax divides each score by the vector's maximum, floored at
// 0.001 to avoid division by zero.
func normalizeByMax(scores []float64) []float64 {
	maxScore := 0.0
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	if maxScore < 0.001 {
		maxScore = 0.001
	}
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = s / maxScore
	}
	return out
}

// Search runs hybrid retrieval: cosine similarity against the query
// embedding blended with BM25 over the chunk texts, each normalized by
// its maximum, weighted, deduplicated, and cut at topK.
func (x *Index) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	if x.embedder == nil {
		return x.TextSearch(query, topK), nil
	}
	queryVecs, err := x.embedder.GetEmbeddings(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	queryVec := queryVecs[0]

	x.mu.RLock()
	chunks := make([]Chunk, len(x.chunks))
	copy(chunks, x.chunks)
	x.mu.RUnlock()
	if len(chunks) == 0 {
		return nil, nil
	}

	cosines := make([]float64, len(chunks))
	docs := make([][]string, len(chunks))
	for i, c := range chunks {
		cosines[i] = CosineSimilarity(queryVec, c.Embedding)
		docs[i] = Tokenize(c.Text)
	}
	lexical := bm25Scores(Tokenize(query), docs)

	normCos := normalizeByMax(cosines)
	normBM := normalizeByMax(lexical)

	results := make([]Result, len(chunks))
	for i := range chunks {
		results[i] = Result{
			Chunk: chunks[i],
			Score: x.vectorWeight*normCos[i] + x.bm25Weight*normBM[i],
		}
	}
	return rankAndDedupe(results, topK), nil
}

// VectorSearch scores by cosine similarity only.
func (x *Index) VectorSearch(ctx context.Context, query string, topK int) ([]Result, error) {
	if x.embedder == nil {
		return nil, nil
	}
	queryVecs, err := x.embedder.GetEmbeddings(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	queryVec := queryVecs[0]

	x.mu.RLock()
	chunks := make([]Chunk, len(x.chunks))
	copy(chunks, x.chunks)
	x.mu.RUnlock()

	results := make([]Result, len(chunks))
	for i, c := range chunks {
		results[i] = Result{Chunk: c, Score: CosineSimilarity(queryVec, c.Embedding)}
	}
	return rankAndDedupe(results, topK), nil
}

// TextSearch scores by BM25 only and requires no network.
func (x *Index) TextSearch(query string, topK int) []Result {
	x.mu.RLock()
	chunks := make([]Chunk, len(x.chunks))
	copy(chunks, x.chunks)
	x.mu.RUnlock()
	if len(chunks) == 0 {
		return nil
	}

	docs := make([][]string, len(chunks))
	for i, c := range chunks {
		docs[i] = Tokenize(c.Text)
	}
	scores := bm25Scores(Tokenize(query), docs)

	results := make([]Result, len(chunks))
	for i := range chunks {
		results[i] = Result{Chunk: chunks[i], Score: scores[i]}
	}
	return rankAndDedupe(results, topK)
}

// rankAndDedupe sorts descending, deduplicates by (file, first 100
// chars of text), and returns the first topK.
func rankAndDedupe(results []Result, topK int) []Result {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	seen := make(map[string]struct{}, len(results))
	out := results[:0]
	for _, r := range results {
		prefix := r.Chunk.Text
		if len(prefix) > 100 {
			prefix = prefix[:100]
		}
		key := r.Chunk.File + "\x00" + prefix
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
		if topK > 0 && len(out) >= topK {
			break
		}
	}
	return out
}
