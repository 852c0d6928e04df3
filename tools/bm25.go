package tools

import (
	"math"
	"sort"
	"strings"
)

// ============================================================================
// BM25 SELECTION INDEX
// ============================================================================

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// bm25Doc is one tool's indexed text: name, description, and parameter
// names concatenated.
type bm25Doc struct {
	name   string
	kind   Kind
	tf     map[string]int
	length int
}

// bm25Index ranks tools against a query. It is immutable once built; the
// registry swaps in a fresh index on every registration.
type bm25Index struct {
	docs  []bm25Doc
	df    map[string]int
	avgdl float64
}

func bm25Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

func newBM25Index(descriptors []Descriptor) *bm25Index {
	idx := &bm25Index{df: make(map[string]int)}
	totalLength := 0

	for _, desc := range descriptors {
		parts := []string{desc.Name, desc.Description}
		for _, p := range desc.Parameters {
			parts = append(parts, p.Name)
		}
		tokens := bm25Tokenize(strings.Join(parts, " "))

		doc := bm25Doc{
			name:   desc.Name,
			kind:   desc.Kind,
			tf:     make(map[string]int, len(tokens)),
			length: len(tokens),
		}
		for _, tok := range tokens {
			doc.tf[tok]++
		}
		for tok := range doc.tf {
			idx.df[tok]++
		}
		idx.docs = append(idx.docs, doc)
		totalLength += doc.length
	}

	if len(idx.docs) > 0 {
		idx.avgdl = float64(totalLength) / float64(len(idx.docs))
	}
	return idx
}

func (idx *bm25Index) idf(token string) float64 {
	df := idx.df[token]
	if df == 0 {
		return 0
	}
	n := float64(len(idx.docs))
	return math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
}

func (idx *bm25Index) score(doc *bm25Doc, queryTokens []string) float64 {
	if doc.length == 0 {
		return 0
	}
	score := 0.0
	norm := bm25K1 * (1 - bm25B + bm25B*float64(doc.length)/idx.avgdl)
	for _, tok := range queryTokens {
		tf := float64(doc.tf[tok])
		if tf == 0 {
			continue
		}
		score += idx.idf(tok) * (tf * (bm25K1 + 1)) / (tf + norm)
	}
	return score
}

// search returns up to k tool names with positive scores, best first. Ties
// break on kind priority (local before mcp before skill), then name.
func (idx *bm25Index) search(query string, k int) []string {
	if k <= 0 || len(idx.docs) == 0 {
		return nil
	}
	queryTokens := bm25Tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	type ranked struct {
		name     string
		kind     Kind
		score    float64
		priority int
	}
	var results []ranked
	for i := range idx.docs {
		s := idx.score(&idx.docs[i], queryTokens)
		if s <= 0 {
			continue
		}
		results = append(results, ranked{
			name:     idx.docs[i].name,
			kind:     idx.docs[i].kind,
			score:    s,
			priority: idx.docs[i].kind.Priority(),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		if results[i].priority != results[j].priority {
			return results[i].priority < results[j].priority
		}
		return results[i].name < results[j].name
	})

	if len(results) > k {
		results = results[:k]
	}
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.name
	}
	return names
}
