package embeddings

import (
	"encoding/binary"
	"math"
)

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}

// Scored pairs an index into a candidate list with its similarity.
type Scored struct {
	Index int
	Score float32
}

// TopK returns the k candidates most similar to query, best first.
// Candidates scoring below minScore are dropped.
func TopK(query []float32, vectors [][]float32, k int, minScore float32) []Scored {
	scores := make([]Scored, 0, len(vectors))
	for i, v := range vectors {
		s := CosineSimilarity(query, v)
		if s < minScore {
			continue
		}
		scores = append(scores, Scored{Index: i, Score: s})
	}

	// Partial selection sort; k is small.
	for i := 0; i < k && i < len(scores); i++ {
		maxIdx := i
		for j := i + 1; j < len(scores); j++ {
			if scores[j].Score > scores[maxIdx].Score {
				maxIdx = j
			}
		}
		scores[i], scores[maxIdx] = scores[maxIdx], scores[i]
	}

	if k < len(scores) {
		scores = scores[:k]
	}
	return scores
}

// Encode packs a vector as little-endian float32s for a BLOB column.
func Encode(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Decode unpacks a BLOB written by Encode. Trailing partial words are
// ignored.
func Decode(data []byte) []float32 {
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v
}
