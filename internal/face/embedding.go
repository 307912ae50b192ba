package face

import "math"

// Embedding represents a 512-dimensional face identity embedding
type Embedding [512]float32

// Normalize L2-normalizes the embedding in place.
func (e *Embedding) Normalize() {
	var norm float64
	for _, v := range e {
		norm += float64(v * v)
	}
	norm = math.Sqrt(norm)

	if norm < 1e-10 {
		norm = 1
	}

	for i := range e {
		e[i] = e[i] / float32(norm)
	}
}

// Cosine computes cosine similarity between two embeddings.
// Embeddings produced by the encoder are L2-normalized, so the
// dot product already is the cosine; the norms guard against
// callers passing raw vectors.
func Cosine(a, b *Embedding) float32 {
	var dot, na, nb float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i] * b[i])
		na += float64(a[i] * a[i])
		nb += float64(b[i] * b[i])
	}
	if na <= 0 || nb <= 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
