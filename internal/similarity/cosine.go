// Package similarity provides vector math shared by the stores and the graph builder.
package similarity

import "math"

// Cosine returns the cosine similarity of a and b. Mismatched lengths, empty
// vectors and zero-magnitude vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
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

// Accumulator folds a stream of vectors into one representative vector.
type Accumulator interface {
	Add(v []float32)
	Vector() []float32
}

// HalvingMean blends each new vector into the running value as
// avg = (avg + next) / 2. The result depends on insertion order and weights
// later vectors more heavily than a true mean would.
type HalvingMean struct {
	avg []float32
}

func (m *HalvingMean) Add(v []float32) {
	if m.avg == nil {
		m.avg = append([]float32(nil), v...)
		return
	}
	if len(v) != len(m.avg) {
		return
	}
	for i := range m.avg {
		m.avg[i] = (m.avg[i] + v[i]) / 2
	}
}

func (m *HalvingMean) Vector() []float32 { return m.avg }

// RunningMean is the arithmetic mean of every vector added so far.
type RunningMean struct {
	sum []float64
	n   int
}

func (m *RunningMean) Add(v []float32) {
	if m.sum == nil {
		m.sum = make([]float64, len(v))
	}
	if len(v) != len(m.sum) {
		return
	}
	for i, x := range v {
		m.sum[i] += float64(x)
	}
	m.n++
}

func (m *RunningMean) Vector() []float32 {
	if m.n == 0 {
		return nil
	}
	out := make([]float32, len(m.sum))
	for i, s := range m.sum {
		out[i] = float32(s / float64(m.n))
	}
	return out
}
