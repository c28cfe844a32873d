package similarity

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Cosine(tc.a, tc.b), 1e-9)
		})
	}
}

func TestCosineSymmetric(t *testing.T) {
	a := []float32{0.3, -1.2, 4.5, 0.01}
	b := []float32{2.2, 0.4, -0.7, 3.3}
	assert.Equal(t, Cosine(a, b), Cosine(b, a))
}

func TestHalvingMean(t *testing.T) {
	var m HalvingMean
	m.Add([]float32{4, 0})
	m.Add([]float32{0, 4})
	m.Add([]float32{2, 2})
	// ((4,0)+(0,4))/2 = (2,2); ((2,2)+(2,2))/2 = (2,2)
	assert.Equal(t, []float32{2, 2}, m.Vector())

	var order HalvingMean
	order.Add([]float32{0, 0})
	order.Add([]float32{0, 0})
	order.Add([]float32{8, 0})
	assert.Equal(t, []float32{4, 0}, order.Vector(), "the last vector carries half the weight")
}

func TestRunningMean(t *testing.T) {
	var m RunningMean
	assert.Nil(t, m.Vector())
	m.Add([]float32{0, 0})
	m.Add([]float32{0, 0})
	m.Add([]float32{9, 3})
	v := m.Vector()
	assert.InDelta(t, 3, v[0], 1e-6)
	assert.InDelta(t, 1, v[1], 1e-6)
	assert.False(t, math.IsNaN(float64(v[0])))
}
