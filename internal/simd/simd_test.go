package simd

import (
	"math"
	"testing"
)

func TestVecAdd(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{11, 22, 33, 44, 55}

	VecAdd(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAdd(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecAddInt32(t *testing.T) {
	dst := []int32{1, -2, 3, 4, 5, 6, 7}
	src := []int32{1, 2, 3, 4, 5, 6, 7}
	expected := []int32{2, 0, 6, 8, 10, 12, 14}

	VecAdd(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAdd(%d) = %d, want %d", i, v, expected[i])
		}
	}
}

func TestVecMul(t *testing.T) {
	dst := []float64{1, 2, 3, 4, 5}
	src := []float64{2, 2, 2, 0.5, -1}
	expected := []float64{2, 4, 6, 2, -5}

	VecMul(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecMul(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecMinMax(t *testing.T) {
	a := []float32{1, 5, -3, 7}
	b := []float32{2, 4, -4, 7}

	lo := append([]float32(nil), a...)
	VecMin(lo, b)
	hi := append([]float32(nil), a...)
	VecMax(hi, b)

	wantLo := []float32{1, 4, -4, 7}
	wantHi := []float32{2, 5, -3, 7}
	for i := range a {
		if lo[i] != wantLo[i] {
			t.Errorf("VecMin(%d) = %f, want %f", i, lo[i], wantLo[i])
		}
		if hi[i] != wantHi[i] {
			t.Errorf("VecMax(%d) = %f, want %f", i, hi[i], wantHi[i])
		}
	}
}

func TestVecAddShortSourcePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("VecAdd with short source did not panic")
		}
	}()
	VecAdd([]float32{1, 2, 3}, []float32{1})
}

// Benchmarks

func BenchmarkVecAdd(b *testing.B) {
	size := 128
	v1 := make([]float32, size)
	v2 := make([]float32, size)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VecAdd(v1, v2)
	}
}

func BenchmarkVecMax(b *testing.B) {
	size := 128
	v1 := make([]float64, size)
	v2 := make([]float64, size)
	for i := range v2 {
		v2[i] = math.Sin(float64(i))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VecMax(v1, v2)
	}
}
