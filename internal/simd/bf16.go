package simd

import "math"

// BFloat16 is stored as its raw bit pattern: the upper 16 bits of a float32
// (sign, 8 exponent bits, 7 mantissa bits).

const (
	// BlockSize is the number of bf16 lanes processed per kernel step,
	// one 512-bit register worth of float32 accumulators.
	BlockSize = 16

	// NaNSentinel is written for every lane whose float32 result is NaN.
	NaNSentinel uint16 = 0xFFFF

	roundingBias = 0x7FFF
)

// Widen promotes a bf16 bit pattern to float32. The conversion is exact.
func Widen(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}

// Narrow demotes a float32 to bf16 with round-to-nearest-even.
// NaN inputs become NaNSentinel regardless of payload or sign.
func Narrow(f float32) uint16 {
	if f != f {
		return NaNSentinel
	}
	return roundBits(math.Float32bits(f))
}

func roundBits(bits uint32) uint16 {
	lsb := (bits >> 16) & 1
	return uint16((bits + roundingBias + lsb) >> 16)
}

// FromFloat32 converts a slice of float32 values to bf16 bit patterns.
func FromFloat32(dst []uint16, src []float32) {
	src = src[:len(dst)]
	for i, f := range src {
		dst[i] = Narrow(f)
	}
}

// ToFloat32 converts a slice of bf16 bit patterns to float32 values.
func ToFloat32(dst []float32, src []uint16) {
	src = src[:len(dst)]
	for i, b := range src {
		dst[i] = Widen(b)
	}
}

// IsNaN reports whether b encodes a NaN.
func IsNaN(b uint16) bool {
	return b&0x7F80 == 0x7F80 && b&0x007F != 0
}

func widenBlock(acc *[BlockSize]float32, src []uint16) {
	src = src[:BlockSize]
	for j := range acc {
		acc[j] = Widen(src[j])
	}
}

func addBlock(acc *[BlockSize]float32, src []uint16) {
	src = src[:BlockSize]
	for j := range acc {
		acc[j] += Widen(src[j])
	}
}

// narrowBlock rounds every lane first and then overrides the lanes that were
// NaN before rounding, the same blend the vector form performs with a mask.
func narrowBlock(dst []uint16, acc *[BlockSize]float32) {
	dst = dst[:BlockSize]
	var ordered uint32
	for j, f := range acc {
		if f == f {
			ordered |= 1 << j
		}
	}
	for j, f := range acc {
		v := roundBits(math.Float32bits(f))
		if ordered&(1<<j) == 0 {
			v = NaNSentinel
		}
		dst[j] = v
	}
}
