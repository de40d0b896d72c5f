package simd

// Number is the set of element types the generic vector helpers operate on.
type Number interface {
	~uint8 | ~int32 | ~int64 | ~float32 | ~float64
}

// VecAdd performs dst += src
func VecAdd[T Number](dst, src []T) {
	src = src[:len(dst)]
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecMul performs dst *= src
func VecMul[T Number](dst, src []T) {
	src = src[:len(dst)]
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] *= src[i]
		dst[i+1] *= src[i+1]
		dst[i+2] *= src[i+2]
		dst[i+3] *= src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] *= src[i]
	}
}

// VecMin performs dst = min(dst, src) element-wise.
// A NaN in dst is kept; a NaN in src is ignored, matching Go's comparison rules.
func VecMin[T Number](dst, src []T) {
	src = src[:len(dst)]
	for i, v := range src {
		if v < dst[i] {
			dst[i] = v
		}
	}
}

// VecMax performs dst = max(dst, src) element-wise.
func VecMax[T Number](dst, src []T) {
	src = src[:len(dst)]
	for i, v := range src {
		if v > dst[i] {
			dst[i] = v
		}
	}
}
