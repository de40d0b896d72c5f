package comm

import (
	"fmt"
	"unsafe"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-shmreduce/internal/dtype"
	"github.com/23skdu/longbow-shmreduce/internal/simd"
)

// ReduceBytes folds src into dst element-wise. Both buffers hold host-order
// elements of type t, must have equal length, and must be aligned to the
// element size (every Go allocation is).
func ReduceBytes(dst, src []byte, t dtype.Type, op dtype.Op) error {
	if len(dst) != len(src) {
		return fmt.Errorf("%w: %d vs %d bytes", ErrMismatch, len(dst), len(src))
	}
	if t.Size() == 0 || len(dst)%t.Size() != 0 {
		return fmt.Errorf("%w: %d bytes of %v", ErrLength, len(dst), t)
	}
	op, err := dtype.Normalize(t, op)
	if err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}

	switch t {
	case dtype.Bool, dtype.Uint8:
		apply(view[uint8](dst), view[uint8](src), op)
	case dtype.Int32:
		apply(view[int32](dst), view[int32](src), op)
	case dtype.Float32:
		apply(view[float32](dst), view[float32](src), op)
	case dtype.Float64:
		apply(view[float64](dst), view[float64](src), op)
	case dtype.BFloat16:
		d, s := view[uint16](dst), view[uint16](src)
		if op == dtype.Sum {
			simd.Reduce2(d, s)
			return nil
		}
		for i := range d {
			d[i] = simd.Narrow(combine(simd.Widen(d[i]), simd.Widen(s[i]), op))
		}
	case dtype.Float16:
		d, s := view[uint16](dst), view[uint16](src)
		for i := range d {
			r := combine(float16.Frombits(d[i]).Float32(), float16.Frombits(s[i]).Float32(), op)
			d[i] = float16.Fromfloat32(r).Bits()
		}
	}
	return nil
}

func view[T any](b []byte) []T {
	var zero T
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/int(unsafe.Sizeof(zero)))
}

func apply[T simd.Number](dst, src []T, op dtype.Op) {
	switch op {
	case dtype.Sum:
		simd.VecAdd(dst, src)
	case dtype.Product:
		simd.VecMul(dst, src)
	case dtype.Min:
		simd.VecMin(dst, src)
	case dtype.Max:
		simd.VecMax(dst, src)
	}
}

func combine(a, b float32, op dtype.Op) float32 {
	switch op {
	case dtype.Product:
		return a * b
	case dtype.Min:
		if b < a {
			return b
		}
		return a
	case dtype.Max:
		if b > a {
			return b
		}
		return a
	default:
		return a + b
	}
}
