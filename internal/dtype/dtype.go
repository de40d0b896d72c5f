// Package dtype names the element types and reduction operators understood by
// the collective layer.
package dtype

import (
	"errors"
	"fmt"
	"strings"
)

// Type is an element type tag.
type Type int

const (
	Invalid Type = iota
	Bool
	Uint8
	Int32
	Float32
	Float64
	BFloat16
	Float16
)

var typeNames = map[Type]string{
	Bool:     "bool",
	Uint8:    "uint8",
	Int32:    "int32",
	Float32:  "float32",
	Float64:  "float64",
	BFloat16: "bfloat16",
	Float16:  "float16",
}

var (
	ErrUnknownType   = errors.New("dtype: unknown element type")
	ErrUnknownOp     = errors.New("dtype: unknown reduce op")
	ErrUnsupportedOp = errors.New("dtype: reduce op not supported")
)

// Size returns the element width in bytes, or 0 for Invalid.
func (t Type) Size() int {
	switch t {
	case Bool, Uint8:
		return 1
	case BFloat16, Float16:
		return 2
	case Int32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("dtype(%d)", int(t))
}

// Parse maps a type name (case-insensitive, common aliases accepted) to a Type.
func Parse(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool":
		return Bool, nil
	case "uint8", "u8":
		return Uint8, nil
	case "int32", "int", "i32":
		return Int32, nil
	case "float32", "float", "fp32", "f32":
		return Float32, nil
	case "float64", "double", "fp64", "f64":
		return Float64, nil
	case "bfloat16", "bf16":
		return BFloat16, nil
	case "float16", "half", "fp16", "f16":
		return Float16, nil
	}
	return Invalid, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Op is a reduction operator.
type Op int

const (
	Sum Op = iota
	Min
	Max
	Product
	Avg
)

func (o Op) String() string {
	switch o {
	case Sum:
		return "sum"
	case Min:
		return "min"
	case Max:
		return "max"
	case Product:
		return "product"
	case Avg:
		return "avg"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// ParseOp maps an operator name to an Op.
func ParseOp(s string) (Op, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sum":
		return Sum, nil
	case "min":
		return Min, nil
	case "max":
		return Max, nil
	case "product", "prod":
		return Product, nil
	case "avg", "mean":
		return Avg, nil
	}
	return Sum, fmt.Errorf("%w: %q", ErrUnknownOp, s)
}

// Normalize resolves the operator actually applied for t. Bool sums are
// computed as max (a bitwise or) so they cannot overflow; averages are not
// implemented by the reduction layer.
func Normalize(t Type, op Op) (Op, error) {
	if t.Size() == 0 {
		return op, fmt.Errorf("%w: %v", ErrUnknownType, t)
	}
	switch op {
	case Sum:
		if t == Bool {
			return Max, nil
		}
		return Sum, nil
	case Min, Max, Product:
		return op, nil
	case Avg:
		return op, fmt.Errorf("%w: avg on %v", ErrUnsupportedOp, t)
	default:
		return op, fmt.Errorf("%w: %v", ErrUnknownOp, op)
	}
}
