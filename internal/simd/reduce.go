package simd

// Reduction kernels sum bf16 buffers into dst in place. Every operand is
// widened to float32, accumulated in operand order (dst first), and the sum is
// narrowed once per element. Full BlockSize blocks go through a fixed-width
// accumulator; a trailing partial block uses the scalar path with the same
// widen/add/narrow rules, so results do not depend on alignment.
//
// Sources must hold at least len(dst) elements.

// Reduce sums dst and every source into dst. It dispatches to the unrolled
// kernel for 2..8 operands and to ReduceN beyond that.
func Reduce(dst []uint16, srcs ...[]uint16) {
	switch len(srcs) {
	case 0:
		return
	case 1:
		Reduce2(dst, srcs[0])
	case 2:
		Reduce3(dst, srcs[0], srcs[1])
	case 3:
		Reduce4(dst, srcs[0], srcs[1], srcs[2])
	case 4:
		Reduce5(dst, srcs[0], srcs[1], srcs[2], srcs[3])
	case 5:
		Reduce6(dst, srcs[0], srcs[1], srcs[2], srcs[3], srcs[4])
	case 6:
		Reduce7(dst, srcs[0], srcs[1], srcs[2], srcs[3], srcs[4], srcs[5])
	case 7:
		Reduce8(dst, srcs[0], srcs[1], srcs[2], srcs[3], srcs[4], srcs[5], srcs[6])
	default:
		ReduceN(dst, srcs...)
	}
}

// ReduceN folds each source into dst with a two-operand reduction, in order.
// Every step rounds to bf16, so for more than one source the result can
// differ from the single-rounding kernels unless the partial sums are exact.
func ReduceN(dst []uint16, srcs ...[]uint16) {
	for _, src := range srcs {
		Reduce2(dst, src)
	}
}

// Reduce2 sums 2 buffers into dst.
func Reduce2(dst, a []uint16) {
	n := len(dst)
	a = a[:n]
	var acc [BlockSize]float32
	i := 0
	for ; i+BlockSize <= n; i += BlockSize {
		j := i + BlockSize
		widenBlock(&acc, dst[i:j])
		addBlock(&acc, a[i:j])
		narrowBlock(dst[i:j], &acc)
	}
	for ; i < n; i++ {
		dst[i] = Narrow(Widen(dst[i]) + Widen(a[i]))
	}
}

// Reduce3 sums 3 buffers into dst.
func Reduce3(dst, a, b []uint16) {
	n := len(dst)
	a = a[:n]
	b = b[:n]
	var acc [BlockSize]float32
	i := 0
	for ; i+BlockSize <= n; i += BlockSize {
		j := i + BlockSize
		widenBlock(&acc, dst[i:j])
		addBlock(&acc, a[i:j])
		addBlock(&acc, b[i:j])
		narrowBlock(dst[i:j], &acc)
	}
	for ; i < n; i++ {
		dst[i] = Narrow(Widen(dst[i]) + Widen(a[i]) + Widen(b[i]))
	}
}

// Reduce4 sums 4 buffers into dst.
func Reduce4(dst, a, b, c []uint16) {
	n := len(dst)
	a = a[:n]
	b = b[:n]
	c = c[:n]
	var acc [BlockSize]float32
	i := 0
	for ; i+BlockSize <= n; i += BlockSize {
		j := i + BlockSize
		widenBlock(&acc, dst[i:j])
		addBlock(&acc, a[i:j])
		addBlock(&acc, b[i:j])
		addBlock(&acc, c[i:j])
		narrowBlock(dst[i:j], &acc)
	}
	for ; i < n; i++ {
		dst[i] = Narrow(Widen(dst[i]) + Widen(a[i]) + Widen(b[i]) + Widen(c[i]))
	}
}

// Reduce5 sums 5 buffers into dst.
func Reduce5(dst, a, b, c, d []uint16) {
	n := len(dst)
	a = a[:n]
	b = b[:n]
	c = c[:n]
	d = d[:n]
	var acc [BlockSize]float32
	i := 0
	for ; i+BlockSize <= n; i += BlockSize {
		j := i + BlockSize
		widenBlock(&acc, dst[i:j])
		addBlock(&acc, a[i:j])
		addBlock(&acc, b[i:j])
		addBlock(&acc, c[i:j])
		addBlock(&acc, d[i:j])
		narrowBlock(dst[i:j], &acc)
	}
	for ; i < n; i++ {
		dst[i] = Narrow(Widen(dst[i]) + Widen(a[i]) + Widen(b[i]) + Widen(c[i]) + Widen(d[i]))
	}
}

// Reduce6 sums 6 buffers into dst.
func Reduce6(dst, a, b, c, d, e []uint16) {
	n := len(dst)
	a = a[:n]
	b = b[:n]
	c = c[:n]
	d = d[:n]
	e = e[:n]
	var acc [BlockSize]float32
	i := 0
	for ; i+BlockSize <= n; i += BlockSize {
		j := i + BlockSize
		widenBlock(&acc, dst[i:j])
		addBlock(&acc, a[i:j])
		addBlock(&acc, b[i:j])
		addBlock(&acc, c[i:j])
		addBlock(&acc, d[i:j])
		addBlock(&acc, e[i:j])
		narrowBlock(dst[i:j], &acc)
	}
	for ; i < n; i++ {
		dst[i] = Narrow(Widen(dst[i]) + Widen(a[i]) + Widen(b[i]) + Widen(c[i]) + Widen(d[i]) + Widen(e[i]))
	}
}

// Reduce7 sums 7 buffers into dst.
func Reduce7(dst, a, b, c, d, e, f []uint16) {
	n := len(dst)
	a = a[:n]
	b = b[:n]
	c = c[:n]
	d = d[:n]
	e = e[:n]
	f = f[:n]
	var acc [BlockSize]float32
	i := 0
	for ; i+BlockSize <= n; i += BlockSize {
		j := i + BlockSize
		widenBlock(&acc, dst[i:j])
		addBlock(&acc, a[i:j])
		addBlock(&acc, b[i:j])
		addBlock(&acc, c[i:j])
		addBlock(&acc, d[i:j])
		addBlock(&acc, e[i:j])
		addBlock(&acc, f[i:j])
		narrowBlock(dst[i:j], &acc)
	}
	for ; i < n; i++ {
		dst[i] = Narrow(Widen(dst[i]) + Widen(a[i]) + Widen(b[i]) + Widen(c[i]) + Widen(d[i]) + Widen(e[i]) + Widen(f[i]))
	}
}

// Reduce8 sums 8 buffers into dst.
func Reduce8(dst, a, b, c, d, e, f, g []uint16) {
	n := len(dst)
	a = a[:n]
	b = b[:n]
	c = c[:n]
	d = d[:n]
	e = e[:n]
	f = f[:n]
	g = g[:n]
	var acc [BlockSize]float32
	i := 0
	for ; i+BlockSize <= n; i += BlockSize {
		j := i + BlockSize
		widenBlock(&acc, dst[i:j])
		addBlock(&acc, a[i:j])
		addBlock(&acc, b[i:j])
		addBlock(&acc, c[i:j])
		addBlock(&acc, d[i:j])
		addBlock(&acc, e[i:j])
		addBlock(&acc, f[i:j])
		addBlock(&acc, g[i:j])
		narrowBlock(dst[i:j], &acc)
	}
	for ; i < n; i++ {
		dst[i] = Narrow(Widen(dst[i]) + Widen(a[i]) + Widen(b[i]) + Widen(c[i]) + Widen(d[i]) + Widen(e[i]) + Widen(f[i]) + Widen(g[i]))
	}
}
