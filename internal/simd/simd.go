package simd

import "math"

// Float is the element type accepted by every kernel in this package.
type Float interface {
	~float32 | ~float64
}

// ExpFast is a fast approximation of exp(x)
// Uses the identity exp(x) = 2^(x/ln2) and a polynomial approximation
func ExpFast[T Float](x T) T {
	// Clamp to avoid overflow
	if x > 88 {
		return 1e38
	}
	if x < -88 {
		return 0
	}

	// exp(x) = 2^(x * log2(e))
	const log2e = 1.4426950408889634

	t := float64(x) * log2e
	k := int(t)
	if t < 0 {
		k--
	}

	// Fractional part in [0, 1)
	f := t - float64(k)

	// 2^f ≈ 1 + 0.6931*f + 0.2401*f^2 + 0.0554*f^3
	p := 1.0 + f*(0.6931471805599453+f*(0.24022650695910072+f*0.05550410866482157))

	return T(math.Ldexp(p, k))
}

// TanhFast is a fast approximation of tanh(x)
func TanhFast[T Float](x T) T {
	// For |x| > 4, tanh approaches ±1
	if x > 4 {
		return 1
	}
	if x < -4 {
		return -1
	}

	// Padé approximation: tanh(x) ≈ x * (27 + x^2) / (27 + 9*x^2)
	x2 := x * x
	return x * (27 + x2) / (27 + 9*x2)
}

// SigmoidFast is 1 / (1 + ExpFast(-x)).
func SigmoidFast[T Float](x T) T {
	return 1 / (1 + ExpFast(-x))
}

// Sigmoid is the exact logistic function 1 / (1 + e^-x).
func Sigmoid[T Float](x T) T {
	return T(1 / (1 + math.Exp(-float64(x))))
}

// Tanh is the exact hyperbolic tangent.
func Tanh[T Float](x T) T {
	return T(math.Tanh(float64(x)))
}

// SigmoidVec writes Sigmoid(src[i]) to dst[i]. dst and src may alias.
func SigmoidVec[T Float](dst, src []T) {
	for i, v := range src {
		dst[i] = Sigmoid(v)
	}
}

// TanhVec writes Tanh(src[i]) to dst[i]. dst and src may alias.
func TanhVec[T Float](dst, src []T) {
	for i, v := range src {
		dst[i] = Tanh(v)
	}
}

// SigmoidFastVec is SigmoidVec using SigmoidFast.
func SigmoidFastVec[T Float](dst, src []T) {
	for i, v := range src {
		dst[i] = SigmoidFast(v)
	}
}

// TanhFastVec is TanhVec using TanhFast.
func TanhFastVec[T Float](dst, src []T) {
	for i, v := range src {
		dst[i] = TanhFast(v)
	}
}

// VecAdd performs dst = a + b elementwise
func VecAdd[T Float](dst, a, b []T) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = a[i] + b[i]
		dst[i+1] = a[i+1] + b[i+1]
		dst[i+2] = a[i+2] + b[i+2]
		dst[i+3] = a[i+3] + b[i+3]
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] = a[i] + b[i]
	}
}

// VecMul performs dst = a * b elementwise (Hadamard product)
func VecMul[T Float](dst, a, b []T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = a[i] * b[i]
		dst[i+1] = a[i+1] * b[i+1]
		dst[i+2] = a[i+2] * b[i+2]
		dst[i+3] = a[i+3] * b[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] = a[i] * b[i]
	}
}

// VecScale performs dst = src * scale
func VecScale[T Float](dst, src []T, scale T) {
	for i, v := range src {
		dst[i] = v * scale
	}
}

// VecAddScaled performs dst += src * scale
func VecAddScaled[T Float](dst, src []T, scale T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// FoldRight accumulates a[k]*b[k] into init starting from the last index:
//
//	a[0]*b[0] + (a[1]*b[1] + (... + (a[n-1]*b[n-1] + init)))
//
// This is the reference accumulation order for the layers.
func FoldRight[T Float](a, b []T, init T) T {
	acc := init
	for k := len(a) - 1; k >= 0; k-- {
		acc = a[k]*b[k] + acc
	}
	return acc
}

// DotProduct computes the dot product of two vectors, left to right in
// four independent lanes. Rounding differs from FoldRight.
func DotProduct[T Float](a, b []T) T {
	var s0, s1, s2, s3 T
	i := 0
	for ; i <= len(a)-4; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		s0 += a[i] * b[i]
	}
	return (s0 + s1) + (s2 + s3)
}

// MatVecMul performs dst = mat * vec where mat is rows x cols row-major,
// folding each row with FoldRight.
func MatVecMul[T Float](dst, mat, vec []T, rows, cols int) {
	for i := 0; i < rows; i++ {
		rowStart := i * cols
		dst[i] = FoldRight(mat[rowStart:rowStart+cols], vec, 0)
	}
}

// MatVecMulFast is MatVecMul using the unrolled DotProduct.
func MatVecMulFast[T Float](dst, mat, vec []T, rows, cols int) {
	for i := 0; i < rows; i++ {
		rowStart := i * cols
		dst[i] = DotProduct(mat[rowStart:rowStart+cols], vec)
	}
}
