// Package erasure implements a systematic Reed–Solomon erasure code over
// GF(2^8), in the style of the classic Vandermonde-based FEC codecs used by
// packet video links: the first k encoded blocks are the original data
// blocks, and any k of the n encoded blocks suffice to reconstruct the
// original k.
//
// The package is pure computation, with no I/O and no goroutines. A Matrix is safe
// for concurrent Encode calls; Decode serialises internally around its
// decode-matrix cache.
package erasure

import "sync"

const (
	// fieldSize is the number of elements in GF(2^8).
	fieldSize = 256

	// generatorPoly is the primitive polynomial x^8+x^4+x^3+x^2+1 used to
	// reduce products in the field.
	generatorPoly = 0x11d
)

// Field holds the precomputed arithmetic tables for GF(2^8): exponentials of
// the generator (doubled so that exp[logA+logB] never needs a modulo),
// discrete logs, multiplicative inverses, and a full 256×256 product table
// that trades 64 KiB for a branch-free multiply.
//
// A Field is immutable after construction and safe for concurrent use.
// Independent instances do not share state, so tests can build their own.
type Field struct {
	exp     [2 * (fieldSize - 1)]byte
	log     [fieldSize]int
	inverse [fieldSize]byte
	mul     [fieldSize][fieldSize]byte
}

var (
	defaultField     *Field
	defaultFieldOnce sync.Once
)

// DefaultField returns the process-wide shared Field, building it on first
// use. The tables total roughly 66 KiB.
func DefaultField() *Field {
	defaultFieldOnce.Do(func() {
		defaultField = NewField()
	})
	return defaultField
}

// NewField builds a fresh set of GF(2^8) tables.
func NewField() *Field {
	f := &Field{}

	x := 1
	for i := 0; i < fieldSize-1; i++ {
		f.exp[i] = byte(x)
		f.log[x] = i
		x <<= 1
		if x&fieldSize != 0 {
			x ^= generatorPoly
		}
	}
	// Double the exponential table so exp[logA+logB] is always in range.
	for i := fieldSize - 1; i < len(f.exp); i++ {
		f.exp[i] = f.exp[i-(fieldSize-1)]
	}
	// log(0) is undefined; park it on an index that still lands inside exp.
	f.log[0] = 0

	f.inverse[0] = 0 // 0 has no inverse; never consulted for a valid matrix
	f.inverse[1] = 1
	for i := 2; i < fieldSize; i++ {
		f.inverse[i] = f.exp[fieldSize-1-f.log[i]]
	}

	for a := 1; a < fieldSize; a++ {
		for b := 1; b < fieldSize; b++ {
			f.mul[a][b] = f.exp[f.log[a]+f.log[b]]
		}
	}

	return f
}

// Mul returns the product of a and b in GF(2^8).
func (f *Field) Mul(a, b byte) byte {
	return f.mul[a][b]
}

// Inv returns the multiplicative inverse of a. Inv(0) is 0 by convention;
// callers must not divide by zero.
func (f *Field) Inv(a byte) byte {
	return f.inverse[a]
}

// mulAddStride bounds how many bytes one multiply-accumulate pass touches,
// keeping the product-table row and both operands hot in cache.
const mulAddStride = 1024

// mulAdd computes dst ^= c·src over length bytes. A zero multiplier
// contributes nothing and short-circuits.
func (f *Field) mulAdd(dst, src []byte, c byte, length int) {
	if c == 0 {
		return
	}
	row := &f.mul[c]
	for off := 0; off < length; off += mulAddStride {
		end := off + mulAddStride
		if end > length {
			end = length
		}
		d, s := dst[off:end], src[off:end]
		for i := range s {
			d[i] ^= row[s[i]]
		}
	}
}
