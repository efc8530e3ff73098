package erasure

import (
	"fmt"
	"sync"
)

// Matrix is the n×k generator matrix of a systematic (k, n) code: rows
// 0..k-1 form the identity, so primary blocks pass through unencoded, and
// rows k..n-1 carry the parity coefficients derived from a Vandermonde
// construction. Building one costs a k×k inversion; reuse it across groups
// with the same (k, n), see Cache.
type Matrix struct {
	k, n  int
	field *Field
	rows  [][]byte // n rows of k coefficients

	// Decode-matrix cache: rebuilding is a k×k Gauss–Jordan inversion, so
	// it is redone only when the set of surviving indices changes.
	mu        sync.Mutex
	decodeIdx []int
	decodeInv [][]byte
}

// NewMatrix builds the generator matrix for a (k, n) code.
// Requires 1 ≤ k ≤ n ≤ 256.
func NewMatrix(f *Field, k, n int) (*Matrix, error) {
	if k < 1 || n < k || n > fieldSize {
		return nil, fmt.Errorf("erasure: invalid parameters k=%d n=%d (need 1 <= k <= n <= %d)", k, n, fieldSize)
	}
	if f == nil {
		f = DefaultField()
	}

	// Start from an n×k Vandermonde-style matrix. Row 0 is the unit vector
	// e0; row i (i ≥ 1) holds the powers of the field element alpha^(i-1).
	// Any k of these n rows are linearly independent.
	vm := newRows(n, k)
	vm[0][0] = 1
	for i := 1; i < n; i++ {
		for j := 0; j < k; j++ {
			vm[i][j] = f.exp[(i-1)*j%(fieldSize-1)]
		}
	}

	// Invert the top k×k block and multiply it into the remaining rows.
	// The top k rows then become the identity, which makes the code
	// systematic: encoded block i < k is data block i verbatim.
	top := newRows(k, k)
	for i := range top {
		copy(top[i], vm[i])
	}
	topInv, err := f.invert(top)
	if err != nil {
		return nil, fmt.Errorf("erasure: generator construction failed: %w", err)
	}

	m := &Matrix{k: k, n: n, field: f, rows: newRows(n, k)}
	for i := 0; i < k; i++ {
		m.rows[i][i] = 1
	}
	for i := k; i < n; i++ {
		for j := 0; j < k; j++ {
			var acc byte
			for t := 0; t < k; t++ {
				acc ^= f.mul[vm[i][t]][topInv[t][j]]
			}
			m.rows[i][j] = acc
		}
	}
	return m, nil
}

// K returns the data-block count of the code.
func (m *Matrix) K() int { return m.k }

// N returns the total block count of the code.
func (m *Matrix) N() int { return m.n }

// Encode computes the requested parity blocks as GF(2^8) linear combinations
// of the k data rows. Every row of data must hold at least length bytes, and
// every entry of blockNums must name a parity index in [k, n). The returned
// slice holds one freshly allocated block per requested index.
func (m *Matrix) Encode(data [][]byte, blockNums []int, length int) ([][]byte, error) {
	if len(data) != m.k {
		return nil, fmt.Errorf("erasure: encode needs %d data rows, got %d", m.k, len(data))
	}
	for i, row := range data {
		if len(row) < length {
			return nil, fmt.Errorf("erasure: data row %d is %d bytes, need %d", i, len(row), length)
		}
	}
	out := make([][]byte, len(blockNums))
	for i, bn := range blockNums {
		if bn < m.k || bn >= m.n {
			return nil, fmt.Errorf("erasure: block number %d outside parity range [%d, %d)", bn, m.k, m.n)
		}
		parity := make([]byte, length)
		coeffs := m.rows[bn]
		for j := 0; j < m.k; j++ {
			m.field.mulAdd(parity, data[j], coeffs[j], length)
		}
		out[i] = parity
	}
	return out, nil
}

// Decode reconstructs the original k data blocks from k surviving blocks.
//
// input holds k rows; indices[i] names which encoded block sits at row i.
// A primary block received at its natural position has indices[i] = i < k;
// a parity block standing in for a missing primary has indices[i] ≥ k. Rows
// already at their natural position are returned unchanged (aliasing the
// input); substituted rows are recomputed into fresh buffers of length bytes.
func (m *Matrix) Decode(input [][]byte, indices []int, length int) ([][]byte, error) {
	if len(input) != m.k || len(indices) != m.k {
		return nil, fmt.Errorf("erasure: decode needs exactly %d rows and indices, got %d/%d", m.k, len(input), len(indices))
	}
	for i, idx := range indices {
		if idx < 0 || idx >= m.n {
			return nil, fmt.Errorf("erasure: index %d at row %d outside [0, %d)", idx, i, m.n)
		}
		if idx < m.k && idx != i {
			return nil, fmt.Errorf("erasure: primary block %d misplaced at row %d", idx, i)
		}
		if len(input[i]) < length {
			return nil, fmt.Errorf("erasure: input row %d is %d bytes, need %d", i, len(input[i]), length)
		}
	}

	inv, err := m.decodeMatrix(indices)
	if err != nil {
		return nil, err
	}

	out := make([][]byte, m.k)
	for i := 0; i < m.k; i++ {
		if indices[i] < m.k {
			out[i] = input[i]
			continue
		}
		row := make([]byte, length)
		for j := 0; j < m.k; j++ {
			m.field.mulAdd(row, input[j], inv[i][j], length)
		}
		out[i] = row
	}
	return out, nil
}

// decodeMatrix returns the inverse of the k×k matrix whose row i is the
// generator row for indices[i]. The result is cached until the index set
// changes, since a flood of groups losing the same positions is the common
// steady state.
func (m *Matrix) decodeMatrix(indices []int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.decodeInv != nil && equalInts(m.decodeIdx, indices) {
		return m.decodeInv, nil
	}

	dm := newRows(m.k, m.k)
	for i, idx := range indices {
		if idx < m.k {
			dm[i][idx] = 1
		} else {
			copy(dm[i], m.rows[idx])
		}
	}
	inv, err := m.field.invert(dm)
	if err != nil {
		return nil, fmt.Errorf("erasure: decode matrix singular: %w", err)
	}
	m.decodeIdx = append(m.decodeIdx[:0], indices...)
	m.decodeInv = inv
	return inv, nil
}

// invert returns the inverse of the square matrix a via Gauss–Jordan
// elimination with row pivoting, working on an augmented copy. a itself is
// consumed as scratch.
func (f *Field) invert(a [][]byte) ([][]byte, error) {
	k := len(a)
	inv := newRows(k, k)
	for i := range inv {
		inv[i][i] = 1
	}

	for col := 0; col < k; col++ {
		// Find a nonzero pivot at or below the diagonal and swap it in.
		pivot := -1
		for r := col; r < k; r++ {
			if a[r][col] != 0 {
				pivot = r
				break
			}
		}
		if pivot < 0 {
			return nil, fmt.Errorf("singular at column %d", col)
		}
		a[col], a[pivot] = a[pivot], a[col]
		inv[col], inv[pivot] = inv[pivot], inv[col]

		// Normalise the pivot row.
		if c := a[col][col]; c != 1 {
			ic := f.inverse[c]
			scaleRow(f, a[col], ic)
			scaleRow(f, inv[col], ic)
		}

		// Eliminate the column from every other row.
		for r := 0; r < k; r++ {
			if r == col || a[r][col] == 0 {
				continue
			}
			c := a[r][col]
			addScaledRow(f, a[r], a[col], c)
			addScaledRow(f, inv[r], inv[col], c)
		}
	}
	return inv, nil
}

func scaleRow(f *Field, row []byte, c byte) {
	for i, v := range row {
		row[i] = f.mul[v][c]
	}
}

func addScaledRow(f *Field, dst, src []byte, c byte) {
	for i, v := range src {
		dst[i] ^= f.mul[v][c]
	}
}

func newRows(rows, cols int) [][]byte {
	backing := make([]byte, rows*cols)
	out := make([][]byte, rows)
	for i := range out {
		out[i] = backing[i*cols : (i+1)*cols]
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
