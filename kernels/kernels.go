// Package kernels implements the dense-linear-algebra primitives the
// instruction set dispatches to. This is an external collaborator per
// the scheduler's scope (the real numerical kernels would be BLAS/LAPACK
// bindings); these are small, correct reference implementations
// sufficient to drive and test the scheduler end-to-end.
package kernels

import (
	"fmt"
	"math"

	"github.com/swarmguard/lambdapack/tile"
)

// Cholesky computes the lower-triangular Cholesky factor L of a
// symmetric positive-definite block A such that A = L * L^T, writing
// into a fresh block.
func Cholesky(a *tile.Dense) (*tile.Dense, error) {
	if a.Rows != a.Cols {
		return nil, fmt.Errorf("kernels: cholesky requires a square block, got %dx%d", a.Rows, a.Cols)
	}
	n := a.Rows
	l := tile.NewDense(n, n)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := a.At(i, j)
			for k := 0; k < j; k++ {
				sum -= l.At(i, k) * l.At(j, k)
			}
			if i == j {
				if sum <= 0 {
					return nil, fmt.Errorf("kernels: cholesky: matrix not positive definite at pivot %d", i)
				}
				l.Set(i, j, math.Sqrt(sum))
			} else {
				l.Set(i, j, sum/l.At(j, j))
			}
		}
	}
	return l, nil
}

// TRSM solves X * L^T = B for X (right side, lower triangular, as used
// by the column update step: col_block is B, lBlock is the diagonal
// Cholesky factor L). Returns a fresh block.
func TRSM(colBlock, lBlock *tile.Dense) (*tile.Dense, error) {
	if lBlock.Rows != lBlock.Cols {
		return nil, fmt.Errorf("kernels: trsm requires a square triangular block, got %dx%d", lBlock.Rows, lBlock.Cols)
	}
	if colBlock.Cols != lBlock.Rows {
		return nil, fmt.Errorf("kernels: trsm shape mismatch: col cols=%d, L rows=%d", colBlock.Cols, lBlock.Rows)
	}
	m, n := colBlock.Rows, colBlock.Cols
	x := tile.NewDense(m, n)
	// Solve row-by-row for X * L^T = B, i.e. for each row r of X:
	// sum_k X[r,k] * L[j,k] = B[r,j], forward substitution over j.
	for r := 0; r < m; r++ {
		for j := 0; j < n; j++ {
			sum := colBlock.At(r, j)
			for k := 0; k < j; k++ {
				sum -= x.At(r, k) * lBlock.At(j, k)
			}
			x.Set(r, j, sum/lBlock.At(j, j))
		}
	}
	return x, nil
}

// SYRKUpdate computes oldBlock - block2 * block1^T, the trailing-matrix
// update step (low-rank update) in blocked Cholesky.
func SYRKUpdate(oldBlock, block2, block1 *tile.Dense) (*tile.Dense, error) {
	if block2.Cols != block1.Cols {
		return nil, fmt.Errorf("kernels: syrk shape mismatch: block2 cols=%d, block1 cols=%d", block2.Cols, block1.Cols)
	}
	if oldBlock.Rows != block2.Rows || oldBlock.Cols != block1.Rows {
		return nil, fmt.Errorf("kernels: syrk shape mismatch: old=%dx%d, block2=%dx%d, block1=%dx%d",
			oldBlock.Rows, oldBlock.Cols, block2.Rows, block2.Cols, block1.Rows, block1.Cols)
	}
	m, n, k := block2.Rows, block1.Rows, block2.Cols
	out := tile.NewDense(m, n)
	copy(out.Data, oldBlock.Data)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float64
			for p := 0; p < k; p++ {
				sum += block2.At(i, p) * block1.At(j, p)
			}
			out.Set(i, j, out.At(i, j)-sum)
		}
	}
	return out, nil
}

// GEMM computes a^T*b, matching the scheduler's fixed GEMM semantics
// (the remote GEMM instruction always contracts over the transpose of
// its first operand).
func GEMM(a, b *tile.Dense) (*tile.Dense, error) {
	if a.Rows != b.Rows {
		return nil, fmt.Errorf("kernels: gemm shape mismatch: a rows=%d, b rows=%d", a.Rows, b.Rows)
	}
	m, k, n := a.Cols, a.Rows, b.Cols
	out := tile.NewDense(m, n)
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			aip := a.At(p, i)
			if aip == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				out.Set(i, j, out.At(i, j)+aip*b.At(p, j))
			}
		}
	}
	return out, nil
}
