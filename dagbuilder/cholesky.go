// Package dagbuilder assembles the algorithm-specific instruction
// blocks for one matrix factorization: an external collaborator to the
// scheduler core, grounded 1:1 on the original scheduler's
// make_local_cholesky / make_column_update / make_low_rank_update /
// make_remote_gemm / _chol.
//
// Every compute instruction writes its result under a block-local tile
// reference (bucket "local/<label>") that no other block ever reads or
// writes; only LOAD's source ref and STORE's destination ref are
// externally visible, so those are the only refs the scheduler's
// dependency analysis sees crossing block boundaries.
package dagbuilder

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/swarmguard/lambdapack/block"
	"github.com/swarmguard/lambdapack/instr"
	"github.com/swarmguard/lambdapack/tile"
)

const (
	bucketInput  = "input"
	bucketOutput = "output"
)

// trailingBucket names the bucket holding the trailing submatrix as it
// stands before elimination step `level`; level 0 is simply the
// original input matrix, so no seeding copy step is needed to start the
// recursion.
func trailingBucket(level int) string {
	if level == 0 {
		return bucketInput
	}
	return fmt.Sprintf("trailing-%d", level)
}

func ref(matrixID, bucket string, i, j int) tile.Ref {
	return tile.Ref{MatrixID: matrixID, Bucket: bucket, Index: [2]int{i, j}}
}

func localRef(label string, n int) tile.Ref {
	return tile.Ref{MatrixID: "local", Bucket: "local/" + label, Index: [2]int{n, 0}}
}

func newInstr(op instr.OpCode) *instr.Instruction {
	return &instr.Instruction{ID: uuid.NewString(), Op: op}
}

// localCholesky builds the diagonal-block factorization step: load the
// trailing block at (k,k), factor it, store the result to output(k,k).
func localCholesky(matrixID string, level, blockSize int, k int) *block.Block {
	label := fmt.Sprintf("chol-%d", k)
	src := ref(matrixID, trailingBucket(level), k, k)
	dst := ref(matrixID, bucketOutput, k, k)
	local := localRef(label, 0)

	load := newInstr(instr.LOAD)
	load.Reads = []tile.Ref{src}

	chol := newInstr(instr.CHOL)
	chol.Reads = []tile.Ref{src}
	chol.Writes = []tile.Ref{local}

	store := newInstr(instr.STORE)
	store.Reads = []tile.Ref{local}
	store.Writes = []tile.Ref{dst}

	return block.New(0, label, load, chol, store)
}

// columnUpdate builds a panel-column TRSM step: load the trailing block
// at (i,k) and the just-factored diagonal, solve, store to output(i,k).
func columnUpdate(matrixID string, level, blockSize int, i, k int) *block.Block {
	label := fmt.Sprintf("trsm-%d-%d", i, k)
	colSrc := ref(matrixID, trailingBucket(level), i, k)
	diagSrc := ref(matrixID, bucketOutput, k, k)
	dst := ref(matrixID, bucketOutput, i, k)
	local := localRef(label, 0)

	loadCol := newInstr(instr.LOAD)
	loadCol.Reads = []tile.Ref{colSrc}

	loadDiag := newInstr(instr.LOAD)
	loadDiag.Reads = []tile.Ref{diagSrc}

	trsm := newInstr(instr.TRSM)
	trsm.Reads = []tile.Ref{colSrc, diagSrc}
	trsm.Writes = []tile.Ref{local}

	store := newInstr(instr.STORE)
	store.Reads = []tile.Ref{local}
	store.Writes = []tile.Ref{dst}

	return block.New(0, label, loadCol, loadDiag, trsm, store)
}

// lowRankUpdate builds the trailing-submatrix update (SYRK/GEMM-style
// low-rank update) for block (i,j): load the old trailing value and the
// two column factors, subtract their outer product, store the result as
// the next level's trailing block.
func lowRankUpdate(matrixID string, level, blockSize int, i, j, k int) *block.Block {
	label := fmt.Sprintf("syrk-%d-%d-%d", i, j, k)
	oldSrc := ref(matrixID, trailingBucket(level), i, j)
	colISrc := ref(matrixID, bucketOutput, i, k)
	colJSrc := ref(matrixID, bucketOutput, j, k)
	dst := ref(matrixID, trailingBucket(level+1), i, j)
	local := localRef(label, 0)

	loadOld := newInstr(instr.LOAD)
	loadOld.Reads = []tile.Ref{oldSrc}
	loadColI := newInstr(instr.LOAD)
	loadColI.Reads = []tile.Ref{colISrc}
	loadColJ := newInstr(instr.LOAD)
	loadColJ.Reads = []tile.Ref{colJSrc}

	syrk := newInstr(instr.SYRK)
	syrk.Reads = []tile.Ref{oldSrc, colISrc, colJSrc}
	syrk.Writes = []tile.Ref{local}

	store := newInstr(instr.STORE)
	store.Reads = []tile.Ref{local}
	store.Writes = []tile.Ref{dst}

	return block.New(0, label, loadOld, loadColI, loadColJ, syrk, store)
}

// BuildCholesky assembles the full blocked right-looking Cholesky
// factorization of an n x n block matrix (numBlocks x numBlocks blocks
// of blockSize x blockSize each) stored under matrixID's "input" bucket,
// returning a topologically-ordered instruction block list ready to
// hand to program.New. Grounded on _chol's block_idxs loop structure.
func BuildCholesky(matrixID string, numBlocks, blockSize int) []*block.Block {
	var blocks []*block.Block
	for k := 0; k < numBlocks; k++ {
		blocks = append(blocks, localCholesky(matrixID, k, blockSize, k))
		for i := k + 1; i < numBlocks; i++ {
			blocks = append(blocks, columnUpdate(matrixID, k, blockSize, i, k))
		}
		for i := k + 1; i < numBlocks; i++ {
			for j := k + 1; j <= i; j++ {
				blocks = append(blocks, lowRankUpdate(matrixID, k, blockSize, i, j, k))
			}
		}
	}
	for idx, b := range blocks {
		b.ID = idx
	}
	return blocks
}
