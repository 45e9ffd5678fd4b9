// Package tile defines the tile-reference and dense-block types shared
// across the scheduler, the instruction set and the tile store interface.
package tile

import "fmt"

// Ref identifies one block of one matrix: a matrix id, the physical
// bucket/shard it lives in, and its block index tuple (row, col for a
// 2-D matrix; single-element for a vector of blocks).
type Ref struct {
	MatrixID string
	Bucket   string
	Index    [2]int
}

// Key returns a canonical string form used as a map/cache key.
func (r Ref) Key() string {
	return fmt.Sprintf("%s/%s/%d:%d", r.MatrixID, r.Bucket, r.Index[0], r.Index[1])
}

func (r Ref) String() string { return r.Key() }

// Dense is a row-major dense block of float64s.
type Dense struct {
	Rows, Cols int
	Data       []float64
}

// Size returns the in-memory byte footprint of the block, used for the
// read/write IO accounting in the instruction set (8 bytes per float64,
// matching the itemsize*shard_sizes computation the original scheduler
// used for its read_size/write_size fields).
func (d *Dense) Size() int64 {
	if d == nil {
		return 0
	}
	return int64(d.Rows*d.Cols) * 8
}

// NewDense allocates a zeroed Rows x Cols block.
func NewDense(rows, cols int) *Dense {
	return &Dense{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

func (d *Dense) At(i, j int) float64     { return d.Data[i*d.Cols+j] }
func (d *Dense) Set(i, j int, v float64) { d.Data[i*d.Cols+j] = v }
