// Package tilestore is the external matrix-storage collaborator: the
// scheduler only ever gets/puts whole tiles by reference, never
// concerning itself with how or where the underlying matrix is
// physically sharded.
package tilestore

import (
	"context"

	"github.com/swarmguard/lambdapack/tile"
)

// Store is the narrow interface LOAD/STORE instructions use.
type Store interface {
	Get(ctx context.Context, ref tile.Ref) (*tile.Dense, error)
	Put(ctx context.Context, ref tile.Ref, val *tile.Dense) error
}
