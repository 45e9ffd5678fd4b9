package program

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/lambdapack/block"
	"github.com/swarmguard/lambdapack/instr"
	"github.com/swarmguard/lambdapack/kv"
	"github.com/swarmguard/lambdapack/objectstore"
	"github.com/swarmguard/lambdapack/queue"
	"github.com/swarmguard/lambdapack/tile"
)

// Manifest is the serializable form of a Program's DAG: everything a
// worker process needs to execute it, but none of the live KV/queue/blob
// connections. A driver process builds a Program once with New,
// publishes its Manifest to the object store, and each worker process
// (a fresh invocation, sharing no memory with the driver) reloads it
// with LoadManifest before joining the worker pool.
//
// This is the Go-native replacement for the original scheduler's
// approach of pickling/deep-copying the whole LambdaPackProgram object
// for every worker coroutine: here the immutable DAG shape is published
// once, and every worker fetches its own read-only copy instead of
// receiving a live in-memory object.
type Manifest struct {
	Hash          string              `json:"hash"`
	NumPriorities int                 `json:"num_priorities"`
	Eager         bool                `json:"eager"`
	Parents       map[string][]int    `json:"parents"`
	Children      map[string][]int    `json:"children"`
	Starters      []int               `json:"starters"`
	Terminators   []int               `json:"terminators"`
	Blocks        []blockManifest     `json:"blocks"`
}

type blockManifest struct {
	ID       int             `json:"id"`
	Label    string          `json:"label"`
	Priority int             `json:"priority"`
	Instrs   []instrManifest `json:"instrs"`
}

type instrManifest struct {
	ID        string    `json:"id"`
	Op        int        `json:"op"`
	Reads     []tile.Ref `json:"reads"`
	Writes    []tile.Ref `json:"writes"`
	ReturnLoc string     `json:"return_loc,omitempty"`
}

func manifestKey(hash string) string { return hash + "/manifest" }

// Manifest serializes p's DAG shape.
func (p *Program) Manifest() Manifest {
	m := Manifest{
		Hash:          p.Hash,
		NumPriorities: p.NumPriorities,
		Eager:         p.Eager,
		Parents:       make(map[string][]int, len(p.Parents)),
		Children:      make(map[string][]int, len(p.Children)),
		Starters:      p.Starters,
		Terminators:   p.Terminators,
	}
	for k, v := range p.Parents {
		m.Parents[itoa(k)] = v
	}
	for k, v := range p.Children {
		m.Children[itoa(k)] = v
	}
	for _, b := range p.Blocks {
		bm := blockManifest{ID: b.ID, Label: b.Label, Priority: b.Priority}
		for _, in := range b.Instrs {
			bm.Instrs = append(bm.Instrs, instrManifest{
				ID:        in.ID,
				Op:        int(in.Op),
				Reads:     in.Reads,
				Writes:    in.Writes,
				ReturnLoc: in.ReturnLoc,
			})
		}
		m.Blocks = append(m.Blocks, bm)
	}
	return m
}

// PublishManifest serializes and writes p's manifest to blobs, so
// worker processes can reload it by hash.
func (p *Program) PublishManifest(ctx context.Context) error {
	raw, err := json.Marshal(p.Manifest())
	if err != nil {
		return fmt.Errorf("program: marshal manifest: %w", err)
	}
	if err := p.Blobs.Put(ctx, manifestKey(p.Hash), raw); err != nil {
		return fmt.Errorf("program: publish manifest: %w", err)
	}
	return nil
}

// LoadManifest fetches and deserializes the manifest for hash, and
// rebuilds a worker-side Program handle bound to the given live
// KV/queue/blob connections.
func LoadManifest(ctx context.Context, hash string, kvStore kv.Store, blobs objectstore.Store, q queue.Service) (*Program, error) {
	raw, err := blobs.Get(ctx, manifestKey(hash))
	if err != nil {
		return nil, fmt.Errorf("program: load manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("program: unmarshal manifest: %w", err)
	}
	return fromManifest(m, kvStore, blobs, q)
}

func fromManifest(m Manifest, kvStore kv.Store, blobs objectstore.Store, q queue.Service) (*Program, error) {
	blocks := make([]*block.Block, len(m.Blocks))
	for i, bm := range m.Blocks {
		instrs := make([]*instr.Instruction, len(bm.Instrs))
		for j, im := range bm.Instrs {
			instrs[j] = &instr.Instruction{
				ID:        im.ID,
				Op:        instr.OpCode(im.Op),
				Reads:     im.Reads,
				Writes:    im.Writes,
				ReturnLoc: im.ReturnLoc,
			}
		}
		blocks[i] = &block.Block{ID: bm.ID, Label: bm.Label, Priority: bm.Priority, Instrs: instrs}
	}
	parents := make(map[int][]int, len(m.Parents))
	for k, v := range m.Parents {
		parents[atoi(k)] = v
	}
	children := make(map[int][]int, len(m.Children))
	for k, v := range m.Children {
		children[atoi(k)] = v
	}
	return &Program{
		Hash:          m.Hash,
		Blocks:        blocks,
		Parents:       parents,
		Children:      children,
		Starters:      m.Starters,
		Terminators:   m.Terminators,
		NumPriorities: m.NumPriorities,
		Eager:         m.Eager,
		KV:            kvStore,
		Blobs:         blobs,
		Queue:         q,
		tracer:        otel.Tracer("lambdapack-program"),
	}, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func atoi(s string) int {
	neg := false
	i := 0
	if len(s) > 0 && s[0] == '-' {
		neg = true
		i = 1
	}
	n := 0
	for ; i < len(s); i++ {
		n = n*10 + int(s[i]-'0')
	}
	if neg {
		return -n
	}
	return n
}
