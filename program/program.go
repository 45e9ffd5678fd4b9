// Package program builds an executable DAG from instruction blocks and
// coordinates its execution across workers: dependency analysis,
// critical-path priority donation, the node/edge KV-backed state
// machine, and the post-op fan-out protocol.
//
// Grounded primarily on the original scheduler's LambdaPackProgram
// (_io_dependency_analyze, _find_critical_path,
// _recursive_priority_donate, post_op) and on the teacher's
// dag_engine.go (buildDAG's in-degree/children bookkeeping,
// executeDAG's coordinator-goroutine shape for scheduling children).
package program

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/lambdapack/block"
	"github.com/swarmguard/lambdapack/instr"
	"github.com/swarmguard/lambdapack/kv"
	"github.com/swarmguard/lambdapack/objectstore"
	"github.com/swarmguard/lambdapack/queue"
)

// Program is one DAG execution: a fixed, topologically-ordered set of
// instruction blocks plus the shared state needed to coordinate their
// execution across workers.
type Program struct {
	Hash   string
	Blocks []*block.Block

	// Parents/Children index blocks by position in Blocks. Parents[i]
	// are the blocks i.Reads depend on; Children[i] are the blocks
	// that read a tile i writes.
	Parents  map[int][]int
	Children map[int][]int

	Starters    []int
	Terminators []int
	MaxPriority int

	NumPriorities int
	Eager         bool

	KV    kv.Store
	Queue queue.Service
	Blobs objectstore.Store

	tracer trace.Tracer
}

// Config bundles the knobs a caller can override when building a
// Program. A zero NumPriorities picks the original scheduler's default
// of 5; Eager is taken as given, so the zero value leaves eager fusion
// off.
type Config struct {
	NumPriorities int
	Eager         bool
}

// New constructs a Program from a topologically-consistent list of
// blocks (the caller, e.g. dagbuilder, is responsible for producing
// blocks in dependency order; Program does not re-sort them). It
// performs dependency analysis, appends a synthetic EXIT block wired to
// every terminator, runs critical-path priority donation, and computes
// a program hash salted with the current time so repeated launches of
// an identical DAG never collide in the KV/queue namespace.
func New(blocks []*block.Block, kvStore kv.Store, q queue.Service, blobs objectstore.Store, cfg Config) (*Program, error) {
	if cfg.NumPriorities <= 0 {
		cfg.NumPriorities = 5
	}
	blocks = append([]*block.Block(nil), blocks...)

	parents, children, err := dependencyAnalyze(blocks)
	if err != nil {
		return nil, err
	}

	var starters, terminators []int
	for i := range blocks {
		if len(parents[i]) == 0 {
			starters = append(starters, i)
		}
		if len(children[i]) == 0 {
			terminators = append(terminators, i)
		}
	}

	hash := computeHash(blocks)

	exitBlock := block.New(len(blocks), "EXIT", &instr.Instruction{
		ID:        uuid.NewString(),
		Op:        instr.RET,
		ReturnLoc: hash,
	})
	exitIdx := len(blocks)
	blocks = append(blocks, exitBlock)
	parents[exitIdx] = append([]int(nil), terminators...)
	children[exitIdx] = nil
	for _, t := range terminators {
		children[t] = append(children[t], exitIdx)
	}

	p := &Program{
		Hash:          hash,
		Blocks:        blocks,
		Parents:       parents,
		Children:      children,
		Starters:      starters,
		Terminators:   terminators,
		NumPriorities: cfg.NumPriorities,
		Eager:         cfg.Eager,
		KV:            kvStore,
		Queue:         q,
		Blobs:         blobs,
		tracer:        otel.Tracer("lambdapack-program"),
	}

	longestPath := p.findCriticalPath()
	p.recursivePriorityDonate(longestPath, cfg.NumPriorities-1)

	return p, nil
}

// dependencyAnalyze builds Parents/Children from the read/write tile
// references of every block, enforcing the single-writer-per-tile
// invariant as a construction-time error rather than the original
// scheduler's bare assert.
func dependencyAnalyze(blocks []*block.Block) (parents, children map[int][]int, err error) {
	writers := make(map[string]int)
	readers := make(map[string][]int)

	for i, b := range blocks {
		for _, in := range b.Instrs {
			for _, w := range in.Writes {
				key := w.Key()
				if prev, ok := writers[key]; ok && prev != i {
					return nil, nil, fmt.Errorf("program: tile %s has more than one writer (blocks %d and %d)", key, prev, i)
				}
				writers[key] = i
			}
		}
	}
	for i, b := range blocks {
		for _, in := range b.Instrs {
			for _, r := range in.Reads {
				readers[r.Key()] = append(readers[r.Key()], i)
			}
		}
	}

	parents = make(map[int][]int, len(blocks))
	children = make(map[int][]int, len(blocks))
	for i, b := range blocks {
		seen := make(map[int]bool)
		for _, in := range b.Instrs {
			for _, r := range in.Reads {
				if w, ok := writers[r.Key()]; ok && w != i && !seen[w] {
					seen[w] = true
					parents[i] = append(parents[i], w)
				}
			}
		}
	}
	for i, b := range blocks {
		seen := make(map[int]bool)
		for _, in := range b.Instrs {
			for _, w := range in.Writes {
				for _, reader := range readers[w.Key()] {
					if reader != i && !seen[reader] {
						seen[reader] = true
						children[i] = append(children[i], reader)
					}
				}
			}
		}
	}
	return parents, children, nil
}

// findCriticalPath runs the longest-path DP over the (already
// topologically ordered) blocks and reconstructs the path ending at the
// node with maximum distance, mirroring
// LambdaPackProgram._find_critical_path.
func (p *Program) findCriticalPath() []int {
	n := len(p.Blocks)
	distances := make([]int, n)
	back := make([]int, n)
	for i := range back {
		back[i] = -1
	}
	var furthest, furthestDist int
	for i := 0; i < n; i++ {
		best := -1
		bestDist := -1
		for _, par := range p.Parents[i] {
			if distances[par] > bestDist {
				bestDist = distances[par]
				best = par
			}
		}
		if best == -1 {
			distances[i] = 0
		} else {
			distances[i] = distances[best] + 1
			back[i] = best
		}
		if distances[i] >= furthestDist {
			furthestDist = distances[i]
			furthest = i
		}
	}
	var path []int
	for cur := furthest; cur != -1; cur = back[cur] {
		path = append(path, cur)
	}
	return path
}

// recursivePriorityDonate walks backward from the critical path,
// raising every ancestor's priority (clamped to [0, maxPriority]) so
// blocks feeding the longest remaining chain of work are scheduled
// first. Grounded on _recursive_priority_donate; recursion terminates
// when the donated priority reaches 0, so "ancestors up to depth
// maxPriority" falls out of the base case rather than an explicit depth
// counter.
func (p *Program) recursivePriorityDonate(nodes []int, priority int) {
	if priority <= 0 || len(nodes) == 0 {
		return
	}
	for _, n := range nodes {
		clamped := priority
		if clamped > p.NumPriorities-1 {
			clamped = p.NumPriorities - 1
		}
		if clamped < 0 {
			clamped = 0
		}
		if p.Blocks[n].Priority < clamped {
			p.Blocks[n].Priority = clamped
		}
	}
	var nextNodes []int
	for _, n := range nodes {
		nextNodes = append(nextNodes, p.Parents[n]...)
	}
	p.recursivePriorityDonate(nextNodes, priority-1)
}

func computeHash(blocks []*block.Block) string {
	h := sha1.New()
	for _, b := range blocks {
		h.Write([]byte(b.String()))
	}
	// Salt with wall-clock time so two launches of an identical program
	// never collide in the KV/queue namespace (the original scheduler
	// does the same: the program hash is deliberately not a pure
	// content hash).
	h.Write([]byte(strconv.FormatInt(time.Now().UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}
