// Package sched implements the dependency-tracked asynchronous task graph the
// engine dispatches tile operations through.
//
// Every submitted task names the tiles it reads and the tiles it writes and
// receives a fresh monotonically increasing Tag. The graph enforces
// single-writer, multiple-reader ordering per tile (read-after-write,
// write-after-read and write-after-write hazards); tasks touching disjoint
// tiles run concurrently on the executor's workers. WaitAll is the only
// blocking primitive.
package sched

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
)

// Tag identifies a point in the dependency order. Tags increase monotonically
// and are never reused; they are drawn from the Graph's shared counter by
// task submission and by tensor creation (one tag reserved per tile).
type Tag uint64

// TileRef addresses one tile of one tensor.
type TileRef struct {
	Tensor uint64 // tensor id, allocated by Graph.NewTensorID
	Tile   int    // linear tile index within the tensor's grid
}

// Config controls a Graph.
type Config struct {
	Workers  int          // local worker goroutines; <= 0 means NumCPU
	NodeID   int          // distributed node executing this process
	NumNodes int          // size of the distributed set; <= 0 means 1
	Logger   *slog.Logger // nil means slog.Default()
}

// DefaultConfig returns a single-node config sized to the CPU count.
func DefaultConfig() Config {
	return Config{Workers: runtime.NumCPU(), NodeID: 0, NumNodes: 1}
}

type task struct {
	tag     Tag
	op      string
	tile    TileRef // first written tile, kept for error identity
	fn      func() error
	pending int
	succs   []*task
	done    bool
	failed  bool
}

type hazard struct {
	lastWriter *task
	readers    []*task
}

// Graph is the engine context: it owns the shared tag counter, the per-tile
// hazard state and the executor. It is created at engine start, torn down
// with Shutdown, and must be threaded explicitly through every tensor
// creation and task submission.
type Graph struct {
	cfg  Config
	log  *slog.Logger
	exec Executor

	mu       sync.Mutex
	cond     *sync.Cond
	nextTag  Tag
	nextID   uint64
	hazards  map[TileRef]*hazard
	inflight int
	err      error // first task failure, sticky until Ack
}

// New creates a Graph backed by a LocalExecutor.
func New(cfg Config) *Graph {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return NewWithExecutor(cfg, NewLocalExecutor(cfg.Workers))
}

// NewWithExecutor creates a Graph on a caller-provided executor. Any
// implementation of the Executor contract (thread pool, distributed runtime)
// is substitutable.
func NewWithExecutor(cfg Config, exec Executor) *Graph {
	if cfg.NumNodes <= 0 {
		cfg.NumNodes = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	g := &Graph{
		cfg:     cfg,
		log:     cfg.Logger,
		exec:    exec,
		hazards: make(map[TileRef]*hazard),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// NodeID returns the distributed node id of this process.
func (g *Graph) NodeID() int { return g.cfg.NodeID }

// NumNodes returns the size of the distributed set.
func (g *Graph) NumNodes() int { return g.cfg.NumNodes }

// ReserveTags atomically reserves n consecutive tags from the shared counter
// and returns the first. Tensor creation reserves one tag per tile so that
// concurrent creations keep a deterministic global order.
func (g *Graph) ReserveTags(n int) Tag {
	g.mu.Lock()
	defer g.mu.Unlock()
	first := g.nextTag
	g.nextTag += Tag(n)
	return first
}

// NewTensorID allocates a process-unique tensor identity for TileRefs.
func (g *Graph) NewTensorID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	return g.nextID
}

// Submit records a tile task and its dependency edges and returns its tag
// without blocking. The task is ordered after the last writer of every tile
// it touches and after every reader of the tiles it writes. After a task
// failure, Submit rejects new tasks with the recorded error until Ack.
func (g *Graph) Submit(op string, reads, writes []TileRef, fn func() error) (Tag, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return 0, g.err
	}

	t := &task{tag: g.nextTag, op: op, fn: fn}
	g.nextTag++
	if len(writes) > 0 {
		t.tile = writes[0]
	}

	preds := make(map[*task]struct{})
	addPred := func(p *task) {
		if p == nil || p == t || p.done {
			return
		}
		preds[p] = struct{}{}
	}
	for _, r := range reads {
		addPred(g.hazardFor(r).lastWriter)
	}
	for _, w := range writes {
		h := g.hazardFor(w)
		addPred(h.lastWriter)
		for _, rd := range h.readers {
			addPred(rd)
		}
	}
	for p := range preds {
		p.succs = append(p.succs, t)
		t.pending++
	}
	for _, r := range reads {
		h := g.hazardFor(r)
		h.readers = append(h.readers, t)
	}
	for _, w := range writes {
		h := g.hazardFor(w)
		h.lastWriter = t
		h.readers = h.readers[:0]
	}

	g.inflight++
	if g.log.Enabled(context.Background(), slog.LevelDebug) {
		g.log.Debug("task submitted", "op", op, "tag", uint64(t.tag), "deps", t.pending,
			"reads", len(reads), "writes", len(writes))
	}
	if t.pending == 0 {
		g.launch(t)
	}
	return t.tag, nil
}

func (g *Graph) hazardFor(ref TileRef) *hazard {
	h, ok := g.hazards[ref]
	if !ok {
		h = &hazard{}
		g.hazards[ref] = h
	}
	return h
}

// launch hands a ready task to the executor. Caller holds g.mu.
func (g *Graph) launch(t *task) {
	g.exec.Launch(func() { g.run(t) })
}

func (g *Graph) run(t *task) {
	g.mu.Lock()
	skip := t.failed
	g.mu.Unlock()

	var err error
	if !skip {
		err = runTask(t)
	}

	g.mu.Lock()
	t.done = true
	if err != nil {
		t.failed = true
		if g.err == nil {
			g.err = &TaskError{Op: t.op, Tile: t.tile, Tag: t.tag, Err: err}
			g.log.Error("task failed", "op", t.op, "tag", uint64(t.tag),
				"tensor", t.tile.Tensor, "tile", t.tile.Tile, "err", err)
		}
	}
	for _, s := range t.succs {
		if t.failed {
			// Dependents of a failed task drain without running.
			s.failed = true
		}
		s.pending--
		if s.pending == 0 {
			g.launch(s)
		}
	}
	g.inflight--
	if g.inflight == 0 {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// WaitAll blocks the calling context until every previously submitted task
// has completed and returns the first task failure, if any. The failure stays
// recorded until Ack is called.
func (g *Graph) WaitAll() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.inflight > 0 {
		g.cond.Wait()
	}
	return g.err
}

// Ack acknowledges a surfaced task failure, re-enabling submissions.
func (g *Graph) Ack() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = nil
}

// Shutdown drains the graph and stops the executor. The graph must not be
// used afterwards.
func (g *Graph) Shutdown() error {
	err := g.WaitAll()
	if serr := g.exec.Shutdown(); err == nil {
		err = serr
	}
	return err
}
