// Package pgo turns profile execution counts into branch-weight
// metadata on the lowered control flow. Without profile data every
// query is neutral: no metadata is produced and nothing is attached,
// so later passes see an unannotated branch rather than a fabricated
// frequency.
package pgo

import (
	"fmt"
	"math"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/metadata"
	"github.com/llir/llvm/ir/types"
	"github.com/nikandfor/tlog"

	"lowir/internal/ast"
)

// Profile supplies execution counts keyed by node identity: the count
// of a node is how often its owned region ran (then-branch for an if,
// body for a loop, handler for a catch, body for a case). Partial
// profiles are fine; missing nodes simply yield no weights.
type Profile interface {
	Count(n ast.Node) (uint64, bool)
}

// Instrumenter emits profile counter increments during an
// instrumentation build. Switch dispatch targets are routed through
// dedicated counter blocks when one is installed.
type Instrumenter interface {
	CounterIncrement(b *ir.Block, n ast.Node)
}

// CountMap is a Profile backed by a plain map, keyed by node identity.
type CountMap map[ast.Node]uint64

func (m CountMap) Count(n ast.Node) (uint64, bool) {
	c, ok := m[n]
	return c, ok
}

// CounterTable is an Instrumenter that bumps one module-level counter
// per profiled node.
type CounterTable struct {
	m        *ir.Module
	counters map[ast.Node]*ir.Global
}

func NewCounterTable(m *ir.Module) *CounterTable {
	return &CounterTable{m: m, counters: map[ast.Node]*ir.Global{}}
}

func (t *CounterTable) CounterIncrement(b *ir.Block, n ast.Node) {
	g := t.counters[n]
	if g == nil {
		g = t.m.NewGlobalDef(fmt.Sprintf("pgocntr.%d", len(t.counters)),
			constant.NewInt(types.I64, 0))
		t.counters[n] = g
	}
	v := b.NewLoad(types.I64, g)
	b.NewStore(b.NewAdd(v, constant.NewInt(types.I64, 1)), g)
}

// Estimator tracks the running execution count along the statement walk
// and builds weight metadata for conditional terminators.
type Estimator struct {
	m    *ir.Module
	prof Profile
	log  *tlog.Logger

	current uint64
}

// New builds an estimator over prof; prof may be nil, in which case
// every weight method returns nil.
func New(m *ir.Module, prof Profile, log *tlog.Logger) *Estimator {
	return &Estimator{m: m, prof: prof, log: log}
}

func (e *Estimator) HasProfile() bool { return e != nil && e.prof != nil }

// Count looks up the region count of n.
func (e *Estimator) Count(n ast.Node) (uint64, bool) {
	if !e.HasProfile() {
		return 0, false
	}
	return e.prof.Count(n)
}

// SetCurrent records the region count of n as the running count for the
// statements lowered next. Unknown nodes leave the running count alone.
func (e *Estimator) SetCurrent(n ast.Node) {
	if c, ok := e.Count(n); ok {
		e.current = c
	}
}

func (e *Estimator) Current() uint64 {
	if e == nil {
		return 0
	}
	return e.current
}

// SetCurrentCount forces the running count; used when control splits
// and the branch-not-taken count is derived rather than recorded.
func (e *Estimator) SetCurrentCount(n uint64) {
	if e != nil {
		e.current = n
	}
}

// IfWeights returns the (then, else) weight pair for an if statement,
// deriving the else count from the running count.
func (e *Estimator) IfWeights(s *ast.IfStmt) *metadata.Attachment {
	then, ok := e.Count(s)
	if !ok {
		return nil
	}
	return e.Pair(then, sub(e.current, then))
}

// LoopWeights returns the (body, exit) pair of a pre-test loop: the
// exit edge is taken once per loop entry.
func (e *Estimator) LoopWeights(body ast.Node, entryCount uint64) *metadata.Attachment {
	n, ok := e.Count(body)
	if !ok {
		return nil
	}
	return e.Pair(n, entryCount)
}

// PostTestWeights returns the (loop back, exit) pair of a do-while
// condition. The first pass through the body arrives from above rather
// than from the backedge, so the entry count is subtracted.
func (e *Estimator) PostTestWeights(body ast.Node, entryCount uint64) *metadata.Attachment {
	n, ok := e.Count(body)
	if !ok {
		return nil
	}
	return e.Pair(sub(n, entryCount), entryCount)
}

// Pair builds a two-way branch weight attachment; nil without profile
// data.
func (e *Estimator) Pair(trueCount, falseCount uint64) *metadata.Attachment {
	if !e.HasProfile() {
		return nil
	}
	return e.Weights([]uint64{trueCount, falseCount})
}

// SwitchWeights builds the weight vector of a switch terminator in
// operand order: default first, then each case.
func (e *Estimator) SwitchWeights(sw *ast.SwitchStmt) *metadata.Attachment {
	if !e.HasProfile() {
		return nil
	}
	counts := make([]uint64, 0, len(sw.Cases)+1)
	var def uint64
	if sw.Default != nil {
		def, _ = e.Count(sw.Default)
	}
	counts = append(counts, def)
	any := sw.Default != nil
	for _, cs := range sw.Cases {
		c, ok := e.Count(cs)
		any = any || ok
		counts = append(counts, c)
	}
	if !any {
		return nil
	}
	return e.Weights(counts)
}

// CompareChain iterates the weights of a sequential compare dispatch:
// starting from the running count, each case's pair is (match count,
// remaining count). An inconsistent profile would drive the remainder
// negative; it is clamped and logged rather than rejected.
type CompareChain struct {
	e      *Estimator
	failed uint64
}

func (e *Estimator) NewCompareChain() *CompareChain {
	return &CompareChain{e: e, failed: e.Current()}
}

func (c *CompareChain) Next(cs ast.Node) *metadata.Attachment {
	n, ok := c.e.Count(cs)
	if !ok {
		return nil
	}
	if n > c.failed {
		c.e.log.Printw("profile count exceeds remaining count in compare chain",
			"case", n, "remaining", c.failed)
		n = c.failed
	}
	att := c.e.Pair(n, c.failed-n)
	c.failed -= n
	return att
}

// Weights scales raw counts into a branch_weights attachment. LLVM
// weights are 32-bit and must not all be zero, so counts are scaled
// down proportionally when needed and offset by one.
func (e *Estimator) Weights(counts []uint64) *metadata.Attachment {
	if !e.HasProfile() || len(counts) < 2 {
		return nil
	}
	var max uint64
	for _, c := range counts {
		if c > max {
			max = c
		}
	}
	scale := uint64(1)
	if max > math.MaxUint32-1 {
		scale = max/(math.MaxUint32-1) + 1
	}
	fields := make([]metadata.Field, 0, len(counts)+1)
	fields = append(fields, &metadata.String{Value: "branch_weights"})
	for _, c := range counts {
		fields = append(fields, constant.NewInt(types.I32, int64(c/scale+1)))
	}
	tuple := &metadata.Tuple{Fields: fields}
	tuple.SetID(int64(len(e.m.MetadataDefs)))
	e.m.MetadataDefs = append(e.m.MetadataDefs, tuple)
	return &metadata.Attachment{Name: "prof", Node: tuple}
}

func sub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
