// Package scopes tracks the dynamic context of statement lowering for
// one function: pending cleanups (finally bodies), active exception
// handlers, loop break/continue targets and goto labels.
//
// A cleanup body is lowered exactly once. Control can leave the
// protected region toward several different continuations (fallthrough,
// break, return, an outer cleanup); each continuation is registered as
// an exit target of the cleanup. With a single target the cleanup ends
// in a plain branch. The moment a second distinct target appears, the
// cleanup's exit is rewritten into a load of a per-cleanup selector
// slot plus a switch, and every jump that enters the cleanup chain
// first stores the selector values that pick its continuation at each
// level.
package scopes

import (
	"sort"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"lowir/internal/ast"
	"lowir/internal/diag"
)

// Mark is a cleanup-stack depth. Statements that open a protected
// region capture the current mark and later run or pop everything above
// it.
type Mark int

type cleanupExit struct {
	target *ir.Block
	// blocks that jump into the cleanup chain wanting this target; kept
	// so selector stores can be retrofitted when the cleanup switches
	// from branch form to selector form.
	sources []*ir.Block
}

type cleanupScope struct {
	begin *ir.Block
	end   *ir.Block
	// body is the statement the cleanup was lowered from; unwind paths
	// that cannot branch into the shared blocks lower it again.
	body  ast.Stmt
	exits []cleanupExit
	// selector is non-nil once the cleanup has two or more distinct
	// exit targets.
	selector *ir.InstAlloca
	sw       *ir.TermSwitch
}

// CatchScope is one active exception handler, visible to the EH
// strategy when it builds an unwind dispatch point.
type CatchScope struct {
	// TypeDesc is the descriptor of the caught class; nil matches
	// everything.
	TypeDesc constant.Constant
	Target   *ir.Block
	// CleanupDepth is the cleanup mark at push time; unwind dispatch
	// replays cleanups above it before entering Target.
	CleanupDepth Mark
	// Count is the profiled execution count of the handler, zero when
	// no profile is present.
	Count uint64
}

type loopTarget struct {
	stmt         ast.Stmt
	breakBlock   *ir.Block
	contBlock    *ir.Block // nil for switches
	cleanupDepth Mark
}

type labelTarget struct {
	block   *ir.Block
	defined bool
	depth   Mark
	// pending are forward gotos waiting for the label definition; the
	// blocks are unterminated until then.
	pending []pendingGoto
}

type pendingGoto struct {
	src   *ir.Block
	depth Mark
	loc   ast.Loc
}

// Stack is the per-function lowering context.
type Stack struct {
	entry    *ir.Block
	cleanups []*cleanupScope
	catches  []CatchScope
	loops    []loopTarget
	labels   map[string]*labelTarget
	funclets []value.Value

	// version increments on every change to the cleanup or catch
	// stacks; EH strategies key their unwind-block caches on it.
	version uint64
}

func NewStack(entry *ir.Block) *Stack {
	return &Stack{entry: entry, labels: map[string]*labelTarget{}}
}

// Version identifies the current cleanup/catch configuration.
func (s *Stack) Version() uint64 { return s.version }

// CleanupMark returns the current cleanup depth.
func (s *Stack) CleanupMark() Mark { return Mark(len(s.cleanups)) }

// PushCleanup registers a pre-lowered cleanup body spanning begin..end;
// end must be the body's unterminated exit block. body is the statement
// the blocks were lowered from.
func (s *Stack) PushCleanup(begin, end *ir.Block, body ast.Stmt) {
	s.cleanups = append(s.cleanups, &cleanupScope{begin: begin, end: end, body: body})
	s.version++
}

// CleanupBody returns the source statement of the cleanup at depth i.
func (s *Stack) CleanupBody(i Mark) ast.Stmt {
	return s.cleanups[i].body
}

// PopCleanups discards all cleanup scopes above target. Forward gotos
// recorded inside the popped region jump into the popped cleanups now
// and stay pending at the shallower depth, continuing from a relay
// block built with mk. A cleanup that was never exited through has an
// unreachable body; its end block is closed so the function stays well
// formed.
func (s *Stack) PopCleanups(target Mark, mk func(string) *ir.Block) {
	names := make([]string, 0, len(s.labels))
	for name, t := range s.labels {
		if !t.defined && len(t.pending) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		t := s.labels[name]
		for i := range t.pending {
			p := &t.pending[i]
			if p.depth <= target {
				continue
			}
			relay := mk("goto.relay")
			s.RunCleanups(p.src, target, relay)
			p.src, p.depth = relay, target
		}
	}
	for i := len(s.cleanups) - 1; i >= int(target); i-- {
		c := s.cleanups[i]
		if len(c.exits) == 0 && c.end.Term == nil {
			c.end.NewUnreachable()
		}
	}
	s.cleanups = s.cleanups[:target]
	s.version++
}

// RunCleanups emits, into src, the transfer that executes every cleanup
// above target (innermost first) and then continues at continueWith.
// With no pending cleanups this is a plain branch.
func (s *Stack) RunCleanups(src *ir.Block, target Mark, continueWith *ir.Block) {
	top := len(s.cleanups)
	if int(target) >= top {
		src.NewBr(continueWith)
		return
	}
	// Register the continuation of each level: inner cleanups chain to
	// the next-outer cleanup's body, the outermost to continueWith.
	// Selector stores all land in src, before the single branch into
	// the innermost cleanup.
	for i := top - 1; i >= int(target); i-- {
		to := continueWith
		if i > int(target) {
			to = s.cleanups[i-1].begin
		}
		s.addCleanupExit(s.cleanups[i], src, to)
	}
	src.NewBr(s.cleanups[top-1].begin)
}

// RunAllCleanups transfers through every pending cleanup to
// continueWith; used by return.
func (s *Stack) RunAllCleanups(src *ir.Block, continueWith *ir.Block) {
	s.RunCleanups(src, 0, continueWith)
}

func (s *Stack) addCleanupExit(c *cleanupScope, src, to *ir.Block) {
	if c.end.Term != nil && c.selector == nil && len(c.exits) == 0 {
		// The cleanup body never falls through (it throws or loops
		// forever); exits are irrelevant.
		return
	}
	idx := -1
	for i := range c.exits {
		if c.exits[i].target == to {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.exits = append(c.exits, cleanupExit{target: to})
		idx = len(c.exits) - 1
	}
	c.exits[idx].sources = append(c.exits[idx].sources, src)

	switch {
	case len(c.exits) == 1:
		if c.end.Term == nil {
			c.end.NewBr(to)
		}
	case c.selector == nil:
		// Second distinct target: convert to selector form. The stores
		// for the first target's sources are retrofitted.
		c.selector = s.entry.NewAlloca(types.I32)
		c.selector.SetName(c.begin.Name() + ".selector")
		for _, p := range c.exits[0].sources {
			storeBeforeTerm(p, constant.NewInt(types.I32, 0), c.selector)
		}
		c.end.Term = nil
		ld := c.end.NewLoad(types.I32, c.selector)
		c.sw = c.end.NewSwitch(ld, c.exits[0].target,
			ir.NewCase(constant.NewInt(types.I32, 1), c.exits[1].target))
		storeBeforeTerm(src, constant.NewInt(types.I32, int64(idx)), c.selector)
	default:
		if idx >= 1 && !switchHasValue(c.sw, int64(idx)) {
			c.sw.Cases = append(c.sw.Cases,
				ir.NewCase(constant.NewInt(types.I32, int64(idx)), to))
		}
		storeBeforeTerm(src, constant.NewInt(types.I32, int64(idx)), c.selector)
	}
}

// storeBeforeTerm appends a selector store to a block that is about to
// be (or already is) terminated; instructions always print before the
// terminator.
func storeBeforeTerm(b *ir.Block, v constant.Constant, slot value.Value) {
	st := ir.NewStore(v, slot)
	b.Insts = append(b.Insts, st)
}

func switchHasValue(sw *ir.TermSwitch, v int64) bool {
	for _, c := range sw.Cases {
		if ci, ok := c.X.(*constant.Int); ok && ci.X.Int64() == v {
			return true
		}
	}
	return false
}

// CleanupBlocks exposes the body span of the cleanup at depth i, for
// the EH strategies when they thread unwind paths through cleanups.
func (s *Stack) CleanupBlocks(i Mark) (begin, end *ir.Block) {
	c := s.cleanups[i]
	return c.begin, c.end
}

// AddUnwindExit registers continueWith as an exit of the cleanup chain
// (target..top), with src jumping in; used by EH dispatch blocks.
func (s *Stack) AddUnwindExit(src *ir.Block, target Mark, continueWith *ir.Block) {
	s.RunCleanups(src, target, continueWith)
}

// PushCatch activates a handler. Handlers of one try statement are
// pushed in reverse source order so that walking the stack top-down
// visits them in match order.
func (s *Stack) PushCatch(c CatchScope) {
	c.CleanupDepth = s.CleanupMark()
	s.catches = append(s.catches, c)
	s.version++
}

func (s *Stack) PopCatch() {
	s.catches = s.catches[:len(s.catches)-1]
	s.version++
}

// CatchMark returns the current catch depth, for balance checks.
func (s *Stack) CatchMark() int { return len(s.catches) }

// ActiveCatches returns the active handlers in match order, innermost
// first.
func (s *Stack) ActiveCatches() []CatchScope {
	out := make([]CatchScope, 0, len(s.catches))
	for i := len(s.catches) - 1; i >= 0; i-- {
		out = append(out, s.catches[i])
	}
	return out
}

// PushLoop registers a loop's break and continue targets under the
// statement's identity.
func (s *Stack) PushLoop(stmt ast.Stmt, breakBlock, contBlock *ir.Block) {
	s.loops = append(s.loops, loopTarget{
		stmt:         ast.Unwrap(stmt),
		breakBlock:   breakBlock,
		contBlock:    contBlock,
		cleanupDepth: s.CleanupMark(),
	})
}

// PushBreakOnly registers a switch: a break target with no continue.
func (s *Stack) PushBreakOnly(stmt ast.Stmt, breakBlock *ir.Block) {
	s.PushLoop(stmt, breakBlock, nil)
}

func (s *Stack) PopLoop() {
	s.loops = s.loops[:len(s.loops)-1]
}

// BreakTarget resolves a break. A nil stmt means the nearest enclosing
// breakable statement; otherwise the statement must be on the stack.
func (s *Stack) BreakTarget(stmt ast.Stmt, loc ast.Loc) (*ir.Block, Mark, error) {
	if stmt == nil {
		if len(s.loops) == 0 {
			return nil, 0, diag.ICEf(loc, "break outside of any loop or switch")
		}
		t := s.loops[len(s.loops)-1]
		return t.breakBlock, t.cleanupDepth, nil
	}
	want := ast.Unwrap(stmt)
	for i := len(s.loops) - 1; i >= 0; i-- {
		if s.loops[i].stmt == want {
			return s.loops[i].breakBlock, s.loops[i].cleanupDepth, nil
		}
	}
	return nil, 0, diag.ICEf(loc, "labeled break target is not an enclosing statement")
}

// ContinueTarget resolves a continue; switches are skipped since they
// are not continuable.
func (s *Stack) ContinueTarget(stmt ast.Stmt, loc ast.Loc) (*ir.Block, Mark, error) {
	if stmt == nil {
		for i := len(s.loops) - 1; i >= 0; i-- {
			if s.loops[i].contBlock != nil {
				return s.loops[i].contBlock, s.loops[i].cleanupDepth, nil
			}
		}
		return nil, 0, diag.ICEf(loc, "continue outside of any loop")
	}
	want := ast.Unwrap(stmt)
	for i := len(s.loops) - 1; i >= 0; i-- {
		if s.loops[i].stmt == want && s.loops[i].contBlock != nil {
			return s.loops[i].contBlock, s.loops[i].cleanupDepth, nil
		}
	}
	return nil, 0, diag.ICEf(loc, "labeled continue target is not an enclosing loop")
}

// LabelBlock returns the block for a label, creating it on first use so
// forward gotos have something to aim at.
func (s *Stack) LabelBlock(name string, mk func(string) *ir.Block) *ir.Block {
	t := s.labels[name]
	if t == nil {
		t = &labelTarget{block: mk("label." + name)}
		s.labels[name] = t
	}
	return t.block
}

// DefineLabel marks a label's block as reached in lowering order and
// resolves any forward gotos recorded against it.
func (s *Stack) DefineLabel(name string, mk func(string) *ir.Block) (*ir.Block, error) {
	b := s.LabelBlock(name, mk)
	t := s.labels[name]
	t.defined = true
	t.depth = s.CleanupMark()
	for _, p := range t.pending {
		if p.depth < t.depth {
			return nil, diag.ICEf(p.loc, "goto %s jumps into a protected region", name)
		}
		s.RunCleanups(p.src, t.depth, b)
	}
	t.pending = nil
	return b, nil
}

// Goto transfers control from src to the named label, running the
// cleanups between when the label is already defined and deferring the
// wiring otherwise.
func (s *Stack) Goto(src *ir.Block, name string, loc ast.Loc, mk func(string) *ir.Block) error {
	b := s.LabelBlock(name, mk)
	t := s.labels[name]
	if t.defined {
		if s.CleanupMark() < t.depth {
			return diag.ICEf(loc, "goto %s jumps into a protected region", name)
		}
		s.RunCleanups(src, t.depth, b)
		return nil
	}
	t.pending = append(t.pending, pendingGoto{src: src, depth: s.CleanupMark(), loc: loc})
	return nil
}

// Finalize verifies that every referenced label was defined.
func (s *Stack) Finalize() error {
	for name, t := range s.labels {
		if !t.defined {
			loc := ast.Loc{}
			if len(t.pending) > 0 {
				loc = t.pending[0].loc
			}
			return diag.ICEf(loc, "goto to undefined label %s", name)
		}
	}
	return nil
}

// PushFunclet/PopFunclet track the innermost funclet pad for the
// Windows-style EH strategy; calls lowered inside a handler carry it as
// an operand bundle.
func (s *Stack) PushFunclet(pad value.Value) {
	s.funclets = append(s.funclets, pad)
}

func (s *Stack) PopFunclet() {
	s.funclets = s.funclets[:len(s.funclets)-1]
}

func (s *Stack) CurrentFunclet() value.Value {
	if len(s.funclets) == 0 {
		return nil
	}
	return s.funclets[len(s.funclets)-1]
}
