package lower

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"

	"lowir/internal/ast"
	"lowir/internal/rt"
	"lowir/internal/scopes"
)

// funcletStrategy lowers exception handling in the funclet style: an
// unwinding call enters the try's catch.dispatch block, whose
// catchswitch selects a catchpad; the handler body runs as a funclet
// and leaves through catchret. The runtime writes the exception object
// into a frame slot named by the catchpad, so the handler reads it from
// there instead of calling into the unwinder. Finally bodies pending
// between the call and the dispatch cannot be entered by a branch from
// a pad, so they are lowered again as cleanuppad funclets chained in
// front of the dispatch.
type funcletStrategy struct {
	l        *Lowerer
	dispatch []funcletDispatch
	// chains caches the innermost unwind stop per scope-stack
	// configuration, like the itanium pad cache.
	chains map[uint64]*ir.Block
	// building guards re-entry while a cleanup funclet body is lowered;
	// calls inside it unwind to the part of the chain built so far.
	building  bool
	buildNext *ir.Block
}

type funcletDispatch struct {
	block *ir.Block
	depth scopes.Mark
}

func newFuncletStrategy(l *Lowerer) *funcletStrategy {
	return &funcletStrategy{l: l, chains: map[uint64]*ir.Block{}}
}

func (st *funcletStrategy) UnwindTarget() (*ir.Block, error) {
	l := st.l
	if st.building {
		return st.buildNext, nil
	}
	var outer *ir.Block
	base := scopes.Mark(0)
	if n := len(st.dispatch); n > 0 {
		outer = st.dispatch[n-1].block
		base = st.dispatch[n-1].depth
	}
	top := l.scopes.CleanupMark()
	if top <= base {
		return outer, nil
	}
	if b, ok := st.chains[l.scopes.Version()]; ok {
		return b, nil
	}
	b, err := st.buildCleanupChain(base, top, outer)
	if err != nil {
		return nil, err
	}
	st.chains[l.scopes.Version()] = b
	return b, nil
}

// buildCleanupChain lowers each pending finally body again, as a
// cleanuppad funclet. Unwinding runs them innermost to outermost and
// then reaches the dispatch, or the caller when there is none.
func (st *funcletStrategy) buildCleanupChain(base, top scopes.Mark, outer *ir.Block) (*ir.Block, error) {
	l := st.l
	l.f.Personality = l.rt.Personality()

	var next ir.UnwindTarget = ir.UnwindToCaller{}
	if outer != nil {
		next = outer
	}
	save := l.cur
	st.building = true
	defer func() {
		st.building = false
		st.buildNext = nil
		l.cur = save
	}()

	var bb *ir.Block
	for i := base; i < top; i++ {
		bb = l.newBlock("eh.cleanup")
		var scope ir.ExceptionScope = constant.None
		if pad := l.scopes.CurrentFunclet(); pad != nil {
			scope = pad.(ir.ExceptionScope)
		}
		cp := bb.NewCleanupPad(scope)
		st.buildNext = nil
		if nb, ok := next.(*ir.Block); ok {
			st.buildNext = nb
		}
		l.cur.Set(bb)
		l.scopes.PushFunclet(cp)
		err := l.stmt(l.scopes.CleanupBody(i))
		l.scopes.PopFunclet()
		if err != nil {
			return nil, err
		}
		if !l.cur.Terminated() {
			l.cur.Block().NewCleanupRet(cp, next)
		}
		next = bb
	}
	return bb, nil
}

func (st *funcletStrategy) LowerTryCatch(s *ast.TryCatchStmt) error {
	l := st.l
	l.log.Printw("try/catch statement", "loc", s.L, "handlers", len(s.Catches), "model", "funclet")
	l.f.Personality = l.rt.Personality()
	parentCount := l.est.Current()

	endbb := l.newBlock("try.success.or.caught")
	dispatchbb := l.newBlock("catch.dispatch")

	outerPad := l.scopes.CurrentFunclet()
	// An unmatched exception leaves this dispatch through the cleanups
	// and handlers that surround the try statement itself.
	outerUnwind, err := st.UnwindTarget()
	if err != nil {
		return err
	}

	for i := len(s.Catches) - 1; i >= 0; i-- {
		c := s.Catches[i]
		count, _ := l.est.Count(c)
		l.scopes.PushCatch(scopes.CatchScope{
			TypeDesc: l.typeDesc(c.Type),
			Target:   dispatchbb,
			Count:    count,
		})
	}
	st.dispatch = append(st.dispatch, funcletDispatch{block: dispatchbb, depth: l.scopes.CleanupMark()})
	err = l.stmt(s.Body)
	st.dispatch = st.dispatch[:len(st.dispatch)-1]
	for range s.Catches {
		l.scopes.PopCatch()
	}
	if err != nil {
		return err
	}
	l.br(endbb)

	handlerBlocks := make([]*ir.Block, len(s.Catches))
	for i := range s.Catches {
		handlerBlocks[i] = l.newBlock("catch.pad")
	}
	var scope ir.ExceptionScope = constant.None
	if outerPad != nil {
		scope = outerPad.(ir.ExceptionScope)
	}
	var unwind ir.UnwindTarget = ir.UnwindToCaller{}
	if outerUnwind != nil {
		unwind = outerUnwind
	}
	catchswitch := dispatchbb.NewCatchSwitch(scope, handlerBlocks, unwind)

	save := l.cur
	for i, c := range s.Catches {
		bb := handlerBlocks[i]
		td := l.typeDesc(c.Type)
		if td == nil {
			td = constant.NewNull(rt.BytePtr)
		}
		// The slot lives in the parent frame; writing the caught object
		// through it is what makes the value usable outside the funclet
		// (closures capturing the catch variable included).
		slot := l.entry.NewAlloca(rt.BytePtr)
		slot.SetName("catch.obj")
		pad := bb.NewCatchPad(catchswitch, td, constant.NewInt(types.I32, 0), slot)

		l.scopes.PushFunclet(pad)
		l.cur.Set(bb)
		obj := bb.NewLoad(rt.BytePtr, slot)
		if c.Var != nil {
			bound := l.cur.Block().NewBitCast(obj, TypeOf(c.Var.Type))
			if _, err := l.expr.Bind(&l.cur, c.Var, bound); err != nil {
				l.scopes.PopFunclet()
				return err
			}
		}
		l.est.SetCurrent(c)
		err := l.stmt(c.Handler)
		l.scopes.PopFunclet()
		if err != nil {
			return err
		}
		if !l.cur.Terminated() {
			l.cur.Block().NewCatchRet(pad, endbb)
		}
	}
	l.cur = save
	l.est.SetCurrentCount(parentCount)

	l.moveToEnd(endbb)
	l.cur.Set(endbb)
	return nil
}
