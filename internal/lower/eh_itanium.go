package lower

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"

	"lowir/internal/ast"
	"lowir/internal/rt"
	"lowir/internal/scopes"
)

// itaniumStrategy lowers exception handling onto landing pads: the
// personality delivers an (exception pointer, type selector) pair, the
// pad compares the selector against llvm.eh.typeid.for of each active
// handler's descriptor, and an unmatched exception resumes unwinding
// after replaying pending cleanups.
type itaniumStrategy struct {
	l         *Lowerer
	ehPtrSlot *ir.InstAlloca
	// pads caches the dispatch block per scope-stack configuration;
	// any catch or cleanup push/pop invalidates by bumping the version.
	pads map[uint64]*ir.Block
}

func newItaniumStrategy(l *Lowerer) *itaniumStrategy {
	return &itaniumStrategy{l: l, pads: map[uint64]*ir.Block{}}
}

// ehSlot is the per-function spill slot carrying the exception pointer
// from the landing pad to the handler preamble.
func (st *itaniumStrategy) ehSlot() *ir.InstAlloca {
	if st.ehPtrSlot == nil {
		st.ehPtrSlot = st.l.entry.NewAlloca(rt.BytePtr)
		st.ehPtrSlot.SetName("eh.ptr")
	}
	return st.ehPtrSlot
}

func (st *itaniumStrategy) UnwindTarget() (*ir.Block, error) {
	l := st.l
	catches := l.scopes.ActiveCatches()
	if len(catches) == 0 && l.scopes.CleanupMark() == 0 {
		return nil, nil
	}
	if b, ok := st.pads[l.scopes.Version()]; ok {
		return b, nil
	}
	b := st.buildLandingPad(catches)
	st.pads[l.scopes.Version()] = b
	return b, nil
}

func (st *itaniumStrategy) buildLandingPad(catches []scopes.CatchScope) *ir.Block {
	l := st.l
	l.f.Personality = l.rt.Personality()
	mark := l.scopes.CleanupMark()

	pad := l.newBlock("landingpad")
	clauses := make([]*ir.Clause, 0, len(catches))
	for _, c := range catches {
		td := c.TypeDesc
		if td == nil {
			td = constant.NewNull(rt.BytePtr)
		}
		clauses = append(clauses, ir.NewClause(enum.ClauseTypeCatch, td))
	}
	lp := pad.NewLandingPad(rt.LandingPadResult, clauses...)
	if mark > 0 {
		lp.Cleanup = true
	}
	ehptr := pad.NewExtractValue(lp, 0)
	sel := pad.NewExtractValue(lp, 1)
	pad.NewStore(ehptr, st.ehSlot())

	var remaining uint64
	for _, c := range catches {
		remaining += c.Count
	}

	cur := pad
	for _, c := range catches {
		enter := c.Target
		if mark > c.CleanupDepth {
			bridge := l.newBlock("eh.unwind")
			l.scopes.RunCleanups(bridge, c.CleanupDepth, c.Target)
			enter = bridge
		}
		if c.TypeDesc == nil {
			cur.NewBr(enter)
			return pad
		}
		tid := cur.NewCall(l.rt.TypeIDFor(), c.TypeDesc)
		match := cur.NewICmp(enum.IPredEQ, sel, tid)
		next := l.newBlock("eh.next")
		remaining -= c.Count
		condBr(cur, match, enter, next, l.est.Pair(c.Count, remaining))
		cur = next
	}

	// Nothing matched: keep unwinding, running pending cleanups on the
	// way out.
	if mark > 0 {
		resume := l.newBlock("eh.resume")
		resume.NewResume(lp)
		l.scopes.RunCleanups(cur, 0, resume)
	} else {
		cur.NewResume(lp)
	}
	return pad
}

func (st *itaniumStrategy) LowerTryCatch(s *ast.TryCatchStmt) error {
	l := st.l
	l.log.Printw("try/catch statement", "loc", s.L, "handlers", len(s.Catches), "model", "itanium")
	parentCount := l.est.Current()
	endbb := l.newBlock("try.success.or.caught")

	// Handler bodies are lowered before the try body; an exception
	// thrown inside a handler therefore unwinds to the surrounding
	// scopes, never back into this try.
	type loweredHandler struct {
		c     *ast.Catch
		entry *ir.Block
		count uint64
	}
	handlers := make([]loweredHandler, 0, len(s.Catches))
	save := l.cur
	for _, c := range s.Catches {
		bb := l.newBlock("catch")
		l.cur.Set(bb)
		eh := bb.NewLoad(rt.BytePtr, st.ehSlot())
		obj := bb.NewCall(l.rt.EnterCatch(), eh)
		if c.Var != nil {
			bound := bb.NewBitCast(obj, TypeOf(c.Var.Type))
			if _, err := l.expr.Bind(&l.cur, c.Var, bound); err != nil {
				return err
			}
		}
		count, _ := l.est.Count(c)
		l.est.SetCurrent(c)
		if err := l.stmt(c.Handler); err != nil {
			return err
		}
		l.br(endbb)
		handlers = append(handlers, loweredHandler{c: c, entry: bb, count: count})
	}
	l.cur = save
	l.est.SetCurrentCount(parentCount)

	// Activate in reverse so the stack walks in source order.
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		l.scopes.PushCatch(scopes.CatchScope{
			TypeDesc: l.typeDesc(h.c.Type),
			Target:   h.entry,
			Count:    h.count,
		})
	}
	err := l.stmt(s.Body)
	for range handlers {
		l.scopes.PopCatch()
	}
	if err != nil {
		return err
	}
	l.br(endbb)

	l.moveToEnd(endbb)
	l.cur.Set(endbb)
	l.est.SetCurrentCount(parentCount)
	return nil
}
