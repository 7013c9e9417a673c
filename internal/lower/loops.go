package lower

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/metadata"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"lowir/internal/ast"
)

// condBr emits a conditional branch with optional branch weights.
func condBr(b *ir.Block, cond value.Value, t, f *ir.Block, att *metadata.Attachment) {
	br := b.NewCondBr(cond, t, f)
	if att != nil {
		br.Metadata = append(br.Metadata, att)
	}
}

func (l *Lowerer) whileStmt(s *ast.WhileStmt) error {
	l.log.Printw("while statement", "loc", s.L)
	entryCount := l.est.Current()

	condbb := l.newBlock("whilecond")
	bodybb := l.newBlock("whilebody")
	endbb := l.newBlock("endwhile")

	l.br(condbb)
	l.cur.Set(condbb)
	cond, err := l.expr.Bool(&l.cur, s.Cond)
	if err != nil {
		return err
	}
	condBr(l.cur.Block(), cond, bodybb, endbb, l.est.LoopWeights(s, entryCount))

	l.cur.Set(bodybb)
	l.est.SetCurrent(s)
	l.scopes.PushLoop(s, endbb, condbb)
	err = l.stmt(s.Body)
	l.scopes.PopLoop()
	if err != nil {
		return err
	}
	l.br(condbb)

	l.cur.Set(endbb)
	l.est.SetCurrentCount(entryCount)
	return nil
}

func (l *Lowerer) doWhileStmt(s *ast.DoWhileStmt) error {
	l.log.Printw("do/while statement", "loc", s.L)
	entryCount := l.est.Current()

	bodybb := l.newBlock("dowhile")
	condbb := l.newBlock("dowhilecond")
	endbb := l.newBlock("enddowhile")

	l.br(bodybb)
	l.cur.Set(bodybb)
	l.est.SetCurrent(s)
	l.scopes.PushLoop(s, endbb, condbb)
	err := l.stmt(s.Body)
	l.scopes.PopLoop()
	if err != nil {
		return err
	}
	l.br(condbb)

	l.cur.Set(condbb)
	cond, err := l.expr.Bool(&l.cur, s.Cond)
	if err != nil {
		return err
	}
	// The first trip arrives from above rather than around the
	// backedge, hence the entry-count subtraction in the weights.
	condBr(l.cur.Block(), cond, bodybb, endbb, l.est.PostTestWeights(s, entryCount))

	l.moveToEnd(condbb)
	l.moveToEnd(endbb)
	l.cur.Set(endbb)
	l.est.SetCurrentCount(entryCount)
	return nil
}

func (l *Lowerer) forStmt(s *ast.ForStmt) error {
	l.log.Printw("for statement", "loc", s.L)
	entryCount := l.est.Current()

	if err := l.stmt(s.Init); err != nil {
		return err
	}

	condbb := l.newBlock("forcond")
	bodybb := l.newBlock("forbody")
	incbb := l.newBlock("forinc")
	endbb := l.newBlock("endfor")

	l.br(condbb)
	l.cur.Set(condbb)
	if s.Cond != nil {
		cond, err := l.expr.Bool(&l.cur, s.Cond)
		if err != nil {
			return err
		}
		condBr(l.cur.Block(), cond, bodybb, endbb, l.est.LoopWeights(s, entryCount))
	} else {
		l.cur.Block().NewBr(bodybb)
	}

	l.cur.Set(bodybb)
	l.est.SetCurrent(s)
	// continue re-enters through the increment, never straight to the
	// condition.
	l.scopes.PushLoop(s, endbb, incbb)
	err := l.stmt(s.Body)
	l.scopes.PopLoop()
	if err != nil {
		return err
	}
	l.br(incbb)

	l.moveToEnd(incbb)
	l.cur.Set(incbb)
	if s.Inc != nil {
		if _, err := l.expr.Value(&l.cur, s.Inc); err != nil {
			return err
		}
	}
	l.br(condbb)

	l.moveToEnd(endbb)
	l.cur.Set(endbb)
	l.est.SetCurrentCount(entryCount)
	return nil
}

func (l *Lowerer) foreachStmt(s *ast.ForeachStmt) error {
	l.log.Printw("foreach statement", "loc", s.L, "reverse", s.Reverse)
	entryCount := l.est.Current()

	agg, err := l.expr.Value(&l.cur, s.Aggr)
	if err != nil {
		return err
	}
	length := l.cur.Block().NewExtractValue(agg, 0)
	base := l.cur.Block().NewExtractValue(agg, 1)
	elemTy := TypeOf(s.Value.Type)

	var slot value.Value
	if s.Key != nil {
		if slot, err = l.expr.Declare(&l.cur, s.Key, nil); err != nil {
			return err
		}
	} else {
		a := l.entry.NewAlloca(types.I64)
		a.SetName("foreachkey")
		slot = a
	}
	if s.Reverse {
		l.cur.Block().NewStore(length, slot)
	} else {
		l.cur.Block().NewStore(constant.NewInt(types.I64, 0), slot)
	}

	condbb := l.newBlock("foreachcond")
	bodybb := l.newBlock("foreachbody")
	nextbb := l.newBlock("foreachnext")
	endbb := l.newBlock("endforeach")

	l.cur.Block().NewBr(condbb)
	l.cur.Set(condbb)
	k := condbb.NewLoad(types.I64, slot)
	var cond value.Value
	if s.Reverse {
		cond = condbb.NewICmp(enum.IPredUGT, k, constant.NewInt(types.I64, 0))
	} else {
		cond = condbb.NewICmp(enum.IPredULT, k, length)
	}
	condBr(condbb, cond, bodybb, endbb, l.est.LoopWeights(s, entryCount))

	l.cur.Set(bodybb)
	l.est.SetCurrent(s)
	idx := value.Value(bodybb.NewLoad(types.I64, slot))
	if s.Reverse {
		// Reverse iteration steps the index down on body entry, so the
		// continue edge through foreachnext still advances the loop.
		dec := bodybb.NewSub(idx, constant.NewInt(types.I64, 1))
		bodybb.NewStore(dec, slot)
		idx = dec
	}
	elemPtr := bodybb.NewGetElementPtr(elemTy, base, idx)
	elem := bodybb.NewLoad(elemTy, elemPtr)
	if _, err := l.expr.Bind(&l.cur, s.Value, elem); err != nil {
		return err
	}

	l.scopes.PushLoop(s, endbb, nextbb)
	err = l.stmt(s.Body)
	l.scopes.PopLoop()
	if err != nil {
		return err
	}
	l.br(nextbb)

	l.cur.Set(nextbb)
	if !s.Reverse {
		k := nextbb.NewLoad(types.I64, slot)
		inc := nextbb.NewAdd(k, constant.NewInt(types.I64, 1))
		nextbb.NewStore(inc, slot)
	}
	nextbb.NewBr(condbb)

	l.moveToEnd(endbb)
	l.cur.Set(endbb)
	l.est.SetCurrentCount(entryCount)
	return nil
}

func (l *Lowerer) foreachRangeStmt(s *ast.ForeachRangeStmt) error {
	l.log.Printw("foreach range statement", "loc", s.L, "reverse", s.Reverse)
	entryCount := l.est.Current()

	lo, err := l.expr.Value(&l.cur, s.Lower)
	if err != nil {
		return err
	}
	hi, err := l.expr.Value(&l.cur, s.Upper)
	if err != nil {
		return err
	}
	keyTy := TypeOf(s.Key.Type)
	slot, err := l.expr.Declare(&l.cur, s.Key, nil)
	if err != nil {
		return err
	}
	if s.Reverse {
		l.cur.Block().NewStore(hi, slot)
	} else {
		l.cur.Block().NewStore(lo, slot)
	}
	ltPred, gtPred := intPreds(s.Key.Type)

	condbb := l.newBlock("foreachrangecond")
	bodybb := l.newBlock("foreachrangebody")
	nextbb := l.newBlock("foreachrangenext")
	endbb := l.newBlock("endforeachrange")

	l.cur.Block().NewBr(condbb)
	l.cur.Set(condbb)
	k := condbb.NewLoad(keyTy, slot)
	var cond value.Value
	if s.Reverse {
		cond = condbb.NewICmp(gtPred, k, lo)
	} else {
		cond = condbb.NewICmp(ltPred, k, hi)
	}
	condBr(condbb, cond, bodybb, endbb, l.est.LoopWeights(s, entryCount))

	l.cur.Set(bodybb)
	l.est.SetCurrent(s)
	if s.Reverse {
		kb := bodybb.NewLoad(keyTy, slot)
		one := constant.NewInt(keyTy.(*types.IntType), 1)
		dec := bodybb.NewSub(kb, one)
		bodybb.NewStore(dec, slot)
	}

	l.scopes.PushLoop(s, endbb, nextbb)
	err = l.stmt(s.Body)
	l.scopes.PopLoop()
	if err != nil {
		return err
	}
	l.br(nextbb)

	l.cur.Set(nextbb)
	if !s.Reverse {
		kn := nextbb.NewLoad(keyTy, slot)
		one := constant.NewInt(keyTy.(*types.IntType), 1)
		inc := nextbb.NewAdd(kn, one)
		nextbb.NewStore(inc, slot)
	}
	nextbb.NewBr(condbb)

	l.moveToEnd(endbb)
	l.cur.Set(endbb)
	l.est.SetCurrentCount(entryCount)
	return nil
}

// unrolledLoopStmt lowers an already-unrolled loop: one block per
// former iteration, continue advancing to the next iteration's block
// and break leaving the whole statement.
func (l *Lowerer) unrolledLoopStmt(s *ast.UnrolledLoopStmt) error {
	l.log.Printw("unrolled loop statement", "loc", s.L, "iterations", len(s.Stmts))
	endbb := l.newBlock("unrolledend")
	blocks := make([]*ir.Block, len(s.Stmts)+1)
	for i := range s.Stmts {
		blocks[i] = l.newBlock("unrolledstmt")
	}
	blocks[len(s.Stmts)] = endbb

	l.br(blocks[0])
	for i, sub := range s.Stmts {
		l.cur.Set(blocks[i])
		l.scopes.PushLoop(s, endbb, blocks[i+1])
		err := l.stmt(sub)
		l.scopes.PopLoop()
		if err != nil {
			return err
		}
		l.br(blocks[i+1])
	}

	l.moveToEnd(endbb)
	l.cur.Set(endbb)
	return nil
}
