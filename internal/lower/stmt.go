package lower

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"lowir/internal/ast"
	"lowir/internal/diag"
)

// stmt lowers one statement at the cursor. The kind set is closed; an
// implementation the engine does not know is an internal compiler
// error, never silently skipped.
func (l *Lowerer) stmt(s ast.Stmt) error {
	if s == nil {
		return nil
	}
	if loc := s.Pos(); loc.Line > 0 && !l.cur.Terminated() {
		if l.opts.Debug != nil {
			l.opts.Debug.StopPoint(l.cur.Block(), loc)
		}
		if l.opts.Coverage != nil {
			l.opts.Coverage.Cover(l.cur.Block(), loc)
		}
	}
	switch s := s.(type) {
	case *ast.CompoundStmt:
		for _, sub := range s.Stmts {
			if err := l.stmt(sub); err != nil {
				return err
			}
		}
		return nil
	case *ast.ScopeStmt:
		return l.stmt(s.S)
	case *ast.ExpStmt:
		if s.X == nil {
			return nil
		}
		_, err := l.expr.Value(&l.cur, s.X)
		return err
	case *ast.DeclStmt:
		_, err := l.expr.Declare(&l.cur, s.V, s.Init)
		return err
	case *ast.IfStmt:
		return l.ifStmt(s)
	case *ast.WhileStmt:
		return l.whileStmt(s)
	case *ast.DoWhileStmt:
		return l.doWhileStmt(s)
	case *ast.ForStmt:
		return l.forStmt(s)
	case *ast.ForeachStmt:
		return l.foreachStmt(s)
	case *ast.ForeachRangeStmt:
		return l.foreachRangeStmt(s)
	case *ast.UnrolledLoopStmt:
		return l.unrolledLoopStmt(s)
	case *ast.BreakStmt:
		return l.breakStmt(s)
	case *ast.ContinueStmt:
		return l.continueStmt(s)
	case *ast.ReturnStmt:
		return l.returnStmt(s)
	case *ast.TryFinallyStmt:
		return l.tryFinallyStmt(s)
	case *ast.TryCatchStmt:
		return l.eh.LowerTryCatch(s)
	case *ast.ThrowStmt:
		return l.throwStmt(s)
	case *ast.SwitchStmt:
		return l.switchStmt(s)
	case *ast.CaseStmt:
		return l.caseStmt(s)
	case *ast.DefaultStmt:
		return l.defaultStmt(s)
	case *ast.LabelStmt:
		return l.labelStmt(s)
	case *ast.GotoStmt:
		return l.gotoStmt(s)
	case *ast.GotoCaseStmt:
		return l.gotoCaseStmt(s)
	case *ast.GotoDefaultStmt:
		return l.gotoDefaultStmt(s)
	case *ast.SwitchErrorStmt:
		return l.switchErrorStmt(s)
	default:
		return diag.ICEf(s.Pos(), "unhandled statement kind %s", stmtKind(s))
	}
}

func (l *Lowerer) ifStmt(s *ast.IfStmt) error {
	l.log.Printw("if statement", "loc", s.L)
	parent := l.est.Current()
	if s.Match != nil {
		if _, err := l.expr.Declare(&l.cur, s.Match.V, s.Match.Init); err != nil {
			return err
		}
	}
	cond, err := l.expr.Bool(&l.cur, s.Cond)
	if err != nil {
		return err
	}
	thenbb := l.newBlock("if")
	var elsebb *ir.Block
	if s.Else != nil {
		elsebb = l.newBlock("else")
	}
	endbb := l.newBlock("endif")
	if elsebb == nil {
		elsebb = endbb
	}
	condbr := l.cur.Block().NewCondBr(cond, thenbb, elsebb)
	if att := l.est.IfWeights(s); att != nil {
		condbr.Metadata = append(condbr.Metadata, att)
	}

	l.cur.Set(thenbb)
	l.est.SetCurrent(s)
	if err := l.stmt(s.Then); err != nil {
		return err
	}
	l.br(endbb)

	if s.Else != nil {
		l.cur.Set(elsebb)
		if then, ok := l.est.Count(s); ok {
			if then > parent {
				then = parent
			}
			l.est.SetCurrentCount(parent - then)
		}
		if err := l.stmt(s.Else); err != nil {
			return err
		}
		l.br(endbb)
	}
	l.est.SetCurrentCount(parent)
	l.cur.Set(endbb)
	return nil
}

func (l *Lowerer) breakStmt(s *ast.BreakStmt) error {
	// Two terminators in a row can only happen in code the front end
	// already proved dead; drop the jump.
	if l.cur.Terminated() {
		return nil
	}
	target, mark, err := l.scopes.BreakTarget(s.Target, s.L)
	if err != nil {
		return err
	}
	l.scopes.RunCleanups(l.cur.Block(), mark, target)
	l.cur.Set(l.newBlock("afterbreak"))
	return nil
}

func (l *Lowerer) continueStmt(s *ast.ContinueStmt) error {
	if l.cur.Terminated() {
		return nil
	}
	target, mark, err := l.scopes.ContinueTarget(s.Target, s.L)
	if err != nil {
		return err
	}
	l.scopes.RunCleanups(l.cur.Block(), mark, target)
	l.cur.Set(l.newBlock("aftercontinue"))
	return nil
}

func (l *Lowerer) returnStmt(s *ast.ReturnStmt) error {
	l.log.Printw("return statement", "loc", s.L)
	ret := l.abi.ReturnType()
	isVoid := ret.Equal(types.Void)
	var retVal value.Value
	switch {
	case s.X != nil:
		v, err := l.expr.Value(&l.cur, s.X)
		if err != nil {
			return err
		}
		switch {
		case l.abi.SretSlot() != nil:
			l.cur.Block().NewStore(v, l.abi.SretSlot())
		case isVoid:
			// Entry points declared without a result still evaluate the
			// expression for its effects and return the zero value.
			if l.abi.IsEntryPoint() {
				retVal = l.entryReturnValue()
			}
		default:
			if retVal, err = l.abi.TransformRet(l.cur.Block(), v); err != nil {
				return err
			}
		}
	case l.abi.SretSlot() == nil && l.abi.IsEntryPoint():
		retVal = l.entryReturnValue()
	case !isVoid && l.abi.SretSlot() == nil:
		return diag.ICEf(s.L, "value-less return in non-void function")
	}

	if l.scopes.CleanupMark() > 0 {
		rb := l.sharedReturnBlock(retVal)
		if retVal != nil {
			l.cur.Block().NewStore(retVal, l.retSlot)
		}
		l.scopes.RunAllCleanups(l.cur.Block(), rb)
	} else {
		l.cur.Block().NewRet(retVal)
	}
	// Keep the cursor valid; a label or dead code may follow the
	// return.
	l.cur.Set(l.newBlock("afterreturn"))
	return nil
}

// sharedReturnBlock is the single function exit used by returns that
// must run cleanups first: the value travels through a slot, the
// cleanup chain ends here.
func (l *Lowerer) sharedReturnBlock(retVal value.Value) *ir.Block {
	if l.retBlock != nil {
		return l.retBlock
	}
	l.retBlock = l.newBlock("return")
	if retVal != nil {
		slot := l.entry.NewAlloca(retVal.Type())
		slot.SetName("retval")
		l.retSlot = slot
		v := l.retBlock.NewLoad(retVal.Type(), slot)
		l.retBlock.NewRet(v)
	} else {
		l.retBlock.NewRet(nil)
	}
	return l.retBlock
}

func (l *Lowerer) throwStmt(s *ast.ThrowStmt) error {
	l.log.Printw("throw statement", "loc", s.L)
	v, err := l.expr.Value(&l.cur, s.X)
	if err != nil {
		return err
	}
	if _, err := l.callOrInvoke(l.rt.Throw(), l.toBytePtr(v)); err != nil {
		return err
	}
	if !l.cur.Terminated() {
		l.cur.Block().NewUnreachable()
	}
	l.cur.Set(l.newBlock("afterthrow"))
	return nil
}

func (l *Lowerer) labelStmt(s *ast.LabelStmt) error {
	b, err := l.scopes.DefineLabel(s.Name, l.newBlock)
	if err != nil {
		return err
	}
	l.br(b)
	l.cur.Set(b)
	l.est.SetCurrent(s)
	return l.stmt(s.S)
}

func (l *Lowerer) gotoStmt(s *ast.GotoStmt) error {
	if l.cur.Terminated() {
		return nil
	}
	if err := l.scopes.Goto(l.cur.Block(), s.Label, s.L, l.newBlock); err != nil {
		return err
	}
	l.cur.Set(l.newBlock("aftergoto"))
	return nil
}

func (l *Lowerer) switchErrorStmt(s *ast.SwitchErrorStmt) error {
	if _, err := l.callOrInvoke(l.rt.SwitchError()); err != nil {
		return err
	}
	if !l.cur.Terminated() {
		l.cur.Block().NewUnreachable()
	}
	l.cur.Set(l.newBlock("afterswitcherror"))
	return nil
}

// tryFinallyStmt lowers the finally body once, up front, and registers
// it as a cleanup; every exit out of the try body (fallthrough, break,
// return, goto, unwind dispatch) is threaded through it by the scope
// stack.
func (l *Lowerer) tryFinallyStmt(s *ast.TryFinallyStmt) error {
	l.log.Printw("try/finally statement", "loc", s.L)
	if s.Finally == nil {
		return l.stmt(s.Body)
	}
	if s.Body == nil {
		return l.stmt(s.Finally)
	}

	finallybb := l.newBlock("finally")
	resume := l.cur
	l.cur.Set(finallybb)
	if err := l.stmt(s.Finally); err != nil {
		return err
	}
	finallyEnd := l.cur.Block()
	l.cur = resume

	mark := l.scopes.CleanupMark()
	l.scopes.PushCleanup(finallybb, finallyEnd, s.Finally)

	if err := l.stmt(s.Body); err != nil {
		return err
	}

	successbb := l.newBlock("try.success")
	if !l.cur.Terminated() {
		l.scopes.RunCleanups(l.cur.Block(), mark, successbb)
	}
	l.scopes.PopCleanups(mark, l.newBlock)
	l.cur.Set(successbb)
	return nil
}
