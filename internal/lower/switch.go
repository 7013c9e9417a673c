package lower

import (
	"fmt"
	"sort"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"lowir/internal/ast"
	"lowir/internal/diag"
	"lowir/internal/rt"
	"lowir/internal/scopes"
)

func (l *Lowerer) caseScratchFor(n ast.Stmt) *caseScratch {
	sc := l.caseState[n]
	if sc == nil {
		sc = &caseScratch{}
		l.caseState[n] = sc
	}
	return sc
}

// caseBlock returns the body block of a case or default, creating it on
// first demand (a goto case may need it before the case is reached in
// the body walk).
func (l *Lowerer) caseBlock(n ast.Stmt, name string) *ir.Block {
	sc := l.caseScratchFor(n)
	if sc.body == nil {
		sc.body = l.newBlock(name)
	}
	return sc.body
}

// switchStmt evaluates the discriminant, lowers the body (cases claim
// their blocks as they are reached), and only then emits the dispatch
// into the block the discriminant was computed in. Three dispatch
// forms: a native switch for all-constant integral cases, a sequential
// compare chain when any case is run-time, and a runtime table lookup
// for strings.
func (l *Lowerer) switchStmt(s *ast.SwitchStmt) error {
	l.log.Printw("switch statement", "loc", s.L, "cases", len(s.Cases))
	entryCount := l.est.Current()
	mark := l.scopes.CleanupMark()

	_, isString := s.CondType.(*ast.StringType)
	allConst := true
	for _, cs := range s.Cases {
		if c, ok := l.expr.Const(cs.X); ok {
			l.caseScratchFor(cs).key = c
		} else {
			allConst = false
		}
	}

	condVal, err := l.expr.Value(&l.cur, s.Cond)
	if err != nil {
		return err
	}
	dispatchbb := l.cur.Block()

	endbb := l.newBlock("endswitch")
	l.switchState[s] = &switchScratch{endBlock: endbb, cleanupMark: mark}

	// Staging block for the body walk; dispatch targets the case blocks
	// directly, so nothing ever branches here and it is removed once the
	// dispatch is emitted.
	bodybb := l.newBlock("switchbody")
	l.cur.Set(bodybb)
	l.scopes.PushBreakOnly(s, endbb)
	err = l.stmt(s.Body)
	l.scopes.PopLoop()
	if err != nil {
		return err
	}
	l.br(endbb)

	defaultTarget := endbb
	if s.Default != nil {
		sc := l.caseState[s.Default]
		if sc == nil || sc.body == nil {
			return diag.ICEf(s.Default.L, "default clause missing from switch body")
		}
		defaultTarget = l.dispatchTarget(s.Default, sc.body, "defaultcntr")
	}

	switch {
	case isString:
		err = l.stringDispatch(s, dispatchbb, condVal, defaultTarget)
	case allConst:
		err = l.tableDispatch(s, dispatchbb, condVal, defaultTarget)
	default:
		err = l.chainDispatch(s, dispatchbb, condVal, defaultTarget)
	}
	if err != nil {
		return err
	}

	l.removeBlock(bodybb)
	l.moveToEnd(endbb)
	l.cur.Set(endbb)
	l.est.SetCurrentCount(entryCount)

	// Clear the scratch so the same tree can be lowered again.
	delete(l.switchState, s)
	for _, cs := range s.Cases {
		delete(l.caseState, cs)
	}
	if s.Default != nil {
		delete(l.caseState, s.Default)
	}
	return nil
}

// dispatchTarget wraps a dispatch edge in a counter block during
// instrumentation builds, so dispatch arrivals are counted separately
// from fallthrough.
func (l *Lowerer) dispatchTarget(n ast.Node, body *ir.Block, name string) *ir.Block {
	if l.opts.Instrument == nil {
		return body
	}
	cntr := l.newBlock(name)
	l.opts.Instrument.CounterIncrement(cntr, n)
	cntr.NewBr(body)
	return cntr
}

func (l *Lowerer) loweredCaseBlock(cs *ast.CaseStmt) (*ir.Block, error) {
	sc := l.caseState[cs]
	if sc == nil || sc.body == nil {
		return nil, diag.ICEf(cs.L, "case clause missing from switch body")
	}
	return sc.body, nil
}

func (l *Lowerer) tableDispatch(s *ast.SwitchStmt, dispatchbb *ir.Block, condVal value.Value, defaultTarget *ir.Block) error {
	cases := make([]*ir.Case, 0, len(s.Cases))
	for _, cs := range s.Cases {
		body, err := l.loweredCaseBlock(cs)
		if err != nil {
			return err
		}
		key, ok := l.caseScratchFor(cs).key.(*constant.Int)
		if !ok {
			return diag.ICEf(cs.L, "non-constant case expression in jump-table dispatch")
		}
		cases = append(cases, ir.NewCase(key, l.dispatchTarget(cs, body, "casecntr")))
	}
	term := dispatchbb.NewSwitch(condVal, defaultTarget, cases...)
	if att := l.est.SwitchWeights(s); att != nil {
		term.Metadata = append(term.Metadata, att)
	}
	return nil
}

// chainDispatch compares the discriminant against each case in source
// order. Run-time case expressions are evaluated here, in dispatch
// order, not where the case sits in the body.
func (l *Lowerer) chainDispatch(s *ast.SwitchStmt, dispatchbb *ir.Block, condVal value.Value, defaultTarget *ir.Block) error {
	chain := l.est.NewCompareChain()
	l.cur.Set(dispatchbb)
	for _, cs := range s.Cases {
		body, err := l.loweredCaseBlock(cs)
		if err != nil {
			return err
		}
		var caseVal value.Value
		if key := l.caseScratchFor(cs).key; key != nil {
			caseVal = key
		} else if caseVal, err = l.expr.Value(&l.cur, cs.X); err != nil {
			return err
		}
		b := l.cur.Block()
		cmp := b.NewICmp(enum.IPredEQ, condVal, caseVal)
		next := l.newBlock("casecmp")
		condBr(b, cmp, l.dispatchTarget(cs, body, "casecntr"), next, chain.Next(cs))
		l.cur.Set(next)
	}
	l.cur.Block().NewBr(defaultTarget)
	return nil
}

// stringDispatch sorts the case strings, materializes a constant
// (length, pointer) table in sorted order, and switches on the table
// index the runtime helper returns. -1 (no match) falls into default.
func (l *Lowerer) stringDispatch(s *ast.SwitchStmt, dispatchbb *ir.Block, condVal value.Value, defaultTarget *ir.Block) error {
	st, ok := s.CondType.(*ast.StringType)
	if !ok {
		return diag.ICEf(s.L, "string dispatch over non-string discriminant")
	}
	width := rt.CharWidth(st.CharBytes)

	type tableEntry struct {
		lit string
		cs  *ast.CaseStmt
	}
	entries := make([]tableEntry, 0, len(s.Cases))
	for _, cs := range s.Cases {
		lit, w, ok := l.expr.StringLit(cs.X)
		if !ok {
			return diag.ICEf(cs.L, "non-literal case expression in string switch")
		}
		if w != width {
			return diag.ICEf(cs.L, "case literal width %d does not match switch width %d", w, width)
		}
		entries = append(entries, tableEntry{lit: lit, cs: cs})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].lit < entries[j].lit })

	entryTy := types.NewStruct(types.I64, rt.BytePtr)
	elems := make([]constant.Constant, 0, len(entries))
	for _, e := range entries {
		data := constant.NewCharArrayFromString(e.lit)
		strGlobal := l.m.NewGlobalDef(fmt.Sprintf("switch.str.%d", len(l.m.Globals)), data)
		strGlobal.Immutable = true
		elems = append(elems, constant.NewStruct(entryTy,
			constant.NewInt(types.I64, int64(len(e.lit)/int(width))),
			constant.NewBitCast(strGlobal, rt.BytePtr)))
	}
	tableTy := types.NewArray(uint64(len(elems)), entryTy)
	table := l.m.NewGlobalDef(fmt.Sprintf("switch.table.%d", len(l.m.Globals)),
		constant.NewArray(tableTy, elems...))
	table.Immutable = true

	l.cur.Set(dispatchbb)
	strLen := dispatchbb.NewExtractValue(condVal, 0)
	strPtr := dispatchbb.NewExtractValue(condVal, 1)
	idx, err := l.callOrInvoke(l.rt.StringSwitch(width),
		constant.NewBitCast(table, rt.BytePtr),
		constant.NewInt(types.I64, int64(len(elems))),
		strPtr, strLen)
	if err != nil {
		return err
	}

	cases := make([]*ir.Case, 0, len(entries))
	counts := make([]uint64, 0, len(entries)+1)
	var defCount uint64
	if s.Default != nil {
		defCount, _ = l.est.Count(s.Default)
	}
	counts = append(counts, defCount)
	for i, e := range entries {
		body, err := l.loweredCaseBlock(e.cs)
		if err != nil {
			return err
		}
		cases = append(cases, ir.NewCase(constant.NewInt(types.I32, int64(i)),
			l.dispatchTarget(e.cs, body, "casecntr")))
		c, _ := l.est.Count(e.cs)
		counts = append(counts, c)
	}
	term := l.cur.Block().NewSwitch(idx, defaultTarget, cases...)
	if att := l.est.Weights(counts); att != nil {
		term.Metadata = append(term.Metadata, att)
	}
	return nil
}

func (l *Lowerer) caseStmt(cs *ast.CaseStmt) error {
	body := l.caseBlock(cs, "case")
	// Fallthrough from the statements before this case bridges into
	// the case body.
	l.br(body)
	l.cur.Set(body)
	l.est.SetCurrent(cs)
	return l.stmt(cs.Body)
}

func (l *Lowerer) defaultStmt(ds *ast.DefaultStmt) error {
	body := l.caseBlock(ds, "default")
	l.br(body)
	l.cur.Set(body)
	l.est.SetCurrent(ds)
	return l.stmt(ds.Body)
}

func (l *Lowerer) gotoCaseStmt(s *ast.GotoCaseStmt) error {
	if l.cur.Terminated() {
		return nil
	}
	if s.Case == nil {
		return diag.ICEf(s.L, "goto case with no enclosing switch")
	}
	mark, err := l.owningSwitchMark(s.Case, s.L)
	if err != nil {
		return err
	}
	body := l.caseBlock(s.Case, "case")
	l.scopes.RunCleanups(l.cur.Block(), mark, body)
	l.cur.Set(l.newBlock("aftergoto"))
	return nil
}

func (l *Lowerer) gotoDefaultStmt(s *ast.GotoDefaultStmt) error {
	if l.cur.Terminated() {
		return nil
	}
	if s.Sw == nil {
		return diag.ICEf(s.L, "goto default with no enclosing switch")
	}
	st := l.switchState[s.Sw]
	if st == nil {
		return diag.ICEf(s.L, "goto default target switch is not being lowered")
	}
	if s.Sw.Default == nil {
		return diag.ICEf(s.L, "goto default in a switch without a default clause")
	}
	body := l.caseBlock(s.Sw.Default, "default")
	l.scopes.RunCleanups(l.cur.Block(), st.cleanupMark, body)
	l.cur.Set(l.newBlock("aftergoto"))
	return nil
}

func (l *Lowerer) owningSwitchMark(cs *ast.CaseStmt, loc ast.Loc) (mark scopes.Mark, err error) {
	for sw, st := range l.switchState {
		for _, c := range sw.Cases {
			if c == cs {
				return st.cleanupMark, nil
			}
		}
	}
	return 0, diag.ICEf(loc, "goto case target is not part of an enclosing switch")
}
