package lower_test

import (
	"strings"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"

	"lowir/internal/ast"
	"lowir/internal/diag"
	"lowir/internal/lower"
	"lowir/internal/minexpr"
)

var i64 = &ast.IntType{Bits: 64}

func mustLower(t *testing.T, m *ir.Module, f *ir.Func, body ast.Stmt, x *minexpr.Lowerer, abi lower.FuncABI, opts lower.Options) {
	t.Helper()
	if err := lower.Function(m, f, body, x, abi, opts); err != nil {
		t.Fatalf("lower %s: %v", f.Name(), err)
	}
}

// checkTerminated asserts that every block of f carries exactly one
// terminator; the engine must never leave a dangling block behind.
func checkTerminated(t *testing.T, f *ir.Func) {
	t.Helper()
	for _, b := range f.Blocks {
		if b.Term == nil {
			t.Fatalf("block %s of %s has no terminator", b.Name(), f.Name())
		}
	}
}

func findBlock(t *testing.T, f *ir.Func, name string) *ir.Block {
	t.Helper()
	for _, b := range f.Blocks {
		if b.Name() == name {
			return b
		}
	}
	t.Fatalf("no block named %s in %s; have %v", name, f.Name(), blockNames(f))
	return nil
}

func blockNames(f *ir.Func) []string {
	names := make([]string, 0, len(f.Blocks))
	for _, b := range f.Blocks {
		names = append(names, b.Name())
	}
	return names
}

func TestWhileBreakContinue(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.I64, ir.NewParam("n", types.I64))
	x := minexpr.New(m)

	i := &ast.Var{Name: "i", Type: i64}
	loop := &ast.WhileStmt{
		Cond: &minexpr.Bin{Op: "<", X: &minexpr.VarRef{V: i}, Y: &minexpr.Raw{V: f.Params[0]}},
		Body: &ast.CompoundStmt{Stmts: []ast.Stmt{
			&ast.ExpStmt{X: &minexpr.Assign{V: i,
				X: &minexpr.Bin{Op: "+", X: &minexpr.VarRef{V: i}, Y: &minexpr.IntLit{Val: 1}}}},
			&ast.IfStmt{
				Cond: &minexpr.Bin{Op: "==", X: &minexpr.VarRef{V: i}, Y: &minexpr.IntLit{Val: 1}},
				Then: &ast.ContinueStmt{},
			},
			&ast.IfStmt{
				Cond: &minexpr.Bin{Op: "==", X: &minexpr.VarRef{V: i}, Y: &minexpr.IntLit{Val: 2}},
				Then: &ast.BreakStmt{},
			},
		}},
	}
	body := &ast.CompoundStmt{Stmts: []ast.Stmt{
		&ast.DeclStmt{V: i, Init: &minexpr.IntLit{Val: 0}},
		loop,
		&ast.ReturnStmt{X: &minexpr.VarRef{V: i}},
	}}
	mustLower(t, m, f, body, x, &minexpr.ABI{Ret: types.I64}, lower.Options{})
	checkTerminated(t, f)

	s := m.String()
	for _, sub := range []string{"whilecond", "whilebody", "endwhile"} {
		if !strings.Contains(s, sub) {
			t.Fatalf("expected IR to contain %q; got:\n%s", sub, s)
		}
	}
	// Backedge plus continue: at least two branches into the condition.
	if strings.Count(s, "br label %whilecond") < 2 {
		t.Fatalf("expected at least 2 branches to whilecond; got:\n%s", s)
	}
	if strings.Count(s, "br label %endwhile") < 1 {
		t.Fatalf("expected break branch to endwhile; got:\n%s", s)
	}
}

func TestForContinueTargetsIncrement(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.I64, ir.NewParam("n", types.I64))
	x := minexpr.New(m)

	i := &ast.Var{Name: "i", Type: i64}
	loop := &ast.ForStmt{
		Init: &ast.DeclStmt{V: i, Init: &minexpr.IntLit{Val: 0}},
		Cond: &minexpr.Bin{Op: "<", X: &minexpr.VarRef{V: i}, Y: &minexpr.Raw{V: f.Params[0]}},
		Inc: &minexpr.Assign{V: i,
			X: &minexpr.Bin{Op: "+", X: &minexpr.VarRef{V: i}, Y: &minexpr.IntLit{Val: 1}}},
		Body: &ast.IfStmt{
			Cond: &minexpr.Bin{Op: "==", X: &minexpr.VarRef{V: i}, Y: &minexpr.IntLit{Val: 2}},
			Then: &ast.ContinueStmt{},
		},
	}
	mustLower(t, m, f, loop, x, &minexpr.ABI{Ret: types.I64, EntryPoint: true}, lower.Options{})
	checkTerminated(t, f)

	// continue re-enters through the increment, never straight to the
	// condition: the then-block of the if must branch to forinc.
	thenBlock := findBlock(t, f, "if")
	br, ok := thenBlock.Term.(*ir.TermBr)
	if !ok {
		t.Fatalf("expected plain branch out of continue, got %T", thenBlock.Term)
	}
	if br.Target.(*ir.Block).Name() != "forinc" {
		t.Fatalf("continue branches to %s, want forinc", br.Target.(*ir.Block).Name())
	}
}

func TestDoWhileShape(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.I64, ir.NewParam("n", types.I64))
	x := minexpr.New(m)

	i := &ast.Var{Name: "i", Type: i64}
	body := &ast.CompoundStmt{Stmts: []ast.Stmt{
		&ast.DeclStmt{V: i, Init: &minexpr.IntLit{Val: 0}},
		&ast.DoWhileStmt{
			Body: &ast.ExpStmt{X: &minexpr.Assign{V: i,
				X: &minexpr.Bin{Op: "+", X: &minexpr.VarRef{V: i}, Y: &minexpr.IntLit{Val: 1}}}},
			Cond: &minexpr.Bin{Op: "<", X: &minexpr.VarRef{V: i}, Y: &minexpr.Raw{V: f.Params[0]}},
		},
		&ast.ReturnStmt{X: &minexpr.VarRef{V: i}},
	}}
	mustLower(t, m, f, body, x, &minexpr.ABI{Ret: types.I64}, lower.Options{})
	checkTerminated(t, f)

	// The body runs before the first test: entry branches straight to the
	// body, and the condition owns the backedge.
	entry := findBlock(t, f, "entry")
	br, ok := entry.Term.(*ir.TermBr)
	if !ok || br.Target.(*ir.Block).Name() != "dowhile" {
		t.Fatalf("entry should branch to dowhile; got %v", entry.Term)
	}
	cond := findBlock(t, f, "dowhilecond")
	if _, ok := cond.Term.(*ir.TermCondBr); !ok {
		t.Fatalf("dowhilecond should end in a conditional branch, got %T", cond.Term)
	}
}

func TestForeachReverseDecrementsAtBodyEntry(t *testing.T) {
	m := ir.NewModule()
	strTy := lower.TypeOf(&ast.StringType{CharBytes: 1})
	f := m.NewFunc("f", types.Void, ir.NewParam("a", strTy))
	x := minexpr.New(m)

	v := &ast.Var{Name: "c", Type: &ast.IntType{Bits: 8}}
	loop := &ast.ForeachStmt{
		Reverse: true,
		Value:   v,
		Aggr:    &minexpr.Raw{V: f.Params[0]},
		Body:    &ast.ExpStmt{},
	}
	mustLower(t, m, f, loop, x, &minexpr.ABI{}, lower.Options{})
	checkTerminated(t, f)

	s := m.String()
	// Reverse iteration steps the index down on body entry and compares
	// against zero at the top.
	if !strings.Contains(s, "icmp ugt") {
		t.Fatalf("expected ugt zero-test in reverse foreach; got:\n%s", s)
	}
	body := findBlock(t, f, "foreachbody")
	var hasSub bool
	for _, inst := range body.Insts {
		if _, ok := inst.(*ir.InstSub); ok {
			hasSub = true
		}
	}
	if !hasSub {
		t.Fatalf("expected decrement at body entry; got:\n%s", s)
	}
}

func TestReturnThroughFinallySelector(t *testing.T) {
	m := ir.NewModule()
	hook := m.NewFunc("log_exit", types.Void)
	f := m.NewFunc("f", types.I64, ir.NewParam("n", types.I64))
	x := minexpr.New(m)
	x.RegisterFunc(hook)

	body := &ast.CompoundStmt{Stmts: []ast.Stmt{
		&ast.TryFinallyStmt{
			Body: &ast.IfStmt{
				Cond: &minexpr.Bin{Op: "==", X: &minexpr.Raw{V: f.Params[0]}, Y: &minexpr.IntLit{Val: 0}},
				Then: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 1}},
			},
			Finally: &ast.ExpStmt{X: &minexpr.CallExpr{Callee: "log_exit"}},
		},
		&ast.ReturnStmt{X: &minexpr.IntLit{Val: 2}},
	}}
	mustLower(t, m, f, body, x, &minexpr.ABI{Ret: types.I64}, lower.Options{})
	checkTerminated(t, f)

	// Two distinct ways out of the finally (early return, fallthrough):
	// its exit must have been rewritten into a selector switch, and the
	// early return must travel through the shared return block.
	fin := findBlock(t, f, "finally")
	if _, ok := fin.Term.(*ir.TermSwitch); !ok {
		t.Fatalf("finally exit should be a selector switch, got %T", fin.Term)
	}
	s := m.String()
	if !strings.Contains(s, "finally.selector") {
		t.Fatalf("expected selector slot; got:\n%s", s)
	}
	if !strings.Contains(s, "retval") {
		t.Fatalf("expected shared return slot; got:\n%s", s)
	}
	findBlock(t, f, "return")
	findBlock(t, f, "try.success")
}

func TestFinallySingleExitStaysBranch(t *testing.T) {
	m := ir.NewModule()
	hook := m.NewFunc("log_exit", types.Void)
	f := m.NewFunc("f", types.Void)
	x := minexpr.New(m)
	x.RegisterFunc(hook)

	body := &ast.TryFinallyStmt{
		Body:    &ast.ExpStmt{X: &minexpr.CallExpr{Callee: "log_exit"}},
		Finally: &ast.ExpStmt{X: &minexpr.CallExpr{Callee: "log_exit"}},
	}
	mustLower(t, m, f, body, x, &minexpr.ABI{}, lower.Options{})
	checkTerminated(t, f)

	fin := findBlock(t, f, "finally")
	if _, ok := fin.Term.(*ir.TermBr); !ok {
		t.Fatalf("single-exit finally should end in a plain branch, got %T", fin.Term)
	}
	if strings.Contains(m.String(), ".selector") {
		t.Fatalf("selector slot must not appear with a single exit:\n%s", m.String())
	}
}

func TestNestedFinallyReturnRunsBoth(t *testing.T) {
	m := ir.NewModule()
	inner := m.NewFunc("inner_hook", types.Void)
	outer := m.NewFunc("outer_hook", types.Void)
	f := m.NewFunc("f", types.I64)
	x := minexpr.New(m)
	x.RegisterFunc(inner)
	x.RegisterFunc(outer)

	body := &ast.TryFinallyStmt{
		Body: &ast.TryFinallyStmt{
			Body:    &ast.ReturnStmt{X: &minexpr.IntLit{Val: 7}},
			Finally: &ast.ExpStmt{X: &minexpr.CallExpr{Callee: "inner_hook"}},
		},
		Finally: &ast.ExpStmt{X: &minexpr.CallExpr{Callee: "outer_hook"}},
	}
	mustLower(t, m, f, body, x, &minexpr.ABI{Ret: types.I64}, lower.Options{})
	checkTerminated(t, f)

	// The inner finally chains into the outer one, and the outer into the
	// shared return block.
	s := m.String()
	innerIdx := strings.Index(s, "call void @inner_hook")
	outerIdx := strings.Index(s, "call void @outer_hook")
	if innerIdx < 0 || outerIdx < 0 {
		t.Fatalf("both finally bodies must be emitted; got:\n%s", s)
	}
	// Both levels see a second exit (return path, fallthrough path), so
	// both run in selector form; the inner one chains to the outer on its
	// first-registered exit.
	innerFin := findBlock(t, f, "finally.1")
	sw, ok := innerFin.Term.(*ir.TermSwitch)
	if !ok {
		t.Fatalf("inner finally should exit through a selector switch, got %T", innerFin.Term)
	}
	if sw.TargetDefault.(*ir.Block).Name() != "finally" {
		t.Fatalf("inner finally chains to %s, want the outer finally", sw.TargetDefault.(*ir.Block).Name())
	}
}

func switchTree(f *ir.Func) *ast.SwitchStmt {
	one := &ast.CaseStmt{X: &minexpr.IntLit{Val: 1},
		Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 10}}}
	two := &ast.CaseStmt{X: &minexpr.IntLit{Val: 2},
		Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 20}}}
	def := &ast.DefaultStmt{Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 0}}}
	return &ast.SwitchStmt{
		Cond:     &minexpr.Raw{V: f.Params[0]},
		CondType: &ast.IntType{Bits: 64},
		Body:     &ast.CompoundStmt{Stmts: []ast.Stmt{one, two, def}},
		Cases:    []*ast.CaseStmt{one, two},
		Default:  def,
	}
}

func TestSwitchTableDispatch(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.I64, ir.NewParam("n", types.I64))
	x := minexpr.New(m)
	mustLower(t, m, f, switchTree(f), x, &minexpr.ABI{Ret: types.I64}, lower.Options{})
	checkTerminated(t, f)

	// All-constant integral cases use a native switch, emitted into the
	// block the discriminant was computed in.
	entry := findBlock(t, f, "entry")
	term, ok := entry.Term.(*ir.TermSwitch)
	if !ok {
		t.Fatalf("expected switch terminator in entry, got %T", entry.Term)
	}
	if len(term.Cases) != 2 {
		t.Fatalf("expected 2 cases, got %d", len(term.Cases))
	}
}

func TestSwitchLeavesNoOrphanBodyBlock(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.I64, ir.NewParam("n", types.I64))
	x := minexpr.New(m)
	mustLower(t, m, f, switchTree(f), x, &minexpr.ABI{Ret: types.I64}, lower.Options{})
	checkTerminated(t, f)

	// Dispatch targets the case blocks directly; the staging block the
	// body was walked in has no predecessors and must not survive.
	for _, b := range f.Blocks {
		if strings.HasPrefix(b.Name(), "switchbody") {
			t.Fatalf("dead switch body block left in the function:\n%s", m.String())
		}
	}
}

func TestSwitchLowersTwice(t *testing.T) {
	m := ir.NewModule()
	f1 := m.NewFunc("f1", types.I64, ir.NewParam("n", types.I64))
	f2 := m.NewFunc("f2", types.I64, ir.NewParam("n", types.I64))

	// Lowering must not leave scratch keyed on the tree behind: the same
	// statement lowers into any number of functions. The discriminant of
	// the second function refers to its own parameter.
	one := &ast.CaseStmt{X: &minexpr.IntLit{Val: 1},
		Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 10}}}
	def := &ast.DefaultStmt{Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 0}}}
	mk := func(f *ir.Func) ast.Stmt {
		return &ast.CompoundStmt{Stmts: []ast.Stmt{&ast.SwitchStmt{
			Cond:     &minexpr.Raw{V: f.Params[0]},
			CondType: i64,
			Body:     &ast.CompoundStmt{Stmts: []ast.Stmt{one, def}},
			Cases:    []*ast.CaseStmt{one},
			Default:  def,
		}}}
	}
	mustLower(t, m, f1, mk(f1), minexpr.New(m), &minexpr.ABI{Ret: types.I64}, lower.Options{})
	mustLower(t, m, f2, mk(f2), minexpr.New(m), &minexpr.ABI{Ret: types.I64}, lower.Options{})
	checkTerminated(t, f1)
	checkTerminated(t, f2)
	if len(f1.Blocks) != len(f2.Blocks) {
		t.Fatalf("re-lowering changed shape: %v vs %v", blockNames(f1), blockNames(f2))
	}
}

func TestSwitchChainDispatchEvaluatesInOrder(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.I64,
		ir.NewParam("n", types.I64), ir.NewParam("k", types.I64))
	x := minexpr.New(m)

	// One run-time case forces the sequential compare chain.
	runtime := &ast.CaseStmt{X: &minexpr.Raw{V: f.Params[1]},
		Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 10}}}
	constCase := &ast.CaseStmt{X: &minexpr.IntLit{Val: 2},
		Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 20}}}
	sw := &ast.SwitchStmt{
		Cond:     &minexpr.Raw{V: f.Params[0]},
		CondType: i64,
		Body:     &ast.CompoundStmt{Stmts: []ast.Stmt{runtime, constCase}},
		Cases:    []*ast.CaseStmt{runtime, constCase},
	}
	mustLower(t, m, f, sw, x, &minexpr.ABI{Ret: types.I64, EntryPoint: true}, lower.Options{})
	checkTerminated(t, f)

	s := m.String()
	if strings.Count(s, "icmp eq") < 2 {
		t.Fatalf("expected one compare per case; got:\n%s", s)
	}
	if !strings.Contains(s, "casecmp") {
		t.Fatalf("expected compare chain blocks; got:\n%s", s)
	}
	// No default clause: the chain tail falls into the end block.
	entry := findBlock(t, f, "entry")
	if _, ok := entry.Term.(*ir.TermCondBr); !ok {
		t.Fatalf("dispatch should start with a compare branch, got %T", entry.Term)
	}
}

func TestStringSwitchSortedTable(t *testing.T) {
	m := ir.NewModule()
	strTy := lower.TypeOf(&ast.StringType{CharBytes: 1})
	f := m.NewFunc("f", types.I64, ir.NewParam("s", strTy))
	x := minexpr.New(m)

	banana := &ast.CaseStmt{X: &minexpr.StrLit{Val: "banana"},
		Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 1}}}
	apple := &ast.CaseStmt{X: &minexpr.StrLit{Val: "apple"},
		Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 2}}}
	cherry := &ast.CaseStmt{X: &minexpr.StrLit{Val: "cherry"},
		Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 3}}}
	def := &ast.DefaultStmt{Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 0}}}
	sw := &ast.SwitchStmt{
		Cond:     &minexpr.Raw{V: f.Params[0]},
		CondType: &ast.StringType{CharBytes: 1},
		Body:     &ast.CompoundStmt{Stmts: []ast.Stmt{banana, apple, cherry, def}},
		Cases:    []*ast.CaseStmt{banana, apple, cherry},
		Default:  def,
	}
	mustLower(t, m, f, sw, x, &minexpr.ABI{Ret: types.I64}, lower.Options{})
	checkTerminated(t, f)

	s := m.String()
	if !strings.Contains(s, "rt_switch_string") {
		t.Fatalf("expected runtime lookup call; got:\n%s", s)
	}
	if !strings.Contains(s, "switch.table.") {
		t.Fatalf("expected constant table global; got:\n%s", s)
	}
	// Table entries are sorted (apple, banana, cherry); case bodies were
	// claimed in source order (banana, apple, cherry). Index 0 must land
	// in apple's body, 1 in banana's, 2 in cherry's.
	entry := findBlock(t, f, "entry")
	term, ok := entry.Term.(*ir.TermSwitch)
	if !ok {
		t.Fatalf("expected index switch in entry, got %T", entry.Term)
	}
	want := map[int64]string{0: "case.1", 1: "case", 2: "case.2"}
	if len(term.Cases) != len(want) {
		t.Fatalf("expected %d cases, got %d", len(want), len(term.Cases))
	}
	for _, c := range term.Cases {
		idx := c.X.(*constant.Int).X.Int64()
		target := c.Target.(*ir.Block).Name()
		if target != want[idx] {
			t.Fatalf("index %d dispatches to %s, want %s", idx, target, want[idx])
		}
	}
}

func TestGotoCaseReentersSwitch(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.I64, ir.NewParam("n", types.I64))
	x := minexpr.New(m)

	one := &ast.CaseStmt{X: &minexpr.IntLit{Val: 1}, GotoTarget: true,
		Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 10}}}
	two := &ast.CaseStmt{X: &minexpr.IntLit{Val: 2},
		Body: &ast.GotoCaseStmt{Case: one}}
	sw := &ast.SwitchStmt{
		Cond:     &minexpr.Raw{V: f.Params[0]},
		CondType: i64,
		Body:     &ast.CompoundStmt{Stmts: []ast.Stmt{two, one}},
		Cases:    []*ast.CaseStmt{one, two},
	}
	mustLower(t, m, f, sw, x, &minexpr.ABI{Ret: types.I64, EntryPoint: true}, lower.Options{})
	checkTerminated(t, f)

	// The goto case in case 2 branches straight into case 1's body block,
	// which was created on demand before the body walk reached it.
	s := m.String()
	if strings.Count(s, "br label %case") < 1 {
		t.Fatalf("expected direct branch into the target case; got:\n%s", s)
	}
}

func TestGotoForward(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.I64, ir.NewParam("n", types.I64))
	x := minexpr.New(m)

	r := &ast.Var{Name: "r", Type: i64}
	body := &ast.CompoundStmt{Stmts: []ast.Stmt{
		&ast.DeclStmt{V: r, Init: &minexpr.Raw{V: f.Params[0]}},
		&ast.GotoStmt{Label: "done"},
		&ast.ExpStmt{X: &minexpr.Assign{V: r, X: &minexpr.IntLit{Val: 0}}},
		&ast.LabelStmt{Name: "done"},
		&ast.ReturnStmt{X: &minexpr.VarRef{V: r}},
	}}
	mustLower(t, m, f, body, x, &minexpr.ABI{Ret: types.I64}, lower.Options{})
	checkTerminated(t, f)
	findBlock(t, f, "label.done")
	if strings.Count(m.String(), "br label %label.done") < 2 {
		// The goto plus the dead code's fallthrough both enter the label.
		t.Fatalf("expected goto and fallthrough edges into the label; got:\n%s", m.String())
	}
}

func TestGotoLeavingFinallyRunsIt(t *testing.T) {
	m := ir.NewModule()
	hook := m.NewFunc("log_exit", types.Void)
	f := m.NewFunc("f", types.Void)
	x := minexpr.New(m)
	x.RegisterFunc(hook)

	// The label is only defined after the try/finally closes; the jump
	// still has to leave through the finally.
	body := &ast.CompoundStmt{Stmts: []ast.Stmt{
		&ast.TryFinallyStmt{
			Body:    &ast.GotoStmt{Label: "done"},
			Finally: &ast.ExpStmt{X: &minexpr.CallExpr{Callee: "log_exit"}},
		},
		&ast.LabelStmt{Name: "done"},
	}}
	mustLower(t, m, f, body, x, &minexpr.ABI{}, lower.Options{})
	checkTerminated(t, f)

	entry := f.Blocks[0]
	br, ok := entry.Term.(*ir.TermBr)
	if !ok || br.Target.(*ir.Block).Name() != "finally" {
		t.Fatalf("forward goto skipped the finally; got %v", entry.Term)
	}
	relay := findBlock(t, f, "goto.relay")
	rb, ok := relay.Term.(*ir.TermBr)
	if !ok || rb.Target.(*ir.Block).Name() != "label.done" {
		t.Fatalf("relay should continue at the label; got %v", relay.Term)
	}
}

func TestUndefinedLabelIsICE(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.Void)
	x := minexpr.New(m)

	err := lower.Function(m, f, &ast.GotoStmt{Label: "nowhere"}, x, &minexpr.ABI{}, lower.Options{})
	if err == nil {
		t.Fatal("expected error for goto to undefined label")
	}
	if !diag.ICE(err) {
		t.Fatalf("expected internal compiler error, got %v", err)
	}
}

func TestContinueOutsideLoopIsICE(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.Void)
	x := minexpr.New(m)

	err := lower.Function(m, f, &ast.ContinueStmt{}, x, &minexpr.ABI{}, lower.Options{})
	if err == nil {
		t.Fatal("expected error for continue outside a loop")
	}
	if !diag.ICE(err) {
		t.Fatalf("expected internal compiler error, got %v", err)
	}
}

func TestLabeledContinueResolvesOuterLoop(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.Void, ir.NewParam("n", types.I64))
	x := minexpr.New(m)

	outer := &ast.WhileStmt{Cond: &minexpr.BoolLit{Val: true}}
	inner := &ast.WhileStmt{
		Cond: &minexpr.BoolLit{Val: true},
		Body: &ast.ContinueStmt{Target: outer},
	}
	outer.Body = inner
	mustLower(t, m, f, outer, x, &minexpr.ABI{}, lower.Options{})
	checkTerminated(t, f)

	innerBody := findBlock(t, f, "whilebody.1")
	br, ok := innerBody.Term.(*ir.TermBr)
	if !ok {
		t.Fatalf("labeled continue should be a plain branch, got %T", innerBody.Term)
	}
	if br.Target.(*ir.Block).Name() != "whilecond" {
		t.Fatalf("labeled continue targets %s, want the outer whilecond", br.Target.(*ir.Block).Name())
	}
}

func TestLabeledBreakThroughScopeWrapper(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.Void)
	x := minexpr.New(m)

	// A loop the front end wrapped in a scope still resolves as a break
	// target through the wrapper.
	loop := &ast.WhileStmt{Cond: &minexpr.BoolLit{Val: true}}
	wrapped := &ast.ScopeStmt{S: loop}
	loop.Body = &ast.BreakStmt{Target: wrapped}
	mustLower(t, m, f, wrapped, x, &minexpr.ABI{}, lower.Options{})
	checkTerminated(t, f)

	body := findBlock(t, f, "whilebody")
	br, ok := body.Term.(*ir.TermBr)
	if !ok || br.Target.(*ir.Block).Name() != "endwhile" {
		t.Fatalf("labeled break should leave the loop; got %v", body.Term)
	}
}

func TestEntryPointFallthroughReturnsZero(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("main", types.I32)
	x := minexpr.New(m)

	mustLower(t, m, f, &ast.CompoundStmt{}, x,
		&minexpr.ABI{Ret: types.I32, EntryPoint: true}, lower.Options{})
	if !strings.Contains(m.String(), "ret i32 0") {
		t.Fatalf("entry point fallthrough should return zero; got:\n%s", m.String())
	}
}

func TestVoidEntryPointReturnsZero(t *testing.T) {
	m := ir.NewModule()
	abi := &minexpr.ABI{EntryPoint: true}

	// A void-declared entry point still returns i32 0, on every exit
	// path: explicit return, fallthrough, and return-with-expression.
	f1 := m.NewFunc("main_return", types.I32)
	mustLower(t, m, f1, &ast.ReturnStmt{}, minexpr.New(m), abi, lower.Options{})
	f2 := m.NewFunc("main_fallthrough", types.I32)
	mustLower(t, m, f2, &ast.CompoundStmt{}, minexpr.New(m), abi, lower.Options{})
	f3 := m.NewFunc("main_value", types.I32)
	mustLower(t, m, f3, &ast.ReturnStmt{X: &minexpr.IntLit{Val: 7}}, minexpr.New(m), abi, lower.Options{})

	s := m.String()
	if strings.Count(s, "ret i32 0") != 3 {
		t.Fatalf("all three exits should return i32 0; got:\n%s", s)
	}
	if strings.Contains(s, "ret void") {
		t.Fatalf("void entry point must not return void; got:\n%s", s)
	}
}

func TestSretReturnStoresThroughSlot(t *testing.T) {
	m := ir.NewModule()
	slotTy := types.NewPointer(types.I64)
	f := m.NewFunc("f", types.Void, ir.NewParam("sret", slotTy))
	x := minexpr.New(m)

	body := &ast.ReturnStmt{X: &minexpr.IntLit{Val: 42}}
	mustLower(t, m, f, body, x,
		&minexpr.ABI{Ret: types.I64, Sret: f.Params[0]}, lower.Options{})
	s := m.String()
	if !strings.Contains(s, "store i64 42") {
		t.Fatalf("expected store through the sret slot; got:\n%s", s)
	}
	if !strings.Contains(s, "ret void") {
		t.Fatalf("sret function must return void; got:\n%s", s)
	}
}

func TestSwitchErrorLowersToNoReturnCall(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.Void)
	x := minexpr.New(m)

	mustLower(t, m, f, &ast.SwitchErrorStmt{}, x, &minexpr.ABI{}, lower.Options{})
	s := m.String()
	if !strings.Contains(s, "rt_switch_error") {
		t.Fatalf("expected rt_switch_error call; got:\n%s", s)
	}
	if !strings.Contains(s, "unreachable") {
		t.Fatalf("expected unreachable after the call; got:\n%s", s)
	}
}

func TestBreakAfterReturnStaysWellFormed(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.I64)
	x := minexpr.New(m)

	// Dead code after a return still lowers into a fresh block without
	// disturbing the exit path.
	loop := &ast.WhileStmt{
		Cond: &minexpr.BoolLit{Val: true},
		Body: &ast.CompoundStmt{Stmts: []ast.Stmt{
			&ast.ReturnStmt{X: &minexpr.IntLit{Val: 1}},
			&ast.BreakStmt{},
		}},
	}
	mustLower(t, m, f, loop, x, &minexpr.ABI{Ret: types.I64}, lower.Options{})
	checkTerminated(t, f)

	body := findBlock(t, f, "whilebody")
	if _, ok := body.Term.(*ir.TermRet); !ok {
		t.Fatalf("loop body should end in the return, got %T", body.Term)
	}
}

func TestUnrolledLoopContinueAdvances(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.Void, ir.NewParam("n", types.I64))
	x := minexpr.New(m)

	loop := &ast.UnrolledLoopStmt{Stmts: []ast.Stmt{
		&ast.ContinueStmt{},
		&ast.ExpStmt{},
	}}
	mustLower(t, m, f, loop, x, &minexpr.ABI{}, lower.Options{})
	checkTerminated(t, f)

	// continue in the first iteration jumps to the second's block, not
	// back to the first.
	first := findBlock(t, f, "unrolledstmt")
	br, ok := first.Term.(*ir.TermBr)
	if !ok || br.Target.(*ir.Block).Name() != "unrolledstmt.1" {
		t.Fatalf("continue should advance to the next unrolled block; got %v", first.Term)
	}
}

type coverRecorder struct {
	lines []int
}

func (c *coverRecorder) Cover(b *ir.Block, loc ast.Loc) {
	c.lines = append(c.lines, loc.Line)
}

func TestCoverageCallbackPerStatement(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.Void)
	x := minexpr.New(m)
	rec := &coverRecorder{}

	v := &ast.Var{Name: "v", Type: i64}
	body := &ast.CompoundStmt{Stmts: []ast.Stmt{
		&ast.DeclStmt{V: v, Init: &minexpr.IntLit{Val: 1}, L: ast.Loc{Line: 3}},
		&ast.ExpStmt{X: &minexpr.VarRef{V: v}, L: ast.Loc{Line: 4}},
	}}
	mustLower(t, m, f, body, x, &minexpr.ABI{}, lower.Options{Coverage: rec})
	if len(rec.lines) != 2 || rec.lines[0] != 3 || rec.lines[1] != 4 {
		t.Fatalf("expected coverage callbacks for lines 3 and 4, got %v", rec.lines)
	}
}
