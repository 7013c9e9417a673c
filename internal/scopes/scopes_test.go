package scopes_test

import (
	"strings"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"

	"lowir/internal/ast"
	"lowir/internal/diag"
	"lowir/internal/scopes"
)

func newFunc() (*ir.Func, *ir.Block, *scopes.Stack) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.Void)
	entry := f.NewBlock("entry")
	return f, entry, scopes.NewStack(entry)
}

func TestCleanupSingleExitIsBranch(t *testing.T) {
	f, _, st := newFunc()
	fin := f.NewBlock("fin")
	st.PushCleanup(fin, fin, nil)

	src := f.NewBlock("src")
	target := f.NewBlock("target")
	st.RunCleanups(src, 0, target)

	br, ok := fin.Term.(*ir.TermBr)
	if !ok {
		t.Fatalf("single exit should be a plain branch, got %T", fin.Term)
	}
	if br.Target.(*ir.Block).Name() != "target" {
		t.Fatalf("cleanup exits to %s, want target", br.Target.(*ir.Block).Name())
	}
	srcBr, ok := src.Term.(*ir.TermBr)
	if !ok || srcBr.Target.(*ir.Block).Name() != "fin" {
		t.Fatalf("source should branch into the cleanup; got %v", src.Term)
	}
}

func TestCleanupSecondExitConvertsToSelector(t *testing.T) {
	f, entry, st := newFunc()
	fin := f.NewBlock("fin")
	st.PushCleanup(fin, fin, nil)

	src1 := f.NewBlock("src1")
	t1 := f.NewBlock("t1")
	st.RunCleanups(src1, 0, t1)

	src2 := f.NewBlock("src2")
	t2 := f.NewBlock("t2")
	st.RunCleanups(src2, 0, t2)

	sw, ok := fin.Term.(*ir.TermSwitch)
	if !ok {
		t.Fatalf("two exits should convert to a selector switch, got %T", fin.Term)
	}
	if sw.TargetDefault.(*ir.Block).Name() != "t1" || len(sw.Cases) != 1 {
		t.Fatalf("selector switch misrouted: default %v, cases %d",
			sw.TargetDefault, len(sw.Cases))
	}
	if sw.Cases[0].Target.(*ir.Block).Name() != "t2" {
		t.Fatalf("second exit dispatches to %s, want t2", sw.Cases[0].Target.(*ir.Block).Name())
	}

	// The selector slot lives in the entry block, and the first source
	// got its store retrofitted.
	var hasAlloca bool
	for _, inst := range entry.Insts {
		if a, ok := inst.(*ir.InstAlloca); ok && strings.HasSuffix(a.Name(), ".selector") {
			hasAlloca = true
		}
	}
	if !hasAlloca {
		t.Fatal("expected selector alloca in the entry block")
	}
	for _, src := range []*ir.Block{src1, src2} {
		var hasStore bool
		for _, inst := range src.Insts {
			if _, ok := inst.(*ir.InstStore); ok {
				hasStore = true
			}
		}
		if !hasStore {
			t.Fatalf("source %s is missing its selector store", src.Name())
		}
	}
}

func TestCleanupRepeatedTargetReusesSelectorValue(t *testing.T) {
	f, _, st := newFunc()
	fin := f.NewBlock("fin")
	st.PushCleanup(fin, fin, nil)

	t1 := f.NewBlock("t1")
	t2 := f.NewBlock("t2")
	st.RunCleanups(f.NewBlock("src1"), 0, t1)
	st.RunCleanups(f.NewBlock("src2"), 0, t2)
	st.RunCleanups(f.NewBlock("src3"), 0, t2)

	sw := fin.Term.(*ir.TermSwitch)
	if len(sw.Cases) != 1 {
		t.Fatalf("repeated target must not add a case; got %d", len(sw.Cases))
	}
}

func TestRunCleanupsChainsInnermostFirst(t *testing.T) {
	f, _, st := newFunc()
	outer := f.NewBlock("outer")
	inner := f.NewBlock("inner")
	st.PushCleanup(outer, outer, nil)
	st.PushCleanup(inner, inner, nil)

	src := f.NewBlock("src")
	target := f.NewBlock("target")
	st.RunCleanups(src, 0, target)

	if src.Term.(*ir.TermBr).Target.(*ir.Block).Name() != "inner" {
		t.Fatal("source must enter the innermost cleanup first")
	}
	if inner.Term.(*ir.TermBr).Target.(*ir.Block).Name() != "outer" {
		t.Fatal("inner cleanup must chain to the outer one")
	}
	if outer.Term.(*ir.TermBr).Target.(*ir.Block).Name() != "target" {
		t.Fatal("outer cleanup must exit to the continuation")
	}
}

func TestPopCleanupsClosesUnusedEnds(t *testing.T) {
	f, _, st := newFunc()
	mk := func(name string) *ir.Block { return f.NewBlock(name) }
	fin := f.NewBlock("fin")
	st.PushCleanup(fin, fin, nil)
	st.PopCleanups(0, mk)

	if _, ok := fin.Term.(*ir.TermUnreachable); !ok {
		t.Fatalf("never-exited cleanup should be closed with unreachable, got %T", fin.Term)
	}
}

func TestPopCleanupsReroutesPendingGotos(t *testing.T) {
	f, _, st := newFunc()
	mk := func(name string) *ir.Block { return f.NewBlock(name) }

	fin := f.NewBlock("fin")
	st.PushCleanup(fin, fin, nil)
	src := f.NewBlock("src")
	if err := st.Goto(src, "done", ast.Loc{}, mk); err != nil {
		t.Fatal(err)
	}
	st.PopCleanups(0, mk)

	// The popped cleanup runs on the jump's way out, not when the label
	// is eventually defined.
	br, ok := src.Term.(*ir.TermBr)
	if !ok || br.Target.(*ir.Block) != fin {
		t.Fatalf("forward goto skipped the finally: branches to %v, want fin", src.Term)
	}

	b, err := st.DefineLabel("done", mk)
	if err != nil {
		t.Fatal(err)
	}
	relay := fin.Term.(*ir.TermBr).Target.(*ir.Block)
	if rb, ok := relay.Term.(*ir.TermBr); !ok || rb.Target.(*ir.Block) != b {
		t.Fatalf("relay must continue at the label; got %v", relay.Term)
	}
	if err := st.Finalize(); err != nil {
		t.Fatal(err)
	}
}

func TestForwardGotoResolvedAtDefinition(t *testing.T) {
	f, _, st := newFunc()
	mk := func(name string) *ir.Block { return f.NewBlock(name) }

	src := f.NewBlock("src")
	if err := st.Goto(src, "done", ast.Loc{}, mk); err != nil {
		t.Fatal(err)
	}
	if src.Term != nil {
		t.Fatal("forward goto must stay unterminated until the label is defined")
	}
	b, err := st.DefineLabel("done", mk)
	if err != nil {
		t.Fatal(err)
	}
	br, ok := src.Term.(*ir.TermBr)
	if !ok || br.Target.(*ir.Block) != b {
		t.Fatalf("pending goto not wired to the label; got %v", src.Term)
	}
	if err := st.Finalize(); err != nil {
		t.Fatal(err)
	}
}

func TestUndefinedLabelFailsFinalize(t *testing.T) {
	f, _, st := newFunc()
	mk := func(name string) *ir.Block { return f.NewBlock(name) }
	if err := st.Goto(f.NewBlock("src"), "nowhere", ast.Loc{Line: 7}, mk); err != nil {
		t.Fatal(err)
	}
	err := st.Finalize()
	if err == nil {
		t.Fatal("expected error for undefined label")
	}
	if !diag.ICE(err) {
		t.Fatalf("expected internal compiler error, got %v", err)
	}
}

func TestGotoIntoProtectedRegionIsICE(t *testing.T) {
	f, _, st := newFunc()
	mk := func(name string) *ir.Block { return f.NewBlock(name) }

	// The goto is recorded outside the cleanup, the label defined inside.
	src := f.NewBlock("src")
	if err := st.Goto(src, "in", ast.Loc{}, mk); err != nil {
		t.Fatal(err)
	}
	fin := f.NewBlock("fin")
	st.PushCleanup(fin, fin, nil)
	_, err := st.DefineLabel("in", mk)
	if err == nil {
		t.Fatal("expected error for goto into a protected region")
	}
	if !diag.ICE(err) {
		t.Fatalf("expected internal compiler error, got %v", err)
	}
}

func TestBreakOutsideLoopIsICE(t *testing.T) {
	_, _, st := newFunc()
	_, _, err := st.BreakTarget(nil, ast.Loc{})
	if err == nil || !diag.ICE(err) {
		t.Fatalf("expected internal compiler error, got %v", err)
	}
}

func TestContinueSkipsSwitches(t *testing.T) {
	f, _, st := newFunc()
	loop := &ast.WhileStmt{}
	sw := &ast.SwitchStmt{}
	cond := f.NewBlock("cond")
	loopEnd := f.NewBlock("loopend")
	swEnd := f.NewBlock("swend")

	st.PushLoop(loop, loopEnd, cond)
	st.PushBreakOnly(sw, swEnd)

	b, _, err := st.ContinueTarget(nil, ast.Loc{})
	if err != nil {
		t.Fatal(err)
	}
	if b != cond {
		t.Fatalf("continue resolved to %s, want the loop condition", b.Name())
	}
	// break still resolves to the switch.
	b, _, err = st.BreakTarget(nil, ast.Loc{})
	if err != nil {
		t.Fatal(err)
	}
	if b != swEnd {
		t.Fatalf("break resolved to %s, want the switch end", b.Name())
	}
}

func TestVersionTracksCleanupAndCatchChanges(t *testing.T) {
	f, _, st := newFunc()
	mk := func(name string) *ir.Block { return f.NewBlock(name) }
	v0 := st.Version()
	fin := f.NewBlock("fin")
	st.PushCleanup(fin, fin, nil)
	if st.Version() == v0 {
		t.Fatal("pushing a cleanup must bump the version")
	}
	v1 := st.Version()
	st.PushCatch(scopes.CatchScope{Target: f.NewBlock("h")})
	if st.Version() == v1 {
		t.Fatal("pushing a catch must bump the version")
	}
	st.PopCatch()
	st.PopCleanups(0, mk)
	if st.Version() == v1 {
		t.Fatal("popping must bump the version too")
	}
}
