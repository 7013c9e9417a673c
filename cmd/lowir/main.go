package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/nikandfor/tlog"
	"github.com/xyproto/env/v2"

	"lowir/internal/ast"
	"lowir/internal/lower"
	"lowir/internal/minexpr"
	"lowir/internal/pgo"
	"lowir/internal/rt"
)

func usage() {
	fmt.Fprintln(os.Stderr, "lowir - statement lowering playground")
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  lowir emit [flags] [demo...]")
	fmt.Fprintln(os.Stderr, "  lowir list")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "flags:")
	fmt.Fprintln(os.Stderr, "  --eh=itanium|funclet   exception model (default: $LOWIR_EH or itanium)")
	fmt.Fprintln(os.Stderr, "  --instrument           emit profile counter increments ($LOWIR_INSTRUMENT)")
	fmt.Fprintln(os.Stderr, "  --trace                trace lowering steps to stderr ($LOWIR_TRACE)")
}

type emitOptions struct {
	eh         lower.EHModel
	instrument bool
	trace      bool
}

func defaultEmitOptions() (emitOptions, error) {
	opts := emitOptions{
		instrument: env.Bool("LOWIR_INSTRUMENT"),
		trace:      env.Bool("LOWIR_TRACE"),
	}
	switch v := env.Str("LOWIR_EH", "itanium"); v {
	case "itanium":
		opts.eh = lower.ItaniumEH
	case "funclet":
		opts.eh = lower.FuncletEH
	default:
		return opts, fmt.Errorf("unknown LOWIR_EH value: %q", v)
	}
	return opts, nil
}

func parseEmitArgs(args []string) (opts emitOptions, names []string, err error) {
	opts, err = defaultEmitOptions()
	if err != nil {
		return opts, nil, err
	}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--eh" {
			if i+1 >= len(args) {
				return opts, nil, fmt.Errorf("missing value for --eh")
			}
			i++
			a = "--eh=" + args[i]
		}
		if strings.HasPrefix(a, "--eh=") {
			switch v := strings.TrimPrefix(a, "--eh="); v {
			case "itanium":
				opts.eh = lower.ItaniumEH
			case "funclet":
				opts.eh = lower.FuncletEH
			default:
				return opts, nil, fmt.Errorf("unknown exception model: %q", v)
			}
			continue
		}
		if a == "--instrument" {
			opts.instrument = true
			continue
		}
		if a == "--trace" {
			opts.trace = true
			continue
		}
		if strings.HasPrefix(a, "-") {
			return opts, nil, fmt.Errorf("unknown flag: %s", a)
		}
		names = append(names, a)
	}
	return opts, names, nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "emit":
		opts, names, err := parseEmitArgs(os.Args[2:])
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		if err := emit(opts, names); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
	case "list":
		for _, d := range demos {
			fmt.Fprintf(os.Stdout, "%-12s %s\n", d.name, d.desc)
		}
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func emit(opts emitOptions, names []string) error {
	selected := demos
	if len(names) > 0 {
		selected = nil
		for _, name := range names {
			d, ok := findDemo(name)
			if !ok {
				return fmt.Errorf("unknown demo: %s", name)
			}
			selected = append(selected, d)
		}
	}

	m := ir.NewModule()
	lopts := lower.Options{EH: opts.eh}
	if opts.instrument {
		lopts.Instrument = pgo.NewCounterTable(m)
	}
	if opts.trace {
		lopts.Log = tlog.New(tlog.NewConsoleWriter(os.Stderr, tlog.LstdFlags))
	}

	for _, d := range selected {
		if err := d.build(m, lopts); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	fmt.Fprint(os.Stdout, m.String())
	return nil
}

type demo struct {
	name  string
	desc  string
	build func(m *ir.Module, opts lower.Options) error
}

var demos = []demo{
	{"loop", "range loop with continue and an accumulator", buildLoop},
	{"switch", "constant integer switch with a default clause", buildSwitch},
	{"strswitch", "string switch over a sorted literal table", buildStringSwitch},
	{"cleanup", "try/finally crossed by early returns", buildCleanup},
	{"catch", "try/catch with a conditional throw", buildCatch},
	{"goto", "forward goto across straight-line code", buildGoto},
}

func findDemo(name string) (demo, bool) {
	for _, d := range demos {
		if d.name == name {
			return d, true
		}
	}
	return demo{}, false
}

var i64 = &ast.IntType{Bits: 64}

// buildLoop lowers
//
//	sum = 0
//	foreach i in 0 .. n { if i == 3 continue; sum = sum + i }
//	return sum
func buildLoop(m *ir.Module, opts lower.Options) error {
	f := m.NewFunc("sum_range", types.I64, ir.NewParam("n", types.I64))
	x := minexpr.New(m)

	sum := &ast.Var{Name: "sum", Type: i64}
	i := &ast.Var{Name: "i", Type: i64}
	loop := &ast.ForeachRangeStmt{
		Key:   i,
		Lower: &minexpr.IntLit{Val: 0},
		Upper: &minexpr.Raw{V: f.Params[0]},
		Body: &ast.CompoundStmt{Stmts: []ast.Stmt{
			&ast.IfStmt{
				Cond: &minexpr.Bin{Op: "==", X: &minexpr.VarRef{V: i}, Y: &minexpr.IntLit{Val: 3}},
				Then: &ast.ContinueStmt{},
			},
			&ast.ExpStmt{X: &minexpr.Assign{V: sum,
				X: &minexpr.Bin{Op: "+", X: &minexpr.VarRef{V: sum}, Y: &minexpr.VarRef{V: i}}}},
		}},
	}
	body := &ast.CompoundStmt{Stmts: []ast.Stmt{
		&ast.DeclStmt{V: sum, Init: &minexpr.IntLit{Val: 0}},
		loop,
		&ast.ReturnStmt{X: &minexpr.VarRef{V: sum}},
	}}
	return lower.Function(m, f, body, x, &minexpr.ABI{Ret: types.I64}, opts)
}

// buildSwitch lowers
//
//	switch n { case 1: return 10; case 2: return 20; default: return 0 }
func buildSwitch(m *ir.Module, opts lower.Options) error {
	f := m.NewFunc("classify", types.I64, ir.NewParam("n", types.I64))
	x := minexpr.New(m)

	one := &ast.CaseStmt{X: &minexpr.IntLit{Val: 1},
		Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 10}}}
	two := &ast.CaseStmt{X: &minexpr.IntLit{Val: 2},
		Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 20}}}
	def := &ast.DefaultStmt{Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 0}}}
	body := &ast.SwitchStmt{
		Cond:     &minexpr.Raw{V: f.Params[0]},
		CondType: i64,
		Body:     &ast.CompoundStmt{Stmts: []ast.Stmt{one, two, def}},
		Cases:    []*ast.CaseStmt{one, two},
		Default:  def,
	}
	return lower.Function(m, f, body, x, &minexpr.ABI{Ret: types.I64}, opts)
}

// buildStringSwitch lowers a switch over narrow string literals; the
// dispatch goes through a sorted constant table and a runtime lookup.
func buildStringSwitch(m *ir.Module, opts lower.Options) error {
	strTy := lower.TypeOf(&ast.StringType{CharBytes: 1})
	f := m.NewFunc("fruit_rank", types.I64, ir.NewParam("s", strTy))
	x := minexpr.New(m)

	banana := &ast.CaseStmt{X: &minexpr.StrLit{Val: "banana"},
		Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 1}}}
	apple := &ast.CaseStmt{X: &minexpr.StrLit{Val: "apple"},
		Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 2}}}
	cherry := &ast.CaseStmt{X: &minexpr.StrLit{Val: "cherry"},
		Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 3}}}
	def := &ast.DefaultStmt{Body: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 0}}}
	body := &ast.SwitchStmt{
		Cond:     &minexpr.Raw{V: f.Params[0]},
		CondType: &ast.StringType{CharBytes: 1},
		Body:     &ast.CompoundStmt{Stmts: []ast.Stmt{banana, apple, cherry, def}},
		Cases:    []*ast.CaseStmt{banana, apple, cherry},
		Default:  def,
	}
	return lower.Function(m, f, body, x, &minexpr.ABI{Ret: types.I64}, opts)
}

// buildCleanup lowers two early returns out of a try/finally; both are
// routed through the finally body and a shared function exit.
func buildCleanup(m *ir.Module, opts lower.Options) error {
	logExit := m.NewFunc("log_exit", types.Void)
	f := m.NewFunc("guarded", types.I64, ir.NewParam("n", types.I64))
	x := minexpr.New(m)
	x.RegisterFunc(logExit)

	body := &ast.TryFinallyStmt{
		Body: &ast.CompoundStmt{Stmts: []ast.Stmt{
			&ast.IfStmt{
				Cond: &minexpr.Bin{Op: "==", X: &minexpr.Raw{V: f.Params[0]}, Y: &minexpr.IntLit{Val: 0}},
				Then: &ast.ReturnStmt{X: &minexpr.IntLit{Val: 1}},
			},
			&ast.ReturnStmt{X: &minexpr.IntLit{Val: 2}},
		}},
		Finally: &ast.ExpStmt{X: &minexpr.CallExpr{Callee: "log_exit"}},
	}
	return lower.Function(m, f, body, x, &minexpr.ABI{Ret: types.I64}, opts)
}

// buildCatch lowers a conditional throw with one typed handler.
func buildCatch(m *ir.Module, opts lower.Options) error {
	f := m.NewFunc("guarded_div", types.I64, ir.NewParam("n", types.I64))
	x := minexpr.New(m)

	errVar := &ast.Var{Name: "e", Type: &ast.ClassType{Name: "Error"}}
	r := &ast.Var{Name: "r", Type: i64}
	// The handler falls through rather than returning, so the funclet
	// model leaves it through catchret.
	body := &ast.CompoundStmt{Stmts: []ast.Stmt{
		&ast.DeclStmt{V: r, Init: &minexpr.IntLit{Val: 0}},
		&ast.TryCatchStmt{
			Body: &ast.CompoundStmt{Stmts: []ast.Stmt{
				&ast.IfStmt{
					Cond: &minexpr.Bin{Op: "==", X: &minexpr.Raw{V: f.Params[0]}, Y: &minexpr.IntLit{Val: 0}},
					Then: &ast.ThrowStmt{X: &minexpr.Raw{V: constant.NewNull(rt.BytePtr)}},
				},
				&ast.ExpStmt{X: &minexpr.Assign{V: r, X: &minexpr.Bin{Op: "/",
					X: &minexpr.IntLit{Val: 100}, Y: &minexpr.Raw{V: f.Params[0]}}}},
			}},
			Catches: []*ast.Catch{{
				Type:    &ast.TypeDesc{Name: "Error"},
				Var:     errVar,
				Handler: &ast.ExpStmt{X: &minexpr.Assign{V: r, X: &minexpr.IntLit{Val: -1}}},
			}},
		},
		&ast.ReturnStmt{X: &minexpr.VarRef{V: r}},
	}}
	return lower.Function(m, f, body, x, &minexpr.ABI{Ret: types.I64}, opts)
}

// buildGoto lowers a forward goto that skips a statement.
func buildGoto(m *ir.Module, opts lower.Options) error {
	f := m.NewFunc("skip_ahead", types.I64, ir.NewParam("n", types.I64))
	x := minexpr.New(m)

	r := &ast.Var{Name: "r", Type: i64}
	body := &ast.CompoundStmt{Stmts: []ast.Stmt{
		&ast.DeclStmt{V: r, Init: &minexpr.Raw{V: f.Params[0]}},
		&ast.IfStmt{
			Cond: &minexpr.Bin{Op: ">", X: &minexpr.VarRef{V: r}, Y: &minexpr.IntLit{Val: 10}},
			Then: &ast.GotoStmt{Label: "done"},
		},
		&ast.ExpStmt{X: &minexpr.Assign{V: r,
			X: &minexpr.Bin{Op: "*", X: &minexpr.VarRef{V: r}, Y: &minexpr.IntLit{Val: 2}}}},
		&ast.LabelStmt{Name: "done"},
		&ast.ReturnStmt{X: &minexpr.VarRef{V: r}},
	}}
	return lower.Function(m, f, body, x, &minexpr.ABI{Ret: types.I64}, opts)
}
