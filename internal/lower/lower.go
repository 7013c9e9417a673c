// Package lower turns structured statement trees into LLVM control
// flow: one function at a time, one pass, statements appended at a
// moving cursor and control transfers expressed as explicit block
// terminators.
package lower

import (
	"fmt"
	"strconv"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/nikandfor/tlog"

	"lowir/internal/ast"
	"lowir/internal/diag"
	"lowir/internal/pgo"
	"lowir/internal/rt"
	"lowir/internal/scopes"
)

// ExprLowerer evaluates expressions on behalf of the engine. It may
// split blocks (short-circuit operators), so every call goes through
// the cursor.
type ExprLowerer interface {
	// Value evaluates e for its value.
	Value(cur *Cursor, e ast.Expr) (value.Value, error)
	// Bool evaluates e as an i1 branch condition.
	Bool(cur *Cursor, e ast.Expr) (value.Value, error)
	// Const folds e to a constant if it is one.
	Const(e ast.Expr) (constant.Constant, bool)
	// StringLit reports e's value and element width when e is a string
	// literal.
	StringLit(e ast.Expr) (s string, width rt.CharWidth, ok bool)
	// Declare creates the stack slot of v, storing init when present,
	// and returns the slot.
	Declare(cur *Cursor, v *ast.Var, init ast.Expr) (value.Value, error)
	// Bind declares v and stores val into it.
	Bind(cur *Cursor, v *ast.Var, val value.Value) (value.Value, error)
}

// FuncABI answers the return-classification questions the engine is not
// allowed to decide itself.
type FuncABI interface {
	ReturnType() types.Type
	// IsEntryPoint marks main-like functions: a value-less return (or
	// falling off the end) produces the zero value of the return type.
	IsEntryPoint() bool
	// SretSlot is the hidden return slot of in-memory returns, nil when
	// the value is returned in registers.
	SretSlot() value.Value
	// TransformRet applies ABI coercion to a return value.
	TransformRet(b *ir.Block, v value.Value) (value.Value, error)
}

// DebugEmitter receives statement-boundary stop points.
type DebugEmitter interface {
	StopPoint(b *ir.Block, loc ast.Loc)
}

// CoverageEmitter receives one callback per lowered statement that has
// a source line.
type CoverageEmitter interface {
	Cover(b *ir.Block, loc ast.Loc)
}

// EHModel selects the exception lowering strategy for a function.
type EHModel int

const (
	// ItaniumEH dispatches with landing pads and type-selector
	// comparisons.
	ItaniumEH EHModel = iota
	// FuncletEH dispatches with catchswitch/catchpad funclets.
	FuncletEH
)

// Options configures one lowering run.
type Options struct {
	EH         EHModel
	Profile    pgo.Profile
	Instrument pgo.Instrumenter
	Debug      DebugEmitter
	Coverage   CoverageEmitter
	Log        *tlog.Logger
}

type caseScratch struct {
	body *ir.Block
	key  constant.Constant
}

type switchScratch struct {
	endBlock     *ir.Block
	defaultBlock *ir.Block
	cleanupMark  scopes.Mark
}

// Lowerer lowers the statements of a single function.
type Lowerer struct {
	m    *ir.Module
	f    *ir.Func
	expr ExprLowerer
	abi  FuncABI
	opts Options
	log  *tlog.Logger

	cur    Cursor
	scopes *scopes.Stack
	rt     *rt.Table
	est    *pgo.Estimator
	eh     Strategy

	entry    *ir.Block
	retBlock *ir.Block
	retSlot  value.Value

	// Per-invocation switch scratch, keyed by node identity and cleared
	// when the owning switch finishes, so one tree lowers any number of
	// times.
	caseState   map[ast.Stmt]*caseScratch
	switchState map[*ast.SwitchStmt]*switchScratch

	typeDescs map[string]constant.Constant
	nameSeq   map[string]int
}

// Function lowers body into f, which must be empty. The same body tree
// may be lowered into any number of functions.
func Function(m *ir.Module, f *ir.Func, body ast.Stmt, expr ExprLowerer, abi FuncABI, opts Options) error {
	l := &Lowerer{
		m:           m,
		f:           f,
		expr:        expr,
		abi:         abi,
		opts:        opts,
		log:         opts.Log,
		rt:          rt.NewTable(m),
		caseState:   map[ast.Stmt]*caseScratch{},
		switchState: map[*ast.SwitchStmt]*switchScratch{},
		typeDescs:   map[string]constant.Constant{},
		nameSeq:     map[string]int{},
	}
	l.entry = f.NewBlock("entry")
	l.cur.Set(l.entry)
	l.scopes = scopes.NewStack(l.entry)
	l.est = pgo.New(m, opts.Profile, opts.Log)
	switch opts.EH {
	case FuncletEH:
		l.eh = newFuncletStrategy(l)
	default:
		l.eh = newItaniumStrategy(l)
	}

	l.log.Printw("lowering function", "func", f.Name(), "eh", opts.EH)

	if err := l.stmt(body); err != nil {
		return err
	}
	if err := l.scopes.Finalize(); err != nil {
		return err
	}
	l.closeFunction()
	if c := l.scopes.CatchMark(); c != 0 {
		return diag.ICEf(ast.Loc{}, "unbalanced catch scopes after lowering %s: %d left", f.Name(), c)
	}
	return nil
}

// closeFunction gives the fallthrough end of the function its implicit
// terminator.
func (l *Lowerer) closeFunction() {
	if l.cur.Terminated() {
		return
	}
	b := l.cur.Block()
	switch {
	case l.abi.SretSlot() != nil:
		b.NewRet(nil)
	case l.abi.IsEntryPoint():
		b.NewRet(l.entryReturnValue())
	case l.abi.ReturnType().Equal(types.Void):
		b.NewRet(nil)
	default:
		// Semantic analysis guarantees non-void functions return on
		// every path; a fallthrough here is unreachable.
		b.NewUnreachable()
	}
}

// entryReturnValue is what an entry point returns when the source gives
// it nothing: the zero value of its return type, or i32 0 when it was
// declared void.
func (l *Lowerer) entryReturnValue() constant.Constant {
	ret := l.abi.ReturnType()
	if ret.Equal(types.Void) {
		return zeroValue(types.I32)
	}
	return zeroValue(ret)
}

// removeBlock deletes a block from the function's list; used for
// staging blocks that ended up with no predecessors.
func (l *Lowerer) removeBlock(b *ir.Block) {
	blocks := l.f.Blocks
	for i, blk := range blocks {
		if blk == b {
			l.f.Blocks = append(blocks[:i], blocks[i+1:]...)
			return
		}
	}
}

// newBlock appends a block with a readable, function-unique name.
func (l *Lowerer) newBlock(name string) *ir.Block {
	n := l.nameSeq[name]
	l.nameSeq[name] = n + 1
	if n > 0 {
		name = name + "." + strconv.Itoa(n)
	}
	return l.f.NewBlock(name)
}

// br emits the fallthrough edge to target unless the current block has
// already transferred control elsewhere.
func (l *Lowerer) br(target *ir.Block) {
	if !l.cur.Terminated() {
		l.cur.Block().NewBr(target)
	}
}

// moveToEnd reorders b to the end of the function's block list; the
// join blocks of loops and switches read better after the code that
// jumps to them.
func (l *Lowerer) moveToEnd(b *ir.Block) {
	blocks := l.f.Blocks
	for i, blk := range blocks {
		if blk == b {
			copy(blocks[i:], blocks[i+1:])
			blocks[len(blocks)-1] = b
			return
		}
	}
}

// callOrInvoke emits a call that unwinds into the active EH dispatch
// when one exists, splitting off a continuation block for the normal
// edge.
func (l *Lowerer) callOrInvoke(callee value.Value, args ...value.Value) (value.Value, error) {
	unwind, err := l.eh.UnwindTarget()
	if err != nil {
		return nil, err
	}
	if unwind != nil {
		normal := l.newBlock("invoke.cont")
		inv := l.cur.Block().NewInvoke(callee, args, normal, unwind)
		if pad := l.scopes.CurrentFunclet(); pad != nil {
			inv.OperandBundles = append(inv.OperandBundles,
				ir.NewOperandBundle("funclet", pad))
		}
		l.cur.Set(normal)
		return inv, nil
	}
	call := l.cur.Block().NewCall(callee, args...)
	if pad := l.scopes.CurrentFunclet(); pad != nil {
		call.OperandBundles = append(call.OperandBundles,
			ir.NewOperandBundle("funclet", pad))
	}
	return call, nil
}

// typeDesc resolves a catch type to its module-level descriptor symbol,
// creating the declaration on first use.
func (l *Lowerer) typeDesc(td *ast.TypeDesc) constant.Constant {
	if td == nil {
		return nil
	}
	if c, ok := l.typeDescs[td.Name]; ok {
		return c
	}
	g := l.m.NewGlobal("typeinfo."+td.Name, types.I8)
	c := constant.NewBitCast(g, rt.BytePtr)
	l.typeDescs[td.Name] = c
	return c
}

// toBytePtr coerces an object value to the untyped pointer the runtime
// entries take.
func (l *Lowerer) toBytePtr(v value.Value) value.Value {
	if v.Type().Equal(rt.BytePtr) {
		return v
	}
	return l.cur.Block().NewBitCast(v, rt.BytePtr)
}

// TypeOf maps the statement-level type handles onto IR types.
func TypeOf(t ast.TypeRef) types.Type {
	switch t := t.(type) {
	case *ast.IntType:
		return types.NewInt(uint64(t.Bits))
	case *ast.BoolType:
		return types.I1
	case *ast.StringType:
		return types.NewStruct(types.I64, rt.BytePtr)
	case *ast.ClassType:
		return rt.BytePtr
	default:
		return types.I64
	}
}

func zeroValue(t types.Type) constant.Constant {
	switch t := t.(type) {
	case *types.IntType:
		return constant.NewInt(t, 0)
	case *types.PointerType:
		return constant.NewNull(t)
	default:
		return constant.NewZeroInitializer(t)
	}
}

// intPreds picks the signed or unsigned predicates for loop index
// comparisons.
func intPreds(t ast.TypeRef) (lt, gt enum.IPred) {
	if it, ok := t.(*ast.IntType); ok && !it.Unsigned {
		return enum.IPredSLT, enum.IPredSGT
	}
	return enum.IPredULT, enum.IPredUGT
}

// stmtKind names a statement for trace logging.
func stmtKind(s ast.Stmt) string {
	return fmt.Sprintf("%T", s)
}
