// Package minexpr is a small, concrete implementation of the
// expression-lowering service: integer, boolean and string literals,
// locals, binary arithmetic and comparisons, and direct calls. It is
// what the CLI and the tests drive the statement engine with; a real
// front end plugs in its own implementation of the same interface.
package minexpr

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/nikandfor/errors"

	"lowir/internal/ast"
	"lowir/internal/lower"
	"lowir/internal/rt"
)

// IntLit is an integer literal.
type IntLit struct {
	Val  int64
	Bits int // 0 means 64
	L    ast.Loc
}

// BoolLit is a boolean literal.
type BoolLit struct {
	Val bool
	L   ast.Loc
}

// StrLit is a string literal; CharBytes is the element width.
type StrLit struct {
	Val       string
	CharBytes int // 0 means 1
	L         ast.Loc
}

// VarRef reads a local variable.
type VarRef struct {
	V *ast.Var
	L ast.Loc
}

// Bin is a binary operation: + - * / and the comparison operators.
type Bin struct {
	Op   string
	X, Y ast.Expr
	L    ast.Loc
}

// Assign stores into an already-declared variable and yields the stored
// value.
type Assign struct {
	V *ast.Var
	X ast.Expr
	L ast.Loc
}

// CallExpr calls a named function registered with the lowerer.
type CallExpr struct {
	Callee string
	Args   []ast.Expr
	L      ast.Loc
}

// Raw wraps an already-built IR value, typically a function parameter.
type Raw struct {
	V value.Value
	L ast.Loc
}

func (e *IntLit) Pos() ast.Loc   { return e.L }
func (e *BoolLit) Pos() ast.Loc  { return e.L }
func (e *StrLit) Pos() ast.Loc   { return e.L }
func (e *VarRef) Pos() ast.Loc   { return e.L }
func (e *Bin) Pos() ast.Loc      { return e.L }
func (e *Assign) Pos() ast.Loc   { return e.L }
func (e *CallExpr) Pos() ast.Loc { return e.L }
func (e *Raw) Pos() ast.Loc      { return e.L }

// Lowerer lowers expressions for one function; create a fresh one per
// lowered function since local slots are keyed by variable identity.
type Lowerer struct {
	m     *ir.Module
	funcs map[string]*ir.Func
	slots map[*ast.Var]value.Value
}

func New(m *ir.Module) *Lowerer {
	return &Lowerer{m: m, funcs: map[string]*ir.Func{}, slots: map[*ast.Var]value.Value{}}
}

// RegisterFunc makes f callable through CallExpr.
func (x *Lowerer) RegisterFunc(f *ir.Func) {
	x.funcs[f.Name()] = f
}

// Slot exposes a declared variable's stack slot, for tests.
func (x *Lowerer) Slot(v *ast.Var) (value.Value, bool) {
	s, ok := x.slots[v]
	return s, ok
}

func (x *Lowerer) Value(cur *lower.Cursor, e ast.Expr) (value.Value, error) {
	switch e := e.(type) {
	case *IntLit:
		bits := e.Bits
		if bits == 0 {
			bits = 64
		}
		return constant.NewInt(types.NewInt(uint64(bits)), e.Val), nil
	case *BoolLit:
		return constant.NewBool(e.Val), nil
	case *StrLit:
		return x.stringValue(e), nil
	case *VarRef:
		slot, ok := x.slots[e.V]
		if !ok {
			return nil, errors.New("reference to undeclared variable %v", e.V.Name)
		}
		return cur.Block().NewLoad(lower.TypeOf(e.V.Type), slot), nil
	case *Bin:
		return x.binValue(cur, e)
	case *Assign:
		slot, ok := x.slots[e.V]
		if !ok {
			return nil, errors.New("assignment to undeclared variable %v", e.V.Name)
		}
		v, err := x.Value(cur, e.X)
		if err != nil {
			return nil, err
		}
		cur.Block().NewStore(v, slot)
		return v, nil
	case *CallExpr:
		f, ok := x.funcs[e.Callee]
		if !ok {
			return nil, errors.New("call to unregistered function %v", e.Callee)
		}
		args := make([]value.Value, 0, len(e.Args))
		for _, a := range e.Args {
			v, err := x.Value(cur, a)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		return cur.Block().NewCall(f, args...), nil
	case *Raw:
		return e.V, nil
	default:
		return nil, errors.New("unsupported expression %T", e)
	}
}

func (x *Lowerer) binValue(cur *lower.Cursor, e *Bin) (value.Value, error) {
	a, err := x.Value(cur, e.X)
	if err != nil {
		return nil, err
	}
	b, err := x.Value(cur, e.Y)
	if err != nil {
		return nil, err
	}
	blk := cur.Block()
	switch e.Op {
	case "+":
		return blk.NewAdd(a, b), nil
	case "-":
		return blk.NewSub(a, b), nil
	case "*":
		return blk.NewMul(a, b), nil
	case "/":
		return blk.NewSDiv(a, b), nil
	case "==":
		return blk.NewICmp(enum.IPredEQ, a, b), nil
	case "!=":
		return blk.NewICmp(enum.IPredNE, a, b), nil
	case "<":
		return blk.NewICmp(enum.IPredSLT, a, b), nil
	case "<=":
		return blk.NewICmp(enum.IPredSLE, a, b), nil
	case ">":
		return blk.NewICmp(enum.IPredSGT, a, b), nil
	case ">=":
		return blk.NewICmp(enum.IPredSGE, a, b), nil
	default:
		return nil, errors.New("unsupported binary operator %q", e.Op)
	}
}

func (x *Lowerer) Bool(cur *lower.Cursor, e ast.Expr) (value.Value, error) {
	v, err := x.Value(cur, e)
	if err != nil {
		return nil, err
	}
	if v.Type().Equal(types.I1) {
		return v, nil
	}
	it, ok := v.Type().(*types.IntType)
	if !ok {
		return nil, errors.New("cannot use %v as a condition", v.Type())
	}
	return cur.Block().NewICmp(enum.IPredNE, v, constant.NewInt(it, 0)), nil
}

func (x *Lowerer) Const(e ast.Expr) (constant.Constant, bool) {
	switch e := e.(type) {
	case *IntLit:
		bits := e.Bits
		if bits == 0 {
			bits = 64
		}
		return constant.NewInt(types.NewInt(uint64(bits)), e.Val), true
	case *BoolLit:
		return constant.NewBool(e.Val), true
	default:
		return nil, false
	}
}

func (x *Lowerer) StringLit(e ast.Expr) (string, rt.CharWidth, bool) {
	s, ok := e.(*StrLit)
	if !ok {
		return "", 0, false
	}
	w := s.CharBytes
	if w == 0 {
		w = 1
	}
	return s.Val, rt.CharWidth(w), true
}

func (x *Lowerer) Declare(cur *lower.Cursor, v *ast.Var, init ast.Expr) (value.Value, error) {
	ty := lower.TypeOf(v.Type)
	entry := cur.Block().Parent.Blocks[0]
	slot := entry.NewAlloca(ty)
	slot.SetName(v.Name)
	x.slots[v] = slot
	if init != nil {
		val, err := x.Value(cur, init)
		if err != nil {
			return nil, err
		}
		cur.Block().NewStore(val, slot)
	}
	return slot, nil
}

func (x *Lowerer) Bind(cur *lower.Cursor, v *ast.Var, val value.Value) (value.Value, error) {
	slot, err := x.Declare(cur, v, nil)
	if err != nil {
		return nil, err
	}
	cur.Block().NewStore(val, slot)
	return slot, nil
}

// stringValue materializes a literal as a (length, pointer) pair.
func (x *Lowerer) stringValue(e *StrLit) value.Value {
	w := e.CharBytes
	if w == 0 {
		w = 1
	}
	data := constant.NewCharArrayFromString(e.Val)
	g := x.m.NewGlobalDef(fmt.Sprintf("str.%d", len(x.m.Globals)), data)
	g.Immutable = true
	return constant.NewStruct(types.NewStruct(types.I64, rt.BytePtr),
		constant.NewInt(types.I64, int64(len(e.Val)/w)),
		constant.NewBitCast(g, rt.BytePtr))
}

// ABI is a plain function ABI: register return, optional entry point or
// sret behavior for tests and the CLI.
type ABI struct {
	Ret        types.Type
	EntryPoint bool
	Sret       value.Value
}

func (a *ABI) ReturnType() types.Type {
	if a.Ret == nil {
		return types.Void
	}
	return a.Ret
}

func (a *ABI) IsEntryPoint() bool { return a.EntryPoint }

func (a *ABI) SretSlot() value.Value { return a.Sret }

func (a *ABI) TransformRet(b *ir.Block, v value.Value) (value.Value, error) {
	return v, nil
}
