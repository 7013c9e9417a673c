// Package rt declares the runtime entry points the lowered code calls
// into. Declarations are created lazily on the output module, once per
// name, so a module only references the helpers its functions use.
package rt

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
)

// CharWidth is the element width of a string-switch discriminant.
type CharWidth int

const (
	Char  CharWidth = 1
	WChar CharWidth = 2
	DChar CharWidth = 4
)

var (
	// BytePtr is the untyped object pointer used for thrown exceptions
	// and type descriptors.
	BytePtr = types.NewPointer(types.I8)

	// LandingPadResult is the Itanium personality result pair:
	// exception pointer and type selector.
	LandingPadResult = types.NewStruct(BytePtr, types.I32)
)

// Table resolves runtime helpers on one output module.
type Table struct {
	m     *ir.Module
	funcs map[string]*ir.Func
}

func NewTable(m *ir.Module) *Table {
	return &Table{m: m, funcs: map[string]*ir.Func{}}
}

// Throw raises the exception object; it does not return.
func (t *Table) Throw() *ir.Func {
	return t.declare("rt_throw", func() *ir.Func {
		f := t.m.NewFunc("rt_throw", types.Void, ir.NewParam("obj", BytePtr))
		f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrNoReturn)
		return f
	})
}

// EnterCatch claims the in-flight exception at the start of a handler
// and returns the exception object.
func (t *Table) EnterCatch() *ir.Func {
	return t.declare("rt_enter_catch", func() *ir.Func {
		return t.m.NewFunc("rt_enter_catch", BytePtr, ir.NewParam("eh", BytePtr))
	})
}

// SwitchError aborts on a final switch with no matching case.
func (t *Table) SwitchError() *ir.Func {
	return t.declare("rt_switch_error", func() *ir.Func {
		f := t.m.NewFunc("rt_switch_error", types.Void)
		f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrNoReturn)
		return f
	})
}

// StringSwitch performs a binary search of the discriminant over a
// sorted (length, data) table and returns the table index of the match,
// or -1. One entry point per element width.
func (t *Table) StringSwitch(w CharWidth) *ir.Func {
	name := "rt_switch_string"
	switch w {
	case WChar:
		name = "rt_switch_wstring"
	case DChar:
		name = "rt_switch_dstring"
	}
	return t.declare(name, func() *ir.Func {
		return t.m.NewFunc(name, types.I32,
			ir.NewParam("table", BytePtr),
			ir.NewParam("entries", types.I64),
			ir.NewParam("str", BytePtr),
			ir.NewParam("len", types.I64))
	})
}

// Personality is the unwinder personality routine referenced by
// functions with landing pads or funclets.
func (t *Table) Personality() *ir.Func {
	return t.declare("rt_personality", func() *ir.Func {
		f := t.m.NewFunc("rt_personality", types.I32)
		f.Sig.Variadic = true
		return f
	})
}

// TypeIDFor is the intrinsic mapping a type descriptor to the selector
// value the personality produces for it.
func (t *Table) TypeIDFor() *ir.Func {
	return t.declare("llvm.eh.typeid.for", func() *ir.Func {
		return t.m.NewFunc("llvm.eh.typeid.for", types.I32, ir.NewParam("ti", BytePtr))
	})
}

func (t *Table) declare(name string, mk func() *ir.Func) *ir.Func {
	if f, ok := t.funcs[name]; ok {
		return f
	}
	f := mk()
	t.funcs[name] = f
	return f
}
