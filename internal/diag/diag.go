// Package diag collects compiler diagnostics and constructs internal
// compiler errors.
package diag

import (
	"fmt"
	"io"
	"sort"

	"github.com/nikandfor/errors"

	"lowir/internal/ast"
)

type Item struct {
	Filename string
	Line     int
	Col      int
	Msg      string
}

type Bag struct {
	Items []Item
}

func (b *Bag) Add(filename string, line int, col int, msg string) {
	b.Items = append(b.Items, Item{Filename: filename, Line: line, Col: col, Msg: msg})
}

func (b *Bag) AddAt(loc ast.Loc, format string, args ...interface{}) {
	b.Add(loc.File, loc.Line, loc.Col, fmt.Sprintf(format, args...))
}

func Print(w io.Writer, b *Bag) {
	if b == nil || len(b.Items) == 0 {
		return
	}
	items := make([]Item, 0, len(b.Items))
	items = append(items, b.Items...)
	sort.Slice(items, func(i, j int) bool {
		if items[i].Filename != items[j].Filename {
			return items[i].Filename < items[j].Filename
		}
		if items[i].Line != items[j].Line {
			return items[i].Line < items[j].Line
		}
		return items[i].Col < items[j].Col
	})
	for _, it := range items {
		fmt.Fprintf(w, "%s:%d:%d: error: %s\n", it.Filename, it.Line, it.Col, it.Msg)
	}
}

// ICE reports whether err is an internal compiler error.
func ICE(err error) bool {
	var e iceError
	return errors.As(err, &e)
}

type iceError struct {
	error
}

// ICEf builds an internal compiler error: the lowering input violated an
// invariant the front end is supposed to guarantee (unresolved label,
// break without an enclosing target, unknown statement kind). These
// abort the compilation of the whole unit; nothing recovers from them.
func ICEf(loc ast.Loc, format string, args ...interface{}) error {
	err := errors.New(format, args...)
	if loc.File != "" || loc.Line != 0 {
		err = errors.Wrap(err, "%s:%d:%d", loc.File, loc.Line, loc.Col)
	}
	return iceError{errors.Wrap(err, "internal compiler error")}
}
