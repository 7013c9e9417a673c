package lower

import "github.com/llir/llvm/ir"

// Cursor is the single insertion point of the lowering walk: the block
// new instructions are appended to. A terminated cursor means the
// statement just lowered transferred control away; fallthrough edges
// are only emitted when the cursor is still open.
type Cursor struct {
	b *ir.Block
}

func (c *Cursor) Block() *ir.Block { return c.b }

func (c *Cursor) Set(b *ir.Block) { c.b = b }

// Terminated reports whether the current block is already closed by a
// terminator. Appending past a terminator is a structural bug; every
// fallthrough branch checks this first.
func (c *Cursor) Terminated() bool {
	return c.b == nil || c.b.Term != nil
}
