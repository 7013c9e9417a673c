package lower

import (
	"github.com/llir/llvm/ir"

	"lowir/internal/ast"
)

// Strategy is the exception lowering model of one function. The two
// implementations never share dispatch code: Itanium-style unwinding
// lands on a landing pad and compares type selectors, funclet-style
// unwinding enters a catchswitch and runs handlers as funclets.
type Strategy interface {
	// UnwindTarget returns the block an unwinding call should branch
	// to under the current catch/cleanup configuration, or nil when
	// the exception just propagates out of the function. Building the
	// dispatch may lower cleanup bodies, which can fail.
	UnwindTarget() (*ir.Block, error)

	// LowerTryCatch lowers a try/catch statement whole; the models
	// differ in where handler bodies live and how the exception object
	// reaches them.
	LowerTryCatch(s *ast.TryCatchStmt) error
}
