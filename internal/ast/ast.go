// Package ast defines the structured-statement tree consumed by the
// lowering engine. The tree is produced by earlier pipeline stages
// (parsing, semantic analysis); by the time it reaches lowering, all
// label, break and continue targets have been resolved to node
// identities and every case expression has been type checked.
package ast

// Loc is a source position, used for diagnostics and the debug/coverage
// side channels.
type Loc struct {
	File string
	Line int
	Col  int
}

// Node is anything with a source position. Profile counters and the
// side-channel emitters are keyed by node identity.
type Node interface {
	Pos() Loc
}

// Expr is an expression handle. Expressions are opaque to the lowering
// engine; they are evaluated through the expression-lowering service.
type Expr interface {
	Pos() Loc
}

// Stmt is a statement. The set of statement kinds is closed: the engine
// dispatches over it exhaustively and treats an unknown implementation
// as an internal compiler error.
type Stmt interface {
	Node
	stmtNode()
}

// TypeRef is the minimal type information the lowering engine needs:
// integer width/signedness for loop indices, element width for string
// switches, class identity for throwables. Full type semantics stay in
// the front end.
type TypeRef interface {
	typeRef()
}

type IntType struct {
	Bits     int
	Unsigned bool
}

type BoolType struct{}

// StringType is a char-array-like type; CharBytes is the element width
// (1, 2 or 4).
type StringType struct {
	CharBytes int
}

// ClassType is a reference type usable as a throwable.
type ClassType struct {
	Name string
}

func (*IntType) typeRef()    {}
func (*BoolType) typeRef()   {}
func (*StringType) typeRef() {}
func (*ClassType) typeRef()  {}

// Var is a local variable handle. NestedRef marks variables captured by
// a closure; the funclet EH model copies caught exceptions for those out
// of the funclet frame.
type Var struct {
	Name      string
	Type      TypeRef
	NestedRef bool
	L         Loc
}

func (v *Var) Pos() Loc { return v.L }

// TypeDesc names an exception class; the type-info service resolves it
// to a module-level descriptor symbol. A nil *TypeDesc in a Catch means
// catch-all.
type TypeDesc struct {
	Name string
}

type CompoundStmt struct {
	Stmts []Stmt
	L     Loc
}

// ScopeStmt wraps a statement that opens a lexical scope of its own.
type ScopeStmt struct {
	S Stmt // optional
	L Loc
}

type ExpStmt struct {
	X Expr // optional
	L Loc
}

// DeclStmt declares a local variable, with an optional initializer.
type DeclStmt struct {
	V    *Var
	Init Expr // optional
	L    Loc
}

type IfStmt struct {
	Match *DeclStmt // optional declaration evaluated before the condition
	Cond  Expr
	Then  Stmt // optional
	Else  Stmt // optional
	L     Loc
}

type WhileStmt struct {
	Cond Expr
	Body Stmt // optional
	L    Loc
}

type DoWhileStmt struct {
	Body Stmt // optional
	Cond Expr
	L    Loc
}

type ForStmt struct {
	Init Stmt // optional
	Cond Expr // optional; absent means always true
	Inc  Expr // optional
	Body Stmt // optional
	L    Loc
}

// ForeachStmt walks an array-like aggregate forward or in reverse. Key
// is optional; Value is bound to the element on each iteration.
type ForeachStmt struct {
	Reverse bool
	Key     *Var // optional
	Value   *Var
	Aggr    Expr
	Body    Stmt // optional
	L       Loc
}

// ForeachRangeStmt iterates the half-open scalar range [Lower, Upper).
type ForeachRangeStmt struct {
	Reverse bool
	Key     *Var
	Lower   Expr
	Upper   Expr
	Body    Stmt // optional
	L       Loc
}

// UnrolledLoopStmt is a loop the front end has fully unrolled: each
// statement is one former iteration, with its own continue target.
type UnrolledLoopStmt struct {
	Stmts []Stmt
	L     Loc
}

// BreakStmt exits the loop or switch identified by Target, or the
// nearest enclosing one when Target is nil. Targets are resolved by
// semantic analysis.
type BreakStmt struct {
	Target Stmt // optional
	L      Loc
}

type ContinueStmt struct {
	Target Stmt // optional
	L      Loc
}

type ReturnStmt struct {
	X Expr // optional
	L Loc
}

type TryFinallyStmt struct {
	Body    Stmt // optional
	Finally Stmt // optional
	L       Loc
}

type TryCatchStmt struct {
	Body    Stmt
	Catches []*Catch
	L       Loc
}

// Catch is one handler of a TryCatchStmt. It is not itself a statement;
// it only exists inside its owning try.
type Catch struct {
	Type    *TypeDesc // nil means catch-all
	Var     *Var      // optional
	Handler Stmt      // optional
	L       Loc
}

func (c *Catch) Pos() Loc { return c.L }

type ThrowStmt struct {
	X Expr
	L Loc
}

type SwitchStmt struct {
	Cond     Expr
	CondType TypeRef
	Body     Stmt
	Cases    []*CaseStmt
	Default  *DefaultStmt // optional
	L        Loc
}

type CaseStmt struct {
	X    Expr
	Body Stmt
	// GotoTarget is set by semantic analysis when some goto-case jumps
	// here, so direct dispatch can be counted separately.
	GotoTarget bool
	L          Loc
}

type DefaultStmt struct {
	Body       Stmt
	GotoTarget bool
	L          Loc
}

type LabelStmt struct {
	Name string
	S    Stmt // optional; nil for a label at the end of a block
	L    Loc
}

type GotoStmt struct {
	Label string
	L     Loc
}

// GotoCaseStmt jumps to a specific case of the enclosing switch; the
// case pointer is resolved by semantic analysis.
type GotoCaseStmt struct {
	Case *CaseStmt
	L    Loc
}

type GotoDefaultStmt struct {
	Sw *SwitchStmt
	L  Loc
}

// SwitchErrorStmt is synthesized for final switches whose discriminant
// matched no case; it lowers to a no-return runtime call.
type SwitchErrorStmt struct {
	L Loc
}

func (s *CompoundStmt) stmtNode()     {}
func (s *ScopeStmt) stmtNode()        {}
func (s *ExpStmt) stmtNode()          {}
func (s *DeclStmt) stmtNode()         {}
func (s *IfStmt) stmtNode()           {}
func (s *WhileStmt) stmtNode()        {}
func (s *DoWhileStmt) stmtNode()      {}
func (s *ForStmt) stmtNode()          {}
func (s *ForeachStmt) stmtNode()      {}
func (s *ForeachRangeStmt) stmtNode() {}
func (s *UnrolledLoopStmt) stmtNode() {}
func (s *BreakStmt) stmtNode()        {}
func (s *ContinueStmt) stmtNode()     {}
func (s *ReturnStmt) stmtNode()       {}
func (s *TryFinallyStmt) stmtNode()   {}
func (s *TryCatchStmt) stmtNode()     {}
func (s *ThrowStmt) stmtNode()        {}
func (s *SwitchStmt) stmtNode()       {}
func (s *CaseStmt) stmtNode()         {}
func (s *DefaultStmt) stmtNode()      {}
func (s *LabelStmt) stmtNode()        {}
func (s *GotoStmt) stmtNode()         {}
func (s *GotoCaseStmt) stmtNode()     {}
func (s *GotoDefaultStmt) stmtNode()  {}
func (s *SwitchErrorStmt) stmtNode()  {}

func (s *CompoundStmt) Pos() Loc     { return s.L }
func (s *ScopeStmt) Pos() Loc        { return s.L }
func (s *ExpStmt) Pos() Loc          { return s.L }
func (s *DeclStmt) Pos() Loc         { return s.L }
func (s *IfStmt) Pos() Loc           { return s.L }
func (s *WhileStmt) Pos() Loc        { return s.L }
func (s *DoWhileStmt) Pos() Loc      { return s.L }
func (s *ForStmt) Pos() Loc          { return s.L }
func (s *ForeachStmt) Pos() Loc      { return s.L }
func (s *ForeachRangeStmt) Pos() Loc { return s.L }
func (s *UnrolledLoopStmt) Pos() Loc { return s.L }
func (s *BreakStmt) Pos() Loc        { return s.L }
func (s *ContinueStmt) Pos() Loc     { return s.L }
func (s *ReturnStmt) Pos() Loc       { return s.L }
func (s *TryFinallyStmt) Pos() Loc   { return s.L }
func (s *TryCatchStmt) Pos() Loc     { return s.L }
func (s *ThrowStmt) Pos() Loc        { return s.L }
func (s *SwitchStmt) Pos() Loc       { return s.L }
func (s *CaseStmt) Pos() Loc         { return s.L }
func (s *DefaultStmt) Pos() Loc      { return s.L }
func (s *LabelStmt) Pos() Loc        { return s.L }
func (s *GotoStmt) Pos() Loc         { return s.L }
func (s *GotoCaseStmt) Pos() Loc     { return s.L }
func (s *GotoDefaultStmt) Pos() Loc  { return s.L }
func (s *SwitchErrorStmt) Pos() Loc  { return s.L }

// Unwrap strips ScopeStmt wrappers, yielding the statement a labeled
// break or continue actually names. Loops the front end rewrites into a
// scope (initializers plus loop) register the unwrapped statement as
// their target.
func Unwrap(s Stmt) Stmt {
	for {
		sc, ok := s.(*ScopeStmt)
		if !ok || sc.S == nil {
			return s
		}
		s = sc.S
	}
}
