// Completion: 100% - Data model complete
package main

import (
	"fmt"
)

// MarkerKind identifies an exception marker in the stream produced by the
// IR collaborator
type MarkerKind int

const (
	MarkTryBegin MarkerKind = iota
	MarkTryEnd
	MarkHandlerBegin
	MarkHandlerEnd
	MarkThrow
	MarkFuncletBody
)

func (k MarkerKind) String() string {
	switch k {
	case MarkTryBegin:
		return "try.begin"
	case MarkTryEnd:
		return "try.end"
	case MarkHandlerBegin:
		return "handler.begin"
	case MarkHandlerEnd:
		return "handler.end"
	case MarkThrow:
		return "throw"
	case MarkFuncletBody:
		return "funclet.body"
	default:
		return "unknown"
	}
}

// HandlerKind selects the HandlerDescriptor variant
type HandlerKind int

const (
	HandlerCatch      HandlerKind = iota // C++ catch (type filter + landing pad)
	HandlerSehExcept                     // __except(filter)
	HandlerSehFinally                    // __finally
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerCatch:
		return "catch"
	case HandlerSehExcept:
		return "except"
	case HandlerSehFinally:
		return "finally"
	default:
		return "unknown"
	}
}

// Constant filter results understood by the Windows dispatcher
const (
	ExceptionContinueExecution int32 = -1
	ExceptionContinueSearch    int32 = 0
	ExceptionExecuteHandler    int32 = 1
)

// FilterExprKind is the shape of a non-constant SEH filter expression
type FilterExprKind int

const (
	// FilterExceptionCode evaluates to Match when GetExceptionCode() == Code
	// and to NoMatch otherwise
	FilterExceptionCode FilterExprKind = iota
	// FilterCall calls Symbol(EXCEPTION_POINTERS*, EstablisherFrame) and
	// returns its result
	FilterCall
	// FilterLocalRef reads a local of the enclosing frame. No lowering.
	FilterLocalRef
	// FilterOpaque is anything else the front end could not classify. No lowering.
	FilterOpaque
)

func (k FilterExprKind) String() string {
	switch k {
	case FilterExceptionCode:
		return "exception-code"
	case FilterCall:
		return "call"
	case FilterLocalRef:
		return "local-ref"
	case FilterOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// FilterExpr is a non-constant filter
type FilterExpr struct {
	Kind    FilterExprKind
	Code    uint32 // FilterExceptionCode
	Match   int32  // FilterExceptionCode
	NoMatch int32  // FilterExceptionCode
	Symbol  string // FilterCall, FilterLocalRef
}

// FilterRef is either a constant filter result or a filter expression that
// is compiled to a funclet
type FilterRef struct {
	Constant bool
	Value    int32
	Expr     *FilterExpr
}

// ConstantFilter returns a FilterRef for a constant filter result
func ConstantFilter(v int32) FilterRef {
	return FilterRef{Constant: true, Value: v}
}

// IsSentinel reports whether the filter is carried in the scope table
// directly, without a funclet
func (f FilterRef) IsSentinel() bool {
	if !f.Constant {
		return false
	}
	switch f.Value {
	case ExceptionContinueExecution, ExceptionContinueSearch, ExceptionExecuteHandler:
		return true
	}
	return false
}

func (f FilterRef) String() string {
	if f.Constant {
		return fmt.Sprintf("%d", f.Value)
	}
	if f.Expr == nil {
		return "<nil>"
	}
	return f.Expr.Kind.String()
}

// Marker is one element of the exception marker stream
type Marker struct {
	Kind   MarkerKind
	Offset uint32 // Function-relative code offset
	Loc    SourceLocation

	// HandlerBegin
	Handler    HandlerKind
	TypeSymbol string    // catch: type identity symbol, "" for catch(...)
	Filter     FilterRef // except
	Action     string    // finally: name of the action body; FuncletBody: same name
}

// HandlerDescriptor describes one handler attached to a try region
type HandlerDescriptor struct {
	Kind HandlerKind

	// HandlerCatch
	TypeSymbol string // "" means catch-all
	LandingPad uint32

	// HandlerSehExcept
	Filter        FilterRef
	HandlerOffset uint32

	// Filter funclet (except with expression) or termination funclet
	// (finally); -1 when the handler needs none
	Funclet int

	// Action body of a finally handler
	Action string

	End uint32 // offset of HandlerEnd, 0 when not yet seen
	Loc SourceLocation
}

// IsCatchAll reports whether a catch handler catches every exception
func (h HandlerDescriptor) IsCatchAll() bool {
	return h.Kind == HandlerCatch && h.TypeSymbol == ""
}

// TryRegion is a protected range with its handlers
type TryRegion struct {
	Start    uint32
	End      uint32
	Handlers []HandlerDescriptor
	Parent   int // Arena index of the enclosing region, -1 at top level
	Depth    int
	Index    int // Arena index of this region
	Loc      SourceLocation
}

// Contains reports whether pc lies in [Start, End)
func (r *TryRegion) Contains(pc uint32) bool {
	return pc >= r.Start && pc < r.End
}

// Encloses reports whether other lies entirely inside r
func (r *TryRegion) Encloses(other *TryRegion) bool {
	return other.Start >= r.Start && other.End <= r.End
}

// HasKind reports whether any handler of the region has the given kind
func (r *TryRegion) HasKind(kind HandlerKind) bool {
	for _, h := range r.Handlers {
		if h.Kind == kind {
			return true
		}
	}
	return false
}

func (r *TryRegion) finallyRuns(action string) bool {
	for _, h := range r.Handlers {
		if h.Kind == HandlerSehFinally && h.Action == action {
			return true
		}
	}
	return false
}

// FrameOpKind is a frame-affecting prologue or epilogue operation
type FrameOpKind int

const (
	OpPushReg      FrameOpKind = iota // push reg
	OpAlloc                           // sub rsp, n
	OpSetFrame                        // lea reg, [rsp+offset] (mov reg, rsp when offset is 0)
	OpSaveReg                         // mov [rsp+offset], reg
	OpDealloc                         // add rsp, n
	OpPopReg                          // pop reg
	OpRestoreFrame                    // lea rsp, [reg-offset] (mov rsp, reg when offset is 0)
	OpRet                             // ret
)

func (k FrameOpKind) String() string {
	switch k {
	case OpPushReg:
		return "push"
	case OpAlloc:
		return "alloc"
	case OpSetFrame:
		return "setframe"
	case OpSaveReg:
		return "save"
	case OpDealloc:
		return "dealloc"
	case OpPopReg:
		return "pop"
	case OpRestoreFrame:
		return "restoreframe"
	case OpRet:
		return "ret"
	default:
		return "unknown"
	}
}

// FrameOp is one frame-affecting instruction. End is the offset just past
// the instruction, relative to the start of the sequence it belongs to.
type FrameOp struct {
	Kind   FrameOpKind
	Reg    Register
	Amount uint32 // OpAlloc, OpDealloc
	Offset uint32 // OpSetFrame, OpSaveReg, OpRestoreFrame
	End    uint32
}

func (op FrameOp) String() string {
	switch op.Kind {
	case OpAlloc, OpDealloc:
		return fmt.Sprintf("%s %d @%d", op.Kind, op.Amount, op.End)
	case OpSetFrame, OpSaveReg, OpRestoreFrame:
		return fmt.Sprintf("%s %s %d @%d", op.Kind, op.Reg.Name, op.Offset, op.End)
	case OpRet:
		return fmt.Sprintf("ret @%d", op.End)
	default:
		return fmt.Sprintf("%s %s @%d", op.Kind, op.Reg.Name, op.End)
	}
}

// PrologueDescriptor lists the prologue's frame operations in emission order
type PrologueDescriptor struct {
	Ops []FrameOp
}

// Size returns the prologue size in bytes
func (p PrologueDescriptor) Size() uint32 {
	if len(p.Ops) == 0 {
		return 0
	}
	return p.Ops[len(p.Ops)-1].End
}

// FrameRegister returns the frame pointer op, if the prologue establishes one
func (p PrologueDescriptor) FrameRegister() (FrameOp, bool) {
	for _, op := range p.Ops {
		if op.Kind == OpSetFrame {
			return op, true
		}
	}
	return FrameOp{}, false
}

// StackFrameSize returns the bytes between the return address and the
// final stack pointer
func (p PrologueDescriptor) StackFrameSize() uint32 {
	var size uint32
	for _, op := range p.Ops {
		switch op.Kind {
		case OpPushReg:
			size += 8
		case OpAlloc:
			size += op.Amount
		}
	}
	return size
}

// Epilogue is a function exit. Op offsets are relative to Offset.
type Epilogue struct {
	Offset uint32
	Ops    []FrameOp
}

// Size returns the epilogue size in bytes
func (e Epilogue) Size() uint32 {
	if len(e.Ops) == 0 {
		return 0
	}
	return e.Ops[len(e.Ops)-1].End
}

// FuncletKind says what a funclet is for
type FuncletKind int

const (
	FuncletFilter      FuncletKind = iota // SEH filter, returns a disposition
	FuncletTermination                    // SEH __finally, run by the dispatcher during unwind
	FuncletCleanup                        // Itanium cleanup landing pad
)

func (k FuncletKind) String() string {
	switch k {
	case FuncletFilter:
		return "filter"
	case FuncletTermination:
		return "termination"
	case FuncletCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// ExitStyle is how a code path leaves the shared action body
type ExitStyle int

const (
	ExitReturnToDispatcher ExitStyle = iota // funclet path: ret to the unwinder
	ExitFallthrough                         // inline path: continue after the call
	ExitResume                              // landing pad: _Unwind_Resume
	ExitChain                               // landing pad: jmp to the enclosing region's landing pad
)

func (e ExitStyle) String() string {
	switch e {
	case ExitReturnToDispatcher:
		return "return"
	case ExitFallthrough:
		return "fallthrough"
	case ExitResume:
		return "resume"
	case ExitChain:
		return "chain"
	default:
		return "unknown"
	}
}

// Funclet is an independently callable code unit in the function's funclet
// area. All offsets are function-relative.
type Funclet struct {
	Name   string
	Kind   FuncletKind
	Region int // Arena index of the owning region
	Entry  uint32
	End    uint32
	Body   uint32 // shared action body, equal to Entry for filters
	// call body stubs patched into the function body, one per exit path
	InlineStubs []uint32
	Exit        ExitStyle
	ChainTarget uint32             // ExitChain: landing pad jumped to
	Prologue    PrologueDescriptor // funclet-relative; empty for landing pads
	Epilogue    Epilogue           // funclet-relative
	// Frame events inside the funclet (landing pads that run in the parent frame)
	Events []FrameEvent
	// External calls made by the funclet, at function-relative offsets
	Calls []CallFixup
}

// Size returns the size of the funclet's own code, without the action body
// it calls
func (f *Funclet) Size() uint32 {
	return f.End - f.Entry
}

// CallFixup is a call rel32 to an external symbol at a function-relative offset
type CallFixup struct {
	Offset uint32 // offset of the rel32 field
	Symbol string
}

// FunctionExceptionInfo is everything the table encoders need about one
// function. It is built by the ScopeTableBuilder and funclet codegen and is
// frozen before encoding.
type FunctionExceptionInfo struct {
	Name           string
	BodySize       uint32 // main body, as produced by ordinary codegen
	Size           uint32 // body plus funclet area
	ActionArea     uint32 // start of the shared action bodies, Size when none
	StackFrameSize uint32
	Prologue       PrologueDescriptor
	Epilogues      []Epilogue
	Regions        []*TryRegion // ABI order
	Arena          []*TryRegion // every region, by arena index
	Funclets       []Funclet
	ThrowSites     []uint32 // offsets of calls that may throw
	Code           []byte // finished code: body, patched stubs, funclet area

	frozen bool
}

// Freeze marks the info as complete. Encoders refuse unfrozen input and
// builders refuse to touch frozen input.
func (fi *FunctionExceptionInfo) Freeze() {
	fi.frozen = true
}

// Frozen reports whether the info is complete
func (fi *FunctionExceptionInfo) Frozen() bool {
	return fi.frozen
}

// HasExceptionInfo reports whether the function needs a handler at all
func (fi *FunctionExceptionInfo) HasExceptionInfo() bool {
	return len(fi.Regions) > 0
}

// ActionBody is the finished machine code of a finally block or filter, as
// produced by ordinary codegen. It must be position independent and free of
// relocations; it addresses the parent frame through rbp.
type ActionBody struct {
	Name string
	Code []byte
	Loc  SourceLocation
}

// FunctionInput is what the IR and prologue collaborators hand over for one
// function once its body code is final
type FunctionInput struct {
	Name      string
	Code      []byte // finalized body; nil to synthesize from Prologue and BodySize
	BodySize  uint32
	Prologue  PrologueDescriptor
	Epilogues []Epilogue
	Markers   []Marker
	Actions   map[string]ActionBody
	Loc       SourceLocation
}
