// filter.go - Lower SEH filter expressions to filter funclets
package main

import (
	"fmt"
)

// A filter funclet is called by the dispatcher as
//
//	LONG filter(EXCEPTION_POINTERS *rcx, void *EstablisherFrame rdx)
//
// and returns a disposition in eax. Filters do not touch the parent frame,
// so unlike termination funclets they need no frame pointer.

// filterShadowSpace is the stack a filter that calls out allocates: 32 bytes
// of home space plus 8 to realign after the return address
const filterShadowSpace = 40

// loweredFilter is a filter funclet emitted at the start of an Out
type loweredFilter struct {
	prologue PrologueDescriptor
	epilogue Epilogue
	calls    []CallFixup // relative to the funclet entry
}

func isDisposition(v int32) bool {
	return v >= ExceptionContinueExecution && v <= ExceptionExecuteHandler
}

// lowerFilter emits the funclet for a filter that is not a sentinel
// constant. Filter forms with no lowering are rejected rather than emitted
// as something that evaluates differently.
func lowerFilter(o *Out, f FilterRef, loc SourceLocation) (loweredFilter, error) {
	var lf loweredFilter
	base := o.Len()
	rax := mustRegister("rax")
	rcx := mustRegister("rcx")

	if f.Constant {
		// A constant outside the three dispositions is still a valid
		// filter result; the dispatcher only looks at its sign.
		o.MovImm32ToReg32(rax, f.Value)
		o.Ret()
		lf.epilogue = Epilogue{Offset: o.Len() - base - 1, Ops: []FrameOp{{Kind: OpRet, End: 1}}}
		return lf, nil
	}
	if f.Expr == nil {
		return lf, StructuralError("filter has neither a constant nor an expression", loc)
	}

	expr := f.Expr
	switch expr.Kind {
	case FilterExceptionCode:
		if !isDisposition(expr.Match) || !isDisposition(expr.NoMatch) {
			return lf, EncodingError(fmt.Sprintf("exception-code filter results %d/%d are not dispositions",
				expr.Match, expr.NoMatch), loc)
		}
		// rax = ExceptionPointers->ExceptionRecord
		o.MovMemToReg(rax, rcx, 0)
		o.CmpMem32Imm(rax, 0, expr.Code)
		o.MovImm32ToReg32(rax, expr.NoMatch)
		o.JumpShortConditional(JumpNotEqual, 5)
		o.MovImm32ToReg32(rax, expr.Match)
		o.Ret()
		lf.epilogue = Epilogue{Offset: o.Len() - base - 1, Ops: []FrameOp{{Kind: OpRet, End: 1}}}

	case FilterCall:
		if expr.Symbol == "" {
			return lf, StructuralError("filter call without a target symbol", loc)
		}
		// rcx and rdx are passed through unchanged
		ops := EmitFrameOps(o, []FrameOp{{Kind: OpAlloc, Amount: filterShadowSpace}})
		lf.prologue = PrologueDescriptor{Ops: ops}
		at := o.CallPlaceholder(expr.Symbol)
		lf.calls = append(lf.calls, CallFixup{Offset: at - base, Symbol: expr.Symbol})
		epStart := o.Len()
		epOps := EmitFrameOps(o, []FrameOp{
			{Kind: OpDealloc, Amount: filterShadowSpace},
			{Kind: OpRet},
		})
		lf.epilogue = Epilogue{Offset: epStart - base, Ops: epOps}

	case FilterLocalRef:
		return lf, UnsupportedFeatureError(fmt.Sprintf("filter expression reading local %q of the enclosing frame", expr.Symbol), loc)

	default:
		return lf, UnsupportedFeatureError(fmt.Sprintf("%s filter expression", expr.Kind), loc)
	}
	return lf, nil
}
