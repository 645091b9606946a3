// funclet.go - Funclets and cleanup landing pads around shared action bodies
package main

import (
	"bytes"
	"fmt"

	"github.com/xyproto/ehgen/internal/engine"
)

// The funclet area follows the function body:
//
//	body | int3 pad | funclet entries / landing pads | int3 pad | action bodies
//
// Every finally block exists once, as an action body ending in ret. The
// inline path reaches it through a call patched into the body, the unwind
// path through a funclet (COFF) or a cleanup landing pad (ELF) that calls
// the same bytes. Action bodies address the parent frame through rbp and do
// not move rsp.

const (
	funcletAreaAlign = 16
	funcletAlign     = 4
	// funcletHomeSpace is what a termination funclet allocates below the
	// saved rbp, so the action body is called with an aligned stack
	funcletHomeSpace = 32
)

// UnwindResumeSymbol is called by cleanup landing pads that have no
// enclosing region to chain to
const UnwindResumeSymbol = "_Unwind_Resume"

// FuncletArea is the finished code of a function and the funclets in it
type FuncletArea struct {
	Code       []byte
	Funclets   []Funclet
	ActionArea uint32
}

// FuncletCodegen builds the funclet area of one function
type FuncletCodegen struct {
	format   engine.ObjectFormat
	name     string
	prologue PrologueDescriptor
	actions  map[string]ActionBody
	arena    []*TryRegion
	loc      SourceLocation

	out      *Out
	base     uint32 // function-relative offset of out's first byte
	funclets []Funclet

	bodyCalls []pendingCall // call body in a funclet, patched once bodies are placed
	chains    []pendingCall // jmp to an enclosing landing pad
}

type pendingCall struct {
	at      uint32 // rel32 field, relative to out
	funclet int
}

// NewFuncletCodegen prepares funclet generation for a function whose
// regions were produced by a ScopeTableBuilder
func NewFuncletCodegen(format engine.ObjectFormat, in *FunctionInput, arena []*TryRegion) *FuncletCodegen {
	return &FuncletCodegen{
		format:   format,
		name:     in.Name,
		prologue: in.Prologue,
		actions:  in.Actions,
		arena:    arena,
		loc:      in.Loc,
	}
}

// pos returns the current function-relative offset
func (fc *FuncletCodegen) pos() uint32 {
	return fc.base + fc.out.Len()
}

func (fc *FuncletCodegen) alignOut(align uint32) {
	for fc.pos()%align != 0 {
		fc.out.Int3()
	}
}

// Generate emits the funclet area after body and patches the inline call
// stubs at the FuncletBody slots. The handlers in the arena get their
// funclet index (and, for ELF cleanups, their landing pad) filled in.
func (fc *FuncletCodegen) Generate(body []byte, slots []Marker) (*FuncletArea, error) {
	if err := fc.checkActions(slots); err != nil {
		return nil, err
	}

	code := append([]byte(nil), body...)
	if fc.needsArea() {
		for uint32(len(code))%funcletAreaAlign != 0 {
			code = append(code, 0xCC)
		}
	}
	fc.base = uint32(len(code))
	fc.out = NewOut(fc.name + ".funclets")

	for _, region := range fc.arena {
		for hi := range region.Handlers {
			var err error
			h := &region.Handlers[hi]
			switch {
			case h.Kind == HandlerSehExcept && !h.Filter.IsSentinel():
				err = fc.filterFunclet(region, h)
			case h.Kind == HandlerSehFinally && fc.format == engine.FormatCOFF:
				err = fc.terminationFunclet(region, h)
			case h.Kind == HandlerSehFinally && fc.format == engine.FormatELF:
				err = fc.cleanupPad(region, h)
			}
			if err != nil {
				return nil, inFunction(err, fc.name)
			}
		}
	}

	// Shared action bodies
	if len(fc.bodyCalls) > 0 {
		fc.alignOut(funcletAreaAlign)
	}
	actionArea := fc.pos()
	for i := range fc.funclets {
		f := &fc.funclets[i]
		if f.Kind == FuncletFilter {
			continue
		}
		action := fc.actions[fc.actionName(f)]
		f.Body = fc.pos()
		fc.out.Write(action.Code...)
		fc.out.Ret()
	}

	for _, pc := range fc.bodyCalls {
		fc.out.patchRel32(pc.at, fc.funclets[pc.funclet].Body-fc.base)
	}
	for _, pc := range fc.chains {
		f := &fc.funclets[pc.funclet]
		fc.out.patchRel32(pc.at, f.ChainTarget-fc.base)
	}

	if err := fc.patchInlineStubs(code, slots); err != nil {
		return nil, inFunction(err, fc.name)
	}

	code = append(code, fc.out.Bytes()...)
	return &FuncletArea{Code: code, Funclets: fc.funclets, ActionArea: actionArea}, nil
}

// needsArea reports whether any handler produces a funclet
func (fc *FuncletCodegen) needsArea() bool {
	for _, region := range fc.arena {
		for _, h := range region.Handlers {
			if h.Kind == HandlerSehFinally || (h.Kind == HandlerSehExcept && !h.Filter.IsSentinel()) {
				return true
			}
		}
	}
	return false
}

func (fc *FuncletCodegen) actionName(f *Funclet) string {
	for _, h := range fc.arena[f.Region].Handlers {
		if h.Kind == HandlerSehFinally {
			return h.Action
		}
	}
	return ""
}

// checkActions makes sure every finally has exactly one action body of its
// own, that every inline slot belongs to a finally, and that the parent
// frame can be found from the funclets
func (fc *FuncletCodegen) checkActions(slots []Marker) error {
	owner := make(map[string]*TryRegion)
	for _, region := range fc.arena {
		for _, h := range region.Handlers {
			if h.Kind != HandlerSehFinally {
				continue
			}
			if _, ok := fc.actions[h.Action]; !ok {
				return StructuralError(fmt.Sprintf("__finally refers to unknown action body %q%s",
					h.Action, suggestName(h.Action, fc.actionNames())), h.Loc)
			}
			if other, dup := owner[h.Action]; dup {
				return StructuralError(fmt.Sprintf("action body %q is shared by the regions at %d and %d",
					h.Action, other.Start, region.Start), h.Loc)
			}
			owner[h.Action] = region
		}
	}
	for _, slot := range slots {
		if _, ok := owner[slot.Action]; !ok {
			return StructuralError(fmt.Sprintf("funclet.body slot for %q, which is not a __finally action", slot.Action), slot.Loc)
		}
	}
	if len(owner) > 0 {
		op, ok := fc.prologue.FrameRegister()
		if !ok || op.Reg.Name != "rbp" {
			return UnsupportedFeatureError("__finally blocks in a function without an rbp frame pointer", fc.loc)
		}
	}
	return nil
}

func (fc *FuncletCodegen) actionNames() []string {
	names := make([]string, 0, len(fc.actions))
	for name := range fc.actions {
		names = append(names, name)
	}
	return names
}

func (fc *FuncletCodegen) add(f Funclet) int {
	fc.funclets = append(fc.funclets, f)
	return len(fc.funclets) - 1
}

// filterFunclet lowers a non-constant filter. The funclet is its own body.
func (fc *FuncletCodegen) filterFunclet(region *TryRegion, h *HandlerDescriptor) error {
	fc.alignOut(funcletAlign)
	entry := fc.pos()
	lf, err := lowerFilter(fc.out, h.Filter, h.Loc)
	if err != nil {
		return err
	}
	f := Funclet{
		Name:     fmt.Sprintf("%s.filter.%d", fc.name, len(fc.funclets)),
		Kind:     FuncletFilter,
		Region:   region.Index,
		Entry:    entry,
		End:      fc.pos(),
		Body:     entry,
		Exit:     ExitReturnToDispatcher,
		Prologue: lf.prologue,
		Epilogue: lf.epilogue,
	}
	for _, c := range lf.calls {
		f.Calls = append(f.Calls, CallFixup{Offset: entry + c.Offset, Symbol: c.Symbol})
	}
	h.Funclet = fc.add(f)
	return nil
}

// terminationFunclet emits the COFF entry for a finally block:
//
//	push rbp
//	lea  rbp, [rdx+FrameOffset]   ; rdx is the establisher frame
//	sub  rsp, 32
//	call body
//	add  rsp, 32
//	pop  rbp
//	ret
func (fc *FuncletCodegen) terminationFunclet(region *TryRegion, h *HandlerDescriptor) error {
	frame, _ := fc.prologue.FrameRegister()
	rbp := mustRegister("rbp")
	rdx := mustRegister("rdx")

	fc.alignOut(funcletAlign)
	entry := fc.pos()
	o := fc.out
	start := o.Len()

	o.PushReg(rbp)
	push := FrameOp{Kind: OpPushReg, Reg: rbp, End: o.Len() - start}
	if frame.Offset == 0 {
		o.MovRegToReg(rbp, rdx)
	} else {
		o.LeaRegDisp(rbp, rdx, int32(frame.Offset))
	}
	alloc := FrameOp{Kind: OpAlloc, Amount: funcletHomeSpace}
	emitFrameOp(o, alloc)
	alloc.End = o.Len() - start

	idx := len(fc.funclets)
	o.CallRelative(0)
	fc.bodyCalls = append(fc.bodyCalls, pendingCall{at: o.Len() - 4, funclet: idx})

	epStart := o.Len() - start
	epOps := EmitFrameOps(o, []FrameOp{
		{Kind: OpDealloc, Amount: funcletHomeSpace},
		{Kind: OpPopReg, Reg: rbp},
		{Kind: OpRet},
	})

	h.Funclet = fc.add(Funclet{
		Name:     fmt.Sprintf("%s.finally.%d", fc.name, idx),
		Kind:     FuncletTermination,
		Region:   region.Index,
		Entry:    entry,
		End:      fc.pos(),
		Exit:     ExitReturnToDispatcher,
		Prologue: PrologueDescriptor{Ops: []FrameOp{push, alloc}},
		Epilogue: Epilogue{Offset: epStart, Ops: epOps},
	})
	return nil
}

// cleanupPad emits the ELF landing pad for a finally block. It runs in the
// parent's frame with the exception object in rax and the selector in edx:
//
//	push rax
//	push rdx
//	call body
//	pop  rdx
//	pop  rax
//	jmp  <enclosing landing pad>        ; nested in another region
//	mov  rdi, rax / call _Unwind_Resume ; outermost
func (fc *FuncletCodegen) cleanupPad(region *TryRegion, h *HandlerDescriptor) error {
	rax := mustRegister("rax")
	rdx := mustRegister("rdx")
	rdi := mustRegister("rdi")

	entry := fc.pos()
	o := fc.out
	idx := len(fc.funclets)
	f := Funclet{
		Name:   fmt.Sprintf("%s.cleanup.%d", fc.name, idx),
		Kind:   FuncletCleanup,
		Region: region.Index,
		Entry:  entry,
	}

	scratch := func(op FrameOp) {
		emitFrameOp(o, op)
		f.Events = append(f.Events, FrameEvent{At: fc.pos(), Op: op, Scratch: true})
	}
	scratch(FrameOp{Kind: OpPushReg, Reg: rax})
	scratch(FrameOp{Kind: OpPushReg, Reg: rdx})
	o.CallRelative(0)
	fc.bodyCalls = append(fc.bodyCalls, pendingCall{at: o.Len() - 4, funclet: idx})
	scratch(FrameOp{Kind: OpPopReg, Reg: rdx})
	scratch(FrameOp{Kind: OpPopReg, Reg: rax})

	if region.Parent >= 0 {
		target, err := fc.enclosingPad(region)
		if err != nil {
			return err
		}
		f.Exit = ExitChain
		f.ChainTarget = target
		o.JumpUnconditional(0)
		fc.chains = append(fc.chains, pendingCall{at: o.Len() - 4, funclet: idx})
	} else {
		f.Exit = ExitResume
		o.MovRegToReg(rdi, rax)
		at := o.CallPlaceholder(UnwindResumeSymbol)
		f.Calls = append(f.Calls, CallFixup{Offset: fc.base + at, Symbol: UnwindResumeSymbol})
	}
	f.End = fc.pos()
	h.LandingPad = entry
	h.Funclet = fc.add(f)
	return nil
}

// enclosingPad returns the landing pad of the parent region. The arena is
// in open order, so a parent cleanup's pad already exists.
func (fc *FuncletCodegen) enclosingPad(region *TryRegion) (uint32, error) {
	parent := fc.arena[region.Parent]
	for _, ph := range parent.Handlers {
		switch ph.Kind {
		case HandlerCatch:
			return ph.LandingPad, nil
		case HandlerSehFinally:
			if ph.Funclet < 0 {
				return 0, ConsistencyError(fmt.Sprintf("enclosing cleanup of region at %d has no landing pad yet", region.Start))
			}
			return fc.funclets[ph.Funclet].Entry, nil
		}
	}
	return 0, ConsistencyError(fmt.Sprintf("enclosing region of the one at %d has no landing pad", region.Start))
}

// reservedSlot reports whether b is a 5-byte hole left for a call: five
// one-byte nops or the canonical 5-byte nop
func reservedSlot(b []byte) bool {
	if bytes.Equal(b, []byte{0x0F, 0x1F, 0x44, 0x00, 0x00}) {
		return true
	}
	return bytes.Count(b, []byte{0x90}) == len(b)
}

// patchInlineStubs turns every FuncletBody slot into call body
func (fc *FuncletCodegen) patchInlineStubs(code []byte, slots []Marker) error {
	for _, slot := range slots {
		fi := -1
		for i := range fc.funclets {
			if fc.funclets[i].Kind != FuncletFilter && fc.actionName(&fc.funclets[i]) == slot.Action {
				fi = i
				break
			}
		}
		if fi < 0 {
			return ConsistencyError(fmt.Sprintf("no funclet generated for action %q", slot.Action))
		}
		at := slot.Offset
		if !reservedSlot(code[at : at+callInsnSize]) {
			return StructuralError(fmt.Sprintf("funclet.body slot at %d is not a reserved 5-byte nop (% x)",
				at, code[at:at+callInsnSize]), slot.Loc)
		}
		f := &fc.funclets[fi]
		copy(code[at:], encodeCallRel32(at, f.Body))
		f.InlineStubs = append(f.InlineStubs, at)
	}
	return nil
}
