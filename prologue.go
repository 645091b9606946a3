// prologue.go - Emit prologues and epilogues from their descriptors
package main

import (
	"bytes"
	"fmt"
)

// emitFrameOp writes the instruction for one frame operation
func emitFrameOp(o *Out, op FrameOp) {
	rsp := mustRegister("rsp")
	switch op.Kind {
	case OpPushReg:
		o.PushReg(op.Reg)
	case OpPopReg:
		o.PopReg(op.Reg)
	case OpAlloc:
		if op.Amount > 0x7FFFFFFF {
			rax := mustRegister("rax")
			o.MovImm64ToReg(rax, uint64(op.Amount))
			o.SubRegFromReg(rsp, rax)
		} else {
			o.SubImmFromReg(rsp, int32(op.Amount))
		}
	case OpDealloc:
		o.AddImmToReg(rsp, int32(op.Amount))
	case OpSetFrame:
		if op.Offset == 0 {
			o.MovRegToReg(op.Reg, rsp)
		} else {
			o.LeaRegDisp(op.Reg, rsp, int32(op.Offset))
		}
	case OpRestoreFrame:
		if op.Offset == 0 {
			o.MovRegToReg(rsp, op.Reg)
		} else {
			o.LeaRegDisp(rsp, op.Reg, -int32(op.Offset))
		}
	case OpSaveReg:
		o.MovRegToMem(op.Reg, rsp, int32(op.Offset))
	case OpRet:
		o.Ret()
	}
}

// EmitFrameOps emits ops into o and returns them with End filled in,
// relative to the offset o had on entry
func EmitFrameOps(o *Out, ops []FrameOp) []FrameOp {
	base := o.Len()
	result := make([]FrameOp, len(ops))
	for i, op := range ops {
		emitFrameOp(o, op)
		op.End = o.Len() - base
		result[i] = op
	}
	return result
}

// PrologueBuilder assembles a prologue and its descriptor together, which is
// how the descriptor is guaranteed to mirror the emitted bytes
type PrologueBuilder struct {
	out *Out
	ops []FrameOp
}

// NewPrologueBuilder starts an empty prologue
func NewPrologueBuilder() *PrologueBuilder {
	return &PrologueBuilder{out: NewOut("prologue")}
}

// Push emits push reg
func (b *PrologueBuilder) Push(reg Register) *PrologueBuilder {
	b.out.PushReg(reg)
	b.ops = append(b.ops, FrameOp{Kind: OpPushReg, Reg: reg, End: b.out.Len()})
	return b
}

// Alloc emits sub rsp, n
func (b *PrologueBuilder) Alloc(n uint32) *PrologueBuilder {
	op := FrameOp{Kind: OpAlloc, Amount: n}
	emitFrameOp(b.out, op)
	op.End = b.out.Len()
	b.ops = append(b.ops, op)
	return b
}

// SetFrame emits lea reg, [rsp+offset]
func (b *PrologueBuilder) SetFrame(reg Register, offset uint32) *PrologueBuilder {
	op := FrameOp{Kind: OpSetFrame, Reg: reg, Offset: offset}
	emitFrameOp(b.out, op)
	op.End = b.out.Len()
	b.ops = append(b.ops, op)
	return b
}

// Save emits mov [rsp+offset], reg
func (b *PrologueBuilder) Save(reg Register, offset uint32) *PrologueBuilder {
	op := FrameOp{Kind: OpSaveReg, Reg: reg, Offset: offset}
	emitFrameOp(b.out, op)
	op.End = b.out.Len()
	b.ops = append(b.ops, op)
	return b
}

// Descriptor returns the prologue descriptor
func (b *PrologueBuilder) Descriptor() PrologueDescriptor {
	ops := make([]FrameOp, len(b.ops))
	copy(ops, b.ops)
	return PrologueDescriptor{Ops: ops}
}

// Bytes returns the emitted prologue
func (b *PrologueBuilder) Bytes() []byte {
	return b.out.Bytes()
}

// EmitPrologue re-emits a descriptor's operations. The returned descriptor
// has End offsets computed from the emitted instructions.
func EmitPrologue(desc PrologueDescriptor) ([]byte, PrologueDescriptor) {
	o := NewOut("prologue")
	ops := EmitFrameOps(o, desc.Ops)
	return o.Bytes(), PrologueDescriptor{Ops: ops}
}

// ValidatePrologue checks that the descriptor is well formed and, when code
// is given, that the code starts with exactly the bytes the descriptor
// describes
func ValidatePrologue(desc PrologueDescriptor, code []byte, loc SourceLocation) error {
	var prev uint32
	tracker := NewFrameTracker()
	for i, op := range desc.Ops {
		if op.End <= prev {
			return StructuralError(fmt.Sprintf("prologue op %d (%s) does not advance past offset %d", i, op, prev), loc)
		}
		prev = op.End
		switch op.Kind {
		case OpPushReg, OpAlloc, OpSetFrame, OpSaveReg:
		default:
			return StructuralError(fmt.Sprintf("%s is not a prologue operation", op.Kind), loc)
		}
		if op.Kind == OpAlloc && op.Amount%8 != 0 {
			return EncodingError(fmt.Sprintf("stack allocation of %d bytes is not a multiple of 8", op.Amount), loc)
		}
		if err := tracker.Apply(FrameEvent{At: op.End, Op: op}); err != nil {
			return err
		}
	}

	emitted, mirrored := EmitPrologue(desc)
	for i, op := range mirrored.Ops {
		if op.End != desc.Ops[i].End {
			return ConsistencyError(fmt.Sprintf("prologue op %d (%s) ends at %d but the emitted instruction ends at %d",
				i, desc.Ops[i], desc.Ops[i].End, op.End))
		}
	}
	if code != nil {
		if len(code) < len(emitted) || !bytes.Equal(code[:len(emitted)], emitted) {
			return ConsistencyError(fmt.Sprintf("function code does not start with the described prologue (% x)", emitted))
		}
	}
	return nil
}

// ValidateEpilogue checks an epilogue against the frame the prologue built
func ValidateEpilogue(desc PrologueDescriptor, ep Epilogue, loc SourceLocation) error {
	tracker := NewFrameTracker()
	for _, op := range desc.Ops {
		if err := tracker.Apply(FrameEvent{At: op.End, Op: op}); err != nil {
			return err
		}
	}
	var prev uint32
	for _, op := range ep.Ops {
		if op.End <= prev {
			return StructuralError(fmt.Sprintf("epilogue op %s at %d does not advance", op, ep.Offset), loc)
		}
		prev = op.End
		switch op.Kind {
		case OpDealloc, OpPopReg, OpRestoreFrame, OpRet:
		default:
			return StructuralError(fmt.Sprintf("%s is not an epilogue operation", op.Kind), loc)
		}
		if err := tracker.Apply(FrameEvent{At: ep.Offset + op.End, Op: op}); err != nil {
			return err
		}
	}
	o := NewOut("epilogue")
	mirrored := EmitFrameOps(o, ep.Ops)
	for i, op := range mirrored {
		if op.End != ep.Ops[i].End {
			return ConsistencyError(fmt.Sprintf("epilogue at %d: op %s ends at %d, emitted instruction ends at %d",
				ep.Offset, ep.Ops[i], ep.Ops[i].End, op.End))
		}
	}
	return nil
}

// EpilogueFor builds the conventional epilogue that undoes desc: every
// allocation and push is reversed in opposite order, then ret. The frame
// pointer is left alone, so the epilogue is valid with or without one.
func EpilogueFor(desc PrologueDescriptor) []FrameOp {
	var ops []FrameOp
	for i := len(desc.Ops) - 1; i >= 0; i-- {
		op := desc.Ops[i]
		switch op.Kind {
		case OpPushReg:
			ops = append(ops, FrameOp{Kind: OpPopReg, Reg: op.Reg})
		case OpAlloc:
			ops = append(ops, FrameOp{Kind: OpDealloc, Amount: op.Amount})
		}
	}
	ops = append(ops, FrameOp{Kind: OpRet})
	return EmitFrameOps(NewOut("epilogue"), ops)
}
