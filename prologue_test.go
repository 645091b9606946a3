package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameOpEncodings(t *testing.T) {
	rbp := mustRegister("rbp")
	rbx := mustRegister("rbx")
	r12 := mustRegister("r12")
	tests := []struct {
		op   FrameOp
		want []byte
	}{
		{FrameOp{Kind: OpPushReg, Reg: rbp}, []byte{0x55}},
		{FrameOp{Kind: OpPushReg, Reg: r12}, []byte{0x41, 0x54}},
		{FrameOp{Kind: OpPopReg, Reg: rbp}, []byte{0x5d}},
		{FrameOp{Kind: OpPopReg, Reg: r12}, []byte{0x41, 0x5c}},
		{FrameOp{Kind: OpSetFrame, Reg: rbp}, []byte{0x48, 0x89, 0xe5}},
		{FrameOp{Kind: OpSetFrame, Reg: rbp, Offset: 32}, []byte{0x48, 0x8d, 0x6c, 0x24, 0x20}},
		{FrameOp{Kind: OpAlloc, Amount: 32}, []byte{0x48, 0x83, 0xec, 0x20}},
		{FrameOp{Kind: OpAlloc, Amount: 0x200}, []byte{0x48, 0x81, 0xec, 0x00, 0x02, 0x00, 0x00}},
		{FrameOp{Kind: OpDealloc, Amount: 32}, []byte{0x48, 0x83, 0xc4, 0x20}},
		{FrameOp{Kind: OpSaveReg, Reg: rbx, Offset: 8}, []byte{0x48, 0x89, 0x5c, 0x24, 0x08}},
		{FrameOp{Kind: OpRestoreFrame, Reg: rbp}, []byte{0x48, 0x89, 0xec}},
		{FrameOp{Kind: OpRet}, []byte{0xc3}},
	}
	for _, tt := range tests {
		o := NewOut("test")
		emitFrameOp(o, tt.op)
		if !bytes.Equal(o.Bytes(), tt.want) {
			t.Errorf("%s: got % x, want % x", tt.op, o.Bytes(), tt.want)
		}
	}
}

func TestPrologueBuilderMatchesEmitPrologue(t *testing.T) {
	b := NewPrologueBuilder().
		Push(mustRegister("rbp")).
		Push(mustRegister("r12")).
		Alloc(40).
		SetFrame(mustRegister("rbp"), 32)
	desc := b.Descriptor()

	require.Len(t, desc.Ops, 4)
	assert.Equal(t, []uint32{1, 3, 7, 12}, []uint32{desc.Ops[0].End, desc.Ops[1].End, desc.Ops[2].End, desc.Ops[3].End})
	assert.Equal(t, uint32(12), desc.Size())

	code, mirrored := EmitPrologue(desc)
	assert.Equal(t, b.Bytes(), code)
	assert.Equal(t, desc, mirrored)
	assert.NoError(t, ValidatePrologue(desc, code, SourceLocation{}))

	frame, ok := desc.FrameRegister()
	require.True(t, ok)
	assert.Equal(t, "rbp", frame.Reg.Name)
	assert.Equal(t, uint32(32), frame.Offset)
}

func TestValidatePrologueRejectsMismatch(t *testing.T) {
	desc := NewPrologueBuilder().Push(mustRegister("rbp")).Alloc(32).Descriptor()

	// code that does not start with the prologue
	err := ValidatePrologue(desc, []byte{0x90, 0x90, 0x90, 0x90, 0x90}, SourceLocation{})
	assert.Equal(t, CategoryInternal, categoryOf(err))

	// End offsets that do not match the emitted instructions
	bad := PrologueDescriptor{Ops: []FrameOp{desc.Ops[0], {Kind: OpAlloc, Amount: 32, End: 4}}}
	assert.Error(t, ValidatePrologue(bad, nil, SourceLocation{}))

	// epilogue operations do not belong in a prologue
	ret := PrologueDescriptor{Ops: []FrameOp{{Kind: OpRet, End: 1}}}
	assert.Equal(t, CategoryStructural, categoryOf(ValidatePrologue(ret, nil, SourceLocation{})))

	odd := PrologueDescriptor{Ops: []FrameOp{{Kind: OpAlloc, Amount: 12, End: 4}}}
	assert.Equal(t, CategoryEncoding, categoryOf(ValidatePrologue(odd, nil, SourceLocation{})))
}

func TestEpilogueFor(t *testing.T) {
	desc := NewPrologueBuilder().
		Push(mustRegister("rbp")).
		SetFrame(mustRegister("rbp"), 0).
		Push(mustRegister("rbx")).
		Alloc(40).
		Descriptor()
	ops := EpilogueFor(desc)

	kinds := make([]FrameOpKind, len(ops))
	for i, op := range ops {
		kinds[i] = op.Kind
	}
	assert.Equal(t, []FrameOpKind{OpDealloc, OpPopReg, OpPopReg, OpRet}, kinds)
	assert.Equal(t, "rbx", ops[1].Reg.Name)
	assert.Equal(t, "rbp", ops[2].Reg.Name)

	ep := Epilogue{Offset: 64, Ops: ops}
	assert.NoError(t, ValidateEpilogue(desc, ep, SourceLocation{}))
	// add rsp,40; pop rbx; pop rbp; ret
	assert.Equal(t, uint32(4+1+1+1), ep.Size())
}

func TestValidateEpilogueStackImbalance(t *testing.T) {
	desc := NewPrologueBuilder().Push(mustRegister("rbp")).Alloc(32).Descriptor()
	// forgets the deallocation
	ops := EmitFrameOps(NewOut("epilogue"), []FrameOp{{Kind: OpPopReg, Reg: mustRegister("rbp")}, {Kind: OpRet}})
	assert.Error(t, ValidateEpilogue(desc, Epilogue{Offset: 40, Ops: ops}, SourceLocation{}))
}
