// Completion: 100% - Instruction implementation complete
package main

// Jump instructions used by lowered filter expressions.
// Filter bodies are tiny and self-contained, so only the short forms are
// needed, plus the long unconditional form that chains cleanup landing
// pads to the landing pad of the enclosing region.

// Condition codes for jumps
type JumpCondition int

const (
	JumpEqual    JumpCondition = iota // JE/JZ - equal/zero
	JumpNotEqual                      // JNE/JNZ - not equal/not zero
)

// JumpShortConditional emits a short conditional jump (rel8, from the end of the instruction)
func (o *Out) JumpShortConditional(condition JumpCondition, offset int8) {
	switch condition {
	case JumpEqual:
		o.trace("je %+d", offset)
		o.Write(0x74, uint8(offset))
	case JumpNotEqual:
		o.trace("jne %+d", offset)
		o.Write(0x75, uint8(offset))
	}
}

// JumpUnconditional emits jmp rel32
func (o *Out) JumpUnconditional(offset int32) {
	o.trace("jmp %+d", offset)
	o.Write(0xE9)
	o.write32(uint32(offset))
}

// patchRel32 rewrites the rel32 field at `at` so that it reaches target.
// The field is the last four bytes of its instruction.
func (o *Out) patchRel32(at, target uint32) {
	rel := uint32(int32(target) - int32(at+4))
	o.buf[at] = byte(rel)
	o.buf[at+1] = byte(rel >> 8)
	o.buf[at+2] = byte(rel >> 16)
	o.buf[at+3] = byte(rel >> 24)
}
