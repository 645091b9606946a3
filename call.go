// Completion: 100% - Instruction implementation complete
package main

// CALL instructions
// Both entry points of a shared action body reach it with a near call:
//   - the inline path in the function body (patched into a reserved slot)
//   - the funclet entry invoked by the unwinder

// callInsnSize is the size of call rel32
const callInsnSize = 5

// CallRelative emits call rel32; offset is relative to the end of the instruction
func (o *Out) CallRelative(offset int32) {
	o.trace("call %+d", offset)
	o.Write(0xE8)
	o.write32(uint32(offset))
}

// CallTo emits a call to a target offset inside the same buffer
func (o *Out) CallTo(target uint32) {
	o.CallRelative(int32(target) - int32(o.Len()+callInsnSize))
}

// CallPlaceholder emits call rel32 with a zero displacement and returns the
// offset of the displacement, for a relocation to fill in
func (o *Out) CallPlaceholder(symbol string) uint32 {
	o.trace("call %s", symbol)
	o.Write(0xE8)
	at := o.Len()
	o.write32(0)
	return at
}

// encodeCallRel32 returns the bytes of call rel32 placed at from, targeting to
func encodeCallRel32(from, to uint32) []byte {
	rel := uint32(int32(to) - int32(from+callInsnSize))
	return []byte{0xE8, byte(rel), byte(rel >> 8), byte(rel >> 16), byte(rel >> 24)}
}
