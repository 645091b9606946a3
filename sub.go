// Completion: 100% - Instruction implementation complete
package main

// SUB/ADD on the stack pointer
// Stack allocation in prologues and funclet entries, and the matching
// deallocation in epilogues. Only 64-bit register forms are needed.

// SubImmFromReg emits sub reg, imm
func (o *Out) SubImmFromReg(reg Register, imm int32) {
	o.trace("sub %s, %d", reg.Name, imm)
	o.arithImm(5, reg, imm)
}

// AddImmToReg emits add reg, imm
func (o *Out) AddImmToReg(reg Register, imm int32) {
	o.trace("add %s, %d", reg.Name, imm)
	o.arithImm(0, reg, imm)
}

// arithImm encodes the group-1 immediate form (83 /ext ib or 81 /ext id)
func (o *Out) arithImm(ext uint8, reg Register, imm int32) {
	o.Write(rex(true, 0, reg.Encoding))
	if imm >= -128 && imm <= 127 {
		o.Write(0x83, 0xC0|ext<<3|reg.Encoding&7, uint8(int8(imm)))
		return
	}
	o.Write(0x81, 0xC0|ext<<3|reg.Encoding&7)
	o.write32(uint32(imm))
}

// MovImm64ToReg emits mov reg, imm64. Frames too large for a 32-bit
// immediate are allocated through rax.
func (o *Out) MovImm64ToReg(reg Register, imm uint64) {
	o.trace("mov %s, 0x%x", reg.Name, imm)
	o.Write(rex(true, 0, reg.Encoding), 0xB8+reg.Encoding&7)
	o.write32(uint32(imm))
	o.write32(uint32(imm >> 32))
}

// SubRegFromReg emits sub dst, src
func (o *Out) SubRegFromReg(dst, src Register) {
	o.trace("sub %s, %s", dst.Name, src.Name)
	o.Write(rex(true, src.Encoding, dst.Encoding), 0x29, 0xC0|(src.Encoding&7)<<3|dst.Encoding&7)
}
