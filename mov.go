// Completion: 100% - Instruction implementation complete
package main

import (
	"fmt"
)

// Out is an x86-64 code buffer. Prologues and funclets are emitted through
// it so that the recorded instruction offsets always describe the bytes
// that were actually written.
type Out struct {
	buf  []byte
	name string // For tracing
}

// NewOut creates an empty code buffer
func NewOut(name string) *Out {
	return &Out{name: name}
}

func (o *Out) Write(bs ...uint8) {
	o.buf = append(o.buf, bs...)
}

func (o *Out) write32(v uint32) {
	o.buf = append(o.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// Len returns the current offset
func (o *Out) Len() uint32 {
	return uint32(len(o.buf))
}

// Bytes returns the emitted code
func (o *Out) Bytes() []byte {
	return o.buf
}

func (o *Out) trace(format string, args ...any) {
	if VerboseMode {
		logger.Debug().Str("buffer", o.name).Uint32("at", o.Len()).Msg(fmt.Sprintf(format, args...))
	}
}

// rex builds a REX prefix with W set for 64-bit operands
func rex(w bool, reg, rm uint8) uint8 {
	b := uint8(0x40)
	if w {
		b |= 0x08
	}
	if reg >= 8 {
		b |= 0x04
	}
	if rm >= 8 {
		b |= 0x01
	}
	return b
}

// modrmDisp writes ModRM (+SIB) and a displacement for [base+disp]. It always
// uses an explicit displacement so rbp/r13 need no special case.
func (o *Out) modrmDisp(reg, base uint8, disp int32) {
	mod := uint8(0x80)
	if disp >= -128 && disp <= 127 {
		mod = 0x40
	}
	o.Write(mod | (reg&7)<<3 | base&7)
	if base&7 == 4 {
		o.Write(0x24) // SIB: base=rsp/r12, no index
	}
	if mod == 0x40 {
		o.Write(uint8(int8(disp)))
	} else {
		o.write32(uint32(disp))
	}
}

// MovRegToReg emits mov dst, src (64-bit)
func (o *Out) MovRegToReg(dst, src Register) {
	o.trace("mov %s, %s", dst.Name, src.Name)
	o.Write(rex(true, src.Encoding, dst.Encoding), 0x89, 0xC0|(src.Encoding&7)<<3|dst.Encoding&7)
}

// LeaRegDisp emits lea dst, [base+disp]
func (o *Out) LeaRegDisp(dst, base Register, disp int32) {
	o.trace("lea %s, [%s%+d]", dst.Name, base.Name, disp)
	o.Write(rex(true, dst.Encoding, base.Encoding), 0x8D)
	o.modrmDisp(dst.Encoding, base.Encoding, disp)
}

// MovRegToMem emits mov [base+disp], src (64-bit)
func (o *Out) MovRegToMem(src, base Register, disp int32) {
	o.trace("mov [%s%+d], %s", base.Name, disp, src.Name)
	o.Write(rex(true, src.Encoding, base.Encoding), 0x89)
	o.modrmDisp(src.Encoding, base.Encoding, disp)
}

// MovMemToReg emits mov dst, [base+disp] (64-bit)
func (o *Out) MovMemToReg(dst, base Register, disp int32) {
	o.trace("mov %s, [%s%+d]", dst.Name, base.Name, disp)
	o.Write(rex(true, dst.Encoding, base.Encoding), 0x8B)
	o.modrmDisp(dst.Encoding, base.Encoding, disp)
}

// MovImm32ToReg32 emits mov r32, imm32 (zero-extends into the 64-bit register)
func (o *Out) MovImm32ToReg32(dst Register, imm int32) {
	o.trace("mov %s(32), %d", dst.Name, imm)
	if dst.Encoding >= 8 {
		o.Write(0x41)
	}
	o.Write(0xB8 + dst.Encoding&7)
	o.write32(uint32(imm))
}

// CmpMem32Imm emits cmp dword [base+disp], imm32
func (o *Out) CmpMem32Imm(base Register, disp int32, imm uint32) {
	o.trace("cmp dword [%s%+d], 0x%x", base.Name, disp, imm)
	if base.Encoding >= 8 {
		o.Write(0x41)
	}
	o.Write(0x81)
	o.modrmDisp(7, base.Encoding, disp)
	o.write32(imm)
}

// Nop emits n one-byte NOPs
func (o *Out) Nop(n int) {
	for i := 0; i < n; i++ {
		o.Write(0x90)
	}
}

// Int3 emits a breakpoint, used as padding that traps if ever executed
func (o *Out) Int3() {
	o.Write(0xCC)
}
