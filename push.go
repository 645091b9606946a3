// Completion: 100% - Instruction implementation complete
package main

// PUSH/POP instructions for stack management
// Used by:
//   - Function prologues (push nonvolatile registers, push rbp)
//   - Epilogues (pop in reverse order)
//   - Funclet entries, which save rbp before re-pointing it at the
//     establisher frame
//   - Cleanup landing pads, which park the in-flight exception object

// PushReg emits push reg
func (o *Out) PushReg(reg Register) {
	o.trace("push %s", reg.Name)

	// PUSH uses compact encoding: 0x50 + reg
	// For extended registers (R8-R15), need REX prefix
	if reg.Encoding >= 8 {
		o.Write(0x41) // REX.B
	}
	o.Write(0x50 + reg.Encoding&7)
}

// PopReg emits pop reg
func (o *Out) PopReg(reg Register) {
	o.trace("pop %s", reg.Name)

	// POP uses compact encoding: 0x58 + reg
	if reg.Encoding >= 8 {
		o.Write(0x41) // REX.B
	}
	o.Write(0x58 + reg.Encoding&7)
}
