// Completion: 100% - Instruction implementation complete
package main

// RET instruction
// Ends every action body, every funclet (return to the dispatcher) and
// every epilogue.

// Ret emits a near return
func (o *Out) Ret() {
	o.trace("ret")
	o.Write(0xC3)
}
