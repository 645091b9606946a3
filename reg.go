// Completion: 100% - Utility module complete
package main

import "github.com/go-delve/delve/pkg/dwarf/regnum"

// Register definitions for x86-64.
//
// Encoding is the 4-bit register number used both in instruction encoding
// and in Windows unwind codes (the two agree). DwarfNum is the DWARF
// register number from the System V psABI, which orders the registers
// differently; delve's regnum table supplies it.

type Register struct {
	Name     string
	Size     int   // Size in bits
	Encoding uint8 // Instruction and UNWIND_CODE register number
	DwarfNum uint8 // DWARF register number
}

// DwarfReturnAddress is the DWARF column of the return address (rip)
const DwarfReturnAddress = regnum.AMD64_Rip

var x86_64Registers = map[string]Register{
	"rax": {Name: "rax", Size: 64, Encoding: 0, DwarfNum: regnum.AMD64_Rax},
	"rcx": {Name: "rcx", Size: 64, Encoding: 1, DwarfNum: regnum.AMD64_Rcx},
	"rdx": {Name: "rdx", Size: 64, Encoding: 2, DwarfNum: regnum.AMD64_Rdx},
	"rbx": {Name: "rbx", Size: 64, Encoding: 3, DwarfNum: regnum.AMD64_Rbx},
	"rsp": {Name: "rsp", Size: 64, Encoding: 4, DwarfNum: regnum.AMD64_Rsp},
	"rbp": {Name: "rbp", Size: 64, Encoding: 5, DwarfNum: regnum.AMD64_Rbp},
	"rsi": {Name: "rsi", Size: 64, Encoding: 6, DwarfNum: regnum.AMD64_Rsi},
	"rdi": {Name: "rdi", Size: 64, Encoding: 7, DwarfNum: regnum.AMD64_Rdi},
	"r8":  {Name: "r8", Size: 64, Encoding: 8, DwarfNum: regnum.AMD64_R8},
	"r9":  {Name: "r9", Size: 64, Encoding: 9, DwarfNum: regnum.AMD64_R9},
	"r10": {Name: "r10", Size: 64, Encoding: 10, DwarfNum: regnum.AMD64_R10},
	"r11": {Name: "r11", Size: 64, Encoding: 11, DwarfNum: regnum.AMD64_R11},
	"r12": {Name: "r12", Size: 64, Encoding: 12, DwarfNum: regnum.AMD64_R12},
	"r13": {Name: "r13", Size: 64, Encoding: 13, DwarfNum: regnum.AMD64_R13},
	"r14": {Name: "r14", Size: 64, Encoding: 14, DwarfNum: regnum.AMD64_R14},
	"r15": {Name: "r15", Size: 64, Encoding: 15, DwarfNum: regnum.AMD64_R15},
}

// GetRegister looks up a 64-bit general purpose register by name
func GetRegister(name string) (Register, bool) {
	reg, ok := x86_64Registers[name]
	return reg, ok
}

// registerNames returns every register name, for diagnostics
func registerNames() []string {
	names := make([]string, 0, len(x86_64Registers))
	for name := range x86_64Registers {
		names = append(names, name)
	}
	return names
}

// mustRegister is for the fixed registers the encoders themselves use
func mustRegister(name string) Register {
	reg, ok := GetRegister(name)
	if !ok {
		panic("unknown register " + name)
	}
	return reg
}
