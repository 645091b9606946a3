// relocation.go - The one place where (symbol, addend) pairs are decided
package main

import (
	"fmt"
	"sort"
)

// SectionID names an output section the encoders produce or reference
type SectionID int

const (
	SecText SectionID = iota
	SecXData
	SecPData
	SecLSDA
	SecEHFrame
	numSections
)

func (s SectionID) String() string {
	switch s {
	case SecText:
		return ".text"
	case SecXData:
		return ".xdata"
	case SecPData:
		return ".pdata"
	case SecLSDA:
		return ".gcc_except_table"
	case SecEHFrame:
		return ".eh_frame"
	default:
		return fmt.Sprintf("section(%d)", int(s))
	}
}

// RelocType is the arithmetic the linker applies to a field
type RelocType int

const (
	// RelocAddr32NB is S + A relative to the image base (IMAGE_REL_AMD64_ADDR32NB)
	RelocAddr32NB RelocType = iota
	// RelocPC32 is S + A - P (R_X86_64_PC32)
	RelocPC32
	// RelocPLT32 is a call target, S + A - P (R_X86_64_PLT32 / IMAGE_REL_AMD64_REL32)
	RelocPLT32
)

func (t RelocType) String() string {
	switch t {
	case RelocAddr32NB:
		return "ADDR32NB"
	case RelocPC32:
		return "PC32"
	case RelocPLT32:
		return "PLT32"
	default:
		return "unknown"
	}
}

// PCRelative reports whether the place is subtracted
func (t RelocType) PCRelative() bool {
	return t == RelocPC32 || t == RelocPLT32
}

// SymbolForm is how a relocation names its symbol
type SymbolForm int

const (
	// SectionSymbol: the section's own symbol, value 0, the whole offset
	// goes into the addend
	SectionSymbol SymbolForm = iota
	// FunctionSymbol: the function's symbol, value is the function's base
	// in .text, the addend is the function-relative delta. External
	// symbols use this form with value 0.
	FunctionSymbol
)

func (f SymbolForm) String() string {
	if f == SectionSymbol {
		return "section"
	}
	return "function"
}

// SymbolRef is the symbol side of a relocation
type SymbolRef struct {
	Form     SymbolForm
	Name     string
	Section  SectionID // SectionSymbol, and the home of a defined FunctionSymbol
	Value    uint64
	External bool // undefined here, resolved by the linker
}

func (s SymbolRef) String() string {
	if s.Form == SectionSymbol {
		return s.Section.String()
	}
	if s.External {
		return s.Name + "@undef"
	}
	return fmt.Sprintf("%s=0x%x", s.Name, s.Value)
}

// FieldKind is the kind of table field being relocated. The form and type
// of every relocation follow from its field kind alone.
type FieldKind int

const (
	FieldPdataBegin   FieldKind = iota // .pdata -> function start
	FieldPdataEnd                      // .pdata -> function end
	FieldPdataUnwind                   // .pdata -> UNWIND_INFO
	FieldScopeBegin                    // scope record begin
	FieldScopeEnd                      // scope record end
	FieldScopeJump                     // scope record jump target
	FieldScopeFilter                   // scope record filter funclet
	FieldHandlerRVA                    // UNWIND_INFO exception handler
	FieldFDEPCBegin                    // FDE initial location
	FieldFDELSDA                       // FDE augmentation LSDA pointer
	FieldPersonality                   // CIE personality pointer
	FieldTypeInfo                      // LSDA type table entry
	FieldResumeCall                    // call _Unwind_Resume in a landing pad
	FieldFilterCall                    // call to a filter function from a filter funclet
)

var fieldNames = [...]string{
	"pdata.begin", "pdata.end", "pdata.unwind",
	"scope.begin", "scope.end", "scope.jump", "scope.filter",
	"handler", "fde.pc", "fde.lsda", "personality", "typeinfo",
	"resume.call", "filter.call",
}

func (k FieldKind) String() string {
	if int(k) < len(fieldNames) {
		return fieldNames[k]
	}
	return "unknown"
}

// fieldTarget is what a field kind points at
type fieldTarget int

const (
	targetText   fieldTarget = iota // a function-relative offset in .text
	targetLocal                     // an offset inside this fragment's part of a table section
	targetExtern                    // an undefined symbol
)

type fieldPolicy struct {
	target fieldTarget
	form   SymbolForm
	typ    RelocType
	addend int64 // fixed bias, -4 for call rel32
}

var relocPolicy = map[FieldKind]fieldPolicy{
	FieldPdataBegin:  {targetText, FunctionSymbol, RelocAddr32NB, 0},
	FieldPdataEnd:    {targetText, FunctionSymbol, RelocAddr32NB, 0},
	FieldPdataUnwind: {targetLocal, SectionSymbol, RelocAddr32NB, 0},
	FieldScopeBegin:  {targetText, SectionSymbol, RelocAddr32NB, 0},
	FieldScopeEnd:    {targetText, SectionSymbol, RelocAddr32NB, 0},
	FieldScopeJump:   {targetText, SectionSymbol, RelocAddr32NB, 0},
	FieldScopeFilter: {targetText, SectionSymbol, RelocAddr32NB, 0},
	FieldHandlerRVA:  {targetExtern, FunctionSymbol, RelocAddr32NB, 0},
	FieldFDEPCBegin:  {targetText, FunctionSymbol, RelocPC32, 0},
	FieldFDELSDA:     {targetLocal, SectionSymbol, RelocPC32, 0},
	FieldPersonality: {targetExtern, FunctionSymbol, RelocPC32, 0},
	FieldTypeInfo:    {targetExtern, FunctionSymbol, RelocPC32, 0},
	FieldResumeCall:  {targetExtern, FunctionSymbol, RelocPLT32, -4},
	FieldFilterCall:  {targetExtern, FunctionSymbol, RelocPLT32, -4},
}

// RelocationRequest is a relocated field, ready for the object writer once
// rebased
type RelocationRequest struct {
	Field         FieldKind
	TargetSection SectionID // section holding the field
	TargetOffset  uint32    // offset of the field in TargetSection
	Symbol        SymbolRef
	Addend        int64
	Width         uint8
	Type          RelocType

	// Function owning the reference, for text targets
	Function string
	// Fragment-local: TargetOffset, and for text or local targets the
	// symbol side, are relative to the function's fragment until rebased
	pending bool
	rebased int
}

// PCRelative reports whether the place is subtracted during resolution
func (r RelocationRequest) PCRelative() bool {
	return r.Type.PCRelative()
}

// Pending reports whether the request still holds fragment-local offsets
func (r RelocationRequest) Pending() bool {
	return r.pending
}

func (r RelocationRequest) String() string {
	return fmt.Sprintf("%s+0x%x %s %s %+d (%s)", r.TargetSection, r.TargetOffset, r.Type, r.Symbol, r.Addend, r.Field)
}

// Ref is the target of a relocated field
type Ref struct {
	target   fieldTarget
	Function string
	Section  SectionID
	Offset   uint32
	Symbol   string
}

// TextRef points at a function-relative offset in .text
func TextRef(function string, delta uint32) Ref {
	return Ref{target: targetText, Function: function, Section: SecText, Offset: delta}
}

// LocalRef points at an offset inside the current fragment's part of a
// table section
func LocalRef(section SectionID, offset uint32) Ref {
	return Ref{target: targetLocal, Section: section, Offset: offset}
}

// ExternRef points at an undefined symbol
func ExternRef(symbol string) Ref {
	return Ref{target: targetExtern, Symbol: symbol}
}

// RelocationManager builds every relocation request. Encoders describe a
// field by its kind and target; they never pick a symbol or an addend.
type RelocationManager struct {
	functionBase map[string]uint32
	functionSize map[string]uint32
	layoutDone   bool
}

// NewRelocationManager creates a manager with no function layout yet
func NewRelocationManager() *RelocationManager {
	return &RelocationManager{
		functionBase: make(map[string]uint32),
		functionSize: make(map[string]uint32),
	}
}

// Request records a relocation for the field at offset in buf. The request
// is fragment-local until Rebase.
func (rm *RelocationManager) Request(buf *SectionBuffer, offset uint32, field FieldKind, ref Ref) error {
	policy, ok := relocPolicy[field]
	if !ok {
		return ConsistencyError(fmt.Sprintf("no relocation policy for field kind %d", field))
	}
	if policy.target != ref.target {
		return ConsistencyError(fmt.Sprintf("%s field given the wrong kind of target", field))
	}
	req := RelocationRequest{
		Field:         field,
		TargetSection: buf.Section(),
		TargetOffset:  offset,
		Width:         4,
		Type:          policy.typ,
		Addend:        policy.addend,
		pending:       true,
	}
	switch ref.target {
	case targetText:
		if ref.Function == "" {
			return ConsistencyError(fmt.Sprintf("%s field without a function", field))
		}
		req.Function = ref.Function
		req.Symbol = SymbolRef{Form: policy.form, Section: SecText}
		if policy.form == FunctionSymbol {
			req.Symbol.Name = ref.Function
		}
		// The function base is added by Rebase, to one side only
		req.Addend += int64(ref.Offset)
	case targetLocal:
		req.Symbol = SymbolRef{Form: SectionSymbol, Section: ref.Section}
		req.Addend += int64(ref.Offset)
	case targetExtern:
		req.Symbol = SymbolRef{Form: FunctionSymbol, Name: ref.Symbol, External: true}
	}
	if int(offset)+int(req.Width) > buf.Len() {
		return ConsistencyError(fmt.Sprintf("%s relocation at %s+%d outside the %d written bytes",
			field, buf.Section(), offset, buf.Len()))
	}
	buf.addRelocation(req)
	return nil
}

// SetFunctionBase records where a function starts in .text and how many
// bytes it spans. Bases are fixed once the module lays out .text.
func (rm *RelocationManager) SetFunctionBase(function string, base, size uint32) error {
	if rm.layoutDone {
		return ConsistencyError(fmt.Sprintf("function %s placed after layout was frozen", function))
	}
	if _, dup := rm.functionBase[function]; dup {
		return ConsistencyError(fmt.Sprintf("function %s placed twice", function))
	}
	rm.functionBase[function] = base
	rm.functionSize[function] = size
	return nil
}

// FreezeLayout forbids further SetFunctionBase calls
func (rm *RelocationManager) FreezeLayout() {
	rm.layoutDone = true
}

// FunctionBase returns a function's .text offset
func (rm *RelocationManager) FunctionBase(function string) (uint32, bool) {
	base, ok := rm.functionBase[function]
	return base, ok
}

// Rebase turns a fragment-local request into a module-level one. bases
// holds the fragment's start in every section it wrote to. A request can be
// rebased once; a second attempt would add the base twice.
func (rm *RelocationManager) Rebase(req *RelocationRequest, bases map[SectionID]uint32) error {
	if !req.pending || req.rebased > 0 {
		return ConsistencyError(fmt.Sprintf("relocation %s rebased twice", req))
	}
	fragBase, ok := bases[req.TargetSection]
	if !ok {
		return ConsistencyError(fmt.Sprintf("no fragment base for %s", req.TargetSection))
	}
	req.TargetOffset += fragBase

	policy := relocPolicy[req.Field]
	switch policy.target {
	case targetText:
		fnBase, ok := rm.functionBase[req.Function]
		if !ok {
			return ConsistencyError(fmt.Sprintf("relocation against %s, which has no place in .text", req.Function))
		}
		// Exactly one side carries the function base
		switch req.Symbol.Form {
		case SectionSymbol:
			req.Addend += int64(fnBase)
		case FunctionSymbol:
			req.Symbol.Value = uint64(fnBase)
		}
	case targetLocal:
		localBase, ok := bases[req.Symbol.Section]
		if !ok {
			return ConsistencyError(fmt.Sprintf("no fragment base for %s", req.Symbol.Section))
		}
		req.Addend += int64(localBase)
	}
	req.pending = false
	req.rebased++
	return rm.check(*req)
}

// check enforces the single-base rule on a rebased request: a text target
// must land inside its function no matter which side carries the base
func (rm *RelocationManager) check(req RelocationRequest) error {
	if req.Symbol.External {
		if req.Symbol.Value != 0 {
			return ConsistencyError(fmt.Sprintf("external relocation %s has a symbol value", req))
		}
		return nil
	}
	if req.Symbol.Form == SectionSymbol && req.Symbol.Value != 0 {
		return ConsistencyError(fmt.Sprintf("section-symbol relocation %s has a nonzero symbol value", req))
	}
	if req.Symbol.Section != SecText {
		return nil
	}
	base := int64(rm.functionBase[req.Function])
	size := int64(rm.functionSize[req.Function])
	target := int64(req.Symbol.Value) + req.Addend
	if target < base || target > base+size {
		return ConsistencyError(fmt.Sprintf("relocation %s resolves to .text+0x%x, outside %s [0x%x,0x%x)",
			req, target, req.Function, base, base+size))
	}
	return nil
}

// AddressSpace gives resolution its section bases and external symbol
// addresses
type AddressSpace interface {
	SectionBase(SectionID) (uint64, bool)
	ExternalAddress(name string) (uint64, bool)
}

// Resolve computes section_base(symbol) + symbol_value + addend, minus the
// place for PC-relative types
func (rm *RelocationManager) Resolve(req RelocationRequest, as AddressSpace) (uint64, error) {
	if req.pending {
		return 0, ConsistencyError(fmt.Sprintf("resolving fragment-local relocation %s", req))
	}
	var sym uint64
	if req.Symbol.External {
		addr, ok := as.ExternalAddress(req.Symbol.Name)
		if !ok {
			return 0, ConsistencyError(fmt.Sprintf("undefined symbol %s", req.Symbol.Name))
		}
		sym = addr
	} else {
		base, ok := as.SectionBase(req.Symbol.Section)
		if !ok {
			return 0, ConsistencyError(fmt.Sprintf("no address for %s", req.Symbol.Section))
		}
		sym = base + req.Symbol.Value
	}
	value := sym + uint64(req.Addend)
	if req.PCRelative() {
		place, ok := as.SectionBase(req.TargetSection)
		if !ok {
			return 0, ConsistencyError(fmt.Sprintf("no address for %s", req.TargetSection))
		}
		value -= place + uint64(req.TargetOffset)
	}
	return value, nil
}

// SortRelocations orders requests by section then offset, the order the
// object writer emits them in
func SortRelocations(reqs []RelocationRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].TargetSection != reqs[j].TargetSection {
			return reqs[i].TargetSection < reqs[j].TargetSection
		}
		return reqs[i].TargetOffset < reqs[j].TargetOffset
	})
}
