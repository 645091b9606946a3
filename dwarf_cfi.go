// dwarf_cfi.go - .eh_frame CIE and FDEs for ELF x86-64
package main

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/xyproto/ehgen/internal/engine"
)

// Call frame instructions
const (
	DW_CFA_nop                = 0x00
	DW_CFA_advance_loc1       = 0x02
	DW_CFA_advance_loc2       = 0x03
	DW_CFA_advance_loc4       = 0x04
	DW_CFA_offset_extended    = 0x05
	DW_CFA_restore_extended   = 0x06
	DW_CFA_remember_state     = 0x0a
	DW_CFA_restore_state      = 0x0b
	DW_CFA_def_cfa            = 0x0c
	DW_CFA_def_cfa_register   = 0x0d
	DW_CFA_def_cfa_offset     = 0x0e
	DW_CFA_advance_loc        = 0x40 // high 2 bits, delta in the low 6
	DW_CFA_offset             = 0x80 // high 2 bits, register in the low 6
	DW_CFA_restore            = 0xc0 // high 2 bits, register in the low 6
	maxAdvanceLocDelta        = 0x3f
	maxCompactRegister        = 0x3f
	ehFrameCIEVersion         = 1
	ehFrameAugmentation       = "zPLR"
	ehFrameCodeAlignment      = 1
	ehFrameDataAlignment      = -8
	ehFrameEntryAlign         = 8
	ehFramePersonalityPrefix  = "DW.ref."
	ehFrameFDEAugmentationLen = 4
)

// Pointer encodings
const (
	DW_EH_PE_absptr   = 0x00
	DW_EH_PE_uleb128  = 0x01
	DW_EH_PE_udata4   = 0x03
	DW_EH_PE_sdata4   = 0x0b
	DW_EH_PE_pcrel    = 0x10
	DW_EH_PE_indirect = 0x80
	DW_EH_PE_omit     = 0xff

	personalityEncoding = DW_EH_PE_indirect | DW_EH_PE_pcrel | DW_EH_PE_sdata4 // 0x9b
	lsdaEncoding        = DW_EH_PE_pcrel | DW_EH_PE_sdata4                     // 0x1b
	fdeEncoding         = DW_EH_PE_pcrel | DW_EH_PE_sdata4                     // 0x1b
)

// CommonInformationEntry is the module's single CIE. It is created with the
// module and frozen when the module is finalized.
type CommonInformationEntry struct {
	Personality string // symbol the personality pointer refers to
	CodeAlign   uint64
	DataAlign   int64
	ReturnReg   uint8
	Initial     []byte // initial instructions

	frozen bool
}

// NewCommonInformationEntry returns the x86-64 CIE for a personality routine:
// CFA = rsp+8, return address at CFA-8
func NewCommonInformationEntry(personality string) *CommonInformationEntry {
	rsp := mustRegister("rsp")
	initial := []byte{DW_CFA_def_cfa}
	initial = engine.AppendULEB128(initial, uint64(rsp.DwarfNum))
	initial = engine.AppendULEB128(initial, 8)
	initial = append(initial, DW_CFA_offset|DwarfReturnAddress)
	initial = engine.AppendULEB128(initial, 1) // 8 / -ehFrameDataAlignment
	return &CommonInformationEntry{
		Personality: ehFramePersonalityPrefix + personality,
		CodeAlign:   ehFrameCodeAlignment,
		DataAlign:   ehFrameDataAlignment,
		ReturnReg:   DwarfReturnAddress,
		Initial:     initial,
	}
}

// InitialState is the frame state the CIE's initial instructions describe
func (c *CommonInformationEntry) InitialState() CFAState {
	return NewFrameTracker().State()
}

// Frozen reports whether the CIE has been written
func (c *CommonInformationEntry) Frozen() bool {
	return c.frozen
}

// Encode writes the CIE at the current end of buf and freezes it
func (c *CommonInformationEntry) Encode(buf *SectionBuffer, rm *RelocationManager) (uint32, error) {
	if c.frozen {
		return 0, ConsistencyError("CIE encoded twice")
	}
	start := uint32(buf.Len())
	lengthAt := buf.Put32(0)
	buf.Put32(0) // CIE id
	buf.WriteByte(ehFrameCIEVersion)
	buf.Write([]byte(ehFrameAugmentation))
	buf.WriteByte(0)
	buf.Write(engine.AppendULEB128(nil, c.CodeAlign))
	buf.Write(engine.AppendSLEB128(nil, c.DataAlign))
	buf.WriteByte(c.ReturnReg)

	// Augmentation data: personality encoding + pointer, LSDA encoding, FDE encoding
	buf.Write(engine.AppendULEB128(nil, 1+4+1+1))
	augStart := uint32(buf.Len())
	buf.WriteByte(personalityEncoding)
	at := buf.Put32(0)
	if err := rm.Request(buf, at, FieldPersonality, ExternRef(c.Personality)); err != nil {
		return 0, err
	}
	buf.WriteByte(lsdaEncoding)
	buf.WriteByte(fdeEncoding)
	if uint32(buf.Len())-augStart != 7 {
		return 0, ConsistencyError("CIE augmentation data length mismatch")
	}

	buf.Write(c.Initial)
	if err := finishEntry(buf, start, lengthAt); err != nil {
		return 0, err
	}
	c.frozen = true
	return start, nil
}

// finishEntry pads an entry with DW_CFA_nop to the entry alignment and
// fills in its length field
func finishEntry(buf *SectionBuffer, start, lengthAt uint32) error {
	for (uint32(buf.Len())-start)%ehFrameEntryAlign != 0 {
		buf.WriteByte(DW_CFA_nop)
	}
	total := uint32(buf.Len()) - start
	buf.Patch32(lengthAt, total-4)
	if total%ehFrameEntryAlign != 0 || total < 8 {
		return ConsistencyError(fmt.Sprintf("%s: eh_frame entry of %d bytes at %d is misaligned", buf.Name(), total, start))
	}
	return nil
}

// cfiBuilder turns frame events into a CFI program
type cfiBuilder struct {
	prog []byte
	loc  uint32
}

func (b *cfiBuilder) advance(to uint32) {
	if to <= b.loc {
		return
	}
	delta := to - b.loc
	switch {
	case delta <= maxAdvanceLocDelta:
		b.prog = append(b.prog, DW_CFA_advance_loc|uint8(delta))
	case delta <= 0xFF:
		b.prog = append(b.prog, DW_CFA_advance_loc1, uint8(delta))
	case delta <= 0xFFFF:
		b.prog = append(b.prog, DW_CFA_advance_loc2)
		b.prog = binary.LittleEndian.AppendUint16(b.prog, uint16(delta))
	default:
		b.prog = append(b.prog, DW_CFA_advance_loc4)
		b.prog = binary.LittleEndian.AppendUint32(b.prog, delta)
	}
	b.loc = to
}

func (b *cfiBuilder) offset(reg uint8, cfaOffset int64) error {
	if cfaOffset >= 0 || cfaOffset%ehFrameDataAlignment != 0 {
		return EncodingError(fmt.Sprintf("register %d saved at CFA%+d, not a multiple of %d below the CFA",
			reg, cfaOffset, ehFrameDataAlignment), SourceLocation{})
	}
	factored := uint64(cfaOffset / ehFrameDataAlignment)
	if reg <= maxCompactRegister {
		b.prog = append(b.prog, DW_CFA_offset|reg)
	} else {
		b.prog = append(b.prog, DW_CFA_offset_extended)
		b.prog = engine.AppendULEB128(b.prog, uint64(reg))
	}
	b.prog = engine.AppendULEB128(b.prog, factored)
	return nil
}

func (b *cfiBuilder) restore(reg uint8) {
	if reg <= maxCompactRegister {
		b.prog = append(b.prog, DW_CFA_restore|reg)
		return
	}
	b.prog = append(b.prog, DW_CFA_restore_extended)
	b.prog = engine.AppendULEB128(b.prog, uint64(reg))
}

// diff emits the instructions that take the unwinder from prev to cur
func (b *cfiBuilder) diff(prev, cur CFAState) error {
	regChanged := prev.Reg.DwarfNum != cur.Reg.DwarfNum
	offChanged := prev.Offset != cur.Offset
	if cur.Offset < 0 {
		return EncodingError(fmt.Sprintf("negative CFA offset %d", cur.Offset), SourceLocation{})
	}
	switch {
	case regChanged && offChanged:
		b.prog = append(b.prog, DW_CFA_def_cfa)
		b.prog = engine.AppendULEB128(b.prog, uint64(cur.Reg.DwarfNum))
		b.prog = engine.AppendULEB128(b.prog, uint64(cur.Offset))
	case regChanged:
		b.prog = append(b.prog, DW_CFA_def_cfa_register)
		b.prog = engine.AppendULEB128(b.prog, uint64(cur.Reg.DwarfNum))
	case offChanged:
		b.prog = append(b.prog, DW_CFA_def_cfa_offset)
		b.prog = engine.AppendULEB128(b.prog, uint64(cur.Offset))
	}

	for _, reg := range sortedRegs(cur.Saved) {
		if old, ok := prev.Saved[reg]; !ok || old != cur.Saved[reg] {
			if err := b.offset(reg, cur.Saved[reg]); err != nil {
				return err
			}
		}
	}
	for _, reg := range sortedRegs(prev.Saved) {
		if _, ok := cur.Saved[reg]; !ok {
			b.restore(reg)
		}
	}
	return nil
}

func sortedRegs(m map[uint8]int64) []uint8 {
	regs := make([]uint8, 0, len(m))
	for r := range m {
		regs = append(regs, r)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
	return regs
}

// BuildCFIProgram encodes the events that fall inside [0, end). It returns
// the program together with the frame state at every offset where the
// state changes, which is what the program must reproduce.
func BuildCFIProgram(events []FrameEvent, end uint32) ([]byte, []CFIRow, error) {
	b := &cfiBuilder{}
	tracker := NewFrameTracker()
	rows := []CFIRow{rowFrom(0, tracker.State())}
	for _, ev := range events {
		if ev.At >= end {
			continue
		}
		prev := tracker.State()
		if err := tracker.Apply(ev); err != nil {
			return nil, nil, err
		}
		cur := tracker.State()
		b.advance(ev.At)
		switch {
		case ev.Remember:
			b.prog = append(b.prog, DW_CFA_remember_state)
		case ev.Restore:
			b.prog = append(b.prog, DW_CFA_restore_state)
		default:
			if err := b.diff(prev, cur); err != nil {
				return nil, nil, err
			}
		}
		if last := &rows[len(rows)-1]; last.Loc == ev.At {
			*last = rowFrom(ev.At, cur)
		} else {
			rows = append(rows, rowFrom(ev.At, cur))
		}
	}
	return b.prog, rows, nil
}

// DwarfCfiEncoder writes FDEs that share the module's CIE
type DwarfCfiEncoder struct {
	relocs *RelocationManager
	cie    *CommonInformationEntry
}

// NewDwarfCfiEncoder creates an encoder for FDEs that refer to cie
func NewDwarfCfiEncoder(rm *RelocationManager, cie *CommonInformationEntry) *DwarfCfiEncoder {
	return &DwarfCfiEncoder{relocs: rm, cie: cie}
}

// FDERecord locates an FDE in its fragment, so the CIE pointer can be
// patched once fragments are merged
type FDERecord struct {
	Offset     uint32 // fragment-local offset of the length field
	CIEPointer uint32 // fragment-local offset of the CIE pointer field
	Begin, End uint32 // function-relative range
}

// Encode writes the function's FDE, plus a second FDE for its action bodies
// when it has any. lsda is the fragment-local LSDA offset, or -1 when the
// function has none. checkpoints are extra offsets (call-site boundaries)
// where the replayed program is compared with the frame model.
func (e *DwarfCfiEncoder) Encode(fi *FunctionExceptionInfo, ehframe *SectionBuffer, lsda int64, checkpoints []uint32) ([]FDERecord, error) {
	if !fi.Frozen() {
		return nil, ConsistencyError(fmt.Sprintf("%s: encoding exception info that is still being built", fi.Name))
	}
	events := fi.FrameEvents()
	prog, rows, err := BuildCFIProgram(events, fi.ActionArea)
	if err != nil {
		return nil, inFunction(err, fi.Name)
	}
	if err := e.verify(fi, prog, rows, checkpoints); err != nil {
		return nil, err
	}

	var records []FDERecord
	rec, err := e.writeFDE(ehframe, fi.Name, 0, fi.ActionArea, lsda, prog)
	if err != nil {
		return nil, err
	}
	records = append(records, rec)
	if fi.ActionArea < fi.Size {
		// Action bodies are entered by call and keep the CIE's state
		rec, err := e.writeFDE(ehframe, fi.Name, fi.ActionArea, fi.Size, -1, nil)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (e *DwarfCfiEncoder) writeFDE(buf *SectionBuffer, function string, begin, end uint32, lsda int64, prog []byte) (FDERecord, error) {
	rec := FDERecord{Begin: begin, End: end}
	rec.Offset = uint32(buf.Len())
	lengthAt := buf.Put32(0)
	rec.CIEPointer = buf.Put32(0) // patched at finalize
	at := buf.Put32(0)
	if err := e.relocs.Request(buf, at, FieldFDEPCBegin, TextRef(function, begin)); err != nil {
		return rec, err
	}
	buf.Put32(end - begin)
	buf.Write(engine.AppendULEB128(nil, ehFrameFDEAugmentationLen))
	at = buf.Put32(0)
	if lsda >= 0 {
		if err := e.relocs.Request(buf, at, FieldFDELSDA, LocalRef(SecLSDA, uint32(lsda))); err != nil {
			return rec, err
		}
	}
	buf.Write(prog)
	if err := finishEntry(buf, rec.Offset, lengthAt); err != nil {
		return rec, inFunction(err, function)
	}
	return rec, nil
}

// verify decodes the encoded program with delve's unwinder and checks the
// CFA and saved registers at every state change and every checkpoint
func (e *DwarfCfiEncoder) verify(fi *FunctionExceptionInfo, prog []byte, rows []CFIRow, checkpoints []uint32) error {
	if fi.ActionArea == 0 {
		return nil
	}
	u, err := unwindFrame(e.cie.CodeAlign, e.cie.DataAlign, e.cie.ReturnReg, e.cie.Initial, prog, fi.ActionArea)
	if err != nil {
		return ConsistencyError(fmt.Sprintf("%s: CFI program does not decode: %v", fi.Name, err))
	}

	points := make([]uint32, 0, len(rows)+len(checkpoints))
	for _, r := range rows {
		points = append(points, r.Loc)
	}
	points = append(points, checkpoints...)
	for _, pc := range points {
		if pc >= fi.ActionArea {
			continue
		}
		want := RowAt(rows, pc)
		got, err := frameRowAt(u, pc)
		if err != nil {
			return ConsistencyError(fmt.Sprintf("%s: %v", fi.Name, err))
		}
		if !want.Equal(got) {
			return ConsistencyError(fmt.Sprintf("%s: CFI replay at +0x%x gives %s, frame model has %s", fi.Name, pc, got, want))
		}
	}
	return nil
}
