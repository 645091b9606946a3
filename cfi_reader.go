// cfi_reader.go - Decode .eh_frame entries and replay CFI programs
//
// delve's frame package does the unwinding. It skips the personality and
// LSDA pointers of zPLR entries, so the entry headers are decoded here.
package main

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/xyproto/ehgen/internal/engine"
)

// CFIRow is the unwind rule in effect from Loc onwards
type CFIRow struct {
	Loc       uint32
	CFAReg    uint8
	CFAOffset int64
	Saved     map[uint8]int64 // DWARF reg -> offset from CFA
}

func rowFrom(loc uint32, s CFAState) CFIRow {
	row := CFIRow{Loc: loc, CFAReg: s.Reg.DwarfNum, CFAOffset: s.Offset, Saved: make(map[uint8]int64, len(s.Saved))}
	for k, v := range s.Saved {
		row.Saved[k] = v
	}
	return row
}

// Equal compares the rules, not the location
func (r CFIRow) Equal(o CFIRow) bool {
	if r.CFAReg != o.CFAReg || r.CFAOffset != o.CFAOffset || len(r.Saved) != len(o.Saved) {
		return false
	}
	for k, v := range r.Saved {
		if ov, ok := o.Saved[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (r CFIRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cfa=r%d%+d", r.CFAReg, r.CFAOffset)
	for _, reg := range sortedRegs(r.Saved) {
		fmt.Fprintf(&sb, " r%d@cfa%+d", reg, r.Saved[reg])
	}
	return sb.String()
}

// RowAt returns the row in effect at pc
func RowAt(rows []CFIRow, pc uint32) CFIRow {
	i := sort.Search(len(rows), func(i int) bool { return rows[i].Loc > pc })
	if i == 0 {
		return CFIRow{}
	}
	return rows[i-1]
}

// unwindFrameAddr is where unwindFrame pretends its .eh_frame is loaded.
// delve only decodes .eh_frame layout when that address is nonzero.
const unwindFrameAddr = 0x1000

// unwindFrame wraps a CFI program in a .eh_frame of its own, a zR CIE with
// the given rules and one FDE over [0, size), and decodes it with delve's
// frame package. Personality and LSDA pointers never enter the picture.
func unwindFrame(codeAlign uint64, dataAlign int64, retReg uint8, initial, prog []byte, size uint32) (fde *frame.FrameDescriptionEntry, err error) {
	cie := []byte{0, 0, 0, 0, ehFrameCIEVersion, 'z', 'R', 0}
	cie = engine.AppendULEB128(cie, codeAlign)
	cie = engine.AppendSLEB128(cie, dataAlign)
	cie = append(cie, retReg, 1, fdeEncoding)
	cie = append(cie, initial...)
	data := appendFrameEntry(nil, cie)

	body := binary.LittleEndian.AppendUint32(nil, uint32(len(data)+4)) // CIE pointer
	body = binary.LittleEndian.AppendUint32(body, 0)                    // pc_begin
	body = binary.LittleEndian.AppendUint32(body, size)
	body = append(body, 0) // augmentation data length
	body = append(body, prog...)
	data = appendFrameEntry(data, body)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed call frame information: %v", r)
		}
	}()
	fdes, err := frame.Parse(data, binary.LittleEndian, 0, 8, unwindFrameAddr)
	if err != nil {
		return nil, err
	}
	if len(fdes) != 1 {
		return nil, fmt.Errorf("decoded %d FDEs, want 1", len(fdes))
	}
	return fdes[0], nil
}

func appendFrameEntry(b, body []byte) []byte {
	for (4+len(body))%ehFrameEntryAlign != 0 {
		body = append(body, DW_CFA_nop)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(len(body)))
	return append(b, body...)
}

// frameRowAt asks delve's unwinder for the rules at the function-relative
// offset pc
func frameRowAt(fde *frame.FrameDescriptionEntry, pc uint32) (row CFIRow, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("call frame program fails at +0x%x: %v", pc, r)
		}
	}()
	ctx := fde.EstablishFrame(fde.Begin() + uint64(pc))
	if ctx.CFA.Rule != frame.RuleCFA {
		return row, fmt.Errorf("no CFA rule at +0x%x", pc)
	}
	row = CFIRow{Loc: pc, CFAReg: uint8(ctx.CFA.Reg), CFAOffset: ctx.CFA.Offset, Saved: make(map[uint8]int64)}
	for reg, rule := range ctx.Regs {
		if rule.Rule == frame.RuleOffset {
			row.Saved[uint8(reg)] = rule.Offset
		}
	}
	return row, nil
}

// frameRows evaluates every offset in [0, size) and keeps one row per
// change of rules
func frameRows(fde *frame.FrameDescriptionEntry, size uint32) ([]CFIRow, error) {
	var rows []CFIRow
	for pc := uint32(0); pc < size; pc++ {
		row, err := frameRowAt(fde, pc)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 || !rows[len(rows)-1].Equal(row) {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// cursor reads little-endian values and LEB128 numbers, remembering the
// first error
type cursor struct {
	b   []byte
	off int
	err error
}

func (c *cursor) done() bool {
	return c.err != nil || c.off >= len(c.b)
}

func (c *cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if c.off+n > len(c.b) {
		c.err = fmt.Errorf("truncated at +0x%x", c.off)
		return false
	}
	return true
}

func (c *cursor) u8() uint8 {
	if !c.need(1) {
		return 0
	}
	v := c.b[c.off]
	c.off++
	return v
}

func (c *cursor) u16() uint16 {
	if !c.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(c.b[c.off:])
	c.off += 2
	return v
}

func (c *cursor) u32() uint32 {
	if !c.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(c.b[c.off:])
	c.off += 4
	return v
}

func (c *cursor) uleb() uint64 {
	if c.err != nil {
		return 0
	}
	v, n := engine.ReadULEB128(c.b[c.off:])
	if n == 0 {
		c.err = fmt.Errorf("truncated uleb128 at +0x%x", c.off)
		return 0
	}
	c.off += n
	return v
}

func (c *cursor) sleb() int64 {
	if c.err != nil {
		return 0
	}
	v, n := engine.ReadSLEB128(c.b[c.off:])
	if n == 0 {
		c.err = fmt.Errorf("truncated sleb128 at +0x%x", c.off)
		return 0
	}
	c.off += n
	return v
}

func (c *cursor) cstring() string {
	start := c.off
	for c.need(1) {
		if c.b[c.off] == 0 {
			s := string(c.b[start:c.off])
			c.off++
			return s
		}
		c.off++
	}
	return ""
}

// DecodedCIE is a CIE read from .eh_frame
type DecodedCIE struct {
	Offset              uint32
	Version             uint8
	Augmentation        string
	CodeAlign           uint64
	DataAlign           int64
	ReturnReg           uint64
	PersonalityEncoding uint8
	Personality         uint64 // address of the personality pointer slot
	LSDAEncoding        uint8
	FDEEncoding         uint8
	Initial             []byte
}

// DecodedFDE is an FDE read from .eh_frame, with its pc-relative pointers
// resolved against the section address
type DecodedFDE struct {
	Offset       uint32
	CIE          *DecodedCIE
	PCBegin      uint64
	PCRange      uint64
	LSDA         uint64 // 0 when the FDE has no LSDA
	Instructions []byte
}

// EhFrame is a decoded .eh_frame section
type EhFrame struct {
	CIEs []*DecodedCIE
	FDEs []*DecodedFDE
}

// FDEFor returns the FDE covering pc
func (f *EhFrame) FDEFor(pc uint64) *DecodedFDE {
	for _, fde := range f.FDEs {
		if pc >= fde.PCBegin && pc < fde.PCBegin+fde.PCRange {
			return fde
		}
	}
	return nil
}

// ReadEhFrame parses a .eh_frame section loaded at addr
func ReadEhFrame(data []byte, addr uint64) (*EhFrame, error) {
	ehf := &EhFrame{}
	cies := make(map[uint32]*DecodedCIE)
	for off := 0; off < len(data); {
		c := &cursor{b: data, off: off}
		length := c.u32()
		if c.err != nil {
			return nil, fmt.Errorf("failed to read entry length at 0x%x: %v", off, c.err)
		}
		if length == 0 {
			break // terminator
		}
		if length == 0xFFFFFFFF {
			return nil, fmt.Errorf("64-bit eh_frame entry at 0x%x not supported", off)
		}
		end := off + 4 + int(length)
		if end > len(data) {
			return nil, fmt.Errorf("entry at 0x%x runs past the section end", off)
		}
		c.b = data[:end]
		idAt := c.off
		id := c.u32()
		if id == 0 {
			cie, err := readCIE(c, uint32(off), addr)
			if err != nil {
				return nil, err
			}
			cies[cie.Offset] = cie
			ehf.CIEs = append(ehf.CIEs, cie)
		} else {
			cieOff := uint32(idAt) - id
			cie, ok := cies[cieOff]
			if !ok {
				return nil, fmt.Errorf("FDE at 0x%x points at 0x%x, which is not a CIE", off, cieOff)
			}
			fde, err := readFDE(c, uint32(off), cie, addr)
			if err != nil {
				return nil, err
			}
			ehf.FDEs = append(ehf.FDEs, fde)
		}
		off = end
	}
	return ehf, nil
}

func readCIE(c *cursor, off uint32, addr uint64) (*DecodedCIE, error) {
	cie := &DecodedCIE{Offset: off}
	cie.Version = c.u8()
	cie.Augmentation = c.cstring()
	cie.CodeAlign = c.uleb()
	cie.DataAlign = c.sleb()
	if cie.Version == 1 {
		cie.ReturnReg = uint64(c.u8())
	} else {
		cie.ReturnReg = c.uleb()
	}
	if strings.HasPrefix(cie.Augmentation, "z") {
		augLen := c.uleb()
		augEnd := c.off + int(augLen)
		for _, ch := range cie.Augmentation[1:] {
			switch ch {
			case 'P':
				cie.PersonalityEncoding = c.u8()
				at := c.off
				rel := int32(c.u32())
				cie.Personality = uint64(int64(addr) + int64(at) + int64(rel))
			case 'L':
				cie.LSDAEncoding = c.u8()
			case 'R':
				cie.FDEEncoding = c.u8()
			default:
				return nil, fmt.Errorf("CIE at 0x%x: unknown augmentation %q", off, ch)
			}
		}
		if c.off != augEnd {
			return nil, fmt.Errorf("CIE at 0x%x: augmentation data does not match its length %d", off, augLen)
		}
	}
	if c.err != nil {
		return nil, fmt.Errorf("failed to read CIE at 0x%x: %v", off, c.err)
	}
	cie.Initial = c.b[c.off:]
	return cie, nil
}

func readFDE(c *cursor, off uint32, cie *DecodedCIE, addr uint64) (*DecodedFDE, error) {
	fde := &DecodedFDE{Offset: off, CIE: cie}
	if cie.FDEEncoding != fdeEncoding {
		return nil, fmt.Errorf("FDE at 0x%x: pointer encoding 0x%x not supported", off, cie.FDEEncoding)
	}
	at := c.off
	rel := int32(c.u32())
	fde.PCBegin = uint64(int64(addr) + int64(at) + int64(rel))
	fde.PCRange = uint64(c.u32())
	if strings.HasPrefix(cie.Augmentation, "z") {
		augLen := c.uleb()
		augEnd := c.off + int(augLen)
		if strings.Contains(cie.Augmentation, "L") {
			at := c.off
			raw := int32(c.u32())
			if raw != 0 {
				fde.LSDA = uint64(int64(addr) + int64(at) + int64(raw))
			}
		}
		c.off = augEnd
	}
	if c.err != nil {
		return nil, fmt.Errorf("failed to read FDE at 0x%x: %v", off, c.err)
	}
	fde.Instructions = c.b[c.off:]
	return fde, nil
}

// Rows decodes the FDE's program with delve's unwinder and returns one row
// per change of rules
func (fde *DecodedFDE) Rows() ([]CFIRow, error) {
	u, err := unwindFrame(fde.CIE.CodeAlign, fde.CIE.DataAlign, uint8(fde.CIE.ReturnReg), fde.CIE.Initial, fde.Instructions, uint32(fde.PCRange))
	if err != nil {
		return nil, fmt.Errorf("FDE at 0x%x: %v", fde.Offset, err)
	}
	return frameRows(u, uint32(fde.PCRange))
}
