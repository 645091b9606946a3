// unwind_info.go - Win64 UNWIND_INFO, C scope tables and .pdata
package main

import (
	"fmt"
)

// https://learn.microsoft.com/en-us/cpp/build/exception-handling-x64
const (
	UWOP_PUSH_NONVOL     = 0
	UWOP_ALLOC_LARGE     = 1
	UWOP_ALLOC_SMALL     = 2
	UWOP_SET_FPREG       = 3
	UWOP_SAVE_NONVOL     = 4
	UWOP_SAVE_NONVOL_FAR = 5
)

const (
	UNW_FLAG_NHANDLER = 0
	UNW_FLAG_EHANDLER = 1
	UNW_FLAG_UHANDLER = 2
)

const (
	unwindVersion = 1

	allocSmallMax  = 128
	allocLargeMax0 = 512*1024 - 8 // largest size UWOP_ALLOC_LARGE info 0 can scale into 16 bits
	allocLargeMax1 = 0xFFFFFFF8
	saveNearMax    = 0xFFFF * 8

	pdataEntrySize  = 12
	scopeRecordSize = 16
)

// CSpecificHandler is the personality of every COFF function with a scope table
const CSpecificHandler = "__C_specific_handler"

// UnwindCode is one UNWIND_CODE with its extra slots
type UnwindCode struct {
	Offset uint8 // prologue offset just past the instruction
	Op     uint8
	Info   uint8
	Extra  []uint16
}

// Slots returns how many 2-byte array entries the code takes
func (c UnwindCode) Slots() int {
	return 1 + len(c.Extra)
}

func (c UnwindCode) String() string {
	names := [...]string{"PUSH_NONVOL", "ALLOC_LARGE", "ALLOC_SMALL", "SET_FPREG", "SAVE_NONVOL", "SAVE_NONVOL_FAR"}
	name := "?"
	if int(c.Op) < len(names) {
		name = names[c.Op]
	}
	return fmt.Sprintf("@%d %s info=%d %v", c.Offset, name, c.Info, c.Extra)
}

// UnwindInfo is an UNWIND_INFO record without its trailing handler data
type UnwindInfo struct {
	Flags       uint8
	PrologSize  uint8
	FrameReg    uint8
	FrameOffset uint8 // scaled by 16
	Codes       []UnwindCode
}

// CountOfCodes returns the value of the CountOfCodes field
func (u UnwindInfo) CountOfCodes() int {
	n := 0
	for _, c := range u.Codes {
		n += c.Slots()
	}
	return n
}

// Size returns the size of the header and the padded code array
func (u UnwindInfo) Size() int {
	n := u.CountOfCodes()
	return 4 + 2*(n+n%2)
}

// BuildUnwindInfo derives the unwind codes for a prologue, in the reverse
// order the unwinder consumes them
func BuildUnwindInfo(desc PrologueDescriptor, flags uint8, loc SourceLocation) (UnwindInfo, error) {
	u := UnwindInfo{Flags: flags}
	size := desc.Size()
	if size > 0xFF {
		return u, EncodingError(fmt.Sprintf("prologue of %d bytes exceeds the 255 bytes UNWIND_INFO can describe", size), loc)
	}
	u.PrologSize = uint8(size)

	// sp (bytes below the CFA) before each op, and at the frame pointer,
	// so save offsets can be expressed against the frame base
	sp := make([]uint32, len(desc.Ops)+1)
	sp[0] = 8
	frameBase := -1
	for i, op := range desc.Ops {
		sp[i+1] = sp[i]
		switch op.Kind {
		case OpPushReg:
			sp[i+1] += 8
		case OpAlloc:
			sp[i+1] += op.Amount
		case OpSetFrame:
			if frameBase >= 0 {
				return u, EncodingError("prologue establishes a frame pointer twice", loc)
			}
			frameBase = i
		}
	}
	final := sp[len(desc.Ops)]
	base := final
	if frameBase >= 0 {
		base = sp[frameBase]
	}

	codes := make([]UnwindCode, 0, len(desc.Ops))
	for i, op := range desc.Ops {
		c := UnwindCode{Offset: uint8(op.End)}
		switch op.Kind {
		case OpPushReg:
			c.Op = UWOP_PUSH_NONVOL
			c.Info = op.Reg.Encoding
		case OpAlloc:
			n := op.Amount
			switch {
			case n == 0 || n%8 != 0:
				return u, EncodingError(fmt.Sprintf("stack allocation of %d bytes is not a positive multiple of 8", n), loc)
			case n <= allocSmallMax:
				c.Op = UWOP_ALLOC_SMALL
				c.Info = uint8((n - 8) / 8)
			case n <= allocLargeMax0:
				c.Op = UWOP_ALLOC_LARGE
				c.Extra = []uint16{uint16(n / 8)}
			case uint64(n) <= allocLargeMax1:
				c.Op = UWOP_ALLOC_LARGE
				c.Info = 1
				c.Extra = []uint16{uint16(n), uint16(n >> 16)}
			}
		case OpSetFrame:
			if op.Offset%16 != 0 || op.Offset > 240 {
				return u, EncodingError(fmt.Sprintf("frame pointer offset %d is not a multiple of 16 up to 240", op.Offset), loc)
			}
			c.Op = UWOP_SET_FPREG
			u.FrameReg = op.Reg.Encoding
			u.FrameOffset = uint8(op.Offset / 16)
		case OpSaveReg:
			// slot address relative to the frame base
			rel := int64(op.Offset) + int64(base) - int64(sp[i])
			if rel < 0 || rel%8 != 0 {
				return u, EncodingError(fmt.Sprintf("save of %s at frame offset %d cannot be described", op.Reg.Name, rel), loc)
			}
			c.Info = op.Reg.Encoding
			if rel <= saveNearMax {
				c.Op = UWOP_SAVE_NONVOL
				c.Extra = []uint16{uint16(rel / 8)}
			} else if rel <= 0xFFFFFFFF {
				c.Op = UWOP_SAVE_NONVOL_FAR
				c.Extra = []uint16{uint16(rel), uint16(rel >> 16)}
			} else {
				return u, EncodingError(fmt.Sprintf("save of %s at frame offset %d exceeds 32 bits", op.Reg.Name, rel), loc)
			}
		default:
			return u, StructuralError(fmt.Sprintf("%s is not a prologue operation", op.Kind), loc)
		}
		codes = append(codes, c)
	}
	for i := len(codes) - 1; i >= 0; i-- {
		u.Codes = append(u.Codes, codes[i])
	}
	if u.CountOfCodes() > 0xFF {
		return u, EncodingError(fmt.Sprintf("%d unwind code slots exceed the 255 an UNWIND_INFO can hold", u.CountOfCodes()), loc)
	}
	return u, nil
}

// writeUnwindInfo appends the header and code array and checks that the
// written bytes agree with the header fields
func writeUnwindInfo(buf *SectionBuffer, u UnwindInfo, desc PrologueDescriptor) (uint32, error) {
	start := uint32(buf.Len())
	count := u.CountOfCodes()
	buf.WriteByte(unwindVersion | u.Flags<<3)
	buf.WriteByte(u.PrologSize)
	buf.WriteByte(uint8(count))
	buf.WriteByte(u.FrameReg | u.FrameOffset<<4)

	codesStart := uint32(buf.Len())
	for _, c := range u.Codes {
		buf.WriteByte(c.Offset)
		buf.WriteByte(c.Op | c.Info<<4)
		for _, e := range c.Extra {
			buf.Put16(e)
		}
	}
	written := uint32(buf.Len()) - codesStart
	if count%2 != 0 {
		// For alignment purposes, this array always has an even number of entries.
		buf.Put16(0)
	}

	if written != uint32(count)*2 {
		return 0, ConsistencyError(fmt.Sprintf("%s: unwind code array is %d bytes, CountOfCodes is %d", buf.Name(), written, count))
	}
	if len(u.Codes) != len(desc.Ops) {
		return 0, ConsistencyError(fmt.Sprintf("%s: %d unwind codes for %d prologue operations", buf.Name(), len(u.Codes), len(desc.Ops)))
	}
	if uint32(u.PrologSize) != desc.Size() {
		return 0, ConsistencyError(fmt.Sprintf("%s: SizeOfProlog %d, prologue is %d bytes", buf.Name(), u.PrologSize, desc.Size()))
	}
	if uint32(buf.Len())-start != uint32(u.Size()) {
		return 0, ConsistencyError(fmt.Sprintf("%s: UNWIND_INFO is %d bytes, expected %d", buf.Name(), uint32(buf.Len())-start, u.Size()))
	}
	return start, nil
}

// ScopeRecord is one C_SCOPE_TABLE entry as offsets before relocation.
// Constant filters are stored in Handler with no relocation.
type ScopeRecord struct {
	Begin, End     uint32
	Handler        uint32
	HandlerIsConst bool
	Jump           uint32 // 0 for __finally
}

// scopeRecords flattens the regions (already innermost first) into scope
// table entries
func scopeRecords(fi *FunctionExceptionInfo) ([]ScopeRecord, error) {
	records := make([]ScopeRecord, 0, len(fi.Regions))
	for _, r := range fi.Regions {
		h := r.Handlers[0]
		rec := ScopeRecord{Begin: r.Start, End: r.End}
		switch h.Kind {
		case HandlerSehExcept:
			if h.Filter.IsSentinel() {
				rec.Handler = uint32(h.Filter.Value)
				rec.HandlerIsConst = true
			} else {
				if h.Funclet < 0 {
					return nil, ConsistencyError(fmt.Sprintf("%s: filter of region at %d has no funclet", fi.Name, r.Start))
				}
				rec.Handler = fi.Funclets[h.Funclet].Entry
			}
			rec.Jump = h.HandlerOffset
			if rec.Jump == 0 {
				// 0 means __finally to the dispatcher
				return nil, EncodingError(fmt.Sprintf("%s: __except handler at function offset 0", fi.Name), h.Loc)
			}
		case HandlerSehFinally:
			if h.Funclet < 0 {
				return nil, ConsistencyError(fmt.Sprintf("%s: __finally of region at %d has no funclet", fi.Name, r.Start))
			}
			rec.Handler = fi.Funclets[h.Funclet].Entry
		default:
			return nil, UnsupportedFeatureError(fmt.Sprintf("%s handler in a C scope table", h.Kind), h.Loc)
		}
		records = append(records, rec)
	}
	return records, nil
}

// UnwindInfoEncoder writes .xdata and .pdata fragments for COFF functions
type UnwindInfoEncoder struct {
	relocs *RelocationManager
}

// NewUnwindInfoEncoder creates an encoder that requests relocations from rm
func NewUnwindInfoEncoder(rm *RelocationManager) *UnwindInfoEncoder {
	return &UnwindInfoEncoder{relocs: rm}
}

// Encode writes the function's UNWIND_INFO and scope table, its funclets'
// UNWIND_INFO records, and one pdata entry for each of them
func (e *UnwindInfoEncoder) Encode(fi *FunctionExceptionInfo, xdata, pdata *SectionBuffer) error {
	if !fi.Frozen() {
		return ConsistencyError(fmt.Sprintf("%s: encoding exception info that is still being built", fi.Name))
	}
	var flags uint8 = UNW_FLAG_NHANDLER
	if fi.HasExceptionInfo() {
		flags = UNW_FLAG_EHANDLER
		for _, r := range fi.Regions {
			if r.HasKind(HandlerSehFinally) {
				flags |= UNW_FLAG_UHANDLER
				break
			}
		}
	}

	u, err := BuildUnwindInfo(fi.Prologue, flags, SourceLocation{})
	if err != nil {
		return inFunction(err, fi.Name)
	}
	xdata.Align(4, 0)
	at, err := writeUnwindInfo(xdata, u, fi.Prologue)
	if err != nil {
		return err
	}
	if flags != UNW_FLAG_NHANDLER {
		if err := e.writeScopeTable(fi, xdata); err != nil {
			return err
		}
	}
	if err := e.writePdata(pdata, fi.Name, 0, fi.BodySize, at); err != nil {
		return err
	}

	for _, f := range fi.Funclets {
		fu, err := BuildUnwindInfo(f.Prologue, UNW_FLAG_NHANDLER, SourceLocation{})
		if err != nil {
			return inFunction(err, fi.Name)
		}
		xdata.Align(4, 0)
		fat, err := writeUnwindInfo(xdata, fu, f.Prologue)
		if err != nil {
			return err
		}
		if err := e.writePdata(pdata, fi.Name, f.Entry, f.End, fat); err != nil {
			return err
		}
	}
	return nil
}

func (e *UnwindInfoEncoder) writeScopeTable(fi *FunctionExceptionInfo, xdata *SectionBuffer) error {
	records, err := scopeRecords(fi)
	if err != nil {
		return inFunction(err, fi.Name)
	}
	at := xdata.Put32(0)
	if err := e.relocs.Request(xdata, at, FieldHandlerRVA, ExternRef(CSpecificHandler)); err != nil {
		return err
	}
	tableStart := xdata.Put32(uint32(len(records)))
	for _, rec := range records {
		if err := e.textField(xdata, fi.Name, FieldScopeBegin, rec.Begin); err != nil {
			return err
		}
		if err := e.textField(xdata, fi.Name, FieldScopeEnd, rec.End); err != nil {
			return err
		}
		if rec.HandlerIsConst {
			xdata.Put32(rec.Handler)
		} else if err := e.textField(xdata, fi.Name, FieldScopeFilter, rec.Handler); err != nil {
			return err
		}
		if rec.Jump == 0 {
			xdata.Put32(0)
		} else if err := e.textField(xdata, fi.Name, FieldScopeJump, rec.Jump); err != nil {
			return err
		}
	}
	if got := uint32(xdata.Len()) - tableStart; got != 4+scopeRecordSize*uint32(len(records)) {
		return ConsistencyError(fmt.Sprintf("%s: scope table is %d bytes for %d records", fi.Name, got, len(records)))
	}
	return nil
}

// textField writes a zero placeholder for a relocated .text offset
func (e *UnwindInfoEncoder) textField(buf *SectionBuffer, function string, field FieldKind, delta uint32) error {
	at := buf.Put32(0)
	return e.relocs.Request(buf, at, field, TextRef(function, delta))
}

func (e *UnwindInfoEncoder) writePdata(pdata *SectionBuffer, function string, begin, end, unwind uint32) error {
	if end <= begin {
		return ConsistencyError(fmt.Sprintf("%s: empty pdata range [%d,%d)", function, begin, end))
	}
	start := uint32(pdata.Len())
	if err := e.textField(pdata, function, FieldPdataBegin, begin); err != nil {
		return err
	}
	if err := e.textField(pdata, function, FieldPdataEnd, end); err != nil {
		return err
	}
	at := pdata.Put32(0)
	if err := e.relocs.Request(pdata, at, FieldPdataUnwind, LocalRef(SecXData, unwind)); err != nil {
		return err
	}
	if uint32(pdata.Len())-start != pdataEntrySize {
		return ConsistencyError(fmt.Sprintf("%s: pdata entry is %d bytes", function, uint32(pdata.Len())-start))
	}
	return nil
}
