// Completion: 100% - Platform support complete
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// RuntimeFunction is a .pdata entry
type RuntimeFunction struct {
	BeginAddress      uint32
	EndAddress        uint32
	UnwindInfoAddress uint32
}

// ScopeEntry is a C_SCOPE_TABLE record as the dispatcher reads it
type ScopeEntry struct {
	BeginAddress   uint32
	EndAddress     uint32
	HandlerAddress uint32
	JumpTarget     uint32
}

// DecodedUnwindInfo is an UNWIND_INFO record read back from .xdata
type DecodedUnwindInfo struct {
	Version      uint8
	Flags        uint8
	SizeOfProlog uint8
	CountOfCodes uint8
	FrameReg     uint8
	FrameOffset  uint8
	Codes        []UnwindCode
	HandlerRVA   uint32
	Scopes       []ScopeEntry
}

// ReadPdata parses a .pdata section
func ReadPdata(data []byte) ([]RuntimeFunction, error) {
	if len(data)%pdataEntrySize != 0 {
		return nil, fmt.Errorf("pdata size %d is not a multiple of %d", len(data), pdataEntrySize)
	}
	entries := make([]RuntimeFunction, len(data)/pdataEntrySize)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, entries); err != nil {
		return nil, fmt.Errorf("failed to read pdata: %v", err)
	}
	return entries, nil
}

// ReadUnwindInfo parses the UNWIND_INFO at off in an .xdata section,
// including the handler RVA and scope table when a handler flag is set
func ReadUnwindInfo(xdata []byte, off uint32) (*DecodedUnwindInfo, error) {
	if int(off)+4 > len(xdata) {
		return nil, fmt.Errorf("UNWIND_INFO at 0x%x is outside .xdata (%d bytes)", off, len(xdata))
	}
	r := bytes.NewReader(xdata[off:])
	var hdr [4]uint8
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read UNWIND_INFO header: %v", err)
	}
	u := &DecodedUnwindInfo{
		Version:      hdr[0] & 7,
		Flags:        hdr[0] >> 3,
		SizeOfProlog: hdr[1],
		CountOfCodes: hdr[2],
		FrameReg:     hdr[3] & 0xF,
		FrameOffset:  hdr[3] >> 4,
	}
	if u.Version != unwindVersion {
		return nil, fmt.Errorf("unsupported UNWIND_INFO version %d", u.Version)
	}

	slots := make([]uint16, int(u.CountOfCodes)+int(u.CountOfCodes)%2)
	if err := binary.Read(r, binary.LittleEndian, slots); err != nil {
		return nil, fmt.Errorf("failed to read unwind codes: %v", err)
	}
	for i := 0; i < int(u.CountOfCodes); {
		c := UnwindCode{Offset: uint8(slots[i]), Op: uint8(slots[i]>>8) & 0xF, Info: uint8(slots[i] >> 12)}
		extra := 0
		switch c.Op {
		case UWOP_PUSH_NONVOL, UWOP_ALLOC_SMALL, UWOP_SET_FPREG:
		case UWOP_ALLOC_LARGE:
			extra = 1
			if c.Info == 1 {
				extra = 2
			}
		case UWOP_SAVE_NONVOL:
			extra = 1
		case UWOP_SAVE_NONVOL_FAR:
			extra = 2
		default:
			return nil, fmt.Errorf("unknown unwind operation %d at slot %d", c.Op, i)
		}
		if i+1+extra > int(u.CountOfCodes) {
			return nil, fmt.Errorf("unwind operation at slot %d runs past CountOfCodes", i)
		}
		if extra > 0 {
			c.Extra = append([]uint16(nil), slots[i+1:i+1+extra]...)
		}
		u.Codes = append(u.Codes, c)
		i += 1 + extra
	}

	if u.Flags&(UNW_FLAG_EHANDLER|UNW_FLAG_UHANDLER) == 0 {
		return u, nil
	}
	if err := binary.Read(r, binary.LittleEndian, &u.HandlerRVA); err != nil {
		return nil, fmt.Errorf("failed to read exception handler RVA: %v", err)
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read scope count: %v", err)
	}
	if int(count)*scopeRecordSize > r.Len() {
		return nil, fmt.Errorf("scope table claims %d records, only %d bytes left", count, r.Len())
	}
	u.Scopes = make([]ScopeEntry, count)
	if err := binary.Read(r, binary.LittleEndian, u.Scopes); err != nil {
		return nil, fmt.Errorf("failed to read scope table: %v", err)
	}
	return u, nil
}

// AllocationSize returns the stack allocated by an ALLOC code
func (c UnwindCode) AllocationSize() uint32 {
	switch c.Op {
	case UWOP_ALLOC_SMALL:
		return uint32(c.Info)*8 + 8
	case UWOP_ALLOC_LARGE:
		if c.Info == 0 {
			return uint32(c.Extra[0]) * 8
		}
		return uint32(c.Extra[0]) | uint32(c.Extra[1])<<16
	}
	return 0
}

// IsFinally reports whether the dispatcher treats the entry as a
// termination handler
func (s ScopeEntry) IsFinally() bool {
	return s.JumpTarget == 0
}
