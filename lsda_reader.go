package main

import (
	"encoding/binary"
	"fmt"
)

// DecodedLSDA is an LSDA read back from .gcc_except_table
type DecodedLSDA struct {
	Offset      uint32 // of the LSDA in the section
	LPStartEnc  uint8
	TTypeEnc    uint8
	TTBase      uint32 // section offset of the end of the type table, 0 when omitted
	CallSiteEnc uint8
	CallSites   []CallSite
	ActionStart uint32 // section offset of the action table
	End         uint32 // first byte after the call-site and action tables

	data []byte
	addr uint64
}

// ReadLSDA decodes the LSDA at off. addr is the address of data[0]; it is
// only needed to resolve type table entries.
func ReadLSDA(data []byte, off uint32, addr uint64) (*DecodedLSDA, error) {
	c := &cursor{b: data, off: int(off)}
	l := &DecodedLSDA{Offset: off, data: data, addr: addr}
	l.LPStartEnc = c.u8()
	if l.LPStartEnc != DW_EH_PE_omit {
		return nil, fmt.Errorf("LSDA at 0x%x: unsupported LPStart encoding 0x%x", off, l.LPStartEnc)
	}
	l.TTypeEnc = c.u8()
	if l.TTypeEnc != DW_EH_PE_omit {
		if l.TTypeEnc != ttypeEncoding {
			return nil, fmt.Errorf("LSDA at 0x%x: unsupported TType encoding 0x%x", off, l.TTypeEnc)
		}
		rel := c.uleb()
		l.TTBase = uint32(c.off) + uint32(rel)
	}
	l.CallSiteEnc = c.u8()
	if l.CallSiteEnc != DW_EH_PE_uleb128 {
		return nil, fmt.Errorf("LSDA at 0x%x: unsupported call-site encoding 0x%x", off, l.CallSiteEnc)
	}
	tableLen := c.uleb()
	tableEnd := c.off + int(tableLen)
	for c.err == nil && c.off < tableEnd {
		var s CallSite
		s.Start = uint32(c.uleb())
		s.Length = uint32(c.uleb())
		s.LandingPad = uint32(c.uleb())
		s.Action = uint32(c.uleb())
		l.CallSites = append(l.CallSites, s)
	}
	if c.err != nil {
		return nil, fmt.Errorf("LSDA at 0x%x: %v", off, c.err)
	}
	if c.off != tableEnd {
		return nil, fmt.Errorf("LSDA at 0x%x: call-site table overruns its length %d", off, tableLen)
	}
	l.ActionStart = uint32(c.off)

	// The action table has no length; it runs to the type table padding
	// or to the farthest record a call site reaches
	l.End = l.ActionStart
	for _, s := range l.CallSites {
		if s.Action == 0 {
			continue
		}
		_, end, err := l.walk(s.Action)
		if err != nil {
			return nil, err
		}
		if end > l.End {
			l.End = end
		}
	}
	return l, nil
}

// walk follows an action chain and returns its filters and the end of the
// farthest record visited
func (l *DecodedLSDA) walk(action uint32) ([]int64, uint32, error) {
	var filters []int64
	var end uint32
	at := int(l.ActionStart) + int(action) - 1
	for steps := 0; ; steps++ {
		if steps > 1024 {
			return nil, 0, fmt.Errorf("LSDA at 0x%x: action chain from %d does not end", l.Offset, action)
		}
		c := &cursor{b: l.data, off: at}
		filter := c.sleb()
		nextField := c.off
		next := c.sleb()
		if c.err != nil {
			return nil, 0, fmt.Errorf("LSDA at 0x%x: action record at 0x%x: %v", l.Offset, at, c.err)
		}
		filters = append(filters, filter)
		if uint32(c.off) > end {
			end = uint32(c.off)
		}
		if next == 0 {
			return filters, end, nil
		}
		at = nextField + int(next)
		if at < int(l.ActionStart) {
			return nil, 0, fmt.Errorf("LSDA at 0x%x: action record before the action table", l.Offset)
		}
	}
}

// Chain returns the filters of the action chain a call site starts at
func (l *DecodedLSDA) Chain(action uint32) ([]int64, error) {
	if action == 0 {
		return nil, nil
	}
	filters, _, err := l.walk(action)
	return filters, err
}

// TypeEntry returns the address stored for a positive filter, which is the
// address of the type identity's indirection slot, or 0 for catch(...)
func (l *DecodedLSDA) TypeEntry(filter int64) (uint64, error) {
	if l.TTBase == 0 || filter <= 0 {
		return 0, fmt.Errorf("LSDA at 0x%x: no type entry for filter %d", l.Offset, filter)
	}
	at := int64(l.TTBase) - lsdaTypeSize*filter
	if at < int64(l.End) || int(at)+lsdaTypeSize > len(l.data) {
		return 0, fmt.Errorf("LSDA at 0x%x: type entry %d out of range", l.Offset, filter)
	}
	rel := int32(binary.LittleEndian.Uint32(l.data[at:]))
	if rel == 0 {
		return 0, nil
	}
	return uint64(int64(l.addr) + at + int64(rel)), nil
}

// CallSiteFor returns the entry covering a function-relative pc
func (l *DecodedLSDA) CallSiteFor(pc uint32) (CallSite, bool) {
	for _, s := range l.CallSites {
		if pc >= s.Start && pc < s.End() {
			return s, true
		}
	}
	return CallSite{}, false
}
