// lsda.go - .gcc_except_table call-site, action and type tables
package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xyproto/ehgen/internal/engine"
)

const (
	lsdaAlign      = 4
	lsdaTypeSize   = 4 // sdata4 entries
	ttypeEncoding  = DW_EH_PE_indirect | DW_EH_PE_pcrel | DW_EH_PE_sdata4 // 0x9b
	callSiteFormat = DW_EH_PE_uleb128
)

// CallSite is one call-site table entry. Offsets are relative to the
// function start, which is also the landing pad base.
type CallSite struct {
	Start      uint32
	Length     uint32
	LandingPad uint32 // 0: no landing pad, keep unwinding
	Action     uint32 // 1 + offset into the action table, 0: cleanup only / none
}

// End returns the first offset past the entry
func (c CallSite) End() uint32 {
	return c.Start + c.Length
}

func (c CallSite) String() string {
	return fmt.Sprintf("[0x%x,0x%x) lp=0x%x action=%d", c.Start, c.End(), c.LandingPad, c.Action)
}

// ActionRecord is an entry of the action table
type ActionRecord struct {
	Offset uint32 // in the action table
	Filter int64  // >0 type table index, 0 cleanup
	Next   int64  // self-relative displacement of the next record, 0 ends the chain
}

// LSDA is the language-specific data of one function before encoding
type LSDA struct {
	CallSites []CallSite
	Actions   []ActionRecord
	// Types[i] is the type identity of filter i+1; "" is the null entry
	// catch(...) matches through
	Types []string
}

// TypeIdentityTable collects the type identities a module's LSDAs refer to.
// It is shared by every function and frozen when the module is finalized.
type TypeIdentityTable struct {
	names  []string
	index  map[string]int
	frozen bool
}

// NewTypeIdentityTable creates an empty table
func NewTypeIdentityTable() *TypeIdentityTable {
	return &TypeIdentityTable{index: make(map[string]int)}
}

// Intern registers a type identity and returns the symbol the type table
// entry refers to
func (t *TypeIdentityTable) Intern(symbol string) (string, error) {
	if _, ok := t.index[symbol]; !ok {
		if t.frozen {
			return "", ConsistencyError(fmt.Sprintf("type identity %s registered after the module was finalized", symbol))
		}
		t.index[symbol] = len(t.names)
		t.names = append(t.names, symbol)
	}
	return ehFramePersonalityPrefix + symbol, nil
}

// Freeze forbids new identities
func (t *TypeIdentityTable) Freeze() {
	t.frozen = true
}

// Symbols returns the registered identities in registration order
func (t *TypeIdentityTable) Symbols() []string {
	return t.names
}

// LsdaBuilder builds and encodes LSDAs
type LsdaBuilder struct {
	relocs *RelocationManager
	types  *TypeIdentityTable
}

// NewLsdaBuilder creates a builder that registers types in types
func NewLsdaBuilder(rm *RelocationManager, types *TypeIdentityTable) *LsdaBuilder {
	return &LsdaBuilder{relocs: rm, types: types}
}

// Build computes the tables for a function. The call-site table tiles
// [0, ActionArea), the range the function's LSDA-carrying FDE covers.
func (b *LsdaBuilder) Build(fi *FunctionExceptionInfo) (*LSDA, error) {
	l := &LSDA{}
	typeIndex := make(map[string]int64)
	filterFor := func(h HandlerDescriptor) int64 {
		if idx, ok := typeIndex[h.TypeSymbol]; ok {
			return idx
		}
		l.Types = append(l.Types, h.TypeSymbol)
		idx := int64(len(l.Types))
		typeIndex[h.TypeSymbol] = idx
		return idx
	}

	// Filter chain of every region: its own handlers, then its ancestors'
	chains := make(map[int][]int64, len(fi.Arena))
	var chainOf func(r *TryRegion) []int64
	chainOf = func(r *TryRegion) []int64 {
		if c, ok := chains[r.Index]; ok {
			return c
		}
		var chain []int64
		for _, h := range r.Handlers {
			switch h.Kind {
			case HandlerCatch:
				chain = append(chain, filterFor(h))
			case HandlerSehFinally:
				chain = append(chain, 0)
			}
		}
		if r.Parent >= 0 {
			for _, f := range chainOf(fi.Arena[r.Parent]) {
				if f == 0 && len(chain) > 0 && chain[len(chain)-1] == 0 {
					continue
				}
				chain = append(chain, f)
			}
		}
		chains[r.Index] = chain
		return chain
	}

	// Action table, built from the tail so chains share suffixes
	records := make(map[string]uint32) // chain key -> 1 + record offset
	var size uint32
	var intern func(chain []int64) uint32
	intern = func(chain []int64) uint32 {
		if len(chain) == 0 {
			return 0
		}
		key := chainKey(chain)
		if a, ok := records[key]; ok {
			return a
		}
		next := intern(chain[1:])
		rec := ActionRecord{Offset: size, Filter: chain[0]}
		if next != 0 {
			// displacement from the Next field to the next record
			nextField := size + uint32(len(engine.AppendSLEB128(nil, rec.Filter)))
			rec.Next = int64(next-1) - int64(nextField)
		}
		l.Actions = append(l.Actions, rec)
		size += uint32(len(engine.AppendSLEB128(nil, rec.Filter)) + len(engine.AppendSLEB128(nil, rec.Next)))
		records[key] = rec.Offset + 1
		return rec.Offset + 1
	}
	actionFor := func(r *TryRegion) uint32 {
		chain := chainOf(r)
		if onlyCleanups(chain) {
			return 0
		}
		return intern(chain)
	}

	// Elementary intervals between region boundaries
	end := fi.ActionArea
	points := map[uint32]bool{0: true, end: true}
	for _, r := range fi.Arena {
		if r.Start < end {
			points[r.Start] = true
		}
		if r.End < end {
			points[r.End] = true
		}
	}
	bounds := make([]uint32, 0, len(points))
	for p := range points {
		bounds = append(bounds, p)
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i] < bounds[j] })

	for i := 0; i+1 < len(bounds); i++ {
		a, z := bounds[i], bounds[i+1]
		var site CallSite
		if r := innermost(fi.Arena, a, z); r != nil {
			pad, err := landingPad(r)
			if err != nil {
				return nil, inFunction(err, fi.Name)
			}
			site.LandingPad = pad
			site.Action = actionFor(r)
		}
		if n := len(l.CallSites); n > 0 && l.CallSites[n-1].LandingPad == site.LandingPad && l.CallSites[n-1].Action == site.Action {
			l.CallSites[n-1].Length += z - a
			continue
		}
		site.Start = a
		site.Length = z - a
		l.CallSites = append(l.CallSites, site)
	}

	if err := checkTiling(fi, l.CallSites); err != nil {
		return nil, err
	}
	return l, nil
}

func chainKey(chain []int64) string {
	parts := make([]string, len(chain))
	for i, f := range chain {
		parts[i] = fmt.Sprint(f)
	}
	return strings.Join(parts, ",")
}

func onlyCleanups(chain []int64) bool {
	for _, f := range chain {
		if f != 0 {
			return false
		}
	}
	return true
}

// innermost returns the deepest region covering [a, z)
func innermost(arena []*TryRegion, a, z uint32) *TryRegion {
	var best *TryRegion
	for _, r := range arena {
		if r.Start <= a && z <= r.End && (best == nil || r.Depth > best.Depth) {
			best = r
		}
	}
	return best
}

// landingPad returns the single landing pad of a region
func landingPad(r *TryRegion) (uint32, error) {
	for _, h := range r.Handlers {
		var pad uint32
		switch h.Kind {
		case HandlerCatch, HandlerSehFinally:
			pad = h.LandingPad
		default:
			return 0, UnsupportedFeatureError(fmt.Sprintf("%s handler in an LSDA", h.Kind), h.Loc)
		}
		if pad == 0 {
			return 0, EncodingError(fmt.Sprintf("landing pad of the region at %d is at function offset 0, which means none", r.Start), h.Loc)
		}
		return pad, nil
	}
	return 0, ConsistencyError(fmt.Sprintf("region at %d has no handler", r.Start))
}

// checkTiling asserts the call-site table covers [0, ActionArea) without
// gaps or overlaps, and that no protected byte maps to "no landing pad"
func checkTiling(fi *FunctionExceptionInfo, sites []CallSite) error {
	var at uint32
	for _, s := range sites {
		if s.Start != at || s.Length == 0 {
			return ConsistencyError(fmt.Sprintf("%s: call-site %s does not continue the table at 0x%x", fi.Name, s, at))
		}
		at = s.End()
	}
	if at != fi.ActionArea {
		return ConsistencyError(fmt.Sprintf("%s: call-site table ends at 0x%x, code ends at 0x%x", fi.Name, at, fi.ActionArea))
	}
	for _, r := range fi.Arena {
		for _, s := range sites {
			if s.Start < r.End && r.Start < s.End() && s.LandingPad == 0 {
				return ConsistencyError(fmt.Sprintf("%s: call-site %s leaves protected range [0x%x,0x%x) without a landing pad",
					fi.Name, s, r.Start, r.End))
			}
		}
	}
	return nil
}

// Encode builds the function's LSDA and writes it at a 4-byte aligned
// offset in buf. It returns that offset and the call-site table.
func (b *LsdaBuilder) Encode(fi *FunctionExceptionInfo, buf *SectionBuffer) (uint32, *LSDA, error) {
	if !fi.Frozen() {
		return 0, nil, ConsistencyError(fmt.Sprintf("%s: encoding exception info that is still being built", fi.Name))
	}
	l, err := b.Build(fi)
	if err != nil {
		return 0, nil, err
	}

	var sites []byte
	for _, s := range l.CallSites {
		sites = engine.AppendULEB128(sites, uint64(s.Start))
		sites = engine.AppendULEB128(sites, uint64(s.Length))
		sites = engine.AppendULEB128(sites, uint64(s.LandingPad))
		sites = engine.AppendULEB128(sites, uint64(s.Action))
	}
	var actions []byte
	for _, a := range l.Actions {
		if uint32(len(actions)) != a.Offset {
			return 0, nil, ConsistencyError(fmt.Sprintf("%s: action record at %d written at %d", fi.Name, a.Offset, len(actions)))
		}
		actions = engine.AppendSLEB128(actions, a.Filter)
		actions = engine.AppendSLEB128(actions, a.Next)
	}
	// call-site encoding, table length, table, actions
	body := []byte{callSiteFormat}
	body = engine.AppendULEB128(body, uint64(len(sites)))
	body = append(body, sites...)
	body = append(body, actions...)

	buf.Align(lsdaAlign, 0)
	start := uint32(buf.Len())
	buf.WriteByte(DW_EH_PE_omit) // LPStart is the function start

	if len(l.Types) == 0 {
		buf.WriteByte(DW_EH_PE_omit)
		buf.Write(body)
		return start, l, nil
	}

	buf.WriteByte(ttypeEncoding)
	// The TType base offset counts from the end of its own uleb128, whose
	// size depends on the value, so settle both together
	fieldAt := start + 2
	var ttOffset uint32
	var pad uint32
	for size := uint32(1); ; size++ {
		after := fieldAt + size
		tableStart := engine.AlignUp(after+uint32(len(body)), lsdaAlign)
		pad = tableStart - (after + uint32(len(body)))
		ttOffset = tableStart + lsdaTypeSize*uint32(len(l.Types)) - after
		if uint32(engine.ULEB128Size(uint64(ttOffset))) == size {
			break
		}
		if size > 5 {
			return 0, nil, ConsistencyError(fmt.Sprintf("%s: TType base offset does not settle", fi.Name))
		}
	}
	buf.Write(engine.AppendULEB128(nil, uint64(ttOffset)))
	after := uint32(buf.Len())
	buf.Write(body)
	for i := uint32(0); i < pad; i++ {
		buf.WriteByte(0)
	}

	// Entries in reverse: filter N first, filter 1 right before TTBase
	for i := len(l.Types) - 1; i >= 0; i-- {
		at := buf.Put32(0)
		sym := l.Types[i]
		if sym == "" {
			continue // catch(...)
		}
		ref, err := b.types.Intern(sym)
		if err != nil {
			return 0, nil, err
		}
		if err := b.relocs.Request(buf, at, FieldTypeInfo, ExternRef(ref)); err != nil {
			return 0, nil, err
		}
	}
	if ttBase := uint32(buf.Len()); ttBase != after+ttOffset || ttBase%lsdaAlign != 0 {
		return 0, nil, ConsistencyError(fmt.Sprintf("%s: type table ends at %d, header says %d", fi.Name, ttBase, after+ttOffset))
	}
	return start, l, nil
}

// CallSiteBoundaries returns every start and end offset in a call-site
// table, for checking the CFI at those points
func CallSiteBoundaries(sites []CallSite) []uint32 {
	points := make([]uint32, 0, 2*len(sites))
	for _, s := range sites {
		points = append(points, s.Start, s.End())
	}
	return points
}
