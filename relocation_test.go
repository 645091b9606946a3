package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addressSpace is a fixed AddressSpace for resolving requests by hand
type addressSpace struct {
	sections map[SectionID]uint64
	externs  map[string]uint64
}

func (as addressSpace) SectionBase(id SectionID) (uint64, bool) {
	addr, ok := as.sections[id]
	return addr, ok
}

func (as addressSpace) ExternalAddress(name string) (uint64, bool) {
	addr, ok := as.externs[name]
	return addr, ok
}

func placeholder(sec SectionID, n int) *SectionBuffer {
	buf := NewSectionBuffer(sec, sec.String()+"(test)")
	for i := 0; i < n; i++ {
		buf.Put32(0)
	}
	return buf
}

// TestRelocationFunctionBaseAppliedOnce places a second function at 0x40 and
// checks that a try block at its offset 128 resolves to
// .text + 0x40 + 128 whichever side of the relocation carries the base
func TestRelocationFunctionBaseAppliedOnce(t *testing.T) {
	rm := NewRelocationManager()
	xdata := placeholder(SecXData, 4)
	pdata := placeholder(SecPData, 3)

	require.NoError(t, rm.Request(xdata, 4, FieldScopeBegin, TextRef("f2", 128)))
	require.NoError(t, rm.Request(pdata, 0, FieldPdataBegin, TextRef("f2", 0)))
	require.NoError(t, rm.SetFunctionBase("f2", 0x40, 200))
	rm.FreezeLayout()

	bases := map[SectionID]uint32{SecText: 0x40, SecXData: 0x10, SecPData: 0x0C}
	scope := xdata.Relocations()[0]
	require.NoError(t, rm.Rebase(&scope, bases))
	begin := pdata.Relocations()[0]
	require.NoError(t, rm.Rebase(&begin, bases))

	// section symbol: the base went into the addend
	assert.Equal(t, SectionSymbol, scope.Symbol.Form)
	assert.Equal(t, uint64(0), scope.Symbol.Value)
	assert.Equal(t, int64(0x40+128), scope.Addend)
	assert.Equal(t, uint32(0x10+4), scope.TargetOffset)
	// function symbol: the base went into the symbol value
	assert.Equal(t, FunctionSymbol, begin.Symbol.Form)
	assert.Equal(t, "f2", begin.Symbol.Name)
	assert.Equal(t, uint64(0x40), begin.Symbol.Value)
	assert.Equal(t, int64(0), begin.Addend)

	as := addressSpace{sections: map[SectionID]uint64{SecText: 0x1000, SecXData: 0x2000, SecPData: 0x3000}}
	v, err := rm.Resolve(scope, as)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000+0x40+128), v)
	v, err = rm.Resolve(begin, as)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000+0x40), v)
}

func TestRelocationRebaseTwice(t *testing.T) {
	rm := NewRelocationManager()
	pdata := placeholder(SecPData, 1)
	require.NoError(t, rm.Request(pdata, 0, FieldPdataEnd, TextRef("f", 16)))
	require.NoError(t, rm.SetFunctionBase("f", 32, 16))

	req := pdata.Relocations()[0]
	bases := map[SectionID]uint32{SecPData: 0}
	require.NoError(t, rm.Rebase(&req, bases))
	err := rm.Rebase(&req, bases)
	require.Error(t, err)
	assert.Equal(t, CategoryInternal, categoryOf(err))
	assert.Equal(t, uint64(32), req.Symbol.Value, "the failed rebase must not move the symbol again")
}

func TestRelocationResolveBeforeRebase(t *testing.T) {
	rm := NewRelocationManager()
	pdata := placeholder(SecPData, 1)
	require.NoError(t, rm.Request(pdata, 0, FieldPdataBegin, TextRef("f", 0)))
	_, err := rm.Resolve(pdata.Relocations()[0], addressSpace{})
	assert.Error(t, err)
}

func TestRelocationOutsideFunction(t *testing.T) {
	rm := NewRelocationManager()
	xdata := placeholder(SecXData, 1)
	require.NoError(t, rm.Request(xdata, 0, FieldScopeEnd, TextRef("f", 300)))
	require.NoError(t, rm.SetFunctionBase("f", 0, 200))
	req := xdata.Relocations()[0]
	assert.Error(t, rm.Rebase(&req, map[SectionID]uint32{SecXData: 0}))
}

func TestRelocationPCRelative(t *testing.T) {
	rm := NewRelocationManager()
	ehframe := placeholder(SecEHFrame, 4)
	require.NoError(t, rm.Request(ehframe, 8, FieldFDEPCBegin, TextRef("f", 0)))
	require.NoError(t, rm.SetFunctionBase("f", 0x20, 64))
	req := ehframe.Relocations()[0]
	require.NoError(t, rm.Rebase(&req, map[SectionID]uint32{SecEHFrame: 0x18, SecText: 0x20}))
	assert.True(t, req.PCRelative())
	assert.Equal(t, RelocPC32, req.Type)

	as := addressSpace{sections: map[SectionID]uint64{SecText: 0x1000, SecEHFrame: 0x3000}}
	v, err := rm.Resolve(req, as)
	require.NoError(t, err)
	// S + A - P = 0x1020 - (0x3000 + 0x20)
	assert.Equal(t, int32(-0x2000), int32(v))
}

func TestRelocationExternalCall(t *testing.T) {
	rm := NewRelocationManager()
	text := NewSectionBuffer(SecText, ".text(f)")
	text.Write([]byte{0xE8, 0, 0, 0, 0})
	require.NoError(t, rm.Request(text, 1, FieldFilterCall, ExternRef("my_filter")))
	require.NoError(t, rm.SetFunctionBase("f", 0x10, 5))

	req := text.Relocations()[0]
	assert.True(t, req.Symbol.External)
	assert.Equal(t, int64(-4), req.Addend)
	assert.Equal(t, RelocPLT32, req.Type)
	require.NoError(t, rm.Rebase(&req, map[SectionID]uint32{SecText: 0x10}))
	assert.Equal(t, uint64(0), req.Symbol.Value)

	as := addressSpace{
		sections: map[SectionID]uint64{SecText: 0x1000},
		externs:  map[string]uint64{"my_filter": 0x5000},
	}
	v, err := rm.Resolve(req, as)
	require.NoError(t, err)
	// call target = place + 4 + value
	assert.Equal(t, uint64(0x5000), 0x1000+0x11+4+v)

	_, err = rm.Resolve(req, addressSpace{sections: as.sections})
	assert.Error(t, err, "undefined symbol must not resolve")
}

func TestRelocationRequestChecks(t *testing.T) {
	rm := NewRelocationManager()
	pdata := placeholder(SecPData, 1)

	assert.Error(t, rm.Request(pdata, 0, FieldPdataBegin, ExternRef("f")), "text field given an extern target")
	assert.Error(t, rm.Request(pdata, 0, FieldPersonality, TextRef("f", 0)), "extern field given a text target")
	assert.Error(t, rm.Request(pdata, 2, FieldPdataBegin, TextRef("f", 0)), "field past the written bytes")
	assert.Error(t, rm.Request(pdata, 0, FieldPdataBegin, TextRef("", 0)), "text target without a function")
	assert.Error(t, rm.Request(pdata, 0, FieldKind(99), TextRef("f", 0)), "unknown field kind")
	assert.Empty(t, pdata.Relocations())
}

func TestRelocationLayoutFrozen(t *testing.T) {
	rm := NewRelocationManager()
	require.NoError(t, rm.SetFunctionBase("a", 0, 16))
	assert.Error(t, rm.SetFunctionBase("a", 16, 16), "placed twice")
	rm.FreezeLayout()
	assert.Error(t, rm.SetFunctionBase("b", 16, 16), "placed after freeze")

	base, ok := rm.FunctionBase("a")
	assert.True(t, ok)
	assert.Equal(t, uint32(0), base)
	_, ok = rm.FunctionBase("b")
	assert.False(t, ok)
}

func TestSortRelocations(t *testing.T) {
	reqs := []RelocationRequest{
		{TargetSection: SecPData, TargetOffset: 4},
		{TargetSection: SecXData, TargetOffset: 8},
		{TargetSection: SecPData, TargetOffset: 0},
		{TargetSection: SecXData, TargetOffset: 0},
	}
	SortRelocations(reqs)
	for i := 1; i < len(reqs); i++ {
		a, b := reqs[i-1], reqs[i]
		if a.TargetSection > b.TargetSection || (a.TargetSection == b.TargetSection && a.TargetOffset > b.TargetOffset) {
			t.Errorf("relocations out of order at %d: %s before %s", i, a, b)
		}
	}
}
