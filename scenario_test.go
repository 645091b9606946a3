package main

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/go-delve/delve/pkg/dwarf/regnum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xyproto/ehgen/internal/engine"
)

func testConfig(format engine.ObjectFormat) Config {
	return Config{Target: engine.Target{Format: format}, NoColor: true, MaxErrors: 10, TextAlign: 16}
}

// framedInput is a function with an rbp frame whose body is synthesized
func framedInput(name string, size uint32, markers ...Marker) *FunctionInput {
	return &FunctionInput{
		Name:     name,
		BodySize: size,
		Prologue: rbpFrame().Descriptor(),
		Markers:  markers,
		Actions:  make(map[string]ActionBody),
	}
}

// encodeImage runs inputs through a module and a relocated object image
func encodeImage(t *testing.T, cfg Config, externs map[string]uint64, inputs ...*FunctionInput) (*ModuleEncoder, *ObjectImage) {
	t.Helper()
	m, err := NewModuleEncoder(cfg)
	require.NoError(t, err)
	for _, in := range inputs {
		_, err := m.EncodeFunction(in)
		require.NoError(t, err, in.Name)
	}
	img := NewObjectImage(cfg.Target, m.Relocations())
	require.NoError(t, m.Finalize(img))
	for name, addr := range externs {
		img.DefineExternal(name, addr)
	}
	require.NoError(t, img.Apply())
	return m, img
}

func section(t *testing.T, img *ObjectImage, id SectionID) *ImageSection {
	t.Helper()
	sec, ok := img.Section(id)
	require.True(t, ok, "image has no %s", id)
	return sec
}

// unwindInfoFor reads the UNWIND_INFO of the pdata entry that covers rva
func unwindInfoFor(t *testing.T, img *ObjectImage, rva uint32) *DecodedUnwindInfo {
	t.Helper()
	entries, err := ReadPdata(section(t, img, SecPData).Data)
	require.NoError(t, err)
	xdata := section(t, img, SecXData)
	for _, rf := range entries {
		if rva >= rf.BeginAddress && rva < rf.EndAddress {
			u, err := ReadUnwindInfo(xdata.Data, rf.UnwindInfoAddress-uint32(xdata.Addr))
			require.NoError(t, err)
			return u
		}
	}
	t.Fatalf("no pdata entry covers 0x%x", rva)
	return nil
}

// dispatch returns the scope the C-specific handler picks for a fault at
// rva: the first entry whose range holds it
func dispatch(scopes []ScopeEntry, rva uint32) int {
	for i, s := range scopes {
		if rva >= s.BeginAddress && rva < s.EndAddress {
			return i
		}
	}
	return -1
}

func TestSiblingExceptRegions(t *testing.T) {
	in := framedInput("f", 96,
		tryAt(10), exceptAt(60, ConstantFilter(1)), endHandlerAt(64), endTryAt(20),
		tryAt(30), exceptAt(70, ConstantFilter(1)), endHandlerAt(74), endTryAt(40),
	)
	_, img := encodeImage(t, testConfig(engine.FormatCOFF), nil, in)

	text := section(t, img, SecText)
	assert.Equal(t, uint64(0x1000), text.Addr)
	base := uint32(text.Addr)

	u := unwindInfoFor(t, img, base+35)
	assert.Equal(t, uint8(UNW_FLAG_EHANDLER), u.Flags)
	require.Len(t, u.Scopes, 2)

	handler, ok := img.ExternalAddress(CSpecificHandler)
	require.True(t, ok)
	assert.Equal(t, uint32(handler), u.HandlerRVA)

	i := dispatch(u.Scopes, base+35)
	require.Equal(t, 1, i, "a fault in the second region")
	assert.Equal(t, uint32(1), u.Scopes[i].HandlerAddress, "EXCEPTION_EXECUTE_HANDLER")
	assert.Equal(t, base+70, u.Scopes[i].JumpTarget)

	assert.Equal(t, 0, dispatch(u.Scopes, base+10))
	assert.Equal(t, base+60, u.Scopes[0].JumpTarget)
	assert.Equal(t, -1, dispatch(u.Scopes, base+20), "end is exclusive")
	assert.Equal(t, -1, dispatch(u.Scopes, base+50))
}

func TestSecondFunctionScopeAddress(t *testing.T) {
	f1 := framedInput("f1", 100)
	f2 := framedInput("f2", 200,
		tryAt(128), exceptAt(180, ConstantFilter(1)), endHandlerAt(184), endTryAt(150),
	)
	m, img := encodeImage(t, testConfig(engine.FormatCOFF), nil, f1, f2)

	require.Len(t, m.Functions(), 2)
	start := m.Functions()[1].Start
	assert.Equal(t, uint32(112), start, "f1 is 100 bytes, f2 starts 16-byte aligned")

	base := uint32(section(t, img, SecText).Addr)
	entries, err := ReadPdata(section(t, img, SecPData).Data)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, base, entries[0].BeginAddress)
	assert.Equal(t, base+100, entries[0].EndAddress)
	assert.Equal(t, base+start, entries[1].BeginAddress)
	assert.Equal(t, base+start+200, entries[1].EndAddress)

	u := unwindInfoFor(t, img, base+start+128)
	require.Len(t, u.Scopes, 1)
	assert.Equal(t, base+start+128, u.Scopes[0].BeginAddress, "function base applied exactly once")
	assert.Equal(t, base+start+150, u.Scopes[0].EndAddress)
	assert.Equal(t, base+start+180, u.Scopes[0].JumpTarget)

	// text between the functions is int3 filler
	text := section(t, img, SecText).Data
	assert.Equal(t, bytes.Repeat([]byte{0xCC}, 12), text[100:112])

	// f1 has no handler at all
	assert.Zero(t, unwindInfoFor(t, img, base+4).Flags)
}

func TestFinallyInsideExcept(t *testing.T) {
	fin := []byte{0xc7, 0x45, 0xf8, 0x01, 0x00, 0x00, 0x00} // mov dword [rbp-8], 1
	in := framedInput("f", 96,
		tryAt(8),
		tryAt(16), finallyAt(16, "fin"), endHandlerAt(16), endTryAt(30),
		slotAt(30, "fin"),
		exceptAt(80, ConstantFilter(1)), endHandlerAt(84),
		endTryAt(50),
	)
	in.Actions = actionsOf(map[string][]byte{"fin": fin})
	m, img := encodeImage(t, testConfig(engine.FormatCOFF), nil, in)

	fi := m.Functions()[0].Info
	require.Len(t, fi.Funclets, 1)
	funclet := fi.Funclets[0]
	assert.Equal(t, uint32(96), funclet.Entry)
	assert.Equal(t, uint32(128), fi.ActionArea)
	assert.Equal(t, uint32(128), funclet.Body)

	text := section(t, img, SecText)
	base := uint32(text.Addr)

	u := unwindInfoFor(t, img, base+20)
	assert.Equal(t, uint8(UNW_FLAG_EHANDLER|UNW_FLAG_UHANDLER), u.Flags)
	require.Len(t, u.Scopes, 2)

	// the inner __finally comes first, then the enclosing __except
	inner, outer := u.Scopes[0], u.Scopes[1]
	assert.Equal(t, [2]uint32{base + 16, base + 30}, [2]uint32{inner.BeginAddress, inner.EndAddress})
	assert.True(t, inner.IsFinally())
	assert.Equal(t, base+funclet.Entry, inner.HandlerAddress)
	assert.Equal(t, [2]uint32{base + 8, base + 50}, [2]uint32{outer.BeginAddress, outer.EndAddress})
	assert.Equal(t, uint32(1), outer.HandlerAddress)
	assert.Equal(t, base+80, outer.JumpTarget)

	// a fault inside the finally region unwinds through the funclet before
	// reaching the except handler
	assert.Equal(t, 0, dispatch(u.Scopes, base+20))
	assert.Equal(t, 1, dispatch(u.Scopes, base+40))

	// the body runs once on either path: the inline stub on the normal
	// path, the funclet during unwinding, and exactly one copy of it
	code := text.Data
	assert.Equal(t, byte(0xe8), code[30])
	assert.Equal(t, funclet.Body, rel32At(code, 31), "inline stub")
	assert.Equal(t, byte(0xe8), code[funclet.Entry+8])
	assert.Equal(t, funclet.Body, rel32At(code, funclet.Entry+9), "funclet")
	assert.Equal(t, 1, bytes.Count(code, fin))
	assert.Equal(t, byte(0xc3), code[funclet.Body+uint32(len(fin))])

	// the funclet is a function of its own to the unwinder
	fu := unwindInfoFor(t, img, base+funclet.Entry)
	assert.Zero(t, fu.Flags)
	require.Len(t, fu.Codes, 2)
	assert.Equal(t, uint8(UWOP_ALLOC_SMALL), fu.Codes[0].Op)
	assert.Equal(t, uint8(UWOP_PUSH_NONVOL), fu.Codes[1].Op)
}

// nestedTypes are the catch types of the nested ELF regions, innermost first
var nestedTypes = []string{"_ZTIl", "_ZTIc", "_ZTIi", ""}

// nestedCatchInput nests four try regions [8,64) [16,56) [24,48) [32,40),
// each with one catch; the landing pads are 150, 154, 158 and 162 from the
// innermost out
func nestedCatchInput(name string) *FunctionInput {
	markers := []Marker{tryAt(8), tryAt(16), tryAt(24), tryAt(32)}
	for i, typ := range nestedTypes {
		pad := uint32(150 + 4*i)
		markers = append(markers, catchAt(pad, typ), endHandlerAt(pad+2), endTryAt(uint32(40+8*i)))
	}
	return framedInput(name, 200, markers...)
}

// resolvedTypes follows an action chain to the slots of the caught types
func resolvedTypes(t *testing.T, img *ObjectImage, d *DecodedLSDA, action uint32) []string {
	t.Helper()
	chain, err := d.Chain(action)
	require.NoError(t, err)
	var names []string
	for _, filter := range chain {
		addr, err := d.TypeEntry(filter)
		require.NoError(t, err)
		if addr == 0 {
			names = append(names, "")
			continue
		}
		slot, ok := img.SlotAt(addr)
		require.True(t, ok, "type entry 0x%x is not a slot", addr)
		names = append(names, slot)
	}
	return names
}

func TestNestedCatchRoundTrip(t *testing.T) {
	externs := map[string]uint64{"_ZTIl": 0x9000, "_ZTIc": 0x9010, "_ZTIi": 0x9020}
	m, img := encodeImage(t, testConfig(engine.FormatELF), externs, framedInput("leaf", 40), nestedCatchInput("f"))

	text := section(t, img, SecText)
	ehframe := section(t, img, SecEHFrame)
	lsdaSec := section(t, img, SecLSDA)

	ehf, err := ReadEhFrame(ehframe.Data, ehframe.Addr)
	require.NoError(t, err)
	require.Len(t, ehf.CIEs, 1, "one CIE per module")
	require.Len(t, ehf.FDEs, 2)

	cie := ehf.CIEs[0]
	slot, ok := img.SlotAt(cie.Personality)
	require.True(t, ok)
	assert.Equal(t, "DW.ref.__gxx_personality_v0", slot)
	personality, ok := img.SlotValue(slot)
	require.True(t, ok)
	assert.Equal(t, img.Imports()["__gxx_personality_v0"], personality)

	leaf := ehf.FDEFor(text.Addr + 4)
	require.NotNil(t, leaf)
	assert.Zero(t, leaf.LSDA, "no handlers, no LSDA")

	start := uint64(m.Functions()[1].Start)
	assert.Equal(t, uint64(48), start)
	fde := ehf.FDEFor(text.Addr + start + 36)
	require.NotNil(t, fde)
	assert.Equal(t, text.Addr+start, fde.PCBegin)
	assert.Equal(t, uint64(200), fde.PCRange)
	require.NotZero(t, fde.LSDA)

	rows, err := fde.Rows()
	require.NoError(t, err)
	row := RowAt(rows, 36)
	assert.Equal(t, mustRegister("rbp").DwarfNum, row.CFAReg)
	assert.Equal(t, int64(16), row.CFAOffset)

	// delve reads the relocated section on its own, personality included
	fdes, err := frame.Parse(ehframe.Data, binary.LittleEndian, 0, 8, ehframe.Addr)
	require.NoError(t, err)
	require.Len(t, fdes, 2)
	dfde, err := fdes.FDEForPC(text.Addr + start + 36)
	require.NoError(t, err)
	assert.Equal(t, text.Addr+start, dfde.Begin())
	assert.Equal(t, text.Addr+start+200, dfde.End())
	ctx := dfde.EstablishFrame(text.Addr + start + 36)
	assert.Equal(t, uint64(regnum.AMD64_Rbp), ctx.CFA.Reg)
	assert.Equal(t, int64(16), ctx.CFA.Offset)
	assert.Equal(t, frame.DWRule{Rule: frame.RuleOffset, Offset: -16}, ctx.Regs[regnum.AMD64_Rbp])
	assert.Equal(t, frame.DWRule{Rule: frame.RuleOffset, Offset: -8}, ctx.Regs[regnum.AMD64_Rip])

	d, err := ReadLSDA(lsdaSec.Data, uint32(fde.LSDA-lsdaSec.Addr), lsdaSec.Addr)
	require.NoError(t, err)

	tests := []struct {
		pc    uint32
		pad   uint32
		types []string
	}{
		{36, 150, []string{"DW.ref._ZTIl", "DW.ref._ZTIc", "DW.ref._ZTIi", ""}},
		{44, 154, []string{"DW.ref._ZTIc", "DW.ref._ZTIi", ""}},
		{20, 158, []string{"DW.ref._ZTIi", ""}},
		{60, 162, []string{""}},
	}
	for _, tt := range tests {
		site, ok := d.CallSiteFor(tt.pc)
		require.True(t, ok, "pc %d", tt.pc)
		assert.Equal(t, tt.pad, site.LandingPad, "pc %d", tt.pc)
		require.NotZero(t, site.Action, "pc %d", tt.pc)
		assert.Equal(t, tt.types, resolvedTypes(t, img, d, site.Action), "pc %d", tt.pc)
	}
	for _, pc := range []uint32{0, 4, 64, 120, 199} {
		site, ok := d.CallSiteFor(pc)
		require.True(t, ok, "the call-site table covers the whole function")
		assert.Zero(t, site.LandingPad, "pc %d", pc)
	}

	for name, addr := range externs {
		value, ok := img.SlotValue("DW.ref." + name)
		require.True(t, ok)
		assert.Equal(t, addr, value, name)
	}
}

func TestCleanupLandingPadResumes(t *testing.T) {
	in := framedInput("f", 64,
		tryAt(8), finallyAt(8, "fin"), endHandlerAt(8), endTryAt(30),
		slotAt(30, "fin"),
	)
	in.Actions = actionsOf(map[string][]byte{"fin": {0x90}})
	m, img := encodeImage(t, testConfig(engine.FormatELF), nil, in)

	fi := m.Functions()[0].Info
	require.Len(t, fi.Funclets, 1)
	pad := fi.Funclets[0]
	assert.Equal(t, uint32(64), pad.Entry)
	assert.Equal(t, uint32(96), fi.ActionArea)

	text := section(t, img, SecText)
	resume, ok := img.Imports()[UnwindResumeSymbol]
	require.True(t, ok, "_Unwind_Resume is bound to an import entry")
	assert.Equal(t, resume, text.Addr+uint64(rel32At(text.Data, 77)))
	assert.Equal(t, fi.ActionArea, rel32At(text.Data, 67), "the pad calls the action body")

	ehframe := section(t, img, SecEHFrame)
	ehf, err := ReadEhFrame(ehframe.Data, ehframe.Addr)
	require.NoError(t, err)
	require.Len(t, ehf.FDEs, 2, "function and action area")
	fde := ehf.FDEFor(text.Addr + 10)
	require.NotNil(t, fde)
	actions := ehf.FDEFor(text.Addr + uint64(fi.ActionArea))
	require.NotNil(t, actions)
	assert.NotSame(t, fde, actions)

	lsdaSec := section(t, img, SecLSDA)
	d, err := ReadLSDA(lsdaSec.Data, uint32(fde.LSDA-lsdaSec.Addr), lsdaSec.Addr)
	require.NoError(t, err)
	site, ok := d.CallSiteFor(10)
	require.True(t, ok)
	assert.Equal(t, pad.Entry, site.LandingPad)
	assert.Zero(t, site.Action, "cleanup only")
}

func TestEncodingIsDeterministic(t *testing.T) {
	for _, format := range []engine.ObjectFormat{engine.FormatCOFF, engine.FormatELF} {
		inputs := func() []*FunctionInput {
			in := framedInput("g", 80, tryAt(8), finallyAt(8, "fin"), endHandlerAt(8), endTryAt(30))
			in.Actions = actionsOf(map[string][]byte{"fin": {0x90, 0x90}})
			if format == engine.FormatELF {
				return []*FunctionInput{nestedCatchInput("f"), in}
			}
			return []*FunctionInput{framedInput("f", 60), in}
		}
		_, first := encodeImage(t, testConfig(format), nil, inputs()...)
		_, second := encodeImage(t, testConfig(format), nil, inputs()...)

		require.Len(t, second.Sections(), len(first.Sections()))
		for i, sec := range first.Sections() {
			other := second.Sections()[i]
			assert.Equal(t, sec.Name, other.Name)
			assert.Equal(t, sec.Addr, other.Addr)
			assert.True(t, bytes.Equal(sec.Data, other.Data), "%s: %s differs", format, sec.Name)
		}
		assert.Equal(t, first.Applied(), second.Applied())
	}
}

func TestFailedFunctionGetsNoTables(t *testing.T) {
	m, err := NewModuleEncoder(testConfig(engine.FormatCOFF))
	require.NoError(t, err)

	_, err = m.EncodeFunction(framedInput("a", 32))
	require.NoError(t, err)
	_, err = m.EncodeFunction(framedInput("b", 32, tryAt(8)))
	assert.Equal(t, CategoryStructural, categoryOf(err), "try never closed")
	_, err = m.EncodeFunction(framedInput("a", 32))
	assert.Equal(t, CategoryStructural, categoryOf(err), "encoded twice")
	_, err = m.EncodeFunction(framedInput("c", 32))
	require.NoError(t, err)

	assert.Equal(t, 2, m.Errors().ErrorCount())
	assert.False(t, m.Errors().HasInternalError())

	img := NewObjectImage(testConfig(engine.FormatCOFF).Target, m.Relocations())
	require.NoError(t, m.Finalize(img))
	require.NoError(t, img.Apply())

	entries, err := ReadPdata(section(t, img, SecPData).Data)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	base := uint32(section(t, img, SecText).Addr)
	assert.Equal(t, base+32, entries[1].BeginAddress, "c follows a directly")
}

func TestFinalizeLifecycle(t *testing.T) {
	m, err := NewModuleEncoder(testConfig(engine.FormatELF))
	require.NoError(t, err)
	_, err = m.EncodeFunction(framedInput("f", 32))
	require.NoError(t, err)

	m.Errors().Add(ConsistencyError("fragment moved"))
	img := NewObjectImage(testConfig(engine.FormatELF).Target, m.Relocations())
	assert.Error(t, m.Finalize(img))
	assert.Empty(t, img.Sections(), "nothing written after an internal error")
	assert.Equal(t, StageAborted, m.pipeline.CurrentStage())

	m, err = NewModuleEncoder(testConfig(engine.FormatELF))
	require.NoError(t, err)
	_, err = m.EncodeFunction(framedInput("f", 32))
	require.NoError(t, err)
	img = NewObjectImage(testConfig(engine.FormatELF).Target, m.Relocations())
	require.NoError(t, m.Finalize(img))

	var names []string
	for _, sec := range img.Sections() {
		names = append(names, sec.Name)
	}
	assert.Equal(t, engine.Target{Format: engine.FormatELF}.SectionNames(), names)

	assert.Error(t, m.Finalize(NewObjectImage(testConfig(engine.FormatELF).Target, m.Relocations())), "finalize runs once")
	_, err = m.EncodeFunction(framedInput("g", 32))
	assert.Error(t, err, "no functions after finalize")

	// a completed module cannot be aborted, and the caller hears about both
	err = m.abort(ConsistencyError("late failure"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "late failure")
	assert.Contains(t, err.Error(), "invalid stage transition Module Complete -> Aborted")
}

func TestUnwindCheckpoints(t *testing.T) {
	fi := &FunctionExceptionInfo{ThrowSites: []uint32{12, 40}}
	sites := []CallSite{{Start: 8, Length: 24, LandingPad: 64}}
	assert.Equal(t, []uint32{8, 32, 12, 17, 40, 45}, unwindCheckpoints(fi, sites))
	assert.Equal(t, []uint32{12, 17, 40, 45}, unwindCheckpoints(fi, nil))

	// throw sites reach the CFI check even without handlers
	in := framedInput("thrower", 64, Marker{Kind: MarkThrow, Offset: 20})
	m, err := NewModuleEncoder(testConfig(engine.FormatELF))
	require.NoError(t, err)
	got, err := m.EncodeFunction(in)
	require.NoError(t, err)
	assert.Equal(t, []uint32{20}, got.ThrowSites)
}

func TestNewModuleEncoderValidatesConfig(t *testing.T) {
	cfg := testConfig(engine.FormatCOFF)
	cfg.TextAlign = 12
	_, err := NewModuleEncoder(cfg)
	assert.Error(t, err)

	_, err = NewModuleEncoder(testConfig(engine.FormatUnknown))
	assert.Error(t, err)
}

// finallyCalls counts the termination handlers the C-specific handler runs
// while unwinding through rva
func finallyCalls(scopes []ScopeEntry, rva uint32) int {
	n := 0
	for _, s := range scopes {
		if s.IsFinally() && rva >= s.BeginAddress && rva < s.EndAddress {
			n++
		}
	}
	return n
}

func TestEarlyExitRunsFinallyOnce(t *testing.T) {
	fin := []byte{0xc7, 0x45, 0xf8, 0x01, 0x00, 0x00, 0x00} // mov dword [rbp-8], 1
	in := framedInput("f", 96,
		tryAt(8),
		tryAt(16), finallyAt(16, "fin"), endHandlerAt(16), endTryAt(30),
		slotAt(30, "fin"), // falling out of the inner try
		slotAt(40, "fin"), // early exit, jumped to from inside the inner try
		exceptAt(80, ConstantFilter(1)), endHandlerAt(84),
		endTryAt(50),
	)
	in.Actions = actionsOf(map[string][]byte{"fin": fin})
	m, img := encodeImage(t, testConfig(engine.FormatCOFF), nil, in)

	fi := m.Functions()[0].Info
	require.Len(t, fi.Funclets, 1)
	funclet := fi.Funclets[0]
	assert.Equal(t, []uint32{30, 40}, funclet.InlineStubs)

	text := section(t, img, SecText)
	base := uint32(text.Addr)
	code := text.Data
	for _, at := range funclet.InlineStubs {
		assert.Equal(t, byte(0xe8), code[at])
		assert.Equal(t, funclet.Body, rel32At(code, at+1), "stub at %d", at)
	}
	assert.Equal(t, 1, bytes.Count(code, fin), "one copy of the body")

	u := unwindInfoFor(t, img, base+20)
	require.Len(t, u.Scopes, 2)

	// unwinding out of the inner try runs the funclet once, then the
	// except handler takes over
	assert.Equal(t, 1, finallyCalls(u.Scopes, base+20))
	assert.Equal(t, 0, dispatch(u.Scopes, base+20))

	// a fault in the body entered from either stub unwinds to the stub's
	// return address, which only the except scope covers
	for _, at := range funclet.InlineStubs {
		ret := base + at + callInsnSize
		assert.Zero(t, finallyCalls(u.Scopes, ret), "stub at %d", at)
		assert.Zero(t, finallyCalls(u.Scopes, ret-1), "stub at %d", at)
		assert.Equal(t, 1, dispatch(u.Scopes, ret), "stub at %d", at)
	}

	// the stub must not sit inside the region whose finally it calls
	in.Markers = []Marker{
		tryAt(8),
		tryAt(16), finallyAt(16, "fin"), endHandlerAt(16),
		slotAt(20, "fin"),
		endTryAt(40),
		slotAt(40, "fin"),
		exceptAt(80, ConstantFilter(1)), endHandlerAt(84),
		endTryAt(50),
	}
	enc, err := NewModuleEncoder(testConfig(engine.FormatCOFF))
	require.NoError(t, err)
	_, err = enc.EncodeFunction(in)
	require.Error(t, err)
	assert.Equal(t, CategoryStructural, categoryOf(err))
}

func TestEarlyExitRunsCleanupOnce(t *testing.T) {
	in := framedInput("f", 96,
		tryAt(4),
		tryAt(8), finallyAt(8, "fin"), endHandlerAt(8), endTryAt(30),
		slotAt(30, "fin"),
		slotAt(40, "fin"),
		catchAt(80, ""), endHandlerAt(84),
		endTryAt(50),
	)
	in.Actions = actionsOf(map[string][]byte{"fin": {0x90}})
	m, img := encodeImage(t, testConfig(engine.FormatELF), nil, in)

	fi := m.Functions()[0].Info
	require.Len(t, fi.Funclets, 1)
	pad := fi.Funclets[0]
	assert.Equal(t, []uint32{30, 40}, pad.InlineStubs)

	text := section(t, img, SecText)
	ehframe := section(t, img, SecEHFrame)
	ehf, err := ReadEhFrame(ehframe.Data, ehframe.Addr)
	require.NoError(t, err)
	fde := ehf.FDEFor(text.Addr + 10)
	require.NotNil(t, fde)
	lsdaSec := section(t, img, SecLSDA)
	d, err := ReadLSDA(lsdaSec.Data, uint32(fde.LSDA-lsdaSec.Addr), lsdaSec.Addr)
	require.NoError(t, err)

	// unwinding out of the inner try lands on the cleanup pad
	site, ok := d.CallSiteFor(20)
	require.True(t, ok)
	assert.Equal(t, pad.Entry, site.LandingPad)

	// the personality looks up ip-1 of each stub's call; the catch-all pad
	// takes it, never the cleanup pad again
	for _, at := range pad.InlineStubs {
		site, ok := d.CallSiteFor(at + callInsnSize - 1)
		require.True(t, ok, "stub at %d", at)
		assert.Equal(t, uint32(80), site.LandingPad, "stub at %d", at)
	}
}
