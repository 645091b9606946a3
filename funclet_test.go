package main

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xyproto/ehgen/internal/engine"
)

// rbpFrame is push rbp; mov rbp, rsp; sub rsp, 32
func rbpFrame() *PrologueBuilder {
	return NewPrologueBuilder().
		Push(mustRegister("rbp")).
		SetFrame(mustRegister("rbp"), 0).
		Alloc(32)
}

// framedBody returns the prologue followed by nops up to size bytes
func framedBody(pb *PrologueBuilder, size int) []byte {
	body := bytes.Repeat([]byte{0x90}, size)
	copy(body, pb.Bytes())
	return body
}

func actionsOf(bodies map[string][]byte) map[string]ActionBody {
	actions := make(map[string]ActionBody, len(bodies))
	for name, code := range bodies {
		actions[name] = ActionBody{Name: name, Code: code}
	}
	return actions
}

func generateFunclets(t *testing.T, format engine.ObjectFormat, in *FunctionInput, body []byte) (*FuncletArea, []*TryRegion, error) {
	t.Helper()
	b, _, err := BuildScopes(format, uint32(len(body)), in.Markers)
	require.NoError(t, err)
	area, err := NewFuncletCodegen(format, in, b.Arena()).Generate(body, b.InlineSlots())
	return area, b.Arena(), err
}

func rel32At(code []byte, at uint32) uint32 {
	return uint32(int64(at) + 4 + int64(int32(binary.LittleEndian.Uint32(code[at:]))))
}

func TestTerminationFunclet(t *testing.T) {
	pb := rbpFrame()
	in := &FunctionInput{
		Name:     "f",
		Prologue: pb.Descriptor(),
		Markers: []Marker{
			tryAt(16), finallyAt(16, "fin"), endHandlerAt(16), endTryAt(30),
			slotAt(30, "fin"),
		},
		Actions: actionsOf(map[string][]byte{"fin": {0x90}}),
	}
	area, arena, err := generateFunclets(t, engine.FormatCOFF, in, framedBody(pb, 64))
	require.NoError(t, err)
	require.Len(t, area.Funclets, 1)

	f := area.Funclets[0]
	assert.Equal(t, FuncletTermination, f.Kind)
	assert.Equal(t, ExitReturnToDispatcher, f.Exit)
	assert.Equal(t, uint32(64), f.Entry)
	assert.Equal(t, uint32(83), f.End)
	assert.Equal(t, uint32(96), f.Body)
	assert.Equal(t, uint32(96), area.ActionArea)
	assert.Equal(t, 0, arena[0].Handlers[0].Funclet)

	want := []byte{
		0x55,                         // push rbp
		0x48, 0x89, 0xd5,             // mov rbp, rdx
		0x48, 0x83, 0xec, 0x20,       // sub rsp, 32
		0xe8, 0x13, 0x00, 0x00, 0x00, // call body
		0x48, 0x83, 0xc4, 0x20,       // add rsp, 32
		0x5d,                         // pop rbp
		0xc3,                         // ret
	}
	assert.Equal(t, want, area.Code[64:83])
	assert.Equal(t, bytes.Repeat([]byte{0xCC}, 96-83), area.Code[83:96])
	assert.Equal(t, []byte{0x90, 0xc3}, area.Code[96:])

	// the inline path calls the same body
	assert.Equal(t, []uint32{30}, f.InlineStubs)
	assert.Equal(t, byte(0xE8), area.Code[30])
	assert.Equal(t, f.Body, rel32At(area.Code, 31))

	// funclet-relative unwind description
	require.Len(t, f.Prologue.Ops, 2)
	assert.Equal(t, uint32(1), f.Prologue.Ops[0].End)
	assert.Equal(t, uint32(8), f.Prologue.Ops[1].End)
	assert.Equal(t, uint32(funcletHomeSpace), f.Prologue.Ops[1].Amount)
	assert.Equal(t, uint32(13), f.Epilogue.Offset)
}

func TestTerminationFuncletFrameOffset(t *testing.T) {
	pb := NewPrologueBuilder().Push(mustRegister("rbp")).Alloc(48).SetFrame(mustRegister("rbp"), 32)
	in := &FunctionInput{
		Name:     "f",
		Prologue: pb.Descriptor(),
		Markers:  []Marker{tryAt(16), finallyAt(16, "fin"), endHandlerAt(16), endTryAt(30)},
		Actions:  actionsOf(map[string][]byte{"fin": nil}),
	}
	area, _, err := generateFunclets(t, engine.FormatCOFF, in, framedBody(pb, 48))
	require.NoError(t, err)
	entry := area.Funclets[0].Entry
	// lea rbp, [rdx+32]
	assert.Equal(t, []byte{0x48, 0x8d, 0x6a, 0x20}, area.Code[entry+1:entry+5])
}

func TestCleanupLandingPad(t *testing.T) {
	pb := rbpFrame()
	in := &FunctionInput{
		Name:     "f",
		Prologue: pb.Descriptor(),
		Markers:  []Marker{tryAt(16), finallyAt(16, "fin"), endHandlerAt(16), endTryAt(30), slotAt(30, "fin")},
		Actions:  actionsOf(map[string][]byte{"fin": {0x90}}),
	}
	area, arena, err := generateFunclets(t, engine.FormatELF, in, framedBody(pb, 64))
	require.NoError(t, err)
	require.Len(t, area.Funclets, 1)

	f := area.Funclets[0]
	assert.Equal(t, FuncletCleanup, f.Kind)
	assert.Equal(t, ExitResume, f.Exit)
	assert.Equal(t, uint32(64), f.Entry)
	assert.Equal(t, uint32(81), f.End)
	assert.Equal(t, uint32(64), arena[0].Handlers[0].LandingPad)

	want := []byte{
		0x50,                         // push rax
		0x52,                         // push rdx
		0xe8, 0x19, 0x00, 0x00, 0x00, // call body
		0x5a,                         // pop rdx
		0x58,                         // pop rax
		0x48, 0x89, 0xc7,             // mov rdi, rax
		0xe8, 0x00, 0x00, 0x00, 0x00, // call _Unwind_Resume
	}
	assert.Equal(t, want, area.Code[64:81])
	assert.Equal(t, []CallFixup{{Offset: 77, Symbol: UnwindResumeSymbol}}, f.Calls)

	// pushes and pops park scratch values; they save nothing
	require.Len(t, f.Events, 4)
	for _, ev := range f.Events {
		assert.True(t, ev.Scratch)
	}
	assert.Equal(t, uint32(65), f.Events[0].At)
	assert.Equal(t, uint32(73), f.Events[3].At)

	assert.Equal(t, f.Body, rel32At(area.Code, 31))
}

func TestNestedCleanupChains(t *testing.T) {
	pb := rbpFrame()
	in := &FunctionInput{
		Name:     "f",
		Prologue: pb.Descriptor(),
		Markers: []Marker{
			tryAt(8),
			tryAt(16), finallyAt(16, "inner"), endHandlerAt(16), endTryAt(24),
			finallyAt(8, "outer"), endHandlerAt(8),
			endTryAt(40),
		},
		Actions: actionsOf(map[string][]byte{"inner": {0x90}, "outer": {0x90, 0x90}}),
	}
	area, arena, err := generateFunclets(t, engine.FormatELF, in, framedBody(pb, 64))
	require.NoError(t, err)
	require.Len(t, area.Funclets, 2)

	outer := area.Funclets[arena[0].Handlers[0].Funclet]
	inner := area.Funclets[arena[1].Handlers[0].Funclet]
	assert.Equal(t, ExitResume, outer.Exit)
	assert.Equal(t, ExitChain, inner.Exit)
	assert.Equal(t, outer.Entry, inner.ChainTarget)
	assert.Empty(t, inner.Calls)

	// jmp rel32 at the end of the inner pad reaches the outer pad
	assert.Equal(t, byte(0xE9), area.Code[inner.End-5])
	assert.Equal(t, outer.Entry, rel32At(area.Code, inner.End-4))

	// each pad calls its own body
	assert.NotEqual(t, outer.Body, inner.Body)
	assert.Equal(t, inner.Body, rel32At(area.Code, inner.Entry+3))
	assert.Equal(t, outer.Body, rel32At(area.Code, outer.Entry+3))
	assert.Equal(t, []byte{0x90, 0x90, 0xc3}, area.Code[outer.Body:outer.Body+3])
}

func TestFuncletCodegenErrors(t *testing.T) {
	finally := []Marker{tryAt(16), finallyAt(16, "fin"), endHandlerAt(16), endTryAt(30)}
	tests := []struct {
		name     string
		prologue *PrologueBuilder
		markers  []Marker
		actions  map[string][]byte
		want     ErrorCategory
	}{
		{"no frame pointer", NewPrologueBuilder().Alloc(40), finally, map[string][]byte{"fin": nil}, CategoryUnsupported},
		{"unknown action", rbpFrame(), finally, map[string][]byte{"fn": nil}, CategoryStructural},
		{"shared action", rbpFrame(), append(append([]Marker{}, finally...),
			tryAt(32), finallyAt(32, "fin"), endHandlerAt(32), endTryAt(40)), map[string][]byte{"fin": nil}, CategoryStructural},
		{"slot for a non-finally action", rbpFrame(), append(append([]Marker{}, finally...), slotAt(40, "other")),
			map[string][]byte{"fin": nil, "other": nil}, CategoryStructural},
		{"slot over real code", rbpFrame(), append(append([]Marker{}, finally...), slotAt(2, "fin")),
			map[string][]byte{"fin": nil}, CategoryStructural},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &FunctionInput{Name: "f", Prologue: tt.prologue.Descriptor(), Markers: tt.markers, Actions: actionsOf(tt.actions)}
			_, _, err := generateFunclets(t, engine.FormatCOFF, in, framedBody(tt.prologue, 64))
			require.Error(t, err)
			assert.Equal(t, tt.want, categoryOf(err), err.Error())
		})
	}
}

func TestReservedSlot(t *testing.T) {
	assert.True(t, reservedSlot([]byte{0x90, 0x90, 0x90, 0x90, 0x90}))
	assert.True(t, reservedSlot([]byte{0x0F, 0x1F, 0x44, 0x00, 0x00}))
	assert.False(t, reservedSlot([]byte{0x90, 0x90, 0xC3, 0x90, 0x90}))
}

func TestNoFuncletsForSentinelFilters(t *testing.T) {
	in := &FunctionInput{
		Name:    "f",
		Markers: []Marker{tryAt(4), exceptAt(20, ConstantFilter(ExceptionExecuteHandler)), endHandlerAt(24), endTryAt(12)},
	}
	body := bytes.Repeat([]byte{0x90}, 30)
	area, arena, err := generateFunclets(t, engine.FormatCOFF, in, body)
	require.NoError(t, err)
	assert.Empty(t, area.Funclets)
	assert.Equal(t, body, area.Code, "no funclet area, no padding")
	assert.Equal(t, uint32(30), area.ActionArea)
	assert.Equal(t, -1, arena[0].Handlers[0].Funclet)
}

func TestExceptionCodeFilterFunclet(t *testing.T) {
	filter := FilterRef{Expr: &FilterExpr{Kind: FilterExceptionCode, Code: 0xC0000094,
		Match: ExceptionExecuteHandler, NoMatch: ExceptionContinueSearch}}
	in := &FunctionInput{
		Name:    "f",
		Markers: []Marker{tryAt(16), exceptAt(40, filter), endHandlerAt(44), endTryAt(30)},
	}
	area, arena, err := generateFunclets(t, engine.FormatCOFF, in, bytes.Repeat([]byte{0x90}, 64))
	require.NoError(t, err)
	require.Len(t, area.Funclets, 1)

	f := area.Funclets[0]
	assert.Equal(t, FuncletFilter, f.Kind)
	assert.Equal(t, f.Entry, f.Body, "a filter is its own body")
	assert.Equal(t, uint32(64), f.Entry)
	assert.Equal(t, uint32(88), f.End)
	assert.Equal(t, uint32(88), area.ActionArea)
	assert.Equal(t, 0, arena[0].Handlers[0].Funclet)
	assert.Empty(t, f.Prologue.Ops, "leaf filter")
}

func TestLowerFilter(t *testing.T) {
	tests := []struct {
		name  string
		f     FilterRef
		want  []byte
		calls []CallFixup
	}{
		{
			name: "constant",
			f:    ConstantFilter(5),
			want: []byte{0xb8, 0x05, 0x00, 0x00, 0x00, 0xc3},
		},
		{
			name: "exception code",
			f: FilterRef{Expr: &FilterExpr{Kind: FilterExceptionCode, Code: 0xC0000005,
				Match: ExceptionExecuteHandler, NoMatch: ExceptionContinueSearch}},
			want: []byte{
				0x48, 0x8b, 0x41, 0x00,                   // mov rax, [rcx+0]
				0x81, 0x78, 0x00, 0x05, 0x00, 0x00, 0xc0, // cmp dword [rax+0], code
				0xb8, 0x00, 0x00, 0x00, 0x00,             // mov eax, nomatch
				0x75, 0x05,                               // jne +5
				0xb8, 0x01, 0x00, 0x00, 0x00,             // mov eax, match
				0xc3,
			},
		},
		{
			name: "call",
			f:    FilterRef{Expr: &FilterExpr{Kind: FilterCall, Symbol: "is_access_violation"}},
			want: []byte{
				0x48, 0x83, 0xec, 0x28,       // sub rsp, 40
				0xe8, 0x00, 0x00, 0x00, 0x00, // call filter
				0x48, 0x83, 0xc4, 0x28,       // add rsp, 40
				0xc3,
			},
			calls: []CallFixup{{Offset: 5, Symbol: "is_access_violation"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOut("filter")
			lf, err := lowerFilter(o, tt.f, SourceLocation{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, o.Bytes())
			assert.Equal(t, tt.calls, lf.calls)
			assert.Equal(t, uint32(len(tt.want)), lf.epilogue.Offset+lf.epilogue.Size())
		})
	}
}

func TestLowerFilterRejects(t *testing.T) {
	tests := []struct {
		name string
		f    FilterRef
		want ErrorCategory
	}{
		{"local", FilterRef{Expr: &FilterExpr{Kind: FilterLocalRef, Symbol: "code"}}, CategoryUnsupported},
		{"opaque", FilterRef{Expr: &FilterExpr{Kind: FilterOpaque}}, CategoryUnsupported},
		{"results out of range", FilterRef{Expr: &FilterExpr{Kind: FilterExceptionCode, Match: 7}}, CategoryEncoding},
		{"call without symbol", FilterRef{Expr: &FilterExpr{Kind: FilterCall}}, CategoryStructural},
		{"empty", FilterRef{}, CategoryStructural},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOut("filter")
			_, err := lowerFilter(o, tt.f, SourceLocation{})
			require.Error(t, err)
			assert.Equal(t, tt.want, categoryOf(err))
			assert.Zero(t, o.Len(), "nothing emitted for a rejected filter")
		})
	}
}
