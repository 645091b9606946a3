// module.go - Module encode context: create, encode functions, finalize
package main

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/xyproto/ehgen/internal/engine"
)

// sectionAlign is the alignment of each fragment inside a merged section
var sectionAlign = map[SectionID]uint32{
	SecXData:   4,
	SecPData:   4,
	SecLSDA:    lsdaAlign,
	SecEHFrame: ehFrameEntryAlign,
}

// FunctionTables is the fragment one function encodes into. Offsets in it
// are fragment-local until the module merges it.
type FunctionTables struct {
	Info     *FunctionExceptionInfo
	Sections map[SectionID]*SectionBuffer
	FDEs     []FDERecord
	LSDA     *LSDA
	Start    uint32 // .text offset, set at layout
}

func newFunctionTables(fi *FunctionExceptionInfo, sections []SectionID) *FunctionTables {
	ft := &FunctionTables{Info: fi, Sections: make(map[SectionID]*SectionBuffer)}
	for _, sec := range sections {
		ft.Sections[sec] = NewSectionBuffer(sec, fmt.Sprintf("%s(%s)", sec, fi.Name))
	}
	return ft
}

// ExceptionTableEmitter writes one platform's tables. A module picks one
// emitter when it is created and uses it for every function.
type ExceptionTableEmitter interface {
	// Sections lists the sections the emitter writes, .text first
	Sections() []SectionID
	// Prelude writes module-level entries ahead of the first fragment
	Prelude(module map[SectionID]*SectionBuffer) error
	// EmitFunction encodes a frozen function into its fragment
	EmitFunction(fi *FunctionExceptionInfo, ft *FunctionTables) error
	// Link patches module-level references of a merged fragment
	Link(ft *FunctionTables, bases map[SectionID]uint32, module map[SectionID]*SectionBuffer) error
	// Indirections lists the DW.ref slots the writer must define
	Indirections() map[string]string
}

// coffEmitter writes .xdata and .pdata
type coffEmitter struct {
	unwind *UnwindInfoEncoder
}

func (e *coffEmitter) Sections() []SectionID {
	return []SectionID{SecText, SecXData, SecPData}
}

func (e *coffEmitter) Prelude(map[SectionID]*SectionBuffer) error {
	return nil
}

func (e *coffEmitter) EmitFunction(fi *FunctionExceptionInfo, ft *FunctionTables) error {
	return e.unwind.Encode(fi, ft.Sections[SecXData], ft.Sections[SecPData])
}

func (e *coffEmitter) Link(*FunctionTables, map[SectionID]uint32, map[SectionID]*SectionBuffer) error {
	return nil
}

func (e *coffEmitter) Indirections() map[string]string {
	return nil
}

// elfEmitter writes .gcc_except_table and .eh_frame
type elfEmitter struct {
	cie       *CommonInformationEntry
	cfi       *DwarfCfiEncoder
	lsda      *LsdaBuilder
	types     *TypeIdentityTable
	relocs    *RelocationManager
	cieOffset uint32
	preluded  bool
}

func (e *elfEmitter) Sections() []SectionID {
	return []SectionID{SecText, SecLSDA, SecEHFrame}
}

func (e *elfEmitter) Prelude(module map[SectionID]*SectionBuffer) error {
	if e.preluded {
		return ConsistencyError("CIE written twice")
	}
	off, err := e.cie.Encode(module[SecEHFrame], e.relocs)
	if err != nil {
		return err
	}
	e.cieOffset = off
	e.preluded = true
	return nil
}

// unwindCheckpoints are the offsets the unwinder asks about besides the
// frame state changes: call-site boundaries, and each throwing call together
// with its return address
func unwindCheckpoints(fi *FunctionExceptionInfo, sites []CallSite) []uint32 {
	points := CallSiteBoundaries(sites)
	for _, at := range fi.ThrowSites {
		points = append(points, at, at+callInsnSize)
	}
	return points
}

func (e *elfEmitter) EmitFunction(fi *FunctionExceptionInfo, ft *FunctionTables) error {
	lsdaOffset := int64(-1)
	var sites []CallSite
	if fi.HasExceptionInfo() {
		off, l, err := e.lsda.Encode(fi, ft.Sections[SecLSDA])
		if err != nil {
			return err
		}
		lsdaOffset = int64(off)
		ft.LSDA = l
		sites = l.CallSites
	}
	records, err := e.cfi.Encode(fi, ft.Sections[SecEHFrame], lsdaOffset, unwindCheckpoints(fi, sites))
	if err != nil {
		return err
	}
	ft.FDEs = records
	return nil
}

// Link points every FDE of the fragment at the module's CIE. The CIE
// pointer is the distance from the field back to the CIE.
func (e *elfEmitter) Link(ft *FunctionTables, bases map[SectionID]uint32, module map[SectionID]*SectionBuffer) error {
	if !e.preluded {
		return ConsistencyError("FDE linked before the CIE was written")
	}
	ehframe := module[SecEHFrame]
	for _, rec := range ft.FDEs {
		at := bases[SecEHFrame] + rec.CIEPointer
		if at <= e.cieOffset {
			return ConsistencyError(fmt.Sprintf("%s: FDE at %d precedes the CIE", ft.Info.Name, at))
		}
		ehframe.Patch32(at, at-e.cieOffset)
	}
	return nil
}

func (e *elfEmitter) Indirections() map[string]string {
	slots := map[string]string{
		e.cie.Personality: strings.TrimPrefix(e.cie.Personality, ehFramePersonalityPrefix),
	}
	for _, sym := range e.types.Symbols() {
		slots[ehFramePersonalityPrefix+sym] = sym
	}
	return slots
}

// ModuleEncoder owns the module-global state (relocation manager, CIE,
// type identities) and drives the create -> EncodeFunction* -> Finalize
// lifecycle
type ModuleEncoder struct {
	cfg       Config
	relocs    *RelocationManager
	types     *TypeIdentityTable
	emitter   ExceptionTableEmitter
	pipeline  *CompilationPipeline
	errs      *ErrorCollector
	functions []*FunctionTables
	names     map[string]bool
}

// NewModuleEncoder creates an encoder for one module
func NewModuleEncoder(cfg Config) (*ModuleEncoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &ModuleEncoder{
		cfg:      cfg,
		relocs:   NewRelocationManager(),
		types:    NewTypeIdentityTable(),
		pipeline: NewCompilationPipeline(),
		errs:     NewErrorCollector(cfg.MaxErrors),
		names:    make(map[string]bool),
	}
	switch cfg.Target.Format {
	case engine.FormatCOFF:
		m.emitter = &coffEmitter{unwind: NewUnwindInfoEncoder(m.relocs)}
	case engine.FormatELF:
		cie := NewCommonInformationEntry(cfg.Target.PersonalityName())
		m.emitter = &elfEmitter{
			cie:    cie,
			cfi:    NewDwarfCfiEncoder(m.relocs, cie),
			lsda:   NewLsdaBuilder(m.relocs, m.types),
			types:  m.types,
			relocs: m.relocs,
		}
	default:
		return nil, fmt.Errorf("no exception table emitter for %s", cfg.Target)
	}
	if err := m.pipeline.AdvanceTo(StageEncoding); err != nil {
		return nil, err
	}
	logger.Debug().Str("target", cfg.Target.String()).Msg("module created")
	return m, nil
}

// Relocations returns the module's relocation manager
func (m *ModuleEncoder) Relocations() *RelocationManager {
	return m.relocs
}

// Errors returns the diagnostics collected so far
func (m *ModuleEncoder) Errors() *ErrorCollector {
	return m.errs
}

// Functions returns the encoded functions in declaration order
func (m *ModuleEncoder) Functions() []*FunctionTables {
	return m.functions
}

// EncodeFunction builds and encodes the tables of one function. A function
// that fails gets no tables at all; the error is returned and collected.
// Internal errors poison the module and make Finalize refuse to run.
func (m *ModuleEncoder) EncodeFunction(in *FunctionInput) (*FunctionExceptionInfo, error) {
	if err := m.pipeline.ValidateStage(StageEncoding, "EncodeFunction"); err != nil {
		return nil, err
	}
	if m.errs.ShouldStop() {
		return nil, fmt.Errorf("too many errors (%d), not encoding %s", m.errs.ErrorCount(), in.Name)
	}
	ft, err := m.encode(in)
	if err != nil {
		err = inFunction(err, in.Name)
		m.errs.Add(err)
		logger.Debug().Str("function", in.Name).Str("category", categoryOf(err).String()).Msg("function rejected")
		return nil, err
	}
	m.functions = append(m.functions, ft)
	return ft.Info, nil
}

func (m *ModuleEncoder) encode(in *FunctionInput) (*FunctionTables, error) {
	if in.Name == "" {
		return nil, StructuralError("function without a name", in.Loc)
	}
	if m.names[in.Name] {
		return nil, StructuralError(fmt.Sprintf("function %s encoded twice", in.Name), in.Loc)
	}
	format := m.cfg.Target.Format

	code, prologue, epilogues, err := prepareBody(in)
	if err != nil {
		return nil, err
	}
	bodySize := uint32(len(code))

	builder, regions, err := BuildScopes(format, bodySize, in.Markers)
	if err != nil {
		return nil, err
	}
	fin := *in
	fin.Prologue = prologue
	area, err := NewFuncletCodegen(format, &fin, builder.Arena()).Generate(code, builder.InlineSlots())
	if err != nil {
		return nil, err
	}

	fi := &FunctionExceptionInfo{
		Name:           in.Name,
		BodySize:       bodySize,
		Size:           uint32(len(area.Code)),
		ActionArea:     area.ActionArea,
		StackFrameSize: prologue.StackFrameSize(),
		Prologue:       prologue,
		Epilogues:      epilogues,
		Regions:        regions,
		Arena:          builder.Arena(),
		Funclets:       area.Funclets,
		ThrowSites:     builder.ThrowSites(),
		Code:           area.Code,
	}
	if fi.ActionArea == 0 || fi.ActionArea > fi.Size {
		fi.ActionArea = fi.Size
	}
	fi.Freeze()

	ft := newFunctionTables(fi, m.emitter.Sections())
	text := ft.Sections[SecText]
	text.Write(fi.Code)
	for _, f := range fi.Funclets {
		for _, call := range f.Calls {
			field := FieldFilterCall
			if call.Symbol == UnwindResumeSymbol {
				field = FieldResumeCall
			}
			if err := m.relocs.Request(text, call.Offset, field, ExternRef(call.Symbol)); err != nil {
				return nil, err
			}
		}
	}
	if err := m.emitter.EmitFunction(fi, ft); err != nil {
		return nil, err
	}
	m.names[in.Name] = true

	if VerboseMode {
		ev := logger.Debug().Str("function", fi.Name).Uint32("body", fi.BodySize).
			Uint32("size", fi.Size).Int("regions", len(fi.Regions)).Int("funclets", len(fi.Funclets))
		for _, sec := range m.emitter.Sections() {
			ev = ev.Int(sec.String(), ft.Sections[sec].Len())
		}
		ev.Msg("encoded")
	}
	return ft, nil
}

// prepareBody checks supplied code against its prologue and epilogues, or
// synthesizes a body from them when no code was given: prologue, nop fill,
// then the epilogues at their offsets (one conventional epilogue at the end
// when none are listed)
func prepareBody(in *FunctionInput) ([]byte, PrologueDescriptor, []Epilogue, error) {
	if in.Code != nil {
		if in.BodySize != 0 && in.BodySize != uint32(len(in.Code)) {
			return nil, PrologueDescriptor{}, nil, StructuralError(
				fmt.Sprintf("body size %d does not match %d bytes of code", in.BodySize, len(in.Code)), in.Loc)
		}
		if err := ValidatePrologue(in.Prologue, in.Code, in.Loc); err != nil {
			return nil, PrologueDescriptor{}, nil, err
		}
		for _, ep := range in.Epilogues {
			if err := checkEpilogue(in.Prologue, ep, in.Code, in.Loc); err != nil {
				return nil, PrologueDescriptor{}, nil, err
			}
		}
		return in.Code, in.Prologue, in.Epilogues, nil
	}

	pro, prologue := EmitPrologue(in.Prologue)
	var epilogues []Epilogue
	if len(in.Epilogues) == 0 {
		ops := EpilogueFor(prologue)
		ep := Epilogue{Ops: ops}
		end := in.BodySize
		if least := uint32(len(pro)) + ep.Size(); end < least {
			end = least
		}
		ep.Offset = end - ep.Size()
		epilogues = []Epilogue{ep}
	} else {
		for _, ep := range in.Epilogues {
			epilogues = append(epilogues, Epilogue{Offset: ep.Offset, Ops: EmitFrameOps(NewOut("epilogue"), ep.Ops)})
		}
		sort.SliceStable(epilogues, func(i, j int) bool { return epilogues[i].Offset < epilogues[j].Offset })
	}

	size := uint32(len(pro))
	if in.BodySize > size {
		size = in.BodySize
	}
	for _, ep := range epilogues {
		if end := ep.Offset + ep.Size(); end > size {
			size = end
		}
	}
	code := bytes.Repeat([]byte{0x90}, int(size))
	copy(code, pro)
	prev := uint32(len(pro))
	for _, ep := range epilogues {
		if ep.Offset < prev {
			return nil, PrologueDescriptor{}, nil, StructuralError(
				fmt.Sprintf("epilogue at %d overlaps the prologue or another epilogue (ending at %d)", ep.Offset, prev), in.Loc)
		}
		o := NewOut("epilogue")
		EmitFrameOps(o, ep.Ops)
		copy(code[ep.Offset:], o.Bytes())
		prev = ep.Offset + ep.Size()
	}

	if err := ValidatePrologue(prologue, code, in.Loc); err != nil {
		return nil, PrologueDescriptor{}, nil, err
	}
	for _, ep := range epilogues {
		if err := checkEpilogue(prologue, ep, code, in.Loc); err != nil {
			return nil, PrologueDescriptor{}, nil, err
		}
	}
	return code, prologue, epilogues, nil
}

// checkEpilogue validates an epilogue and the code bytes at its offset
func checkEpilogue(prologue PrologueDescriptor, ep Epilogue, code []byte, loc SourceLocation) error {
	if err := ValidateEpilogue(prologue, ep, loc); err != nil {
		return err
	}
	o := NewOut("epilogue")
	EmitFrameOps(o, ep.Ops)
	want := o.Bytes()
	if int(ep.Offset)+len(want) > len(code) || !bytes.Equal(code[ep.Offset:int(ep.Offset)+len(want)], want) {
		return ConsistencyError(fmt.Sprintf("code at %d does not hold the described epilogue (% x)", ep.Offset, want))
	}
	return nil
}

// Finalize lays out .text in declaration order, merges every fragment,
// rebases fragment-local references, links the FDEs to the CIE and hands
// each section to w exactly once. It refuses to run when an internal error
// was recorded.
func (m *ModuleEncoder) Finalize(w ObjectSectionWriter) error {
	if err := m.pipeline.ValidateStage(StageEncoding, "Finalize"); err != nil {
		return err
	}
	if m.errs.HasInternalError() {
		err := multierror.Append(ConsistencyError("module has internal errors, no tables written"), m.errs.Err())
		if perr := m.pipeline.AdvanceTo(StageAborted); perr != nil {
			err = multierror.Append(err, perr)
		}
		return err
	}
	m.types.Freeze()

	// Layout
	if err := m.pipeline.AdvanceTo(StageLayout); err != nil {
		return err
	}
	module := make(map[SectionID]*SectionBuffer)
	for _, sec := range m.emitter.Sections() {
		module[sec] = NewSectionBuffer(sec, sec.String())
	}
	text := module[SecText]
	for _, ft := range m.functions {
		text.Align(m.cfg.TextAlign, 0xCC)
		ft.Start = uint32(text.Len())
		if err := m.relocs.SetFunctionBase(ft.Info.Name, ft.Start, ft.Info.Size); err != nil {
			return m.abort(err)
		}
		if err := ft.Sections[SecText].rebaseAll(func(req *RelocationRequest) error {
			return m.relocs.Rebase(req, map[SectionID]uint32{SecText: ft.Start})
		}); err != nil {
			return m.abort(err)
		}
		if base := text.Append(ft.Sections[SecText]); base != ft.Start {
			return m.abort(ConsistencyError(fmt.Sprintf("%s placed at %d, laid out at %d", ft.Info.Name, base, ft.Start)))
		}
	}
	m.relocs.FreezeLayout()

	// Merge
	if err := m.pipeline.AdvanceTo(StageMerge); err != nil {
		return err
	}
	if err := m.emitter.Prelude(module); err != nil {
		return m.abort(err)
	}
	// Module-level entries sit at the start of their sections
	zero := make(map[SectionID]uint32)
	for _, sec := range m.emitter.Sections() {
		zero[sec] = 0
	}
	for _, sec := range m.emitter.Sections()[1:] {
		if err := module[sec].rebaseAll(func(req *RelocationRequest) error {
			return m.relocs.Rebase(req, zero)
		}); err != nil {
			return m.abort(err)
		}
	}
	for _, ft := range m.functions {
		bases := map[SectionID]uint32{SecText: ft.Start}
		for _, sec := range m.emitter.Sections()[1:] {
			module[sec].Align(sectionAlign[sec], 0)
			bases[sec] = uint32(module[sec].Len())
		}
		for _, sec := range m.emitter.Sections()[1:] {
			if err := ft.Sections[sec].rebaseAll(func(req *RelocationRequest) error {
				return m.relocs.Rebase(req, bases)
			}); err != nil {
				return m.abort(inFunction(err, ft.Info.Name))
			}
			if base := module[sec].Append(ft.Sections[sec]); base != bases[sec] {
				return m.abort(ConsistencyError(fmt.Sprintf("%s: %s fragment moved from %d to %d", ft.Info.Name, sec, bases[sec], base)))
			}
		}
		if err := m.emitter.Link(ft, bases, module); err != nil {
			return m.abort(err)
		}
	}

	// Write
	if err := m.pipeline.AdvanceTo(StageWriting); err != nil {
		return err
	}
	slots := m.emitter.Indirections()
	names := make([]string, 0, len(slots))
	for slot := range slots {
		names = append(names, slot)
	}
	sort.Strings(names)
	for _, slot := range names {
		if err := w.DefineIndirection(slot, slots[slot]); err != nil {
			return m.abort(err)
		}
	}
	for _, sec := range m.emitter.Sections() {
		buf := module[sec]
		buf.Commit()
		data, relocs, err := buf.Transfer()
		if err != nil {
			return m.abort(err)
		}
		align := sectionAlign[sec]
		if sec == SecText {
			align = m.cfg.TextAlign
		}
		if err := w.WriteSection(OutputSection{ID: sec, Name: sec.String(), Align: align, Data: data, Relocs: relocs}); err != nil {
			return m.abort(err)
		}
		logger.Debug().Str("section", sec.String()).Int("bytes", len(data)).Int("relocations", len(relocs)).Msg("written")
	}
	return m.pipeline.AdvanceTo(StageComplete)
}

// abort records an internal failure during finalize
func (m *ModuleEncoder) abort(err error) error {
	m.errs.Add(err)
	if perr := m.pipeline.AdvanceTo(StageAborted); perr != nil {
		return multierror.Append(err, perr)
	}
	return err
}
