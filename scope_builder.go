// scope_builder.go - Turn the exception marker stream into nested try regions
package main

import (
	"fmt"
	"sort"

	"github.com/xyproto/ehgen/internal/engine"
)

// ScopeTableBuilder consumes a function's exception markers in stream order.
//
// Open regions live on an explicit stack of arena indices rather than on
// the Go call stack, so after a failure the builder can still be asked what
// was open and where.
type ScopeTableBuilder struct {
	format   engine.ObjectFormat
	bodySize uint32

	arena  []*TryRegion
	stack  []int // arena indices of open regions, innermost last
	closed []int // arena indices in pop order

	// region and handler index of the handler between HandlerBegin and
	// HandlerEnd, or -1
	openRegion  int
	openHandler int

	throws []uint32
	slots  []Marker // FuncletBody markers

	err error
}

// NewScopeTableBuilder creates a builder for a function body of bodySize bytes
func NewScopeTableBuilder(format engine.ObjectFormat, bodySize uint32) *ScopeTableBuilder {
	return &ScopeTableBuilder{
		format:      format,
		bodySize:    bodySize,
		openRegion:  -1,
		openHandler: -1,
	}
}

// Depth returns the number of currently open regions
func (b *ScopeTableBuilder) Depth() int {
	return len(b.stack)
}

// OpenRegions returns the open regions, outermost first
func (b *ScopeTableBuilder) OpenRegions() []*TryRegion {
	regions := make([]*TryRegion, len(b.stack))
	for i, idx := range b.stack {
		regions[i] = b.arena[idx]
	}
	return regions
}

// Arena returns every region seen so far, by arena index
func (b *ScopeTableBuilder) Arena() []*TryRegion {
	return b.arena
}

// ThrowSites returns the offsets of Throw markers
func (b *ScopeTableBuilder) ThrowSites() []uint32 {
	return b.throws
}

// InlineSlots returns the FuncletBody markers, in stream order
func (b *ScopeTableBuilder) InlineSlots() []Marker {
	return b.slots
}

// Err returns the first error the builder hit
func (b *ScopeTableBuilder) Err() error {
	return b.err
}

func (b *ScopeTableBuilder) fail(err error) error {
	if b.err == nil {
		b.err = err
	}
	return err
}

func (b *ScopeTableBuilder) top() *TryRegion {
	if len(b.stack) == 0 {
		return nil
	}
	return b.arena[b.stack[len(b.stack)-1]]
}

// Feed consumes one marker. After the first error every further marker is
// rejected with that error.
func (b *ScopeTableBuilder) Feed(m Marker) error {
	if b.err != nil {
		return b.err
	}
	if m.Offset > b.bodySize {
		return b.fail(StructuralError(fmt.Sprintf("%s at offset %d is past the end of the function body (%d bytes)",
			m.Kind, m.Offset, b.bodySize), m.Loc))
	}

	switch m.Kind {
	case MarkTryBegin:
		if b.openHandler >= 0 {
			return b.fail(StructuralError("try region opened while a handler declaration is still open", m.Loc))
		}
		parent := -1
		depth := 0
		if t := b.top(); t != nil {
			if m.Offset < t.Start {
				return b.fail(StructuralError(fmt.Sprintf("nested try at offset %d starts before its parent at %d",
					m.Offset, t.Start), m.Loc))
			}
			parent = t.Index
			depth = t.Depth + 1
		}
		region := &TryRegion{
			Start:  m.Offset,
			End:    m.Offset,
			Parent: parent,
			Depth:  depth,
			Index:  len(b.arena),
			Loc:    m.Loc,
		}
		b.arena = append(b.arena, region)
		b.stack = append(b.stack, region.Index)

	case MarkTryEnd:
		if len(b.stack) == 0 {
			return b.fail(StructuralError("try.end without a matching try.begin", m.Loc))
		}
		if b.openHandler >= 0 {
			return b.fail(StructuralError("try.end while a handler declaration is still open", m.Loc))
		}
		region := b.top()
		if m.Offset < region.Start {
			return b.fail(StructuralError(fmt.Sprintf("try region ends at %d before it starts at %d",
				m.Offset, region.Start), m.Loc))
		}
		if len(region.Handlers) == 0 {
			return b.fail(StructuralError("try region has no handler", region.Loc))
		}
		region.End = m.Offset
		if err := b.checkChildren(region, m.Loc); err != nil {
			return b.fail(err)
		}
		b.stack = b.stack[:len(b.stack)-1]
		b.closed = append(b.closed, region.Index)

	case MarkHandlerBegin:
		region := b.top()
		if region == nil {
			return b.fail(StructuralError(fmt.Sprintf("%s handler outside of any try region", m.Handler), m.Loc))
		}
		if b.openHandler >= 0 {
			return b.fail(StructuralError("handler.begin before the previous handler was closed", m.Loc))
		}
		h, err := b.handlerFor(m)
		if err != nil {
			return b.fail(err)
		}
		region.Handlers = append(region.Handlers, h)
		b.openRegion = region.Index
		b.openHandler = len(region.Handlers) - 1

	case MarkHandlerEnd:
		if b.openHandler < 0 {
			return b.fail(StructuralError("handler.end without a matching handler.begin", m.Loc))
		}
		region := b.arena[b.openRegion]
		h := &region.Handlers[b.openHandler]
		if m.Offset < b.handlerStart(*h) {
			return b.fail(StructuralError(fmt.Sprintf("handler ends at %d before it starts", m.Offset), m.Loc))
		}
		h.End = m.Offset
		b.openRegion = -1
		b.openHandler = -1

	case MarkThrow:
		b.throws = append(b.throws, m.Offset)

	case MarkFuncletBody:
		if m.Action == "" {
			return b.fail(StructuralError("funclet.body marker without an action name", m.Loc))
		}
		if m.Offset+callInsnSize > b.bodySize {
			return b.fail(StructuralError(fmt.Sprintf("inline slot for %q at %d does not fit in the body", m.Action, m.Offset), m.Loc))
		}
		b.slots = append(b.slots, m)

	default:
		return b.fail(StructuralError(fmt.Sprintf("unknown marker kind %d", m.Kind), m.Loc))
	}
	return nil
}

func (b *ScopeTableBuilder) handlerStart(h HandlerDescriptor) uint32 {
	switch h.Kind {
	case HandlerCatch:
		return h.LandingPad
	case HandlerSehExcept:
		return h.HandlerOffset
	}
	return 0
}

// handlerFor turns a HandlerBegin marker into a descriptor and rejects
// handler kinds the target ABI has no table form for
func (b *ScopeTableBuilder) handlerFor(m Marker) (HandlerDescriptor, error) {
	h := HandlerDescriptor{Kind: m.Handler, Funclet: -1, Loc: m.Loc}
	switch m.Handler {
	case HandlerCatch:
		if b.format == engine.FormatCOFF {
			return h, UnsupportedFeatureError("C++ catch handlers on COFF targets (only SEH scope tables are generated)", m.Loc)
		}
		h.TypeSymbol = m.TypeSymbol
		h.LandingPad = m.Offset
	case HandlerSehExcept:
		if b.format == engine.FormatELF {
			return h, UnsupportedFeatureError("__except filters on ELF targets (the Itanium personality has no filter callback)", m.Loc)
		}
		if !m.Filter.Constant && m.Filter.Expr == nil {
			return h, StructuralError("__except handler without a filter", m.Loc)
		}
		h.Filter = m.Filter
		h.HandlerOffset = m.Offset
	case HandlerSehFinally:
		if m.Action == "" {
			return h, StructuralError("__finally handler without an action body", m.Loc)
		}
		h.Action = m.Action
	default:
		return h, StructuralError(fmt.Sprintf("unknown handler kind %d", m.Handler), m.Loc)
	}
	return h, nil
}

// checkChildren verifies that every closed child of region lies inside it
// and that siblings do not overlap. Zero-length regions overlap nothing.
func (b *ScopeTableBuilder) checkChildren(region *TryRegion, loc SourceLocation) error {
	var children []*TryRegion
	for _, idx := range b.closed {
		child := b.arena[idx]
		if child.Parent == region.Index {
			children = append(children, child)
		}
	}
	for _, child := range children {
		if !region.Encloses(child) {
			return StructuralError(fmt.Sprintf("nested try [%d,%d) is not inside its parent [%d,%d)",
				child.Start, child.End, region.Start, region.End), child.Loc)
		}
	}
	return checkSiblings(children)
}

func checkSiblings(siblings []*TryRegion) error {
	for i := 0; i < len(siblings); i++ {
		for j := i + 1; j < len(siblings); j++ {
			a, c := siblings[i], siblings[j]
			if a.Start == a.End || c.Start == c.End {
				continue
			}
			if a.Start < c.End && c.Start < a.End {
				return StructuralError(fmt.Sprintf("sibling try regions [%d,%d) and [%d,%d) overlap",
					a.Start, a.End, c.Start, c.End), c.Loc)
			}
		}
	}
	return nil
}

// Finish checks that the stream was balanced and returns the regions in
// the order the target's table wants them
func (b *ScopeTableBuilder) Finish() ([]*TryRegion, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.openHandler >= 0 {
		h := b.arena[b.openRegion].Handlers[b.openHandler]
		return nil, b.fail(StructuralError("handler declaration never closed", h.Loc))
	}
	if t := b.top(); t != nil {
		return nil, b.fail(StructuralError(fmt.Sprintf("try region opened at offset %d is never closed", t.Start), t.Loc))
	}

	var topLevel []*TryRegion
	for _, idx := range b.closed {
		if b.arena[idx].Parent < 0 {
			topLevel = append(topLevel, b.arena[idx])
		}
	}
	if err := checkSiblings(topLevel); err != nil {
		return nil, b.fail(err)
	}
	for _, idx := range b.closed {
		if err := b.checkRegionABI(b.arena[idx]); err != nil {
			return nil, b.fail(err)
		}
	}
	if err := b.checkSlots(); err != nil {
		return nil, b.fail(err)
	}

	regions := make([]*TryRegion, 0, len(b.closed))
	for _, idx := range b.closed {
		regions = append(regions, b.arena[idx])
	}

	switch b.format {
	case engine.FormatCOFF:
		// Pop order already puts inner regions before the regions that
		// enclose them, which is the order the dispatcher must try them in.
	case engine.FormatELF:
		sort.SliceStable(regions, func(i, j int) bool {
			if regions[i].Start != regions[j].Start {
				return regions[i].Start < regions[j].Start
			}
			if regions[i].End != regions[j].End {
				return regions[i].End > regions[j].End
			}
			return regions[i].Depth < regions[j].Depth
		})
	}
	return regions, nil
}

// checkRegionABI applies the per-ABI shape rules for one region's handlers
func (b *ScopeTableBuilder) checkRegionABI(r *TryRegion) error {
	switch b.format {
	case engine.FormatCOFF:
		if len(r.Handlers) != 1 {
			return StructuralError(fmt.Sprintf("a __try region takes exactly one __except or __finally, got %d", len(r.Handlers)), r.Loc)
		}
	case engine.FormatELF:
		if r.HasKind(HandlerSehFinally) && len(r.Handlers) != 1 {
			return StructuralError("a cleanup region cannot also have catch handlers", r.Loc)
		}
		var pad uint32
		for i, h := range r.Handlers {
			if h.Kind != HandlerCatch {
				continue
			}
			if i > 0 && h.LandingPad != pad {
				return StructuralError(fmt.Sprintf("catch handlers of one try region must share a landing pad (%d vs %d)",
					pad, h.LandingPad), h.Loc)
			}
			pad = h.LandingPad
		}
	}
	return nil
}

// checkSlots rejects an inline call to a finally body that the region
// owning that finally still covers. A fault in the body would then be
// dispatched to the same region and run the finally a second time. The
// call and its return address must both lie outside the region.
func (b *ScopeTableBuilder) checkSlots() error {
	for _, slot := range b.slots {
		for _, idx := range b.closed {
			r := b.arena[idx]
			if r.Start == r.End || !r.finallyRuns(slot.Action) {
				continue
			}
			if slot.Offset < r.End && slot.Offset+callInsnSize >= r.Start {
				return StructuralError(fmt.Sprintf("inline call to finally %q at %d overlaps its own try region [%d,%d); place it after the region ends",
					slot.Action, slot.Offset, r.Start, r.End), slot.Loc)
			}
		}
	}
	return nil
}

// BuildScopes runs a whole marker stream through a new builder
func BuildScopes(format engine.ObjectFormat, bodySize uint32, markers []Marker) (*ScopeTableBuilder, []*TryRegion, error) {
	b := NewScopeTableBuilder(format, bodySize)
	for _, m := range markers {
		if err := b.Feed(m); err != nil {
			return b, nil, err
		}
	}
	regions, err := b.Finish()
	return b, regions, err
}
