// object_image.go - In-memory object image that lays out and relocates sections
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/xyproto/ehgen/internal/engine"
)

// OutputSection is a finished section as handed to the object writer
type OutputSection struct {
	ID     SectionID
	Name   string
	Align  uint32
	Data   []byte
	Relocs []RelocationRequest
}

// ObjectSectionWriter is the object file collaborator. It receives every
// section once, and is told which DW.ref indirection slots the tables need
// (a hidden, weak, pointer-sized datum holding the symbol's address).
type ObjectSectionWriter interface {
	WriteSection(sec OutputSection) error
	DefineIndirection(slot, symbol string) error
}

// ImageSection is a section placed in the image
type ImageSection struct {
	OutputSection
	Addr uint64 // relative to the image base
}

// AppliedRelocation is a relocation together with the value written for it
type AppliedRelocation struct {
	RelocationRequest
	Value uint64
}

// ObjectImage is an ObjectSectionWriter that keeps everything in memory,
// assigns addresses and applies relocations. It stands in for a linker in
// tests and in the dump command. Addresses are image-relative, so
// ADDR32NB values come out as RVAs.
type ObjectImage struct {
	target   engine.Target
	relocs   *RelocationManager
	pageSize uint64

	sections map[SectionID]*ImageSection
	order    []SectionID
	externs  map[string]uint64
	slots    map[string]string // slot -> symbol
	slotAddr map[string]uint64
	imports  map[string]uint64 // undefined symbols bound by Layout
	applied  []AppliedRelocation

	laidOut bool
}

// NewObjectImage creates an empty image for target. rm resolves relocations.
func NewObjectImage(target engine.Target, rm *RelocationManager) *ObjectImage {
	return &ObjectImage{
		target:   target,
		relocs:   rm,
		pageSize: 0x1000,
		sections: make(map[SectionID]*ImageSection),
		externs:  make(map[string]uint64),
		slots:    make(map[string]string),
		slotAddr: make(map[string]uint64),
		imports:  make(map[string]uint64),
	}
}

// WriteSection implements ObjectSectionWriter
func (img *ObjectImage) WriteSection(sec OutputSection) error {
	if img.laidOut {
		return fmt.Errorf("section %s written after layout", sec.Name)
	}
	if _, dup := img.sections[sec.ID]; dup {
		return fmt.Errorf("section %s written twice", sec.Name)
	}
	data := append([]byte(nil), sec.Data...)
	sec.Data = data
	img.sections[sec.ID] = &ImageSection{OutputSection: sec}
	img.order = append(img.order, sec.ID)
	return nil
}

// DefineIndirection implements ObjectSectionWriter
func (img *ObjectImage) DefineIndirection(slot, symbol string) error {
	if prev, ok := img.slots[slot]; ok && prev != symbol {
		return fmt.Errorf("indirection %s already points at %s", slot, prev)
	}
	img.slots[slot] = symbol
	return nil
}

// DefineExternal gives an undefined symbol an image-relative address
func (img *ObjectImage) DefineExternal(name string, addr uint64) {
	img.externs[name] = addr
}

// Layout assigns addresses: sections in the order they were written, each
// on its own page, then the indirection slots, then an 8-byte import entry
// for every referenced symbol that DefineExternal never named
func (img *ObjectImage) Layout() error {
	if img.laidOut {
		return fmt.Errorf("image laid out twice")
	}
	addr := img.pageSize
	for _, id := range img.order {
		sec := img.sections[id]
		align := uint64(sec.Align)
		if align < img.pageSize {
			align = img.pageSize
		}
		addr = (addr + align - 1) &^ (align - 1)
		sec.Addr = addr
		addr += uint64(len(sec.Data))
	}

	addr = (addr + img.pageSize - 1) &^ (img.pageSize - 1)
	names := make([]string, 0, len(img.slots))
	for slot := range img.slots {
		names = append(names, slot)
	}
	sort.Strings(names)
	for _, slot := range names {
		img.slotAddr[slot] = addr
		addr += 8
	}
	for _, name := range img.undefined() {
		img.imports[name] = addr
		addr += 8
	}
	img.laidOut = true

	if VerboseMode {
		for _, id := range img.order {
			sec := img.sections[id]
			logger.Debug().Str("section", sec.Name).Uint64("addr", sec.Addr).
				Int("size", len(sec.Data)).Msg("layout")
		}
	}
	return nil
}

// undefined lists, sorted, the external symbols that relocations or slots
// refer to and that have no address yet
func (img *ObjectImage) undefined() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if _, ok := img.externs[name]; ok || seen[name] {
			return
		}
		if _, ok := img.slotAddr[name]; ok {
			return
		}
		seen[name] = true
		names = append(names, name)
	}
	for _, id := range img.order {
		for _, req := range img.sections[id].Relocs {
			if req.Symbol.External {
				add(req.Symbol.Name)
			}
		}
	}
	for _, symbol := range img.slots {
		add(symbol)
	}
	sort.Strings(names)
	return names
}

// SectionBase implements AddressSpace
func (img *ObjectImage) SectionBase(id SectionID) (uint64, bool) {
	sec, ok := img.sections[id]
	if !ok || !img.laidOut {
		return 0, false
	}
	return sec.Addr, true
}

// ExternalAddress implements AddressSpace. Indirection slots resolve to
// their own address.
func (img *ObjectImage) ExternalAddress(name string) (uint64, bool) {
	if addr, ok := img.slotAddr[name]; ok {
		return addr, true
	}
	if addr, ok := img.externs[name]; ok {
		return addr, true
	}
	addr, ok := img.imports[name]
	return addr, ok
}

// SlotValue returns the address an indirection slot holds
func (img *ObjectImage) SlotValue(slot string) (uint64, bool) {
	symbol, ok := img.slots[slot]
	if !ok {
		return 0, false
	}
	return img.ExternalAddress(symbol)
}

// SlotAt returns the slot that lives at addr
func (img *ObjectImage) SlotAt(addr uint64) (string, bool) {
	for slot, a := range img.slotAddr {
		if a == addr {
			return slot, true
		}
	}
	return "", false
}

// Apply resolves every relocation and writes the values into the section
// data. Each value must fit its 32-bit field.
func (img *ObjectImage) Apply() error {
	if !img.laidOut {
		if err := img.Layout(); err != nil {
			return err
		}
	}
	for _, id := range img.order {
		sec := img.sections[id]
		for _, req := range sec.Relocs {
			if req.TargetSection != id {
				return fmt.Errorf("relocation %s filed under %s", req, sec.Name)
			}
			value, err := img.relocs.Resolve(req, img)
			if err != nil {
				return err
			}
			if err := fits32(req, value); err != nil {
				return err
			}
			if int(req.TargetOffset)+int(req.Width) > len(sec.Data) {
				return fmt.Errorf("relocation %s past the end of %s", req, sec.Name)
			}
			binary.LittleEndian.PutUint32(sec.Data[req.TargetOffset:], uint32(value))
			img.applied = append(img.applied, AppliedRelocation{RelocationRequest: req, Value: value})
		}
	}
	return nil
}

func fits32(req RelocationRequest, value uint64) error {
	if req.PCRelative() {
		v := int64(value)
		if v < math.MinInt32 || v > math.MaxInt32 {
			return EncodingError(fmt.Sprintf("relocation %s: displacement %d does not fit in 32 bits", req, v), SourceLocation{})
		}
		return nil
	}
	if value > math.MaxUint32 {
		return EncodingError(fmt.Sprintf("relocation %s: value 0x%x does not fit in 32 bits", req, value), SourceLocation{})
	}
	return nil
}

// Section returns a placed section
func (img *ObjectImage) Section(id SectionID) (*ImageSection, bool) {
	sec, ok := img.sections[id]
	return sec, ok
}

// Sections returns the sections in write order
func (img *ObjectImage) Sections() []*ImageSection {
	result := make([]*ImageSection, 0, len(img.order))
	for _, id := range img.order {
		result = append(result, img.sections[id])
	}
	return result
}

// Applied returns the relocations written by Apply
func (img *ObjectImage) Applied() []AppliedRelocation {
	return img.applied
}

// Imports returns the undefined symbols Layout bound to import entries
func (img *ObjectImage) Imports() map[string]uint64 {
	return img.imports
}

// Slots returns the indirection slots and their targets
func (img *ObjectImage) Slots() map[string]string {
	return img.slots
}
