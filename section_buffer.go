// Completion: 100% - Module complete
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// SectionBuffer holds the bytes and pending relocations of one output
// section. It belongs to the encoder filling it until Commit; after that it
// can only be read, and Transfer hands it to the object writer exactly once.
type SectionBuffer struct {
	buf         *bytes.Buffer
	section     SectionID
	relocs      []RelocationRequest
	committed   bool   // True once Commit() is called
	transferred bool   // True once Transfer() is called
	name        string // For debugging
}

// NewSectionBuffer creates an empty buffer for a section. The name is used
// in diagnostics, e.g. ".xdata(main)" for a function's fragment.
func NewSectionBuffer(section SectionID, name string) *SectionBuffer {
	return &SectionBuffer{
		buf:     &bytes.Buffer{},
		section: section,
		name:    name,
	}
}

// Section returns the section the buffer belongs to
func (sb *SectionBuffer) Section() SectionID {
	return sb.section
}

// Name returns the diagnostic name
func (sb *SectionBuffer) Name() string {
	return sb.name
}

// Write appends bytes to the buffer. Panics if buffer is committed.
func (sb *SectionBuffer) Write(p []byte) (n int, err error) {
	sb.MustNotBeCommitted()
	return sb.buf.Write(p)
}

// WriteByte appends a single byte
func (sb *SectionBuffer) WriteByte(c byte) error {
	sb.MustNotBeCommitted()
	return sb.buf.WriteByte(c)
}

// Put16 appends a little-endian uint16
func (sb *SectionBuffer) Put16(v uint16) {
	sb.Write(binary.LittleEndian.AppendUint16(nil, v))
}

// Put32 appends a little-endian uint32 and returns its offset
func (sb *SectionBuffer) Put32(v uint32) uint32 {
	at := uint32(sb.Len())
	sb.Write(binary.LittleEndian.AppendUint32(nil, v))
	return at
}

// Patch32 overwrites four bytes that were already written
func (sb *SectionBuffer) Patch32(at uint32, v uint32) {
	sb.MustNotBeCommitted()
	if int(at)+4 > sb.buf.Len() {
		panic(fmt.Sprintf("SectionBuffer(%s): patch at %d past end %d", sb.name, at, sb.buf.Len()))
	}
	binary.LittleEndian.PutUint32(sb.buf.Bytes()[at:], v)
}

// Align pads with fill until the length is a multiple of align
func (sb *SectionBuffer) Align(align uint32, fill byte) {
	for uint32(sb.buf.Len())%align != 0 {
		sb.WriteByte(fill)
	}
}

// Bytes returns the buffer contents. Safe to call after commit.
func (sb *SectionBuffer) Bytes() []byte {
	return sb.buf.Bytes()
}

// Len returns the buffer length
func (sb *SectionBuffer) Len() int {
	return sb.buf.Len()
}

// Relocations returns the pending relocations, in the order they were added
func (sb *SectionBuffer) Relocations() []RelocationRequest {
	return sb.relocs
}

func (sb *SectionBuffer) addRelocation(req RelocationRequest) {
	sb.MustNotBeCommitted()
	sb.relocs = append(sb.relocs, req)
}

// rebaseAll applies fn to every pending relocation in place
func (sb *SectionBuffer) rebaseAll(fn func(*RelocationRequest) error) error {
	sb.MustNotBeCommitted()
	for i := range sb.relocs {
		if err := fn(&sb.relocs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Append copies another buffer's bytes and relocations to the end of this
// one and returns the offset they start at. The relocations are copied
// unchanged; rebasing them is the caller's job.
func (sb *SectionBuffer) Append(other *SectionBuffer) uint32 {
	sb.MustNotBeCommitted()
	if other.section != sb.section {
		panic(fmt.Sprintf("SectionBuffer(%s): cannot append %s contents", sb.name, other.section))
	}
	base := uint32(sb.buf.Len())
	sb.buf.Write(other.Bytes())
	sb.relocs = append(sb.relocs, other.relocs...)
	return base
}

// Commit marks the buffer as complete. After this, no more writes allowed.
func (sb *SectionBuffer) Commit() {
	if VerboseMode {
		logger.Debug().Str("buffer", sb.name).Int("bytes", sb.buf.Len()).
			Int("relocations", len(sb.relocs)).Msg("committed")
	}
	sb.committed = true
}

// IsCommitted returns true if the buffer has been committed
func (sb *SectionBuffer) IsCommitted() bool {
	return sb.committed
}

// Transfer hands the contents to the object writer. The buffer must be
// committed and can be transferred only once.
func (sb *SectionBuffer) Transfer() ([]byte, []RelocationRequest, error) {
	if !sb.committed {
		return nil, nil, ConsistencyError(fmt.Sprintf("SectionBuffer(%s): transfer before commit", sb.name))
	}
	if sb.transferred {
		return nil, nil, ConsistencyError(fmt.Sprintf("SectionBuffer(%s): transferred twice", sb.name))
	}
	sb.transferred = true
	return sb.buf.Bytes(), sb.relocs, nil
}

// MustNotBeCommitted panics if the buffer is committed
func (sb *SectionBuffer) MustNotBeCommitted() {
	if sb.committed {
		panic(fmt.Sprintf("SectionBuffer(%s): Cannot write to committed buffer", sb.name))
	}
}
