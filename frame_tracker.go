// frame_tracker.go - Track stack operations to know the CFA at every instruction
package main

import (
	"fmt"
	"sort"
)

// FrameEvent is a frame-affecting instruction at a function-relative offset.
// At is the offset just past the instruction; the new frame state holds
// from there on.
type FrameEvent struct {
	At uint32
	Op FrameOp
	// Scratch marks a push/pop that only moves the stack pointer (landing
	// pads parking a value); the register is not a saved callee register.
	Scratch bool
	// Remember and Restore bracket epilogues so the state before the
	// epilogue can be reinstated for code that follows it.
	Remember bool
	Restore  bool
}

func (ev FrameEvent) String() string {
	switch {
	case ev.Remember:
		return fmt.Sprintf("remember @%d", ev.At)
	case ev.Restore:
		return fmt.Sprintf("restore @%d", ev.At)
	}
	return fmt.Sprintf("%s @%d", ev.Op, ev.At)
}

// CFAState is the canonical frame address rule plus the saved registers
type CFAState struct {
	Reg    Register        // register the CFA is computed from
	Offset int64           // CFA = Reg + Offset
	Saved  map[uint8]int64 // DWARF reg -> offset from CFA
	sp     int64           // CFA - rsp
}

func (s CFAState) clone() CFAState {
	c := s
	c.Saved = make(map[uint8]int64, len(s.Saved))
	for k, v := range s.Saved {
		c.Saved[k] = v
	}
	return c
}

// Equal compares the CFA rule and the saved-register set
func (s CFAState) Equal(o CFAState) bool {
	if s.Reg.DwarfNum != o.Reg.DwarfNum || s.Offset != o.Offset || len(s.Saved) != len(o.Saved) {
		return false
	}
	for k, v := range s.Saved {
		if ov, ok := o.Saved[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (s CFAState) String() string {
	return fmt.Sprintf("cfa=%s%+d saved=%d", s.Reg.Name, s.Offset, len(s.Saved))
}

// FrameTracker replays frame events and keeps the CFA rule current
type FrameTracker struct {
	state      CFAState
	remembered []CFAState
	operations []string // History of operations for diagnostics
}

// NewFrameTracker returns a tracker in the state right after a call:
// CFA = rsp+8, return address at CFA-8
func NewFrameTracker() *FrameTracker {
	return &FrameTracker{
		state: CFAState{
			Reg:    mustRegister("rsp"),
			Offset: 8,
			Saved:  map[uint8]int64{DwarfReturnAddress: -8},
			sp:     8,
		},
		operations: make([]string, 0, 16),
	}
}

// State returns a copy of the current state
func (ft *FrameTracker) State() CFAState {
	return ft.state.clone()
}

// History returns the applied operations, oldest first
func (ft *FrameTracker) History() []string {
	return ft.operations
}

func (ft *FrameTracker) fail(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	start := len(ft.operations) - 5
	if start < 0 {
		start = 0
	}
	return ConsistencyError(fmt.Sprintf("%s (recent: %v)", msg, ft.operations[start:]))
}

// Apply updates the state for one event
func (ft *FrameTracker) Apply(ev FrameEvent) error {
	ft.operations = append(ft.operations, ev.String())
	s := &ft.state
	rspBased := s.Reg.Name == "rsp"

	switch {
	case ev.Remember:
		ft.remembered = append(ft.remembered, s.clone())
		return nil
	case ev.Restore:
		if len(ft.remembered) == 0 {
			return ft.fail("restore without remember at %d", ev.At)
		}
		*s = ft.remembered[len(ft.remembered)-1]
		ft.remembered = ft.remembered[:len(ft.remembered)-1]
		return nil
	}

	op := ev.Op
	switch op.Kind {
	case OpPushReg:
		s.sp += 8
		if !ev.Scratch {
			s.Saved[op.Reg.DwarfNum] = -s.sp
		}
	case OpAlloc:
		if op.Amount == 0 {
			return ft.fail("zero-sized allocation at %d", ev.At)
		}
		s.sp += int64(op.Amount)
	case OpSetFrame:
		if int64(op.Offset) > s.sp {
			return ft.fail("frame pointer offset %d beyond frame size %d", op.Offset, s.sp)
		}
		s.Reg = op.Reg
		s.Offset = s.sp - int64(op.Offset)
		return nil
	case OpSaveReg:
		if int64(op.Offset) >= s.sp {
			return ft.fail("save slot %d outside the frame (%d)", op.Offset, s.sp)
		}
		s.Saved[op.Reg.DwarfNum] = -(s.sp - int64(op.Offset))
		return nil
	case OpDealloc:
		if int64(op.Amount) > s.sp-8 {
			return ft.fail("stack imbalance: dealloc %d with %d allocated", op.Amount, s.sp-8)
		}
		s.sp -= int64(op.Amount)
	case OpPopReg:
		if s.sp <= 8 {
			return ft.fail("stack underflow: pop %s", op.Reg.Name)
		}
		s.sp -= 8
		if !ev.Scratch {
			delete(s.Saved, op.Reg.DwarfNum)
		}
		if !rspBased && op.Reg.Encoding == s.Reg.Encoding {
			// The frame register got its caller's value back
			s.Reg = mustRegister("rsp")
			rspBased = true
		}
	case OpRestoreFrame:
		if rspBased {
			return ft.fail("restore frame without a frame register at %d", ev.At)
		}
		s.sp = s.Offset + int64(op.Offset)
		s.Reg = mustRegister("rsp")
		s.Offset = s.sp
		return nil
	case OpRet:
		if s.sp != 8 {
			return ft.fail("ret with %d bytes still on the stack", s.sp-8)
		}
		return nil
	}

	if rspBased {
		s.Offset = s.sp
	}
	return nil
}

// sortFrameEvents orders events by offset. Events at the same offset keep
// their relative order, so a remember placed before an epilogue's first
// instruction stays first.
func sortFrameEvents(events []FrameEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].At < events[j].At
	})
}

// FrameEvents flattens the prologue, epilogues and funclet events of a
// function into one ordered list
func (fi *FunctionExceptionInfo) FrameEvents() []FrameEvent {
	events := make([]FrameEvent, 0, len(fi.Prologue.Ops)+4*len(fi.Epilogues))
	for _, op := range fi.Prologue.Ops {
		events = append(events, FrameEvent{At: op.End, Op: op})
	}
	for _, ep := range fi.Epilogues {
		end := ep.Offset + ep.Size()
		events = append(events, FrameEvent{At: ep.Offset, Remember: true})
		for _, op := range ep.Ops {
			if op.Kind == OpRet {
				continue
			}
			ev := op
			events = append(events, FrameEvent{At: ep.Offset + op.End, Op: ev})
		}
		if end < fi.Size {
			events = append(events, FrameEvent{At: end, Restore: true})
		}
	}
	for _, f := range fi.Funclets {
		events = append(events, f.Events...)
	}
	sortFrameEvents(events)
	return events
}
