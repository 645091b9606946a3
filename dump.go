// dump.go - Human readable dump of a relocated object image
package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
)

type dumper struct {
	w         io.Writer
	img       *ObjectImage
	functions []*FunctionTables
	textAddr  uint64

	title *color.Color
	label *color.Color
	value *color.Color
	faint *color.Color
}

// Dump writes every section of img, decoded, followed by the applied
// relocations. functions name the code ranges.
func Dump(w io.Writer, img *ObjectImage, functions []*FunctionTables, useColor bool) error {
	d := &dumper{
		w:         w,
		img:       img,
		functions: functions,
		title:     color.New(color.FgYellow, color.Bold),
		label:     color.New(color.FgCyan),
		value:     color.New(color.FgGreen),
		faint:     color.New(color.Faint),
	}
	for _, c := range []*color.Color{d.title, d.label, d.value, d.faint} {
		if useColor {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	if text, ok := img.Section(SecText); ok {
		d.textAddr = text.Addr
	}

	for _, sec := range img.Sections() {
		d.title.Fprintf(w, "%s", sec.Name)
		d.faint.Fprintf(w, "  addr=0x%x size=%d align=%d\n", sec.Addr, len(sec.Data), sec.Align)
		var err error
		switch sec.ID {
		case SecText:
			d.text()
		case SecPData:
			err = d.pdata(sec)
		case SecEHFrame:
			err = d.ehFrame(sec)
		case SecXData, SecLSDA:
			// decoded through the entries that point into them
			d.hex(sec.Data, sec.Addr)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(w)
	}

	if slots := img.Slots(); len(slots) > 0 {
		d.title.Fprintln(w, "indirections")
		names := make([]string, 0, len(slots))
		for slot := range slots {
			names = append(names, slot)
		}
		sort.Strings(names)
		for _, slot := range names {
			addr, _ := img.ExternalAddress(slot)
			fmt.Fprintf(w, "  %s @0x%x -> %s\n", d.label.Sprint(slot), addr, slots[slot])
		}
		fmt.Fprintln(w)
	}

	if imports := img.Imports(); len(imports) > 0 {
		d.title.Fprintln(w, "imports")
		names := make([]string, 0, len(imports))
		for name := range imports {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s @0x%x\n", d.label.Sprint(name), imports[name])
		}
		fmt.Fprintln(w)
	}

	d.title.Fprintln(w, "relocations")
	for _, r := range img.Applied() {
		fmt.Fprintf(w, "  %-18s %s = %s\n", r.TargetSection.String()+fmt.Sprintf("+0x%x", r.TargetOffset),
			d.faint.Sprintf("%-8s %-10s %s%+d", r.Type, r.Field, r.Symbol, r.Addend), d.value.Sprintf("0x%x", uint32(r.Value)))
	}
	return nil
}

// functionAt names the function containing an image address
func (d *dumper) functionAt(addr uint64) string {
	for _, ft := range d.functions {
		start := d.textAddr + uint64(ft.Start)
		if addr >= start && addr < start+uint64(ft.Info.Size) {
			if addr == start {
				return ft.Info.Name
			}
			return fmt.Sprintf("%s+0x%x", ft.Info.Name, addr-start)
		}
	}
	return fmt.Sprintf("0x%x", addr)
}

func (d *dumper) text() {
	for _, ft := range d.functions {
		fi := ft.Info
		fmt.Fprintf(d.w, "  %s [0x%x,0x%x) body=%d actions@%d\n", d.label.Sprint(fi.Name),
			d.textAddr+uint64(ft.Start), d.textAddr+uint64(ft.Start+fi.Size), fi.BodySize, fi.ActionArea)
		for _, r := range fi.Regions {
			var kinds []string
			for _, h := range r.Handlers {
				kinds = append(kinds, h.Kind.String())
			}
			fmt.Fprintf(d.w, "    %stry [%d,%d) %s\n", strings.Repeat("  ", r.Depth), r.Start, r.End, strings.Join(kinds, ","))
		}
		for _, f := range fi.Funclets {
			fmt.Fprintf(d.w, "    %s %s [%d,%d) body@%d exit=%s\n", f.Kind, f.Name, f.Entry, f.End, f.Body, f.Exit)
		}
	}
}

func (d *dumper) pdata(sec *ImageSection) error {
	entries, err := ReadPdata(sec.Data)
	if err != nil {
		return err
	}
	xdata, ok := d.img.Section(SecXData)
	if !ok {
		return fmt.Errorf("pdata without xdata")
	}
	for _, rf := range entries {
		fmt.Fprintf(d.w, "  %s [0x%x,0x%x) unwind@0x%x\n", d.label.Sprint(d.functionAt(uint64(rf.BeginAddress))),
			rf.BeginAddress, rf.EndAddress, rf.UnwindInfoAddress)
		u, err := ReadUnwindInfo(xdata.Data, rf.UnwindInfoAddress-uint32(xdata.Addr))
		if err != nil {
			return err
		}
		fmt.Fprintf(d.w, "    flags=%d prolog=%d codes=%d frame=%d/%d\n", u.Flags, u.SizeOfProlog, u.CountOfCodes, u.FrameReg, u.FrameOffset)
		for _, c := range u.Codes {
			fmt.Fprintf(d.w, "      %s\n", c)
		}
		if u.Flags == 0 {
			continue
		}
		fmt.Fprintf(d.w, "    handler 0x%x, %d scope(s)\n", u.HandlerRVA, len(u.Scopes))
		for _, s := range u.Scopes {
			target := d.functionAt(uint64(s.JumpTarget))
			if s.IsFinally() {
				target = "finally"
			}
			fmt.Fprintf(d.w, "      [%s, %s) filter=%s -> %s\n", d.functionAt(uint64(s.BeginAddress)),
				d.functionAt(uint64(s.EndAddress)), d.scopeHandler(s.HandlerAddress), d.value.Sprint(target))
		}
	}
	return nil
}

func (d *dumper) scopeHandler(h uint32) string {
	switch int32(h) {
	case ExceptionContinueExecution, ExceptionContinueSearch, ExceptionExecuteHandler:
		return fmt.Sprintf("%d", int32(h))
	}
	return d.functionAt(uint64(h))
}

func (d *dumper) ehFrame(sec *ImageSection) error {
	frame, err := ReadEhFrame(sec.Data, sec.Addr)
	if err != nil {
		return err
	}
	for _, cie := range frame.CIEs {
		fmt.Fprintf(d.w, "  CIE @%d %q code=%d data=%d ra=%d personality@0x%x\n", cie.Offset, cie.Augmentation,
			cie.CodeAlign, cie.DataAlign, cie.ReturnReg, cie.Personality)
	}
	lsdaSec, hasLSDA := d.img.Section(SecLSDA)
	for _, fde := range frame.FDEs {
		fmt.Fprintf(d.w, "  FDE @%d %s [0x%x,0x%x)", fde.Offset, d.label.Sprint(d.functionAt(fde.PCBegin)),
			fde.PCBegin, fde.PCBegin+fde.PCRange)
		if fde.LSDA != 0 {
			fmt.Fprintf(d.w, " lsda@0x%x", fde.LSDA)
		}
		fmt.Fprintln(d.w)
		rows, err := fde.Rows()
		if err != nil {
			return err
		}
		for _, row := range rows {
			fmt.Fprintf(d.w, "      %s\n", row)
		}
		if fde.LSDA == 0 || !hasLSDA {
			continue
		}
		l, err := ReadLSDA(lsdaSec.Data, uint32(fde.LSDA-lsdaSec.Addr), lsdaSec.Addr)
		if err != nil {
			return err
		}
		for _, cs := range l.CallSites {
			chain, err := l.Chain(cs.Action)
			if err != nil {
				return err
			}
			var parts []string
			for _, filter := range chain {
				parts = append(parts, d.filterName(l, filter))
			}
			fmt.Fprintf(d.w, "      %s %s\n", cs, d.value.Sprint(strings.Join(parts, " -> ")))
		}
	}
	return nil
}

func (d *dumper) filterName(l *DecodedLSDA, filter int64) string {
	if filter == 0 {
		return "cleanup"
	}
	addr, err := l.TypeEntry(filter)
	if err != nil {
		return fmt.Sprintf("filter %d (%v)", filter, err)
	}
	if addr == 0 {
		return "catch(...)"
	}
	if slot, ok := d.img.SlotAt(addr); ok {
		return "catch " + d.img.Slots()[slot]
	}
	return fmt.Sprintf("catch @0x%x", addr)
}

func (d *dumper) hex(data []byte, addr uint64) {
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Fprintf(d.w, "  %s % x\n", d.faint.Sprintf("%08x", addr+uint64(off)), data[off:end])
	}
}
