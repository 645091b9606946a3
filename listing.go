// listing.go - Parser for .ehl listings
package main

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/xyproto/ehgen/internal/engine"
)

// A listing describes what the IR and prologue collaborators would hand
// over, one directive per line. '#' starts a comment.
//
//	target elf
//	extern _ZTIi 0x9000
//	func main size=96
//	  prologue push rbp, setframe rbp 0, alloc 32
//	  epilogue 88 dealloc 32, pop rbp, ret
//	  action cleanup 48 8b 45 f8
//	  @8 try
//	  @64 catch _ZTIi
//	  @72 endhandler
//	  @40 endtry
//	end
//
// Marker lines are "@offset kind [args]" and are fed to the scope builder
// in the order they appear.

// Listing is a parsed .ehl file
type Listing struct {
	Target    engine.ObjectFormat // FormatUnknown when no target line was given
	Functions []*FunctionInput
	Externals map[string]uint64
}

var markerKeywords = []string{"try", "endtry", "catch", "except", "finally", "endhandler", "throw", "slot"}

var frameOpKeywords = map[string]FrameOpKind{
	"push":         OpPushReg,
	"alloc":        OpAlloc,
	"setframe":     OpSetFrame,
	"save":         OpSaveReg,
	"dealloc":      OpDealloc,
	"pop":          OpPopReg,
	"restoreframe": OpRestoreFrame,
	"ret":          OpRet,
}

type listingParser struct {
	file    string
	listing *Listing
	fn      *FunctionInput
	errs    *multierror.Error
}

// ParseListing parses listing source. Every malformed line is reported;
// the listing is only returned when there were none.
func ParseListing(file, src string) (*Listing, error) {
	p := &listingParser{
		file:    file,
		listing: &Listing{Externals: make(map[string]uint64)},
	}
	for i, line := range strings.Split(src, "\n") {
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		col := strings.Index(line, fields[0]) + 1
		loc := SourceLocation{File: file, Line: i + 1, Column: col, Length: len(fields[0])}
		if err := p.directive(fields, loc); err != nil {
			p.errs = multierror.Append(p.errs, err)
		}
	}
	if p.fn != nil {
		p.errs = multierror.Append(p.errs, SyntaxError(fmt.Sprintf("func %s is missing its end line", p.fn.Name), p.fn.Loc, ""))
	}
	if err := p.errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return p.listing, nil
}

func (p *listingParser) directive(f []string, loc SourceLocation) error {
	switch {
	case f[0] == "target":
		if len(f) != 2 {
			return SyntaxError("target takes one object format", loc, "")
		}
		format, err := engine.ParseFormat(f[1])
		if err != nil {
			return SyntaxError(err.Error(), loc, "")
		}
		p.listing.Target = format
	case f[0] == "extern":
		if len(f) != 3 {
			return SyntaxError("extern takes a symbol and an address", loc, "")
		}
		addr, err := strconv.ParseUint(f[2], 0, 64)
		if err != nil {
			return SyntaxError(fmt.Sprintf("bad address %q", f[2]), loc, "")
		}
		p.listing.Externals[f[1]] = addr
	case f[0] == "func":
		if p.fn != nil {
			return SyntaxError(fmt.Sprintf("func %s opened inside func %s", strings.Join(f[1:], " "), p.fn.Name), loc, "")
		}
		return p.function(f, loc)
	case f[0] == "end":
		if p.fn == nil {
			return SyntaxError("end without func", loc, "")
		}
		p.listing.Functions = append(p.listing.Functions, p.fn)
		p.fn = nil
	case p.fn == nil:
		return SyntaxError(fmt.Sprintf("%s outside of a func block", f[0]), loc, "")
	case f[0] == "prologue":
		ops, err := parseFrameOps(strings.Join(f[1:], " "), loc)
		if err != nil {
			return err
		}
		_, p.fn.Prologue = EmitPrologue(PrologueDescriptor{Ops: ops})
	case f[0] == "epilogue":
		if len(f) < 3 {
			return SyntaxError("epilogue takes an offset and its operations", loc, "")
		}
		off, err := parseOffset(f[1], loc)
		if err != nil {
			return err
		}
		ops, err := parseFrameOps(strings.Join(f[2:], " "), loc)
		if err != nil {
			return err
		}
		p.fn.Epilogues = append(p.fn.Epilogues, Epilogue{Offset: off, Ops: EmitFrameOps(NewOut("epilogue"), ops)})
	case f[0] == "code":
		b, err := parseHex(f[1:], loc)
		if err != nil {
			return err
		}
		p.fn.Code = append(p.fn.Code, b...)
	case f[0] == "action":
		if len(f) < 2 {
			return SyntaxError("action takes a name and its code bytes", loc, "")
		}
		b, err := parseHex(f[2:], loc)
		if err != nil {
			return err
		}
		action := p.fn.Actions[f[1]]
		action.Name = f[1]
		action.Code = append(action.Code, b...)
		if action.Loc.Line == 0 {
			action.Loc = loc
		}
		p.fn.Actions[f[1]] = action
	case strings.HasPrefix(f[0], "@"):
		m, err := parseMarker(f, loc)
		if err != nil {
			return err
		}
		p.fn.Markers = append(p.fn.Markers, m)
	default:
		words := append([]string{"prologue", "epilogue", "code", "action", "end"}, markerKeywords...)
		return SyntaxError(fmt.Sprintf("unknown directive %q%s", f[0], suggestName(f[0], words)), loc, "")
	}
	return nil
}

func (p *listingParser) function(f []string, loc SourceLocation) error {
	if len(f) < 2 {
		return SyntaxError("func takes a name", loc, "")
	}
	fn := &FunctionInput{Name: f[1], Actions: make(map[string]ActionBody), Loc: loc}
	for _, attr := range f[2:] {
		key, value, ok := strings.Cut(attr, "=")
		if !ok || key != "size" {
			return SyntaxError(fmt.Sprintf("unknown func attribute %q", attr), loc, "size=N")
		}
		size, err := parseOffset(value, loc)
		if err != nil {
			return err
		}
		fn.BodySize = size
	}
	p.fn = fn
	return nil
}

func parseOffset(s string, loc SourceLocation) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, SyntaxError(fmt.Sprintf("bad offset %q", s), loc, "")
	}
	return uint32(v), nil
}

func parseHex(words []string, loc SourceLocation) ([]byte, error) {
	b, err := hex.DecodeString(strings.Join(words, ""))
	if err != nil {
		return nil, SyntaxError(fmt.Sprintf("bad code bytes: %v", err), loc, "")
	}
	return b, nil
}

// parseFrameOps parses "push rbp, alloc 32, ..." into frame ops. End
// offsets are left zero for the caller to fill in by emitting them.
func parseFrameOps(s string, loc SourceLocation) ([]FrameOp, error) {
	var ops []FrameOp
	for _, part := range strings.Split(s, ",") {
		f := strings.Fields(part)
		if len(f) == 0 {
			continue
		}
		kind, ok := frameOpKeywords[f[0]]
		if !ok {
			names := make([]string, 0, len(frameOpKeywords))
			for name := range frameOpKeywords {
				names = append(names, name)
			}
			sort.Strings(names)
			return nil, SyntaxError(fmt.Sprintf("unknown frame operation %q%s", f[0], suggestName(f[0], names)), loc, "")
		}
		op := FrameOp{Kind: kind}
		var args []string
		switch kind {
		case OpPushReg, OpPopReg:
			args = []string{"reg"}
		case OpAlloc, OpDealloc:
			args = []string{"amount"}
		case OpSetFrame, OpSaveReg, OpRestoreFrame:
			args = []string{"reg", "offset"}
		}
		if len(f)-1 != len(args) {
			return nil, SyntaxError(fmt.Sprintf("%s takes %s", f[0], strings.Join(args, " ")), loc, "")
		}
		for i, arg := range args {
			word := f[i+1]
			switch arg {
			case "reg":
				reg, ok := GetRegister(word)
				if !ok {
					return nil, SyntaxError(fmt.Sprintf("unknown register %q%s", word, suggestName(word, registerNames())), loc, "")
				}
				op.Reg = reg
			case "amount":
				v, err := parseOffset(word, loc)
				if err != nil {
					return nil, err
				}
				op.Amount = v
			case "offset":
				v, err := parseOffset(word, loc)
				if err != nil {
					return nil, err
				}
				op.Offset = v
			}
		}
		ops = append(ops, op)
	}
	if len(ops) == 0 {
		return nil, SyntaxError("no frame operations", loc, "")
	}
	return ops, nil
}

func parseMarker(f []string, loc SourceLocation) (Marker, error) {
	off, err := parseOffset(strings.TrimPrefix(f[0], "@"), loc)
	if err != nil {
		return Marker{}, err
	}
	m := Marker{Offset: off, Loc: loc}
	if len(f) < 2 {
		return m, SyntaxError("marker without a kind", loc, "")
	}
	args := f[2:]
	need := func(n int) error {
		if len(args) != n {
			return SyntaxError(fmt.Sprintf("%s takes %d argument(s)", f[1], n), loc, "")
		}
		return nil
	}
	switch f[1] {
	case "try":
		m.Kind = MarkTryBegin
		err = need(0)
	case "endtry":
		m.Kind = MarkTryEnd
		err = need(0)
	case "endhandler":
		m.Kind = MarkHandlerEnd
		err = need(0)
	case "throw":
		m.Kind = MarkThrow
		err = need(0)
	case "catch":
		m.Kind = MarkHandlerBegin
		m.Handler = HandlerCatch
		if len(args) > 1 {
			err = need(1)
		} else if len(args) == 1 {
			m.TypeSymbol = args[0]
		}
	case "finally":
		m.Kind = MarkHandlerBegin
		m.Handler = HandlerSehFinally
		if err = need(1); err == nil {
			m.Action = args[0]
		}
	case "slot":
		m.Kind = MarkFuncletBody
		if err = need(1); err == nil {
			m.Action = args[0]
		}
	case "except":
		m.Kind = MarkHandlerBegin
		m.Handler = HandlerSehExcept
		m.Filter, err = parseFilter(args, loc)
	default:
		return m, SyntaxError(fmt.Sprintf("unknown marker %q%s", f[1], suggestName(f[1], markerKeywords)), loc, "")
	}
	return m, err
}

// parseFilter parses an __except filter:
//
//	except 1 | except code 0xC0000005 [match nomatch] | except call sym
//	except local sym | except opaque
func parseFilter(args []string, loc SourceLocation) (FilterRef, error) {
	if len(args) == 0 {
		return FilterRef{}, SyntaxError("except without a filter", loc, "except 1")
	}
	if v, err := strconv.ParseInt(args[0], 0, 32); err == nil && len(args) == 1 {
		return ConstantFilter(int32(v)), nil
	}
	expr := &FilterExpr{}
	switch args[0] {
	case "code":
		if len(args) != 2 && len(args) != 4 {
			return FilterRef{}, SyntaxError("except code takes a code and optionally match and nomatch results", loc, "")
		}
		code, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return FilterRef{}, SyntaxError(fmt.Sprintf("bad exception code %q", args[1]), loc, "")
		}
		expr.Kind = FilterExceptionCode
		expr.Code = uint32(code)
		expr.Match = ExceptionExecuteHandler
		expr.NoMatch = ExceptionContinueSearch
		if len(args) == 4 {
			match, err1 := strconv.ParseInt(args[2], 0, 32)
			nomatch, err2 := strconv.ParseInt(args[3], 0, 32)
			if err1 != nil || err2 != nil {
				return FilterRef{}, SyntaxError("bad filter results", loc, "")
			}
			expr.Match = int32(match)
			expr.NoMatch = int32(nomatch)
		}
	case "call", "local":
		if len(args) != 2 {
			return FilterRef{}, SyntaxError(fmt.Sprintf("except %s takes a symbol", args[0]), loc, "")
		}
		expr.Kind = FilterCall
		if args[0] == "local" {
			expr.Kind = FilterLocalRef
		}
		expr.Symbol = args[1]
	case "opaque":
		expr.Kind = FilterOpaque
	default:
		return FilterRef{}, SyntaxError(fmt.Sprintf("unknown filter %q%s", args[0],
			suggestName(args[0], []string{"code", "call", "local", "opaque"})), loc, "")
	}
	return FilterRef{Expr: expr}, nil
}
