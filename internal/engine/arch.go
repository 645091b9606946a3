// Completion: 100% - Target selection complete
package engine

import (
	"fmt"
	"strings"
)

// ObjectFormat is the container format of the object file being produced.
// It decides which exception ABI the tables follow.
type ObjectFormat int

const (
	FormatUnknown ObjectFormat = iota
	FormatCOFF                 // Windows x64: .pdata/.xdata, __C_specific_handler
	FormatELF                  // Itanium x86-64: .eh_frame/.gcc_except_table
)

func (f ObjectFormat) String() string {
	switch f {
	case FormatCOFF:
		return "coff"
	case FormatELF:
		return "elf"
	default:
		return "unknown"
	}
}

// ParseFormat parses an object format or OS name
func ParseFormat(s string) (ObjectFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coff", "pe", "win64", "windows", "win":
		return FormatCOFF, nil
	case "elf", "itanium", "linux", "freebsd":
		return FormatELF, nil
	default:
		return FormatUnknown, fmt.Errorf("unsupported object format: %s (supported: coff, elf)", s)
	}
}

// Target describes the ABI the exception tables are generated for.
// Only x86-64 is supported; the architecture is kept explicit so that
// diagnostics can name it.
type Target struct {
	Format ObjectFormat
}

// String returns a human-readable target string
func (t Target) String() string {
	return fmt.Sprintf("x86_64-%s", t.Format)
}

// PersonalityName returns the language-specific handler the tables are consumed by
func (t Target) PersonalityName() string {
	switch t.Format {
	case FormatCOFF:
		return "__C_specific_handler"
	case FormatELF:
		return "__gxx_personality_v0"
	default:
		return ""
	}
}

// SectionNames returns the exception sections written for this target, in
// the order they are handed to the object writer.
func (t Target) SectionNames() []string {
	switch t.Format {
	case FormatCOFF:
		return []string{".text", ".xdata", ".pdata"}
	case FormatELF:
		return []string{".text", ".gcc_except_table", ".eh_frame"}
	default:
		return nil
	}
}
