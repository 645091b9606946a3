// Completion: 100% - Error handling complete, clear and helpful messages
package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/xyproto/ehgen/internal/engine"
)

// ErrorLevel indicates the severity of an error
type ErrorLevel int

const (
	LevelWarning ErrorLevel = iota
	LevelError
	LevelFatal
)

func (l ErrorLevel) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal error"
	default:
		return "unknown"
	}
}

// ErrorCategory classifies the type of error
type ErrorCategory int

const (
	// CategoryStructural covers unbalanced, mismatched or overlapping regions
	CategoryStructural ErrorCategory = iota
	// CategoryEncoding covers values that do not fit the field they go into
	CategoryEncoding
	// CategoryUnsupported covers constructs that have no defined lowering
	CategoryUnsupported
	// CategoryInternal covers consistency-check failures inside the encoders
	CategoryInternal
	// CategorySyntax covers malformed listing input
	CategorySyntax
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryStructural:
		return "structural"
	case CategoryEncoding:
		return "encoding"
	case CategoryUnsupported:
		return "unsupported"
	case CategorySyntax:
		return "syntax"
	case CategoryInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// SourceLocation represents a position in source code
type SourceLocation struct {
	File   string
	Line   int
	Column int
	Length int // Length of the problematic token/expression
}

func (loc SourceLocation) String() string {
	if loc.File == "" && loc.Line == 0 {
		return "<unknown>"
	}
	if loc.File == "" {
		return fmt.Sprintf("%d:%d", loc.Line, loc.Column)
	}
	return fmt.Sprintf("%s:%d:%d", loc.File, loc.Line, loc.Column)
}

// ErrorContext provides additional context for an error
type ErrorContext struct {
	Function   string // Function whose tables were being built
	SourceLine string // The actual line of source code
	Suggestion string // "Did you mean 'x'?"
	HelpText   string // Explanatory help text
}

// CompilerError represents a single exception-table generation error
type CompilerError struct {
	Level    ErrorLevel
	Category ErrorCategory
	Message  string
	Location SourceLocation
	Context  ErrorContext
}

// Error implements the error interface
func (e CompilerError) Error() string {
	if e.Context.Function != "" {
		return fmt.Sprintf("%s: %s error in %s: %s", e.Location, e.Category, e.Context.Function, e.Message)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Location, e.Category, e.Message)
}

// IsFatal reports whether the error aborts code generation
func (e CompilerError) IsFatal() bool {
	return e.Level >= LevelError
}

// Format returns a nicely formatted error message with context
func (e CompilerError) Format(useColor bool) string {
	var sb strings.Builder

	paint := func(c *color.Color, s string) string {
		if !useColor {
			return s
		}
		c.EnableColor()
		return c.Sprint(s)
	}
	red := color.New(color.FgRed, color.Bold)
	blue := color.New(color.FgBlue, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	cyan := color.New(color.FgCyan, color.Bold)

	sb.WriteString(paint(red, e.Level.String()+": "))
	sb.WriteString(e.Message)
	sb.WriteString("\n")

	sb.WriteString(paint(blue, "  --> "+e.Location.String()))
	if e.Context.Function != "" {
		sb.WriteString(" (in " + e.Context.Function + ")")
	}
	sb.WriteString("\n")

	if e.Context.SourceLine != "" {
		lineNum := fmt.Sprintf("%d", e.Location.Line)
		padding := strings.Repeat(" ", len(lineNum)+1)

		sb.WriteString(padding)
		sb.WriteString("|\n")
		sb.WriteString(lineNum)
		sb.WriteString(" | ")
		sb.WriteString(e.Context.SourceLine)
		sb.WriteString("\n")
		sb.WriteString(padding)
		sb.WriteString("| ")

		if e.Location.Column > 0 {
			sb.WriteString(strings.Repeat(" ", e.Location.Column-1))
			marker := "^"
			if e.Location.Length > 0 {
				marker = strings.Repeat("^", e.Location.Length)
			}
			sb.WriteString(paint(red, marker))
			sb.WriteString("\n")
		}
	}

	if e.Context.Suggestion != "" {
		sb.WriteString(paint(green, "   help: "))
		sb.WriteString(e.Context.Suggestion)
		sb.WriteString("\n")
	}

	if e.Context.HelpText != "" {
		sb.WriteString(paint(cyan, "   note: "))
		sb.WriteString(e.Context.HelpText)
		sb.WriteString("\n")
	}

	return sb.String()
}

// ErrorCollector accumulates errors while a module is being encoded
type ErrorCollector struct {
	errors     []CompilerError
	warnings   []CompilerError
	maxErrors  int
	sourceCode string // Full listing source for context
}

// NewErrorCollector creates a new error collector
func NewErrorCollector(maxErrors int) *ErrorCollector {
	if maxErrors <= 0 {
		maxErrors = 10 // Default: stop after 10 errors
	}
	return &ErrorCollector{
		errors:    make([]CompilerError, 0),
		warnings:  make([]CompilerError, 0),
		maxErrors: maxErrors,
	}
}

// SetSourceCode stores the source code for error context
func (ec *ErrorCollector) SetSourceCode(source string) {
	ec.sourceCode = source
}

// Add records any error. CompilerErrors keep their level; anything else is
// wrapped as an internal error.
func (ec *ErrorCollector) Add(err error) {
	if err == nil {
		return
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			ec.Add(e)
		}
		return
	}
	var cerr CompilerError
	if errors.As(err, &cerr) {
		ec.AddError(cerr)
		return
	}
	ec.AddError(CompilerError{
		Level:    LevelFatal,
		Category: CategoryInternal,
		Message:  err.Error(),
	})
}

// AddError adds a compilation error
func (ec *ErrorCollector) AddError(err CompilerError) {
	if err.Context.SourceLine == "" && ec.sourceCode != "" {
		err.Context.SourceLine = ec.getSourceLine(err.Location.Line)
	}

	if err.Level == LevelFatal || err.Level == LevelError {
		ec.errors = append(ec.errors, err)
	} else {
		ec.warnings = append(ec.warnings, err)
	}
}

// AddWarning adds a warning
func (ec *ErrorCollector) AddWarning(warn CompilerError) {
	warn.Level = LevelWarning
	if warn.Context.SourceLine == "" && ec.sourceCode != "" {
		warn.Context.SourceLine = ec.getSourceLine(warn.Location.Line)
	}
	ec.warnings = append(ec.warnings, warn)
}

// getSourceLine extracts a specific line from source code
func (ec *ErrorCollector) getSourceLine(lineNum int) string {
	if ec.sourceCode == "" || lineNum <= 0 {
		return ""
	}

	lines := strings.Split(ec.sourceCode, "\n")
	if lineNum > len(lines) {
		return ""
	}
	return lines[lineNum-1]
}

// HasErrors returns true if any errors were collected
func (ec *ErrorCollector) HasErrors() bool {
	return len(ec.errors) > 0
}

// HasInternalError returns true if a consistency check failed. Such a
// failure poisons the whole module, not just one function.
func (ec *ErrorCollector) HasInternalError() bool {
	for _, err := range ec.errors {
		if err.Category == CategoryInternal {
			return true
		}
	}
	return false
}

// ErrorCount returns the number of errors
func (ec *ErrorCollector) ErrorCount() int {
	return len(ec.errors)
}

// WarningCount returns the number of warnings
func (ec *ErrorCollector) WarningCount() int {
	return len(ec.warnings)
}

// ShouldStop returns true if we've hit the error limit
func (ec *ErrorCollector) ShouldStop() bool {
	return len(ec.errors) >= ec.maxErrors
}

// Errors returns the collected errors in the order they were added
func (ec *ErrorCollector) Errors() []CompilerError {
	return ec.errors
}

// Err folds every collected error into one error value, or nil
func (ec *ErrorCollector) Err() error {
	var result *multierror.Error
	for _, err := range ec.errors {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Report formats all errors and warnings for display
func (ec *ErrorCollector) Report(useColor bool) string {
	var sb strings.Builder

	for i, err := range ec.errors {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(err.Format(useColor))
	}

	for i, warn := range ec.warnings {
		if i > 0 || len(ec.errors) > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(warn.Format(useColor))
	}

	if len(ec.errors) > 0 || len(ec.warnings) > 0 {
		sb.WriteString("\n")
		if len(ec.errors) > 0 {
			sb.WriteString(fmt.Sprintf("%d error(s)", len(ec.errors)))
		}
		if len(ec.warnings) > 0 {
			if len(ec.errors) > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%d warning(s)", len(ec.warnings)))
		}
		sb.WriteString(" found\n")
	}

	return sb.String()
}

// Clear resets the error collector
func (ec *ErrorCollector) Clear() {
	ec.errors = make([]CompilerError, 0)
	ec.warnings = make([]CompilerError, 0)
}

// Helper functions for creating the four error classes

// StructuralError creates an error for unbalanced, mismatched or overlapping regions
func StructuralError(message string, loc SourceLocation) CompilerError {
	return CompilerError{
		Level:    LevelError,
		Category: CategoryStructural,
		Message:  message,
		Location: loc,
		Context: ErrorContext{
			HelpText: "every try region must be opened and closed exactly once, and nested regions must lie inside their parent",
		},
	}
}

// EncodingError creates an error for a value that exceeds its field
func EncodingError(message string, loc SourceLocation) CompilerError {
	return CompilerError{
		Level:    LevelError,
		Category: CategoryEncoding,
		Message:  message,
		Location: loc,
	}
}

// UnsupportedFeatureError creates an error for a construct without a lowering
func UnsupportedFeatureError(feature string, loc SourceLocation) CompilerError {
	return CompilerError{
		Level:    LevelError,
		Category: CategoryUnsupported,
		Message:  fmt.Sprintf("unsupported: %s", feature),
		Location: loc,
		Context: ErrorContext{
			HelpText: "no exception table is emitted for this function rather than a table that may be wrong",
		},
	}
}

// SyntaxError creates an error for a listing line that does not parse
func SyntaxError(message string, loc SourceLocation, suggestion string) CompilerError {
	return CompilerError{
		Level:    LevelError,
		Category: CategorySyntax,
		Message:  message,
		Location: loc,
		Context: ErrorContext{
			Suggestion: suggestion,
		},
	}
}

// ConsistencyError creates a fatal internal error for a failed encode-time check
func ConsistencyError(message string) CompilerError {
	return CompilerError{
		Level:    LevelFatal,
		Category: CategoryInternal,
		Message:  message,
		Context: ErrorContext{
			HelpText: "This is an internal compiler error. Please report this bug.",
		},
	}
}

// inFunction attaches the function name to a CompilerError, leaving other
// errors untouched
func inFunction(err error, name string) error {
	var cerr CompilerError
	if errors.As(err, &cerr) && cerr.Context.Function == "" {
		cerr.Context.Function = name
		return cerr
	}
	return err
}

// categoryOf returns the category of err, or CategoryInternal for foreign errors
func categoryOf(err error) ErrorCategory {
	var cerr CompilerError
	if errors.As(err, &cerr) {
		return cerr.Category
	}
	return CategoryInternal
}

// suggestName returns a " (did you mean ...?)" hint for a misspelled name,
// or "" when nothing is close
func suggestName(name string, candidates []string) string {
	similar := engine.SimilarNames(name, candidates, 2)
	if len(similar) == 0 {
		return ""
	}
	return fmt.Sprintf(" (did you mean %s?)", strings.Join(similar, " or "))
}
