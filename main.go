// Completion: 100% - CLI complete
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/xyproto/ehgen/internal/engine"
)

const versionString = "ehgen 0.4.0"

// options are the command line settings layered over the environment
type options struct {
	target    string
	verbose   bool
	watch     bool
	noColor   bool
	maxErrors int
	textAlign uint
}

func main() {
	// NOTE: flags must come before the listing: ehgen -target coff prog.ehl
	var targetFlag = flag.String("target", "", "object format (coff, elf); defaults to the listing's target line, then $EHGEN_TARGET")
	var versionShort = flag.Bool("V", false, "print version information and exit")
	var version = flag.Bool("version", false, "print version information and exit")
	var verbose = flag.Bool("v", false, "verbose mode (trace every encoded table)")
	var verboseLong = flag.Bool("verbose", false, "verbose mode (trace every encoded table)")
	var watchFlag = flag.Bool("watch", false, "watch mode: re-encode when the listing changes")
	var noColorFlag = flag.Bool("no-color", false, "disable colored output")
	var maxErrorsFlag = flag.Int("max-errors", 0, "stop after this many errors (0 keeps $EHGEN_MAX_ERRORS)")
	var textAlignFlag = flag.Uint("text-align", 0, "alignment of each function in .text (0 keeps $EHGEN_TEXT_ALIGN)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] listing.ehl\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version || *versionShort {
		fmt.Println(versionString)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	opts := options{
		target:    *targetFlag,
		verbose:   *verbose || *verboseLong,
		watch:     *watchFlag,
		noColor:   *noColorFlag,
		maxErrors: *maxErrorsFlag,
		textAlign: *textAlignFlag,
	}
	cfg, err := buildConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	SetupLogging(os.Stderr, cfg.Verbose, cfg.NoColor)
	logger.Debug().Str("version", versionString).Msg("verbose mode enabled")

	sourceFile := flag.Arg(0)
	if opts.watch {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err := watchAndRerun(ctx, sourceFile, func() error {
			return run(cfg, opts.target != "", sourceFile, os.Stdout, os.Stderr)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, opts.target != "", sourceFile, os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// buildConfig starts from the environment and applies the flags that were given
func buildConfig(opts options) (Config, error) {
	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}
	if opts.target != "" {
		format, err := engine.ParseFormat(opts.target)
		if err != nil {
			return Config{}, err
		}
		cfg.Target = engine.Target{Format: format}
	}
	cfg.Verbose = cfg.Verbose || opts.verbose
	cfg.NoColor = cfg.NoColor || opts.noColor
	if opts.maxErrors > 0 {
		cfg.MaxErrors = opts.maxErrors
	}
	if opts.textAlign > 0 {
		cfg.TextAlign = uint32(opts.textAlign)
	}
	return cfg, cfg.Validate()
}

// run encodes one listing and dumps the relocated image to out. Diagnostics
// go to errOut. A listing's target line applies unless the target was
// forced on the command line.
func run(cfg Config, targetForced bool, sourceFile string, out, errOut io.Writer) error {
	src, err := os.ReadFile(sourceFile)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return err
	}
	return encodeListing(cfg, targetForced, sourceFile, string(src), out, errOut)
}

func encodeListing(cfg Config, targetForced bool, file, src string, out, errOut io.Writer) error {
	useColor := !cfg.NoColor

	listing, err := ParseListing(file, src)
	if err != nil {
		ec := NewErrorCollector(cfg.MaxErrors)
		ec.SetSourceCode(src)
		ec.Add(err)
		fmt.Fprint(errOut, ec.Report(useColor))
		return err
	}
	if !targetForced && listing.Target != engine.FormatUnknown {
		cfg.Target = engine.Target{Format: listing.Target}
	}

	m, err := NewModuleEncoder(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return err
	}
	m.Errors().SetSourceCode(src)
	for _, fn := range listing.Functions {
		if _, err := m.EncodeFunction(fn); err != nil && m.Errors().ShouldStop() {
			break
		}
	}

	img := NewObjectImage(cfg.Target, m.Relocations())
	if err := m.Finalize(img); err != nil {
		fmt.Fprint(errOut, m.Errors().Report(useColor))
		return err
	}
	for name, addr := range listing.Externals {
		img.DefineExternal(name, addr)
	}
	if err := img.Apply(); err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return err
	}
	if err := Dump(out, img, m.Functions(), useColor); err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return err
	}

	if m.Errors().HasErrors() {
		fmt.Fprint(errOut, m.Errors().Report(useColor))
		return m.Errors().Err()
	}
	return nil
}
