// Completion: 100% - Configuration complete
package main

import (
	"fmt"

	"github.com/xyproto/env/v2"
	"github.com/xyproto/ehgen/internal/engine"
)

// Config holds the settings for one encoding run. Environment variables
// provide the defaults; command line flags override them.
type Config struct {
	Target    engine.Target
	Verbose   bool
	NoColor   bool
	MaxErrors int
	TextAlign uint32 // alignment of each function in .text
}

// DefaultConfig reads the EHGEN_* environment variables
func DefaultConfig() (Config, error) {
	format, err := engine.ParseFormat(env.Str("EHGEN_TARGET", "elf"))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Target:    engine.Target{Format: format},
		Verbose:   env.Bool("EHGEN_VERBOSE"),
		NoColor:   env.Bool("EHGEN_NO_COLOR") || env.Has("NO_COLOR"),
		MaxErrors: env.Int("EHGEN_MAX_ERRORS", 10),
		TextAlign: uint32(env.Int("EHGEN_TEXT_ALIGN", 16)),
	}
	return cfg, cfg.Validate()
}

// Validate checks that the settings can be used
func (c Config) Validate() error {
	if c.Target.Format == engine.FormatUnknown {
		return fmt.Errorf("no target object format selected")
	}
	if c.TextAlign == 0 || c.TextAlign&(c.TextAlign-1) != 0 {
		return fmt.Errorf("text alignment must be a power of two, got %d", c.TextAlign)
	}
	if c.MaxErrors <= 0 {
		return fmt.Errorf("max errors must be positive, got %d", c.MaxErrors)
	}
	return nil
}
