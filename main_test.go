package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xyproto/ehgen/internal/engine"
)

func TestEncodeListingDump(t *testing.T) {
	var out, errOut bytes.Buffer
	cfg := testConfig(engine.FormatCOFF)
	require.NoError(t, encodeListing(cfg, false, "example.ehl", exampleListing, &out, &errOut))
	assert.Empty(t, errOut.String())

	dump := out.String()
	for _, want := range []string{
		".text  addr=0x1000",
		".gcc_except_table",
		".eh_frame",
		"FDE @",
		"DW.ref._ZTIi @",
		"-> _ZTIi",
		"__gxx_personality_v0 @",
		"relocations",
	} {
		assert.Contains(t, dump, want)
	}
	assert.NotContains(t, dump, ".pdata", "the listing's target line wins")
	assert.NotContains(t, dump, "\x1b[", "no color")
}

func TestEncodeListingForcedTarget(t *testing.T) {
	src := "target elf\nfunc f size=64\n  prologue push rbp, setframe rbp 0, alloc 32\n" +
		"  @8 try\n  @40 except 1\n  @44 endhandler\n  @20 endtry\nend\n"
	var out, errOut bytes.Buffer
	require.NoError(t, encodeListing(testConfig(engine.FormatCOFF), true, "f.ehl", src, &out, &errOut))
	assert.Contains(t, out.String(), ".pdata")
	assert.Contains(t, out.String(), "filter=1")

	out.Reset()
	err := encodeListing(testConfig(engine.FormatCOFF), false, "f.ehl", src, &out, &errOut)
	require.Error(t, err, "__except has no ELF form")
	assert.Contains(t, errOut.String(), "__except filters on ELF targets")
}

func TestEncodeListingSyntaxReport(t *testing.T) {
	src := "func f size=32\n  @4 endtyr\nend\n"
	var out, errOut bytes.Buffer
	err := encodeListing(testConfig(engine.FormatELF), false, "bad.ehl", src, &out, &errOut)
	require.Error(t, err)
	assert.Empty(t, out.String())

	report := errOut.String()
	assert.Contains(t, report, "--> bad.ehl:2")
	assert.Contains(t, report, "2 |   @4 endtyr")
	assert.Contains(t, report, "did you mean endtry")
	assert.True(t, strings.HasSuffix(report, "1 error(s) found\n"), report)
}

func TestEncodeListingKeepsGoodFunctions(t *testing.T) {
	src := strings.Join([]string{
		"target coff",
		"func good size=32",
		"  prologue push rbp, setframe rbp 0, alloc 32",
		"end",
		"func bad size=32",
		"  @4 try",
		"end",
	}, "\n")
	var out, errOut bytes.Buffer
	err := encodeListing(testConfig(engine.FormatELF), false, "mixed.ehl", src, &out, &errOut)
	require.Error(t, err)
	assert.Contains(t, out.String(), "good", "the good function is still dumped")
	assert.Contains(t, errOut.String(), "never closed")
}

func TestRunReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.ehl")
	require.NoError(t, os.WriteFile(path, []byte(exampleListing), 0o644))

	var out, errOut bytes.Buffer
	require.NoError(t, run(testConfig(engine.FormatELF), false, path, &out, &errOut))
	assert.Contains(t, out.String(), ".eh_frame")

	err := run(testConfig(engine.FormatELF), false, filepath.Join(t.TempDir(), "missing.ehl"), &out, &errOut)
	assert.Error(t, err)
	assert.Contains(t, errOut.String(), "Error:")
}

func TestBuildConfig(t *testing.T) {
	t.Setenv("EHGEN_TARGET", "coff")
	t.Setenv("EHGEN_MAX_ERRORS", "3")
	t.Setenv("EHGEN_TEXT_ALIGN", "32")

	cfg, err := buildConfig(options{})
	require.NoError(t, err)
	assert.Equal(t, engine.FormatCOFF, cfg.Target.Format)
	assert.Equal(t, 3, cfg.MaxErrors)
	assert.Equal(t, uint32(32), cfg.TextAlign)

	cfg, err = buildConfig(options{target: "elf", maxErrors: 5, textAlign: 64, noColor: true})
	require.NoError(t, err)
	assert.Equal(t, engine.FormatELF, cfg.Target.Format)
	assert.Equal(t, 5, cfg.MaxErrors)
	assert.Equal(t, uint32(64), cfg.TextAlign)
	assert.True(t, cfg.NoColor)

	_, err = buildConfig(options{target: "macho"})
	assert.Error(t, err)
	_, err = buildConfig(options{textAlign: 24})
	assert.Error(t, err, "alignment must be a power of two")

	t.Setenv("EHGEN_TARGET", "vax")
	_, err = DefaultConfig()
	assert.Error(t, err)
}
