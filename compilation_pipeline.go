// compilation_pipeline.go - Explicit module encoding stages with validation
package main

import (
	"fmt"
	"strings"
)

// CompilationStage is a stage in the life of a ModuleEncoder
type CompilationStage int

const (
	StageInit     CompilationStage = iota
	StageEncoding                  // functions are being encoded into fragments
	StageLayout                    // .text placement, function bases frozen
	StageMerge                     // fragments appended and rebased
	StageWriting                   // buffers committed and handed to the writer
	StageComplete
	StageAborted // an internal error poisoned the module
)

func (s CompilationStage) String() string {
	switch s {
	case StageInit:
		return "Initialization"
	case StageEncoding:
		return "Function Encoding"
	case StageLayout:
		return "Text Layout"
	case StageMerge:
		return "Fragment Merge"
	case StageWriting:
		return "Section Writing"
	case StageComplete:
		return "Module Complete"
	case StageAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("Unknown Stage %d", s)
	}
}

// CompilationPipeline tracks the current stage and validates transitions
type CompilationPipeline struct {
	currentStage CompilationStage
	stages       []CompilationStage // History of stages
}

func NewCompilationPipeline() *CompilationPipeline {
	return &CompilationPipeline{
		currentStage: StageInit,
		stages:       []CompilationStage{StageInit},
	}
}

// AdvanceTo moves to stage, which must directly follow the current one.
// Any stage except Complete can move to Aborted.
func (cp *CompilationPipeline) AdvanceTo(stage CompilationStage) error {
	validTransition := false
	switch cp.currentStage {
	case StageInit:
		validTransition = stage == StageEncoding
	case StageEncoding:
		validTransition = stage == StageLayout
	case StageLayout:
		validTransition = stage == StageMerge
	case StageMerge:
		validTransition = stage == StageWriting
	case StageWriting:
		validTransition = stage == StageComplete
	}
	if stage == StageAborted && cp.currentStage != StageComplete {
		validTransition = true
	}

	if !validTransition {
		var history []string
		for _, s := range cp.stages {
			history = append(history, s.String())
		}
		return ConsistencyError(fmt.Sprintf("invalid stage transition %s -> %s (history: %s)",
			cp.currentStage, stage, strings.Join(history, ", ")))
	}

	cp.currentStage = stage
	cp.stages = append(cp.stages, stage)
	if VerboseMode {
		logger.Debug().Str("stage", stage.String()).Msg("pipeline advanced")
	}
	return nil
}

func (cp *CompilationPipeline) CurrentStage() CompilationStage {
	return cp.currentStage
}

// ValidateStage fails when operation is attempted outside the expected stage
func (cp *CompilationPipeline) ValidateStage(expected CompilationStage, operation string) error {
	if cp.currentStage != expected {
		return ConsistencyError(fmt.Sprintf("%s attempted at stage %s, expected %s", operation, cp.currentStage, expected))
	}
	return nil
}
