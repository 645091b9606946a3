package main

import (
	"testing"
)

func TestPipelineStagesInOrder(t *testing.T) {
	cp := NewCompilationPipeline()
	if cp.CurrentStage() != StageInit {
		t.Fatalf("Expected %s, got %s", StageInit, cp.CurrentStage())
	}
	for _, stage := range []CompilationStage{StageEncoding, StageLayout, StageMerge, StageWriting, StageComplete} {
		if err := cp.AdvanceTo(stage); err != nil {
			t.Fatalf("AdvanceTo(%s) failed: %v", stage, err)
		}
	}
	if err := cp.AdvanceTo(StageAborted); err == nil {
		t.Error("A complete module cannot be aborted")
	}
}

func TestPipelineRejectsSkippedStage(t *testing.T) {
	cp := NewCompilationPipeline()
	cp.AdvanceTo(StageEncoding)
	if err := cp.AdvanceTo(StageMerge); err == nil {
		t.Error("Expected an error when skipping the layout stage")
	}
	if cp.CurrentStage() != StageEncoding {
		t.Errorf("Failed transition changed the stage to %s", cp.CurrentStage())
	}
	if err := cp.AdvanceTo(StageAborted); err != nil {
		t.Errorf("Abort from %s failed: %v", StageEncoding, err)
	}
	if err := cp.ValidateStage(StageEncoding, "EncodeFunction"); err == nil {
		t.Error("Expected an error for encoding after abort")
	}
}
