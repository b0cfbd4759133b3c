package generation

import (
	"testing"
	"time"
)

func TestStageOrdinalsFollowPipelineOrder(t *testing.T) {
	prev := -1
	for _, s := range Stages() {
		if s.Ordinal() <= prev {
			t.Fatalf("ordinal for %s: want>%d got=%d", s, prev, s.Ordinal())
		}
		prev = s.Ordinal()
	}
	if StageName("bogus").Ordinal() != -1 {
		t.Fatalf("unknown stage ordinal: want=-1")
	}
}

func TestNewModalitySetCanonicalizes(t *testing.T) {
	set, err := NewModalitySet([]string{"Video", "text", "image", "video"})
	if err != nil {
		t.Fatalf("NewModalitySet: %v", err)
	}
	want := []Modality{ModalityText, ModalityVideo, ModalityImages}
	if len(set) != len(want) {
		t.Fatalf("len: want=%d got=%d", len(want), len(set))
	}
	for i := range want {
		if set[i] != want[i] {
			t.Fatalf("set[%d]: want=%s got=%s", i, want[i], set[i])
		}
	}
	if !set.NeedsAudio() {
		t.Fatalf("video should require audio")
	}
	if _, err := NewModalitySet([]string{"hologram"}); err == nil {
		t.Fatalf("expected error for unknown modality")
	}
}

func TestArtifactMissing(t *testing.T) {
	a := &CachedArtifact{Script: "s", AudioURL: "a"}
	a.SupportedFormats = a.Formats()
	missing := a.Missing(ModalitySet{ModalityText, ModalityAudio, ModalityVideo})
	if len(missing) != 1 || missing[0] != ModalityVideo {
		t.Fatalf("missing: want=[video] got=%v", missing)
	}
}

func TestRunElapsed(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	r := &PipelineRun{CreatedAt: start.Add(-time.Second), StartedAt: &start, FinishedAt: &end}
	if got := r.Elapsed(start.Add(time.Hour)); got != 90*time.Second {
		t.Fatalf("elapsed: want=%s got=%s", 90*time.Second, got)
	}
	r.InitStages()
	if len(r.Stages) != len(Stages()) || r.Stage(StageRetrieval).Status != StageStatusPending {
		t.Fatalf("InitStages: got=%+v", r.Stages)
	}
}
