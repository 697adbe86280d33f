package conversation_test

import (
	"testing"

	"github.com/MegaGrindStone/atlas-chat/internal/conversation"
	"github.com/MegaGrindStone/atlas-chat/internal/models"
)

func TestThreadCache(t *testing.T) {
	c := conversation.NewThreadCache()
	steps := []models.PipelineStep{{StageID: "classify", Status: models.StepCompleted}}

	c.Append("T1", 0, steps)
	c.Append("T1", 1, append(steps, models.PipelineStep{StageID: "generate_sql"}))
	c.Append("T1", 2, nil)
	c.Append("", 0, steps)

	if got := c.Len("T1"); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	got, ok := c.Lookup("T1", 1)
	if !ok || len(got) != 2 {
		t.Errorf("Lookup(T1, 1) = %+v, %v", got, ok)
	}
	if _, ok := c.Lookup("T1", 2); ok {
		t.Error("Lookup(T1, 2) found an empty timeline")
	}
	if _, ok := c.Lookup("T2", 0); ok {
		t.Error("Lookup(T2, 0) found an entry for an unknown thread")
	}

	// Returned slices are copies.
	got[0].StageID = "mutated"
	again, _ := c.Lookup("T1", 1)
	if again[0].StageID != "classify" {
		t.Errorf("cache entry mutated through Lookup result: %+v", again)
	}

	snaps := c.Snapshots("T1")
	if len(snaps) != 2 || snaps[0].TurnIndex != 0 || snaps[1].TurnIndex != 1 {
		t.Errorf("Snapshots() = %+v", snaps)
	}
}
