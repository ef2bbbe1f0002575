package taskgraph

import (
	"errors"
	"testing"

	"github.com/kunho817/echelon/pkg/models"
)

func TestMissionProgress_Counts(t *testing.T) {
	m := New()
	a := mustCreate(t, m, TaskConfig{MissionID: "m1", Title: "a", Level: models.LevelExecutor})
	mustCreate(t, m, TaskConfig{MissionID: "m1", Title: "b", Level: models.LevelExecutor})
	mustCreate(t, m, TaskConfig{MissionID: "other", Title: "c", Level: models.LevelExecutor})

	m.Assign(a.ID, "agent")
	m.Start(a.ID)
	m.Complete(a.ID, "out")

	p := m.MissionProgress("m1")
	if p.Total != 2 {
		t.Errorf("Total = %d, want 2 (other mission excluded)", p.Total)
	}
	if p.Counts[models.TaskStatusCompleted] != 1 {
		t.Errorf("completed count = %d, want 1", p.Counts[models.TaskStatusCompleted])
	}
	if p.Ready != 1 {
		t.Errorf("Ready = %d, want 1", p.Ready)
	}
	if p.Finished {
		t.Error("mission with a pending task is not finished")
	}
}

func TestMissionProgress_StarvedDescendants(t *testing.T) {
	m := New()
	doomed := mustCreate(t, m, TaskConfig{MissionID: "m1", Title: "doomed", Level: models.LevelExecutor})
	child := mustCreate(t, m, TaskConfig{
		MissionID: "m1", Title: "child", Level: models.LevelExecutor,
		Dependencies: []models.DependencyEdge{{TaskID: doomed.ID, Kind: models.DependencyBlocking}},
	})
	grandchild := mustCreate(t, m, TaskConfig{
		MissionID: "m1", Title: "grandchild", Level: models.LevelExecutor,
		Dependencies: []models.DependencyEdge{{TaskID: child.ID, Kind: models.DependencyBlocking}},
	})
	_ = grandchild

	// Exhaust the retry budget.
	for i := 0; i < maxRetries; i++ {
		m.Assign(doomed.ID, "a")
		m.Start(doomed.ID)
		m.Fail(doomed.ID, errors.New("boom"))
	}

	p := m.MissionProgress("m1")
	if p.Counts[models.TaskStatusFailed] != 1 {
		t.Fatalf("failed count = %d, want 1", p.Counts[models.TaskStatusFailed])
	}
	if p.Starved != 2 {
		t.Errorf("Starved = %d, want 2 (descendant chain reported honestly)", p.Starved)
	}
	if p.Ready != 0 {
		t.Errorf("Ready = %d, want 0", p.Ready)
	}
	if p.Succeeded {
		t.Error("mission with failures must not report success")
	}
}

func TestMissionProgress_Succeeded(t *testing.T) {
	m := New()
	a := mustCreate(t, m, TaskConfig{MissionID: "m1", Title: "a", Level: models.LevelExecutor})
	m.Assign(a.ID, "agent")
	m.Start(a.ID)
	m.Complete(a.ID, "out")
	m.MarkMerged(a.ID)

	p := m.MissionProgress("m1")
	if !p.Finished {
		t.Error("mission should be finished")
	}
	if !p.Succeeded {
		t.Error("all-merged mission should report success")
	}
}

func TestMissionProgress_EmptyMission(t *testing.T) {
	m := New()
	p := m.MissionProgress("nope")
	if p.Finished || p.Succeeded {
		t.Error("empty mission should be neither finished nor succeeded")
	}
	if p.Total != 0 {
		t.Errorf("Total = %d, want 0", p.Total)
	}
}
