package models

import (
	"encoding/json"
	"testing"
)

func TestAgentStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status AgentStatus
		want   bool
	}{
		{"idle is valid", AgentStatusIdle, true},
		{"busy is valid", AgentStatusBusy, true},
		{"terminated is valid", AgentStatusTerminated, true},
		{"empty string is invalid", AgentStatus(""), false},
		{"unknown status is invalid", AgentStatus("paused"), false},
		{"task status is invalid", AgentStatus("running"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("AgentStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestAgent_JSONRoundTrip(t *testing.T) {
	agent := Agent{
		ID:            "agent-1",
		Level:         LevelBuilder,
		Role:          "builder",
		ParentID:      "agent-0",
		ChildIDs:      []string{"agent-2"},
		Status:        AgentStatusBusy,
		CurrentTaskID: "task-9",
	}

	data, err := json.Marshal(agent)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var got Agent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if got.ID != agent.ID || got.Level != agent.Level || got.Status != agent.Status {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if got.CurrentTaskID != "task-9" {
		t.Errorf("CurrentTaskID = %q, want task-9", got.CurrentTaskID)
	}
}

func TestMissionStatus_Valid(t *testing.T) {
	valid := []MissionStatus{MissionStatusRunning, MissionStatusCompleted, MissionStatusFailed, MissionStatusCancelled}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("MissionStatus(%q) should be valid", s)
		}
	}
	if MissionStatus("paused").Valid() {
		t.Error("unknown mission status should be invalid")
	}
}
