package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSegmentListRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	list := SegmentList{
		{URL: "https://cdn.example.com/s1.mp4", Scene: 1, Type: SegmentTypeInitial, Duration: 8, CompletedAt: now},
		{URL: "https://cdn.example.com/s2.mp4", Scene: 2, Type: SegmentTypeExtended, Duration: 7.5, CompletedAt: now},
	}

	data, err := list.Value()
	if err != nil {
		t.Fatalf("failed to marshal segment list: %v", err)
	}

	var decoded SegmentList
	if err := decoded.Scan(data.([]byte)); err != nil {
		t.Fatalf("failed to scan segment list: %v", err)
	}

	if len(decoded) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(decoded))
	}
	if decoded[0].Scene != 1 || decoded[1].Scene != 2 {
		t.Errorf("scene order lost: %v", decoded)
	}
	if decoded[1].Type != SegmentTypeExtended {
		t.Errorf("expected extended type, got %s", decoded[1].Type)
	}
}

func TestSegmentListScanNil(t *testing.T) {
	var list SegmentList
	if err := list.Scan(nil); err != nil {
		t.Fatalf("scan nil failed: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Errorf("expected empty list, got %v", list)
	}
}

func TestScenePromptListScan(t *testing.T) {
	raw := []byte(`[{"prompt":"A presenter waves","script":"Hello!"},{"prompt":"The same presenter points at a chart"}]`)

	var list ScenePromptList
	if err := list.Scan(raw); err != nil {
		t.Fatalf("failed to scan: %v", err)
	}

	if len(list) != 2 {
		t.Fatalf("expected 2 prompts, got %d", len(list))
	}
	if list[0].Script != "Hello!" {
		t.Errorf("expected script on first prompt, got %q", list[0].Script)
	}
	if list[1].Script != "" {
		t.Errorf("expected empty script on second prompt, got %q", list[1].Script)
	}
}

func TestPhaseStatusValues(t *testing.T) {
	statuses := []PhaseStatus{
		PhaseStatusPending,
		PhaseStatusGenerating,
		PhaseStatusCompleted,
		PhaseStatusFailed,
	}

	for _, status := range statuses {
		if status == "" {
			t.Errorf("empty status found")
		}
	}
}

func TestLastTaskID(t *testing.T) {
	initial := "task-initial"
	extended := "task-extended"

	g := &Generation{InitialTaskID: &initial}
	if got := g.LastTaskID(); got != initial {
		t.Errorf("expected initial task id, got %q", got)
	}

	g.ExtendedTaskID = &extended
	if got := g.LastTaskID(); got != extended {
		t.Errorf("expected extended task id, got %q", got)
	}

	empty := &Generation{}
	if got := empty.LastTaskID(); got != "" {
		t.Errorf("expected empty task id, got %q", got)
	}
}

func TestGenerationJSONShape(t *testing.T) {
	url := "https://example.com/ref.png"
	g := Generation{
		ID:                uuid.New(),
		UserID:            uuid.New(),
		ReferenceImageURL: &url,
		Model:             "veo3_fast",
		RequestedModel:    "sora2_pro_720",
		NumberOfScenes:    2,
		CurrentScene:      1,
		IsMultiScene:      true,
		InitialStatus:     PhaseStatusGenerating,
		ExtendedStatus:    PhaseStatusPending,
		FinalStatus:       PhaseStatusPending,
	}

	data, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if decoded["initial_video_status"] != "generating" {
		t.Errorf("expected initial_video_status=generating, got %v", decoded["initial_video_status"])
	}
	if decoded["current_scene"].(float64) != 1 {
		t.Errorf("expected current_scene=1, got %v", decoded["current_scene"])
	}
}
