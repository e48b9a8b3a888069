package strategy

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestProgressForTruncates(t *testing.T) {
	want := map[int]int{
		StageConsolidate:            12,
		StageBaseStrategy:           25,
		StageStrategicInsights:      37,
		StageCompetitiveAnalysis:    50,
		StagePerformancePredictions: 62,
		StageImplementationRoadmap:  75,
		StageRiskAssessment:         87,
		StageCompile:                100,
	}
	for stageID, pct := range want {
		if got := ProgressFor(stageID); got != pct {
			t.Fatalf("ProgressFor(%d): want %d, got %d", stageID, pct, got)
		}
	}
	if got := ProgressFor(0); got != 0 {
		t.Fatalf("ProgressFor(0): want 0, got %d", got)
	}
}

func TestBuildPromptEmbedsContextAndPriorSummaries(t *testing.T) {
	sc := NewStageContext(map[string]any{
		"business_name":   "Juniper Coffee",
		"industry":        "Specialty coffee",
		"target_audience": "Urban commuters",
		"goals":           []any{"Grow local awareness", "Launch a subscription"},
	})
	sc.Apply(StageBaseStrategy, map[string]any{
		"positioning_statement": "The commuter's daily ritual.",
		"content_pillars":       []any{"Brew guides", "Origin stories", "Cafe culture"},
		"tone_of_voice":         "Warm",
		"posting_cadence":       "Daily",
	})

	st, _ := stageByID(StageCompetitiveAnalysis)
	system, user := BuildPrompt(st, sc, false)

	if system == "" {
		t.Fatalf("system prompt must not be empty")
	}
	if !strings.Contains(user, "Juniper Coffee") {
		t.Fatalf("user prompt must embed the business payload:\n%s", user)
	}
	if !strings.Contains(user, "The commuter's daily ritual.") {
		t.Fatalf("user prompt must embed prior stage summaries:\n%s", user)
	}
	if !strings.Contains(user, "competitor") {
		t.Fatalf("user prompt must carry the stage instruction:\n%s", user)
	}
}

func TestBuildPromptReducedShedsContext(t *testing.T) {
	goals := make([]any, 0, 60)
	for i := 0; i < 60; i++ {
		goals = append(goals, "Expand into one more neighborhood market area")
	}
	sc := NewStageContext(map[string]any{
		"business_name": "Juniper Coffee",
		"goals":         goals,
	})

	st, _ := stageByID(StageBaseStrategy)
	_, full := BuildPrompt(st, sc, false)
	_, reduced := BuildPrompt(st, sc, true)

	if len(reduced) >= len(full) {
		t.Fatalf("reduced prompt must be shorter: full=%d reduced=%d", len(full), len(reduced))
	}
}

func TestProviderSchemaDeclaresAllFields(t *testing.T) {
	for _, st := range Stages {
		schema := ProviderSchema(st.ID)
		if schema == nil {
			t.Fatalf("no provider schema for stage %s", st.Name)
		}
		props, ok := schema["properties"].(map[string]any)
		if !ok || len(props) == 0 {
			t.Fatalf("stage %s: schema has no properties", st.Name)
		}
		required, ok := schema["required"].([]string)
		if !ok || len(required) != len(props) {
			t.Fatalf("stage %s: every property must be required", st.Name)
		}
	}
}

func TestClipNeverSplitsRunes(t *testing.T) {
	if got := clip("short", 160); got != "short" {
		t.Fatalf("strings under the limit must pass through, got %q", got)
	}

	// A cut landing inside a multi-byte rune must back off to the boundary.
	if got := clip("üü", 3); got != "ü…" {
		t.Fatalf("clip(üü, 3): got %q", got)
	}

	long := strings.Repeat("日本語", 80)
	for n := 1; n <= 12; n++ {
		got := clip(long, n)
		if !utf8.ValidString(got) {
			t.Fatalf("clip(..., %d) produced invalid UTF-8: %q", n, got)
		}
	}
}
