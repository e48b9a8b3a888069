package strategy

import (
	"sort"
	"time"
)

// Compile assembles the canonical six-section strategy document from the
// normalized stage outputs. Inputs are already canonical, so compilation is
// deterministic: same outputs, same document.
func Compile(sc *StageContext, results map[int]*StageResult, model, summary string, generatedAt time.Time) map[string]any {
	doc := PartialDocument(sc)

	degraded := map[string]bool{}
	var warnings []string
	for _, id := range sc.Completed() {
		res, ok := results[id]
		if !ok {
			continue
		}
		warnings = append(warnings, res.Warnings...)
		st, ok := stageByID(id)
		if !ok || st.Section == "" || st.Section == SectionMetadata {
			continue
		}
		if res.Degraded {
			degraded[st.Section] = true
		}
	}
	degradedSections := make([]string, 0, len(degraded))
	for s := range degraded {
		degradedSections = append(degradedSections, s)
	}
	sort.Strings(degradedSections)
	if warnings == nil {
		warnings = []string{}
	}

	doc[SectionMetadata] = map[string]any{
		"generated_at":      generatedAt.UTC().Format(time.RFC3339),
		"model":             model,
		"schema_version":    SchemaVersion,
		"degraded_sections": toAnySlice(degradedSections),
		"warnings":          toAnySlice(warnings),
		"summary":           summary,
	}
	return doc
}

// PartialDocument renders the sections whose contributing stages have
// completed so far. Pollers see it grow one section at a time; metadata is
// only present on the final document.
func PartialDocument(sc *StageContext) map[string]any {
	doc := map[string]any{}

	if base, ok := sc.Output(StageBaseStrategy); ok {
		insights := deepCopyMap(base)
		if extra, ok := sc.Output(StageStrategicInsights); ok {
			for k, v := range deepCopyMap(extra) {
				insights[k] = v
			}
		}
		doc[SectionStrategicInsights] = insights
	}

	for _, pair := range []struct {
		stageID int
		section string
	}{
		{StageCompetitiveAnalysis, SectionCompetitiveAnalysis},
		{StagePerformancePredictions, SectionPerformancePredictions},
		{StageImplementationRoadmap, SectionImplementationRoadmap},
		{StageRiskAssessment, SectionRiskAssessment},
	} {
		if out, ok := sc.Output(pair.stageID); ok {
			doc[pair.section] = deepCopyMap(out)
		}
	}
	return doc
}
