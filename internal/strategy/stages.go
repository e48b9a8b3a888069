package strategy

import (
	"fmt"
	"strings"

	"github.com/contentpilot/strategy-backend/internal/types"
)

// Stage identifiers. The enumeration is canonical: every stage appears
// exactly once and progress is always derived from it.
const (
	StageConsolidate            = 1
	StageBaseStrategy           = 2
	StageStrategicInsights      = 3
	StageCompetitiveAnalysis    = 4
	StagePerformancePredictions = 5
	StageImplementationRoadmap  = 6
	StageRiskAssessment         = 7
	StageCompile                = 8
)

type Stage struct {
	ID      int
	Name    string
	Section string // canonical section this stage contributes to ("" = context only)
	Message string // completion message shown to pollers
}

var Stages = []Stage{
	{ID: StageConsolidate, Name: "consolidate", Section: "", Message: "Consolidated business context"},
	{ID: StageBaseStrategy, Name: "base_strategy", Section: SectionStrategicInsights, Message: "Defined base strategy"},
	{ID: StageStrategicInsights, Name: "strategic_insights", Section: SectionStrategicInsights, Message: "Generated strategic insights"},
	{ID: StageCompetitiveAnalysis, Name: "competitive_analysis", Section: SectionCompetitiveAnalysis, Message: "Analyzed competitive landscape"},
	{ID: StagePerformancePredictions, Name: "performance_predictions", Section: SectionPerformancePredictions, Message: "Predicted performance"},
	{ID: StageImplementationRoadmap, Name: "implementation_roadmap", Section: SectionImplementationRoadmap, Message: "Built implementation roadmap"},
	{ID: StageRiskAssessment, Name: "risk_assessment", Section: SectionRiskAssessment, Message: "Assessed risks"},
	{ID: StageCompile, Name: "compile", Section: SectionMetadata, Message: "Compiled strategy document"},
}

func stageByID(id int) (Stage, bool) {
	for _, s := range Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// ProgressFor maps a completed stage to its progress percentage. Stage n
// complete means n/8 of the work is done, truncated to an int.
func ProgressFor(stageID int) int {
	if stageID < 0 {
		return 0
	}
	if stageID > types.StageCount {
		stageID = types.StageCount
	}
	return stageID * 100 / types.StageCount
}

// Prompt budgets. The reduced budget is used on the final retry of a stage to
// shed context a struggling provider may be choking on.
const (
	promptContextBudget        = 6000
	promptContextBudgetReduced = 1500
)

const systemPrompt = "You are a content strategy consultant. You produce concise, specific, actionable output grounded strictly in the business context you are given. Keep every list between 3 and 5 items."

var stageInstructions = map[int]string{
	StageConsolidate:            "Condense the business context below into a short business summary, a short audience summary, and 3-5 concrete objectives.",
	StageBaseStrategy:           "Define the base content strategy: a one-sentence positioning statement, 3-5 content pillars, a tone of voice, and a posting cadence.",
	StageStrategicInsights:      "Produce strategic insights: a SWOT analysis (3-5 items per quadrant), a one-word-to-one-line growth potential assessment, and 3-5 content opportunities.",
	StageCompetitiveAnalysis:    "Analyze the competitive landscape: 3-5 likely competitors (name, strengths, weaknesses, content focus), 3-5 competitive advantages for this business, 3-5 market gaps, and a qualitative market size.",
	StagePerformancePredictions: "Predict performance of this strategy: expected reach, engagement rate, growth timeline, 3-5 key metrics to track, and a confidence level.",
	StageImplementationRoadmap:  "Build an implementation roadmap: 3-5 phases (name, duration, objectives, actions), 3-5 quick wins, and 3-5 long-term goals.",
	StageRiskAssessment:         "Assess risks of this strategy: 3-5 risks (description, severity, mitigation), an overall risk level, and 3-5 contingency plans.",
	StageCompile:                "Write a 2-3 sentence executive summary of the full strategy below.",
}

// BuildPrompt assembles the system and user prompts for one stage attempt.
// The user prompt embeds the original payload fields relevant to the stage
// plus condensed summaries of prior stage outputs, never raw provider text.
func BuildPrompt(st Stage, sc *StageContext, reduced bool) (string, string) {
	budget := promptContextBudget
	if reduced {
		budget = promptContextBudgetReduced
	}

	var b strings.Builder
	b.WriteString("Business context:\n")
	b.WriteString(sc.InputBrief(budget))

	if prior := sc.CondensedSummary(budget); prior != "" {
		b.WriteString("\n\nStrategy so far:\n")
		b.WriteString(prior)
	}

	instr, ok := stageInstructions[st.ID]
	if !ok {
		instr = fmt.Sprintf("Produce the %s output.", st.Name)
	}
	b.WriteString("\n\n")
	b.WriteString(instr)

	return systemPrompt, b.String()
}

// SchemaName is the json_schema name sent to the provider for a stage.
func SchemaName(st Stage) string {
	return "strategy_" + st.Name
}
