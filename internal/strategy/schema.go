package strategy

// Canonical section keys of the compiled strategy document.
const (
	SectionStrategicInsights      = "strategic_insights"
	SectionCompetitiveAnalysis    = "competitive_analysis"
	SectionPerformancePredictions = "performance_predictions"
	SectionImplementationRoadmap  = "implementation_roadmap"
	SectionRiskAssessment         = "risk_assessment"
	SectionMetadata               = "metadata"
)

const SchemaVersion = 1

// Canonical arrays are kept between these bounds so the dashboard renders a
// stable layout regardless of how verbose the provider was.
const (
	ArrayMin = 3
	ArrayMax = 5
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindStringArray
	kindObject
	kindObjectArray
)

type fieldSpec struct {
	Key  string
	Kind fieldKind
	// Sub holds nested fields for kindObject, or item fields for
	// kindObjectArray.
	Sub []fieldSpec
	// WrapKey is the item field a loose string is classified into for
	// kindObjectArray (e.g. a bare "competitor X" line becomes {name: ...}).
	WrapKey string
	// ItemDefaults fills missing fields of individual kindObjectArray items.
	ItemDefaults map[string]any
}

// classRule routes loose text items into a canonical bucket by keyword.
// Target is a dot path into the stage output ("swot.threats").
type classRule struct {
	Keywords []string
	Target   string
}

type stageSpec struct {
	Fields   []fieldSpec
	Rules    []classRule
	CatchAll string
}

var stageSpecs = map[int]stageSpec{
	StageConsolidate: {
		Fields: []fieldSpec{
			{Key: "business_summary", Kind: kindString},
			{Key: "audience_summary", Kind: kindString},
			{Key: "objectives", Kind: kindStringArray},
		},
		CatchAll: "objectives",
	},
	StageBaseStrategy: {
		Fields: []fieldSpec{
			{Key: "positioning_statement", Kind: kindString},
			{Key: "content_pillars", Kind: kindStringArray},
			{Key: "tone_of_voice", Kind: kindString},
			{Key: "posting_cadence", Kind: kindString},
		},
		Rules: []classRule{
			{Keywords: []string{"pillar", "theme", "topic"}, Target: "content_pillars"},
		},
		CatchAll: "content_pillars",
	},
	StageStrategicInsights: {
		Fields: []fieldSpec{
			{Key: "swot", Kind: kindObject, Sub: []fieldSpec{
				{Key: "strengths", Kind: kindStringArray},
				{Key: "weaknesses", Kind: kindStringArray},
				{Key: "opportunities", Kind: kindStringArray},
				{Key: "threats", Kind: kindStringArray},
			}},
			{Key: "growth_potential", Kind: kindString},
			{Key: "content_opportunities", Kind: kindStringArray},
		},
		Rules: []classRule{
			{Keywords: []string{"opportunity", "opportunities"}, Target: "content_opportunities"},
			{Keywords: []string{"strength", "advantage"}, Target: "swot.strengths"},
			{Keywords: []string{"weakness", "lacking"}, Target: "swot.weaknesses"},
			{Keywords: []string{"risk", "threat"}, Target: "swot.threats"},
		},
		CatchAll: "content_opportunities",
	},
	StageCompetitiveAnalysis: {
		Fields: []fieldSpec{
			{Key: "competitors", Kind: kindObjectArray, WrapKey: "name", Sub: []fieldSpec{
				{Key: "name", Kind: kindString},
				{Key: "strengths", Kind: kindStringArray},
				{Key: "weaknesses", Kind: kindStringArray},
				{Key: "content_focus", Kind: kindString},
			}, ItemDefaults: map[string]any{
				"name":          "Unnamed competitor",
				"strengths":     []any{"Established presence"},
				"weaknesses":    []any{"Less differentiated"},
				"content_focus": "General content",
			}},
			{Key: "competitive_advantages", Kind: kindStringArray},
			{Key: "market_gaps", Kind: kindStringArray},
			{Key: "market_size", Kind: kindString},
		},
		Rules: []classRule{
			{Keywords: []string{"competitor", "rival"}, Target: "competitors"},
			{Keywords: []string{"strength", "advantage"}, Target: "competitive_advantages"},
			{Keywords: []string{"gap", "underserved", "unmet"}, Target: "market_gaps"},
		},
		CatchAll: "competitive_advantages",
	},
	StagePerformancePredictions: {
		Fields: []fieldSpec{
			{Key: "expected_reach", Kind: kindString},
			{Key: "engagement_rate", Kind: kindString},
			{Key: "growth_timeline", Kind: kindString},
			{Key: "key_metrics", Kind: kindStringArray},
			{Key: "confidence", Kind: kindString},
		},
		Rules: []classRule{
			{Keywords: []string{"metric", "kpi", "reach", "engagement", "follower"}, Target: "key_metrics"},
		},
		CatchAll: "key_metrics",
	},
	StageImplementationRoadmap: {
		Fields: []fieldSpec{
			{Key: "phases", Kind: kindObjectArray, WrapKey: "name", Sub: []fieldSpec{
				{Key: "name", Kind: kindString},
				{Key: "duration", Kind: kindString},
				{Key: "objectives", Kind: kindStringArray},
				{Key: "actions", Kind: kindStringArray},
			}, ItemDefaults: map[string]any{
				"name":       "Unnamed phase",
				"duration":   "4 weeks",
				"objectives": []any{"Maintain momentum"},
				"actions":    []any{"Continue the established cadence"},
			}},
			{Key: "quick_wins", Kind: kindStringArray},
			{Key: "long_term_goals", Kind: kindStringArray},
		},
		Rules: []classRule{
			{Keywords: []string{"phase", "week", "month"}, Target: "phases"},
			{Keywords: []string{"quick", "immediately", "today"}, Target: "quick_wins"},
			{Keywords: []string{"long-term", "long term", "eventually", "goal"}, Target: "long_term_goals"},
		},
		CatchAll: "quick_wins",
	},
	StageRiskAssessment: {
		Fields: []fieldSpec{
			{Key: "risks", Kind: kindObjectArray, WrapKey: "description", Sub: []fieldSpec{
				{Key: "description", Kind: kindString},
				{Key: "severity", Kind: kindString},
				{Key: "mitigation", Kind: kindString},
			}, ItemDefaults: map[string]any{
				"description": "Unspecified risk",
				"severity":    "Medium",
				"mitigation":  "Monitor and adjust the plan",
			}},
			{Key: "overall_risk_level", Kind: kindString},
			{Key: "contingency_plans", Kind: kindStringArray},
		},
		Rules: []classRule{
			{Keywords: []string{"risk", "threat", "danger"}, Target: "risks"},
			{Keywords: []string{"contingency", "backup", "fallback", "plan b"}, Target: "contingency_plans"},
		},
		CatchAll: "risks",
	},
	StageCompile: {
		Fields: []fieldSpec{
			{Key: "summary", Kind: kindString},
		},
		CatchAll: "summary",
	},
}

// ProviderSchema builds the json_schema payload sent with structured-output
// requests for one stage.
func ProviderSchema(stageID int) map[string]any {
	spec, ok := stageSpecs[stageID]
	if !ok {
		return nil
	}
	return objectSchema(spec.Fields)
}

func objectSchema(fields []fieldSpec) map[string]any {
	props := map[string]any{}
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		props[f.Key] = fieldSchema(f)
		required = append(required, f.Key)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func fieldSchema(f fieldSpec) map[string]any {
	switch f.Kind {
	case kindStringArray:
		return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	case kindObject:
		return objectSchema(f.Sub)
	case kindObjectArray:
		return map[string]any{"type": "array", "items": objectSchema(f.Sub)}
	default:
		return map[string]any{"type": "string"}
	}
}
