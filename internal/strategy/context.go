package strategy

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// StageContext is the job-scoped accumulation of the original input payload
// and every prior stage's normalized output. It is owned by the single
// worker running the job and discarded when the job ends.
type StageContext struct {
	Input   map[string]any
	outputs map[int]map[string]any
	applied []int
}

func NewStageContext(input map[string]any) *StageContext {
	if input == nil {
		input = map[string]any{}
	}
	return &StageContext{
		Input:   input,
		outputs: map[int]map[string]any{},
	}
}

// Apply records a stage's normalized output. Outputs are recorded in stage
// order by construction; re-applying a stage replaces its output.
func (sc *StageContext) Apply(stageID int, out map[string]any) {
	if _, seen := sc.outputs[stageID]; !seen {
		sc.applied = append(sc.applied, stageID)
		sort.Ints(sc.applied)
	}
	sc.outputs[stageID] = out
}

// Output returns the normalized output of a completed stage.
func (sc *StageContext) Output(stageID int) (map[string]any, bool) {
	out, ok := sc.outputs[stageID]
	return out, ok
}

// Completed lists the stage IDs applied so far, in stage order.
func (sc *StageContext) Completed() []int {
	out := make([]int, len(sc.applied))
	copy(out, sc.applied)
	return out
}

// InputBrief renders the original payload fields as prompt lines, bounded to
// maxLen bytes.
func (sc *StageContext) InputBrief(maxLen int) string {
	keys := make([]string, 0, len(sc.Input))
	for k := range sc.Input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		line := fmt.Sprintf("%s: %s", k, flattenValue(sc.Input[k]))
		if b.Len()+len(line)+1 > maxLen {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(line)
	}
	return b.String()
}

// CondensedSummary renders short summaries of every completed stage, bounded
// to maxLen bytes. Raw provider text never appears here.
func (sc *StageContext) CondensedSummary(maxLen int) string {
	var b strings.Builder
	for _, id := range sc.applied {
		st, ok := stageByID(id)
		if !ok {
			continue
		}
		line := summarizeStage(st, sc.outputs[id])
		if line == "" {
			continue
		}
		if b.Len()+len(line)+1 > maxLen {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(line)
	}
	return b.String()
}

func summarizeStage(st Stage, out map[string]any) string {
	if out == nil {
		return ""
	}
	spec, ok := stageSpecs[st.ID]
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(spec.Fields))
	for _, f := range spec.Fields {
		v, ok := out[f.Key]
		if !ok {
			continue
		}
		switch f.Kind {
		case kindString:
			s := strings.TrimSpace(fmt.Sprint(v))
			if s != "" {
				parts = append(parts, fmt.Sprintf("%s: %s", f.Key, clip(s, 160)))
			}
		case kindStringArray:
			items := toStringSlice(v)
			if len(items) > 0 {
				parts = append(parts, fmt.Sprintf("%s: %s", f.Key, clip(strings.Join(items, "; "), 240)))
			}
		case kindObjectArray:
			names := objectArrayLabels(v, f.WrapKey)
			if len(names) > 0 {
				parts = append(parts, fmt.Sprintf("%s: %s", f.Key, clip(strings.Join(names, "; "), 240)))
			}
		case kindObject:
			// Nested quadrants summarized by key counts only; their content
			// re-enters prompts via the owning section when relevant.
			sub, _ := v.(map[string]any)
			subParts := make([]string, 0, len(f.Sub))
			for _, sf := range f.Sub {
				items := toStringSlice(sub[sf.Key])
				if len(items) > 0 {
					subParts = append(subParts, fmt.Sprintf("%s: %s", sf.Key, clip(strings.Join(items, "; "), 120)))
				}
			}
			if len(subParts) > 0 {
				parts = append(parts, fmt.Sprintf("%s (%s)", f.Key, strings.Join(subParts, " | ")))
			}
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("[%s] %s", st.Name, strings.Join(parts, " | "))
}

func objectArrayLabels(v any, labelKey string) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		label := strings.TrimSpace(fmt.Sprint(m[labelKey]))
		if label != "" && label != "<nil>" {
			out = append(out, label)
		}
	}
	return out
}

func flattenValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, flattenValue(e))
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(t, ", ")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, flattenValue(t[k])))
		}
		return strings.Join(parts, ", ")
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Walk back to a rune boundary so the cut never splits a code point.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
