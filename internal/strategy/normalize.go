package strategy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// StageResult is the per-stage record the orchestrator keeps: the raw
// provider output (diagnostics only), the canonical output every later
// component sees, and how the two relate.
type StageResult struct {
	StageID    int
	Raw        any
	Normalized map[string]any
	Degraded   bool
	Warnings   []string
}

// Normalize reshapes arbitrary raw provider output for one stage into the
// stage's canonical structure. It is deterministic and idempotent, and it
// never fails: unrecognizable input yields the stage's full defaults with
// degraded=true and a warning describing the parse failure.
func Normalize(stageID int, raw any) (map[string]any, []string, bool) {
	spec, ok := stageSpecs[stageID]
	if !ok {
		return map[string]any{}, []string{fmt.Sprintf("unknown stage %d", stageID)}, true
	}

	obj, list, parsed := parseRaw(raw)
	if !parsed {
		return DefaultsFor(stageID), []string{
			"provider output was not parseable as JSON or a list of items; using stage defaults",
		}, true
	}

	var warnings []string
	if obj == nil {
		obj = classify(list, spec)
		warnings = append(warnings, fmt.Sprintf("provider returned an unstructured list; classified %d items by keyword", len(list)))
	}

	out, ws, contributed := coerceObject(stageID, spec.Fields, obj, "")
	warnings = append(warnings, ws...)

	degraded := !contributed
	if degraded {
		warnings = append(warnings, "no usable provider content; stage output is entirely defaults")
	}
	return out, warnings, degraded
}

// parseRaw turns raw provider output into either a structured object or a
// flat list of text items.
func parseRaw(raw any) (map[string]any, []string, bool) {
	switch t := raw.(type) {
	case map[string]any:
		return t, nil, true
	case []any:
		items := anySliceToStrings(t)
		if len(items) == 0 {
			return nil, nil, false
		}
		return nil, items, true
	case []string:
		items := dropEmpty(t)
		if len(items) == 0 {
			return nil, nil, false
		}
		return nil, items, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil, false
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			return obj, nil, true
		}
		var arr []any
		if err := json.Unmarshal([]byte(s), &arr); err == nil {
			items := anySliceToStrings(arr)
			if len(items) == 0 {
				return nil, nil, false
			}
			return nil, items, true
		}
		items := splitTextItems(s)
		if len(items) == 0 {
			return nil, nil, false
		}
		return nil, items, true
	default:
		return nil, nil, false
	}
}

// splitTextItems breaks loose text into list items, stripping common bullet
// and numbering prefixes. A single unbroken sentence is one item.
func splitTextItems(s string) []string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*•")
		line = stripOrdinalPrefix(line)
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func stripOrdinalPrefix(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) {
		return s
	}
	if s[i] == '.' || s[i] == ')' {
		return s[i+1:]
	}
	return s
}

// classify distributes loose text items into the stage's canonical buckets
// by keyword, falling back to the stage's catch-all bucket.
func classify(items []string, spec stageSpec) map[string]any {
	obj := map[string]any{}
	for _, item := range items {
		low := strings.ToLower(item)
		target := spec.CatchAll
		for _, r := range spec.Rules {
			if containsAny(low, r.Keywords) {
				target = r.Target
				break
			}
		}
		addAtPath(obj, spec.Fields, target, item)
	}
	return obj
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// addAtPath appends a classified item at a dot path, respecting the target
// field's kind: string fields take the first item only, array fields append.
func addAtPath(obj map[string]any, fields []fieldSpec, path string, item string) {
	parts := strings.Split(path, ".")
	cur := obj
	curFields := fields
	for i, part := range parts {
		var spec *fieldSpec
		for j := range curFields {
			if curFields[j].Key == part {
				spec = &curFields[j]
				break
			}
		}
		if spec == nil {
			return
		}
		last := i == len(parts)-1
		if !last {
			next, ok := cur[part].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[part] = next
			}
			cur = next
			curFields = spec.Sub
			continue
		}
		switch spec.Kind {
		case kindString:
			if _, exists := cur[part]; !exists {
				cur[part] = item
			}
		default:
			arr, _ := cur[part].([]any)
			cur[part] = append(arr, any(item))
		}
	}
}

// coerceObject walks the declared fields in order and coerces, bounds, and
// defaults each one. Unknown keys are dropped. The returned bool reports
// whether any value came from the provider rather than from defaults.
func coerceObject(stageID int, fields []fieldSpec, obj map[string]any, pathPrefix string) (map[string]any, []string, bool) {
	out := make(map[string]any, len(fields))
	var warnings []string
	contributed := false

	for _, f := range fields {
		path := f.Key
		if pathPrefix != "" {
			path = pathPrefix + "." + f.Key
		}
		switch f.Kind {
		case kindString:
			s := stringify(obj[f.Key])
			if s == "" {
				out[f.Key] = defaultString(stageID, path)
				warnings = append(warnings, fmt.Sprintf("%s missing; using default", path))
			} else {
				out[f.Key] = s
				contributed = true
			}
		case kindStringArray:
			items := toStringSlice(obj[f.Key])
			if len(items) > 0 {
				contributed = true
			}
			bounded, ws := boundStringArray(items, defaultStrings(stageID, path), path)
			warnings = append(warnings, ws...)
			out[f.Key] = toAnySlice(bounded)
		case kindObject:
			sub, _ := obj[f.Key].(map[string]any)
			if sub == nil {
				sub = map[string]any{}
			}
			coerced, ws, c := coerceObject(stageID, f.Sub, sub, path)
			warnings = append(warnings, ws...)
			contributed = contributed || c
			out[f.Key] = coerced
		case kindObjectArray:
			coerced, ws, c := coerceObjectArray(stageID, f, obj[f.Key], path)
			warnings = append(warnings, ws...)
			contributed = contributed || c
			out[f.Key] = coerced
		}
	}
	return out, warnings, contributed
}

func coerceObjectArray(stageID int, f fieldSpec, v any, path string) ([]any, []string, bool) {
	var warnings []string
	contributed := false

	raw, _ := v.([]any)
	items := make([]any, 0, len(raw))
	seen := map[string]bool{}
	for _, e := range raw {
		var item map[string]any
		switch t := e.(type) {
		case map[string]any:
			item = t
		case string:
			s := strings.TrimSpace(t)
			if s == "" {
				continue
			}
			item = map[string]any{f.WrapKey: s}
		default:
			continue
		}
		coerced := coerceItem(f, item)
		label := strings.ToLower(stringify(coerced[f.WrapKey]))
		if label != "" && seen[label] {
			continue
		}
		seen[label] = true
		items = append(items, coerced)
		contributed = true
	}

	if len(items) > ArrayMax {
		items = items[:ArrayMax]
		warnings = append(warnings, fmt.Sprintf("%s truncated to %d items", path, ArrayMax))
	}
	if len(items) < ArrayMin {
		defaults, _ := defaultForField(stageID, f.Key).([]any)
		padded := false
		for _, d := range defaults {
			if len(items) >= ArrayMin {
				break
			}
			dm, ok := d.(map[string]any)
			if !ok {
				continue
			}
			label := strings.ToLower(stringify(dm[f.WrapKey]))
			if label != "" && seen[label] {
				continue
			}
			seen[label] = true
			items = append(items, coerceItem(f, deepCopyMap(dm)))
			padded = true
		}
		if padded {
			warnings = append(warnings, fmt.Sprintf("%s padded to %d items from defaults", path, ArrayMin))
		}
	}
	return items, warnings, contributed
}

// coerceItem fills one object-array item: declared fields only, missing
// values taken from the field's item defaults.
func coerceItem(f fieldSpec, item map[string]any) map[string]any {
	out := make(map[string]any, len(f.Sub))
	for _, sf := range f.Sub {
		switch sf.Kind {
		case kindStringArray:
			items := toStringSlice(item[sf.Key])
			if len(items) == 0 {
				items = toStringSlice(f.ItemDefaults[sf.Key])
			}
			if len(items) > ArrayMax {
				items = items[:ArrayMax]
			}
			out[sf.Key] = toAnySlice(items)
		default:
			s := stringify(item[sf.Key])
			if s == "" {
				s = stringify(f.ItemDefaults[sf.Key])
			}
			out[sf.Key] = s
		}
	}
	return out
}

func boundStringArray(items []string, defaults []string, path string) ([]string, []string) {
	var warnings []string
	if len(items) > ArrayMax {
		items = items[:ArrayMax]
		warnings = append(warnings, fmt.Sprintf("%s truncated to %d items", path, ArrayMax))
	}
	if len(items) < ArrayMin {
		seen := map[string]bool{}
		for _, it := range items {
			seen[strings.ToLower(it)] = true
		}
		padded := false
		for _, d := range defaults {
			if len(items) >= ArrayMin {
				break
			}
			if seen[strings.ToLower(d)] {
				continue
			}
			seen[strings.ToLower(d)] = true
			items = append(items, d)
			padded = true
		}
		if padded {
			warnings = append(warnings, fmt.Sprintf("%s padded to %d items from defaults", path, ArrayMin))
		}
	}
	return items, warnings
}

// ---- defaults lookup ----

func defaultAtPath(stageID int, path string) any {
	var cur any = DefaultsFor(stageID)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func defaultString(stageID int, path string) string {
	return stringify(defaultAtPath(stageID, path))
}

func defaultStrings(stageID int, path string) []string {
	return toStringSlice(defaultAtPath(stageID, path))
}

// ---- value coercion helpers ----

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := anySliceToStrings(t)
		return strings.Join(parts, "; ")
	case []string:
		return strings.Join(dropEmpty(t), "; ")
	case map[string]any:
		return flattenValue(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// toStringSlice stringifies, trims, drops empties, and dedupes
// (case-insensitively, keeping first occurrence).
func toStringSlice(v any) []string {
	var raw []string
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		raw = anySliceToStrings(t)
	case []string:
		raw = dropEmpty(t)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		raw = []string{s}
	default:
		s := stringify(v)
		if s == "" {
			return nil
		}
		raw = []string{s}
	}
	out := make([]string, 0, len(raw))
	seen := map[string]bool{}
	for _, s := range raw {
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func anySliceToStrings(in []any) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		s := stringify(e)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func dropEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
