package strategy

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

var (
	defaultsOnce   sync.Once
	defaultsByName map[string]map[string]any
)

func loadDefaults() {
	defaultsOnce.Do(func() {
		var raw map[string]map[string]any
		if err := yaml.Unmarshal(defaultsYAML, &raw); err != nil {
			// The file is embedded and covered by tests; failing loudly at
			// first use beats generating documents with missing fields.
			panic(fmt.Sprintf("strategy: parse defaults.yaml: %v", err))
		}
		defaultsByName = raw
	})
}

// DefaultsFor returns a deep copy of the neutral fallback output for a stage.
// Callers may mutate the returned map freely.
func DefaultsFor(stageID int) map[string]any {
	loadDefaults()
	st, ok := stageByID(stageID)
	if !ok {
		return map[string]any{}
	}
	base, ok := defaultsByName[st.Name]
	if !ok {
		return map[string]any{}
	}
	return deepCopyMap(base)
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = deepCopyValue(e)
		}
		return cp
	default:
		return v
	}
}

// defaultForField resolves the default value for one top-level field of a
// stage's output.
func defaultForField(stageID int, key string) any {
	d := DefaultsFor(stageID)
	return d[key]
}
