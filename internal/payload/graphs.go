package payload

import (
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"portrait/internal/domain"
)

const (
	VariantTemplated = "templated"
	VariantRandom    = "random"
)

//go:embed graphs/*.json
var graphFS embed.FS

// manifest names the node inputs a build overwrites in a graph template. The
// random variant has no pose input, so it lists no poses.
type manifest struct {
	file     string
	template string
	images   []string
	seeds    []string
	steps    string
	positive string
	negative string
	weights  []string
	poses    []string
}

var manifests = map[string]manifest{
	VariantTemplated: {
		file:     "graphs/templated.json",
		template: "4",
		images:   []string{"5", "6", "7", "8"},
		seeds:    []string{"18"},
		steps:    "18",
		positive: "2",
		negative: "3",
		weights:  []string{"13"},
		poses:    []string{"16"},
	},
	VariantRandom: {
		file:     "graphs/random.json",
		images:   []string{"5", "6", "7", "8"},
		seeds:    []string{"18"},
		steps:    "18",
		positive: "2",
		negative: "3",
		weights:  []string{"13"},
	},
}

var loadTemplates = sync.OnceValues(func() (map[string]domain.Graph, error) {
	out := make(map[string]domain.Graph, len(manifests))
	for variant, m := range manifests {
		raw, err := graphFS.ReadFile(m.file)
		if err != nil {
			return nil, fmt.Errorf("payload: read %s: %w", m.file, err)
		}
		var g domain.Graph
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("payload: decode %s: %w", m.file, err)
		}
		out[variant] = g
	}
	return out, nil
})

// SlotCount reports how many selfie slots the variant's graph exposes.
func SlotCount(variant string) int {
	return len(manifests[variant].images)
}
