package domain

import "encoding/json"

// QueuedInput is the body of a queued-mode submission.
type QueuedInput struct {
	TemplateImage  string   `json:"template_image,omitempty"`
	SelfieImages   []string `json:"selfie_images"`
	PositivePrompt string   `json:"positive_prompt"`
	NegativePrompt string   `json:"negative_prompt"`
	Steps          []int    `json:"steps"`
	IPWeight       float64  `json:"ip_weight"`
	CNStrength     float64  `json:"cn_strength"`
}

// GraphNode is one node of an execution-engine graph.
type GraphNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Graph is an execution-engine prompt keyed by node id.
type Graph map[string]*GraphNode

// Clone returns a deep copy so templates are never mutated in place.
func (g Graph) Clone() (Graph, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	var out Graph
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// JobPayload is the backend-specific document built for one request. Exactly
// one of Queued or Graph is set, matching Mode.
type JobPayload struct {
	Mode    Mode
	Variant string
	Queued  *QueuedInput
	Graph   Graph
}
