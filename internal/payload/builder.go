// Package payload maps a generation request and its staged assets onto the
// document a backend mode expects.
package payload

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"golang.org/x/text/unicode/norm"

	"portrait/internal/domain"
)

// QueuedPasses is how many internal passes the queued worker runs; the step
// count is replicated once per pass.
const QueuedPasses = 4

// maxSeed keeps seeds inside the range the engine's samplers accept.
const maxSeed = 1 << 50

// SlotFill decides how selfies are spread over a graph's image slots.
type SlotFill int

const (
	// FillRoundRobin cycles through every selfie: [A,B] -> [A,B,A,B].
	FillRoundRobin SlotFill = iota
	// FillRepeatFirst places selfies in order and pads with the first:
	// [A,B] -> [A,B,A,A].
	FillRepeatFirst
)

// Options configures a Builder.
type Options struct {
	SlotFill SlotFill
	// Seed returns a fresh sampler seed. Defaults to a random value per call.
	Seed func() int64
}

// Builder produces backend payloads. It performs no I/O.
type Builder struct {
	fill SlotFill
	seed func() int64
}

// NewBuilder constructs a Builder.
func NewBuilder(opts Options) *Builder {
	seed := opts.Seed
	if seed == nil {
		seed = func() int64 { return rand.Int64N(maxSeed) }
	}
	return &Builder{fill: opts.SlotFill, seed: seed}
}

// Build returns the payload for mode. A nil template selects the random
// composition.
func (b *Builder) Build(req domain.GenerationRequest, template *domain.StagedAsset, selfies []domain.StagedAsset, mode domain.Mode) (domain.JobPayload, error) {
	if len(selfies) == 0 {
		return domain.JobPayload{}, domain.NewError(domain.KindInvalidRequest, "build", "", errors.New("at least one selfie is required"))
	}
	variant := VariantRandom
	if template != nil {
		variant = VariantTemplated
	}
	switch mode {
	case domain.ModeQueued:
		return domain.JobPayload{Mode: mode, Variant: variant, Queued: b.queued(req, template, selfies)}, nil
	case domain.ModeStreamed:
		graph, err := b.graph(req, template, selfies, variant)
		if err != nil {
			return domain.JobPayload{}, err
		}
		return domain.JobPayload{Mode: mode, Variant: variant, Graph: graph}, nil
	default:
		return domain.JobPayload{}, domain.NewError(domain.KindInvalidRequest, "build", string(mode), errors.New("unknown backend mode"))
	}
}

func (b *Builder) queued(req domain.GenerationRequest, template *domain.StagedAsset, selfies []domain.StagedAsset) *domain.QueuedInput {
	in := &domain.QueuedInput{
		SelfieImages:   make([]string, 0, len(selfies)),
		PositivePrompt: NormalizePrompt(req.Prompt),
		NegativePrompt: NormalizePrompt(req.NegativePrompt),
		Steps:          make([]int, QueuedPasses),
		IPWeight:       req.Resemblance,
		CNStrength:     req.PoseStrength,
	}
	if template != nil {
		in.TemplateImage = template.BackendRef()
	}
	for _, s := range selfies {
		in.SelfieImages = append(in.SelfieImages, s.BackendRef())
	}
	for i := range in.Steps {
		in.Steps[i] = req.Steps
	}
	return in
}

func (b *Builder) graph(req domain.GenerationRequest, template *domain.StagedAsset, selfies []domain.StagedAsset, variant string) (domain.Graph, error) {
	templates, err := loadTemplates()
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, "build", variant, err)
	}
	g, err := templates[variant].Clone()
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, "build", variant, err)
	}
	m := manifests[variant]

	set := func(node, input string, value any) {
		if err != nil {
			return
		}
		n, ok := g[node]
		if !ok || n.Inputs == nil {
			err = domain.NewError(domain.KindInternal, "build", variant, fmt.Errorf("graph has no node %s", node))
			return
		}
		n.Inputs[input] = value
	}

	if m.template != "" {
		set(m.template, "image", template.BackendRef())
	}
	for i, ref := range b.fillSlots(selfies, len(m.images)) {
		set(m.images[i], "image", ref)
	}
	for _, node := range m.seeds {
		set(node, "seed", b.seed())
	}
	set(m.steps, "steps", req.Steps)
	appendPrompt(g, m.positive, req.Prompt, set)
	appendPrompt(g, m.negative, req.NegativePrompt, set)
	for _, node := range m.weights {
		set(node, "weight", req.Resemblance)
	}
	for _, node := range m.poses {
		set(node, "strength", req.PoseStrength)
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// fillSlots assigns one selfie reference per slot. Selfies beyond the slot
// count are ignored.
func (b *Builder) fillSlots(selfies []domain.StagedAsset, slots int) []string {
	out := make([]string, slots)
	for i := range out {
		idx := i % len(selfies)
		if b.fill == FillRepeatFirst && i >= len(selfies) {
			idx = 0
		}
		out[i] = selfies[idx].BackendRef()
	}
	return out
}

// appendPrompt keeps the template's base style text and adds the caller's
// prompt in parentheses.
func appendPrompt(g domain.Graph, node, prompt string, set func(node, input string, value any)) {
	prompt = NormalizePrompt(prompt)
	if prompt == "" {
		return
	}
	n, ok := g[node]
	if !ok {
		set(node, "text", nil)
		return
	}
	base, _ := n.Inputs["text"].(string)
	set(node, "text", base+" ("+prompt+")")
}

// NormalizePrompt composes unicode to NFC and collapses runs of whitespace.
func NormalizePrompt(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}
