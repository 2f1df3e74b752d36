package intent

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nidhogg/nuka-skills/internal/skill"
)

// Defaults for natural language matching.
const (
	DefaultThreshold       = 0.78
	DefaultAmbiguityMargin = 0.1
)

const (
	weightKey         = 0.5
	weightDisplayName = 0.35
	weightOperation   = 0.2
	weightActionName  = 0.2
	weightDescToken   = 0.04

	codeBlockConfidence = 0.95
)

var (
	slashRe     = regexp.MustCompile(`(?s)^/skill\s+([a-zA-Z0-9_-]+)(?::([a-zA-Z0-9_-]+))?\s*(.*)$`)
	codeBlockRe = regexp.MustCompile("(?is)```skill\\s*(.*?)```")
	nonWordRe   = regexp.MustCompile(`[^A-Za-z0-9_\x{4e00}-\x{9fa5}]+`)
)

// Options tunes a Parser.
type Options struct {
	Threshold       float64
	AmbiguityMargin float64
	Links           []LinkPattern
}

// Input is one parse request.
type Input struct {
	Text     string
	Composer map[string]any
	Catalog  []skill.CatalogItem
	// TraceID is generated when empty.
	TraceID string
}

// Parser turns user input into an Intent. It is safe for concurrent use and
// never returns an error: malformed input yields a failed or ignored intent.
type Parser struct {
	threshold float64
	margin    float64
	links     []LinkPattern
}

// NewParser creates a Parser. Zero options fall back to the defaults.
func NewParser(opts Options) *Parser {
	p := &Parser{threshold: opts.Threshold, margin: opts.AmbiguityMargin, links: opts.Links}
	if p.threshold <= 0 {
		p.threshold = DefaultThreshold
	}
	if p.margin <= 0 {
		p.margin = DefaultAmbiguityMargin
	}
	if p.links == nil {
		p.links = DefaultLinkPatterns()
	}
	return p
}

// Parse tries each strategy in priority order and returns the first result.
func (p *Parser) Parse(in Input) *Intent {
	traceID := in.TraceID
	if traceID == "" {
		traceID = uuid.Must(uuid.NewV7()).String()
	}
	text := strings.TrimSpace(in.Text)

	if it := p.parseComposer(in.Composer, in.Catalog, traceID); it != nil {
		return it
	}
	if it := p.parseSlash(text, in.Catalog, traceID); it != nil {
		return it
	}
	if it := p.parseCodeBlock(text, in.Catalog, traceID); it != nil {
		return it
	}
	if it := p.parseLinks(text, in.Catalog, traceID); it != nil {
		return it
	}
	if text != "" {
		return p.parseNaturalLanguage(text, in.Catalog, traceID)
	}
	return &Intent{Status: StatusIgnored, Source: SourceNone, TraceID: traceID, Warnings: []string{}}
}

func failed(source Source, traceID string, warning string) *Intent {
	return &Intent{Status: StatusFailed, Source: source, Confidence: 1, TraceID: traceID, Warnings: []string{warning}}
}

func matched(action *skill.Action, args map[string]any, source Source, confidence float64, traceID string, warnings []string) *Intent {
	if warnings == nil {
		warnings = []string{}
	}
	return &Intent{
		Matched:    true,
		Status:     StatusParsed,
		SkillKey:   action.SkillKey,
		Operation:  action.Operation,
		Args:       args,
		Source:     source,
		Confidence: confidence,
		TraceID:    traceID,
		Warnings:   warnings,
		Execution:  executionFor(action, args),
	}
}

func executionFor(action *skill.Action, args map[string]any) *Execution {
	input := make(map[string]any, len(action.Run.InputTemplate)+len(args))
	for k, v := range action.Run.InputTemplate {
		input[k] = v
	}
	for k, v := range args {
		input[k] = v
	}
	return &Execution{AgentID: action.Run.AgentID, Operation: action.Run.Operation, Input: input}
}

func (p *Parser) parseComposer(composer map[string]any, catalog []skill.CatalogItem, traceID string) *Intent {
	if composer == nil {
		return nil
	}
	raw, present := composer["skillActionId"]
	if !present || raw == nil {
		return nil
	}
	actionID, ok := raw.(string)
	if !ok {
		return failed(SourceComposer, traceID, "skillActionId must be a string")
	}
	actionID = strings.TrimSpace(actionID)
	if actionID == "" {
		return nil
	}

	action := findActionByID(catalog, actionID)
	if action == nil {
		return failed(SourceComposer, traceID, "Unknown skillActionId: "+actionID)
	}
	args, ok := rawInputs(composer["rawInputs"])
	var warnings []string
	if !ok {
		warnings = append(warnings, "rawInputs must be an object, ignored")
	}
	return matched(action, args, SourceComposer, 1, traceID, warnings)
}

func (p *Parser) parseSlash(text string, catalog []skill.CatalogItem, traceID string) *Intent {
	m := slashRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	skillKey, operation, payload := m[1], m[2], strings.TrimSpace(m[3])

	action := findAction(catalog, skillKey, operation)
	if action == nil {
		it := failed(SourceSlash, traceID, "Skill or operation not found: "+qualified(skillKey, operation))
		it.SkillKey, it.Operation = skillKey, operation
		return it
	}
	args := ParsePayload(payload)
	var warnings []string
	if payload != "" && len(args) == 0 {
		warnings = append(warnings, "Failed to parse slash payload, fallback to empty args")
	}
	return matched(action, args, SourceSlash, 1, traceID, warnings)
}

func (p *Parser) parseCodeBlock(text string, catalog []skill.CatalogItem, traceID string) *Intent {
	m := codeBlockRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	body := strings.TrimSpace(m[1])
	if body == "" {
		return failed(SourceCodeBlock, traceID, "Empty skill codeblock payload")
	}

	parsed := ParsePayload(body)
	skillKey, _ := parsed["skillKey"].(string)
	if skillKey == "" {
		skillKey, _ = parsed["skill"].(string)
	}
	operation, _ := parsed["operation"].(string)
	if skillKey == "" {
		return failed(SourceCodeBlock, traceID, "skillKey is required in skill codeblock")
	}

	action := findAction(catalog, skillKey, operation)
	if action == nil {
		it := failed(SourceCodeBlock, traceID, "Skill or operation not found: "+qualified(skillKey, operation))
		it.SkillKey, it.Operation = skillKey, operation
		return it
	}

	args, ok := parsed["args"].(map[string]any)
	if !ok {
		args = make(map[string]any, len(parsed))
		for k, v := range parsed {
			switch k {
			case "skill", "skillKey", "operation":
				continue
			}
			args[k] = v
		}
	}
	return matched(action, args, SourceCodeBlock, codeBlockConfidence, traceID, nil)
}

func (p *Parser) parseLinks(text string, catalog []skill.CatalogItem, traceID string) *Intent {
	if text == "" {
		return nil
	}
	for _, lp := range p.links {
		url := lp.Pattern.FindString(text)
		if url == "" {
			continue
		}
		action := findAction(catalog, lp.SkillKey, lp.Operation)
		if action == nil {
			continue
		}
		args := map[string]any{lp.URLArg: strings.TrimSpace(url)}
		if lp.Extra != nil {
			for k, v := range lp.Extra(text) {
				args[k] = v
			}
		}
		return matched(action, args, SourceLink, 1, traceID, nil)
	}
	return nil
}

type scored struct {
	action     *skill.Action
	confidence float64
}

func (p *Parser) parseNaturalLanguage(text string, catalog []skill.CatalogItem, traceID string) *Intent {
	normalized := normalize(text)
	var candidates []scored
	for i := range catalog {
		item := &catalog[i]
		for j := range item.Actions {
			action := &item.Actions[j]
			score := scoreAction(normalized, item, action)
			if score > 0 {
				candidates = append(candidates, scored{action: action, confidence: score})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].confidence > candidates[j].confidence })

	if len(candidates) == 0 || candidates[0].confidence < p.threshold {
		it := &Intent{Status: StatusIgnored, Source: SourceNaturalLanguage, TraceID: traceID, Warnings: []string{}}
		if len(candidates) > 0 {
			it.Confidence = candidates[0].confidence
		}
		return it
	}

	top := candidates[0]
	if len(candidates) > 1 && round2(top.confidence-candidates[1].confidence) < p.margin {
		second := candidates[1]
		return &Intent{
			Status:     StatusAwaitingSelection,
			Source:     SourceNaturalLanguage,
			Confidence: top.confidence,
			TraceID:    traceID,
			Warnings:   []string{"Ambiguous skill intent, user selection required"},
			Candidates: []Candidate{candidateOf(top), candidateOf(second)},
		}
	}

	if top.action.RiskLevel != "" && top.action.RiskLevel != skill.RiskLow {
		return &Intent{
			Status:     StatusAwaitingSelection,
			Source:     SourceNaturalLanguage,
			Confidence: top.confidence,
			TraceID:    traceID,
			Warnings:   []string{"Explicit command is required for medium/high risk skill actions"},
			Candidates: []Candidate{candidateOf(top)},
		}
	}

	return matched(top.action, map[string]any{}, SourceNaturalLanguage, top.confidence, traceID, nil)
}

func scoreAction(text string, item *skill.CatalogItem, action *skill.Action) float64 {
	var score float64
	if k := normalize(item.Key); k != "" && strings.Contains(text, k) {
		score += weightKey
	}
	if d := normalize(item.DisplayName); d != "" && strings.Contains(text, d) {
		score += weightDisplayName
	}
	if o := normalize(action.Operation); o != "" && strings.Contains(text, o) {
		score += weightOperation
	}
	if n := normalize(action.Name); n != "" && strings.Contains(text, n) {
		score += weightActionName
	}
	if action.Description != "" {
		for _, tok := range strings.Fields(normalize(action.Description)) {
			if utf8.RuneCountInString(tok) >= 2 && strings.Contains(text, tok) {
				score += weightDescToken
			}
		}
	}
	return round2(math.Min(1, score))
}

func candidateOf(s scored) Candidate {
	return Candidate{SkillKey: s.action.SkillKey, Operation: s.action.Operation, Confidence: s.confidence}
}

func normalize(s string) string {
	return strings.TrimSpace(nonWordRe.ReplaceAllString(strings.ToLower(s), " "))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func qualified(skillKey, operation string) string {
	if operation == "" {
		return skillKey
	}
	return fmt.Sprintf("%s:%s", skillKey, operation)
}

func findActionByID(catalog []skill.CatalogItem, id string) *skill.Action {
	for i := range catalog {
		for j := range catalog[i].Actions {
			if catalog[i].Actions[j].ID == id {
				return &catalog[i].Actions[j]
			}
		}
	}
	return nil
}

// findAction returns the named operation of a skill, or its first action
// when operation is empty.
func findAction(catalog []skill.CatalogItem, skillKey, operation string) *skill.Action {
	for i := range catalog {
		if catalog[i].Key != skillKey {
			continue
		}
		actions := catalog[i].Actions
		if operation == "" {
			if len(actions) == 0 {
				return nil
			}
			return &actions[0]
		}
		for j := range actions {
			if actions[j].Operation == operation {
				return &actions[j]
			}
		}
		return nil
	}
	return nil
}
