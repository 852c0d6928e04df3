// Package guardrail screens user input before it reaches the model. A
// pipeline of independent detectors scores the input; the maximum score,
// scaled by sensitivity, decides whether the run is blocked.
package guardrail

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/loomworks/loom/config"
)

// RefusalMessage is the synthetic response returned for blocked input.
const RefusalMessage = "I can't help with that request."

// blockThreshold is the threat level above which input is blocked even
// outside strict mode.
const blockThreshold = 0.5

// ============================================================================
// RESULT MODEL
// ============================================================================

// DetectorResult is one detector's verdict.
type DetectorResult struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason,omitempty"`
}

// Result is the pipeline verdict for one input.
type Result struct {
	Blocked   bool             `json:"blocked"`
	Threat    float64          `json:"threat"`
	Detectors []DetectorResult `json:"detectors,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// Detector scores one input in [0,1].
type Detector interface {
	Name() string
	Inspect(input string) DetectorResult
}

// ============================================================================
// GUARDRAIL
// ============================================================================

// Guardrail runs the detector pipeline with allow/block list short-circuits.
type Guardrail struct {
	cfg       *config.GuardrailConfig
	detectors []Detector
	allowlist []*regexp.Regexp
	blocklist []*regexp.Regexp
}

func flagEnabled(b *bool) bool {
	return b == nil || *b
}

// New compiles the configured lists and assembles the detector pipeline.
func New(cfg *config.GuardrailConfig) (*Guardrail, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Guardrail{cfg: cfg}
	for _, pattern := range cfg.AllowlistPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("allowlist pattern %q: %w", pattern, err)
		}
		g.allowlist = append(g.allowlist, re)
	}
	for _, pattern := range cfg.BlocklistPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("blocklist pattern %q: %w", pattern, err)
		}
		g.blocklist = append(g.blocklist, re)
	}

	if flagEnabled(cfg.EnablePatternDetection) {
		g.detectors = append(g.detectors, patternDetector{})
	}
	if flagEnabled(cfg.EnableHeuristicDetection) {
		g.detectors = append(g.detectors, heuristicDetector{})
	}
	if flagEnabled(cfg.EnableEncodingDetection) {
		g.detectors = append(g.detectors, encodingDetector{})
	}
	if flagEnabled(cfg.EnableEntropyDetection) {
		g.detectors = append(g.detectors, entropyDetector{})
	}
	if flagEnabled(cfg.EnableSequentialDetection) {
		g.detectors = append(g.detectors, sequentialDetector{})
	}
	// The length check is a hard limit, always on.
	g.detectors = append(g.detectors, lengthDetector{max: cfg.MaxInputLength})

	return g, nil
}

// Check screens one input. It never errors: a disabled guardrail simply
// passes everything through.
func (g *Guardrail) Check(input string) *Result {
	if !g.cfg.Enabled {
		return &Result{}
	}

	for _, re := range g.allowlist {
		if re.MatchString(input) {
			return &Result{Threat: 0, Reason: "allowlisted"}
		}
	}
	for _, re := range g.blocklist {
		if re.MatchString(input) {
			return &Result{
				Blocked: true,
				Threat:  1,
				Reason:  "blocklisted",
				Detectors: []DetectorResult{
					{Name: "blocklist", Score: 1, Reason: "matched " + re.String()},
				},
			}
		}
	}

	result := &Result{}
	top := DetectorResult{}
	for _, d := range g.detectors {
		dr := d.Inspect(input)
		if dr.Score > 0 {
			result.Detectors = append(result.Detectors, dr)
		}
		if dr.Score > top.Score {
			top = dr
		}
	}

	result.Threat = math.Min(1, top.Score*g.cfg.Sensitivity)
	if top.Score > 0 {
		result.Reason = top.Name + ": " + top.Reason
	}
	result.Blocked = (g.cfg.StrictMode && result.Threat > 0) || result.Threat > blockThreshold
	return result
}

// ============================================================================
// LENGTH DETECTOR
// ============================================================================

type lengthDetector struct {
	max int
}

func (d lengthDetector) Name() string { return "length" }

func (d lengthDetector) Inspect(input string) DetectorResult {
	if d.max > 0 && len(input) > d.max {
		return DetectorResult{
			Name:   d.Name(),
			Score:  1,
			Reason: fmt.Sprintf("input_too_long: %d bytes exceeds limit %d", len(input), d.max),
		}
	}
	return DetectorResult{Name: d.Name()}
}

// ============================================================================
// ENCODING DETECTOR
// ============================================================================

var (
	base64RunPattern = regexp.MustCompile(`[A-Za-z0-9+/]{24,}={0,2}`)
	hexRunPattern    = regexp.MustCompile(`(?:0x)?[0-9a-fA-F]{16,}`)
)

type encodingDetector struct{}

func (d encodingDetector) Name() string { return "encoding" }

// Inspect flags input dominated by base64 or hex runs, which usually means
// the payload is hiding from the text-level detectors.
func (d encodingDetector) Inspect(input string) DetectorResult {
	if len(input) == 0 {
		return DetectorResult{Name: d.Name()}
	}
	encoded := 0
	for _, loc := range base64RunPattern.FindAllStringIndex(input, -1) {
		encoded += loc[1] - loc[0]
	}
	for _, loc := range hexRunPattern.FindAllStringIndex(input, -1) {
		encoded += loc[1] - loc[0]
	}
	fraction := float64(encoded) / float64(len(input))
	if fraction <= 0.3 {
		return DetectorResult{Name: d.Name()}
	}
	return DetectorResult{
		Name:   d.Name(),
		Score:  math.Min(1, 0.5+fraction/2),
		Reason: fmt.Sprintf("encoded fraction %.2f of input", fraction),
	}
}

// ============================================================================
// ENTROPY DETECTOR
// ============================================================================

const (
	entropyWindow    = 64
	entropyStep      = 32
	entropyThreshold = 4.5
)

type entropyDetector struct{}

func (d entropyDetector) Name() string { return "entropy" }

// Inspect slides 64-byte windows over the input and flags any window whose
// Shannon entropy exceeds 4.5 bits per byte. Natural language sits around
// 4.0-4.3; random or encoded payloads score well above.
func (d entropyDetector) Inspect(input string) DetectorResult {
	if len(input) < entropyWindow {
		return DetectorResult{Name: d.Name()}
	}
	maxEntropy := 0.0
	for start := 0; start+entropyWindow <= len(input); start += entropyStep {
		e := shannonEntropy(input[start : start+entropyWindow])
		if e > maxEntropy {
			maxEntropy = e
		}
	}
	if maxEntropy <= entropyThreshold {
		return DetectorResult{Name: d.Name()}
	}
	return DetectorResult{
		Name:   d.Name(),
		Score:  math.Min(1, 0.6+(maxEntropy-entropyThreshold)/3),
		Reason: fmt.Sprintf("window entropy %.2f bits exceeds %.1f", maxEntropy, entropyThreshold),
	}
}

func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	n := float64(len(s))
	entropy := 0.0
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// ============================================================================
// HEURISTIC DETECTOR
// ============================================================================

var (
	roleTagPattern   = regexp.MustCompile(`(?i)(<\s*/?\s*(system|assistant|user)\s*>|\[\s*(system|assistant)\s*\]|\{\{\s*system\s*\}\})`)
	rolePrefixInline = regexp.MustCompile(`(?im)^\s*(system|assistant)\s*:`)
	delimiterRun     = regexp.MustCompile("(```|~~~|={5,}|-{5,}|#{3,})")
)

var imperativeVerbs = []string{
	"ignore", "disregard", "forget", "override", "bypass",
	"reveal", "print", "output", "repeat", "execute",
}

type heuristicDetector struct{}

func (d heuristicDetector) Name() string { return "heuristic" }

// Inspect looks for structural tells: embedded role tags, walls of
// delimiters, and unusually long imperative sentences.
func (d heuristicDetector) Inspect(input string) DetectorResult {
	score := 0.0
	reason := ""

	if roleTagPattern.MatchString(input) {
		score, reason = 0.7, "embedded role tags"
	} else if rolePrefixInline.MatchString(input) {
		score, reason = 0.5, "inline role prefix"
	}

	if hits := delimiterRun.FindAllString(input, -1); len(hits) > 3 && score < 0.4 {
		score, reason = 0.4, fmt.Sprintf("%d delimiter runs", len(hits))
	}

	if s, r := longImperative(input); s > score {
		score, reason = s, r
	}

	if score == 0 {
		return DetectorResult{Name: d.Name()}
	}
	return DetectorResult{Name: d.Name(), Score: score, Reason: reason}
}

func longImperative(input string) (float64, string) {
	for _, sentence := range strings.FieldsFunc(input, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	}) {
		trimmed := strings.TrimSpace(sentence)
		if len(trimmed) < 200 {
			continue
		}
		first := strings.ToLower(strings.SplitN(trimmed, " ", 2)[0])
		for _, verb := range imperativeVerbs {
			if first == verb {
				return 0.5, fmt.Sprintf("imperative sentence of %d chars", len(trimmed))
			}
		}
	}
	return 0, ""
}
