package guardrail

import (
	"math"
	"regexp"
	"strings"
)

// ============================================================================
// PATTERN DETECTOR
// ============================================================================

// patternRule is one entry in the embedded ruleset.
type patternRule struct {
	category string
	re       *regexp.Regexp
	score    float64
}

var patternRules = []patternRule{
	// Instruction override.
	{"instruction_override", regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\b.{0,30}\b(previous|prior|above|earlier|all)\b.{0,30}\b(instructions?|prompts?|rules?|directives?)`), 0.9},
	{"instruction_override", regexp.MustCompile(`(?i)\bforget\s+(everything|all)\b`), 0.8},
	{"instruction_override", regexp.MustCompile(`(?i)\boverride\b.{0,30}\b(instructions?|settings?|configuration|safety)`), 0.8},
	{"instruction_override", regexp.MustCompile(`(?i)\bnew\s+instructions?\s*:\s*`), 0.7},

	// Jailbreak.
	{"jailbreak", regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`), 0.9},
	{"jailbreak", regexp.MustCompile(`(?i)\bDAN\s+mode\b`), 0.9},
	{"jailbreak", regexp.MustCompile(`(?i)\bjailbreak`), 0.9},
	{"jailbreak", regexp.MustCompile(`(?i)\bdeveloper\s+mode\b`), 0.8},
	{"jailbreak", regexp.MustCompile(`(?i)\b(no|without)\s+(restrictions?|limitations?|filters?|guardrails?)\b`), 0.7},
	{"jailbreak", regexp.MustCompile(`(?i)\bbypass\b.{0,30}\b(safety|filters?|guardrails?|restrictions?)`), 0.9},

	// System prompt extraction.
	{"prompt_extraction", regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output|display|tell me)\b.{0,40}\b(system\s+prompt|initial\s+instructions?|hidden\s+instructions?|original\s+prompt)`), 0.9},
	{"prompt_extraction", regexp.MustCompile(`(?i)\bwhat\s+(are|were)\s+your\s+(instructions?|rules|prompts?)\b`), 0.7},

	// Role manipulation.
	{"role_manipulation", regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the|in)\b`), 0.7},
	{"role_manipulation", regexp.MustCompile(`(?i)\bact\s+as\s+(if\s+you\s+(have|had)\s+no|an?\s+unrestricted)`), 0.8},
	{"role_manipulation", regexp.MustCompile(`(?i)\bpretend\s+(to\s+be|you\s+are|that\s+you)\b`), 0.6},
	{"role_manipulation", regexp.MustCompile(`(?i)\broleplay\s+as\b`), 0.6},
}

type patternDetector struct{}

func (d patternDetector) Name() string { return "pattern" }

// Inspect matches the input against the embedded ruleset and reports the
// highest-scoring category.
func (d patternDetector) Inspect(input string) DetectorResult {
	best := DetectorResult{Name: d.Name()}
	for _, rule := range patternRules {
		if rule.score <= best.Score {
			continue
		}
		if rule.re.MatchString(input) {
			best.Score = rule.score
			best.Reason = rule.category
		}
	}
	return best
}

// ============================================================================
// SEQUENTIAL-ATTACK DETECTOR
// ============================================================================

// knownFragments are word sequences from recurring attack phrasings. The
// detector matches them loosely so word insertion or reordering does not
// evade the pattern rules.
var knownFragments = [][]string{
	{"ignore", "previous", "instructions"},
	{"disregard", "your", "guidelines"},
	{"reveal", "system", "prompt"},
	{"you", "have", "no", "restrictions"},
	{"do", "anything", "now"},
	{"bypass", "your", "safety", "rules"},
	{"pretend", "you", "have", "no", "rules"},
}

type sequentialDetector struct{}

func (d sequentialDetector) Name() string { return "sequential" }

// Inspect slides a window of twice the fragment length over the input
// tokens and flags windows containing most of a known fragment's words.
func (d sequentialDetector) Inspect(input string) DetectorResult {
	words := tokenize(input)
	if len(words) == 0 {
		return DetectorResult{Name: d.Name()}
	}

	best := DetectorResult{Name: d.Name()}
	for _, fragment := range knownFragments {
		window := len(fragment) * 2
		if window > len(words) {
			window = len(words)
		}
		for start := 0; start+1 <= len(words); start += 1 {
			end := start + window
			if end > len(words) {
				end = len(words)
			}
			similarity := overlap(fragment, words[start:end])
			if similarity >= 0.8 {
				score := 0.4 + 0.4*similarity
				if score > best.Score {
					best.Score = math.Min(1, score)
					best.Reason = "resembles known attack fragment: " + strings.Join(fragment, " ")
				}
			}
			if end == len(words) {
				break
			}
		}
	}
	return best
}

func tokenize(input string) []string {
	fields := strings.FieldsFunc(strings.ToLower(input), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	return fields
}

// overlap returns the fraction of fragment words present in the window.
func overlap(fragment, window []string) float64 {
	if len(fragment) == 0 {
		return 0
	}
	present := make(map[string]bool, len(window))
	for _, w := range window {
		present[w] = true
	}
	hits := 0
	for _, w := range fragment {
		if present[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(fragment))
}
