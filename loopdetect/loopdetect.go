/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Classifies a prompt/response pair against a short ring
             of recent history: exact duplicate, near duplicate, or
             oscillating A-B-A-B pattern.
Root Cause:  Sprint task T046 — loop detector (AgentWall governance
             core, C3).
Context:     Invoked twice per request: pre-upstream with an empty
             response, post-upstream with the real one. The current
             prompt must not be in the ring when the pre-check runs.
Suitability: L2 model for a pure classification function.
──────────────────────────────────────────────────────────────
*/

package loopdetect

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
)

// LoopType identifies which rule matched.
type LoopType string

const (
	LoopNone            LoopType = ""
	LoopExactPrompt      LoopType = "exact_prompt"
	LoopExactResponse    LoopType = "exact_response"
	LoopSimilarPrompt    LoopType = "similar_prompt"
	LoopOscillation      LoopType = "oscillation"
)

// DefaultSimilarityThreshold is the Jaccard threshold used when the
// caller does not configure one.
const DefaultSimilarityThreshold = 0.95

// Result is the outcome of one classification.
type Result struct {
	IsLoop     bool
	Confidence float64
	Type       LoopType
	Message    string
}

// Detector classifies prompt/response pairs against recent history.
// It holds no state of its own: the ring is supplied by the caller
// (the Run record), so the same Detector can serve every run.
type Detector struct {
	SimilarityThreshold float64
}

// New builds a Detector with the default similarity threshold.
func New() *Detector {
	return &Detector{SimilarityThreshold: DefaultSimilarityThreshold}
}

// Check implements the decision precedence: exact prompt match, then
// exact response match, then Jaccard similarity over the last three
// ring entries, then 4-element oscillation, else not a loop. recentPrompts
// and recentResponses must NOT include the current step — see the
// package doc comment on ring ordering.
func (d *Detector) Check(currentPrompt, currentResponse string, recentPrompts, recentResponses []string) Result {
	threshold := d.SimilarityThreshold
	if threshold == 0 {
		threshold = DefaultSimilarityThreshold
	}

	if len(recentPrompts) == 0 {
		return Result{IsLoop: false, Type: LoopNone}
	}

	curPromptHash := hashText(currentPrompt)
	for i, p := range recentPrompts {
		if hashText(p) == curPromptHash {
			return Result{
				IsLoop:     true,
				Confidence: 1.0,
				Type:       LoopExactPrompt,
				Message:    stepsAgoMessage("identical prompt", len(recentPrompts)-i),
			}
		}
	}

	if currentResponse != "" {
		curRespHash := hashText(currentResponse)
		for i, r := range recentResponses {
			if r != "" && hashText(r) == curRespHash {
				return Result{
					IsLoop:     true,
					Confidence: 1.0,
					Type:       LoopExactResponse,
					Message:    stepsAgoMessage("identical response", len(recentResponses)-i),
				}
			}
		}
	}

	window := lastN(recentPrompts, 3)
	bestSim := 0.0
	for _, p := range window {
		sim := jaccard(currentPrompt, p)
		if sim > bestSim {
			bestSim = sim
		}
	}
	if bestSim >= threshold {
		return Result{
			IsLoop:     true,
			Confidence: bestSim,
			Type:       LoopSimilarPrompt,
			Message:    "prompt is highly similar to a recent step",
		}
	}

	if len(recentPrompts) >= 3 {
		seq := append(append([]string{}, recentPrompts...), currentPrompt)
		last4 := lastN(seq, 4)
		if len(last4) == 4 {
			h := make([]string, 4)
			for i, p := range last4 {
				h[i] = hashText(p)
			}
			if h[0] == h[2] && h[1] == h[3] && h[0] != h[1] {
				return Result{
					IsLoop:     true,
					Confidence: 0.9,
					Type:       LoopOscillation,
					Message:    "prompts are oscillating between two alternatives",
				}
			}
		}
	}

	return Result{IsLoop: false, Type: LoopNone}
}

func hashText(s string) string {
	normalized := strings.ToLower(strings.TrimSpace(s))
	sum := md5.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// jaccard computes word-set similarity: |A ∩ B| / |A ∪ B| over
// whitespace-tokenized lowercase words. Symmetric; 0 if either set is
// empty.
func jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func lastN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func stepsAgoMessage(what string, stepsAgo int) string {
	if stepsAgo == 1 {
		return what + " at the previous step"
	}
	return what + " " + strconv.Itoa(stepsAgo) + " steps ago"
}
