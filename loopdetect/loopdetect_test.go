package loopdetect

import "testing"

func TestCheckEmptyHistoryIsNotLoop(t *testing.T) {
	d := New()
	res := d.Check("hello", "", nil, nil)
	if res.IsLoop {
		t.Fatalf("expected no loop with empty history")
	}
}

func TestCheckExactPromptDuplicate(t *testing.T) {
	d := New()
	res := d.Check("What is 2+2?", "", []string{"What is 2+2?"}, []string{""})
	if !res.IsLoop || res.Type != LoopExactPrompt || res.Confidence != 1.0 {
		t.Fatalf("expected exact_prompt loop with confidence 1.0, got %+v", res)
	}
}

func TestCheckExactPromptIsCaseAndWhitespaceNormalized(t *testing.T) {
	d := New()
	res := d.Check("  WHAT IS 2+2?  ", "", []string{"what is 2+2?"}, []string{""})
	if !res.IsLoop || res.Type != LoopExactPrompt {
		t.Fatalf("expected normalized exact match, got %+v", res)
	}
}

func TestCheckExactResponseDuplicate(t *testing.T) {
	d := New()
	res := d.Check("different prompt entirely", "same answer", []string{"another prompt"}, []string{"same answer"})
	if !res.IsLoop || res.Type != LoopExactResponse {
		t.Fatalf("expected exact_response loop, got %+v", res)
	}
}

func TestCheckExactResponseSkippedWhenCurrentEmpty(t *testing.T) {
	d := New()
	// Pre-check call: current response is empty, must not match ring responses.
	res := d.Check("a fresh prompt", "", []string{"another prompt"}, []string{""})
	if res.IsLoop {
		t.Fatalf("pre-check with empty response must never trigger exact_response, got %+v", res)
	}
}

func TestCheckSimilarPrompt(t *testing.T) {
	d := New()
	res := d.Check(
		"please summarize the quarterly report for the board",
		"",
		[]string{"please summarize the quarterly report for the boardroom"},
		[]string{""},
	)
	if !res.IsLoop || res.Type != LoopSimilarPrompt {
		t.Fatalf("expected similar_prompt loop, got %+v", res)
	}
	if res.Confidence < DefaultSimilarityThreshold {
		t.Fatalf("confidence must be >= threshold, got %f", res.Confidence)
	}
}

func TestCheckOscillation(t *testing.T) {
	d := New()
	// history: A, B, A ; current: B -> last 4 = A,B,A,B
	res := d.Check("B", "", []string{"A", "B", "A"}, []string{"", "", ""})
	if !res.IsLoop || res.Type != LoopOscillation {
		t.Fatalf("expected oscillation loop, got %+v", res)
	}
	if res.Confidence != 0.9 {
		t.Fatalf("expected confidence 0.9, got %f", res.Confidence)
	}
}

func TestCheckOscillationRequiresThreeHistoryEntries(t *testing.T) {
	d := New()
	// Only 2 history entries: oscillation check must not fire.
	res := d.Check("B", "", []string{"A", "B"}, []string{"", ""})
	if res.IsLoop && res.Type == LoopOscillation {
		t.Fatalf("oscillation must require >= 3 ring entries before the current step")
	}
}

func TestCheckNoPatternMatch(t *testing.T) {
	d := New()
	res := d.Check("a completely novel prompt about whales", "", []string{"an unrelated topic about trains"}, []string{"ok"})
	if res.IsLoop {
		t.Fatalf("expected no loop, got %+v", res)
	}
}

func TestJaccardSymmetricAndBounded(t *testing.T) {
	a := "the quick brown fox jumps"
	b := "the quick brown fox sleeps"
	ab := jaccard(a, b)
	ba := jaccard(b, a)
	if ab != ba {
		t.Fatalf("jaccard must be symmetric: ab=%f ba=%f", ab, ba)
	}
	if ab < 0 || ab > 1 {
		t.Fatalf("jaccard must be in [0,1], got %f", ab)
	}
}

func TestJaccardEmptyIsZero(t *testing.T) {
	if jaccard("", "something") != 0 {
		t.Fatalf("empty set must yield zero similarity")
	}
}
