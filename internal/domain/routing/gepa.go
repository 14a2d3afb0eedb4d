package routing

import (
	"fmt"
	"strings"
	"time"
)

// GEPA window/threshold constants, fixed to the numbers spec.md §4.6
// requires rather than left operator-configurable: a window needs at
// least 40 predictions (20 recent + 20 previous) before the loop acts,
// it goes quiet once recent accuracy reaches 85%, and it won't re-fire
// for the same module inside 15 minutes of its last run.
const (
	MinWindowSize    = 20
	MinWindowTotal   = MinWindowSize * 2
	TriggerAccuracy  = 0.85
	Cooldown         = 15 * time.Minute
	ImprovementStep  = 0.10
	ImprovementCap   = 0.95
	maxFailureReasons = 5
)

// OptimizationIteration is one GEPA prompt-rewrite, persisted so later
// iterations can build on the previous baseline prompt.
type OptimizationIteration struct {
	Module              string
	Iteration           int
	OriginalPrompt      string
	OptimizedPrompt     string
	ExpectedImprovement float64
	ActualImprovement   *float64
	Reasoning           string
	Timestamp           time.Time
}

// ComputeAccuracy returns the fraction of records with a known outcome
// that were correct. Returns ok=false if no record in the slice has been
// resolved yet.
func ComputeAccuracy(records []PredictionRecord) (accuracy float64, ok bool) {
	var counted, correct int
	for _, r := range records {
		if r.Correct == nil {
			continue
		}
		counted++
		if *r.Correct {
			correct++
		}
	}
	if counted == 0 {
		return 0, false
	}
	return float64(correct) / float64(counted), true
}

// CollectFailureReasons extracts the reasoning strings attached to
// mispredicted records, in encounter order.
func CollectFailureReasons(records []PredictionRecord) []string {
	var reasons []string
	for _, r := range records {
		if r.Correct == nil || *r.Correct {
			continue
		}
		if reason, ok := r.PredictionData["reasoning"].(string); ok && reason != "" {
			reasons = append(reasons, reason)
		}
	}
	return reasons
}

// ShouldOptimize decides, from a window of the most recent predictions
// for a module (freshest first) and the time of that module's last GEPA
// run, whether a new optimization iteration should run now.
func ShouldOptimize(window []PredictionRecord, lastRun time.Time, now time.Time) bool {
	if len(window) < MinWindowTotal {
		return false
	}
	recent := window[:MinWindowSize]
	if acc, ok := ComputeAccuracy(recent); ok && acc >= TriggerAccuracy {
		return false
	}
	if !lastRun.IsZero() && now.Sub(lastRun) < Cooldown {
		return false
	}
	return true
}

// SynthesizePrompt builds the next iteration's prompt from a baseline,
// the failure-reasoning strings observed in the recent window, and the
// recent accuracy (if any record has a known outcome yet).
func SynthesizePrompt(module, baseline string, failures []string, recentAccuracy float64, haveAccuracy bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Optimized prompt for %s\n", module)
	b.WriteString(baseline)
	b.WriteString("\n\nGuidance:\n")

	if len(failures) == 0 {
		b.WriteString("- Emphasize validating MCP arguments and prefer deterministic routing rules.\n")
	} else {
		n := len(failures)
		if n > maxFailureReasons {
			n = maxFailureReasons
		}
		for _, f := range failures[:n] {
			fmt.Fprintf(&b, "- Address failure: %s\n", f)
		}
	}

	if haveAccuracy {
		target := recentAccuracy + ImprovementStep
		if target > ImprovementCap {
			target = ImprovementCap
		}
		fmt.Fprintf(&b, "- Current accuracy %.1f%%; aim to exceed %.1f%%.\n", recentAccuracy*100, target*100)
	}

	return b.String()
}

// NextIteration builds the OptimizationIteration record for a module
// given its GEPA history (most recent first) and the current window's
// recent/previous accuracy split.
func NextIteration(module string, history []OptimizationIteration, recentWindow, previousWindow []PredictionRecord, now time.Time) OptimizationIteration {
	var baseline string
	iteration := 1
	if len(history) > 0 {
		baseline = history[0].OptimizedPrompt
		iteration = history[0].Iteration + 1
	} else {
		baseline = fmt.Sprintf("Default prompt for %s", module)
	}

	recentAcc, haveRecent := ComputeAccuracy(recentWindow)
	previousAcc, havePrevious := ComputeAccuracy(previousWindow)
	failures := CollectFailureReasons(recentWindow)

	expected := 0.1
	if haveRecent {
		expected = clamp(1.0-recentAcc, 0, 0.5)
	}

	var actual *float64
	if haveRecent && havePrevious {
		delta := recentAcc - previousAcc
		actual = &delta
	}

	acc := 0.0
	if haveRecent {
		acc = recentAcc
	}
	reasoning := fmt.Sprintf(
		"Recent accuracy %.1f%% with %d tracked failures. Updated prompt emphasizes remediation for the most common mistakes.",
		acc*100, len(failures),
	)

	return OptimizationIteration{
		Module:              module,
		Iteration:           iteration,
		OriginalPrompt:      baseline,
		OptimizedPrompt:     SynthesizePrompt(module, baseline, failures, recentAcc, haveRecent),
		ExpectedImprovement: expected,
		ActualImprovement:   actual,
		Reasoning:           reasoning,
		Timestamp:           now,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
