package routing

import "testing"

func TestPredictionRecordMarkOutcomeCorrect(t *testing.T) {
	r := PredictionRecord{PredictedTool: "search"}
	r.MarkOutcome("search")
	if r.Correct == nil || !*r.Correct {
		t.Fatalf("expected Correct=true, got %v", r.Correct)
	}
	if r.ActualTool == nil || *r.ActualTool != "search" {
		t.Fatalf("expected ActualTool=search, got %v", r.ActualTool)
	}
}

func TestPredictionRecordMarkOutcomeIncorrect(t *testing.T) {
	r := PredictionRecord{PredictedTool: "search"}
	r.MarkOutcome("fetch")
	if r.Correct == nil || *r.Correct {
		t.Fatalf("expected Correct=false, got %v", r.Correct)
	}
}

func TestExtractToolNameFromNameField(t *testing.T) {
	if got := ExtractToolName(map[string]any{"name": "search"}); got != "search" {
		t.Errorf("expected search, got %q", got)
	}
}

func TestExtractToolNameFromArgumentsArray(t *testing.T) {
	params := map[string]any{
		"arguments": []any{
			map[string]any{"name": "fetch"},
		},
	}
	if got := ExtractToolName(params); got != "fetch" {
		t.Errorf("expected fetch, got %q", got)
	}
}

func TestExtractToolNameEmpty(t *testing.T) {
	if got := ExtractToolName(nil); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
	if got := ExtractToolName(map[string]any{"other": "field"}); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}
