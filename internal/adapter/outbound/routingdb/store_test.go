package routingdb

import (
	"context"
	"testing"
	"time"

	"github.com/maceip/acdp-gateway/internal/domain/routing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreFindMatchingRulePicksLongestMatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.UpsertRule(ctx, routing.RoutingRule{Pattern: "tools/call", TargetTransport: "a", Confidence: 0.5}); err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}
	if _, err := store.UpsertRule(ctx, routing.RoutingRule{Pattern: `"method":"tools/call"`, TargetTransport: "b", Confidence: 0.9}); err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}

	rule, ok, err := store.FindMatchingRule(ctx, `{"method":"tools/call","params":{"name":"search"}}`)
	if err != nil {
		t.Fatalf("FindMatchingRule: %v", err)
	}
	if !ok {
		t.Fatal("expected a match")
	}
	if rule.TargetTransport != "b" {
		t.Errorf("expected longest match rule, got transport %q", rule.TargetTransport)
	}
}

func TestStoreFindMatchingRuleNoRules(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, ok, err := store.FindMatchingRule(ctx, `{"method":"tools/call"}`)
	if err != nil {
		t.Fatalf("FindMatchingRule: %v", err)
	}
	if ok {
		t.Fatal("expected no match against an empty rules table")
	}
}

func TestStoreInsertAndUpdateOutcome(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	record := routing.PredictionRecord{
		ID:            "pred-1",
		Module:        "default",
		Context:       `{"method":"tools/call"}`,
		PredictedTool: "search",
		PredictionData: map[string]any{
			"reasoning": "matched on keyword",
		},
	}
	if err := store.Insert(ctx, record); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := store.UpdateOutcome(ctx, "pred-1", "search"); err != nil {
		t.Fatalf("UpdateOutcome: %v", err)
	}

	recent, err := store.RecentPredictions(ctx, "default", 10)
	if err != nil {
		t.Fatalf("RecentPredictions: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recent))
	}
	got := recent[0]
	if got.ContextHash == 0 {
		t.Error("expected ContextHash to be computed from Context")
	}
	if got.Correct == nil || !*got.Correct {
		t.Errorf("expected Correct=true, got %v", got.Correct)
	}
	if got.ActualTool == nil || *got.ActualTool != "search" {
		t.Errorf("expected ActualTool search, got %v", got.ActualTool)
	}
	if got.PredictionData["reasoning"] != "matched on keyword" {
		t.Errorf("expected prediction data preserved, got %v", got.PredictionData)
	}
}

func TestStoreUpdateOutcomeUnknownRecordIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.UpdateOutcome(ctx, "does-not-exist", "search"); err != nil {
		t.Fatalf("expected no error for unknown record, got %v", err)
	}
}

func TestStoreIterationHistoryAndCooldown(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now()
	if err := store.RecordIteration(ctx, routing.OptimizationIteration{
		Module:          "search_tool",
		Iteration:       1,
		OriginalPrompt:  "baseline",
		OptimizedPrompt: "improved",
		Timestamp:       now,
	}); err != nil {
		t.Fatalf("RecordIteration: %v", err)
	}

	lastRun, err := store.LastRun(ctx, "search_tool")
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if !lastRun.IsZero() {
		t.Fatal("expected zero time before any MarkRun call")
	}

	if err := store.MarkRun(ctx, "search_tool", now); err != nil {
		t.Fatalf("MarkRun: %v", err)
	}
	lastRun, err = store.LastRun(ctx, "search_tool")
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if lastRun.IsZero() {
		t.Fatal("expected a non-zero last run after MarkRun")
	}

	history, err := store.IterationHistory(ctx, "search_tool", 10)
	if err != nil {
		t.Fatalf("IterationHistory: %v", err)
	}
	if len(history) != 1 || history[0].OptimizedPrompt != "improved" {
		t.Errorf("unexpected history: %+v", history)
	}
}
