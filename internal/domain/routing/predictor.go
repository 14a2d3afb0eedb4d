package routing

import "context"

// ToolPredictor predicts which tool a serialized message context is
// likely to invoke. Concrete implementations wrap an on-device LLM; when
// none is configured HeuristicPredictor provides a low-confidence
// fallback so the pipeline still functions.
type ToolPredictor interface {
	Predict(ctx context.Context, msgContext string) (ToolPrediction, error)
}

// HeuristicPredictor is the fallback used when no semantic model is
// wired in. It never blocks the pipeline: it always predicts the empty
// tool at a confidence below any realistic threshold, so routing always
// falls through to pass-through behavior.
type HeuristicPredictor struct{}

// Predict implements ToolPredictor.
func (HeuristicPredictor) Predict(ctx context.Context, msgContext string) (ToolPrediction, error) {
	return ToolPrediction{
		ToolName:   "",
		Confidence: 0.1,
		Reasoning:  "semantic model unavailable; heuristic fallback",
	}, nil
}

var _ ToolPredictor = HeuristicPredictor{}
