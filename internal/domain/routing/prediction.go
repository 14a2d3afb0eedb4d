package routing

import "time"

// ToolPrediction is the output of a predictor invocation: a tool name and
// a confidence in [0, 1].
type ToolPrediction struct {
	ToolName   string
	Confidence float64
	Reasoning  string
}

// PredictionRecord is the persisted form of a single prediction, stored
// when the prediction is made and updated once the matching response (or
// a GEPA training pass) determines whether it was correct.
type PredictionRecord struct {
	ID             string
	Module         string
	Context        string
	ContextHash    uint64
	PredictedTool  string
	ActualTool     *string
	Correct        *bool
	PredictionData map[string]any
	CreatedAt      time.Time
}

// MarkOutcome sets ActualTool and Correct based on comparing the observed
// tool name against the prediction.
func (r *PredictionRecord) MarkOutcome(actualTool string) {
	correct := actualTool == r.PredictedTool
	r.ActualTool = &actualTool
	r.Correct = &correct
}

// PendingPrediction is held in memory between the outgoing message that
// produced a prediction and the incoming response that resolves it.
type PendingPrediction struct {
	RecordID      string
	PredictedTool string
	ActualTool    string
}

// ExtractToolName reads a tool name out of a tools/call-shaped params
// value: either params.name, or the first object-valued array element's
// name field. Returns "" if neither is present.
func ExtractToolName(params map[string]any) string {
	if params == nil {
		return ""
	}
	if name, ok := params["name"].(string); ok {
		return name
	}
	if items, ok := params["arguments"].([]any); ok {
		for _, item := range items {
			if obj, ok := item.(map[string]any); ok {
				if name, ok := obj["name"].(string); ok {
					return name
				}
			}
		}
	}
	return ""
}
