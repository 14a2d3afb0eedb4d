// Package proxy contains the core domain logic for the MCP proxy.
package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/maceip/acdp-gateway/internal/domain/routing"
	"github.com/maceip/acdp-gateway/pkg/mcp"
)

// RoutingRuleSource resolves a persisted routing rule for a serialized
// message context. Implemented by internal/adapter/outbound/routingdb.
type RoutingRuleSource interface {
	FindMatchingRule(ctx context.Context, msgContext string) (*routing.RoutingRule, bool, error)
}

// PredictionRecorder persists a prediction when it's made and corrects it
// once the matching response arrives. Implemented by
// internal/adapter/outbound/routingdb.
type PredictionRecorder interface {
	Insert(ctx context.Context, record routing.PredictionRecord) error
	UpdateOutcome(ctx context.Context, recordID, actualTool string) error
}

// RoutingInterceptor is the three-mode (bypass/semantic/hybrid)
// tool-prediction layer: it consults a persisted rules table and an
// on-device predictor, annotates outgoing requests with its prediction,
// and correlates the prediction with the eventual response to maintain
// an accuracy record for the GEPA feedback loop.
type RoutingInterceptor struct {
	next      MessageInterceptor
	predictor routing.ToolPredictor
	rules     RoutingRuleSource
	records   PredictionRecorder
	logger    *slog.Logger

	confidenceThreshold float64

	modeMu sync.RWMutex
	mode   routing.Mode

	pendingMu sync.Mutex
	pending   map[string]routing.PendingPrediction
}

// NewRoutingInterceptor builds a RoutingInterceptor starting in mode.
// records may be nil if prediction persistence isn't wired up (routing
// still works, but the GEPA loop has nothing to learn from).
func NewRoutingInterceptor(next MessageInterceptor, predictor routing.ToolPredictor, rules RoutingRuleSource, records PredictionRecorder, mode routing.Mode, logger *slog.Logger) *RoutingInterceptor {
	return &RoutingInterceptor{
		next:                next,
		predictor:           predictor,
		rules:               rules,
		records:             records,
		mode:                mode,
		confidenceThreshold: 0.8,
		logger:              logger,
		pending:             make(map[string]routing.PendingPrediction),
	}
}

// SetMode changes the active routing mode, e.g. in response to an IPC
// routing_mode_change command.
func (r *RoutingInterceptor) SetMode(mode routing.Mode) {
	r.modeMu.Lock()
	defer r.modeMu.Unlock()
	r.mode = mode
}

// Mode returns the active routing mode.
func (r *RoutingInterceptor) Mode() routing.Mode {
	r.modeMu.RLock()
	defer r.modeMu.RUnlock()
	return r.mode
}

// Intercept implements MessageInterceptor.
func (r *RoutingInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if msg.Direction == mcp.ServerToClient {
		r.correlateResponse(ctx, msg)
		return r.next.Intercept(ctx, msg)
	}

	switch r.Mode() {
	case routing.ModeBypass:
		// pass through unchanged
	case routing.ModeHybrid:
		matched, err := r.tryRuleRouting(ctx, msg)
		if err != nil {
			return nil, err
		}
		if !matched {
			r.semanticRouting(ctx, msg)
		}
	case routing.ModeSemantic:
		r.semanticRouting(ctx, msg)
	}

	return r.next.Intercept(ctx, msg)
}

// tryRuleRouting checks the persisted rules table for a longest-substring
// match against the message's serialized context. On a hit it annotates
// the request with _routed_transport/_routing_confidence.
func (r *RoutingInterceptor) tryRuleRouting(ctx context.Context, msg *mcp.Message) (bool, error) {
	if r.rules == nil {
		return false, nil
	}
	msgContext := serializeContext(msg)
	rule, ok, err := r.rules.FindMatchingRule(ctx, msgContext)
	if err != nil {
		return false, err
	}
	if !ok || rule == nil {
		return false, nil
	}
	annotate(msg, map[string]any{
		"_routed_transport":   rule.TargetTransport,
		"_routing_confidence": rule.Confidence,
	})
	r.logger.Debug("hybrid routing matched rule", "pattern", rule.Pattern, "transport", rule.TargetTransport)
	return true, nil
}

// semanticRouting consults the on-device predictor. On sufficient
// confidence it annotates the request and records a pending prediction
// keyed by request ID for later correlation.
func (r *RoutingInterceptor) semanticRouting(ctx context.Context, msg *mcp.Message) {
	msgContext := serializeContext(msg)
	prediction, err := r.predictor.Predict(ctx, msgContext)
	if err != nil {
		r.logger.Warn("tool prediction failed", "error", err)
		return
	}

	requestID := string(msg.RawID())
	actualTool := actualToolForMessage(msg)

	if requestID != "" {
		record := routing.PredictionRecord{
			Module:        "default",
			Context:       msgContext,
			PredictedTool: prediction.ToolName,
			PredictionData: map[string]any{
				"reasoning": prediction.Reasoning,
			},
		}
		recordID := ""
		if r.records != nil {
			if err := r.records.Insert(ctx, record); err != nil {
				r.logger.Warn("failed to persist prediction record", "error", err)
			} else {
				recordID = requestID
			}
		}
		r.pendingMu.Lock()
		r.pending[requestID] = routing.PendingPrediction{
			RecordID:      recordID,
			PredictedTool: prediction.ToolName,
			ActualTool:    actualTool,
		}
		r.pendingMu.Unlock()
	}

	if prediction.Confidence >= r.confidenceThreshold {
		annotate(msg, map[string]any{
			"_predicted_tool":        prediction.ToolName,
			"_prediction_confidence": prediction.Confidence,
		})
	}
}

// correlateResponse resolves a pending prediction once its matching
// response arrives, updating the persisted record's outcome.
func (r *RoutingInterceptor) correlateResponse(ctx context.Context, msg *mcp.Message) {
	requestID := string(msg.RawID())
	if requestID == "" {
		return
	}

	r.pendingMu.Lock()
	pending, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	r.pendingMu.Unlock()
	if !ok {
		return
	}

	if pending.ActualTool == "" {
		r.logger.Warn("missing actual tool for pending prediction", "predicted_tool", pending.PredictedTool)
		return
	}
	if r.records == nil || pending.RecordID == "" {
		return
	}
	if err := r.records.UpdateOutcome(ctx, pending.RecordID, pending.ActualTool); err != nil {
		r.logger.Warn("failed to update prediction outcome", "error", err)
	}
}

// serializeContext builds the JSON context string the predictor and rule
// matcher operate over: method, params, and id.
func serializeContext(msg *mcp.Message) string {
	req := msg.Request()
	var method string
	var params json.RawMessage
	if req != nil {
		method = req.Method
		params = req.Params
	}
	encoded, err := json.Marshal(struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params,omitempty"`
		ID     json.RawMessage `json:"id,omitempty"`
	}{Method: method, Params: params, ID: msg.RawID()})
	if err != nil {
		return method
	}
	return string(encoded)
}

// actualToolForMessage extracts the tool or method name used for
// accuracy comparison: for tools/call (or tools.call) requests, the
// invoked tool name; otherwise the method itself.
func actualToolForMessage(msg *mcp.Message) string {
	method := msg.Method()
	if method == "tools/call" || method == "tools.call" {
		if name := routing.ExtractToolName(msg.ParseParams()); name != "" {
			return name
		}
	}
	return method
}

func annotate(msg *mcp.Message, fields map[string]any) {
	req := msg.Request()
	if req == nil {
		return
	}
	params := msg.ParseParams()
	if params == nil {
		params = make(map[string]any)
	}
	for k, v := range fields {
		params[k] = v
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return
	}
	req.Params = encoded
	msg.ParsedParams = params
}

var _ MessageInterceptor = (*RoutingInterceptor)(nil)
