package sandbox

import (
	"context"
	"log/slog"
	"os"

	"github.com/maceip/acdp-gateway/internal/acdperr"
)

// CapabilityID names a value produced or consumed by a plan node.
type CapabilityID string

// CapabilitySink names an operation a CapabilityToken may be used for.
type CapabilitySink string

const (
	SinkSandboxExecution CapabilitySink = "sandbox_execution"
	SinkFileRead         CapabilitySink = "file_read"
	SinkFileWrite        CapabilitySink = "file_write"
	SinkEmit             CapabilitySink = "emit"
)

// CapabilityToken grants a plan's nodes permission to use a CapabilityID
// for a specific, enumerated set of sinks.
type CapabilityToken struct {
	ID           CapabilityID
	AllowedSinks map[CapabilitySink]struct{}
}

// Allows reports whether the token permits sink.
func (t CapabilityToken) Allows(sink CapabilitySink) bool {
	_, ok := t.AllowedSinks[sink]
	return ok
}

// NetworkPolicy controls outbound network access for a plan. Only
// NetworkDisabled is currently accepted by the interpreter; the other
// values are reserved for a future release.
type NetworkPolicy string

const (
	NetworkDisabled   NetworkPolicy = "disabled"
	NetworkRestricted NetworkPolicy = "restricted"
	NetworkOpen       NetworkPolicy = "open"
)

// ExecutionPolicy governs a whole plan: the capability grants available
// to its nodes, any filesystem mounts (currently unsupported), network
// access (currently must be disabled), and an optional timeout.
type ExecutionPolicy struct {
	Capabilities []CapabilityToken
	Mounts       []string
	Network      NetworkPolicy
	TimeoutSecs  *uint64
}

func (p ExecutionPolicy) capability(id CapabilityID) (CapabilityToken, bool) {
	for _, c := range p.Capabilities {
		if c.ID == id {
			return c, true
		}
	}
	return CapabilityToken{}, false
}

// PlanNodeKind tags which operation a PlanNode performs.
type PlanNodeKind string

const (
	NodeRunPython PlanNodeKind = "run_python"
	NodeReadFile  PlanNodeKind = "read_file"
	NodeWriteFile PlanNodeKind = "write_file"
	NodeEmit      PlanNodeKind = "emit"
)

// PlanNode is one step of an execution plan.
type PlanNode struct {
	ID   string
	Kind PlanNodeKind

	Code             string       // NodeRunPython
	Path             string       // NodeReadFile, NodeWriteFile
	OutputCapability CapabilityID // NodeRunPython, NodeReadFile
	InputCapability  CapabilityID // NodeWriteFile, NodeEmit
}

// ExecutionPlan is a declarative sequence of nodes produced by the
// routing brain's code generator and interpreted here rather than run as
// arbitrary code.
type ExecutionPlan struct {
	PlanID string
	Policy ExecutionPolicy
	Nodes  []PlanNode
}

// NodeOutcome is emitted after every node executes, regardless of
// success, for audit and routing feedback.
type NodeOutcome struct {
	NodeID         string
	Success        bool
	ExitCode       int
	TimedOut       bool
	StdoutPreview  string
	StderrPreview  string
	Error          string
}

// OutcomeRecorder receives a NodeOutcome after each plan node executes.
// The routing brain's GEPA optimizer implements this to feed execution
// results back into its prediction records.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, plan *ExecutionPlan, outcome NodeOutcome)
}

// ExecutionResult is the terminal outcome of a runtime execution.
type ExecutionResult struct {
	ExitCode   int
	DurationMS int64
	TimedOut   bool
	Err        error
}

// Success reports whether the execution completed normally.
func (r ExecutionResult) Success() bool { return r.ExitCode == 0 && !r.TimedOut && r.Err == nil }

// ExecutionRequest is a single code execution submitted to a Runtime.
type ExecutionRequest struct {
	Code        string
	TimeoutSecs uint64
}

// ExecutionStream is the triple of channels a Runtime returns: stdout
// and stderr chunks, and a one-shot result. Callers must drain both byte
// channels before receiving from Result to avoid backpressure on the
// runtime driver.
type ExecutionStream struct {
	Stdout <-chan []byte
	Stderr <-chan []byte
	Result <-chan ExecutionResult
}

// Runtime is the boundary the interpreter depends on; concrete drivers
// (process, v8, wasm) live under internal/adapter/outbound/runtime.
type Runtime interface {
	Name() string
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionStream, error)
}

const previewLen = 200

func truncate(s string) string {
	if len(s) <= previewLen {
		return s
	}
	return s[:previewLen]
}

// Interpreter walks an ExecutionPlan node by node against a single
// Runtime, enforcing each node's declared capability before it runs.
type Interpreter struct {
	runtime  Runtime
	logger   *slog.Logger
	recorder OutcomeRecorder
}

// NewInterpreter builds an interpreter bound to runtime. recorder may be
// nil if outcome feedback isn't needed.
func NewInterpreter(runtime Runtime, logger *slog.Logger, recorder OutcomeRecorder) *Interpreter {
	return &Interpreter{runtime: runtime, logger: logger, recorder: recorder}
}

// Execute interprets plan sequentially, returning the final node's
// output as a one-shot stream. The plan is rejected outright (before any
// node runs) if it has zero nodes, declares mounts, or requests network
// access other than disabled.
func (in *Interpreter) Execute(ctx context.Context, plan *ExecutionPlan) (*ExecutionStream, error) {
	if len(plan.Nodes) == 0 {
		return nil, &acdperr.SandboxDeniedError{Node: "", Reason: "execution plan contains no nodes"}
	}
	if len(plan.Policy.Mounts) != 0 {
		return nil, &acdperr.SandboxDeniedError{Node: "", Reason: "mounts are not supported"}
	}
	if plan.Policy.Network != NetworkDisabled {
		return nil, &acdperr.SandboxDeniedError{Node: "", Reason: "network access is not supported"}
	}

	values := make(map[CapabilityID][]byte)
	var lastOutput CapabilityID
	haveOutput := false

	for _, node := range plan.Nodes {
		if err := in.runNode(ctx, plan, node, values); err != nil {
			return nil, err
		}
		switch node.Kind {
		case NodeRunPython, NodeReadFile:
			lastOutput, haveOutput = node.OutputCapability, true
		case NodeEmit:
			lastOutput, haveOutput = node.InputCapability, true
		}
	}

	if !haveOutput {
		return nil, &acdperr.SandboxDeniedError{Node: "", Reason: "execution plan produced no executable nodes"}
	}

	stdout := make(chan []byte, 1)
	stderr := make(chan []byte, 1)
	result := make(chan ExecutionResult, 1)
	stdout <- values[lastOutput]
	close(stdout)
	close(stderr)
	result <- ExecutionResult{ExitCode: 0}
	close(result)

	return &ExecutionStream{Stdout: stdout, Stderr: stderr, Result: result}, nil
}

func (in *Interpreter) runNode(ctx context.Context, plan *ExecutionPlan, node PlanNode, values map[CapabilityID][]byte) error {
	switch node.Kind {
	case NodeRunPython:
		if err := in.checkCapability(ctx, plan, node.ID, node.OutputCapability, SinkSandboxExecution); err != nil {
			return err
		}
		req := ExecutionRequest{Code: node.Code}
		if plan.Policy.TimeoutSecs != nil {
			req.TimeoutSecs = *plan.Policy.TimeoutSecs
		}
		stream, err := in.runtime.Execute(ctx, req)
		if err != nil {
			in.record(ctx, plan, node.ID, false, 0, false, "", "", err.Error())
			return err
		}
		stdoutBuf, stderrBuf := drain(stream)
		res := <-stream.Result
		in.record(ctx, plan, node.ID, res.Success(), res.ExitCode, res.TimedOut, truncate(string(stdoutBuf)), truncate(string(stderrBuf)), errString(res.Err))
		if !res.Success() {
			return &acdperr.SandboxDeniedError{Node: node.ID, Reason: "node execution failed"}
		}
		values[node.OutputCapability] = stdoutBuf
		return nil

	case NodeReadFile:
		if err := in.checkCapability(ctx, plan, node.ID, node.OutputCapability, SinkFileRead); err != nil {
			return err
		}
		data, err := os.ReadFile(node.Path)
		if err != nil {
			in.record(ctx, plan, node.ID, false, 0, false, "", "", err.Error())
			return &acdperr.SandboxDeniedError{Node: node.ID, Reason: "read_file failed: " + err.Error()}
		}
		values[node.OutputCapability] = data
		in.record(ctx, plan, node.ID, true, 0, false, truncate(string(data)), "", "")
		return nil

	case NodeWriteFile:
		if err := in.checkCapability(ctx, plan, node.ID, node.InputCapability, SinkFileWrite); err != nil {
			return err
		}
		data, ok := values[node.InputCapability]
		if !ok {
			return &acdperr.SandboxDeniedError{Node: node.ID, Reason: "capability has no stored value"}
		}
		if err := os.WriteFile(node.Path, data, 0o600); err != nil {
			in.record(ctx, plan, node.ID, false, 0, false, "", "", err.Error())
			return &acdperr.SandboxDeniedError{Node: node.ID, Reason: "write_file failed: " + err.Error()}
		}
		in.record(ctx, plan, node.ID, true, 0, false, "", "", "")
		return nil

	case NodeEmit:
		if err := in.checkCapability(ctx, plan, node.ID, node.InputCapability, SinkEmit); err != nil {
			return err
		}
		in.record(ctx, plan, node.ID, true, 0, false, truncate(string(values[node.InputCapability])), "", "")
		return nil

	default:
		return &acdperr.SandboxDeniedError{Node: node.ID, Reason: "unknown node kind"}
	}
}

func (in *Interpreter) checkCapability(ctx context.Context, plan *ExecutionPlan, nodeID string, id CapabilityID, sink CapabilitySink) error {
	token, ok := plan.Policy.capability(id)
	if !ok {
		err := &acdperr.SandboxDeniedError{Node: nodeID, Reason: "capability " + string(id) + " missing from plan policy"}
		in.record(ctx, plan, nodeID, false, 0, false, "", "", err.Error())
		return err
	}
	if !token.Allows(sink) {
		err := &acdperr.SandboxDeniedError{Node: nodeID, Reason: "capability " + string(id) + " does not permit " + string(sink)}
		in.record(ctx, plan, nodeID, false, 0, false, "", "", err.Error())
		return err
	}
	return nil
}

func (in *Interpreter) record(ctx context.Context, plan *ExecutionPlan, nodeID string, success bool, exitCode int, timedOut bool, stdoutPreview, stderrPreview, errMsg string) {
	if in.logger != nil {
		in.logger.Debug("sandbox node outcome", "plan_id", plan.PlanID, "node_id", nodeID, "success", success)
	}
	if in.recorder == nil {
		return
	}
	in.recorder.RecordOutcome(ctx, plan, NodeOutcome{
		NodeID: nodeID, Success: success, ExitCode: exitCode, TimedOut: timedOut,
		StdoutPreview: stdoutPreview, StderrPreview: stderrPreview, Error: errMsg,
	})
}

func drain(stream *ExecutionStream) ([]byte, []byte) {
	var stdout, stderr []byte
	for chunk := range stream.Stdout {
		stdout = append(stdout, chunk...)
	}
	for chunk := range stream.Stderr {
		stderr = append(stderr, chunk...)
	}
	return stdout, stderr
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
