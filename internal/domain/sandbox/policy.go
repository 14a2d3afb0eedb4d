// Package sandbox implements trust-tiered sandbox runtime selection and
// the execution-plan interpreter: the component that decides which
// runtime a tool call executes in, and walks a declarative plan of
// read/write/run/emit nodes against a capability allowlist. The small
// tagged-union-with-methods shape mirrors credential.Credential and
// pkg/mcp.Direction elsewhere in the gateway.
package sandbox

import "time"

// TrustTier ranks how much a tool is trusted, from user-supplied and
// unverified up to system-level. Tiers order strictly:
// untrusted < verified < trusted < system.
type TrustTier string

const (
	TierUntrusted TrustTier = "untrusted"
	TierVerified  TrustTier = "verified"
	TierTrusted   TrustTier = "trusted"
	TierSystem    TrustTier = "system"
)

// Rank returns the tier's position in the trust ordering; higher is more
// trusted.
func (t TrustTier) Rank() int {
	switch t {
	case TierUntrusted:
		return 0
	case TierVerified:
		return 1
	case TierTrusted:
		return 2
	case TierSystem:
		return 3
	default:
		return -1
	}
}

// RuntimeType selects the concrete sandbox a tool runs in.
type RuntimeType string

const (
	// RuntimeProcess runs the tool as a direct OS process: fastest, no
	// sandboxing, globally gated behind SecurityPolicy.AllowProcessRuntime.
	RuntimeProcess RuntimeType = "process"
	// RuntimeV8 runs the tool inside an embedded JS VM: medium isolation.
	RuntimeV8 RuntimeType = "v8"
	// RuntimeWasm runs the tool inside a WASI module: best isolation,
	// slowest.
	RuntimeWasm RuntimeType = "wasm"
)

// SecurityRank orders runtimes from most to least secure (lower is more
// secure). Used to pick a fallback when a requested runtime is denied.
func (r RuntimeType) SecurityRank() int {
	switch r {
	case RuntimeWasm:
		return 0
	case RuntimeV8:
		return 1
	case RuntimeProcess:
		return 2
	default:
		return 99
	}
}

// PerformanceRank orders runtimes from fastest to slowest (lower is
// faster).
func (r RuntimeType) PerformanceRank() int {
	switch r {
	case RuntimeProcess:
		return 0
	case RuntimeV8:
		return 1
	case RuntimeWasm:
		return 2
	default:
		return 99
	}
}

// Language identifies the source language a tool's code is written in,
// used to filter candidate runtimes during auto-selection.
type Language string

const (
	LanguageJavaScript Language = "javascript"
	LanguagePython     Language = "python"
	LanguageWasm       Language = "wasm"
	LanguageShell      Language = "shell"
)

// RequirementKind tags which form of RuntimeRequirement is populated.
type RequirementKind string

const (
	// RequirementSpecific pins a single runtime; the selector overrides
	// it only if policy denies it.
	RequirementSpecific RequirementKind = "specific"
	// RequirementAuto picks a runtime for Language, honoring Preferred
	// when policy allows it.
	RequirementAuto RequirementKind = "auto"
	// RequirementAnyOf accepts any runtime in Runtimes, picking the most
	// secure one policy allows.
	RequirementAnyOf RequirementKind = "any_of"
)

// RuntimeRequirement is a tool's declared runtime preference, one of
// three shapes selected by Kind.
type RuntimeRequirement struct {
	Kind RequirementKind

	Runtime   RuntimeType  // RequirementSpecific
	Language  Language     // RequirementAuto
	Preferred *RuntimeType // RequirementAuto, optional
	Runtimes  []RuntimeType // RequirementAnyOf
}

// DefaultRuntimeRequirement requires the most secure runtime, matching
// the reference implementation's conservative default.
func DefaultRuntimeRequirement() RuntimeRequirement {
	return RuntimeRequirement{Kind: RequirementSpecific, Runtime: RuntimeWasm}
}

// ResourceLimits bounds a single execution's CPU time, memory, file I/O,
// and network access.
type ResourceLimits struct {
	MaxCPUTime    time.Duration `json:"max_cpu_time" yaml:"max_cpu_time"`
	MaxMemoryMB   uint64        `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxFileBytes  uint64        `json:"max_file_bytes" yaml:"max_file_bytes"`
	MaxOpenFiles  int           `json:"max_open_files" yaml:"max_open_files"`
	AllowNetwork  bool          `json:"allow_network" yaml:"allow_network"`
}

// StrictLimits is the tightest profile, applied to untrusted tools by
// default.
func StrictLimits() ResourceLimits {
	return ResourceLimits{MaxCPUTime: 2 * time.Second, MaxMemoryMB: 64, MaxFileBytes: 1 << 20, MaxOpenFiles: 4}
}

// DefaultLimits is the baseline profile, applied to verified tools by
// default.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{MaxCPUTime: 10 * time.Second, MaxMemoryMB: 256, MaxFileBytes: 16 << 20, MaxOpenFiles: 16}
}

// PermissiveLimits is the loosest profile, applied to trusted/system
// tools by default.
func PermissiveLimits() ResourceLimits {
	return ResourceLimits{MaxCPUTime: 60 * time.Second, MaxMemoryMB: 1024, MaxFileBytes: 256 << 20, MaxOpenFiles: 64, AllowNetwork: true}
}

// ToolPolicy overrides the trust-tier defaults for a single tool.
type ToolPolicy struct {
	ToolID          string          `json:"tool_id" yaml:"tool_id"`
	TrustTier       TrustTier       `json:"trust_tier" yaml:"trust_tier"`
	AllowedRuntimes []RuntimeType   `json:"allowed_runtimes,omitempty" yaml:"allowed_runtimes,omitempty"`
	Limits          *ResourceLimits `json:"limits,omitempty" yaml:"limits,omitempty"`
	AuditRequired   bool            `json:"audit_required" yaml:"audit_required"`
}

// SecurityPolicy is the global sandbox policy: per-trust-tier runtime
// allowlists and limit profiles, intersected with per-tool overrides.
type SecurityPolicy struct {
	DefaultRuntimeByTier  map[TrustTier]RuntimeType
	AllowedRuntimesByTier map[TrustTier]map[RuntimeType]struct{}
	LimitsByTier          map[TrustTier]ResourceLimits
	ToolPolicies          map[string]ToolPolicy

	// AllowProcessRuntime globally gates RuntimeProcess regardless of
	// any per-tool or per-tier allowlist.
	AllowProcessRuntime bool
	// PreferSecurityOverPerformance breaks runtime ties toward the more
	// secure candidate.
	PreferSecurityOverPerformance bool
}

// NewDefaultSecurityPolicy returns the conservative default policy:
// untrusted tools get WASM only, verified tools get WASM or V8, trusted
// and system tools get WASM or V8 (process stays globally disabled until
// an operator opts in).
func NewDefaultSecurityPolicy() *SecurityPolicy {
	return &SecurityPolicy{
		DefaultRuntimeByTier: map[TrustTier]RuntimeType{
			TierUntrusted: RuntimeWasm,
			TierVerified:  RuntimeWasm,
			TierTrusted:   RuntimeV8,
			TierSystem:    RuntimeV8,
		},
		AllowedRuntimesByTier: map[TrustTier]map[RuntimeType]struct{}{
			TierUntrusted: {RuntimeWasm: {}},
			TierVerified:  {RuntimeWasm: {}, RuntimeV8: {}},
			TierTrusted:   {RuntimeWasm: {}, RuntimeV8: {}},
			TierSystem:    {RuntimeWasm: {}, RuntimeV8: {}, RuntimeProcess: {}},
		},
		LimitsByTier: map[TrustTier]ResourceLimits{
			TierUntrusted: StrictLimits(),
			TierVerified:  DefaultLimits(),
			TierTrusted:   PermissiveLimits(),
			TierSystem:    PermissiveLimits(),
		},
		ToolPolicies:                  make(map[string]ToolPolicy),
		AllowProcessRuntime:           false,
		PreferSecurityOverPerformance: true,
	}
}

// IsRuntimeAllowed reports whether runtime may run toolID at trustTier.
func (p *SecurityPolicy) IsRuntimeAllowed(toolID string, trustTier TrustTier, runtime RuntimeType) bool {
	if runtime == RuntimeProcess && !p.AllowProcessRuntime {
		return false
	}
	if tp, ok := p.ToolPolicies[toolID]; ok && len(tp.AllowedRuntimes) > 0 {
		for _, r := range tp.AllowedRuntimes {
			if r == runtime {
				return true
			}
		}
		return false
	}
	_, ok := p.AllowedRuntimesByTier[trustTier][runtime]
	return ok
}

// AllowedRuntimes returns the set of runtimes permitted for toolID at
// trustTier, already filtered for the global process-runtime gate.
func (p *SecurityPolicy) AllowedRuntimes(toolID string, trustTier TrustTier) map[RuntimeType]struct{} {
	allowed := make(map[RuntimeType]struct{})
	if tp, ok := p.ToolPolicies[toolID]; ok && len(tp.AllowedRuntimes) > 0 {
		for _, r := range tp.AllowedRuntimes {
			allowed[r] = struct{}{}
		}
	} else {
		for r := range p.AllowedRuntimesByTier[trustTier] {
			allowed[r] = struct{}{}
		}
	}
	if !p.AllowProcessRuntime {
		delete(allowed, RuntimeProcess)
	}
	return allowed
}

// GetLimits returns the resource limits toolID runs under at trustTier,
// applying any tool-specific override.
func (p *SecurityPolicy) GetLimits(toolID string, trustTier TrustTier) ResourceLimits {
	if tp, ok := p.ToolPolicies[toolID]; ok && tp.Limits != nil {
		return *tp.Limits
	}
	return p.LimitsByTier[trustTier]
}

// RequiresAudit reports whether executions of toolID at trustTier must
// be audit-logged.
func (p *SecurityPolicy) RequiresAudit(toolID string, trustTier TrustTier) bool {
	if tp, ok := p.ToolPolicies[toolID]; ok && tp.AuditRequired {
		return true
	}
	return trustTier == TierSystem || trustTier == TierTrusted
}
