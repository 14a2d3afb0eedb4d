package sandbox

import (
	"sort"

	"github.com/maceip/acdp-gateway/internal/acdperr"
)

// ToolDefinition is the input to runtime selection: a tool's identity,
// trust tier, and declared runtime requirement.
type ToolDefinition struct {
	ID          string
	Name        string
	TrustTier   TrustTier
	Runtime     RuntimeRequirement
	Description string
}

// RuntimeDecision is the outcome of selecting a runtime for a tool.
type RuntimeDecision struct {
	RuntimeType   RuntimeType
	Limits        ResourceLimits
	IsOverride    bool
	Reason        string
	AuditRequired bool
}

// RuntimeSelector picks a runtime for a tool, enforcing SecurityPolicy
// against the set of runtimes this process actually has drivers for.
type RuntimeSelector struct {
	policy    *SecurityPolicy
	available map[RuntimeType]struct{}
}

// NewRuntimeSelector builds a selector bound to policy, restricted to the
// given available runtimes (the drivers this process was built/configured
// with).
func NewRuntimeSelector(policy *SecurityPolicy, available ...RuntimeType) *RuntimeSelector {
	set := make(map[RuntimeType]struct{}, len(available))
	for _, r := range available {
		set[r] = struct{}{}
	}
	return &RuntimeSelector{policy: policy, available: set}
}

// Policy returns the selector's bound policy.
func (s *RuntimeSelector) Policy() *SecurityPolicy { return s.policy }

// SelectRuntime picks the runtime a tool should execute under, applying
// the tool's own requirement on top of the policy-allowed candidate set.
// When the tool's preference is denied, the most secure allowed candidate
// is substituted and the decision is marked as an override with a
// human-readable reason.
func (s *RuntimeSelector) SelectRuntime(tool ToolDefinition) (*RuntimeDecision, error) {
	allowed := s.policy.AllowedRuntimes(tool.ID, tool.TrustTier)
	candidates := intersect(allowed, s.available)
	if len(candidates) == 0 {
		return nil, &acdperr.RuntimeUnavailableError{Tool: tool.ID, Tier: string(tool.TrustTier), Tried: runtimeNames(candidates)}
	}

	var chosen RuntimeType
	var isOverride bool
	var reason string

	switch tool.Runtime.Kind {
	case RequirementSpecific:
		if contains(candidates, tool.Runtime.Runtime) {
			chosen, isOverride, reason = tool.Runtime.Runtime, false, "requested runtime allowed by policy"
		} else {
			sortBySecurity(candidates)
			chosen, isOverride = candidates[0], true
			reason = "requested runtime denied by policy, substituted most secure allowed runtime"
		}

	case RequirementAuto:
		candidates = filterByLanguage(candidates, tool.Runtime.Language)
		if len(candidates) == 0 {
			return nil, &acdperr.RuntimeUnavailableError{Tool: tool.ID, Tier: string(tool.TrustTier), Tried: []string{string(tool.Runtime.Language)}}
		}
		if pref := tool.Runtime.Preferred; pref != nil && contains(candidates, *pref) {
			chosen, isOverride, reason = *pref, false, "auto-selected preferred runtime"
		} else {
			sortBySecurity(candidates)
			chosen, isOverride = candidates[0], tool.Runtime.Preferred != nil
			reason = "auto-selected most secure runtime available for language"
		}

	case RequirementAnyOf:
		acceptable := intersectList(tool.Runtime.Runtimes, candidates)
		if len(acceptable) == 0 {
			sortBySecurity(candidates)
			chosen, isOverride = candidates[0], true
			reason = "none of the requested runtimes were allowed, substituted most secure allowed runtime"
		} else {
			sortBySecurity(acceptable)
			chosen, isOverride, reason = acceptable[0], false, "selected most secure runtime from acceptable set"
		}

	default:
		sortBySecurity(candidates)
		chosen, isOverride, reason = candidates[0], false, "no runtime requirement specified, selected most secure allowed"
	}

	return &RuntimeDecision{
		RuntimeType:   chosen,
		Limits:        s.policy.GetLimits(tool.ID, tool.TrustTier),
		IsOverride:    isOverride,
		Reason:        reason,
		AuditRequired: s.policy.RequiresAudit(tool.ID, tool.TrustTier),
	}, nil
}

func intersect(allowed map[RuntimeType]struct{}, available map[RuntimeType]struct{}) []RuntimeType {
	out := make([]RuntimeType, 0, len(allowed))
	for r := range allowed {
		if _, ok := available[r]; ok {
			out = append(out, r)
		}
	}
	return out
}

func intersectList(requested []RuntimeType, candidates []RuntimeType) []RuntimeType {
	set := make(map[RuntimeType]struct{}, len(candidates))
	for _, c := range candidates {
		set[c] = struct{}{}
	}
	out := make([]RuntimeType, 0, len(requested))
	for _, r := range requested {
		if _, ok := set[r]; ok {
			out = append(out, r)
		}
	}
	return out
}

func contains(list []RuntimeType, target RuntimeType) bool {
	for _, r := range list {
		if r == target {
			return true
		}
	}
	return false
}

func sortBySecurity(list []RuntimeType) {
	sort.Slice(list, func(i, j int) bool { return list[i].SecurityRank() < list[j].SecurityRank() })
}

func runtimeNames(runtimes []RuntimeType) []string {
	names := make([]string, len(runtimes))
	for i, r := range runtimes {
		names[i] = string(r)
	}
	return names
}

func filterByLanguage(candidates []RuntimeType, language Language) []RuntimeType {
	out := candidates[:0:0]
	for _, c := range candidates {
		switch {
		case c == RuntimeV8 && language == LanguageJavaScript:
			out = append(out, c)
		case c == RuntimeWasm && (language == LanguageWasm || language == LanguagePython):
			out = append(out, c)
		case c == RuntimeProcess:
			out = append(out, c)
		}
	}
	return out
}
