// Package capability implements the MCP capability grant model: glob-style
// tool patterns, resource limits, and rate-limit parameters, plus the
// subset check used to validate that a delegated capability set never
// exceeds its parent's.
package capability

import (
	"strings"
	"time"

	"github.com/maceip/acdp-gateway/internal/acdperr"
)

// ToolPattern is a glob-style pattern matched against MCP tool names.
// Three forms are supported, mirroring the reference implementation:
// exact ("filesystem/read_file"), prefix ("filesystem/"), and wildcard
// ("filesystem/*").
type ToolPattern struct {
	Pattern string `json:"pattern" yaml:"pattern"`
}

// NewToolPattern constructs a pattern from its string form.
func NewToolPattern(pattern string) ToolPattern { return ToolPattern{Pattern: pattern} }

// Matches reports whether toolName satisfies this pattern.
func (p ToolPattern) Matches(toolName string) bool {
	switch {
	case strings.HasSuffix(p.Pattern, "*"):
		return strings.HasPrefix(toolName, p.Pattern[:len(p.Pattern)-1])
	case strings.HasSuffix(p.Pattern, "/"):
		return strings.HasPrefix(toolName, p.Pattern)
	default:
		return toolName == p.Pattern
	}
}

// IsSubsetOf reports whether every tool name matched by p is also matched
// by parent — i.e. p can never grant access parent doesn't already grant.
func (p ToolPattern) IsSubsetOf(parent ToolPattern) bool {
	if strings.HasSuffix(parent.Pattern, "*") {
		prefix := parent.Pattern[:len(parent.Pattern)-1]
		return strings.HasPrefix(p.Pattern, prefix)
	}
	return p.Pattern == parent.Pattern
}

// RateLimitParams bounds how many credential presentations are allowed
// within a rolling window.
type RateLimitParams struct {
	MaxPresentations uint64        `json:"max_presentations" yaml:"max_presentations" validate:"min=1"`
	Window           time.Duration `json:"window" yaml:"window"`
}

// Daily returns a 24-hour-window rate limit.
func Daily(maxPresentations uint64) RateLimitParams {
	return RateLimitParams{MaxPresentations: maxPresentations, Window: 24 * time.Hour}
}

// Hourly returns a one-hour-window rate limit.
func Hourly(maxPresentations uint64) RateLimitParams {
	return RateLimitParams{MaxPresentations: maxPresentations, Window: time.Hour}
}

// ResourceLimits bounds the size/concurrency of tool operations a
// credential may perform. A nil field means "parent imposes no limit of
// this kind"; once a parent sets a limit, every child must also set one
// and it must be no larger (see IsSubsetOf).
type ResourceLimits struct {
	MaxReadBytes          *uint64 `json:"max_read_bytes,omitempty" yaml:"max_read_bytes,omitempty"`
	MaxWriteBytes         *uint64 `json:"max_write_bytes,omitempty" yaml:"max_write_bytes,omitempty"`
	MaxConcurrentRequests *uint32 `json:"max_concurrent_requests,omitempty" yaml:"max_concurrent_requests,omitempty"`
}

// IsSubsetOf reports whether r never exceeds parent's bounds on any
// dimension parent constrains.
func (r ResourceLimits) IsSubsetOf(parent ResourceLimits) bool {
	if !uint64SubsetOf(r.MaxReadBytes, parent.MaxReadBytes) {
		return false
	}
	if !uint64SubsetOf(r.MaxWriteBytes, parent.MaxWriteBytes) {
		return false
	}
	if !uint32SubsetOf(r.MaxConcurrentRequests, parent.MaxConcurrentRequests) {
		return false
	}
	return true
}

func uint64SubsetOf(child, parent *uint64) bool {
	if parent == nil {
		return true
	}
	if child == nil {
		return false
	}
	return *child <= *parent
}

func uint32SubsetOf(child, parent *uint32) bool {
	if parent == nil {
		return true
	}
	if child == nil {
		return false
	}
	return *child <= *parent
}

// MCPCapabilities is the full capability grant attached to a credential:
// which tools it may call, which are explicitly denied (denial always
// wins), and the resource/rate envelope it must stay within.
type MCPCapabilities struct {
	AllowedTools   []ToolPattern   `json:"allowed_tools" yaml:"allowed_tools" validate:"min=1"`
	DeniedTools    []ToolPattern   `json:"denied_tools,omitempty" yaml:"denied_tools,omitempty"`
	ResourceLimits ResourceLimits  `json:"resource_limits" yaml:"resource_limits"`
	RateLimit      RateLimitParams `json:"rate_limit" yaml:"rate_limit"`
}

// IsToolAllowed reports whether toolName may be invoked under this grant.
// Denials are checked first and always take precedence over allowances.
func (c MCPCapabilities) IsToolAllowed(toolName string) error {
	for _, pattern := range c.DeniedTools {
		if pattern.Matches(toolName) {
			return &acdperr.ToolNotAllowedError{Tool: toolName, Reason: "explicitly denied"}
		}
	}
	for _, pattern := range c.AllowedTools {
		if pattern.Matches(toolName) {
			return nil
		}
	}
	return &acdperr.ToolNotAllowedError{Tool: toolName, Reason: "no matching allow pattern"}
}

// IsSubsetOf reports whether c could be safely delegated from parent: every
// allowed tool pattern must itself be a subset of some pattern parent
// allows, and every numeric budget must be no larger than parent's.
func (c MCPCapabilities) IsSubsetOf(parent MCPCapabilities) bool {
	for _, child := range c.AllowedTools {
		found := false
		for _, p := range parent.AllowedTools {
			if child.IsSubsetOf(p) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if c.RateLimit.MaxPresentations > parent.RateLimit.MaxPresentations {
		return false
	}

	return c.ResourceLimits.IsSubsetOf(parent.ResourceLimits)
}
