package capability

import "testing"

func u64p(v uint64) *uint64 { return &v }

func TestToolPatternMatching(t *testing.T) {
	wildcard := NewToolPattern("filesystem/*")
	if !wildcard.Matches("filesystem/read_file") {
		t.Error("wildcard should match filesystem/read_file")
	}
	if wildcard.Matches("web-search/query") {
		t.Error("wildcard should not match web-search/query")
	}

	exact := NewToolPattern("filesystem/read_file")
	if !exact.Matches("filesystem/read_file") {
		t.Error("exact pattern should match itself")
	}
	if exact.Matches("filesystem/write_file") {
		t.Error("exact pattern should not match a different tool")
	}
}

func TestIsToolAllowedDenyTakesPrecedence(t *testing.T) {
	caps := MCPCapabilities{
		AllowedTools: []ToolPattern{NewToolPattern("filesystem/*"), NewToolPattern("web-search/query")},
		DeniedTools:  []ToolPattern{NewToolPattern("filesystem/execute")},
		RateLimit:    Daily(1000),
	}

	if err := caps.IsToolAllowed("filesystem/read_file"); err != nil {
		t.Errorf("filesystem/read_file should be allowed: %v", err)
	}
	if err := caps.IsToolAllowed("filesystem/execute"); err == nil {
		t.Error("filesystem/execute should be denied despite matching an allow pattern")
	}
	if err := caps.IsToolAllowed("database/query"); err == nil {
		t.Error("database/query should not be allowed")
	}
}

func TestCapabilitiesSubset(t *testing.T) {
	parent := MCPCapabilities{
		AllowedTools:   []ToolPattern{NewToolPattern("filesystem/*")},
		ResourceLimits: ResourceLimits{MaxReadBytes: u64p(1_000_000), MaxWriteBytes: u64p(100_000)},
		RateLimit:      Daily(1000),
	}

	child := MCPCapabilities{
		AllowedTools:   []ToolPattern{NewToolPattern("filesystem/read_file")},
		ResourceLimits: ResourceLimits{MaxReadBytes: u64p(100_000), MaxWriteBytes: u64p(10_000)},
		RateLimit:      Daily(100),
	}
	if !child.IsSubsetOf(parent) {
		t.Error("child should be a valid subset of parent")
	}

	tooGreedy := MCPCapabilities{
		AllowedTools: []ToolPattern{NewToolPattern("filesystem/read_file")},
		RateLimit:    Daily(2000),
	}
	if tooGreedy.IsSubsetOf(parent) {
		t.Error("higher rate limit must not be a valid subset")
	}

	outsideScope := MCPCapabilities{
		AllowedTools: []ToolPattern{NewToolPattern("database/query")},
		RateLimit:    Daily(1),
	}
	if outsideScope.IsSubsetOf(parent) {
		t.Error("tool pattern outside parent's grant must not be a valid subset")
	}
}

func TestRateLimitHelpers(t *testing.T) {
	if d := Daily(1000); d.MaxPresentations != 1000 || d.Window.Hours() != 24 {
		t.Errorf("Daily(1000) = %+v", d)
	}
	if h := Hourly(100); h.MaxPresentations != 100 || h.Window.Hours() != 1 {
		t.Errorf("Hourly(100) = %+v", h)
	}
}
