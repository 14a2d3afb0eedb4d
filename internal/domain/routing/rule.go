package routing

import "strings"

// RoutingRule is a persisted, operator-defined routing decision matched by
// longest-substring-match against a message's serialized context.
type RoutingRule struct {
	ID              string
	Pattern         string
	TargetTransport string
	Confidence      float64
}

// FindMatchingRule returns the rule among rules whose Pattern is a
// substring of msgContext and has the greatest length, preferring the
// first rule encountered on a length tie. Returns false if no rule
// matches.
func FindMatchingRule(rules []RoutingRule, msgContext string) (RoutingRule, bool) {
	var best RoutingRule
	found := false
	for _, rule := range rules {
		if rule.Pattern == "" || !strings.Contains(msgContext, rule.Pattern) {
			continue
		}
		if !found || len(rule.Pattern) > len(best.Pattern) {
			best = rule
			found = true
		}
	}
	return best, found
}
