package toolexecutor

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// ToolPolicy defines which tools an agent can use
type ToolPolicy struct {
	Allow []string `json:"allow"` // "*" allows everything
	Deny  []string `json:"deny"`  // overrides allow
}

// NewToolPolicy builds a policy from config lists. It returns nil when both
// lists are empty; a deny-only policy allows everything else.
func NewToolPolicy(allow, deny []string) *ToolPolicy {
	if len(allow) == 0 && len(deny) == 0 {
		return nil
	}
	if len(allow) == 0 {
		allow = []string{"*"}
	}
	return &ToolPolicy{Allow: allow, Deny: deny}
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}
	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}
	return false
}

// PolicyEngine evaluates and combines tool policies.
type PolicyEngine struct {
	logger zerolog.Logger
}

// NewPolicyEngine creates a new policy engine
func NewPolicyEngine(logger zerolog.Logger) *PolicyEngine {
	return &PolicyEngine{logger: logger}
}

// ValidatePolicy rejects blank entries and warns about policies that deny
// everything.
func (pe *PolicyEngine) ValidatePolicy(policy *ToolPolicy) error {
	if policy == nil {
		return nil
	}

	for _, name := range append(append([]string{}, policy.Allow...), policy.Deny...) {
		if name == "" {
			return fmt.Errorf("tool policy contains an empty tool name")
		}
	}

	hasAllowWildcard, hasDenyWildcard := false, false
	for _, allowed := range policy.Allow {
		if allowed == "*" {
			hasAllowWildcard = true
		}
	}
	for _, denied := range policy.Deny {
		if denied == "*" {
			hasDenyWildcard = true
		}
	}

	if hasAllowWildcard && hasDenyWildcard {
		pe.logger.Warn().Msg("Policy has both allow and deny wildcards - deny will override allow")
	}
	if len(policy.Allow) == 0 {
		pe.logger.Warn().Msg("Policy has empty allow list - all tools will be denied")
	}
	return nil
}

// FilterToolsByPolicy filters a list of tools based on a policy
func (pe *PolicyEngine) FilterToolsByPolicy(tools []string, policy *ToolPolicy) []string {
	if policy == nil {
		return tools
	}

	filtered := []string{}
	for _, tool := range tools {
		if policy.IsToolAllowed(tool) {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}

// MergePolicies intersects the allow lists and unions the deny lists.
func (pe *PolicyEngine) MergePolicies(policies ...*ToolPolicy) *ToolPolicy {
	valid := make([]*ToolPolicy, 0, len(policies))
	for _, p := range policies {
		if p != nil {
			valid = append(valid, p)
		}
	}

	switch len(valid) {
	case 0:
		return nil
	case 1:
		return valid[0]
	}

	denySet := map[string]bool{}
	for _, p := range valid {
		for _, d := range p.Deny {
			denySet[d] = true
		}
	}

	allowSet := map[string]bool{}
	for _, a := range valid[0].Allow {
		allowSet[a] = true
	}
	for _, p := range valid[1:] {
		other := map[string]bool{}
		for _, a := range p.Allow {
			other[a] = true
		}
		next := map[string]bool{}
		for a := range allowSet {
			if other[a] || other["*"] {
				next[a] = true
			}
		}
		if allowSet["*"] {
			for a := range other {
				next[a] = true
			}
		}
		allowSet = next
	}

	merged := &ToolPolicy{Allow: setToSorted(allowSet), Deny: setToSorted(denySet)}
	return merged
}

func setToSorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
