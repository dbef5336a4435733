package toolexecutor

// ToolPolicy restricts which registered tools are offered and runnable.
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"` // "*" allows everything
	Deny  []string `json:"deny" mapstructure:"deny"`   // overrides Allow
}

// IsToolAllowed checks toolName against the policy. A nil policy allows all.
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
