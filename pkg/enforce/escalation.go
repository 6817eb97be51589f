package enforce

import (
	"strconv"
	"strings"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

// escalationInput is what an escalation condition may observe: the decision
// as resolved so far plus the evaluation facts.
type escalationInput struct {
	intent    contracts.Intent
	entity    contracts.Entity
	action    contracts.ControlAction
	policyIDs []string
}

// escalationMatches evaluates one escalation rule. Typed conditions take
// precedence; a rule without a typed condition falls back to the string
// expression form.
func escalationMatches(rule contracts.EscalationRule, in escalationInput) bool {
	switch rule.ConditionType {
	case contracts.EscalateOnTrustBelow:
		return in.entity.Tier < rule.TrustBelow
	case contracts.EscalateOnActionType:
		return in.action == rule.ActionType
	case contracts.EscalateOnPolicyMatch:
		for _, id := range in.policyIDs {
			if id == rule.PolicyID {
				return true
			}
		}
		return false
	case contracts.EscalateOnCustom:
		return stringConditionMatches(rule.Custom, in)
	}
	return stringConditionMatches(rule.Condition, in)
}

// stringConditionMatches handles the legacy free-form expressions by
// substring against a fixed vocabulary. "trust_level <= N" style comparisons
// are parsed; everything else is a keyword.
func stringConditionMatches(cond string, in escalationInput) bool {
	cond = strings.ToLower(strings.TrimSpace(cond))
	if cond == "" {
		return false
	}
	switch {
	case strings.Contains(cond, "trust_level"):
		return trustLevelComparison(cond, int(in.entity.Tier))
	case strings.Contains(cond, "deny"):
		return in.action == contracts.ActionDeny
	case strings.Contains(cond, "limit"):
		return in.action == contracts.ActionLimit
	case strings.Contains(cond, "monitor"):
		return in.action == contracts.ActionMonitor
	case strings.Contains(cond, "high_risk"):
		return in.intent.Context["risk_level"] == "high"
	case strings.Contains(cond, "sensitive"):
		v, ok := in.intent.Context["sensitive"].(bool)
		return ok && v
	}
	return false
}

// trustLevelComparison parses "trust_level OP N" with OP in <=, <, ==, >=, >.
// Unparseable expressions never match.
func trustLevelComparison(cond string, tier int) bool {
	rest := cond[strings.Index(cond, "trust_level")+len("trust_level"):]
	rest = strings.TrimSpace(rest)

	ops := []string{"<=", ">=", "==", "<", ">"}
	for _, op := range ops {
		if !strings.HasPrefix(rest, op) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(rest[len(op):]))
		if err != nil {
			return false
		}
		switch op {
		case "<=":
			return tier <= n
		case ">=":
			return tier >= n
		case "==":
			return tier == n
		case "<":
			return tier < n
		case ">":
			return tier > n
		}
	}
	return false
}

// escalationPriorityLabel buckets a rule priority for metrics.
func escalationPriorityLabel(priority int) string {
	switch {
	case priority >= 8:
		return "critical"
	case priority >= 5:
		return "high"
	case priority >= 2:
		return "normal"
	default:
		return "low"
	}
}
