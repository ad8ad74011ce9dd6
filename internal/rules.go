package internal

import (
	"fmt"
	"log"
	"strings"

	"github.com/Knetic/govaluate"
)

// Rule actions.
const (
	ActionSkip               = "skip"
	ActionPreventTransitions = "prevent_transitions"
)

// Rule applies Action to pushes whose payload satisfies When. Nested payload
// fields are addressed with bracketed dotted names, e.g.
// [repository.full_name] == "acme/widgets".
type Rule struct {
	When   string `yaml:"when"`
	Action string `yaml:"action"`
}

// Decision is the combined effect of every matching rule.
type Decision struct {
	Skip               bool
	PreventTransitions bool
	Matched            []string
}

type compiledRule struct {
	when   string
	action string
	expr   *govaluate.EvaluableExpression
}

// RuleEngine evaluates push rules.
type RuleEngine struct {
	rules  []compiledRule
	strict bool
	logger *log.Logger
}

// NewRuleEngine compiles cfg.Rules.
func NewRuleEngine(cfg RulesConfig) (*RuleEngine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		expr, err := govaluate.NewEvaluableExpression(rule.When)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, compiledRule{when: rule.When, action: rule.Action, expr: expr})
	}
	return &RuleEngine{rules: rules, strict: cfg.Strict, logger: logger}, nil
}

// Evaluate runs every rule against payload. In strict mode a rule that fails
// to evaluate skips the push.
func (r *RuleEngine) Evaluate(payload map[string]interface{}) Decision {
	var decision Decision
	if r == nil || len(r.rules) == 0 {
		return decision
	}
	params := Flatten(payload)
	for key, value := range payload {
		if _, nested := value.(map[string]interface{}); !nested {
			params[key] = value
		}
	}
	for _, rule := range r.rules {
		result, err := rule.expr.Evaluate(params)
		if err != nil {
			if r.strict {
				r.logger.Printf("rule eval failed, skipping push: %v", err)
				decision.Skip = true
				decision.Matched = append(decision.Matched, rule.when)
			}
			continue
		}
		ok, _ := result.(bool)
		if !ok {
			continue
		}
		decision.Matched = append(decision.Matched, rule.when)
		switch rule.action {
		case ActionSkip:
			decision.Skip = true
		case ActionPreventTransitions:
			decision.PreventTransitions = true
		}
	}
	return decision
}

func normalizeRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.When = strings.TrimSpace(rule.When)
		rule.Action = strings.ToLower(strings.TrimSpace(rule.Action))
		if rule.When == "" || rule.Action == "" {
			return nil, fmt.Errorf("rule %d is missing when or action", i)
		}
		if rule.Action != ActionSkip && rule.Action != ActionPreventTransitions {
			return nil, fmt.Errorf("rule %d has unknown action %q", i, rule.Action)
		}
		out = append(out, rule)
	}
	return out, nil
}
