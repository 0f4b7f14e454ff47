package campaign

import (
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cloakroute/edge/internal/visitor"
)

// ruleEvaluator matches targeting rules against visitor descriptors.
// Regex patterns are compiled once and cached by pattern text; a pattern
// that fails to compile evaluates to false forever and is logged once.
type ruleEvaluator struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp // nil value marks a known-bad pattern
	warned   map[string]struct{}
}

func newRuleEvaluator(logger zerolog.Logger) *ruleEvaluator {
	return &ruleEvaluator{
		logger:   logger,
		compiled: make(map[string]*regexp.Regexp),
		warned:   make(map[string]struct{}),
	}
}

// eligible applies the stream's rule set: every include rule must match
// and no exclude rule may match. No rules means eligible.
func (e *ruleEvaluator) eligible(stream *Stream, d *visitor.Descriptor) bool {
	for i := range stream.Rules {
		rule := &stream.Rules[i]
		matched := e.matches(rule, d)
		if rule.Include && !matched {
			return false
		}
		if !rule.Include && matched {
			return false
		}
	}
	return true
}

func (e *ruleEvaluator) matches(rule *TargetingRule, d *visitor.Descriptor) bool {
	field := fieldValue(rule.RuleType, d)

	switch rule.Operator {
	case OpEquals:
		return fieldEquals(rule.RuleType, field, rule.Value)
	case OpNotEquals:
		return !fieldEquals(rule.RuleType, field, rule.Value)
	case OpContains:
		return strings.Contains(strings.ToLower(field), strings.ToLower(rule.Value))
	case OpNotContains:
		return !strings.Contains(strings.ToLower(field), strings.ToLower(rule.Value))
	case OpIn:
		return inValues(rule.RuleType, field, rule.Values)
	case OpNotIn:
		return !inValues(rule.RuleType, field, rule.Values)
	case OpRegex:
		re := e.pattern(rule.Value)
		return re != nil && re.MatchString(field)
	default:
		e.warnOnce("operator:"+rule.Operator, func() {
			e.logger.Warn().Str("operator", rule.Operator).Int64("rule", rule.ID).Msg("unknown rule operator")
		})
		return false
	}
}

func fieldValue(ruleType string, d *visitor.Descriptor) string {
	switch ruleType {
	case RuleCountry:
		return d.Country()
	case RuleDevice:
		return d.DeviceType
	case RuleBrowser:
		return d.Browser
	case RuleOS:
		return d.OS
	case RuleReferer:
		return d.Referrer
	default:
		return ""
	}
}

// fieldEquals is case-insensitive for the enumerated descriptor fields
// and exact for referer URLs.
func fieldEquals(ruleType, field, value string) bool {
	if ruleType == RuleReferer {
		return field == value
	}
	return strings.EqualFold(field, value)
}

func inValues(ruleType, field string, values []string) bool {
	for _, v := range values {
		if fieldEquals(ruleType, field, v) {
			return true
		}
	}
	return false
}

// pattern returns the compiled regex, or nil when the pattern is
// malformed.
func (e *ruleEvaluator) pattern(expr string) *regexp.Regexp {
	e.mu.RLock()
	re, seen := e.compiled[expr]
	e.mu.RUnlock()
	if seen {
		return re
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if re, seen = e.compiled[expr]; seen {
		return re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		e.logger.Warn().Str("pattern", expr).Err(err).Msg("malformed targeting regex, rule will never match")
		re = nil
	}
	e.compiled[expr] = re
	return re
}

func (e *ruleEvaluator) warnOnce(key string, log func()) {
	e.mu.Lock()
	if _, seen := e.warned[key]; seen {
		e.mu.Unlock()
		return
	}
	e.warned[key] = struct{}{}
	e.mu.Unlock()
	log()
}
