// Package triage evaluates ingested events against a priority-ordered rule
// list before any LLM classification. Matching is fully deterministic: the
// same envelope and rule list always produce the same decision, so the
// switchboard can skip LLM sessions for well-known traffic.
package triage

import (
	"strings"
)

// Rule types.
const (
	RuleSenderDomain    = "sender_domain"
	RuleSenderAddress   = "sender_address"
	RuleHeaderCondition = "header_condition"
	RuleMIMEType        = "mime_type"

	// matchedThreadAffinity marks decisions short-circuited by an existing
	// thread route rather than a stored rule.
	matchedThreadAffinity = "thread_affinity"
)

// Actions. RouteTo composes as "route_to:<butler>".
const (
	ActionPassThrough      = "pass_through"
	ActionSkip             = "skip"
	ActionMetadataOnly     = "metadata_only"
	ActionLowPriorityQueue = "low_priority_queue"

	routeToPrefix = "route_to:"
)

// RouteToAction builds a route_to action string for the target butler.
func RouteToAction(butler string) string {
	return routeToPrefix + butler
}

// Rule is one triage rule. Condition fields depend on Type:
//
//	sender_domain:    {"domain": "...", "match": "exact"|"suffix"}
//	sender_address:   {"address": "..."}
//	header_condition: {"header": "...", "op": "present"|"equals"|"contains", "value": "..."}
//	mime_type:        {"mime_type": "type/subtype" | "type/*"}
//
// Callers supply rules pre-sorted by priority ASC then created_at ASC.
type Rule struct {
	ID        string
	Type      string
	Action    string
	Condition map[string]any
}

// Envelope is the triage view of an ingested event. All string fields are
// expected lowercased (see EnvelopeFromIngest).
type Envelope struct {
	SenderAddress string
	SourceChannel string
	Headers       map[string]string
	MIMETypes     []string
	ThreadID      string
}

// Decision is the triage outcome.
type Decision struct {
	Action          string
	RouteTarget     string
	BypassesLLM     bool
	MatchedRuleID   string
	MatchedRuleType string
}

// Evaluate runs the rule list over the envelope. Thread affinity
// short-circuits everything; otherwise the first matching rule in caller
// order wins. Unknown rule types and malformed conditions are skipped
// silently. No match falls through to pass_through.
func Evaluate(env Envelope, rules []Rule, threadAffinity string) Decision {
	if threadAffinity != "" {
		return Decision{
			Action:          RouteToAction(threadAffinity),
			RouteTarget:     threadAffinity,
			BypassesLLM:     true,
			MatchedRuleType: matchedThreadAffinity,
		}
	}

	for _, rule := range rules {
		if !ruleMatches(env, rule) {
			continue
		}
		return Decision{
			Action:          rule.Action,
			RouteTarget:     RouteTarget(rule.Action),
			BypassesLLM:     rule.Action != ActionPassThrough,
			MatchedRuleID:   rule.ID,
			MatchedRuleType: rule.Type,
		}
	}

	return Decision{Action: ActionPassThrough, BypassesLLM: false}
}

// RouteTarget extracts the butler name from a route_to action. Any other
// action returns "".
func RouteTarget(action string) string {
	if target, ok := strings.CutPrefix(action, routeToPrefix); ok {
		return target
	}
	return ""
}

func ruleMatches(env Envelope, rule Rule) bool {
	switch rule.Type {
	case RuleSenderDomain:
		return matchSenderDomain(env, rule.Condition)
	case RuleSenderAddress:
		return matchSenderAddress(env, rule.Condition)
	case RuleHeaderCondition:
		return matchHeader(env, rule.Condition)
	case RuleMIMEType:
		return matchMIME(env, rule.Condition)
	default:
		// Unknown rule types skip silently so new rule kinds can roll out
		// ahead of daemon upgrades.
		return false
	}
}

func condString(cond map[string]any, key string) (string, bool) {
	v, ok := cond[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func matchSenderDomain(env Envelope, cond map[string]any) bool {
	domain, ok := condString(cond, "domain")
	if !ok || domain == "" {
		return false
	}
	domain = strings.ToLower(domain)

	at := strings.LastIndex(env.SenderAddress, "@")
	if at < 0 || at == len(env.SenderAddress)-1 {
		return false
	}
	senderDomain := env.SenderAddress[at+1:]

	mode, ok := condString(cond, "match")
	if !ok || mode == "" {
		mode = "exact"
	}
	switch mode {
	case "exact":
		return senderDomain == domain
	case "suffix":
		return senderDomain == domain || strings.HasSuffix(senderDomain, "."+domain)
	default:
		return false
	}
}

func matchSenderAddress(env Envelope, cond map[string]any) bool {
	address, ok := condString(cond, "address")
	if !ok || address == "" {
		return false
	}
	return env.SenderAddress == strings.ToLower(strings.TrimSpace(address))
}

func matchHeader(env Envelope, cond map[string]any) bool {
	header, ok := condString(cond, "header")
	if !ok || header == "" {
		return false
	}
	value, present := env.Headers[strings.ToLower(header)]

	op, ok := condString(cond, "op")
	if !ok {
		return false
	}
	switch op {
	case "present":
		return present
	case "equals":
		if !present {
			return false
		}
		want, ok := condString(cond, "value")
		if !ok {
			return false
		}
		return strings.EqualFold(strings.TrimSpace(value), strings.TrimSpace(want))
	case "contains":
		if !present {
			return false
		}
		want, ok := condString(cond, "value")
		if !ok || want == "" {
			return false
		}
		return strings.Contains(strings.ToLower(value), strings.ToLower(want))
	default:
		return false
	}
}

func matchMIME(env Envelope, cond map[string]any) bool {
	pattern, ok := condString(cond, "mime_type")
	if !ok || pattern == "" {
		return false
	}
	pattern = strings.ToLower(pattern)

	for _, mt := range env.MIMETypes {
		if mimeMatches(mt, pattern) {
			return true
		}
	}
	return false
}

func mimeMatches(mediaType, pattern string) bool {
	if mediaType == pattern {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		typ, _, found := strings.Cut(mediaType, "/")
		return found && typ == prefix
	}
	return false
}
