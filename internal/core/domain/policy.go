package domain

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// Action is the outcome a rule assigns. The zero value is deny.
type Action int

const (
	ActionDeny Action = iota
	ActionAllow
)

// ParseAction parses "allow" or "deny".
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "allow":
		return ActionAllow, nil
	case "deny", "":
		return ActionDeny, nil
	}
	return ActionDeny, fmt.Errorf("invalid action %q", s)
}

// RuleSpec is one declared access rule, in declaration order.
type RuleSpec struct {
	Peer     string `yaml:"peer"`
	Protocol string `yaml:"protocol,omitempty"`
	Method   string `yaml:"method,omitempty"`
	Action   string `yaml:"action"`
}

// DenyRuleSpec is an early deny predicate evaluated before the allow rules.
type DenyRuleSpec struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

// RulesetSpec is the on-disk policy document. Besides the ordered rules list
// it accepts the flat allow_from / allow_methods form, which expands into
// allow rules ahead of compilation.
type RulesetSpec struct {
	ID            string         `yaml:"id"`
	DefaultAction string         `yaml:"default_action,omitempty"`
	Rules         []RuleSpec     `yaml:"rules,omitempty"`
	AllowFrom     []string       `yaml:"allow_from,omitempty"`
	AllowMethods  []string       `yaml:"allow_methods,omitempty"`
	DenyRules     []DenyRuleSpec `yaml:"deny_rules,omitempty"`
}

// EvalInput is the triple a decision is made on.
type EvalInput struct {
	PeerID   string
	Protocol Protocol
	Method   string // "VERB /path" for HTTP, "service/method" for gRPC, "" for TCP
	PeerIP   string
}

// Decision is the evaluation outcome. Reason reports the category only and
// never leaks rule contents.
type Decision struct {
	Allowed bool
	Reason  string
}

const (
	ReasonRule    = "rule"
	ReasonDefault = "default"
	ReasonIP      = "ip"
)

// stringMatcher matches one predicate against a full input string.
type stringMatcher interface {
	match(s string) bool
}

type anyMatcher struct{}

func (anyMatcher) match(string) bool { return true }

type exactMatcher string

func (m exactMatcher) match(s string) bool { return string(m) == s }

type globMatcher struct{ g glob.Glob }

func (m globMatcher) match(s string) bool { return m.g.Match(s) }

type regexMatcher struct{ re *regexp.Regexp }

func (m regexMatcher) match(s string) bool { return m.re.MatchString(s) }

// compileMatcher turns a pattern into a matcher. "*" alone matches anything;
// "regex:<expr>" compiles to a regexp; a pattern containing glob metacharacters
// compiles as a glob where "*" stays within one /-separated segment and "**"
// crosses segments; everything else is exact string equality.
func compileMatcher(pattern string) (stringMatcher, error) {
	switch {
	case pattern == "" || pattern == "*" || pattern == "**":
		return anyMatcher{}, nil
	case strings.HasPrefix(pattern, "regex:"):
		re, err := regexp.Compile(strings.TrimPrefix(pattern, "regex:"))
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern: %w", err)
		}
		return regexMatcher{re: re}, nil
	case strings.ContainsAny(pattern, "*?["):
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern: %w", err)
		}
		return globMatcher{g: g}, nil
	default:
		return exactMatcher(pattern), nil
	}
}

// methodMatcher matches the method_or_path input. The HTTP form carries a
// verb; the gRPC/plain form matches the whole token.
type methodMatcher struct {
	verb string // uppercased; "" for the single-token form, "*" for any verb
	rest stringMatcher
}

func compileMethodMatcher(pattern string) (*methodMatcher, error) {
	verb, rest, found := strings.Cut(pattern, " ")
	if !found {
		m, err := compileMatcher(pattern)
		if err != nil {
			return nil, err
		}
		return &methodMatcher{rest: m}, nil
	}
	m, err := compileMatcher(strings.TrimSpace(rest))
	if err != nil {
		return nil, err
	}
	return &methodMatcher{verb: strings.ToUpper(verb), rest: m}, nil
}

func (m *methodMatcher) match(method string) bool {
	if m.verb == "" {
		return m.rest.match(method)
	}
	verb, rest, found := strings.Cut(method, " ")
	if !found {
		return false
	}
	if m.verb != "*" && !strings.EqualFold(m.verb, verb) {
		return false
	}
	return m.rest.match(rest)
}

// CompiledRule is one rule with all predicates compiled.
type CompiledRule struct {
	peer     stringMatcher
	protocol Protocol // "" means any
	method   *methodMatcher
	action   Action
}

func (r *CompiledRule) matches(in EvalInput) bool {
	if !r.peer.match(in.PeerID) {
		return false
	}
	if r.protocol != "" && r.protocol != in.Protocol {
		return false
	}
	if r.method != nil {
		// A method predicate never matches raw TCP; there is no method concept
		// on that path.
		if in.Protocol == ProtocolTCP {
			return false
		}
		return r.method.match(in.Method)
	}
	return true
}

// Ruleset is an immutable compiled policy. Evaluation is deterministic and
// side-effect-free; snapshots are swapped whole on reload.
type Ruleset struct {
	ID            string
	defaultAction Action
	rules         []CompiledRule
	denyIPs       []*net.IPNet
}

// CompileRuleset validates and compiles a policy document. Malformed patterns
// are load-time errors, never runtime ones.
func CompileRuleset(spec *RulesetSpec) (*Ruleset, error) {
	if spec == nil {
		return nil, fmt.Errorf("policy document is empty")
	}

	defaultAction, err := ParseAction(spec.DefaultAction)
	if err != nil {
		return nil, fmt.Errorf("ruleset %s: %w", spec.ID, err)
	}

	specs := expandFlatForm(spec)
	rules := make([]CompiledRule, 0, len(specs))
	for i, rs := range specs {
		r, err := compileRule(rs)
		if err != nil {
			return nil, fmt.Errorf("ruleset %s rule %d: %w", spec.ID, i, err)
		}
		rules = append(rules, r)
	}

	denyIPs, err := compileDenyIPs(spec.DenyRules)
	if err != nil {
		return nil, fmt.Errorf("ruleset %s: %w", spec.ID, err)
	}

	return &Ruleset{
		ID:            spec.ID,
		defaultAction: defaultAction,
		rules:         rules,
		denyIPs:       denyIPs,
	}, nil
}

func compileRule(rs RuleSpec) (CompiledRule, error) {
	peer, err := compileMatcher(rs.Peer)
	if err != nil {
		return CompiledRule{}, fmt.Errorf("peer: %w", err)
	}

	var protocol Protocol
	if rs.Protocol != "" && rs.Protocol != "*" && rs.Protocol != "any" {
		p, ok := ParseProtocol(strings.ToLower(rs.Protocol))
		if !ok {
			return CompiledRule{}, fmt.Errorf("invalid protocol %q", rs.Protocol)
		}
		protocol = p
	}

	var method *methodMatcher
	if rs.Method != "" && rs.Method != "*" && rs.Method != "any" {
		method, err = compileMethodMatcher(rs.Method)
		if err != nil {
			return CompiledRule{}, fmt.Errorf("method: %w", err)
		}
	}

	action, err := ParseAction(rs.Action)
	if err != nil {
		return CompiledRule{}, err
	}

	return CompiledRule{peer: peer, protocol: protocol, method: method, action: action}, nil
}

// expandFlatForm turns the allow_from / allow_methods document shape into
// ordered allow rules: one rule per (peer, method) pair, or per peer when no
// methods are listed.
func expandFlatForm(spec *RulesetSpec) []RuleSpec {
	out := make([]RuleSpec, 0, len(spec.Rules)+len(spec.AllowFrom)*max(1, len(spec.AllowMethods)))
	for _, peer := range spec.AllowFrom {
		if len(spec.AllowMethods) == 0 {
			out = append(out, RuleSpec{Peer: peer, Action: "allow"})
			continue
		}
		for _, m := range spec.AllowMethods {
			out = append(out, RuleSpec{
				Peer:     peer,
				Protocol: inferMethodProtocol(m),
				Method:   m,
				Action:   "allow",
			})
		}
	}
	return append(out, spec.Rules...)
}

// inferMethodProtocol classifies an allow_methods entry: the HTTP form is
// "<VERB> <path>", the gRPC form "<service>/<method>".
func inferMethodProtocol(method string) string {
	if method == "" || method == "*" {
		return ""
	}
	if strings.Contains(method, " ") {
		return string(ProtocolHTTP)
	}
	return string(ProtocolGRPC)
}

func compileDenyIPs(specs []DenyRuleSpec) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, d := range specs {
		if !strings.EqualFold(d.Type, "ip") {
			return nil, fmt.Errorf("unsupported deny rule type %q", d.Type)
		}
		value := d.Value
		if !strings.Contains(value, "/") {
			ip := net.ParseIP(value)
			if ip == nil {
				return nil, fmt.Errorf("invalid deny IP %q", d.Value)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(value)
		if err != nil {
			return nil, fmt.Errorf("invalid deny CIDR %q: %w", d.Value, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// Evaluate applies the ruleset to one input. IP deny rules run first and
// short-circuit; then rules are scanned in declaration order and the first
// whose predicates all match decides; otherwise the default action applies.
func (r *Ruleset) Evaluate(in EvalInput) Decision {
	if len(r.denyIPs) > 0 && in.PeerIP != "" {
		if ip := net.ParseIP(in.PeerIP); ip != nil {
			for _, n := range r.denyIPs {
				if n.Contains(ip) {
					return Decision{Allowed: false, Reason: ReasonIP}
				}
			}
		}
	}

	for i := range r.rules {
		if r.rules[i].matches(in) {
			return Decision{Allowed: r.rules[i].action == ActionAllow, Reason: ReasonRule}
		}
	}
	return Decision{Allowed: r.defaultAction == ActionAllow, Reason: ReasonDefault}
}

// Len reports the number of compiled rules.
func (r *Ruleset) Len() int { return len(r.rules) }
