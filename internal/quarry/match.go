// Package quarry decides whether a chat message was posted by the watched participant.
package quarry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"bellbot/internal/config"
	"bellbot/internal/transport"
)

var ErrConfiguration = errors.New("invalid quarry rule")

type Kind string

const (
	KindNick      Kind = "nick"
	KindNickRegex Kind = "nick-regex"
	KindUID       Kind = "uid"
)

// Rule is one compiled match rule.
type Rule struct {
	kind  Kind
	value string
	re    *regexp.Regexp
}

// NewRule compiles a rule. Unknown kinds, empty values and bad regexes fail here,
// never at match time.
func NewRule(rc config.RuleConfig) (Rule, error) {
	switch Kind(strings.TrimSpace(rc.Type)) {
	case KindNick:
		if rc.Nick == "" {
			return Rule{}, fmt.Errorf("%w: nick rule needs a nick", ErrConfiguration)
		}
		return Rule{kind: KindNick, value: rc.Nick}, nil
	case KindNickRegex:
		if rc.Regex == "" {
			return Rule{}, fmt.Errorf("%w: nick-regex rule needs a regex", ErrConfiguration)
		}
		re, err := regexp.Compile(rc.Regex)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: nick-regex %q: %v", ErrConfiguration, rc.Regex, err)
		}
		return Rule{kind: KindNickRegex, value: rc.Regex, re: re}, nil
	case KindUID:
		id := strings.TrimSpace(rc.ID)
		if id == "" {
			return Rule{}, fmt.Errorf("%w: uid rule needs an id", ErrConfiguration)
		}
		return Rule{kind: KindUID, value: id}, nil
	default:
		return Rule{}, fmt.Errorf("%w: unrecognized type %q", ErrConfiguration, rc.Type)
	}
}

func (r Rule) Kind() Kind { return r.kind }

func (r Rule) String() string { return string(r.kind) + ":" + r.value }

// Match reports whether msg was authored by the target this rule describes.
func (r Rule) Match(msg transport.Message) bool {
	switch r.kind {
	case KindNick:
		return msg.SenderName == r.value
	case KindNickRegex:
		return r.re.MatchString(msg.SenderName)
	case KindUID:
		return msg.SenderID != "" && msg.SenderID == r.value
	}
	return false
}

// Matcher ORs a set of rules.
type Matcher struct {
	rules []Rule
}

func NewMatcher(rcs []config.RuleConfig) (*Matcher, error) {
	if len(rcs) == 0 {
		return nil, fmt.Errorf("%w: no rules", ErrConfiguration)
	}
	m := &Matcher{rules: make([]Rule, 0, len(rcs))}
	for i, rc := range rcs {
		r, err := NewRule(rc)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		m.rules = append(m.rules, r)
	}
	return m, nil
}

func (m *Matcher) Match(msg transport.Message) bool {
	for _, r := range m.rules {
		if r.Match(msg) {
			return true
		}
	}
	return false
}

func (m *Matcher) Rules() []Rule { return append([]Rule(nil), m.rules...) }
