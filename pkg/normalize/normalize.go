// Package normalize canonicalizes captured subject output so that volatile
// fragments (timestamps, absolute paths, debug chatter, resource reports)
// do not cause spurious validation failures.
package normalize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethpandaops/testbench/pkg/config"
)

// Kind identifies how a rule transforms its input.
type Kind string

const (
	// KindReplace rewrites every match of Pattern with Replacement.
	KindReplace Kind = "replace"
	// KindDropLine removes every line matching Pattern.
	KindDropLine Kind = "drop_line"
	// KindTruncateFrom removes the first line matching Pattern and everything after it.
	KindTruncateFrom Kind = "truncate_from"
	// KindTrimTrailing strips trailing whitespace from the end of the output.
	KindTrimTrailing Kind = "trim_trailing"
)

// Placeholders substituted for volatile values.
const (
	TimestampPlaceholder = "<TIMESTAMP>"
	SpecFilePlaceholder  = "<SPEC_FILE>"
	SearchDirPlaceholder = "<SEARCH_DIR>"
)

// Rule is a single pure transformation step.
type Rule struct {
	Name        string
	Kind        Kind
	Pattern     *regexp.Regexp
	Replacement string
}

// Apply runs the rule against s.
func (r Rule) Apply(s string) string {
	switch r.Kind {
	case KindReplace:
		return r.Pattern.ReplaceAllString(s, r.Replacement)
	case KindDropLine:
		lines := strings.Split(s, "\n")
		kept := lines[:0]

		for _, line := range lines {
			if !r.Pattern.MatchString(line) {
				kept = append(kept, line)
			}
		}

		return strings.Join(kept, "\n")
	case KindTruncateFrom:
		lines := strings.Split(s, "\n")

		for i, line := range lines {
			if r.Pattern.MatchString(line) {
				return strings.Join(lines[:i], "\n")
			}
		}

		return s
	case KindTrimTrailing:
		return strings.TrimRight(s, " \t\r\n")
	default:
		return s
	}
}

// Normalizer applies an ordered list of rules.
type Normalizer struct {
	rules []Rule
}

// New creates a Normalizer running rules in the given order.
func New(rules ...Rule) *Normalizer {
	return &Normalizer{rules: rules}
}

// Default returns a Normalizer with the built-in rule set.
func Default() *Normalizer {
	return New(DefaultRules()...)
}

// FromConfig builds a Normalizer from the built-in rules (unless disabled)
// followed by the configured extra rules. Trailing whitespace trimming
// always runs last.
func FromConfig(cfg *config.NormalizeConfig) (*Normalizer, error) {
	rules := make([]Rule, 0, 16)

	if !cfg.DisableDefaults {
		defaults := DefaultRules()
		rules = append(rules, defaults[:len(defaults)-1]...)
	}

	for i, rc := range cfg.ExtraRules {
		rule, err := ruleFromConfig(rc)
		if err != nil {
			return nil, fmt.Errorf("extra rule %d: %w", i, err)
		}

		rules = append(rules, rule)
	}

	rules = append(rules, Rule{Name: "trailing-whitespace", Kind: KindTrimTrailing})

	return New(rules...), nil
}

func ruleFromConfig(rc config.RuleConfig) (Rule, error) {
	kind := Kind(rc.Kind)

	switch kind {
	case KindReplace, KindDropLine, KindTruncateFrom:
	default:
		return Rule{}, fmt.Errorf("unsupported kind %q", rc.Kind)
	}

	re, err := regexp.Compile(rc.Pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("compiling pattern %q: %w", rc.Pattern, err)
	}

	name := rc.Name
	if name == "" {
		name = string(kind) + ":" + rc.Pattern
	}

	return Rule{Name: name, Kind: kind, Pattern: re, Replacement: rc.Replacement}, nil
}

// Normalize runs every rule in order. It is deterministic and idempotent:
// Normalize(Normalize(x)) == Normalize(x).
func (n *Normalizer) Normalize(s string) string {
	for _, rule := range n.rules {
		s = rule.Apply(s)
	}

	return s
}

// Rules returns a copy of the configured rules.
func (n *Normalizer) Rules() []Rule {
	out := make([]Rule, len(n.rules))
	copy(out, n.rules)

	return out
}

// absPath matches a POSIX or Windows absolute path.
const absPath = `(?:/|[A-Za-z]:\\)[^\s"]*`

// absJSONPath matches an absolute path inside a JSON string, where
// backslashes are escaped.
const absJSONPath = `(?:/|[A-Za-z]:\\\\)[^"]*`

// DefaultRules returns the built-in rules in application order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "line-endings",
			Kind:        KindReplace,
			Pattern:     regexp.MustCompile(`\r\n`),
			Replacement: "\n",
		},
		{
			Name:        "generated-on",
			Kind:        KindReplace,
			Pattern:     regexp.MustCompile(`Generated on \d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}(?: UTC)?`),
			Replacement: "Generated on " + TimestampPlaceholder,
		},
		{
			Name:        "json-generated",
			Kind:        KindReplace,
			Pattern:     regexp.MustCompile(`("generated":\s*)"[^"]*"`),
			Replacement: `${1}"` + TimestampPlaceholder + `"`,
		},
		{
			Name: "iso-timestamp",
			Kind: KindReplace,
			Pattern: regexp.MustCompile(
				`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2}| UTC)?`,
			),
			Replacement: TimestampPlaceholder,
		},
		{
			Name:        "spec-path",
			Kind:        KindReplace,
			Pattern:     regexp.MustCompile(`(API Spec:[ \t]*)` + absPath),
			Replacement: "${1}" + SpecFilePlaceholder,
		},
		{
			Name:        "search-dir",
			Kind:        KindReplace,
			Pattern:     regexp.MustCompile(`(Search Dir:[ \t]*)` + absPath),
			Replacement: "${1}" + SearchDirPlaceholder,
		},
		{
			Name:        "json-spec-path",
			Kind:        KindReplace,
			Pattern:     regexp.MustCompile(`("api_spec":\s*)"` + absJSONPath + `"`),
			Replacement: `${1}"` + SpecFilePlaceholder + `"`,
		},
		{
			Name:        "json-search-dir",
			Kind:        KindReplace,
			Pattern:     regexp.MustCompile(`("search_dir":\s*)"` + absJSONPath + `"`),
			Replacement: `${1}"` + SearchDirPlaceholder + `"`,
		},
		{
			Name:        "json-scan-time",
			Kind:        KindReplace,
			Pattern:     regexp.MustCompile(`("scan_time_ms":\s*)\d+(?:\.\d+)?`),
			Replacement: "${1}0",
		},
		{
			Name:    "debug-lines",
			Kind:    KindDropLine,
			Pattern: regexp.MustCompile(`DEBUG:`),
		},
		{
			Name:    "resource-report",
			Kind:    KindTruncateFrom,
			Pattern: regexp.MustCompile(`^\s*\d+(?:\.\d+)?\s+\d+\.\d+`),
		},
		{
			Name: "trailing-whitespace",
			Kind: KindTrimTrailing,
		},
	}
}

// Canonicalize applies the escaping pass used for stored fixtures: a
// leading UTF-8 byte order mark is removed and CRLF line endings become LF.
func Canonicalize(s string) string {
	s = strings.TrimPrefix(s, "\uFEFF")

	return strings.ReplaceAll(s, "\r\n", "\n")
}
