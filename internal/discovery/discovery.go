// Package discovery locates the submission endpoint announced by a quiz page.
package discovery

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// separator allows colons, quotes and backticks between phrase and locator.
const separator = `[\s:"'\x60]*`

// locatorPattern matches an absolute http(s) locator or a root-relative path.
// Protocol-relative locators are left to Resolve to reject.
const locatorPattern = `(https?://[^\s"'<>]+|/[^\s"'<>]*)`

// Rule is one phrase-anchored pattern. The first capture group is the locator.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultRules are ordered from the most specific phrasing to the most generic
// so that incidental matches never shadow the intended instruction.
var DefaultRules = []Rule{
	mustRule("post-json-to", `post\s+(?:this|the|your|a)?\s*json[^\n]{0,80}?\bto\b`),
	mustRule("post-back-to", `post\s+the\s+[^\n]{0,80}?\bback\s+to\b`),
	mustRule("submit-answer-to", `submit\s+(?:your|the)?\s*answers?[^\n]{0,40}?\bto\b`),
	mustRule("submission-endpoint", `submission\s+(?:url|endpoint)\s*(?:is\b)?`),
	mustRule("post-to", `\bpost\b[^\n]{0,80}?\bto\b`),
}

func mustRule(name, anchor string) Rule {
	return Rule{Name: name, Pattern: regexp.MustCompile(`(?i)` + anchor + separator + locatorPattern)}
}

// CompileRules builds extra rules from configuration. Each pattern must carry
// one capture group holding the locator.
func CompileRules(patterns []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("discovery pattern %d: %w", i, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("discovery pattern %d has no capture group", i)
		}
		rules = append(rules, Rule{Name: fmt.Sprintf("extra-%d", i), Pattern: re})
	}
	return rules, nil
}

// Discoverer applies an ordered rule list.
type Discoverer struct {
	rules []Rule
}

// New returns a discoverer trying the built-in rules first, then extra.
func New(extra ...Rule) *Discoverer {
	rules := make([]Rule, 0, len(DefaultRules)+len(extra))
	rules = append(rules, DefaultRules...)
	rules = append(rules, extra...)
	return &Discoverer{rules: rules}
}

// Discover returns the absolute endpoint announced in text, or "" when no
// rule yields a well-formed http(s) locator.
func (d *Discoverer) Discover(text, currentURL string) string {
	endpoint, _ := d.DiscoverRule(text, currentURL)
	return endpoint
}

// DiscoverRule also reports which rule matched.
func (d *Discoverer) DiscoverRule(text, currentURL string) (string, string) {
	if strings.TrimSpace(text) == "" {
		return "", ""
	}
	for _, rule := range d.rules {
		for _, m := range rule.Pattern.FindAllStringSubmatch(text, -1) {
			if len(m) < 2 {
				continue
			}
			if abs, ok := Resolve(m[1], currentURL); ok {
				return abs, rule.Name
			}
		}
	}
	return "", ""
}

// Resolve trims trailing punctuation and resolves a locator against the
// page URL. Only absolute http(s) results are accepted. A relative locator
// never leaves the page's host, so "//host/path" is rejected.
func Resolve(locator, currentURL string) (string, bool) {
	locator = strings.TrimRight(strings.TrimSpace(locator), ".,;:)]}!?`")
	if locator == "" || strings.HasPrefix(locator, "//") {
		return "", false
	}
	ref, err := url.Parse(locator)
	if err != nil {
		return "", false
	}
	if !ref.IsAbs() {
		if ref.Host != "" {
			return "", false
		}
		base, err := url.Parse(currentURL)
		if err != nil || !base.IsAbs() {
			return "", false
		}
		ref = base.ResolveReference(ref)
	}
	if (ref.Scheme != "http" && ref.Scheme != "https") || ref.Host == "" {
		return "", false
	}
	return ref.String(), true
}
