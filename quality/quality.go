// Package quality runs pattern checks over translated text: known
// mistranslations, awkward phrasings, and dropped control sequences.
// Patterns load from a YAML file so a reviewer can extend them without
// a rebuild.
package quality

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Severity ranks an issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Pattern is one configured check.
type Pattern struct {
	Pattern     string   `yaml:"pattern"`
	Description string   `yaml:"description"`
	Severity    Severity `yaml:"severity"`
	Suggestion  string   `yaml:"suggestion,omitempty"`

	re *regexp.Regexp
}

type patternsFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// Issue is one finding in one unit.
type Issue struct {
	UnitID      string
	Matched     string
	Description string
	Severity    Severity
	Suggestion  string
}

// Checker applies patterns plus built-in structural checks.
type Checker struct {
	patterns []Pattern
}

// Load reads patterns from a YAML file. A missing path yields a checker
// with structural checks only.
func Load(path string) (*Checker, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("read quality patterns: %w", err)
	}
	var f patternsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse quality patterns %s: %w", path, err)
	}
	return New(f.Patterns)
}

// New compiles the given patterns.
func New(patterns []Pattern) (*Checker, error) {
	c := &Checker{}
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("quality pattern %q: %w", p.Pattern, err)
		}
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		p.re = re
		c.patterns = append(c.patterns, p)
	}
	return c, nil
}

// control sequences that must survive translation byte for byte.
var controlSeq = regexp.MustCompile(`\\[cCnNvViIgG]\[\d+\]|\\[nN]|%\d+|\{\d+\}`)

// Check runs every pattern and the structural checks against one
// translated unit.
func (c *Checker) Check(unitID, source, translated string) []Issue {
	var issues []Issue
	for _, p := range c.patterns {
		for _, m := range p.re.FindAllString(translated, -1) {
			issues = append(issues, Issue{
				UnitID:      unitID,
				Matched:     m,
				Description: p.Description,
				Severity:    p.Severity,
				Suggestion:  p.Suggestion,
			})
		}
	}
	issues = append(issues, checkControlSequences(unitID, source, translated)...)
	return issues
}

// checkControlSequences flags control codes present in the source but
// missing or mutated in the translation. Game engines render these
// literally; a dropped \c[2] breaks coloring for the rest of the line.
func checkControlSequences(unitID, source, translated string) []Issue {
	want := countSeqs(source)
	got := countSeqs(translated)

	var issues []Issue
	for seq, n := range want {
		if got[seq] < n {
			issues = append(issues, Issue{
				UnitID:      unitID,
				Matched:     seq,
				Description: fmt.Sprintf("control sequence %s appears %d time(s) in source, %d in translation", seq, n, got[seq]),
				Severity:    SeverityError,
				Suggestion:  "carry the sequence over unchanged",
			})
		}
	}
	return issues
}

func countSeqs(text string) map[string]int {
	out := make(map[string]int)
	for _, m := range controlSeq.FindAllString(text, -1) {
		out[m]++
	}
	return out
}

// Report renders issues grouped by severity, errors first.
func Report(issues []Issue) string {
	if len(issues) == 0 {
		return "no issues found"
	}
	var b strings.Builder
	for _, sev := range []Severity{SeverityError, SeverityWarning, SeverityInfo} {
		for _, is := range issues {
			if is.Severity != sev {
				continue
			}
			fmt.Fprintf(&b, "[%s] %s: %s (%q)", strings.ToUpper(string(sev)), is.UnitID, is.Description, is.Matched)
			if is.Suggestion != "" {
				fmt.Fprintf(&b, " -> %s", is.Suggestion)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
