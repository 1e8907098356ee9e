package classify

import (
	"strings"

	"github.com/ppiankov/approvalgate/internal/model"
)

// commandArgKeys are argument names that carry a shell command line.
var commandArgKeys = []string{"command", "cmd"}

// Classifier tags calls with a risk category from static configuration.
// It has no side effects and is safe for concurrent use.
type Classifier struct {
	rules []categoryRule
	model bool
}

type categoryRule struct {
	category model.RiskCategory
	patterns []string
}

// New compiles a Classifier from cfg.
func New(cfg Config) *Classifier {
	lower := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, p := range in {
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	// Strictest first so the first match is the highest rank.
	return &Classifier{
		rules: []categoryRule{
			{model.RiskDestructive, lower(cfg.Destructive)},
			{model.RiskDataExfiltration, lower(cfg.DataExfiltration)},
			{model.RiskExternalNetwork, lower(cfg.ExternalNetwork)},
		},
		model: cfg.modelCallsGoverned(),
	}
}

// Classify returns the risk tag for d. Unknown names are unclassified;
// classification never fails.
func (c *Classifier) Classify(d model.CallDescriptor) model.RiskTag {
	tag := model.RiskTag{Category: model.RiskUnclassified, Governed: true}
	if d.Kind == model.KindModel {
		tag.Governed = c.model
	}

	name := strings.ToLower(d.Name)
	for _, r := range c.rules {
		if p, ok := matchAny(r.patterns, name); ok {
			tag.Category = r.category
			tag.Matched = p
			return tag
		}
	}

	// A generic shell tool is judged by the program it runs.
	for _, key := range commandArgKeys {
		for _, word := range commandWords(d.Args.GetString(key)) {
			for _, r := range c.rules {
				if p, ok := matchAny(r.patterns, word); ok {
					if r.category.Rank() > tag.Category.Rank() {
						tag.Category = r.category
						tag.Matched = p
					}
				}
			}
		}
	}
	return tag
}

func matchAny(patterns []string, name string) (string, bool) {
	for _, p := range patterns {
		if matchPattern(p, name) {
			return p, true
		}
	}
	return "", false
}

// matchPattern: *x* contains, *x suffix, x* prefix, exact otherwise.
// Both arguments are lower-case.
func matchPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1 {
		return strings.Contains(name, pattern[1:len(pattern)-1])
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(name, pattern[1:])
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	}
	return name == pattern
}

// commandWords returns the program names in a command line: the first word
// and the first word after each pipe, && or ;. Paths are reduced to base names.
func commandWords(cmdline string) []string {
	cmdline = strings.ToLower(strings.TrimSpace(cmdline))
	if cmdline == "" {
		return nil
	}
	for _, sep := range []string{"&&", "||", "|", ";"} {
		cmdline = strings.ReplaceAll(cmdline, sep, "\n")
	}
	var words []string
	for _, segment := range strings.Split(cmdline, "\n") {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		w := fields[0]
		if i := strings.LastIndex(w, "/"); i >= 0 {
			w = w[i+1:]
		}
		words = append(words, w)
	}
	return words
}
