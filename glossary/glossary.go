// Package glossary pins terminology: source terms that must always map
// to a fixed target rendering, applied around provider calls so the
// model cannot improvise names, places, or system vocabulary.
package glossary

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Glossary maps source terms to their fixed target renderings.
type Glossary struct {
	// terms sorted longest-first so overlapping terms match greedily.
	terms []term
}

type term struct {
	Source string
	Target string
}

// file is the on-disk shape: a flat map under a "terms" key.
type file struct {
	Terms map[string]string `yaml:"terms"`
}

// Load reads a glossary YAML file. A missing path yields an empty
// glossary, not an error.
func Load(path string) (*Glossary, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read glossary: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse glossary %s: %w", path, err)
	}
	return New(f.Terms), nil
}

// New builds a glossary from a term map.
func New(terms map[string]string) *Glossary {
	g := &Glossary{}
	for src, dst := range terms {
		if src == "" {
			continue
		}
		g.terms = append(g.terms, term{Source: src, Target: dst})
	}
	sort.Slice(g.terms, func(i, j int) bool {
		if len(g.terms[i].Source) != len(g.terms[j].Source) {
			return len(g.terms[i].Source) > len(g.terms[j].Source)
		}
		return g.terms[i].Source < g.terms[j].Source
	})
	return g
}

// Len returns the number of terms.
func (g *Glossary) Len() int { return len(g.terms) }

// Mask replaces every glossary term in text with an opaque placeholder
// before the text goes to a provider. Placeholders survive translation
// untouched and Unmask swaps in the pinned target term afterwards.
func (g *Glossary) Mask(text string) string {
	for i, t := range g.terms {
		text = strings.ReplaceAll(text, t.Source, placeholder(i))
	}
	return text
}

// Unmask resolves placeholders left by Mask into target terms.
func (g *Glossary) Unmask(text string) string {
	for i, t := range g.terms {
		text = strings.ReplaceAll(text, placeholder(i), t.Target)
	}
	return text
}

// Pin applies the glossary directly to already-translated text: any
// source term the provider left in place is replaced with its target.
// Used as the post-processing pass when masking is disabled.
func (g *Glossary) Pin(text string) string {
	for _, t := range g.terms {
		text = strings.ReplaceAll(text, t.Source, t.Target)
	}
	return text
}

// placeholder must be characters no provider will translate or strip.
func placeholder(i int) string {
	return fmt.Sprintf("⟦G%d⟧", i)
}

// Terms returns the term pairs, longest source first.
func (g *Glossary) Terms() map[string]string {
	out := make(map[string]string, len(g.terms))
	for _, t := range g.terms {
		out[t.Source] = t.Target
	}
	return out
}
