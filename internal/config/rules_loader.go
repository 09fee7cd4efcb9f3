package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const inlineSourceName = "inline-config"

// RuleBundle captures the merged foreman rule definitions after loading every
// configured source. Runtime agents can use the metadata to explain what was
// loaded and why certain definitions were skipped.
type RuleBundle struct {
	Rules   map[string]ForemanRuleConfig
	Sources []string
	Skipped []DefinitionSkip
}

type ruleDocument struct {
	ForemanRules map[string]ForemanRuleConfig `koanf:"foremanRules"`
}

type ruleAggregator struct {
	rules       map[string]ForemanRuleConfig
	ruleSources map[string]string
	ruleSkips   map[string]*DefinitionSkip
	sources     map[string]struct{}
}

func newRuleAggregator() *ruleAggregator {
	return &ruleAggregator{
		rules:       make(map[string]ForemanRuleConfig),
		ruleSources: make(map[string]string),
		ruleSkips:   make(map[string]*DefinitionSkip),
		sources:     make(map[string]struct{}),
	}
}

func (a *ruleAggregator) addDocument(doc ruleDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.ForemanRules {
		a.addRule(name, cfg, source)
	}
}

func (a *ruleAggregator) addRule(name string, cfg ForemanRuleConfig, source string) {
	if existing, ok := a.ruleSkips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.ruleSources[name]; ok {
		a.recordSkip(name, "duplicate definition", prev, source)
		delete(a.ruleSources, name)
		delete(a.rules, name)
		return
	}
	a.ruleSources[name] = source
	a.rules[name] = cfg
}

func (a *ruleAggregator) recordSkip(name, reason, firstSource, secondSource string) {
	a.ruleSkips[name] = &DefinitionSkip{
		Kind:    "foremanRule",
		Name:    name,
		Reason:  reason,
		Sources: appendUnique([]string{firstSource}, secondSource),
	}
}

func (a *ruleAggregator) bundle() RuleBundle {
	sources := make([]string, 0, len(a.sources))
	for s := range a.sources {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	skipped := make([]DefinitionSkip, 0, len(a.ruleSkips))
	for _, skip := range a.ruleSkips {
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })

	return RuleBundle{Rules: a.rules, Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

// buildRuleBundle merges the inline (already-unmarshaled) foreman rules with
// whatever the configured rulesFolder/rulesFile contributes, flagging
// duplicate rule names as skipped rather than silently overwriting one
// definition with another.
func buildRuleBundle(ctx context.Context, inline map[string]ForemanRuleConfig, cfg ForemanConfig) (RuleBundle, error) {
	agg := newRuleAggregator()
	if len(inline) > 0 {
		agg.addDocument(ruleDocument{ForemanRules: inline}, inlineSourceName)
	}

	switch {
	case cfg.RulesFile != "":
		doc, err := loadRuleDocument(cfg.RulesFile)
		if err != nil {
			return RuleBundle{}, err
		}
		agg.addDocument(doc, cfg.RulesFile)
	case cfg.RulesFolder != "":
		entries, err := discoverRuleFiles(cfg.RulesFolder)
		if err != nil {
			if os.IsNotExist(err) {
				return agg.bundle(), nil
			}
			return RuleBundle{}, err
		}
		for _, path := range entries {
			select {
			case <-ctx.Done():
				return RuleBundle{}, ctx.Err()
			default:
			}
			doc, err := loadRuleDocument(path)
			if err != nil {
				return RuleBundle{}, err
			}
			agg.addDocument(doc, path)
		}
	}

	return agg.bundle(), nil
}

func discoverRuleFiles(folder string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".json", ".toml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func loadRuleDocument(path string) (ruleDocument, error) {
	k := koanf.New(".")
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		parser = kjson.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		parser = yaml.Parser()
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return ruleDocument{}, fmt.Errorf("config: load rule file %s: %w", path, err)
	}
	var doc ruleDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return ruleDocument{}, fmt.Errorf("config: unmarshal rule file %s: %w", path, err)
	}
	return doc, nil
}

func isSupportedRulesFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
		return true
	default:
		return false
	}
}

func cloneRuleMap(in map[string]ForemanRuleConfig) map[string]ForemanRuleConfig {
	if in == nil {
		return nil
	}
	out := make(map[string]ForemanRuleConfig, len(in))
	for k, v := range in {
		actions := make([]ForemanRuleActionConfig, len(v.Actions))
		copy(actions, v.Actions)
		v.Actions = actions
		out[k] = v
	}
	return out
}
