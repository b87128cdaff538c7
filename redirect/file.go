package redirect

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the YAML rule file format:
//
//	rules:
//	  - old: /old-page
//	    new: /new-page
//	  - old: /removed
//	    state: gone
//	patterns:
//	  - match: /blog/*
//	    target: /articles
//	    preserveSuffix: true
type File struct {
	Rules    []Rule    `yaml:"rules"`
	Patterns []Pattern `yaml:"patterns"`
}

func LoadRulesFile(filename string) (File, error) {
	var f File
	b, err := os.ReadFile(filename)
	if err != nil {
		return f, err
	}
	return ParseRules(b)
}

func ParseRules(b []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("parsing rules: %w", err)
	}
	return f, nil
}
