package buildfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"autodep/internal/core"
	"autodep/internal/rules"
)

// Names are the build description file names Find looks for, in order.
var Names = []string{"Autodepfile", "autodepfile", "autodep.yaml", "autodep.yml"}

// ErrNotFound means none of Names exists in the searched directory.
var ErrNotFound = errors.New("no build file found")

// Find returns the path of the first of Names present in dir.
func Find(dir string) (string, error) {
	for _, n := range Names {
		p := filepath.Join(dir, n)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w in %s (looked for %s)", ErrNotFound, dir, strings.Join(Names, ", "))
}

type yamlFile struct {
	Rules []yamlRule `yaml:"rules"`
}

type yamlRule struct {
	Targets  []string `yaml:"targets"`
	Deps     []string `yaml:"deps"`
	Commands []string `yaml:"commands"`
}

// ParseYAML reads the YAML form. Unknown keys are errors.
func ParseYAML(data []byte, name string) ([]*core.Rule, error) {
	var doc yamlFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}

	out := make([]*core.Rule, 0, len(doc.Rules))
	for i, r := range doc.Rules {
		if len(r.Targets) == 0 {
			return nil, fmt.Errorf("parse %s: rules[%d] has no targets", name, i)
		}
		out = append(out, &core.Rule{
			Targets:  r.Targets,
			Deps:     r.Deps,
			Commands: r.Commands,
			Origin:   fmt.Sprintf("%s:rules[%d]", name, i),
		})
	}
	return out, nil
}

// Load reads path, choosing the format from its extension.
func Load(path string) ([]*core.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not open build file: %w", err)
	}
	name := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data, name)
	default:
		return Parse(bytes.NewReader(data), name)
	}
}

// LoadRegistry loads path and registers its rules in declaration order.
func LoadRegistry(path string) (*rules.Registry, error) {
	rs, err := Load(path)
	if err != nil {
		return nil, err
	}
	reg := rules.NewRegistry()
	for _, r := range rs {
		if err := reg.Register(r); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
