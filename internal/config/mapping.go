package config

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// Mapping maps extractor element classes to BoQ codes and units. Files
// live under <STORAGE_DIR>/config/*.yml, one per file type.
type Mapping struct {
	Rules []MappingRule `yaml:"rules"`
}

// MappingRule assigns a code and unit to a matched element class.
type MappingRule struct {
	Match       string `yaml:"match"` // element class, e.g. "IfcWall"
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
	Unit        string `yaml:"unit"`
}

// LoadMapping reads the mapping file for a file type. A missing file is
// not an error: extraction falls back to element-derived descriptions.
func LoadMapping(storageDir, fileType string) (*Mapping, error) {
	path := filepath.Join(storageDir, "config", filepath.Base(fileType)+".yml")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Mapping{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var m Mapping
	if err := yaml.NewDecoder(f).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Lookup returns the first rule matching an element class or layer
// name. Match patterns are case-insensitive globs ("IfcWall*",
// "WALL-*"). Returns nil when no rule matches.
func (m *Mapping) Lookup(class string) *MappingRule {
	lower := strings.ToLower(class)
	for i := range m.Rules {
		pattern := strings.ToLower(m.Rules[i].Match)
		if pattern == lower {
			return &m.Rules[i]
		}
		if ok, err := path.Match(pattern, lower); err == nil && ok {
			return &m.Rules[i]
		}
	}
	return nil
}
