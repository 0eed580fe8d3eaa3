package requestpkg

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File is one package file: a list of packages, each naming its capability.
type File struct {
	Packages []Package `yaml:"packages"`
}

// LoadDir loads every .yaml/.yml file in dir and returns the packages keyed
// by capability. A missing directory yields no packages.
func LoadDir(dir string) (map[string]Package, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read request packages dir: %w", err)
	}
	out := make(map[string]Package)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" && filepath.Ext(e.Name()) != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var f File
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		for i, p := range f.Packages {
			if p.Capability == "" {
				return nil, fmt.Errorf("%s: package %d has no capability", path, i)
			}
			if _, dup := out[p.Capability]; dup {
				return nil, fmt.Errorf("%s: capability %q defined twice", path, p.Capability)
			}
			out[p.Capability] = p
		}
	}
	return out, nil
}
