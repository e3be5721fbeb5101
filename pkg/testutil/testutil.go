package testutil

import (
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/gitpod-io/kiln/pkg/kiln"
)

// Setup describes a recipe directory for tests
type Setup struct {
	// Location of the recipe relative to the materialized root
	Location string `yaml:"location"`
	// Recipe is the content of the recipe file
	Recipe string `yaml:"recipe"`
	// Files are placed relative to the recipe
	Files map[string]string `yaml:"files"`
	// Lockfile, if set, is written next to the recipe
	Lockfile string `yaml:"lockfile"`
}

// LoadFromYAML loads a recipe setup from a YAML file
func LoadFromYAML(in io.Reader) (*Setup, error) {
	fc, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}

	var res Setup
	err = yaml.Unmarshal(fc, &res)
	if err != nil {
		return nil, err
	}

	return &res, nil
}

// Materialize produces a recipe directory according to the setup and returns the recipe file
func (s Setup) Materialize(root string) (recipe string, err error) {
	dir := filepath.Join(root, s.Location)
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return
	}

	for fn, content := range s.Files {
		p := filepath.Join(dir, fn)
		err = os.MkdirAll(filepath.Dir(p), 0755)
		if err != nil {
			return
		}
		err = os.WriteFile(p, []byte(content), 0644)
		if err != nil {
			return
		}
	}
	if s.Lockfile != "" {
		err = os.WriteFile(filepath.Join(dir, kiln.LockfileName), []byte(s.Lockfile), 0644)
		if err != nil {
			return
		}
	}

	recipe = filepath.Join(dir, kiln.RecipeFile)
	err = os.WriteFile(recipe, []byte(s.Recipe), 0644)
	return
}
