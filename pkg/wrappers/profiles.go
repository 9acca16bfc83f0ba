package wrappers

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/user/gosec-scan/pkg/engine"
)

// Profile overrides how one tool kind is invoked
type Profile struct {
	Kind        string   `yaml:"kind"`
	Description string   `yaml:"description"`
	Image       string   `yaml:"image"`
	Format      string   `yaml:"format"`
	Args        []string `yaml:"args"` // text/template strings, see TemplateData
	Env         []string `yaml:"env"`
}

// LoadProfiles reads YAML profiles from dir. A missing directory means no
// profiles. A later file for the same kind replaces an earlier one.
func LoadProfiles(dir string, log logrus.FieldLogger) (map[engine.ToolKind]Profile, error) {
	profiles := make(map[engine.ToolKind]Profile)
	if dir == "" {
		return profiles, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return profiles, nil
	}
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}
		kind, err := engine.ParseToolKind(p.Kind)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", entry.Name(), err)
		}
		if err := CheckArgs(p.Args); err != nil {
			return nil, fmt.Errorf("profile %s: %w", entry.Name(), err)
		}
		profiles[kind] = p
		log.WithFields(logrus.Fields{"tool": kind, "file": entry.Name()}).Debug("loaded scanner profile")
	}
	return profiles, nil
}
