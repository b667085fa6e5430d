// Package setup handles specsync project initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/msageha/specsync/internal/config"
	"github.com/msageha/specsync/internal/fileio"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/templates"
)

// Run initializes the .specsync/ directory structure and the docs directory
// in projectDir. projectName defaults to the directory's base name.
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, config.SyncDirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	if projectName == "" {
		projectName = filepath.Base(absDir)
	}
	content, cfg, err := generateConfig(projectName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}

	layout := config.NewLayout(absDir, cfg)
	for _, d := range layout.Dirs() {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := fileio.AtomicWriteRaw(layout.ConfigPath(), content, validateConfig); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

// generateConfig fills the project name into the embedded template. The
// template is edited as a node tree so its comments survive.
func generateConfig(projectName string) ([]byte, model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, model.Config{}, fmt.Errorf("read config template: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, model.Config{}, fmt.Errorf("parse config template: %w", err)
	}
	name := lookup(&doc, "project", "name")
	if name == nil {
		return nil, model.Config{}, fmt.Errorf("config template has no project.name")
	}
	name.SetString(projectName)

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, model.Config{}, fmt.Errorf("encode config: %w", err)
	}
	cfg := model.DefaultConfig()
	if err := yaml.Unmarshal(out, &cfg); err != nil {
		return nil, model.Config{}, fmt.Errorf("decode config: %w", err)
	}
	return out, cfg, nil
}

// lookup follows a path of mapping keys from the document root.
func lookup(n *yaml.Node, path ...string) *yaml.Node {
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	for _, key := range path {
		if n.Kind != yaml.MappingNode {
			return nil
		}
		var next *yaml.Node
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == key {
				next = n.Content[i+1]
				break
			}
		}
		if next == nil {
			return nil
		}
		n = next
	}
	return n
}

func validateConfig(content []byte) error {
	cfg := model.DefaultConfig()
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return err
	}
	return config.Validate(cfg)
}
