package prompt

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentor/agentor/internal/common/config"
)

// Manifest describes a methodology plugin. It lives at plugin.yaml inside
// the plugin root and names the subdirectories to link into workspaces.
type Manifest struct {
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	Link    []string `yaml:"link"`
}

// defaultLinkDirs are linked when the plugin carries no manifest.
var defaultLinkDirs = []string{"skills", "rules", "commands"}

// LoadManifest reads the plugin manifest, falling back to defaults when the
// file is absent.
func LoadManifest(pluginPath string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(pluginPath, "plugin.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{Link: defaultLinkDirs}, nil
		}
		return nil, fmt.Errorf("read plugin manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse plugin manifest: %w", err)
	}
	if len(m.Link) == 0 {
		m.Link = defaultLinkDirs
	}
	return &m, nil
}

// LinkMethodology symlinks the methodology plugin's named subdirectories
// (skills, rules, ...) into the workspace's .claude directory. Only subdirs
// are linked, never the plugin root: the workspace's own .claude/settings.json
// is written by the post-launch hook and must not leak into the plugin source.
// Existing link targets are replaced.
func (c *Composer) LinkMethodology(project *config.Project, workspacePath string) error {
	if !project.PRPEnabled() || project.PRP.PluginPath == "" {
		return nil
	}

	manifest, err := LoadManifest(project.PRP.PluginPath)
	if err != nil {
		return err
	}

	claudeDir := filepath.Join(workspacePath, ".claude")
	if err := os.MkdirAll(claudeDir, 0o755); err != nil {
		return fmt.Errorf("create .claude directory: %w", err)
	}

	for _, sub := range manifest.Link {
		src := filepath.Join(project.PRP.PluginPath, sub)
		if _, err := os.Stat(src); err != nil {
			// Plugin does not ship this subdir; skip.
			continue
		}
		dst := filepath.Join(claudeDir, sub)
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("replace link target %s: %w", dst, err)
		}
		if err := os.Symlink(src, dst); err != nil {
			return fmt.Errorf("symlink %s: %w", sub, err)
		}
		c.logger.Debug("linked methodology subdir",
			zap.String("src", src),
			zap.String("dst", dst))
	}
	return nil
}
