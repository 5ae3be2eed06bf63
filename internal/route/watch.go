package route

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// rulesFile is the on-disk shape of a routing rules file.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rule table from path.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s defines no rules", path)
	}

	for i, r := range f.Rules {
		if r.Category == "" {
			return nil, fmt.Errorf("rule %d: category is required", i)
		}
		if len(r.Keywords) == 0 {
			return nil, fmt.Errorf("rule %d (%s): keywords are required", i, r.Category)
		}
	}
	return f.Rules, nil
}

// Watch reloads the router's rule table whenever the rules file changes,
// until ctx is cancelled. A file that fails to parse is logged and skipped;
// the previous table stays active. The parent directory is watched rather
// than the file itself so editors that replace-on-save keep working.
func Watch(ctx context.Context, path string, r *Router, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != target {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			rules, err := LoadRules(path)
			if err != nil {
				logger.Warn("routing rules reload failed, keeping previous table",
					"path", path, "error", err)
				continue
			}
			r.Reload(rules)
			logger.Info("routing rules reloaded", "path", path, "rules", len(rules))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("rules watcher error", "error", err)
		}
	}
}
