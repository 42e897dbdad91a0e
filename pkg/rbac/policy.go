package rbac

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// PolicyFile is the on-disk form of a policy table:
//
//	version: v1
//	modules:
//	  campaigns:
//	    archive: campaigns.update
//	    restore: campaigns.update
type PolicyFile struct {
	Version string                       `yaml:"version"`
	Modules map[string]map[string]string `yaml:"modules"`
}

// PolicyTable maps (module, action) to the permission key that guards it.
// Pairs without an entry map to "module.action". The table may be swapped
// at runtime; lookups always see one complete version.
type PolicyTable struct {
	path    string
	entries atomic.Pointer[map[string]string]
	log     *logrus.Entry
}

// NewPolicyTable creates a table from module -> action -> key entries
func NewPolicyTable(modules map[string]map[string]string) *PolicyTable {
	t := &PolicyTable{log: logrus.New().WithField("component", "rbac.policy")}
	entries := flattenPolicy(modules)
	t.entries.Store(&entries)
	return t
}

// LoadPolicyTable reads a table from a YAML file
func LoadPolicyTable(path string, log *logrus.Logger) (*PolicyTable, error) {
	t := NewPolicyTable(nil)
	t.path = path
	if log != nil {
		t.log = log.WithField("component", "rbac.policy")
	}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Lookup returns the permission key guarding action on module
func (t *PolicyTable) Lookup(module, action string) string {
	if t != nil {
		if key, ok := (*t.entries.Load())[module+"/"+action]; ok {
			return key
		}
	}
	return JoinKey(module, action)
}

// Len returns the number of explicit entries
func (t *PolicyTable) Len() int {
	return len(*t.entries.Load())
}

// Reload re-reads the backing file. On error the current table is kept.
func (t *PolicyTable) Reload() error {
	if t.path == "" {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := file.Validate(); err != nil {
		return err
	}

	entries := flattenPolicy(file.Modules)
	t.entries.Store(&entries)
	t.log.WithFields(logrus.Fields{
		"path":    t.path,
		"entries": len(entries),
	}).Info("Policy table loaded")
	return nil
}

// Validate checks that every entry names a well-formed key
func (f *PolicyFile) Validate() error {
	for module, actions := range f.Modules {
		if strings.TrimSpace(module) == "" {
			return fmt.Errorf("policy: empty module name")
		}
		for action, key := range actions {
			if strings.TrimSpace(action) == "" {
				return fmt.Errorf("policy: empty action in module %s", module)
			}
			if m, a := SplitKey(key); m == "" || a == "" {
				return fmt.Errorf("policy: %s/%s maps to malformed key %q", module, action, key)
			}
		}
	}
	return nil
}

// Watch reloads the table whenever its file changes until ctx is done. The
// parent directory is watched so that editors replacing the file are seen.
func (t *PolicyTable) Watch(ctx context.Context) error {
	if t.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(t.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := t.Reload(); err != nil {
					t.log.WithError(err).Warn("Policy reload failed, keeping previous table")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				t.log.WithError(err).Warn("Policy watcher error")
			}
		}
	}()
	return nil
}

func flattenPolicy(modules map[string]map[string]string) map[string]string {
	entries := make(map[string]string)
	for module, actions := range modules {
		for action, key := range actions {
			entries[module+"/"+action] = key
		}
	}
	return entries
}
