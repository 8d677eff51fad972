// Package pipeline executes the ordered post-implementation steps
// configured per project, carrying forward accumulated output as context.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// configFile is the per-project pipeline definition, relative to the
// project root.
const configFile = ".autoboard/pipeline.yaml"

// Step is one post-implementation instruction block.
type Step struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	Order        int    `yaml:"order" json:"order"`
	Instructions string `yaml:"instructions" json:"instructions"`
}

// Config is a project's pipeline definition. Read-only to the
// orchestrator.
type Config struct {
	Steps []Step `yaml:"steps" json:"steps"`
}

// Sorted returns the steps in ascending execution order.
func (c *Config) Sorted() []Step {
	steps := make([]Step, len(c.Steps))
	copy(steps, c.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// Find returns the step with the given id.
func (c *Config) Find(stepID string) (Step, bool) {
	for _, s := range c.Steps {
		if s.ID == stepID {
			return s, true
		}
	}
	return Step{}, false
}

// Provider serves pipeline configuration per project.
type Provider interface {
	// Get returns the project's pipeline config, or nil when none is
	// configured.
	Get(projectPath string) (*Config, error)
}

// FileProvider reads pipeline config from the project's YAML file,
// caching parsed configs and invalidating them on file change.
type FileProvider struct {
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	cache map[string]*Config // keyed by config file path
}

// NewFileProvider creates a provider with a running change watcher.
func NewFileProvider(logger *zap.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	p := &FileProvider{
		logger:  logger,
		watcher: watcher,
		cache:   make(map[string]*Config),
	}
	go p.watchLoop()

	return p, nil
}

// Get implements Provider.
func (p *FileProvider) Get(projectPath string) (*Config, error) {
	path := filepath.Join(projectPath, configFile)

	p.mu.Lock()
	if cfg, ok := p.cache[path]; ok {
		p.mu.Unlock()
		return cfg, nil
	}
	p.mu.Unlock()

	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[path] = cfg
	p.mu.Unlock()

	// Watch the containing directory; watching the file itself breaks on
	// editors that replace-by-rename.
	if err := p.watcher.Add(filepath.Dir(path)); err != nil {
		p.logger.Debug("cannot watch pipeline config dir",
			zap.String("path", path), zap.Error(err))
	}

	return cfg, nil
}

// watchLoop invalidates cached configs when their file changes.
func (p *FileProvider) watchLoop() {
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(configFile) {
				continue
			}
			p.mu.Lock()
			delete(p.cache, ev.Name)
			p.mu.Unlock()
			p.logger.Info("pipeline config changed, cache invalidated",
				zap.String("path", ev.Name))
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("pipeline config watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (p *FileProvider) Close() error {
	return p.watcher.Close()
}

// loadConfig parses the pipeline file; a missing file means no pipeline.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pipeline config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline config %s: %w", path, err)
	}

	for i, s := range cfg.Steps {
		if s.ID == "" {
			return nil, fmt.Errorf("pipeline config %s: step %d has no id", path, i)
		}
	}

	return &cfg, nil
}

// StaticProvider serves a fixed config; used in tests and for projects
// managed by an external collaborator.
type StaticProvider struct {
	Config *Config
}

// Get implements Provider.
func (s StaticProvider) Get(string) (*Config, error) {
	return s.Config, nil
}
