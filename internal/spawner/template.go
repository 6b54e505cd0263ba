package spawner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"virthw/internal/device"
	"virthw/internal/logging"
)

// Role classifies what a spawned agent is for.
type Role string

const (
	RoleInferenceWorker     Role = "inference_worker"
	RoleRedTeamAdversary    Role = "red_team_adversary"
	RoleCognitiveKernel     Role = "cognitive_kernel"
	RolePatternMatcher      Role = "pattern_matcher"
	RoleAttentionAllocator  Role = "attention_allocator"
	RoleKnowledgeIntegrator Role = "knowledge_integrator"
)

// Template describes how to spawn one kind of agent. Templates are copied
// at spawn time, so replacing a registered template only affects future
// spawns.
type Template struct {
	Name        string            `yaml:"name"`
	Role        Role              `yaml:"role"`
	DeviceType  device.Type       `yaml:"device_type"`
	CPUCores    int               `yaml:"cpu_cores"`
	MemoryGB    int               `yaml:"memory_gb"`
	ContextSize int               `yaml:"context_size"`
	ModelPath   string            `yaml:"model_path"`
	Metadata    map[string]string `yaml:"metadata"`
}

func (t Template) validate() error {
	if t.Name == "" {
		return fmt.Errorf("template has no name")
	}
	if t.Role == "" {
		return fmt.Errorf("template %s has no role", t.Name)
	}
	return nil
}

// defaultTemplates is the built-in catalog registered on every spawner.
func defaultTemplates() []Template {
	return []Template{
		{
			Name:        "inference_worker",
			Role:        RoleInferenceWorker,
			DeviceType:  device.TypeBareMetal,
			CPUCores:    32,
			MemoryGB:    64,
			ContextSize: 16384,
			Metadata:    map[string]string{"purpose": "high-throughput inference"},
		},
		{
			Name:        "cognitive_kernel",
			Role:        RoleCognitiveKernel,
			DeviceType:  device.TypeBareMetal,
			CPUCores:    16,
			MemoryGB:    32,
			ContextSize: 8192,
			Metadata:    map[string]string{"purpose": "reasoning and pattern matching"},
		},
		{
			Name:        "red_team_adversary",
			Role:        RoleRedTeamAdversary,
			DeviceType:  device.TypeBareMetal,
			CPUCores:    8,
			MemoryGB:    16,
			ContextSize: 4096,
			Metadata:    map[string]string{"purpose": "adversarial testing"},
		},
		{
			Name:        "attention_allocator",
			Role:        RoleAttentionAllocator,
			DeviceType:  device.TypeBareMetal,
			CPUCores:    4,
			MemoryGB:    8,
			ContextSize: 2048,
			Metadata:    map[string]string{"purpose": "attention budgeting across agents"},
		},
	}
}

// roleTemplate maps a role to the stock template used when work arrives for
// a role with no live agents.
func roleTemplate(role Role) string {
	switch role {
	case RoleCognitiveKernel:
		return "cognitive_kernel"
	case RoleRedTeamAdversary:
		return "red_team_adversary"
	case RoleAttentionAllocator:
		return "attention_allocator"
	default:
		return "inference_worker"
	}
}

// LoadTemplateFile parses one YAML template file. A file may hold a single
// template or a `templates:` list.
func LoadTemplateFile(path string) ([]Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}

	var multi struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(raw, &multi); err == nil && len(multi.Templates) > 0 {
		for _, t := range multi.Templates {
			if verr := t.validate(); verr != nil {
				return nil, fmt.Errorf("template file %s: %w", path, verr)
			}
		}
		return multi.Templates, nil
	}

	var single Template
	if err := yaml.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}
	if err := single.validate(); err != nil {
		return nil, fmt.Errorf("template file %s: %w", path, err)
	}
	return []Template{single}, nil
}

func isTemplateFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadTemplatesDir registers every template file in dir.
func (s *Spawner) LoadTemplatesDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read template dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		templates, err := LoadTemplateFile(path)
		if err != nil {
			return err
		}
		for _, t := range templates {
			s.RegisterTemplate(t)
		}
	}
	return nil
}

// WatchTemplates loads dir and then keeps watching it: template files that
// appear or change are reloaded. Reloads only influence spawns issued after
// them. The watcher stops when the spawner closes.
func (s *Spawner) WatchTemplates(dir string) error {
	if err := s.LoadTemplatesDir(dir); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("template watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer watcher.Close()
		for {
			select {
			case <-s.stopCh:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if !isTemplateFile(ev.Name) {
					continue
				}
				templates, err := LoadTemplateFile(ev.Name)
				if err != nil {
					logging.Get(logging.CategoryConfig).Error("template reload %s: %v", ev.Name, err)
					continue
				}
				for _, t := range templates {
					s.RegisterTemplate(t)
					logging.Spawner("template %s reloaded from %s", t.Name, ev.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Get(logging.CategoryConfig).Error("template watcher: %v", err)
			}
		}
	}()
	return nil
}
