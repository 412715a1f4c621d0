package catalog

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/praxisrange/praxis/pkg/domain"
)

// labSpec is the on-disk shape of a lab entry. Timeouts are duration strings
// ("2h", "30m") so operators never have to count nanoseconds.
type labSpec struct {
	ID           string              `yaml:"id"`
	Name         string              `yaml:"name"`
	Category     string              `yaml:"category"`
	Difficulty   string              `yaml:"difficulty"`
	Mode         string              `yaml:"mode"`
	Image        string              `yaml:"image"`
	Command      []string            `yaml:"command"`
	Ports        []int               `yaml:"ports"`
	EnvTemplate  map[string]string   `yaml:"env_template"`
	Resources    domain.ResourceSpec `yaml:"resources"`
	TotalTimeout string              `yaml:"total_timeout"`
	IdleTimeout  string              `yaml:"idle_timeout"`
	Active       *bool               `yaml:"active"`
}

type catalogFile struct {
	Labs []labSpec `yaml:"labs"`
}

// FileCatalog serves lab definitions from a YAML file loaded at construction.
type FileCatalog struct {
	mu   sync.RWMutex
	path string
	labs map[domain.LabID]domain.Lab
}

func NewFileCatalog(path string) (*FileCatalog, error) {
	c := &FileCatalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the catalog file. Safe to call while serving reads.
func (c *FileCatalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read catalog %s: %w", c.path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse catalog %s: %w", c.path, err)
	}

	labs := make(map[domain.LabID]domain.Lab, len(file.Labs))
	for i, spec := range file.Labs {
		lab, err := spec.toLab()
		if err != nil {
			return fmt.Errorf("catalog entry %d (%s): %w", i, spec.ID, err)
		}
		labs[lab.ID] = lab
	}

	c.mu.Lock()
	c.labs = labs
	c.mu.Unlock()
	return nil
}

func (c *FileCatalog) Get(ctx context.Context, id domain.LabID) (*domain.Lab, error) {
	c.mu.RLock()
	lab, ok := c.labs[id]
	c.mu.RUnlock()
	if !ok || !lab.Active {
		return nil, ErrLabNotFound
	}
	return &lab, nil
}

func (c *FileCatalog) List(ctx context.Context) ([]domain.Lab, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := make([]domain.Lab, 0, len(c.labs))
	for _, lab := range c.labs {
		list = append(list, lab)
	}
	return list, nil
}

func (s labSpec) toLab() (domain.Lab, error) {
	if s.ID == "" {
		return domain.Lab{}, fmt.Errorf("missing id")
	}

	mode := domain.SandboxMode(s.Mode)
	switch mode {
	case domain.ModeContainer, domain.ModeProcess:
	case "":
		mode = domain.ModeContainer
	default:
		return domain.Lab{}, fmt.Errorf("unknown mode %q", s.Mode)
	}

	if mode == domain.ModeContainer && s.Image == "" {
		return domain.Lab{}, fmt.Errorf("container lab requires an image")
	}
	if mode == domain.ModeProcess && len(s.Command) == 0 {
		return domain.Lab{}, fmt.Errorf("process lab requires a command")
	}

	total, err := parseTimeout(s.TotalTimeout)
	if err != nil {
		return domain.Lab{}, fmt.Errorf("total_timeout: %w", err)
	}
	idle, err := parseTimeout(s.IdleTimeout)
	if err != nil {
		return domain.Lab{}, fmt.Errorf("idle_timeout: %w", err)
	}

	active := true
	if s.Active != nil {
		active = *s.Active
	}

	return domain.Lab{
		ID:           domain.LabID(s.ID),
		Name:         s.Name,
		Category:     s.Category,
		Difficulty:   s.Difficulty,
		Mode:         mode,
		Image:        s.Image,
		Command:      s.Command,
		Ports:        s.Ports,
		EnvTemplate:  s.EnvTemplate,
		Resources:    s.Resources,
		TotalTimeout: total,
		IdleTimeout:  idle,
		Active:       active,
	}, nil
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
