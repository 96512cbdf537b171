package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"civicsense/internal/domain"
)

// Config models civicsense.yml.
type Config struct {
	Municipality struct {
		Name string `yaml:"name"`
	} `yaml:"municipality"`
	Categories []Category `yaml:"categories"`
	SLA        struct {
		// Hours to resolution per priority. Zero means no deadline.
		Hours map[string]int `yaml:"hours"`
	} `yaml:"sla"`
	Uploads struct {
		MaxBytes     int64    `yaml:"max_bytes"`
		AllowedTypes []string `yaml:"allowed_types"`
	} `yaml:"uploads"`
	Feed struct {
		Buffer       int           `yaml:"buffer"`
		PollInterval time.Duration `yaml:"poll_interval"`
		BatchSize    int           `yaml:"batch_size"`
		Resubscribe  struct {
			InitialInterval time.Duration `yaml:"initial_interval"`
			MaxInterval     time.Duration `yaml:"max_interval"`
			MaxElapsed      time.Duration `yaml:"max_elapsed"`
		} `yaml:"resubscribe"`
	} `yaml:"feed"`
}

type Category struct {
	Value string `yaml:"value"`
	Label string `yaml:"label"`
}

// CategoryValues lists the catalog keys in declaration order.
func (c *Config) CategoryValues() []string {
	out := make([]string, 0, len(c.Categories))
	for _, cat := range c.Categories {
		out = append(out, cat.Value)
	}
	return out
}

// CategoryLabel falls back to the raw value for categories outside the catalog.
func (c *Config) CategoryLabel(value string) string {
	for _, cat := range c.Categories {
		if cat.Value == value && cat.Label != "" {
			return cat.Label
		}
	}
	return value
}

// Deadline returns the SLA deadline for an issue reported at reportedAt, or
// nil when the priority carries no SLA.
func (c *Config) Deadline(p domain.Priority, reportedAt time.Time) *string {
	hours := c.SLA.Hours[string(p)]
	if hours <= 0 {
		return nil
	}
	v := domain.FormatTime(reportedAt.Add(time.Duration(hours) * time.Hour))
	return &v
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with civic config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Categories) == 0 {
		return fmt.Errorf("config.categories is required")
	}
	seen := map[string]bool{}
	for _, cat := range c.Categories {
		if cat.Value == "" {
			return fmt.Errorf("config.categories contains empty value")
		}
		if seen[cat.Value] {
			return fmt.Errorf("config.categories lists %s twice", cat.Value)
		}
		seen[cat.Value] = true
	}
	for key, hours := range c.SLA.Hours {
		if _, ok := domain.ParsePriority(key); !ok || key == "" {
			return fmt.Errorf("config.sla.hours has unknown priority %s", key)
		}
		if hours < 0 {
			return fmt.Errorf("config.sla.hours.%s must not be negative", key)
		}
	}
	if c.Uploads.MaxBytes < 0 {
		return fmt.Errorf("config.uploads.max_bytes must not be negative")
	}
	if c.Feed.Buffer <= 0 {
		return fmt.Errorf("config.feed.buffer must be positive")
	}
	if c.Feed.PollInterval <= 0 {
		return fmt.Errorf("config.feed.poll_interval must be positive")
	}
	if c.Feed.BatchSize <= 0 {
		return fmt.Errorf("config.feed.batch_size must be positive")
	}
	rs := c.Feed.Resubscribe
	if rs.InitialInterval <= 0 || rs.MaxInterval < rs.InitialInterval {
		return fmt.Errorf("config.feed.resubscribe intervals must be positive and ordered")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "civicsense.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(name string) string {
	return fmt.Sprintf(defaultTemplate, name)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault("Civic Sense"))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders c back to YAML.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const defaultTemplate = `municipality:
  name: %q

categories:
  - value: roads
    label: "Roads & Infrastructure"
  - value: lighting
    label: "Street Lighting"
  - value: waste
    label: "Waste Management"
  - value: vandalism
    label: "Vandalism"
  - value: noise
    label: "Noise Complaints"
  - value: water
    label: "Water & Sewage"
  - value: parks
    label: "Parks & Recreation"
  - value: other
    label: "Other"

sla:
  hours:
    critical: 24
    high: 72
    medium: 168
    low: 336

uploads:
  max_bytes: 5242880
  allowed_types: [image/jpeg, image/png, image/webp, image/gif]

feed:
  buffer: 64
  poll_interval: 2s
  batch_size: 200
  resubscribe:
    initial_interval: 200ms
    max_interval: 5s
    max_elapsed: 1m
`
