package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models missionline.yml.
type Config struct {
	Operator struct {
		ID      string `yaml:"id"`
		Name    string `yaml:"name"`
		Address string `yaml:"address"`
		Contact string `yaml:"contact"`
	} `yaml:"operator"`
	Workflow struct {
		DefaultPipeline string `yaml:"default_pipeline"`
		// StrictOrdering makes step completion reject steps whose canonical
		// predecessors are missing instead of silently skipping past them.
		StrictOrdering bool `yaml:"strict_ordering"`
	} `yaml:"workflow"`
	Billing struct {
		PaymentTerms  string `yaml:"payment_terms"`
		InvoicePrefix string `yaml:"invoice_prefix"`
	} `yaml:"billing"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with ml config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Operator.ID == "" {
		return fmt.Errorf("config.operator.id is required")
	}
	if c.Operator.Name == "" {
		return fmt.Errorf("config.operator.name is required")
	}
	switch c.Workflow.DefaultPipeline {
	case "short", "expanded":
	default:
		return fmt.Errorf("config.workflow.default_pipeline must be short or expanded")
	}
	if c.Billing.InvoicePrefix == "" {
		return fmt.Errorf("config.billing.invoice_prefix is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missionline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(operatorID string) string {
	return fmt.Sprintf(defaultTemplate, operatorID)
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

// Default returns the default Config struct for an operator.
func Default(operatorID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, operatorID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `operator:
  id: %s
  name: Missionline Operations
  address: 12 rue de la Production, 75011 Paris
  contact: ops@missionline.example

workflow:
  default_pipeline: expanded
  strict_ordering: false

billing:
  payment_terms: "Payment within 30 days of invoice date"
  invoice_prefix: INV
`
