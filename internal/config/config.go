package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models civicplan.yml. It is loaded once and threaded through the
// pipeline as an immutable value.
type Config struct {
	City struct {
		Name       string `yaml:"name"`
		Population int64  `yaml:"population"`
	} `yaml:"city"`
	QuarterlyBudget      float64 `yaml:"quarterly_budget"`
	PlanningHorizonWeeks int     `yaml:"planning_horizon_weeks"`
	Risk                 struct {
		Weights struct {
			SafetyRisk       float64 `yaml:"safety_risk"`
			LegalMandate     float64 `yaml:"legal_mandate"`
			PopulationImpact float64 `yaml:"population_impact"`
			ComplaintVolume  float64 `yaml:"complaint_volume"`
		} `yaml:"weights"`
		Thresholds struct {
			HighPopulation int64   `yaml:"high_population"`
			HighComplaints int     `yaml:"high_complaints"`
			HighRiskScore  float64 `yaml:"high_risk_score"`
		} `yaml:"thresholds"`
	} `yaml:"risk"`
	Crews struct {
		// Mapping is the category -> crew-type lookup; unmapped categories
		// fall back to DefaultType.
		Mapping     map[string]string `yaml:"mapping"`
		Capacities  map[string]int    `yaml:"capacities"`
		DefaultType string            `yaml:"default_type"`
	} `yaml:"crews"`
	Weather struct {
		ServiceURL string `yaml:"service_url"`
		Location   string `yaml:"location"`
	} `yaml:"weather"`
}

// CrewType maps an issue category to its crew type.
func (c *Config) CrewType(category string) string {
	if t, ok := c.Crews.Mapping[category]; ok {
		return t
	}
	return c.Crews.DefaultType
}

// MaxRiskScore is the highest score the weighted rules can produce.
func (c *Config) MaxRiskScore() float64 {
	w := c.Risk.Weights
	return w.SafetyRisk + w.LegalMandate + w.PopulationImpact + w.ComplaintVolume
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run civicplan init or create one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if no file exists.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.City.Name == "" {
		return fmt.Errorf("config.city.name is required")
	}
	if c.QuarterlyBudget <= 0 {
		return fmt.Errorf("config.quarterly_budget must be positive")
	}
	if c.PlanningHorizonWeeks < 1 {
		return fmt.Errorf("config.planning_horizon_weeks must be >= 1")
	}
	w := c.Risk.Weights
	if w.SafetyRisk < 0 || w.LegalMandate < 0 || w.PopulationImpact < 0 || w.ComplaintVolume < 0 {
		return fmt.Errorf("config.risk.weights must be non-negative")
	}
	if c.Risk.Thresholds.HighRiskScore <= 0 {
		return fmt.Errorf("config.risk.thresholds.high_risk_score must be positive")
	}
	if c.Crews.DefaultType == "" {
		return fmt.Errorf("config.crews.default_type is required")
	}
	if len(c.Crews.Capacities) == 0 {
		return fmt.Errorf("config.crews.capacities is required")
	}
	for crew, cap := range c.Crews.Capacities {
		if crew == "" {
			return fmt.Errorf("config.crews.capacities contains empty crew type")
		}
		if cap < 1 {
			return fmt.Errorf("capacity for crew %s must be >= 1", crew)
		}
	}
	if _, ok := c.Crews.Capacities[c.Crews.DefaultType]; !ok {
		return fmt.Errorf("default crew type %s has no capacity entry", c.Crews.DefaultType)
	}
	for category, crew := range c.Crews.Mapping {
		if crew == "" {
			return fmt.Errorf("category %s maps to empty crew type", category)
		}
		if _, ok := c.Crews.Capacities[crew]; !ok {
			return fmt.Errorf("category %s maps to crew %s with no capacity entry", category, crew)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "civicplan.yml")
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

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `city:
  name: Metroville
  population: 2500000

quarterly_budget: 75000000
planning_horizon_weeks: 12

risk:
  weights:
    safety_risk: 3
    legal_mandate: 3
    population_impact: 1
    complaint_volume: 1
  thresholds:
    high_population: 100000
    high_complaints: 75
    high_risk_score: 3

crews:
  default_type: general_crew
  mapping:
    Water: water_crew
    Health: electrical_crew
    Disaster Management: construction_crew
    Infrastructure: construction_crew
    Recreation: general_crew
    Education: general_crew
  capacities:
    water_crew: 3
    electrical_crew: 2
    construction_crew: 5
    general_crew: 4

weather:
  location: Metroville
`
