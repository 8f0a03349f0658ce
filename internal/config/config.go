package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models traceline.yml: the editable heuristic tables the engines
// consume so they stay pure functions of (input, tables).
type Config struct {
	Agent struct {
		Version string `yaml:"version"`
	} `yaml:"agent"`
	Decompose struct {
		MaxDepth         int     `yaml:"max_depth"`
		MaxSubObjectives int     `yaml:"max_sub_objectives"`
		Routes           []Route `yaml:"routes"`
	} `yaml:"decompose"`
	Clarify struct {
		VagueQuantifiers []string            `yaml:"vague_quantifiers"`
		VagueTemporals   []string            `yaml:"vague_temporals"`
		ScopeWords       []string            `yaml:"scope_words"`
		Pronouns         []string            `yaml:"pronouns"`
		ActionVerbs      []string            `yaml:"action_verbs"`
		Polysemy         map[string][]string `yaml:"polysemy"`
	} `yaml:"clarify"`
	Metareason struct {
		ConflictingConstraints [][]string `yaml:"conflicting_constraints"`
	} `yaml:"metareason"`
}

// Route is one entry of the ordered domain route registry used when
// assembling a pipeline from an objective.
type Route struct {
	Domain       string   `yaml:"domain"`
	Agent        string   `yaml:"agent"`
	Keywords     []string `yaml:"keywords"`
	OutputSchema string   `yaml:"output_schema"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run tl init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
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

// Validate ensures the tables meet required structure.
func (c *Config) Validate() error {
	if c.Agent.Version == "" {
		return fmt.Errorf("config.agent.version is required")
	}
	if c.Decompose.MaxDepth < 0 {
		return fmt.Errorf("config.decompose.max_depth must be >= 0")
	}
	if len(c.Decompose.Routes) == 0 {
		return fmt.Errorf("config.decompose.routes is required")
	}
	seen := map[string]bool{}
	for i, r := range c.Decompose.Routes {
		if r.Domain == "" || r.Agent == "" {
			return fmt.Errorf("route %d is missing domain or agent", i)
		}
		if len(r.Keywords) == 0 {
			return fmt.Errorf("route %s/%s has no keywords", r.Domain, r.Agent)
		}
		key := r.Domain + "/" + r.Agent
		if seen[key] {
			return fmt.Errorf("duplicate route %s", key)
		}
		seen[key] = true
	}
	for i, pair := range c.Metareason.ConflictingConstraints {
		if len(pair) != 2 {
			return fmt.Errorf("conflicting_constraints[%d] must be a pair", i)
		}
		if pair[0] == "" || pair[1] == "" || pair[0] == pair[1] {
			return fmt.Errorf("conflicting_constraints[%d] is not a valid pair", i)
		}
	}
	for term, interpretations := range c.Clarify.Polysemy {
		if len(interpretations) < 2 {
			return fmt.Errorf("polysemy term %q needs at least two interpretations", term)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "traceline.yml")
}

// Default returns the built-in tables.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `agent:
  version: 0.1.0

decompose:
  max_depth: 2
  max_sub_objectives: 12
  routes:
    - domain: forge
      agent: sdk
      keywords: [build, create, implement, develop]
      output_schema: artifact_manifest
    - domain: runtime
      agent: exec
      keywords: [run, execute, process]
      output_schema: execution_report
    - domain: test
      agent: unit
      keywords: [test, verify, validate, check, health]
      output_schema: test_report
    - domain: deploy
      agent: release
      keywords: [deploy, release, ship, production, rollout]
      output_schema: deployment_record
    - domain: docs
      agent: writer
      keywords: [document, docs, readme, guide]
      output_schema: documentation_set
    - domain: data
      agent: schema
      keywords: [database, schema, migrate, dataset]
      output_schema: schema_plan
    - domain: security
      agent: audit
      keywords: [security, audit, encrypt, authentication]
      output_schema: audit_findings

clarify:
  vague_quantifiers: [many, few, some, several, most, various, numerous, lots of, a lot, huge, massive]
  vague_temporals: [soon, quickly, eventually, later, asap, shortly, fast, immediately]
  scope_words: [everything, all, entire, complete, comprehensive, full, whole]
  pronouns: [it, they, them, this, that, these, those]
  action_verbs: [build, create, implement, develop, design, deploy, test, verify,
    validate, migrate, document, improve, optimize, support, handle, provide,
    integrate, refactor, fix, add, remove, update, ensure, maintain]
  polysemy:
    model:
      - a machine-learning model
      - a data/domain model
      - a schema or representation
    service:
      - a deployable network service
      - a business capability
      - a background daemon
    table:
      - a database table
      - a rendered UI table
    interface:
      - a programming interface (API)
      - a user interface
    environment:
      - a deployment environment (staging, production)
      - a runtime/toolchain environment

metareason:
  conflicting_constraints:
    - [strict_validation, relaxed_validation]
    - [minimize_latency, maximize_throughput]
    - [fail_fast, degrade_gracefully]
    - [immutable_history, rewrite_history]
`
