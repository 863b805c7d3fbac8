package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Web       WebConfig       `yaml:"web"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Governor  GovernorConfig  `yaml:"governor"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Reasoner  ReasonerConfig  `yaml:"reasoner"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Roster    []AgentSpec     `yaml:"roster"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	ProcessInterval time.Duration `yaml:"process_interval"`
	AssignInterval  time.Duration `yaml:"assign_interval"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	ErrorBackoff    time.Duration `yaml:"error_backoff"`
}

type GovernorConfig struct {
	Schedule       string        `yaml:"schedule"`
	StaleTaskAfter time.Duration `yaml:"stale_task_after"`
	LoadThreshold  float64       `yaml:"load_threshold"`
	SuccessRateMin float64       `yaml:"success_rate_min"`
	MinObserved    int           `yaml:"min_observed"`
}

type WorkflowConfig struct {
	RecoveryRole string `yaml:"recovery_role"`
}

type ReasonerConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// AgentSpec declares one roster member. The roster is fixed at bootstrap;
// runtime load and health live in the store, not here.
type AgentSpec struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Role         string   `yaml:"role"`
	MaxLoad      int      `yaml:"max_load"`
	Capabilities []string `yaml:"capabilities"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/pipeliner.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			ProcessInterval: 2 * time.Second,
			AssignInterval:  10 * time.Second,
			HealthInterval:  30 * time.Second,
			StaleAfter:      30 * time.Second,
			ErrorBackoff:    10 * time.Second,
		},
		Governor: GovernorConfig{
			Schedule:       "*/10 * * * *",
			StaleTaskAfter: 4 * time.Hour,
			LoadThreshold:  0.8,
			SuccessRateMin: 0.7,
			MinObserved:    3,
		},
		Workflow: WorkflowConfig{
			RecoveryRole: "senior_engineer",
		},
		Reasoner: ReasonerConfig{
			Timeout: 2 * time.Minute,
		},
		Roster: defaultRoster(),
	}
}

func defaultRoster() []AgentSpec {
	return []AgentSpec{
		{ID: "coordinator-1", Name: "Coordinator", Role: "coordinator", MaxLoad: 10, Capabilities: []string{"triage", "planning"}},
		{ID: "analyst-1", Name: "Analyst", Role: "analyst", MaxLoad: 5, Capabilities: []string{"analysis", "requirements"}},
		{ID: "engineer-1", Name: "Engineer One", Role: "engineer", MaxLoad: 5, Capabilities: []string{"implementation", "debugging"}},
		{ID: "engineer-2", Name: "Engineer Two", Role: "engineer", MaxLoad: 5, Capabilities: []string{"implementation", "integration"}},
		{ID: "senior-1", Name: "Senior Engineer", Role: "senior_engineer", MaxLoad: 8, Capabilities: []string{"implementation", "review", "recovery"}},
		{ID: "qa-1", Name: "QA", Role: "qa", MaxLoad: 5, Capabilities: []string{"testing", "verification"}},
		{ID: "manager-1", Name: "Manager", Role: "manager", MaxLoad: 10, Capabilities: []string{"acceptance", "escalation"}},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("PIPELINER_CONFIG")
	if path == "" {
		path = "config/pipeliner.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PIPELINER_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PIPELINER_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("PIPELINER_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("PIPELINER_WEB_AUTH"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("PIPELINER_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("PIPELINER_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
}

func (c *Config) validate() error {
	if len(c.Roster) == 0 {
		return fmt.Errorf("roster must not be empty")
	}
	seen := make(map[string]bool, len(c.Roster))
	for _, a := range c.Roster {
		if a.ID == "" || a.Role == "" {
			return fmt.Errorf("roster entry missing id or role: %+v", a)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate roster id: %s", a.ID)
		}
		seen[a.ID] = true
		if a.MaxLoad <= 0 {
			return fmt.Errorf("roster entry %s: max_load must be positive", a.ID)
		}
	}
	recovery := false
	for _, a := range c.Roster {
		if a.Role == c.Workflow.RecoveryRole {
			recovery = true
			break
		}
	}
	if !recovery {
		return fmt.Errorf("no roster agent has recovery role %q", c.Workflow.RecoveryRole)
	}
	return nil
}
