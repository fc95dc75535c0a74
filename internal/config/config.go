package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the explicit configuration every component receives at
// construction. Nothing reads ambient globals.
type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Manifest ManifestConfig `yaml:"manifest"`
	Rollout  RolloutConfig  `yaml:"rollout"`
	Approval ApprovalConfig `yaml:"approval"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Redis    RedisConfig    `yaml:"redis"`
	Status   StatusConfig   `yaml:"status"`
}

type RegistryConfig struct {
	Repository string `yaml:"repository"`
	AliasTag   string `yaml:"alias_tag"`
}

type ManifestConfig struct {
	RepoURL          string `yaml:"repo_url"`
	Branch           string `yaml:"branch"`
	Path             string `yaml:"path"`
	ImageField       string `yaml:"image_field"`
	BuildNumberField string `yaml:"build_number_field"`
	AuthorName       string `yaml:"author_name"`
	AuthorEmail      string `yaml:"author_email"`
}

type RolloutConfig struct {
	Name                string `yaml:"name"`
	Namespace           string `yaml:"namespace"`
	KubeConfigPath      string `yaml:"kube_config_path"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	PreviewTimeoutSecs  int    `yaml:"preview_timeout_seconds"`
	PromoteTimeoutSecs  int    `yaml:"promotion_timeout_seconds"`
	PreviewURL          string `yaml:"preview_url"`
	ActiveURL           string `yaml:"active_url"`
}

func (r RolloutConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalSeconds) * time.Second
}

func (r RolloutConfig) PreviewDeadline() time.Duration {
	return time.Duration(r.PreviewTimeoutSecs) * time.Second
}

func (r RolloutConfig) PromotionDeadline() time.Duration {
	return time.Duration(r.PromoteTimeoutSecs) * time.Second
}

type ApprovalConfig struct {
	BotToken       string   `yaml:"bot_token"`
	ChatID         int64    `yaml:"chat_id"`
	AllowedUsers   []string `yaml:"allowed_users"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

func (a ApprovalConfig) Deadline() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	TTLHours int    `yaml:"ttl_hours"`
}

func (m MongoConfig) TTL() time.Duration {
	return time.Duration(m.TTLHours) * time.Hour
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StatusConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	AppLabel    string `yaml:"app_label"`
	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`
	Color       string `yaml:"color"`
	BuildNumber string `yaml:"build_number"`
}

// LoadConfig reads and validates the YAML config file, applying
// defaults for everything optional. Secrets may be supplied via
// environment instead of the file.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.mergeEnvVars()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigLenient is LoadConfig without the pipeline field checks.
// The status server only needs the status, rollout and redis sections
// and must come up even with a partial file.
func LoadConfigLenient(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.mergeEnvVars()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) mergeEnvVars() {
	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		c.Approval.BotToken = token
	}
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		c.Mongo.URI = uri
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}
	if build := os.Getenv("BUILD_NUMBER"); build != "" {
		c.Status.BuildNumber = build
	}
	if color := os.Getenv("DEPLOYMENT_COLOR"); color != "" {
		c.Status.Color = color
	}
	if ns := os.Getenv("NAMESPACE"); ns != "" {
		c.Rollout.Namespace = ns
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		c.Status.Environment = env
	}
}

func (c *Config) applyDefaults() {
	if c.Registry.AliasTag == "" {
		c.Registry.AliasTag = "latest"
	}
	if c.Manifest.Branch == "" {
		c.Manifest.Branch = "main"
	}
	if c.Manifest.ImageField == "" {
		c.Manifest.ImageField = "image"
	}
	if c.Manifest.BuildNumberField == "" {
		c.Manifest.BuildNumberField = "buildNumber"
	}
	if c.Manifest.AuthorName == "" {
		c.Manifest.AuthorName = "bluegreen-pipeline"
	}
	if c.Manifest.AuthorEmail == "" {
		c.Manifest.AuthorEmail = "pipeline@localhost"
	}
	if c.Rollout.Namespace == "" {
		c.Rollout.Namespace = "default"
	}
	if c.Rollout.PollIntervalSeconds == 0 {
		c.Rollout.PollIntervalSeconds = 5
	}
	if c.Rollout.PreviewTimeoutSecs == 0 {
		c.Rollout.PreviewTimeoutSecs = 300
	}
	if c.Rollout.PromoteTimeoutSecs == 0 {
		c.Rollout.PromoteTimeoutSecs = 300
	}
	if c.Approval.TimeoutSeconds == 0 {
		c.Approval.TimeoutSeconds = 1800
	}
	if c.Mongo.TTLHours == 0 {
		c.Mongo.TTLHours = 24 * 30
	}
	if c.Status.ListenAddr == "" {
		c.Status.ListenAddr = ":5000"
	}
	if c.Status.AppLabel == "" {
		c.Status.AppLabel = "nginx-bluegreen"
	}
	if c.Status.ServiceName == "" {
		c.Status.ServiceName = "nginx-bluegreen"
	}
	if c.Status.Environment == "" {
		c.Status.Environment = "dev"
	}
	if c.Status.Color == "" {
		c.Status.Color = "blue"
	}
	if c.Status.BuildNumber == "" {
		c.Status.BuildNumber = "local"
	}
}

func (c *Config) validate() error {
	if c.Registry.Repository == "" {
		return fmt.Errorf("config: registry.repository is required")
	}
	if c.Manifest.RepoURL == "" {
		return fmt.Errorf("config: manifest.repo_url is required")
	}
	if c.Manifest.Path == "" {
		return fmt.Errorf("config: manifest.path is required")
	}
	if c.Rollout.Name == "" {
		return fmt.Errorf("config: rollout.name is required")
	}
	return nil
}
