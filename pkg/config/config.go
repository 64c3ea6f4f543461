package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config captures runtime settings for a rental run. Values come from
// defaults, an optional config file, and RENTAL_* environment variables,
// resolved once at process start.
type Config struct {
	APIKey         string `mapstructure:"api_key"`
	MarketplaceURL string `mapstructure:"marketplace_url"`

	GPUName         string        `mapstructure:"gpu_name"`
	MaxPricePerHour float64       `mapstructure:"max_price_per_hour"`
	MaxWallClock    time.Duration `mapstructure:"max_wall_clock"`
	KeepAlive       bool          `mapstructure:"keep_alive"`

	Image  string  `mapstructure:"image"`
	DiskGB float64 `mapstructure:"disk_gb"`

	ResultsDir  string `mapstructure:"results_dir"`
	CatalogPath string `mapstructure:"catalog_path"`

	AppDir      string `mapstructure:"app_dir"`
	ModelsRoot  string `mapstructure:"models_root"`
	RuntimePort int    `mapstructure:"runtime_port"`

	InstancePollInterval time.Duration `mapstructure:"instance_poll_interval"`
	ProvisionTimeout     time.Duration `mapstructure:"provision_timeout"`
	JobPollInterval      time.Duration `mapstructure:"job_poll_interval"`

	SSHUser    string `mapstructure:"ssh_user"`
	SSHKeyPath string `mapstructure:"ssh_key_path"`

	RegistryPath string `mapstructure:"registry_path"`
	RedisURL     string `mapstructure:"redis_url"`
	PostgresDSN  string `mapstructure:"postgres_dsn"`

	AdminAddr     string `mapstructure:"admin_addr"`
	AdminAPIToken string `mapstructure:"admin_api_token"`
}

// Load reads configuration from defaults, files, and env vars.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("RENTAL")
	v.AutomaticEnv()

	v.SetDefault("marketplace_url", "https://console.vast.ai")
	v.SetDefault("gpu_name", "RTX_3090")
	v.SetDefault("max_price_per_hour", 0.5)
	v.SetDefault("max_wall_clock", "45m")
	v.SetDefault("image", "yanwk/comfyui-boot:latest")
	v.SetDefault("disk_gb", 40.0)
	v.SetDefault("results_dir", "results")
	v.SetDefault("catalog_path", "models.yaml")
	v.SetDefault("app_dir", "/app")
	v.SetDefault("models_root", "/app/models")
	v.SetDefault("runtime_port", 8188)
	v.SetDefault("instance_poll_interval", "10s")
	v.SetDefault("provision_timeout", "15m")
	v.SetDefault("job_poll_interval", "3s")
	v.SetDefault("ssh_user", "root")
	v.SetDefault("registry_path", "data/runs.json")
	v.SetDefault("admin_addr", ":8085")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks the fields without which a run cannot start.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("marketplace api key is required (RENTAL_API_KEY)")
	}
	if c.MaxPricePerHour <= 0 {
		return fmt.Errorf("max_price_per_hour must be positive")
	}
	return nil
}
