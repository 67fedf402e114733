package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Admin        AdminConfig
	Secrets      SecretsConfig
	Orchestrator OrchestratorConfig
	Watchdog     WatchdogConfig
	Alerts       AlertsConfig
	Metrics      MetricsConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleConns   int
}

type AdminConfig struct {
	APIKey            string
	DashboardTokenTTL time.Duration
}

type SecretsConfig struct {
	// Key is the hex-encoded 32-byte key used to seal tenant credential
	// bundles at rest.
	Key string
}

type OrchestratorConfig struct {
	Image         string
	WorkspaceRoot string
	PortRangeFrom int
	MaxTenants    int
	Network       string
	StopTimeout   time.Duration
	DockerBin     string
}

type WatchdogConfig struct {
	Interval          time.Duration
	JitterPercent     int
	CheckTimeout      time.Duration
	WorkerCount       int
	EngineCallsPerSec float64
	MemoryAlertPct    float64
	MemoryAlertChecks int
}

type AlertsConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

type MetricsConfig struct {
	Port string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("WARDEN")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("database.maxconnections", 25)
	viper.SetDefault("database.maxidleconns", 5)
	viper.SetDefault("admin.dashboardtokenttl", "15m")
	viper.SetDefault("orchestrator.image", "agentwarden/sandbox:latest")
	viper.SetDefault("orchestrator.workspaceroot", "/var/lib/warden/workspaces")
	viper.SetDefault("orchestrator.portrangefrom", 42000)
	viper.SetDefault("orchestrator.maxtenants", 50)
	viper.SetDefault("orchestrator.network", "bridge")
	viper.SetDefault("orchestrator.stoptimeout", "10s")
	viper.SetDefault("orchestrator.dockerbin", "docker")
	viper.SetDefault("watchdog.interval", "60s")
	viper.SetDefault("watchdog.jitterpercent", 10)
	viper.SetDefault("watchdog.checktimeout", "10s")
	viper.SetDefault("watchdog.workercount", 8)
	viper.SetDefault("watchdog.enginecallspersec", 20)
	viper.SetDefault("watchdog.memoryalertpct", 90)
	viper.SetDefault("watchdog.memoryalertchecks", 3)
	viper.SetDefault("alerts.timeout", "5s")
	viper.SetDefault("metrics.port", "9090")

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if key := os.Getenv("ADMIN_API_KEY"); key != "" {
		cfg.Admin.APIKey = key
	}
	if key := os.Getenv("SECRETS_KEY"); key != "" {
		cfg.Secrets.Key = key
	}
	if url := os.Getenv("ALERT_WEBHOOK_URL"); url != "" {
		cfg.Alerts.WebhookURL = url
	}

	if cfg.Admin.APIKey == "" {
		return nil, fmt.Errorf("admin api key is not configured")
	}
	if _, err := cfg.SecretsKey(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SecretsKey decodes the configured sealing key. The key must be exactly
// 32 bytes once decoded.
func (c *Config) SecretsKey() ([]byte, error) {
	key, err := hex.DecodeString(c.Secrets.Key)
	if err != nil {
		return nil, fmt.Errorf("secrets key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
