package boot

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/nrednav/cuid2"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Env        string `env:"ENV,default=dev"`
	InstanceID string `env:"INSTANCE_ID"`
	DataDir    string `env:"DATA_DIR,default=."`
	Server     struct {
		Port        string `env:"PORT,default=8080"`
		MetricsPort string `env:"METRICS_PORT,default=8081"`
		Origins     string `env:"ALLOWED_ORIGINS,default=*"`
	}
	Database struct {
		URL string `env:"DATABASE_URL"`
	}
	Redis struct {
		URL           string `env:"REDIS_URL,default=redis://localhost:6379/0"`
		ChannelPrefix string `env:"REDIS_CHANNEL_PREFIX,default=relay:"`
		PresenceKey   string `env:"PRESENCE_KEY,default=online_users"`
	}
	Auth struct {
		Secret string `env:"JWT_SECRET,required"`
	}
	Analytics struct {
		Stream    string `env:"ANALYTICS_STREAM,default=chat:messages"`
		Group     string `env:"ANALYTICS_GROUP,default=analytics-group"`
		CountsKey string `env:"ANALYTICS_COUNTS_KEY,default=chat:analytics:message_counts"`
	}
}

func Load() (*Config, error) {
	return LoadWith(envconfig.OsLookuper())
}

func LoadWith(lookuper envconfig.Lookuper) (*Config, error) {
	config := &Config{}
	if err := envconfig.ProcessWith(context.Background(), config, lookuper); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	if config.InstanceID == "" {
		config.InstanceID = cuid2.Generate()
	}
	if strings.Contains(config.InstanceID, "/") {
		return nil, fmt.Errorf("INSTANCE_ID %q must not contain '/'", config.InstanceID)
	}
	return config, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "prod"
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "dev"
}

// DatabaseURL falls back to a sqlite file in the data directory.
func (c *Config) DatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	return "file:" + path.Join(c.DataDir, "relay.db") + "?_busy_timeout=5000&_journal_mode=WAL"
}
