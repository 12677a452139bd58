package main

import (
	"fmt"
	"os"
	"time"

	"github.com/always-cache/image-cache/cache"
	"github.com/always-cache/image-cache/transport"

	"gopkg.in/yaml.v3"
)

const (
	providerMemory = "memory"
	providerSQLite = "sqlite"
)

type Config struct {
	Port                int             `yaml:"port"`
	Provider            string          `yaml:"provider"`
	Cache               ConfigCache     `yaml:"cache"`
	Transport           ConfigTransport `yaml:"transport"`
	DisableRevalidation bool            `yaml:"disableRevalidation"`
	WarmSuperseded      bool            `yaml:"warmSuperseded"`
}

type ConfigCache struct {
	CapacityBytes    uint64 `yaml:"capacityBytes"`
	PurgeTargetBytes uint64 `yaml:"purgeTargetBytes"`
}

type ConfigTransport struct {
	MaxActiveDownloads int           `yaml:"maxActiveDownloads"`
	Timeout            time.Duration `yaml:"timeout"`
	UserAgent          string        `yaml:"userAgent"`
}

func defaultConfig() Config {
	return Config{
		Port:     8080,
		Provider: providerMemory,
		Cache: ConfigCache{
			CapacityBytes:    cache.DefaultCapacityBytes,
			PurgeTargetBytes: cache.DefaultPurgeTargetBytes,
		},
		Transport: ConfigTransport{
			MaxActiveDownloads: transport.DefaultMaxActiveDownloads,
			Timeout:            30 * time.Second,
			UserAgent:          "image-cache/" + version,
		},
	}
}

// getConfig reads the YAML config file on top of the defaults.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Provider != providerMemory && c.Provider != providerSQLite {
		return fmt.Errorf("unknown provider %q (use %s or %s)", c.Provider, providerMemory, providerSQLite)
	}
	if c.Cache.PurgeTargetBytes > c.Cache.CapacityBytes {
		return fmt.Errorf("%w: purge target %d exceeds capacity %d",
			cache.ErrInvalidConfiguration, c.Cache.PurgeTargetBytes, c.Cache.CapacityBytes)
	}
	if c.Transport.MaxActiveDownloads < 1 {
		return fmt.Errorf("max active downloads must be at least 1, got %d", c.Transport.MaxActiveDownloads)
	}
	if c.Transport.Timeout < 0 {
		return fmt.Errorf("negative transport timeout %s", c.Transport.Timeout)
	}
	return nil
}
