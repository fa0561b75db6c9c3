package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Instances []InstanceConfig `mapstructure:"instances"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Sync      SyncConfig       `mapstructure:"sync"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// InstanceConfig holds the connection settings of one catalog server.
type InstanceConfig struct {
	ID       string `mapstructure:"id"` // assigned at registration
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	APIKey   string `mapstructure:"api_key"`
	Username string `mapstructure:"username"`
}

// StorageConfig holds local data locations.
type StorageConfig struct {
	DataDir     string `mapstructure:"data_dir"`     // entity cache
	DownloadDir string `mapstructure:"download_dir"` // book files
}

// SyncConfig holds sync and transfer tuning.
type SyncConfig struct {
	PageSize    int `mapstructure:"page_size"`
	PageWorkers int `mapstructure:"page_workers"` // page fetch concurrency per book
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:     defaultDataPath(),
			DownloadDir: filepath.Join(defaultDataPath(), "downloads"),
		},
		Sync: SyncConfig{
			PageSize:    100,
			PageWorkers: 4,
		},
		Logging: LoggingConfig{
			File:  defaultLogPath(),
			Level: "INFO",
		},
	}
}

func defaultLogPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "folio", "folio.log")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "folio", "folio.log")
	}
}

func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "folio")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "folio")
	}
}

func defaultDataPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "folio")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "folio")
	}
}

// LoadConfig loads configuration from file and environment.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(defaultConfigPath())
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("FOLIO")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration back to the config file.
func SaveConfig(cfg *Config) error {
	configPath := defaultConfigPath()
	if err := os.MkdirAll(configPath, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	instances := make([]map[string]interface{}, 0, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		instances = append(instances, map[string]interface{}{
			"id":       inst.ID,
			"name":     inst.Name,
			"url":      inst.URL,
			"api_key":  inst.APIKey,
			"username": inst.Username,
		})
	}
	viper.Set("instances", instances)

	viper.Set("storage.data_dir", cfg.Storage.DataDir)
	viper.Set("storage.download_dir", cfg.Storage.DownloadDir)

	viper.Set("sync.page_size", cfg.Sync.PageSize)
	viper.Set("sync.page_workers", cfg.Sync.PageWorkers)

	viper.Set("logging.file", cfg.Logging.File)
	viper.Set("logging.level", cfg.Logging.Level)

	configFile := filepath.Join(configPath, "config.yaml")
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// AddInstance registers a new server connection, assigning it a stable
// id that keys every cached entity of that server.
func (c *Config) AddInstance(name, url, apiKey, username string) InstanceConfig {
	inst := InstanceConfig{
		ID:       uuid.NewString(),
		Name:     name,
		URL:      url,
		APIKey:   apiKey,
		Username: username,
	}
	c.Instances = append(c.Instances, inst)
	return inst
}

// Instance finds a configured instance by id or name.
func (c *Config) Instance(idOrName string) (InstanceConfig, bool) {
	for _, inst := range c.Instances {
		if inst.ID == idOrName || inst.Name == idOrName {
			return inst, true
		}
	}
	return InstanceConfig{}, false
}

// RemoveInstance deletes a configured instance by id. It reports
// whether anything was removed.
func (c *Config) RemoveInstance(id string) bool {
	for i, inst := range c.Instances {
		if inst.ID == id {
			c.Instances = append(c.Instances[:i], c.Instances[i+1:]...)
			return true
		}
	}
	return false
}

// IsConfigured returns true when at least one instance is registered.
func (c *Config) IsConfigured() bool {
	return len(c.Instances) > 0
}
