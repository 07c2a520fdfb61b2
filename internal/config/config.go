package config

import (
	"encoding/json"
	"os"
	"strconv"
)

// Config holds all configuration for the tracker
type Config struct {
	AWS     AWSConfig
	Tracker TrackerConfig
}

type AWSConfig struct {
	Region       string `env:"AWS_REGION" required:"true"`
	AccessKey    string `env:"AWS_ACCESS_KEY_ID"`
	SecretKey    string `env:"AWS_SECRET_ACCESS_KEY"`
	SessionToken string `env:"AWS_SESSION_TOKEN"`
}

type TrackerConfig struct {
	TableName                string
	SuppressObjectValidation bool
	CatalogLookupsPerSecond  int
	LogLevel                 string
}

// DefaultTableName matches the table provisioned by the mesh account.
const DefaultTableName = "mesh-subscriptions"

func Load() (*Config, error) {
	cfg := &Config{
		AWS: AWSConfig{
			Region:       getEnv("AWS_REGION", "us-east-1"),
			AccessKey:    getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretKey:    getEnv("AWS_SECRET_ACCESS_KEY", ""),
			SessionToken: getEnv("AWS_SESSION_TOKEN", ""),
		},
		Tracker: TrackerConfig{
			TableName:                getEnv("SUBSCRIPTIONS_TABLE_NAME", DefaultTableName),
			SuppressObjectValidation: getEnvAsBool("SUPPRESS_OBJECT_VALIDATION", false),
			CatalogLookupsPerSecond:  getEnvAsInt("CATALOG_LOOKUPS_PER_SECOND", 10),
			LogLevel:                 getEnv("LOG_LEVEL", "INFO"),
		},
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
