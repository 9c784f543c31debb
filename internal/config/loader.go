package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from YAML and environment variables
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables in YAML
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects threshold combinations the rule engine cannot evaluate.
func (c *Config) Validate() error {
	if c.Enforcement.HardLimit < c.Enforcement.SoftLimit {
		return fmt.Errorf("config: hard_limit (%d) must be >= soft_limit (%d)",
			c.Enforcement.HardLimit, c.Enforcement.SoftLimit)
	}
	if c.Window.Backend != "memory" && c.Window.Backend != "redis" {
		return fmt.Errorf("config: unknown window backend %q", c.Window.Backend)
	}
	if c.Window.Backend == "redis" && c.RedisURL == "" {
		return fmt.Errorf("config: window backend is redis but redis_url is empty")
	}
	if c.Telemetry.Postgres.Enabled && c.DatabaseURL == "" {
		return fmt.Errorf("config: postgres telemetry enabled but database_url is empty")
	}
	if c.Backend.ProxyEnabled && c.Backend.URL == "" {
		return fmt.Errorf("config: proxy enabled but backend url is empty")
	}
	return nil
}

func overrideWithEnv(cfg *Config) error {
	return overrideStruct(reflect.ValueOf(cfg).Elem())
}

func overrideStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if fieldVal.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			if err := overrideStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}
		envValue, exists := os.LookupEnv(envKey)
		if !exists {
			continue
		}

		switch {
		case field.Type == reflect.TypeOf(time.Duration(0)):
			if d, err := time.ParseDuration(envValue); err == nil {
				fieldVal.SetInt(int64(d))
			}
		case fieldVal.Kind() == reflect.String:
			fieldVal.SetString(envValue)
		case fieldVal.Kind() == reflect.Int:
			if intValue, err := strconv.Atoi(envValue); err == nil {
				fieldVal.SetInt(int64(intValue))
			}
		case fieldVal.Kind() == reflect.Bool:
			if boolValue, err := strconv.ParseBool(envValue); err == nil {
				fieldVal.SetBool(boolValue)
			}
		case fieldVal.Kind() == reflect.Float64:
			if f, err := strconv.ParseFloat(envValue, 64); err == nil {
				fieldVal.SetFloat(f)
			}
		case fieldVal.Kind() == reflect.Slice:
			if field.Type.Elem().Kind() == reflect.String {
				fieldVal.Set(reflect.ValueOf(strings.Split(envValue, ",")))
			}
		}
	}
	return nil
}
