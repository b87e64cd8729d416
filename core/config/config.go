// Package config provides shared configuration types and a viper-backed
// loader used by every fleet process.
package config

import (
	"fmt"
	"reflect"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/geoffjay/plantd/fleet/core/util"
)

// LokiConfig holds the settings needed to ship logs to a Loki instance.
type LokiConfig struct {
	Address string            `mapstructure:"address"`
	Labels  map[string]string `mapstructure:"labels"`
}

// LogConfig holds the logging configuration shared by every service.
type LogConfig struct {
	Formatter string     `mapstructure:"formatter"`
	Level     string     `mapstructure:"level"`
	Loki      LokiConfig `mapstructure:"loki"`
}

// ServiceConfig identifies a service instance within the fleet.
type ServiceConfig struct {
	ID string `mapstructure:"id"`
}

// Config is embedded by every process-specific configuration struct. It
// carries the fields common to all of them.
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
}

// LoadConfigWithDefaults reads configuration for `name` from the environment,
// a config file (searched in a PLANTD_<NAME>_CONFIG_DIR override when set,
// then the working directory, /etc/plantd/<name>, and $HOME/.config/<name>),
// and a set of program defaults, in that order of decreasing precedence
// (env > file > defaults). `out` must be a pointer to a pointer to a struct
// (e.g. `&instance` where `instance` is a `*Config`); a freshly decoded
// struct is allocated and assigned through it, matching the lazy-singleton
// pattern used by every service's `GetConfig()`.
func LoadConfigWithDefaults(name string, out interface{}, defaults map[string]interface{}) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Ptr {
		return fmt.Errorf("config: out must be a pointer to a pointer to a struct")
	}

	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	envPrefix := "PLANTD_" + strings.ToUpper(name)

	v.SetConfigName(name)
	v.SetConfigType("yaml")
	if dir := util.Getenv(envPrefix+"_CONFIG_DIR", ""); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(fmt.Sprintf("/etc/plantd/%s", name))
	if home, err := homedir.Dir(); err == nil {
		v.AddConfigPath(fmt.Sprintf("%s/.config/%s", home, name))
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return fmt.Errorf("failed to read %s config: %w", name, err)
		}
	}

	decoded := reflect.New(rv.Elem().Type().Elem())
	// Squash lets an embedded Config receive its fields from the top level.
	squash := func(dc *mapstructure.DecoderConfig) { dc.Squash = true }
	if err := v.Unmarshal(decoded.Interface(), squash); err != nil {
		return fmt.Errorf("failed to decode %s config: %w", name, err)
	}

	rv.Elem().Set(decoded)

	return nil
}
