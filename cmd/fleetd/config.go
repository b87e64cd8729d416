package main

import (
	"sync"
	"time"

	cfg "github.com/geoffjay/plantd/fleet/core/config"

	log "github.com/sirupsen/logrus"
)

// redisConfig holds the registry connection settings.
type redisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// brokerCacheConfig sizes the broker's LRU address cache.
type brokerCacheConfig struct {
	Max    int           `mapstructure:"max"`
	MaxAge time.Duration `mapstructure:"max-age"`
}

// retriesConfig is the backoff policy applied to find/ask/tell.
type retriesConfig struct {
	InitialInterval time.Duration `mapstructure:"initial-interval"`
	MaxInterval     time.Duration `mapstructure:"max-interval"`
	Duration        time.Duration `mapstructure:"duration"`
}

// Config is the fleetd process configuration, loaded from env, a config
// file, and program defaults via core/config's viper-backed loader.
type Config struct {
	cfg.Config

	Env                 string            `mapstructure:"env"`
	ClusterName         string            `mapstructure:"cluster-name"`
	Addr                string            `mapstructure:"addr"`
	NS                  string            `mapstructure:"ns"`
	ChPrefix            string            `mapstructure:"ch-prefix"`
	RPCTimeout          time.Duration     `mapstructure:"rpc-timeout"`
	TTL                 time.Duration     `mapstructure:"ttl"`
	BatchReadSize       int               `mapstructure:"batch-read-size"`
	SocTimeout          time.Duration     `mapstructure:"soc-timeout"`
	HealthCheckInterval time.Duration     `mapstructure:"health-check-interval"`
	BrokerCache         brokerCacheConfig `mapstructure:"broker-cache"`
	Retries             retriesConfig     `mapstructure:"retries"`
	HealthPort          int               `mapstructure:"health-port"`
	Redis               redisConfig       `mapstructure:"redis"`
	Log                 cfg.LogConfig     `mapstructure:"log"`
	Service             cfg.ServiceConfig `mapstructure:"service"`
}

var lock = &sync.Mutex{}
var instance *Config

var defaults = map[string]interface{}{
	"env":                      "development",
	"cluster-name":             "default",
	"addr":                     "0.0.0.0",
	"ns":                       "fleet",
	"ch-prefix":                "fleet",
	"rpc-timeout":              "3s",
	"ttl":                      "0s",
	"batch-read-size":          1,
	"soc-timeout":              "30s",
	"health-check-interval":    "10s",
	"broker-cache.max":         1024,
	"broker-cache.max-age":     "5m",
	"retries.initial-interval": "100ms",
	"retries.max-interval":     "5s",
	"retries.duration":         "30s",
	"health-port":              8090,
	"redis.address":            "localhost:6379",
	"redis.db":                 0,
	"log.formatter":            "text",
	"log.level":                "info",
	"log.loki.address":         "",
	"log.loki.labels": map[string]string{
		"app": "fleetd", "environment": "development"},
	"service.id": "org.plantd.Fleet",
}

// GetConfig returns the application configuration singleton.
func GetConfig() *Config {
	if instance == nil {
		lock.Lock()
		defer lock.Unlock()
		if instance == nil {
			if err := cfg.LoadConfigWithDefaults("fleetd", &instance,
				defaults); err != nil {
				log.Fatalf("error reading config file: %s\n", err)
			}
		}
	}

	log.Tracef("config: %+v", instance)

	return instance
}
