package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EngineConfig holds hot-tunable knobs for the metering engine. It is loaded
// from engine.yml and reloaded on change so batch and reset throughput can be
// adjusted without a restart.
type EngineConfig struct {
	BatchMaxSize     int           `mapstructure:"batchMaxSize"`
	BatchFlushWindow time.Duration `mapstructure:"batchFlushWindow"`
	ResetBatchSize   int           `mapstructure:"resetBatchSize"`
	ResetInterval    time.Duration `mapstructure:"resetInterval"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BatchMaxSize:     100,
		BatchFlushWindow: 2 * time.Second,
		ResetBatchSize:   50,
		ResetInterval:    time.Minute,
	}
}

type EngineConfigHolder struct {
	current atomic.Value // holds EngineConfig
}

func NewEngineConfigHolder() (*EngineConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("engine")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/meterline/config") // Volume-mounted config
	v.AddConfigPath("/etc/meterline")            // System config
	v.AddConfigPath(".")                         // Current directory (dev mode)

	v.SetEnvPrefix("METERLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultEngineConfig()
		v.SetDefault("engine.batchMaxSize", defaults.BatchMaxSize)
		v.SetDefault("engine.batchFlushWindow", defaults.BatchFlushWindow)
		v.SetDefault("engine.resetBatchSize", defaults.ResetBatchSize)
		v.SetDefault("engine.resetInterval", defaults.ResetInterval)
	}

	var cfg EngineConfig
	if err := v.UnmarshalKey("engine", &cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := validateEngineConfig(cfg); err != nil {
		return nil, err
	}

	holder := &EngineConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EngineConfig
		if err := v.UnmarshalKey("engine", &updated); err != nil {
			log.Printf("[engine-config] reload failed: %v", err)
			return
		}
		updated = updated.withDefaults()
		if err := validateEngineConfig(updated); err != nil {
			log.Printf("[engine-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[engine-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticEngineConfigHolder returns a holder with a fixed config and no
// file watching. Intended for tests.
func NewStaticEngineConfigHolder(cfg EngineConfig) *EngineConfigHolder {
	holder := &EngineConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func (h *EngineConfigHolder) Get() EngineConfig {
	return h.current.Load().(EngineConfig)
}

func (c EngineConfig) withDefaults() EngineConfig {
	defaults := DefaultEngineConfig()
	if c.BatchMaxSize <= 0 {
		c.BatchMaxSize = defaults.BatchMaxSize
	}
	if c.BatchFlushWindow <= 0 {
		c.BatchFlushWindow = defaults.BatchFlushWindow
	}
	if c.ResetBatchSize <= 0 {
		c.ResetBatchSize = defaults.ResetBatchSize
	}
	if c.ResetInterval <= 0 {
		c.ResetInterval = defaults.ResetInterval
	}
	return c
}

func validateEngineConfig(cfg EngineConfig) error {
	if cfg.BatchMaxSize > 1000 {
		return errors.New("engine.batchMaxSize must stay under downstream payload limits (max 1000)")
	}
	return nil
}
