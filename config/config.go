// Package config loads the gojograph server configuration from a YAML
// file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojograph/core/storage_engine/memstore"
	"github.com/sushant-115/gojograph/core/transaction"
	decisionlog "github.com/sushant-115/gojograph/core/transaction/decision_log"
	"github.com/sushant-115/gojograph/pkg/logger"
	"github.com/sushant-115/gojograph/pkg/telemetry"
)

// Config is the full engine configuration.
type Config struct {
	DataDir      string             `yaml:"data_dir"`
	Logging      logger.Config      `yaml:"logging"`
	Telemetry    telemetry.Config   `yaml:"telemetry"`
	Transactions transaction.Config `yaml:"transactions"`
	Storage      memstore.Config    `yaml:"storage"`
	DecisionLog  DecisionLogConfig  `yaml:"decision_log"`
}

// DecisionLogConfig tunes the two-phase commit decision log.
type DecisionLogConfig struct {
	SegmentSizeLimit int64 `yaml:"segment_size_limit"`
	CompactRateBytes int   `yaml:"compact_rate_bytes"`
}

// Options converts the YAML shape into the decision log's options.
func (c DecisionLogConfig) Options() decisionlog.Options {
	return decisionlog.Options{
		SegmentSizeLimit: c.SegmentSizeLimit,
		CompactRateBytes: c.CompactRateBytes,
	}
}

// Default returns a configuration usable without any file at all.
func Default() Config {
	return Config{
		DataDir: "data",
		Logging: logger.Config{
			Level:  "info",
			Format: "console",
		},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "gojograph",
			PrometheusPort: 9464,
		},
		Transactions: transaction.DefaultConfig(),
		Storage: memstore.Config{
			WaitForWriter: false,
		},
	}
}

// Load reads the configuration at path, layering it over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.Transactions.DefaultTimeout < time.Millisecond {
		return fmt.Errorf("transactions.default_timeout too small: %s", c.Transactions.DefaultTimeout)
	}
	if c.Transactions.MaxConcurrentTransactions <= 0 {
		return fmt.Errorf("transactions.max_concurrent_transactions must be positive")
	}
	return nil
}
