// Package config loads tool configuration from defaults, an optional
// config file and UBFLASH_* environment variables.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the tunables of a flashing run that are board- or
// operator-dependent rather than per-invocation arguments.
type Config struct {
	BaudRate  int   `mapstructure:"baud"`
	ChunkSize int64 `mapstructure:"chunk-size"`
	LoadAddr  int64 `mapstructure:"load-addr"`
	BaseAddr  int64 `mapstructure:"base-addr"`
	MMCDev    int   `mapstructure:"mmc-dev"`
	MMCPart   int   `mapstructure:"mmc-part"`
	BlockSize int64 `mapstructure:"block-size"`

	Attempts        int           `mapstructure:"attempts"`
	CommandTimeout  time.Duration `mapstructure:"command-timeout"`
	TransferTimeout time.Duration `mapstructure:"transfer-timeout"`

	ListenAddr string `mapstructure:"listen-addr"`
}

// Load reads configuration from defaults, an optional config file and the
// environment.
func Load() (*Config, error) {
	viper.SetDefault("baud", 115200)
	viper.SetDefault("chunk-size", 20*1024*1024)
	viper.SetDefault("load-addr", 0x48000000)
	viper.SetDefault("base-addr", 0x0)
	viper.SetDefault("mmc-dev", 1)
	viper.SetDefault("mmc-part", 0)
	viper.SetDefault("block-size", 512)
	viper.SetDefault("attempts", 3)
	viper.SetDefault("command-timeout", 30*time.Second)
	viper.SetDefault("transfer-timeout", 120*time.Second)
	viper.SetDefault("listen-addr", ":69")

	viper.SetEnvPrefix("UBFLASH")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	viper.SetConfigName("ubflash")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.config/ubflash")
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the loaded values for combinations no board can use.
func (c *Config) Validate() error {
	if c.BaudRate <= 0 {
		return fmt.Errorf("baud must be positive")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk-size must be positive")
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("block-size must be positive")
	}
	if c.ChunkSize%c.BlockSize != 0 {
		return fmt.Errorf("chunk-size %d must be a multiple of block-size %d", c.ChunkSize, c.BlockSize)
	}
	if c.LoadAddr <= 0 || c.LoadAddr > math.MaxUint32 {
		return fmt.Errorf("load-addr 0x%X must be a positive 32-bit address", c.LoadAddr)
	}
	if c.BaseAddr < 0 || c.BaseAddr%c.BlockSize != 0 {
		return fmt.Errorf("base-addr %d must be non-negative and block-aligned", c.BaseAddr)
	}
	if c.Attempts <= 0 {
		return fmt.Errorf("attempts must be positive")
	}
	if c.CommandTimeout <= 0 || c.TransferTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}
