package utils

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. FFB_FFB_SPRING_GAIN
const EnvPrefix = "FFB"

type LogConfig struct {
	Level  string `mapstructure:"level"`
	File   string `mapstructure:"file"`
	Stdout bool   `mapstructure:"stdout"`
}

type CANConfig struct {
	Interface  string        `mapstructure:"interface"`
	Map        string        `mapstructure:"map"`
	RxFrame    string        `mapstructure:"rx_frame"`
	TxFrame    string        `mapstructure:"tx_frame"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type TraceConfig struct {
	Store string `mapstructure:"store"` // none, memory or sqlite
	Path  string `mapstructure:"path"`
}

type MatchmakerConfig struct {
	Listen      string        `mapstructure:"listen"`
	Cars        int           `mapstructure:"cars"`
	ClaimTTL    time.Duration `mapstructure:"claim_ttl"`
	TokenSecret string        `mapstructure:"token_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
}

// AppConfig holds the sections shared by both binaries. The control loop
// embeds it next to its model settings.
type AppConfig struct {
	Log        LogConfig        `mapstructure:"log"`
	CAN        CANConfig        `mapstructure:"can"`
	Trace      TraceConfig      `mapstructure:"trace"`
	Matchmaker MatchmakerConfig `mapstructure:"matchmaker"`
}

// NewViper returns a viper instance with defaults and env overrides wired
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.stdout", true)

	v.SetDefault("can.interface", "vcan0")
	v.SetDefault("can.map", "config/can/ffb_map.csv")
	v.SetDefault("can.rx_frame", "STEERING_STATE")
	v.SetDefault("can.tx_frame", "FFB_TORQUE_CMD")
	v.SetDefault("can.stale_after", 100*time.Millisecond)

	v.SetDefault("trace.store", "none")
	v.SetDefault("trace.path", "ffb_trace.db")

	v.SetDefault("matchmaker.listen", ":8081")
	v.SetDefault("matchmaker.cars", 5)
	v.SetDefault("matchmaker.claim_ttl", 2*time.Minute)
	v.SetDefault("matchmaker.token_secret", "")
	v.SetDefault("matchmaker.token_ttl", 15*time.Minute)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadConfigFile merges path into v. An empty path reads nothing.
func ReadConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// LoadConfig reads path (if non-empty) into v and decodes the shared sections.
// A missing file is an error only when path was given explicitly.
func LoadConfig(v *viper.Viper, path string) (AppConfig, error) {
	if err := ReadConfigFile(v, path); err != nil {
		return AppConfig{}, err
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	if c.CAN.StaleAfter <= 0 {
		return errors.New("can.stale_after must be positive")
	}
	switch c.Trace.Store {
	case "none", "memory", "sqlite":
	default:
		return fmt.Errorf("trace.store: unknown store %q", c.Trace.Store)
	}
	if c.Matchmaker.Cars <= 0 {
		return fmt.Errorf("matchmaker.cars must be positive, got %d", c.Matchmaker.Cars)
	}
	if c.Matchmaker.ClaimTTL <= 0 {
		return fmt.Errorf("matchmaker.claim_ttl must be positive, got %v", c.Matchmaker.ClaimTTL)
	}
	if c.Matchmaker.TokenTTL <= 0 {
		return fmt.Errorf("matchmaker.token_ttl must be positive, got %v", c.Matchmaker.TokenTTL)
	}
	return nil
}

// OpenLogger builds the logger described by c
func (c LogConfig) OpenLogger() (*Logger, error) {
	level := ParseLevel(c.Level)
	if c.File == "" {
		return NewLogger(os.Stdout, level), nil
	}
	return NewFileLogger(c.File, level, c.Stdout)
}
