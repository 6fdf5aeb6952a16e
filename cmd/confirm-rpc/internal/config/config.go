package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
)

// Config represents the configuration of a confirm-rpc server
type Config struct {
	ConfigPath string
	Strict     bool

	Endpoint      string
	AdminEndpoint string

	RPCURL         string
	WebsocketURL   string
	PollOnly       bool
	MinNodeVersion string

	Commitment            ledger.Commitment
	PollInterval          time.Duration
	PollMaxInterval       time.Duration
	PollBackoffMultiplier float64
	RequestTimeout        time.Duration
	ConfirmationTimeout   time.Duration

	WebsocketPingInterval  time.Duration
	SubscriptionBufferSize int

	SQLiteDBPath     string
	JournalRetention time.Duration

	MaxHTTPRequestSize uint
	CORSAllowedOrigins []string

	LogLevel  logrus.Level
	LogFormat LogFormat

	optionsCache *Options
	flagset      *pflag.FlagSet
}

// SetValues loads the config from, in increasing precedence, the defaults,
// the config file, the environment and the command line flags.
func (cfg *Config) SetValues(lookupEnv func(string) (string, bool)) error {
	// We start with the defaults
	if err := cfg.loadDefaults(); err != nil {
		return err
	}

	// Then we load from the environment variables and cli flags, to try to find
	// the config file path
	if err := cfg.loadEnv(lookupEnv); err != nil {
		return err
	}
	if err := cfg.loadFlags(); err != nil {
		return err
	}

	if cfg.ConfigPath != "" {
		if err := cfg.loadConfigPath(); err != nil {
			return err
		}

		// Reload the environment and flags so they take precedence over the file
		if err := cfg.loadEnv(lookupEnv); err != nil {
			return err
		}
		if err := cfg.loadFlags(); err != nil {
			return err
		}
	}

	return nil
}

// loadDefaults populates the config with default values
func (cfg *Config) loadDefaults() error {
	for _, option := range cfg.options() {
		if option.ConfigKey != nil && option.DefaultValue != nil {
			if err := option.setValue(option.DefaultValue); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadEnv populates the config with values from the environment variables
func (cfg *Config) loadEnv(lookupEnv func(string) (string, bool)) error {
	return parseEnvVars(cfg.options(), lookupEnv)
}

func parseEnvVars(options Options, lookupEnv func(string) (string, bool)) error {
	for _, option := range options {
		key, ok := option.getEnvKey()
		if !ok {
			continue
		}
		value, ok := lookupEnv(key)
		if !ok {
			continue
		}
		if err := option.setValue(value); err != nil {
			return fmt.Errorf("could not parse %s from the environment: %w", key, err)
		}
	}
	return nil
}

// loadFlags populates the config with values from the cli flags
func (cfg *Config) loadFlags() error {
	if cfg.flagset == nil {
		return nil
	}
	for _, option := range cfg.options() {
		if option.flag == nil || !option.flag.Changed {
			continue
		}
		val, err := option.GetFlag(cfg.flagset)
		if err != nil {
			return err
		}
		if err := option.setValue(val); err != nil {
			return err
		}
	}
	return nil
}

// loadConfigPath loads a new config from a toml file at the given path. Strict
// mode will return an error if there are any unknown toml variables set. Note,
// strict-mode can also be set by putting `STRICT=true` in the config.toml file
// itself.
func (cfg *Config) loadConfigPath() error {
	file, err := os.Open(cfg.ConfigPath)
	if err != nil {
		return err
	}
	defer file.Close()
	return parseToml(file, cfg.Strict, cfg)
}

func (cfg *Config) Validate() error {
	return cfg.options().Validate()
}
