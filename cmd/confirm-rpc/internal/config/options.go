package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/mod/semver"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
)

const (
	defaultHTTPEndpoint     = "localhost:8000"
	defaultMaxHTTPBodyBytes = 512 * 1024
)

//nolint:funlen,maintidx // the option table is long by nature
func (cfg *Config) options() Options {
	if cfg.optionsCache != nil {
		return *cfg.optionsCache
	}
	cfg.optionsCache = &Options{
		{
			Name:      "config-path",
			EnvVar:    "CONFIG_PATH",
			TomlKey:   "-",
			Usage:     "File path to the toml configuration file",
			ConfigKey: &cfg.ConfigPath,
		},
		{
			Name:         "config-strict",
			EnvVar:       "CONFIG_STRICT",
			TomlKey:      "STRICT",
			Usage:        "Enable strict toml configuration file parsing. This will prevent unknown fields in the config toml from being parsed.",
			ConfigKey:    &cfg.Strict,
			DefaultValue: false,
		},
		{
			Name:         "endpoint",
			Usage:        "Endpoint to listen and serve on",
			ConfigKey:    &cfg.Endpoint,
			DefaultValue: defaultHTTPEndpoint,
		},
		{
			Name:      "admin-endpoint",
			Usage:     "Admin endpoint to listen and serve on. WARNING: this should not be accessible from the Internet and does not use TLS. \"\" (default) disables the admin server",
			ConfigKey: &cfg.AdminEndpoint,
		},
		{
			Name:      "rpc-url",
			Usage:     "HTTP JSON-RPC URL of the node whose ledger is observed",
			ConfigKey: &cfg.RPCURL,
			Validate: func(option *Option) error {
				if err := required(option); err != nil {
					return err
				}
				return validateURL(option, "http", "https")
			},
		},
		{
			Name:      "ws-url",
			Usage:     "Websocket JSON-RPC URL of the node. Derived from rpc-url when empty",
			ConfigKey: &cfg.WebsocketURL,
			Validate: func(option *Option) error {
				if cfg.WebsocketURL == "" {
					return nil
				}
				return validateURL(option, "ws", "wss")
			},
		},
		{
			Name:         "poll-only",
			Usage:        "Observe the node through polling only, without websocket subscriptions",
			ConfigKey:    &cfg.PollOnly,
			DefaultValue: false,
		},
		{
			Name:      "min-node-version",
			Usage:     "Warn at startup when the node reports a version older than this (e.g. 1.18.0). Empty disables the check",
			ConfigKey: &cfg.MinNodeVersion,
			Validate: func(option *Option) error {
				if cfg.MinNodeVersion == "" || semver.IsValid("v"+cfg.MinNodeVersion) {
					return nil
				}
				return fmt.Errorf("%s is not a semantic version: %q", option.Name, cfg.MinNodeVersion)
			},
		},
		{
			Name:         "commitment",
			Usage:        "Default commitment level awaited when a request does not name one (processed, confirmed, finalized)",
			ConfigKey:    &cfg.Commitment,
			DefaultValue: ledger.Confirmed.String(),
			CustomSetValue: func(option *Option, i interface{}) error {
				switch v := i.(type) {
				case nil:
					return nil
				case string:
					commitment, err := ledger.ParseCommitment(v)
					if err != nil {
						return fmt.Errorf("could not parse %s: %w", option.Name, err)
					}
					cfg.Commitment = commitment
				case ledger.Commitment:
					cfg.Commitment = v
				default:
					return fmt.Errorf("could not parse %s: %v", option.Name, v)
				}
				return nil
			},
			MarshalTOML: func(_ *Option) (interface{}, error) {
				return cfg.Commitment.String(), nil
			},
		},
		{
			Name:         "poll-interval",
			Usage:        "Delay between two polls of the node while waiting for a confirmation",
			ConfigKey:    &cfg.PollInterval,
			DefaultValue: 2 * time.Second,
			Validate:     positive,
		},
		{
			Name:         "poll-max-interval",
			Usage:        "Upper bound of the poll delay. When above poll-interval, the delay grows exponentially up to it",
			ConfigKey:    &cfg.PollMaxInterval,
			DefaultValue: 2 * time.Second,
			Validate: func(option *Option) error {
				if cfg.PollMaxInterval != 0 && cfg.PollMaxInterval < cfg.PollInterval {
					return fmt.Errorf("%s must not be lower than poll-interval", option.Name)
				}
				return nil
			},
		},
		{
			Name:         "poll-backoff-multiplier",
			Usage:        "Growth factor of the poll delay between poll-interval and poll-max-interval",
			ConfigKey:    &cfg.PollBackoffMultiplier,
			DefaultValue: 1.5,
			Validate: func(option *Option) error {
				if cfg.PollBackoffMultiplier < 1 {
					return fmt.Errorf("%s must be at least 1", option.Name)
				}
				return nil
			},
		},
		{
			Name:         "request-timeout",
			Usage:        "Timeout of a single HTTP request to the node",
			ConfigKey:    &cfg.RequestTimeout,
			DefaultValue: 30 * time.Second,
			Validate:     positive,
		},
		{
			Name:         "confirmation-timeout",
			Usage:        "Upper bound of a confirmation wait, after which it is aborted. 0 waits until the transaction confirms or its lifetime ends",
			ConfigKey:    &cfg.ConfirmationTimeout,
			DefaultValue: time.Duration(0),
		},
		{
			Name:         "ws-ping-interval",
			Usage:        "Interval between websocket keepalive pings. 0 disables them",
			ConfigKey:    &cfg.WebsocketPingInterval,
			DefaultValue: 30 * time.Second,
		},
		{
			Name:         "subscription-buffer-size",
			Usage:        "Number of notifications buffered per subscription consumer",
			ConfigKey:    &cfg.SubscriptionBufferSize,
			DefaultValue: 16,
			Validate:     positive,
		},
		{
			Name:         "db-path",
			Usage:        "SQLite DB path for the confirmation journal",
			ConfigKey:    &cfg.SQLiteDBPath,
			DefaultValue: "confirm_rpc.sqlite",
		},
		{
			Name:         "journal-retention",
			Usage:        "How long confirmation attempts are kept in the journal. 0 keeps them forever",
			ConfigKey:    &cfg.JournalRetention,
			DefaultValue: 7 * 24 * time.Hour,
		},
		{
			TomlKey:      "MAX_HTTP_REQUEST_SIZE",
			Usage:        "Maximum HTTP request size in bytes",
			ConfigKey:    &cfg.MaxHTTPRequestSize,
			DefaultValue: uint(defaultMaxHTTPBodyBytes),
			Validate:     positive,
		},
		{
			Name:      "cors-allowed-origins",
			Usage:     "Origins allowed to call the JSON-RPC endpoint. Empty allows any origin",
			ConfigKey: &cfg.CORSAllowedOrigins,
		},
		{
			Name:         "log-level",
			Usage:        "minimum log severity (debug, info, warn, error) to log",
			ConfigKey:    &cfg.LogLevel,
			DefaultValue: logrus.InfoLevel,
			CustomSetValue: func(option *Option, i interface{}) error {
				switch v := i.(type) {
				case nil:
					return nil
				case string:
					ll, err := logrus.ParseLevel(v)
					if err != nil {
						return fmt.Errorf("could not parse %s: %q", option.Name, v)
					}
					cfg.LogLevel = ll
				case logrus.Level:
					cfg.LogLevel = v
				case *logrus.Level:
					cfg.LogLevel = *v
				default:
					return fmt.Errorf("could not parse %s: %q", option.Name, v)
				}
				return nil
			},
			MarshalTOML: func(_ *Option) (interface{}, error) {
				return cfg.LogLevel.String(), nil
			},
		},
		{
			Name:         "log-format",
			Usage:        "format used for output logs (json or text)",
			ConfigKey:    &cfg.LogFormat,
			DefaultValue: "text",
			CustomSetValue: func(option *Option, i interface{}) error {
				switch v := i.(type) {
				case nil:
					return nil
				case string:
					if err := cfg.LogFormat.UnmarshalText([]byte(v)); err != nil {
						return fmt.Errorf("could not parse %s: %w", option.Name, err)
					}
				case LogFormat:
					cfg.LogFormat = v
				case *LogFormat:
					cfg.LogFormat = *v
				default:
					return fmt.Errorf("could not parse %s: %q", option.Name, v)
				}
				return nil
			},
			MarshalTOML: func(_ *Option) (interface{}, error) {
				return cfg.LogFormat.String(), nil
			},
		},
	}
	return *cfg.optionsCache
}

func validateURL(option *Option, schemes ...string) error {
	raw := *option.ConfigKey.(*string) //nolint:forcetypeassert
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid url: %w", option.Name, err)
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %v url, got %q", option.Name, schemes, raw)
}
