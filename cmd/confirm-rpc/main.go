package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	supportlog "github.com/stellar/go/support/log"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/config"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/confirmation"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/confirmer"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/daemon"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/daemon/interfaces"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/methods"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/signals"
)

// exitNotConfirmed is the exit status of one-shot commands whose
// transaction did not confirm.
const exitNotConfirmed = 2

func main() {
	var cfg config.Config

	rootCmd := &cobra.Command{
		Use:   "confirm-rpc",
		Short: "Start the transaction confirmation server",
		Run: func(_ *cobra.Command, _ []string) {
			mustLoadConfig(&cfg)
			daemon.MustNew(&cfg, supportlog.New()).Run()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information and exit",
		Run: func(_ *cobra.Command, _ []string) {
			if config.CommitHash == "" {
				fmt.Printf("confirm-rpc dev\n")
			} else {
				// avoid printing the branch for the main branch
				// ( since that's what the end-user would typically have )
				// but keep it for internal build ( so that we'll know from which branch it
				// was built )
				branch := config.Branch
				if branch == "main" {
					branch = ""
				}
				fmt.Printf("confirm-rpc %s (%s) %s\n", config.Version, config.CommitHash, branch)
			}
		},
	}

	genConfigFileCmd := &cobra.Command{
		Use:   "gen-config-file",
		Short: "Generate a toml config file with default settings",
		Run: func(_ *cobra.Command, _ []string) {
			// We can't call 'Validate' here because the config file we are
			// generating might not be complete. e.g. It might not include a node url.
			if err := cfg.SetValues(os.LookupEnv); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			out, err := cfg.MarshalTOML()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Println(string(out))
		},
	}

	var (
		signature string
		lifetime  methods.LifetimeParams
	)
	waitCmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait for a submitted transaction to confirm and print the outcome",
		Run: func(_ *cobra.Command, _ []string) {
			mustLoadConfig(&cfg)
			sig, err := ledger.ParseSignature(signature)
			if err != nil {
				fatalf("invalid --signature: %v", err)
			}
			constraint, err := lifetime.Parse()
			if err != nil {
				fatalf("invalid lifetime: %v", err)
			}
			runOneShot(&cfg, func(ctx context.Context, c *confirmer.Confirmer) (ledger.Signature, confirmation.Outcome) {
				return sig, c.WaitForConfirmation(ctx, sig, cfg.Commitment, constraint)
			})
		},
	}
	waitCmd.Flags().StringVar(&signature, "signature", "", "base58 signature of the transaction")
	waitCmd.Flags().StringVar(&lifetime.Blockhash, "blockhash", "", "recent blockhash the transaction was built with")
	waitCmd.Flags().Uint64Var(&lifetime.LastValidBlockHeight, "last-valid-block-height", 0,
		"last block height at which the blockhash is accepted")
	waitCmd.Flags().StringVar(&lifetime.NonceAccount, "nonce-account", "", "durable nonce account of the transaction")
	waitCmd.Flags().StringVar(&lifetime.Nonce, "nonce", "", "nonce value the transaction was built with")

	var (
		transaction          string
		lastValidBlockHeight uint64
	)
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Submit a signed transaction, wait for it to confirm and print the outcome",
		Run: func(_ *cobra.Command, _ []string) {
			mustLoadConfig(&cfg)
			tx, err := confirmer.DecodeTransaction(transaction, lastValidBlockHeight)
			if err != nil {
				fatalf("invalid --transaction: %v", err)
			}
			runOneShot(&cfg, func(ctx context.Context, c *confirmer.Confirmer) (ledger.Signature, confirmation.Outcome) {
				return c.SendAndConfirm(ctx, tx, cfg.Commitment)
			})
		},
	}
	sendCmd.Flags().StringVar(&transaction, "transaction", "", "base64 encoded signed transaction")
	sendCmd.Flags().Uint64Var(&lastValidBlockHeight, "last-valid-block-height", 0,
		"last block height at which the transaction's blockhash is accepted")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(genConfigFileCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(sendCmd)

	if err := cfg.AddFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "could not parse config options: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "could not run: %v\n", err)
		os.Exit(1)
	}
}

func mustLoadConfig(cfg *config.Config) {
	if err := cfg.SetValues(os.LookupEnv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// runOneShot connects to the node, runs fn until it returns or the process
// is interrupted, and prints the outcome as JSON.
func runOneShot(
	cfg *config.Config,
	fn func(ctx context.Context, c *confirmer.Confirmer) (ledger.Signature, confirmation.Outcome),
) {
	logger := supportlog.New()
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogFormat == config.LogFormatJSON {
		logger.UseJSONFormatter()
	}

	c, _, err := confirmer.Open(confirmer.EndpointConfig{
		Logger:                 logger,
		Daemon:                 interfaces.MakeNoOpDeamon(),
		RPCURL:                 cfg.RPCURL,
		WebsocketURL:           cfg.WebsocketURL,
		PollOnly:               cfg.PollOnly,
		RequestTimeout:         cfg.RequestTimeout,
		WebsocketPingInterval:  cfg.WebsocketPingInterval,
		SubscriptionBufferSize: cfg.SubscriptionBufferSize,
		Signals: signals.Config{
			PollInterval:      cfg.PollInterval,
			MaxPollInterval:   cfg.PollMaxInterval,
			BackoffMultiplier: cfg.PollBackoffMultiplier,
		},
		ConfirmationTimeout: cfg.ConfirmationTimeout,
	})
	if err != nil {
		fatalf("could not connect to the node: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	sig, outcome := fn(ctx, c)
	stop()
	if err := c.Close(); err != nil {
		logger.WithError(err).Warn("could not close the node connections")
	}

	out, err := json.MarshalIndent(methods.NewConfirmationResponse(sig, outcome), "", "  ")
	if err != nil {
		fatalf("could not encode outcome: %v", err)
	}
	fmt.Println(string(out))
	if outcome.Kind != confirmation.Confirmed {
		os.Exit(exitNotConfirmed)
	}
}
